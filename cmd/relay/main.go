package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/darkswapfoundation/darkswap-sub001/pkg/signal"
	"github.com/darkswapfoundation/darkswap-sub001/pkg/util"
)

func main() {
	addr := flag.String("addr", ":9001", "listen address")
	flag.Parse()

	logger, err := util.NewLogger()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	relay := signal.NewRelay(sugar)

	router := mux.NewRouter()
	router.HandleFunc("/signal", relay.Handler())
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok",
			"peers":  len(relay.Peers()),
		})
	}).Methods("GET")

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}).Handler(router)

	sugar.Infow("relay_starting", "addr", *addr)
	if err := http.ListenAndServe(*addr, handler); err != nil {
		sugar.Fatalw("relay_failed", "err", err)
	}
}
