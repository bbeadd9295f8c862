package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/darkswapfoundation/darkswap-sub001/pkg/book"
	"github.com/darkswapfoundation/darkswap-sub001/pkg/p2p"
	"github.com/darkswapfoundation/darkswap-sub001/pkg/trade"
	"github.com/darkswapfoundation/darkswap-sub001/pkg/util"
)

// TradeHistory is the slice of the store the API reads settled trades from.
type TradeHistory interface {
	LoadRecentTrades(limit int) ([]trade.Record, error)
}

// Server exposes the node over REST and websocket.
type Server struct {
	log    *zap.SugaredLogger
	sync   *book.Synchronizer
	coord  *trade.Coordinator
	net    *p2p.Manager
	trades TradeHistory
	router *mux.Router
	hub    *Hub
	srv    *http.Server
}

func NewServer(sync *book.Synchronizer, coord *trade.Coordinator, net *p2p.Manager, trades TradeHistory, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = util.NopSugar()
	}
	s := &Server{
		log:    log,
		sync:   sync,
		coord:  coord,
		net:    net,
		trades: trades,
		router: mux.NewRouter(),
		hub:    NewHub(log),
	}
	s.setupRoutes()
	return s
}

// Hub returns the websocket hub so the node can push its events.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/orderbook/{base}/{quote}", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders", s.handleCreateOrder).Methods("POST")
	api.HandleFunc("/orders/{id}/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id}/take", s.handleTakeOrder).Methods("POST")
	api.HandleFunc("/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/peers", s.handleGetPeers).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	})

	s.srv = &http.Server{Addr: addr, Handler: c.Handler(s.router)}
	s.log.Infow("api_server_starting", "addr", addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	base := strings.ToUpper(vars["base"])
	quote := strings.ToUpper(vars["quote"])

	v := s.sync.View()
	snap := OrderbookSnapshot{
		Symbol:    book.Symbol(base, quote),
		Bids:      v.BuyOrders(base, quote),
		Asks:      v.SellOrders(base, quote),
		Timestamp: time.Now().UnixMilli(),
	}
	if spread, ok := v.Spread(base, quote); ok {
		snap.Spread = spread.String()
	}
	if mid, ok := v.MidPrice(base, quote); ok {
		snap.MidPrice = mid.String()
	}
	respondJSON(w, snap)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	v := s.sync.View()
	if maker := r.URL.Query().Get("maker"); maker != "" {
		respondJSON(w, v.OpenByMaker(maker))
		return
	}
	respondJSON(w, v.All())
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid price", err.Error())
		return
	}

	var expiry time.Duration
	if req.ExpiryMs > 0 {
		expiry = time.Duration(req.ExpiryMs) * time.Millisecond
	}

	o, err := s.sync.CreateOrder(r.Context(),
		strings.ToUpper(req.BaseAsset), strings.ToUpper(req.QuoteAsset),
		book.Side(strings.ToLower(req.Side)), amount, price, expiry)
	if err != nil {
		respondError(w, http.StatusBadRequest, "order rejected", err.Error())
		return
	}
	respondJSON(w, CreateOrderResponse{OrderID: o.ID})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sync.CancelOrder(r.Context(), id); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, book.ErrOrderNotFound) {
			status = http.StatusNotFound
		}
		respondError(w, status, "cancel failed", err.Error())
		return
	}
	respondJSON(w, StatusResponse{Status: "cancelled"})
}

func (s *Server) handleTakeOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req TakeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
		return
	}

	if err := s.coord.TakeOrder(r.Context(), id, amount); err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, book.ErrOrderNotFound):
			status = http.StatusNotFound
		case errors.Is(err, trade.ErrAlreadyNegotiating):
			status = http.StatusConflict
		}
		respondError(w, status, "take failed", err.Error())
		return
	}
	respondJSON(w, StatusResponse{Status: "negotiating"})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	if s.trades == nil {
		respondJSON(w, []trade.Record{})
		return
	}
	recs, err := s.trades.LoadRecentTrades(100)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "trade history unavailable", err.Error())
		return
	}
	respondJSON(w, recs)
}

func (s *Server) handleGetPeers(w http.ResponseWriter, r *http.Request) {
	peers := s.net.Peers()
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = string(p)
	}
	respondJSON(w, PeersResponse{Self: string(s.net.Self()), Peers: out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]interface{}{
		"status": "ok",
		"peers":  len(s.net.Peers()),
		"orders": s.sync.View().Len(),
		"time":   time.Now().UnixMilli(),
	})
}
