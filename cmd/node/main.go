package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/darkswapfoundation/darkswap-sub001/params"
	"github.com/darkswapfoundation/darkswap-sub001/pkg/node"
	"github.com/darkswapfoundation/darkswap-sub001/pkg/util"
)

func main() {
	envPath := flag.String("env", "", "path to .env file (default: .env in cwd)")
	flag.Parse()

	// Priority: ENV > .env file > defaults
	cfg := params.LoadFromEnv(*envPath)

	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		log.Fatalf("data dir: %v", err)
	}

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, cfg, sugar)
	if err != nil {
		sugar.Fatalw("node_init_failed", "err", err)
	}

	sugar.Infow("node_starting",
		"signaling", cfg.Network.SignalingURL,
		"listen", cfg.Network.ListenAddr,
		"api", cfg.Node.APIAddr)

	if err := n.Run(ctx); err != nil && ctx.Err() == nil {
		sugar.Fatalw("node_failed", "err", err)
	}
}
