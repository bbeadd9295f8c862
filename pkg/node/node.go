package node

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/darkswapfoundation/darkswap-sub001/params"
	"github.com/darkswapfoundation/darkswap-sub001/pkg/api"
	"github.com/darkswapfoundation/darkswap-sub001/pkg/book"
	"github.com/darkswapfoundation/darkswap-sub001/pkg/p2p"
	"github.com/darkswapfoundation/darkswap-sub001/pkg/storage"
	"github.com/darkswapfoundation/darkswap-sub001/pkg/trade"
	"github.com/darkswapfoundation/darkswap-sub001/pkg/util"
)

// Node wires the store, the connection manager, the orderbook synchronizer,
// the trade coordinator and the local API into one runnable unit.
type Node struct {
	log   *zap.SugaredLogger
	cfg   params.Config
	store *storage.Store
	net   *p2p.Manager
	book  *book.Synchronizer
	coord *trade.Coordinator
	api   *api.Server
}

func New(ctx context.Context, cfg params.Config, log *zap.SugaredLogger) (*Node, error) {
	store, err := storage.Open(cfg.Node.DataDir + "/db")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	net, err := p2p.NewManager(ctx, p2p.ManagerConfig{
		ListenAddr:   cfg.Network.ListenAddr,
		SignalingURL: cfg.Network.SignalingURL,
		Bootstrap:    cfg.Network.Bootstrap,
		MaxRetries:   cfg.Network.SignalMaxRetries,
		Backoff:      cfg.Network.SignalBackoff,
		Logger:       log,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("p2p manager: %w", err)
	}

	sync, err := book.NewSynchronizer(net, store, log)
	if err != nil {
		net.CloseAll()
		store.Close()
		return nil, fmt.Errorf("orderbook: %w", err)
	}

	wallet, err := trade.NewDevWallet()
	if err != nil {
		net.CloseAll()
		store.Close()
		return nil, fmt.Errorf("wallet: %w", err)
	}

	coord, err := trade.NewCoordinator(net, sync, wallet, trade.CoordinatorConfig{
		Timeout: cfg.Trade.Timeout,
		Clock:   util.RealClock{},
		Store:   store,
		Logger:  log,
	})
	if err != nil {
		net.CloseAll()
		store.Close()
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	srv := api.NewServer(sync, coord, net, store, log)

	n := &Node{
		log:   log,
		cfg:   cfg,
		store: store,
		net:   net,
		book:  sync,
		coord: coord,
		api:   srv,
	}
	n.wireEvents()
	return n, nil
}

// wireEvents forwards the node's observable events onto websocket channels.
func (n *Node) wireEvents() {
	hub := n.api.Hub()

	n.net.OnPeerConnected(func(p p2p.PeerID) {
		hub.BroadcastToChannel("peers", "peer-connected", map[string]string{"peerId": string(p)})
	})
	n.net.OnPeerDisconnected(func(p p2p.PeerID) {
		hub.BroadcastToChannel("peers", "peer-disconnected", map[string]string{"peerId": string(p)})
	})
	n.net.OnSignalingDown(func(err error) {
		n.log.Warnw("signaling_unavailable", "err", err)
		hub.BroadcastToChannel("peers", "signaling-down", map[string]string{"error": err.Error()})
	})

	n.book.Subscribe(func(t book.EventType, o book.Order) {
		hub.BroadcastToChannel("orderbook", string(t), o)
	})

	n.coord.Subscribe(func(evt trade.Event) {
		hub.BroadcastToChannel("trades", string(evt.Type), evt)
	})
}

// Run reloads persisted orders, serves the API and blocks until ctx is
// cancelled or the API listener fails.
func (n *Node) Run(ctx context.Context) error {
	if err := n.book.Reload(ctx); err != nil {
		n.log.Warnw("order_reload_failed", "err", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- n.api.Start(n.cfg.Node.APIAddr) }()

	n.log.Infow("node_running",
		"peer", string(n.net.Self()),
		"api", n.cfg.Node.APIAddr,
		"orders", n.book.View().Len())

	select {
	case <-ctx.Done():
		return n.shutdown()
	case err := <-errCh:
		n.shutdown()
		return err
	}
}

func (n *Node) shutdown() error {
	n.log.Infow("node_stopping")

	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.api.Shutdown(shCtx); err != nil {
		n.log.Warnw("api_shutdown_failed", "err", err)
	}
	if err := n.net.CloseAll(); err != nil {
		n.log.Warnw("p2p_close_failed", "err", err)
	}
	if err := n.store.Close(); err != nil {
		n.log.Warnw("store_close_failed", "err", err)
		return err
	}
	return nil
}

// Network exposes the connection manager, mainly for manual peer dialing.
func (n *Node) Network() *p2p.Manager { return n.net }

// Orderbook exposes the synchronizer.
func (n *Node) Orderbook() *book.Synchronizer { return n.book }

// Trades exposes the coordinator.
func (n *Node) Trades() *trade.Coordinator { return n.coord }
