package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/darkswapfoundation/darkswap-sub001/pkg/signal"
	"github.com/darkswapfoundation/darkswap-sub001/pkg/util"
)

const (
	protocolMsg = protocol.ID("/darkswap/msg/1.0.0")

	// maxMessageSize bounds a single direct-stream message.
	maxMessageSize = 1 << 20
)

// MessageHandler receives inbound payloads for one topic. from is the
// transport-authenticated sender.
type MessageHandler func(from PeerID, payload []byte)

type ManagerConfig struct {
	ListenAddr     string
	SignalingURL   string
	Bootstrap      []string
	MaxRetries     int
	Backoff        time.Duration
	ConnectTimeout time.Duration
	Logger         *zap.SugaredLogger
}

// Manager owns the libp2p host, the gossipsub instance and the signaling
// client. It is the only component holding transport resources; everything
// downstream observes the network through registered handlers.
type Manager struct {
	h   host.Host
	ps  *pubsub.PubSub
	sig *signal.Client
	log *zap.SugaredLogger

	connectTimeout time.Duration

	mu     sync.Mutex
	conns  map[PeerID]*Connection
	closed bool

	topicsMu sync.Mutex
	topics   map[string]*pubsub.Topic

	handlersMu   sync.RWMutex
	handlers     map[string][]MessageHandler
	onConnect    []func(PeerID)
	onDisconnect []func(PeerID)
	onSignalDown []func(error)

	runCtx    context.Context
	runCancel context.CancelFunc
}

func NewManager(ctx context.Context, cfg ManagerConfig) (*Manager, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("listen addr: %w", err)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = util.NopSugar()
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	m := &Manager{
		h:              h,
		ps:             ps,
		log:            log,
		connectTimeout: cfg.ConnectTimeout,
		conns:          make(map[PeerID]*Connection),
		topics:         make(map[string]*pubsub.Topic),
		handlers:       make(map[string][]MessageHandler),
		runCtx:         runCtx,
		runCancel:      runCancel,
	}
	if m.connectTimeout <= 0 {
		m.connectTimeout = 15 * time.Second
	}

	h.SetStreamHandler(protocolMsg, m.handleStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    func(_ network.Network, c network.Conn) { m.peerUp(c.RemotePeer()) },
		DisconnectedF: func(_ network.Network, c network.Conn) { m.peerDown(c.RemotePeer()) },
	})

	if cfg.SignalingURL != "" {
		m.sig = &signal.Client{
			URL:        cfg.SignalingURL,
			Name:       h.ID().String(),
			MaxRetries: cfg.MaxRetries,
			Backoff:    cfg.Backoff,
			Logger:     log,
			OnMessage:  m.handleSignal,
			OnDown:     m.signalDown,
		}
		if err := m.sig.Dial(ctx); err != nil {
			h.Close()
			runCancel()
			return nil, fmt.Errorf("signaling dial: %w", err)
		}
	}

	for _, bs := range cfg.Bootstrap {
		if err := m.connectMultiaddr(ctx, bs); err != nil {
			log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	log.Infow("p2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return m, nil
}

func (m *Manager) connectMultiaddr(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return err
	}
	return m.h.Connect(ctx, *info)
}

// Self returns this node's PeerID.
func (m *Manager) Self() PeerID { return PeerID(m.h.ID().String()) }

// Host exposes the underlying libp2p host (tests wire peers directly).
func (m *Manager) Host() host.Host { return m.h }

// Peers lists peers with an Open connection.
func (m *Manager) Peers() []PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerID, 0, len(m.conns))
	for id, c := range m.conns {
		if c.State() == StateOpen {
			out = append(out, id)
		}
	}
	return out
}

// ==============================
// Event registration
// ==============================

func (m *Manager) OnMessage(topic string, h MessageHandler) error {
	m.handlersMu.Lock()
	m.handlers[topic] = append(m.handlers[topic], h)
	m.handlersMu.Unlock()
	// Broadcast topics are joined lazily on first interest.
	return m.joinTopic(topic)
}

func (m *Manager) OnPeerConnected(f func(PeerID)) {
	m.handlersMu.Lock()
	m.onConnect = append(m.onConnect, f)
	m.handlersMu.Unlock()
}

func (m *Manager) OnPeerDisconnected(f func(PeerID)) {
	m.handlersMu.Lock()
	m.onDisconnect = append(m.onDisconnect, f)
	m.handlersMu.Unlock()
}

// OnSignalingDown fires once the signaling reconnect budget is exhausted.
func (m *Manager) OnSignalingDown(f func(error)) {
	m.handlersMu.Lock()
	m.onSignalDown = append(m.onSignalDown, f)
	m.handlersMu.Unlock()
}

// ==============================
// Connect / Send / Disconnect
// ==============================

// Connect establishes a connection to peerID via the signaling relay.
// Idempotent: an existing Open or Negotiating connection is reused.
func (m *Manager) Connect(ctx context.Context, peerID PeerID) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if c, ok := m.conns[peerID]; ok && c.State() != StateClosed {
		m.mu.Unlock()
		if c.State() == StateOpen {
			return nil
		}
		err := m.awaitOpen(ctx, c)
		if err != nil {
			// The negotiation is stale; drop it so the next Connect can
			// start a fresh signaling exchange.
			m.dropConn(peerID)
		}
		return err
	}
	conn := newConnection(peerID)
	m.conns[peerID] = conn
	m.mu.Unlock()

	if m.sig == nil {
		m.dropConn(peerID)
		return fmt.Errorf("%w: no signaling channel", ErrConnectFailed)
	}

	offer := signal.NewAddrMessage(signal.TypeOffer, string(peerID), m.selfAddrs())
	if err := m.sig.Send(offer); err != nil {
		m.dropConn(peerID)
		return fmt.Errorf("%w: offer: %v", ErrConnectFailed, err)
	}

	select {
	case <-ctx.Done():
		m.dropConn(peerID)
		return ctx.Err()
	case <-time.After(m.connectTimeout):
		m.dropConn(peerID)
		return fmt.Errorf("%w: answer timeout", ErrConnectFailed)
	case answer := <-conn.answerCh:
		if err := m.dialAnswer(ctx, conn, answer); err != nil {
			m.dropConn(peerID)
			return err
		}
	}
	return nil
}

// awaitOpen blocks until an in-flight negotiation settles.
func (m *Manager) awaitOpen(ctx context.Context, c *Connection) error {
	deadline := time.After(m.connectTimeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		switch c.State() {
		case StateOpen:
			return nil
		case StateClosed:
			return ErrConnectFailed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("%w: negotiation timeout", ErrConnectFailed)
		case <-tick.C:
		}
	}
}

func (m *Manager) dialAnswer(ctx context.Context, conn *Connection, answer signal.AddrPayload) error {
	remote, addrs, err := decodeAddrPayload(answer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	conn.setRemote(remote)
	addrs = append(addrs, conn.drainCandidates()...)
	m.h.Peerstore().AddAddrs(remote, addrs, peerstore.PermanentAddrTTL)

	dctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	if err := m.h.Connect(dctx, peer.AddrInfo{ID: remote, Addrs: addrs}); err != nil {
		return fmt.Errorf("%w: dial: %v", ErrConnectFailed, err)
	}
	// peerUp marks the connection Open via the network notifiee; make sure
	// the transition happened even if the notification raced us.
	m.peerUp(remote)
	return nil
}

// Send delivers payload to peerID on the given topic over a direct stream.
// Fire-and-forget: no ack, no retry at this layer.
func (m *Manager) Send(ctx context.Context, peerID PeerID, topic string, payload []byte) error {
	m.mu.Lock()
	conn, ok := m.conns[peerID]
	m.mu.Unlock()
	if !ok || conn.State() != StateOpen {
		return ErrNotConnected
	}

	data, err := encodeEnvelope(topic, payload)
	if err != nil {
		return err
	}
	s, err := m.h.NewStream(ctx, conn.remoteID(), protocolMsg)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer s.Close()
	if _, err := s.Write(data); err != nil {
		return fmt.Errorf("stream write: %w", err)
	}
	return s.CloseWrite()
}

// Broadcast publishes payload on a gossipsub topic. Delivery is best
// effort; the orderbook layer tolerates missed events by idempotence.
func (m *Manager) Broadcast(ctx context.Context, topic string, payload []byte) error {
	t, err := m.topic(topic)
	if err != nil {
		return err
	}
	data, err := encodeEnvelope(topic, payload)
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

// Disconnect tears down the connection to one peer. Idempotent.
func (m *Manager) Disconnect(peerID PeerID) {
	m.mu.Lock()
	conn, ok := m.conns[peerID]
	if ok {
		delete(m.conns, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	conn.setState(StateClosed)
	if remote := conn.remoteID(); remote != "" {
		_ = m.h.Network().ClosePeer(remote)
	}
	m.emitDisconnect(peerID)
}

// CloseAll releases every connection, the signaling client and the host.
// Idempotent.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := m.conns
	m.conns = make(map[PeerID]*Connection)
	m.mu.Unlock()

	for _, c := range conns {
		c.setState(StateClosed)
	}
	m.runCancel()
	if m.sig != nil {
		m.sig.Close()
	}
	return m.h.Close()
}

// ==============================
// Inbound paths
// ==============================

func (m *Manager) handleStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()

	data, err := io.ReadAll(io.LimitReader(s, maxMessageSize))
	if err != nil {
		return
	}
	env, err := decodeEnvelope(data)
	if err != nil {
		m.log.Debugw("stream_bad_envelope", "peer", remote.String(), "err", err)
		return
	}
	m.dispatch(PeerID(remote.String()), env)
}

func (m *Manager) readTopic(sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(m.runCtx)
		if err != nil {
			return
		}
		if msg.GetFrom() == m.h.ID() {
			continue // own broadcast echoed back
		}
		env, err := decodeEnvelope(msg.Data)
		if err != nil {
			continue
		}
		// GetFrom is the signed originator, not the mesh hop that relayed
		// the message.
		m.dispatch(PeerID(msg.GetFrom().String()), env)
	}
}

func (m *Manager) dispatch(from PeerID, env Envelope) {
	m.handlersMu.RLock()
	hs := append([]MessageHandler(nil), m.handlers[env.Topic]...)
	m.handlersMu.RUnlock()
	if len(hs) == 0 {
		m.log.Debugw("message_no_handler", "topic", env.Topic, "from", from)
		return
	}
	for _, h := range hs {
		h(from, env.Payload)
	}
}

func (m *Manager) joinTopic(name string) error {
	m.topicsMu.Lock()
	defer m.topicsMu.Unlock()
	if _, ok := m.topics[name]; ok {
		return nil
	}
	t, err := m.ps.Join(name)
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return err
	}
	m.topics[name] = t
	go m.readTopic(sub)
	return nil
}

func (m *Manager) topic(name string) (*pubsub.Topic, error) {
	if err := m.joinTopic(name); err != nil {
		return nil, err
	}
	m.topicsMu.Lock()
	defer m.topicsMu.Unlock()
	return m.topics[name], nil
}

// ==============================
// Signaling
// ==============================

func (m *Manager) selfAddrs() signal.AddrPayload {
	addrs := make([]string, 0, len(m.h.Addrs()))
	for _, a := range m.h.Addrs() {
		addrs = append(addrs, a.String())
	}
	return signal.AddrPayload{PeerID: m.h.ID().String(), Addrs: addrs}
}

func (m *Manager) handleSignal(msg signal.Message) {
	switch msg.Type {
	case signal.TypeOffer:
		m.handleOffer(msg)
	case signal.TypeAnswer:
		m.handleAnswer(msg)
	case signal.TypeCandidate:
		m.handleCandidate(msg)
	case signal.TypePeerConnected, signal.TypePeerDisconnected:
		m.log.Debugw("relay_presence", "type", string(msg.Type), "peer", msg.From)
	case signal.TypeError:
		m.log.Warnw("signaling_error", "err", msg.Error)
	}
}

func (m *Manager) handleOffer(msg signal.Message) {
	var p signal.AddrPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		m.log.Debugw("offer_bad_payload", "from", msg.From, "err", err)
		return
	}
	remote, addrs, err := decodeAddrPayload(p)
	if err != nil {
		m.log.Debugw("offer_bad_addrs", "from", msg.From, "err", err)
		return
	}
	// The relay stamps From with the registered handle; a payload claiming
	// a different identity is spoofed.
	if msg.From != remote.String() {
		m.log.Warnw("offer_identity_mismatch", "from", msg.From, "claimed", remote.String())
		return
	}

	m.mu.Lock()
	conn, ok := m.conns[PeerID(msg.From)]
	if !ok || conn.State() == StateClosed {
		conn = newConnection(PeerID(msg.From))
		m.conns[PeerID(msg.From)] = conn
	}
	m.mu.Unlock()
	conn.setRemote(remote)

	if m.sig != nil {
		answer := signal.NewAddrMessage(signal.TypeAnswer, msg.From, m.selfAddrs())
		if err := m.sig.Send(answer); err != nil {
			m.log.Warnw("answer_send_failed", "to", msg.From, "err", err)
		}
	}

	addrs = append(addrs, conn.drainCandidates()...)
	m.h.Peerstore().AddAddrs(remote, addrs, peerstore.PermanentAddrTTL)
	go func() {
		ctx, cancel := context.WithTimeout(m.runCtx, m.connectTimeout)
		defer cancel()
		if err := m.h.Connect(ctx, peer.AddrInfo{ID: remote, Addrs: addrs}); err != nil {
			m.log.Warnw("offer_dial_failed", "peer", msg.From, "err", err)
			// Free the Negotiating entry so a later Connect restarts
			// signaling instead of waiting on a dead handshake.
			m.dropConn(PeerID(msg.From))
			return
		}
		m.peerUp(remote)
	}()
}

func (m *Manager) handleAnswer(msg signal.Message) {
	var p signal.AddrPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	if msg.From != p.PeerID {
		m.log.Warnw("answer_identity_mismatch", "from", msg.From, "claimed", p.PeerID)
		return
	}
	m.mu.Lock()
	conn, ok := m.conns[PeerID(msg.From)]
	m.mu.Unlock()
	if !ok || conn.State() != StateNegotiating {
		m.log.Debugw("answer_unsolicited", "from", msg.From)
		return
	}
	select {
	case conn.answerCh <- p:
	default:
		// duplicate answer, first one wins
	}
}

func (m *Manager) handleCandidate(msg signal.Message) {
	var p signal.CandidatePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	addr, err := ma.NewMultiaddr(p.Addr)
	if err != nil {
		m.log.Debugw("candidate_bad_addr", "from", msg.From, "err", err)
		return
	}
	m.mu.Lock()
	conn, ok := m.conns[PeerID(msg.From)]
	m.mu.Unlock()
	if !ok {
		m.log.Debugw("candidate_unknown_peer", "from", msg.From)
		return
	}
	if conn.bufferCandidate(addr) {
		return
	}
	if remote := conn.remoteID(); remote != "" {
		m.h.Peerstore().AddAddrs(remote, []ma.Multiaddr{addr}, peerstore.PermanentAddrTTL)
	}
}

func (m *Manager) signalDown(err error) {
	m.log.Errorw("signaling_down", "err", err)
	var fs []func(error)
	m.handlersMu.RLock()
	fs = append(fs, m.onSignalDown...)
	m.handlersMu.RUnlock()
	for _, f := range fs {
		f(err)
	}
}

// ==============================
// Lifecycle notifications
// ==============================

func (m *Manager) peerUp(remote peer.ID) {
	id := PeerID(remote.String())
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	conn, ok := m.conns[id]
	if !ok {
		conn = newConnection(id)
		m.conns[id] = conn
	}
	m.mu.Unlock()

	conn.setRemote(remote)
	if conn.State() == StateOpen {
		return
	}
	conn.setState(StateOpen)
	for _, addr := range conn.drainCandidates() {
		m.h.Peerstore().AddAddrs(remote, []ma.Multiaddr{addr}, peerstore.PermanentAddrTTL)
	}
	m.log.Infow("peer_connected", "peer", id)

	var fs []func(PeerID)
	m.handlersMu.RLock()
	fs = append(fs, m.onConnect...)
	m.handlersMu.RUnlock()
	for _, f := range fs {
		f(id)
	}
}

func (m *Manager) peerDown(remote peer.ID) {
	id := PeerID(remote.String())
	m.mu.Lock()
	conn, ok := m.conns[id]
	if ok && conn.State() == StateOpen {
		delete(m.conns, id)
	} else {
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	conn.setState(StateClosed)
	m.emitDisconnect(id)
}

func (m *Manager) emitDisconnect(id PeerID) {
	m.log.Infow("peer_disconnected", "peer", id)
	var fs []func(PeerID)
	m.handlersMu.RLock()
	fs = append(fs, m.onDisconnect...)
	m.handlersMu.RUnlock()
	for _, f := range fs {
		f(id)
	}
}

func (m *Manager) dropConn(id PeerID) {
	m.mu.Lock()
	if c, ok := m.conns[id]; ok && c.State() != StateOpen {
		c.setState(StateClosed)
		delete(m.conns, id)
	}
	m.mu.Unlock()
}

func decodeAddrPayload(p signal.AddrPayload) (peer.ID, []ma.Multiaddr, error) {
	remote, err := peer.Decode(p.PeerID)
	if err != nil {
		return "", nil, fmt.Errorf("peer id: %w", err)
	}
	addrs := make([]ma.Multiaddr, 0, len(p.Addrs))
	for _, s := range p.Addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue // skip unparseable candidates
		}
		addrs = append(addrs, a)
	}
	return remote, addrs, nil
}
