package signal

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type relayPeer struct {
	conn *websocket.Conn
	mu   sync.Mutex // guards writes
}

func (p *relayPeer) write(msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(msg)
}

// Relay routes signaling messages between registered peers. It holds no
// trading state; it only forwards addressed offer/answer/candidate
// messages and fans out presence changes.
type Relay struct {
	Logger *zap.SugaredLogger

	mu    sync.RWMutex
	peers map[string]*relayPeer
}

func NewRelay(logger *zap.SugaredLogger) *Relay {
	return &Relay{Logger: logger, peers: make(map[string]*relayPeer)}
}

// Handler returns the websocket endpoint to mount (e.g. at /signal).
func (r *Relay) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.serveConn(conn)
	}
}

func (r *Relay) serveConn(conn *websocket.Conn) {
	defer conn.Close()

	var name string
	peer := &relayPeer{conn: conn}

	defer func() {
		if name == "" {
			return
		}
		r.mu.Lock()
		delete(r.peers, name)
		r.mu.Unlock()
		r.fanout(Message{Type: TypePeerDisconnected, From: name}, name)
		if r.Logger != nil {
			r.Logger.Infow("relay_peer_left", "name", name)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			peer.write(Message{Type: TypeError, Error: "malformed message"})
			continue
		}

		if msg.Type == TypeRegister {
			if msg.From == "" {
				peer.write(Message{Type: TypeError, Error: "register requires a name"})
				continue
			}
			r.mu.Lock()
			if _, taken := r.peers[msg.From]; taken {
				r.mu.Unlock()
				peer.write(Message{Type: TypeError, Error: "name already registered"})
				continue
			}
			name = msg.From
			r.peers[name] = peer
			r.mu.Unlock()
			r.fanout(Message{Type: TypePeerConnected, From: name}, name)
			if r.Logger != nil {
				r.Logger.Infow("relay_peer_joined", "name", name)
			}
			continue
		}

		if name == "" {
			peer.write(Message{Type: TypeError, Error: "register first"})
			continue
		}

		// Identity comes from the registered connection, never from the
		// client-supplied From field.
		msg.From = name
		r.forward(peer, msg)
	}
}

func (r *Relay) forward(sender *relayPeer, msg Message) {
	if msg.To == "" {
		sender.write(Message{Type: TypeError, Error: "missing to"})
		return
	}
	r.mu.RLock()
	target, ok := r.peers[msg.To]
	r.mu.RUnlock()
	if !ok {
		sender.write(Message{Type: TypeError, Error: "unknown peer: " + msg.To})
		return
	}
	if err := target.write(msg); err != nil && r.Logger != nil {
		r.Logger.Warnw("relay_forward_failed", "to", msg.To, "err", err)
	}
}

// fanout sends msg to every registered peer except the named one.
func (r *Relay) fanout(msg Message, except string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for n, p := range r.peers {
		if n == except {
			continue
		}
		p.write(msg)
	}
}

// Peers lists currently registered peer names.
func (r *Relay) Peers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.peers))
	for n := range r.peers {
		out = append(out, n)
	}
	return out
}
