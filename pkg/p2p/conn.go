package p2p

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/darkswapfoundation/darkswap-sub001/pkg/signal"
)

// PeerID is the opaque handle for a remote party: the string form of its
// libp2p identity. It is stable for the life of a connection and is what
// the transport itself authenticates.
type PeerID string

// ConnState is the connection lifecycle: Negotiating -> Open -> Closed.
type ConnState int

const (
	StateNegotiating ConnState = iota
	StateOpen
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Connection tracks one peer link. At most one Connection exists per
// PeerID; a second Connect to the same peer reuses it.
type Connection struct {
	Peer PeerID

	mu       sync.Mutex
	state    ConnState
	remote   peer.ID
	answerCh chan signal.AddrPayload
	// pending buffers candidate addrs that arrive before negotiation
	// completes; drained into the peerstore on open.
	pending []ma.Multiaddr
}

func newConnection(p PeerID) *Connection {
	return &Connection{
		Peer:     p,
		state:    StateNegotiating,
		answerCh: make(chan signal.AddrPayload, 1),
	}
}

func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) setRemote(id peer.ID) {
	c.mu.Lock()
	c.remote = id
	c.mu.Unlock()
}

func (c *Connection) remoteID() peer.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// bufferCandidate parks a late-arriving addr while the handshake is still
// in flight. Returns false if the connection is already Open, in which
// case the caller should apply the addr directly.
func (c *Connection) bufferCandidate(addr ma.Multiaddr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateNegotiating {
		return false
	}
	c.pending = append(c.pending, addr)
	return true
}

func (c *Connection) drainCandidates() []ma.Multiaddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}
