package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	libp2p "github.com/libp2p/go-libp2p"

	"github.com/darkswapfoundation/darkswap-sub001/pkg/signal"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), ManagerConfig{
		ConnectTimeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(func() { m.CloseAll() })
	return m
}

// remotePeerID mints a real libp2p identity to address offers from.
func remotePeerID(t *testing.T) string {
	t.Helper()
	h, err := libp2p.New(libp2p.NoListenAddrs)
	if err != nil {
		t.Fatalf("identity host: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h.ID().String()
}

func (m *Manager) hasConn(id PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[id]
	return ok
}

// TestOfferDialFailureFreesConnection checks a failed inbound-offer dial
// does not leave a Negotiating entry behind that would poison every later
// Connect to that peer.
func TestOfferDialFailureFreesConnection(t *testing.T) {
	m := newTestManager(t)
	remote := remotePeerID(t)

	payload, err := json.Marshal(signal.AddrPayload{
		PeerID: remote,
		Addrs:  []string{"/ip4/127.0.0.1/tcp/1"}, // nothing listens here
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	m.handleOffer(signal.Message{Type: signal.TypeOffer, From: remote, Payload: payload})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !m.hasConn(PeerID(remote)) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if m.hasConn(PeerID(remote)) {
		t.Fatal("failed offer dial must drop the connection entry")
	}

	// a later Connect starts fresh instead of waiting on the dead
	// handshake; without signaling it fails immediately and cleans up
	if err := m.Connect(context.Background(), PeerID(remote)); !errors.Is(err, ErrConnectFailed) {
		t.Errorf("connect = %v, want ErrConnectFailed", err)
	}
	if m.hasConn(PeerID(remote)) {
		t.Error("failed connect must not leave a registry entry")
	}
}

// TestOfferSpoofedIdentityIgnored checks an offer whose payload claims a
// different identity than the relay-stamped sender is dropped outright.
func TestOfferSpoofedIdentityIgnored(t *testing.T) {
	m := newTestManager(t)
	claimed := remotePeerID(t)
	sender := remotePeerID(t)

	payload, err := json.Marshal(signal.AddrPayload{
		PeerID: claimed,
		Addrs:  []string{"/ip4/127.0.0.1/tcp/1"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	m.handleOffer(signal.Message{Type: signal.TypeOffer, From: sender, Payload: payload})

	if m.hasConn(PeerID(sender)) || m.hasConn(PeerID(claimed)) {
		t.Error("spoofed offer must not create a connection entry")
	}
}
