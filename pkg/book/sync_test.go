package book

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/darkswapfoundation/darkswap-sub001/pkg/p2p"
)

// fakeTransport records broadcasts and lets tests inject remote messages.
type fakeTransport struct {
	self p2p.PeerID

	mu        sync.Mutex
	published [][]byte
	handlers  map[string][]p2p.MessageHandler
}

func newFakeTransport(self string) *fakeTransport {
	return &fakeTransport{self: p2p.PeerID(self), handlers: make(map[string][]p2p.MessageHandler)}
}

func (f *fakeTransport) Broadcast(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, payload)
	return nil
}

func (f *fakeTransport) OnMessage(topic string, h p2p.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = append(f.handlers[topic], h)
	return nil
}

func (f *fakeTransport) Self() p2p.PeerID { return f.self }

func (f *fakeTransport) deliver(topic string, from string, payload []byte) {
	f.mu.Lock()
	hs := append([]p2p.MessageHandler{}, f.handlers[topic]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(p2p.PeerID(from), payload)
	}
}

func (f *fakeTransport) broadcasts() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte{}, f.published...)
}

func newTestSync(t *testing.T, self string) (*Synchronizer, *fakeTransport) {
	t.Helper()
	net := newFakeTransport(self)
	s, err := NewSynchronizer(net, nil, nil)
	if err != nil {
		t.Fatalf("synchronizer: %v", err)
	}
	return s, net
}

func remoteOrder(id, maker string) Order {
	o := testOrder(id, Buy, "100", "1", time.Now().UnixMilli())
	o.MakerPeerID = maker
	return o
}

func eventPayload(t *testing.T, typ EventType, o Order) []byte {
	t.Helper()
	data, err := json.Marshal(Event{Type: typ, Order: o})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return data
}

// TestCreateOrderBroadcasts checks a local create lands in the view and on
// the wire with this node as maker.
func TestCreateOrderBroadcasts(t *testing.T) {
	s, net := newTestSync(t, "self-peer")

	o, err := s.CreateOrder(context.Background(), "BTC", "RUNE", Sell, dec("2"), dec("50000"), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if o.MakerPeerID != "self-peer" {
		t.Errorf("maker = %s, want self-peer", o.MakerPeerID)
	}
	if _, ok := s.View().Get(o.ID); !ok {
		t.Error("order should be in the local view")
	}

	pubs := net.broadcasts()
	if len(pubs) != 1 {
		t.Fatalf("want 1 broadcast, got %d", len(pubs))
	}
	var evt Event
	if err := json.Unmarshal(pubs[0], &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.Type != EventAdd || evt.Order.ID != o.ID {
		t.Errorf("broadcast = %+v, want add of %s", evt, o.ID)
	}
}

// TestRemoteAddApplied checks a well-formed remote add enters the view and
// re-delivery is a no-op.
func TestRemoteAddApplied(t *testing.T) {
	s, net := newTestSync(t, "self-peer")

	var events []EventType
	s.Subscribe(func(t EventType, _ Order) { events = append(events, t) })

	o := remoteOrder("r1", "remote-peer")
	payload := eventPayload(t, EventAdd, o)
	net.deliver(Topic, "remote-peer", payload)

	if _, ok := s.View().Get("r1"); !ok {
		t.Fatal("remote order should be in the view")
	}
	if len(events) != 1 {
		t.Fatalf("want 1 listener event, got %d", len(events))
	}

	// duplicate delivery
	net.deliver(Topic, "remote-peer", payload)
	if len(events) != 1 {
		t.Errorf("duplicate event must not notify again, got %d events", len(events))
	}
	if s.View().Len() != 1 {
		t.Errorf("view len = %d, want 1", s.View().Len())
	}
}

// TestRemoteAddSpoofedMakerDropped checks an add whose claimed maker is not
// the transport sender never enters the view.
func TestRemoteAddSpoofedMakerDropped(t *testing.T) {
	s, net := newTestSync(t, "self-peer")

	o := remoteOrder("r1", "victim-peer")
	net.deliver(Topic, "attacker-peer", eventPayload(t, EventAdd, o))

	if _, ok := s.View().Get("r1"); ok {
		t.Error("spoofed add must be dropped")
	}
}

// TestRemoteRemoveSpoofedDropped checks a remove from anyone but the held
// replica's maker is ignored.
func TestRemoteRemoveSpoofedDropped(t *testing.T) {
	s, net := newTestSync(t, "self-peer")

	o := remoteOrder("r1", "remote-peer")
	net.deliver(Topic, "remote-peer", eventPayload(t, EventAdd, o))
	if _, ok := s.View().Get("r1"); !ok {
		t.Fatal("setup: remote order missing")
	}

	gone := o
	gone.Status = StatusCancelled
	net.deliver(Topic, "attacker-peer", eventPayload(t, EventRemove, gone))
	if _, ok := s.View().Get("r1"); !ok {
		t.Error("spoofed remove must not take effect")
	}

	net.deliver(Topic, "remote-peer", eventPayload(t, EventRemove, gone))
	if _, ok := s.View().Get("r1"); ok {
		t.Error("maker's remove should take effect")
	}

	// removing again is a silent no-op
	net.deliver(Topic, "remote-peer", eventPayload(t, EventRemove, gone))
}

// TestRemoteEventForOwnOrderIgnored checks local authority: gossip echoing
// our own order never overwrites local state.
func TestRemoteEventForOwnOrderIgnored(t *testing.T) {
	s, net := newTestSync(t, "self-peer")

	o, err := s.CreateOrder(context.Background(), "BTC", "RUNE", Buy, dec("1"), dec("100"), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	echo := o
	echo.Amount = dec("999")
	net.deliver(Topic, "self-peer", eventPayload(t, EventUpdate, echo))

	got, _ := s.View().Get(o.ID)
	if !got.Amount.Equal(dec("1")) {
		t.Errorf("own order overwritten by gossip echo: amount = %s", got.Amount)
	}
}

// TestRemoteNonOpenAddDropped checks a remote add of a non-open order is not applied.
func TestRemoteNonOpenAddDropped(t *testing.T) {
	s, net := newTestSync(t, "self-peer")

	o := remoteOrder("r1", "remote-peer")
	o.Status = StatusFilled
	net.deliver(Topic, "remote-peer", eventPayload(t, EventAdd, o))

	if _, ok := s.View().Get("r1"); ok {
		t.Error("non-open remote order must be dropped")
	}
}

// TestCancelOrderMakerOnly checks cancel semantics and error taxonomy.
func TestCancelOrderMakerOnly(t *testing.T) {
	s, net := newTestSync(t, "self-peer")
	ctx := context.Background()

	if err := s.CancelOrder(ctx, "missing"); err != ErrOrderNotFound {
		t.Errorf("cancel missing = %v, want ErrOrderNotFound", err)
	}

	ro := remoteOrder("r1", "remote-peer")
	net.deliver(Topic, "remote-peer", eventPayload(t, EventAdd, ro))
	if err := s.CancelOrder(ctx, "r1"); err != ErrNotMaker {
		t.Errorf("cancel replica = %v, want ErrNotMaker", err)
	}

	o, err := s.CreateOrder(ctx, "BTC", "RUNE", Buy, dec("1"), dec("100"), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CancelOrder(ctx, o.ID); err != nil {
		t.Fatalf("cancel own: %v", err)
	}
	if _, ok := s.View().Get(o.ID); ok {
		t.Error("cancelled order should leave the view")
	}

	pubs := net.broadcasts()
	var last Event
	if err := json.Unmarshal(pubs[len(pubs)-1], &last); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if last.Type != EventRemove || last.Order.Status != StatusCancelled {
		t.Errorf("last broadcast = %+v, want cancelled remove", last)
	}
}

// TestSubscribeDuringDelivery registers listeners while remote events are
// streaming in; listener bookkeeping must be safe under that overlap and
// late subscribers must still see subsequent events.
func TestSubscribeDuringDelivery(t *testing.T) {
	s, net := newTestSync(t, "self-peer")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			o := remoteOrder(fmt.Sprintf("r%d", i), "remote-peer")
			net.deliver(Topic, "remote-peer", eventPayload(t, EventAdd, o))
		}
	}()

	var seen int32
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			s.Subscribe(func(EventType, Order) { atomic.AddInt32(&seen, 1) })
		}
	}()
	wg.Wait()

	o := remoteOrder("after", "remote-peer")
	net.deliver(Topic, "remote-peer", eventPayload(t, EventAdd, o))
	if atomic.LoadInt32(&seen) < 10 {
		t.Errorf("late subscribers saw %d notifications, want at least one each", seen)
	}
}

// TestCreateOrderValidation checks invalid parameters are refused up front.
func TestCreateOrderValidation(t *testing.T) {
	s, _ := newTestSync(t, "self-peer")
	ctx := context.Background()

	cases := []struct {
		name          string
		base, quote   string
		side          Side
		amount, price string
	}{
		{"zero amount", "BTC", "RUNE", Buy, "0", "100"},
		{"negative amount", "BTC", "RUNE", Buy, "-1", "100"},
		{"zero price", "BTC", "RUNE", Sell, "1", "0"},
		{"bad side", "BTC", "RUNE", Side("hold"), "1", "100"},
		{"empty base", "", "RUNE", Buy, "1", "100"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.CreateOrder(ctx, tc.base, tc.quote, tc.side, dec(tc.amount), dec(tc.price), 0)
			if err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
