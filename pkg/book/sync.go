package book

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/darkswapfoundation/darkswap-sub001/pkg/p2p"
	"github.com/darkswapfoundation/darkswap-sub001/pkg/util"
)

// Topic is the gossip channel carrying orderbook events.
const Topic = "darkswap/orderbook/1.0.0"

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrOrderNotOpen  = errors.New("order not open")
	ErrNotMaker      = errors.New("not the maker of this order")
)

// Transport is the slice of the connection manager the synchronizer needs.
type Transport interface {
	Broadcast(ctx context.Context, topic string, payload []byte) error
	OnMessage(topic string, h p2p.MessageHandler) error
	Self() p2p.PeerID
}

// OrderStore persists this node's own (maker) orders so they survive a
// restart. Remote replicas are never persisted.
type OrderStore interface {
	SaveOrder(Order) error
	DeleteOrder(id string) error
	LoadOpenOrders() ([]Order, error)
}

// Listener observes orderbook changes (add/update/remove) for the app layer.
type Listener func(EventType, Order)

// Synchronizer owns the view for this node. Local writes are authoritative
// for own orders; remote events are applied only after maker identity is
// checked against the transport sender. Broadcast is fire-and-forget
// gossip: convergence is eventual and relies on every write being
// idempotent.
type Synchronizer struct {
	log   *zap.SugaredLogger
	net   Transport
	view  *View
	store OrderStore // optional
	self  string

	mu        sync.Mutex
	listeners []Listener
}

func NewSynchronizer(net Transport, store OrderStore, log *zap.SugaredLogger) (*Synchronizer, error) {
	if log == nil {
		log = util.NopSugar()
	}
	s := &Synchronizer{
		log:   log,
		net:   net,
		view:  NewView(),
		store: store,
		self:  string(net.Self()),
	}
	if err := net.OnMessage(Topic, s.handleRemote); err != nil {
		return nil, fmt.Errorf("join orderbook topic: %w", err)
	}
	return s, nil
}

// View exposes the query surface (best bid/ask, pair filters, spread).
func (s *Synchronizer) View() *View { return s.view }

// Subscribe registers an upward listener. Must be called before events of
// interest; there is no replay.
func (s *Synchronizer) Subscribe(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

func (s *Synchronizer) notify(t EventType, o Order) {
	s.mu.Lock()
	ls := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range ls {
		l(t, o)
	}
}

// CreateOrder allocates a new open order owned by this node, applies it
// locally and gossips the add event. Creation is locally authoritative;
// a failed broadcast is logged, not returned, since the order will be
// re-announced.
func (s *Synchronizer) CreateOrder(ctx context.Context, base, quote string, side Side, amount, price decimal.Decimal, expiry time.Duration) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	now := time.Now()
	o := Order{
		ID:          uuid.NewString(),
		BaseAsset:   base,
		QuoteAsset:  quote,
		Side:        side,
		Amount:      amount,
		Price:       price,
		CreatedAt:   now.UnixMilli(),
		MakerPeerID: s.self,
		Status:      StatusOpen,
	}
	if expiry > 0 {
		o.ExpiresAt = now.Add(expiry).UnixMilli()
	}
	if err := o.Validate(); err != nil {
		return Order{}, err
	}

	s.view.Upsert(o)
	if s.store != nil {
		if err := s.store.SaveOrder(o); err != nil {
			s.log.Warnw("order_persist_failed", "id", o.ID, "err", err)
		}
	}
	s.broadcast(ctx, EventAdd, o)
	s.notify(EventAdd, o)
	s.log.Infow("order_created", "id", o.ID, "symbol", o.Symbol(),
		"side", o.Side, "amount", o.Amount, "price", o.Price)
	return o, nil
}

// CancelOrder cancels one of this node's own orders and gossips the
// removal. Cancelling a replica owned by another peer is refused.
func (s *Synchronizer) CancelOrder(ctx context.Context, id string) error {
	o, ok := s.view.Get(id)
	if !ok {
		return ErrOrderNotFound
	}
	if o.MakerPeerID != s.self {
		return ErrNotMaker
	}
	if o.Status != StatusOpen {
		return ErrOrderNotOpen
	}
	return s.retire(ctx, o, StatusCancelled)
}

// MarkFilled retires a settled order. Called by the trade coordinator on
// completion; it is the coordinator's only write path into the book.
func (s *Synchronizer) MarkFilled(ctx context.Context, id string) error {
	o, ok := s.view.Get(id)
	if !ok {
		return ErrOrderNotFound
	}
	return s.retire(ctx, o, StatusFilled)
}

func (s *Synchronizer) retire(ctx context.Context, o Order, st Status) error {
	o.Status = st
	s.view.Remove(o.ID)
	if o.MakerPeerID == s.self {
		if s.store != nil {
			if err := s.store.DeleteOrder(o.ID); err != nil {
				s.log.Warnw("order_unpersist_failed", "id", o.ID, "err", err)
			}
		}
		// Only the maker announces removal; a remove gossiped by anyone
		// else would be dropped as spoofed on the receiving side anyway.
		s.broadcast(ctx, EventRemove, o)
	}
	s.notify(EventRemove, o)
	s.log.Infow("order_removed", "id", o.ID, "status", string(st))
	return nil
}

// Reload restores persisted maker orders into the view and re-announces
// the still-open ones to the network.
func (s *Synchronizer) Reload(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	orders, err := s.store.LoadOpenOrders()
	if err != nil {
		return fmt.Errorf("load orders: %w", err)
	}
	now := time.Now()
	for _, o := range orders {
		if o.Expired(now) {
			_ = s.store.DeleteOrder(o.ID)
			continue
		}
		s.view.Upsert(o)
		s.broadcast(ctx, EventAdd, o)
	}
	s.log.Infow("orders_reloaded", "count", len(orders))
	return nil
}

func (s *Synchronizer) broadcast(ctx context.Context, t EventType, o Order) {
	data, err := json.Marshal(Event{Type: t, Order: o})
	if err != nil {
		s.log.Errorw("event_marshal_failed", "err", err)
		return
	}
	if err := s.net.Broadcast(ctx, Topic, data); err != nil {
		s.log.Warnw("event_broadcast_failed", "type", string(t), "id", o.ID, "err", err)
	}
}

// handleRemote reconciles one gossiped event. Every path is idempotent and
// every claimed identity is checked against the transport sender; bad
// events are dropped here and never corrupt the view.
func (s *Synchronizer) handleRemote(from p2p.PeerID, payload []byte) {
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		s.log.Debugw("remote_event_malformed", "from", from, "err", err)
		return
	}
	s.ApplyRemoteEvent(evt, from)
}

// ApplyRemoteEvent applies an add/update/remove from a remote peer.
// Exported so tests and replayers can drive the reconciliation directly.
func (s *Synchronizer) ApplyRemoteEvent(evt Event, from p2p.PeerID) {
	o := evt.Order
	switch evt.Type {
	case EventAdd, EventUpdate:
		if o.MakerPeerID != string(from) {
			s.log.Warnw("remote_event_spoofed", "from", from, "claimed_maker", o.MakerPeerID, "id", o.ID)
			return
		}
		if o.MakerPeerID == s.self {
			return // local authority wins for own orders
		}
		if err := o.Validate(); err != nil {
			s.log.Debugw("remote_event_invalid", "from", from, "id", o.ID, "err", err)
			return
		}
		if o.Status != StatusOpen {
			s.log.Debugw("remote_event_not_open", "from", from, "id", o.ID)
			return
		}
		if s.view.Upsert(o) {
			s.notify(evt.Type, o)
		}
	case EventRemove:
		existing, ok := s.view.Get(o.ID)
		if !ok {
			return // already gone, idempotent
		}
		// Only the maker may remove; check the replica we hold, not the
		// fields the event claims.
		if existing.MakerPeerID != string(from) {
			s.log.Warnw("remote_remove_spoofed", "from", from, "maker", existing.MakerPeerID, "id", o.ID)
			return
		}
		if existing.MakerPeerID == s.self {
			return
		}
		if removed, ok := s.view.Remove(o.ID); ok {
			removed.Status = o.Status
			if removed.Status == StatusOpen {
				removed.Status = StatusCancelled
			}
			s.notify(EventRemove, removed)
		}
	default:
		s.log.Debugw("remote_event_unknown_type", "from", from, "type", string(evt.Type))
	}
}
