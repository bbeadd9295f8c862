package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/darkswapfoundation/darkswap-sub001/pkg/book"
	"github.com/darkswapfoundation/darkswap-sub001/pkg/p2p"
	"github.com/darkswapfoundation/darkswap-sub001/pkg/util"
)

var (
	ErrAlreadyNegotiating = errors.New("order already under negotiation")
	ErrOwnOrder           = errors.New("cannot take own order")
	ErrInvalidAmount      = errors.New("amount exceeds available")
)

// EventType enumerates trade notifications surfaced to the app layer.
type EventType string

const (
	EventIntent    EventType = "intent"
	EventAccepted  EventType = "accepted"
	EventRejected  EventType = "rejected"
	EventCompleted EventType = "completed"
	EventTimedOut  EventType = "timed-out"
)

type Event struct {
	Type         EventType
	OrderID      string
	Counterparty p2p.PeerID
	Reason       string
	SettlementID string
}

type Listener func(Event)

// Network is the slice of the connection manager the coordinator needs.
type Network interface {
	Connect(ctx context.Context, peer p2p.PeerID) error
	Send(ctx context.Context, peer p2p.PeerID, topic string, payload []byte) error
	OnMessage(topic string, h p2p.MessageHandler) error
	Self() p2p.PeerID
}

// Record is a settled trade, persisted for history queries.
type Record struct {
	SettlementID string          `json:"settlementId"`
	OrderID      string          `json:"orderId"`
	Maker        string          `json:"maker"`
	Taker        string          `json:"taker"`
	BaseAsset    string          `json:"baseAsset"`
	QuoteAsset   string          `json:"quoteAsset"`
	Side         book.Side       `json:"side"`
	Amount       decimal.Decimal `json:"amount"`
	Price        decimal.Decimal `json:"price"`
	SettledAt    int64           `json:"settledAt"` // unix ms
}

// TradeStore persists settlement records. Optional.
type TradeStore interface {
	SaveTrade(Record) error
}

type CoordinatorConfig struct {
	Timeout time.Duration
	Clock   util.Clock
	Store   TradeStore
	Logger  *zap.SugaredLogger
}

// Coordinator runs the per-order swap state machine. Each side keys its
// negotiation by orderId alone, holds at most one active negotiation per
// order, and drops any message whose predecessor state does not match.
type Coordinator struct {
	log     *zap.SugaredLogger
	net     Network
	book    *book.Synchronizer
	wallet  Wallet
	clock   util.Clock
	timeout time.Duration
	store   TradeStore
	self    p2p.PeerID

	mu           sync.Mutex
	negotiations map[string]*Negotiation
	listeners    []Listener
}

func NewCoordinator(net Network, sync *book.Synchronizer, wallet Wallet, cfg CoordinatorConfig) (*Coordinator, error) {
	log := cfg.Logger
	if log == nil {
		log = util.NopSugar()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = util.RealClock{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := &Coordinator{
		log:          log,
		net:          net,
		book:         sync,
		wallet:       wallet,
		clock:        clock,
		timeout:      timeout,
		store:        cfg.Store,
		self:         net.Self(),
		negotiations: make(map[string]*Negotiation),
	}
	if err := net.OnMessage(Topic, c.handleMessage); err != nil {
		return nil, fmt.Errorf("join trade topic: %w", err)
	}
	return c, nil
}

func (c *Coordinator) Subscribe(l Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

func (c *Coordinator) emit(evt Event) {
	c.mu.Lock()
	ls := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range ls {
		l(evt)
	}
}

// Negotiation returns the active negotiation for an order, if any.
func (c *Coordinator) Negotiation(orderID string) (*Negotiation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.negotiations[orderID]
	return n, ok
}

// ==============================
// Taker side
// ==============================

// TakeOrder sends an intent to fill amount of the given order and enters
// IntentSent. Completion, rejection and timeout are reported through
// Subscribe listeners. If the send fails no negotiation state survives.
func (c *Coordinator) TakeOrder(ctx context.Context, orderID string, amount decimal.Decimal) error {
	o, ok := c.book.View().Get(orderID)
	if !ok {
		return book.ErrOrderNotFound
	}
	if !o.Live(c.clock.Now()) {
		return book.ErrOrderNotOpen
	}
	if o.MakerPeerID == string(c.self) {
		return ErrOwnOrder
	}
	if !amount.IsPositive() || amount.GreaterThan(o.Amount) {
		return ErrInvalidAmount
	}

	maker := p2p.PeerID(o.MakerPeerID)
	n := newNegotiation(o, maker, RoleTaker, amount, StateIntentSent)

	c.mu.Lock()
	if prev, exists := c.negotiations[orderID]; exists && !prev.State().Terminal() {
		c.mu.Unlock()
		return ErrAlreadyNegotiating
	}
	c.negotiations[orderID] = n
	c.mu.Unlock()

	if err := c.net.Connect(ctx, maker); err != nil {
		c.unregister(orderID)
		return fmt.Errorf("connect maker: %w", err)
	}
	msg := Message{Type: MsgIntent, OrderID: orderID, Amount: amount, Timestamp: c.clock.Now().UnixMilli()}
	if err := c.send(ctx, maker, msg); err != nil {
		c.unregister(orderID)
		return err
	}
	go c.watchdog(n)
	c.log.Infow("intent_sent", "order", orderID, "maker", maker, "amount", amount)
	return nil
}

func (c *Coordinator) onAccept(from p2p.PeerID, m Message) {
	n, ok := c.correlate(m.OrderID, from, RoleTaker)
	if !ok {
		return
	}
	if !n.advance(StateAccepted, StateIntentSent) {
		c.dropStale("accept", m.OrderID, n)
		return
	}
	c.log.Infow("intent_accepted", "order", m.OrderID, "maker", from)
	c.emit(Event{Type: EventAccepted, OrderID: m.OrderID, Counterparty: from})
}

func (c *Coordinator) onReject(from p2p.PeerID, m Message) {
	n, ok := c.correlate(m.OrderID, from, RoleTaker)
	if !ok {
		return
	}
	if !n.terminate(StateRejected) {
		c.dropStale("reject", m.OrderID, n)
		return
	}
	c.unregister(m.OrderID)
	c.log.Infow("intent_rejected", "order", m.OrderID, "maker", from, "reason", m.Reason)
	c.emit(Event{Type: EventRejected, OrderID: m.OrderID, Counterparty: from, Reason: m.Reason})
}

// onPsbtTaker signs the maker's unsigned proposal and returns it.
func (c *Coordinator) onPsbtTaker(from p2p.PeerID, n *Negotiation, m Message) {
	if m.Proposal == nil || m.Proposal.OrderID != n.Order.ID {
		c.dropStale("psbt", m.OrderID, n)
		return
	}
	expected := swapLegs(n.Order, string(from), string(c.self), n.Amount)
	if !m.Proposal.sameTerms(expected) {
		c.log.Warnw("psbt_terms_mismatch", "order", m.OrderID, "maker", from)
		return
	}
	signed, err := c.wallet.Sign(*m.Proposal)
	if err != nil {
		c.log.Errorw("psbt_sign_failed", "order", m.OrderID, "err", err)
		return
	}
	// Accept and psbt travel on separate streams; a psbt overtaking its
	// accept is still an acceptance.
	if !n.advance(StateTransactionProposed, StateAccepted, StateIntentSent) {
		c.dropStale("psbt", m.OrderID, n)
		return
	}
	n.setProposal(signed)
	ctx, cancel := c.sendCtx()
	defer cancel()
	if err := c.send(ctx, from, Message{Type: MsgPsbt, OrderID: m.OrderID, Proposal: &signed}); err != nil {
		c.log.Warnw("psbt_send_failed", "order", m.OrderID, "err", err)
	}
}

func (c *Coordinator) onComplete(from p2p.PeerID, m Message) {
	n, ok := c.correlate(m.OrderID, from, RoleTaker)
	if !ok {
		return
	}
	if !n.advance(StateCompleted, StateTransactionProposed) {
		c.dropStale("complete", m.OrderID, n)
		return
	}
	c.unregister(m.OrderID)
	if err := c.book.MarkFilled(context.Background(), m.OrderID); err != nil && !errors.Is(err, book.ErrOrderNotFound) {
		c.log.Warnw("settled_order_remove_failed", "order", m.OrderID, "err", err)
	}
	c.record(n, m.SettlementID)
	c.log.Infow("trade_completed", "order", m.OrderID, "settlement", m.SettlementID)
	c.emit(Event{Type: EventCompleted, OrderID: m.OrderID, Counterparty: from, SettlementID: m.SettlementID})
}

// ==============================
// Maker side
// ==============================

func (c *Coordinator) onIntent(from p2p.PeerID, m Message) {
	o, ok := c.book.View().Get(m.OrderID)
	if !ok || o.MakerPeerID != string(c.self) {
		c.reject(from, m.OrderID, "order not found")
		return
	}
	if !o.Live(c.clock.Now()) {
		c.reject(from, m.OrderID, "order already filled")
		return
	}
	if !m.Amount.IsPositive() || m.Amount.GreaterThan(o.Amount) {
		c.reject(from, m.OrderID, "amount exceeds available")
		return
	}

	n := newNegotiation(o, from, RoleMaker, m.Amount, StateIntentReceived)
	c.mu.Lock()
	if prev, exists := c.negotiations[m.OrderID]; exists && !prev.State().Terminal() {
		c.mu.Unlock()
		// At most one active counterparty per order: the slot stays bound
		// to the first taker until a terminal state.
		c.reject(from, m.OrderID, "order already under negotiation")
		return
	}
	c.negotiations[m.OrderID] = n
	c.mu.Unlock()

	c.log.Infow("intent_received", "order", m.OrderID, "taker", from, "amount", m.Amount)
	c.emit(Event{Type: EventIntent, OrderID: m.OrderID, Counterparty: from})

	inputs, outputs := swapInputs(o, string(c.self), string(from), m.Amount)
	proposal, err := c.wallet.CreateUnsignedProposal(o.ID, inputs, outputs)
	if err != nil {
		c.unregister(m.OrderID)
		c.reject(from, m.OrderID, "proposal construction failed")
		c.log.Errorw("proposal_build_failed", "order", m.OrderID, "err", err)
		return
	}
	n.setProposal(proposal)

	ctx, cancel := c.sendCtx()
	defer cancel()
	if err := c.send(ctx, from, Message{Type: MsgAccept, OrderID: m.OrderID}); err != nil {
		c.unregister(m.OrderID)
		c.log.Warnw("accept_send_failed", "order", m.OrderID, "err", err)
		return
	}
	n.advance(StateAccepted, StateIntentReceived)
	// Expect the taker's reply before the proposal is on the wire: the
	// response can arrive ahead of our own send returning.
	n.advance(StateTransactionProposed, StateAccepted)
	if err := c.send(ctx, from, Message{Type: MsgPsbt, OrderID: m.OrderID, Proposal: &proposal}); err != nil {
		c.log.Warnw("psbt_send_failed", "order", m.OrderID, "err", err)
	}
	go c.watchdog(n)
}

// onPsbtMaker receives the taker-signed proposal, adds the maker
// signature, finalizes, broadcasts and completes the trade.
func (c *Coordinator) onPsbtMaker(from p2p.PeerID, n *Negotiation, m Message) {
	if n.State() != StateTransactionProposed {
		c.dropStale("psbt", m.OrderID, n)
		return
	}
	if m.Proposal == nil || m.Proposal.OrderID != n.Order.ID ||
		!m.Proposal.sameTerms(n.proposalCopy()) || len(m.Proposal.Signatures) == 0 {
		c.log.Warnw("psbt_response_invalid", "order", m.OrderID, "taker", from)
		return
	}

	signed, err := c.wallet.Sign(*m.Proposal)
	if err != nil {
		c.log.Errorw("psbt_sign_failed", "order", m.OrderID, "err", err)
		return
	}
	raw, err := c.wallet.Finalize(signed)
	if err != nil {
		c.log.Errorw("psbt_finalize_failed", "order", m.OrderID, "err", err)
		return
	}
	ctx, cancel := c.sendCtx()
	defer cancel()
	settlementID, err := c.wallet.Broadcast(ctx, raw)
	if err != nil {
		c.log.Errorw("settlement_broadcast_failed", "order", m.OrderID, "err", err)
		return
	}
	if !n.advance(StateCompleted, StateTransactionProposed) {
		c.dropStale("psbt", m.OrderID, n)
		return
	}
	c.unregister(m.OrderID)

	if err := c.send(ctx, from, Message{Type: MsgComplete, OrderID: m.OrderID, SettlementID: settlementID}); err != nil {
		c.log.Warnw("complete_send_failed", "order", m.OrderID, "err", err)
	}
	if err := c.book.MarkFilled(ctx, m.OrderID); err != nil {
		c.log.Warnw("settled_order_remove_failed", "order", m.OrderID, "err", err)
	}
	c.record(n, settlementID)
	c.log.Infow("trade_completed", "order", m.OrderID, "settlement", settlementID, "taker", from)
	c.emit(Event{Type: EventCompleted, OrderID: m.OrderID, Counterparty: from, SettlementID: settlementID})
}

// ==============================
// Shared plumbing
// ==============================

func (c *Coordinator) handleMessage(from p2p.PeerID, payload []byte) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		c.log.Debugw("trade_message_malformed", "from", from, "err", err)
		return
	}
	if m.OrderID == "" {
		return
	}
	switch m.Type {
	case MsgIntent:
		c.onIntent(from, m)
	case MsgAccept:
		c.onAccept(from, m)
	case MsgReject:
		c.onReject(from, m)
	case MsgPsbt:
		c.onPsbt(from, m)
	case MsgComplete:
		c.onComplete(from, m)
	default:
		c.log.Debugw("trade_message_unknown", "from", from, "type", string(m.Type))
	}
}

func (c *Coordinator) onPsbt(from p2p.PeerID, m Message) {
	c.mu.Lock()
	n, ok := c.negotiations[m.OrderID]
	c.mu.Unlock()
	if !ok || n.Counterparty != from {
		c.log.Debugw("trade_message_unsolicited", "type", "psbt", "order", m.OrderID, "from", from)
		return
	}
	if n.Role == RoleTaker {
		c.onPsbtTaker(from, n, m)
	} else {
		c.onPsbtMaker(from, n, m)
	}
}

// correlate fetches the negotiation and checks the sender and our role.
// A miss means the message is stale or unsolicited: dropped, never fatal.
func (c *Coordinator) correlate(orderID string, from p2p.PeerID, role Role) (*Negotiation, bool) {
	c.mu.Lock()
	n, ok := c.negotiations[orderID]
	c.mu.Unlock()
	if !ok || n.Counterparty != from || n.Role != role {
		c.log.Debugw("trade_message_unsolicited", "order", orderID, "from", from)
		return nil, false
	}
	return n, true
}

func (c *Coordinator) dropStale(kind, orderID string, n *Negotiation) {
	c.log.Debugw("trade_message_stale", "type", kind, "order", orderID, "state", n.State().String())
}

func (c *Coordinator) reject(to p2p.PeerID, orderID, reason string) {
	ctx, cancel := c.sendCtx()
	defer cancel()
	if err := c.send(ctx, to, Message{Type: MsgReject, OrderID: orderID, Reason: reason}); err != nil {
		c.log.Debugw("reject_send_failed", "order", orderID, "err", err)
	}
}

func (c *Coordinator) send(ctx context.Context, to p2p.PeerID, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.net.Send(ctx, to, Topic, data)
}

func (c *Coordinator) sendCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// watchdog bounds the negotiation: any non-terminal state past the
// configured timeout becomes TimedOut and the slot is freed, so the order
// is available to other takers again.
func (c *Coordinator) watchdog(n *Negotiation) {
	select {
	case <-n.done:
		return
	case <-c.clock.After(c.timeout):
	}
	if !n.terminate(StateTimedOut) {
		return
	}
	c.unregister(n.Order.ID)
	c.log.Warnw("negotiation_timed_out", "order", n.Order.ID,
		"counterparty", n.Counterparty, "role", n.Role)
	c.emit(Event{Type: EventTimedOut, OrderID: n.Order.ID, Counterparty: n.Counterparty})
}

func (c *Coordinator) unregister(orderID string) {
	c.mu.Lock()
	delete(c.negotiations, orderID)
	c.mu.Unlock()
}

func (c *Coordinator) record(n *Negotiation, settlementID string) {
	if c.store == nil || settlementID == "" {
		return
	}
	maker, taker := n.Order.MakerPeerID, string(n.Counterparty)
	if n.Role == RoleTaker {
		taker = string(c.self)
	}
	rec := Record{
		SettlementID: settlementID,
		OrderID:      n.Order.ID,
		Maker:        maker,
		Taker:        taker,
		BaseAsset:    n.Order.BaseAsset,
		QuoteAsset:   n.Order.QuoteAsset,
		Side:         n.Order.Side,
		Amount:       n.Amount,
		Price:        n.Order.Price,
		SettledAt:    c.clock.Now().UnixMilli(),
	}
	if err := c.store.SaveTrade(rec); err != nil {
		c.log.Warnw("trade_persist_failed", "settlement", settlementID, "err", err)
	}
}

// swapLegs builds the canonical legs for a fill of amount against order o.
// The maker moves what the order offers; the taker moves the countervalue.
func swapLegs(o book.Order, maker, taker string, amount decimal.Decimal) Proposal {
	inputs, outputs := swapInputs(o, maker, taker, amount)
	return Proposal{OrderID: o.ID, Inputs: inputs, Outputs: outputs}
}

func swapInputs(o book.Order, maker, taker string, amount decimal.Decimal) ([]Leg, []Leg) {
	quote := amount.Mul(o.Price)
	var makerGives, takerGives Leg
	if o.Side == book.Sell {
		makerGives = Leg{Owner: maker, Asset: o.BaseAsset, Amount: amount}
		takerGives = Leg{Owner: taker, Asset: o.QuoteAsset, Amount: quote}
	} else {
		makerGives = Leg{Owner: maker, Asset: o.QuoteAsset, Amount: quote}
		takerGives = Leg{Owner: taker, Asset: o.BaseAsset, Amount: amount}
	}
	inputs := []Leg{makerGives, takerGives}
	outputs := []Leg{
		{Owner: taker, Asset: makerGives.Asset, Amount: makerGives.Amount},
		{Owner: maker, Asset: takerGives.Asset, Amount: takerGives.Amount},
	}
	return inputs, outputs
}
