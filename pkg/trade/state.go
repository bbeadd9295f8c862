package trade

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/darkswapfoundation/darkswap-sub001/pkg/book"
	"github.com/darkswapfoundation/darkswap-sub001/pkg/p2p"
)

// State is the negotiation lifecycle. Rejected and TimedOut are reachable
// from any non-terminal state.
type State int

const (
	StateIdle State = iota
	StateIntentSent
	StateIntentReceived
	StateAccepted
	StateTransactionProposed
	StateCompleted
	StateRejected
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateIntentSent:
		return "intent-sent"
	case StateIntentReceived:
		return "intent-received"
	case StateAccepted:
		return "accepted"
	case StateTransactionProposed:
		return "transaction-proposed"
	case StateCompleted:
		return "completed"
	case StateRejected:
		return "rejected"
	case StateTimedOut:
		return "timed-out"
	}
	return "unknown"
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateRejected || s == StateTimedOut
}

type Role int

const (
	RoleMaker Role = iota
	RoleTaker
)

// Negotiation is the ephemeral per-order state. At most one exists per
// orderId on a given peer; it is destroyed on any terminal transition.
// Each negotiation has its own mutex so concurrent negotiations on
// different orders never block one another.
type Negotiation struct {
	Order        book.Order
	Counterparty p2p.PeerID
	Role         Role
	Amount       decimal.Decimal // taker's requested fill

	mu       sync.Mutex
	state    State
	proposal Proposal      // latest proposal payload seen
	done     chan struct{} // closed on terminal transition, stops the timer
}

func newNegotiation(o book.Order, counterparty p2p.PeerID, role Role, amount decimal.Decimal, initial State) *Negotiation {
	return &Negotiation{
		Order:        o,
		Counterparty: counterparty,
		Role:         role,
		Amount:       amount,
		state:        initial,
		done:         make(chan struct{}),
	}
}

func (n *Negotiation) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiation) setProposal(p Proposal) {
	n.mu.Lock()
	n.proposal = p
	n.mu.Unlock()
}

func (n *Negotiation) proposalCopy() Proposal {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.proposal
}

// terminate forces a terminal state from any non-terminal one. Used for
// reject and timeout, which are reachable everywhere.
func (n *Negotiation) terminate(to State) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state.Terminal() {
		return false
	}
	n.state = to
	close(n.done)
	return true
}

// advance moves the machine forward only if it currently sits in one of
// the expected predecessor states. A false return means the inbound
// message is stale or unsolicited and must be dropped.
func (n *Negotiation) advance(to State, from ...State) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state.Terminal() {
		return false
	}
	for _, f := range from {
		if n.state == f {
			n.state = to
			if to.Terminal() {
				close(n.done)
			}
			return true
		}
	}
	return false
}
