package trade

import (
	"context"

	"github.com/shopspring/decimal"
)

// Leg is one input or output of a swap transaction: who moves which asset.
type Leg struct {
	Owner  string          `json:"owner"` // peer id
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Proposal is the unsigned or partially-signed transaction exchanged
// during negotiation. Opaque to the coordinator beyond the fields it
// validates (order id and leg amounts).
type Proposal struct {
	OrderID    string   `json:"orderId"`
	Inputs     []Leg    `json:"inputs"`
	Outputs    []Leg    `json:"outputs"`
	Signatures []string `json:"signatures,omitempty"`
}

// sameTerms checks that two proposals describe the same trade. Signatures
// are excluded: they are the part that legitimately differs.
func (p Proposal) sameTerms(other Proposal) bool {
	if p.OrderID != other.OrderID ||
		len(p.Inputs) != len(other.Inputs) ||
		len(p.Outputs) != len(other.Outputs) {
		return false
	}
	for i := range p.Inputs {
		if !sameLeg(p.Inputs[i], other.Inputs[i]) {
			return false
		}
	}
	for i := range p.Outputs {
		if !sameLeg(p.Outputs[i], other.Outputs[i]) {
			return false
		}
	}
	return true
}

func sameLeg(a, b Leg) bool {
	return a.Owner == b.Owner && a.Asset == b.Asset && a.Amount.Equal(b.Amount)
}

// Wallet is the external signing boundary. The coordinator never holds
// private keys; it only shuttles proposals through these four steps.
type Wallet interface {
	CreateUnsignedProposal(orderID string, inputs, outputs []Leg) (Proposal, error)
	Sign(p Proposal) (Proposal, error)
	Finalize(p Proposal) ([]byte, error)
	Broadcast(ctx context.Context, rawTx []byte) (string, error) // settlement id
}
