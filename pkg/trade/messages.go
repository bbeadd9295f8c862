package trade

import (
	"github.com/shopspring/decimal"
)

// Topic is the logical channel for negotiation messages. They travel as
// direct peer-to-peer sends, never gossip.
const Topic = "darkswap/trade/1.0.0"

type MsgType string

const (
	MsgIntent   MsgType = "intent"
	MsgAccept   MsgType = "accept"
	MsgReject   MsgType = "reject"
	MsgPsbt     MsgType = "psbt"
	MsgComplete MsgType = "complete"
)

// Message is the wire shape on the trade topic. OrderID is the sole
// negotiation key; the sender identity comes from the transport.
type Message struct {
	Type    MsgType `json:"type"`
	OrderID string  `json:"orderId"`

	// intent
	Amount    decimal.Decimal `json:"amount,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`

	// reject
	Reason string `json:"reason,omitempty"`

	// psbt: unsigned from maker, signed back from taker
	Proposal *Proposal `json:"proposal,omitempty"`

	// complete
	SettlementID string `json:"settlementId,omitempty"`
}
