package book

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

type Status string

const (
	StatusOpen      Status = "open"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Order is immutable once created except for Status. The maker owns it;
// every other peer holds a read-only replica.
type Order struct {
	ID          string          `json:"id"`
	BaseAsset   string          `json:"baseAsset"`
	QuoteAsset  string          `json:"quoteAsset"`
	Side        Side            `json:"side"`
	Amount      decimal.Decimal `json:"amount"`
	Price       decimal.Decimal `json:"price"`
	CreatedAt   int64           `json:"createdAt"` // unix ms
	ExpiresAt   int64           `json:"expiresAt"` // unix ms, 0 = no expiry
	MakerPeerID string          `json:"makerPeerId"`
	Status      Status          `json:"status"`
}

// Symbol is the trading-pair key, e.g. "BTC-RUNE:X".
func (o *Order) Symbol() string { return o.BaseAsset + "-" + o.QuoteAsset }

func Symbol(base, quote string) string { return base + "-" + quote }

func (o *Order) Expired(now time.Time) bool {
	return o.ExpiresAt > 0 && now.UnixMilli() >= o.ExpiresAt
}

// Live reports whether the order belongs in the open side-lists.
func (o *Order) Live(now time.Time) bool {
	return o.Status == StatusOpen && !o.Expired(now)
}

// Validate rejects orders that must never enter the view, local or remote.
func (o *Order) Validate() error {
	if o.ID == "" {
		return errors.New("empty order id")
	}
	if o.MakerPeerID == "" {
		return errors.New("empty maker peer id")
	}
	if o.BaseAsset == "" || o.QuoteAsset == "" {
		return errors.New("empty asset")
	}
	if o.Side != Buy && o.Side != Sell {
		return fmt.Errorf("invalid side %q", o.Side)
	}
	if !o.Amount.IsPositive() {
		return errors.New("amount must be positive")
	}
	if !o.Price.IsPositive() {
		return errors.New("price must be positive")
	}
	return nil
}

// EventType enumerates orderbook gossip events.
type EventType string

const (
	EventAdd    EventType = "add"
	EventRemove EventType = "remove"
	EventUpdate EventType = "update"
)

// Event is the wire shape on the orderbook topic.
type Event struct {
	Type  EventType `json:"type"`
	Order Order     `json:"order"`
}
