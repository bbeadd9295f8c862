package book

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// View is the peer-local orderbook: an id map plus per-symbol side lists
// sorted by price (bids descending, asks ascending; ties broken by earliest
// CreatedAt). Invariant: every id in a side list exists in the id map, the
// side lists hold Open orders only, and a Live order appears in exactly one
// side list.
//
// All mutation goes through a single mutex; writes are rare relative to
// reads, and queries piggyback lazy expiry, so a plain Mutex keeps the
// index transitions atomic for readers.
type View struct {
	mu     sync.Mutex
	orders map[string]Order
	bids   map[string][]string
	asks   map[string][]string

	now func() time.Time
}

func NewView() *View {
	return &View{
		orders: make(map[string]Order),
		bids:   make(map[string][]string),
		asks:   make(map[string][]string),
		now:    time.Now,
	}
}

// Upsert inserts or replaces an order by id and reindexes it. Re-applying
// the same order is a no-op. Returns false if nothing changed.
func (v *View) Upsert(o Order) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if prev, ok := v.orders[o.ID]; ok {
		if sameOrder(prev, o) {
			return false
		}
		v.unindexLocked(prev)
	}
	v.orders[o.ID] = o
	if o.Live(v.now()) {
		v.indexLocked(o)
	}
	return true
}

// Remove deletes an order by id. Idempotent.
func (v *View) Remove(id string) (Order, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	o, ok := v.orders[id]
	if !ok {
		return Order{}, false
	}
	v.unindexLocked(o)
	delete(v.orders, id)
	return o, true
}

func (v *View) Get(id string) (Order, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[id]
	return o, ok
}

// OrdersForPair returns the open orders for one symbol, both sides.
func (v *View) OrdersForPair(base, quote string) []Order {
	v.mu.Lock()
	defer v.mu.Unlock()
	sym := Symbol(base, quote)
	v.pruneLocked(sym)
	out := make([]Order, 0, len(v.bids[sym])+len(v.asks[sym]))
	for _, id := range v.bids[sym] {
		out = append(out, v.orders[id])
	}
	for _, id := range v.asks[sym] {
		out = append(out, v.orders[id])
	}
	return out
}

// BuyOrders returns open buy orders, best (highest) price first.
func (v *View) BuyOrders(base, quote string) []Order {
	return v.side(Symbol(base, quote), Buy)
}

// SellOrders returns open sell orders, best (lowest) price first.
func (v *View) SellOrders(base, quote string) []Order {
	return v.side(Symbol(base, quote), Sell)
}

func (v *View) side(sym string, s Side) []Order {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pruneLocked(sym)
	ids := v.bids[sym]
	if s == Sell {
		ids = v.asks[sym]
	}
	out := make([]Order, len(ids))
	for i, id := range ids {
		out[i] = v.orders[id]
	}
	return out
}

// BestBid returns the highest-priced open buy order. ok is false when the
// side is empty; there is no sentinel value.
func (v *View) BestBid(base, quote string) (Order, bool) {
	return v.best(Symbol(base, quote), Buy)
}

// BestAsk returns the lowest-priced open sell order.
func (v *View) BestAsk(base, quote string) (Order, bool) {
	return v.best(Symbol(base, quote), Sell)
}

func (v *View) best(sym string, s Side) (Order, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pruneLocked(sym)
	ids := v.bids[sym]
	if s == Sell {
		ids = v.asks[sym]
	}
	if len(ids) == 0 {
		return Order{}, false
	}
	return v.orders[ids[0]], true
}

// Spread is bestAsk - bestBid. Undefined when either side is empty.
func (v *View) Spread(base, quote string) (decimal.Decimal, bool) {
	bid, okB := v.BestBid(base, quote)
	ask, okA := v.BestAsk(base, quote)
	if !okB || !okA {
		return decimal.Decimal{}, false
	}
	return ask.Price.Sub(bid.Price), true
}

// MidPrice is the average of best bid and best ask. Undefined when either
// side is empty.
func (v *View) MidPrice(base, quote string) (decimal.Decimal, bool) {
	bid, okB := v.BestBid(base, quote)
	ask, okA := v.BestAsk(base, quote)
	if !okB || !okA {
		return decimal.Decimal{}, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// OpenByMaker returns the maker's live orders across all symbols.
func (v *View) OpenByMaker(maker string) []Order {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.now()
	var out []Order
	for _, o := range v.orders {
		if o.MakerPeerID == maker && o.Live(now) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// All returns every order in the view, including non-open replicas that
// have not been pruned yet.
func (v *View) All() []Order {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Order, 0, len(v.orders))
	for _, o := range v.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.orders)
}

// ==============================
// index maintenance (locked)
// ==============================

func (v *View) indexLocked(o Order) {
	sym := o.Symbol()
	if o.Side == Buy {
		v.bids[sym] = insertSorted(v.bids[sym], o, v.orders, bidBefore)
	} else {
		v.asks[sym] = insertSorted(v.asks[sym], o, v.orders, askBefore)
	}
}

func (v *View) unindexLocked(o Order) {
	sym := o.Symbol()
	if o.Side == Buy {
		v.bids[sym] = removeID(v.bids[sym], o.ID)
		if len(v.bids[sym]) == 0 {
			delete(v.bids, sym)
		}
	} else {
		v.asks[sym] = removeID(v.asks[sym], o.ID)
		if len(v.asks[sym]) == 0 {
			delete(v.asks, sym)
		}
	}
}

// pruneLocked drops expired orders for one symbol. Expiry is wall-clock
// local and never broadcast; every peer prunes independently.
func (v *View) pruneLocked(sym string) {
	now := v.now()
	var expired []string
	for _, ids := range [][]string{v.bids[sym], v.asks[sym]} {
		for _, id := range ids {
			if o := v.orders[id]; o.Expired(now) {
				expired = append(expired, id)
			}
		}
	}
	for _, id := range expired {
		o := v.orders[id]
		v.unindexLocked(o)
		delete(v.orders, id)
	}
}

// bidBefore orders buys by price descending, then earliest created.
func bidBefore(a, b Order) bool {
	if !a.Price.Equal(b.Price) {
		return a.Price.GreaterThan(b.Price)
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

// askBefore orders sells by price ascending, then earliest created.
func askBefore(a, b Order) bool {
	if !a.Price.Equal(b.Price) {
		return a.Price.LessThan(b.Price)
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

func insertSorted(ids []string, o Order, orders map[string]Order, before func(a, b Order) bool) []string {
	i := sort.Search(len(ids), func(i int) bool {
		return before(o, orders[ids[i]])
	})
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = o.ID
	return ids
}

// sameOrder compares field-by-field; decimals compare by value, not
// pointer identity, so a re-decoded copy of the same event matches.
func sameOrder(a, b Order) bool {
	return a.ID == b.ID &&
		a.BaseAsset == b.BaseAsset &&
		a.QuoteAsset == b.QuoteAsset &&
		a.Side == b.Side &&
		a.Amount.Equal(b.Amount) &&
		a.Price.Equal(b.Price) &&
		a.CreatedAt == b.CreatedAt &&
		a.ExpiresAt == b.ExpiresAt &&
		a.MakerPeerID == b.MakerPeerID &&
		a.Status == b.Status
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
