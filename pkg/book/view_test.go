package book

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testOrder(id string, side Side, price, amount string, createdAt int64) Order {
	return Order{
		ID:          id,
		BaseAsset:   "BTC",
		QuoteAsset:  "RUNE",
		Side:        side,
		Amount:      dec(amount),
		Price:       dec(price),
		CreatedAt:   createdAt,
		MakerPeerID: "maker-" + id,
		Status:      StatusOpen,
	}
}

// TestViewUpsertAndGet checks basic insert, lookup and idempotent re-apply.
func TestViewUpsertAndGet(t *testing.T) {
	v := NewView()

	o := testOrder("a", Buy, "100", "1", 1000)
	if !v.Upsert(o) {
		t.Fatal("first upsert should report a change")
	}
	if v.Upsert(o) {
		t.Error("re-applying the identical order should be a no-op")
	}

	got, ok := v.Get("a")
	if !ok {
		t.Fatal("expected order to be present")
	}
	if !got.Price.Equal(dec("100")) {
		t.Errorf("price = %s, want 100", got.Price)
	}
	if v.Len() != 1 {
		t.Errorf("len = %d, want 1", v.Len())
	}
}

// TestViewBidAskOrdering checks price-time priority on both sides.
func TestViewBidAskOrdering(t *testing.T) {
	v := NewView()

	// bids: best (highest) first
	v.Upsert(testOrder("b1", Buy, "99", "1", 1))
	v.Upsert(testOrder("b2", Buy, "101", "1", 2))
	v.Upsert(testOrder("b3", Buy, "100", "1", 3))

	// asks: best (lowest) first
	v.Upsert(testOrder("a1", Sell, "105", "1", 1))
	v.Upsert(testOrder("a2", Sell, "103", "1", 2))
	v.Upsert(testOrder("a3", Sell, "104", "1", 3))

	bids := v.BuyOrders("BTC", "RUNE")
	wantBids := []string{"b2", "b3", "b1"}
	for i, w := range wantBids {
		if bids[i].ID != w {
			t.Errorf("bids[%d] = %s, want %s", i, bids[i].ID, w)
		}
	}

	asks := v.SellOrders("BTC", "RUNE")
	wantAsks := []string{"a2", "a3", "a1"}
	for i, w := range wantAsks {
		if asks[i].ID != w {
			t.Errorf("asks[%d] = %s, want %s", i, asks[i].ID, w)
		}
	}
}

// TestViewPriceTieBreak checks that equal prices rank by earliest CreatedAt.
func TestViewPriceTieBreak(t *testing.T) {
	v := NewView()

	v.Upsert(testOrder("late", Buy, "100", "1", 2000))
	v.Upsert(testOrder("early", Buy, "100", "1", 1000))

	best, ok := v.BestBid("BTC", "RUNE")
	if !ok {
		t.Fatal("expected a best bid")
	}
	if best.ID != "early" {
		t.Errorf("best bid = %s, want early (earlier CreatedAt wins the tie)", best.ID)
	}
}

// TestViewSpreadAndMid checks spread/mid and their undefined cases.
func TestViewSpreadAndMid(t *testing.T) {
	v := NewView()

	if _, ok := v.Spread("BTC", "RUNE"); ok {
		t.Error("spread should be undefined on an empty book")
	}
	if _, ok := v.MidPrice("BTC", "RUNE"); ok {
		t.Error("mid should be undefined on an empty book")
	}

	v.Upsert(testOrder("b", Buy, "98", "1", 1))
	if _, ok := v.Spread("BTC", "RUNE"); ok {
		t.Error("spread should be undefined with only one side present")
	}

	v.Upsert(testOrder("a", Sell, "102", "1", 1))
	spread, ok := v.Spread("BTC", "RUNE")
	if !ok {
		t.Fatal("expected spread with both sides present")
	}
	if !spread.Equal(dec("4")) {
		t.Errorf("spread = %s, want 4", spread)
	}
	mid, ok := v.MidPrice("BTC", "RUNE")
	if !ok {
		t.Fatal("expected mid with both sides present")
	}
	if !mid.Equal(dec("100")) {
		t.Errorf("mid = %s, want 100", mid)
	}
}

// TestViewRemove checks removal clears both the id map and the side lists.
func TestViewRemove(t *testing.T) {
	v := NewView()
	v.Upsert(testOrder("a", Sell, "100", "1", 1))

	removed, ok := v.Remove("a")
	if !ok || removed.ID != "a" {
		t.Fatal("expected to remove order a")
	}
	if _, ok := v.Get("a"); ok {
		t.Error("order should be gone from the id map")
	}
	if got := v.SellOrders("BTC", "RUNE"); len(got) != 0 {
		t.Errorf("ask list should be empty, got %d entries", len(got))
	}
	if _, ok := v.Remove("a"); ok {
		t.Error("second remove should report absent")
	}
}

// TestViewNonOpenExcluded checks non-open orders never enter the side lists.
func TestViewNonOpenExcluded(t *testing.T) {
	v := NewView()

	o := testOrder("a", Buy, "100", "1", 1)
	o.Status = StatusFilled
	v.Upsert(o)

	if got := v.BuyOrders("BTC", "RUNE"); len(got) != 0 {
		t.Errorf("filled order must not be indexed, got %d bids", len(got))
	}
	if _, ok := v.Get("a"); !ok {
		t.Error("order should still be retrievable by id")
	}
}

// TestViewStatusTransitionReindexes checks that updating an open order to a
// terminal status drops it from the side lists.
func TestViewStatusTransitionReindexes(t *testing.T) {
	v := NewView()
	v.Upsert(testOrder("a", Buy, "100", "1", 1))

	o, _ := v.Get("a")
	o.Status = StatusCancelled
	v.Upsert(o)

	if got := v.BuyOrders("BTC", "RUNE"); len(got) != 0 {
		t.Errorf("cancelled order must leave the bid list, got %d", len(got))
	}
}

// TestViewLazyExpiry checks expired orders disappear from query results
// once the clock passes ExpiresAt.
func TestViewLazyExpiry(t *testing.T) {
	v := NewView()
	base := time.UnixMilli(1_000_000)
	v.now = func() time.Time { return base }

	o := testOrder("a", Buy, "100", "1", base.UnixMilli())
	o.ExpiresAt = base.Add(time.Minute).UnixMilli()
	v.Upsert(o)

	if got := v.BuyOrders("BTC", "RUNE"); len(got) != 1 {
		t.Fatalf("order should be live before expiry, got %d bids", len(got))
	}

	v.now = func() time.Time { return base.Add(2 * time.Minute) }
	if got := v.BuyOrders("BTC", "RUNE"); len(got) != 0 {
		t.Errorf("order should be pruned after expiry, got %d bids", len(got))
	}
	if _, ok := v.BestBid("BTC", "RUNE"); ok {
		t.Error("best bid should be undefined after the only bid expired")
	}
}

// TestViewOpenByMaker checks the maker filter only returns live orders.
func TestViewOpenByMaker(t *testing.T) {
	v := NewView()

	a := testOrder("a", Buy, "100", "1", 1)
	a.MakerPeerID = "m1"
	b := testOrder("b", Sell, "105", "1", 2)
	b.MakerPeerID = "m1"
	c := testOrder("c", Buy, "99", "1", 3)
	c.MakerPeerID = "m2"
	v.Upsert(a)
	v.Upsert(b)
	v.Upsert(c)

	got := v.OpenByMaker("m1")
	if len(got) != 2 {
		t.Fatalf("m1 should own 2 open orders, got %d", len(got))
	}
}

// TestViewPairIsolation checks one pair's orders never leak into another.
func TestViewPairIsolation(t *testing.T) {
	v := NewView()
	v.Upsert(testOrder("a", Buy, "100", "1", 1))

	o := testOrder("x", Buy, "50", "1", 1)
	o.BaseAsset = "ETH"
	v.Upsert(o)

	if got := v.BuyOrders("BTC", "RUNE"); len(got) != 1 {
		t.Errorf("BTC-RUNE should have 1 bid, got %d", len(got))
	}
	if got := v.BuyOrders("ETH", "RUNE"); len(got) != 1 {
		t.Errorf("ETH-RUNE should have 1 bid, got %d", len(got))
	}
}

// TestViewManyOrdersSorted inserts out of order and checks the index stays
// sorted after interleaved removals.
func TestViewManyOrdersSorted(t *testing.T) {
	v := NewView()
	prices := []string{"105", "101", "109", "103", "107"}
	for i, p := range prices {
		v.Upsert(testOrder(fmt.Sprintf("o%d", i), Sell, p, "1", int64(i)))
	}
	v.Remove("o1") // drop best ask (101)

	asks := v.SellOrders("BTC", "RUNE")
	if len(asks) != 4 {
		t.Fatalf("want 4 asks, got %d", len(asks))
	}
	for i := 1; i < len(asks); i++ {
		if asks[i-1].Price.GreaterThan(asks[i].Price) {
			t.Fatalf("asks out of order at %d: %s > %s", i, asks[i-1].Price, asks[i].Price)
		}
	}
	if best, _ := v.BestAsk("BTC", "RUNE"); !best.Price.Equal(dec("103")) {
		t.Errorf("best ask = %s, want 103", best.Price)
	}
}
