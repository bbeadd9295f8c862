package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/darkswapfoundation/darkswap-sub001/pkg/book"
	"github.com/darkswapfoundation/darkswap-sub001/pkg/trade"
)

// Store persists this node's own maker orders and its settled trades.
// Remote orderbook replicas are deliberately not persisted; they are
// re-learned from gossip.
type Store struct {
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveOrder persists one of our own orders.
func (s *Store) SaveOrder(o book.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	if err := s.db.Set(orderKey(o.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

// DeleteOrder removes a persisted order. Missing keys are not an error.
func (s *Store) DeleteOrder(orderID string) error {
	if err := s.db.Delete(orderKey(orderID), pebble.Sync); err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	return nil
}

// LoadOpenOrders returns every persisted order that is still open.
func (s *Store) LoadOpenOrders() ([]book.Order, error) {
	prefix := []byte(prefixOrder)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var orders []book.Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o book.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			continue // skip corrupt entries
		}
		if o.Status == book.StatusOpen {
			orders = append(orders, o)
		}
	}
	return orders, nil
}

// SaveTrade persists a settlement record. Trades are append-only history,
// so NoSync is acceptable here.
func (s *Store) SaveTrade(rec trade.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}
	if err := s.db.Set(tradeKey(rec.SettledAt, rec.SettlementID), data, pebble.NoSync); err != nil {
		return fmt.Errorf("save trade: %w", err)
	}
	return nil
}

// LoadRecentTrades returns the most recent limit trades, newest first.
func (s *Store) LoadRecentTrades(limit int) ([]trade.Record, error) {
	prefix := []byte(prefixTrade)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var trades []trade.Record
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		var rec trade.Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		trades = append(trades, rec)
	}
	return trades, nil
}

var _ book.OrderStore = (*Store)(nil)
var _ trade.TradeStore = (*Store)(nil)
