package storage

import "fmt"

// Pebble key schema:
//
//   ord:<orderID>                     → own maker order
//   trade:<timestamp>:<settlementID>  → settled trade
//
// Timestamps are zero-padded (20 digits) so a prefix scan yields
// chronological order.
const (
	prefixOrder = "ord:"
	prefixTrade = "trade:"
)

func orderKey(orderID string) []byte {
	return []byte(prefixOrder + orderID)
}

func tradeKey(timestamp int64, settlementID string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixTrade, timestamp, settlementID))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
