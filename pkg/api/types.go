package api

import (
	"encoding/json"
	"net/http"

	"github.com/darkswapfoundation/darkswap-sub001/pkg/book"
)

// OrderbookSnapshot is one pair's view: open bids and asks, best first.
type OrderbookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []book.Order `json:"bids"`
	Asks      []book.Order `json:"asks"`
	Spread    string       `json:"spread,omitempty"`
	MidPrice  string       `json:"midPrice,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

type CreateOrderRequest struct {
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
	Side       string `json:"side"`
	Amount     string `json:"amount"`
	Price      string `json:"price"`
	ExpiryMs   int64  `json:"expiryMs,omitempty"`
}

type CreateOrderResponse struct {
	OrderID string `json:"orderId"`
}

type TakeOrderRequest struct {
	Amount string `json:"amount"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type PeersResponse struct {
	Self  string   `json:"self"`
	Peers []string `json:"peers"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// WSSubscribeRequest is the client -> server subscription control frame.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" | "unsubscribe"
	Channels []string `json:"channels"`
}

// WSEvent is a pushed notification on a subscribed channel.
type WSEvent struct {
	Channel string      `json:"channel"`
	Type    string      `json:"type"`
	Data    interface{} `json:"data"`
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg, Detail: detail})
}
