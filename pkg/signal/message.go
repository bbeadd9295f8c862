package signal

import "encoding/json"

// Type enumerates signaling message kinds exchanged with the relay.
type Type string

const (
	TypeRegister         Type = "register"
	TypeOffer            Type = "offer"
	TypeAnswer           Type = "answer"
	TypeCandidate        Type = "ice-candidate"
	TypePeerConnected    Type = "peer-connected"
	TypePeerDisconnected Type = "peer-disconnected"
	TypeError            Type = "error"
)

// Message is the envelope carried over the signaling websocket. From is
// stamped by the relay on forwarded messages; clients must not trust a
// From field they wrote themselves.
type Message struct {
	Type    Type            `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// AddrPayload is the body of offer/answer messages: the sender's libp2p
// identity and its dialable multiaddrs.
type AddrPayload struct {
	PeerID string   `json:"peerId"`
	Addrs  []string `json:"addrs"`
}

// CandidatePayload carries one additional multiaddr discovered after the
// initial offer/answer exchange.
type CandidatePayload struct {
	Addr string `json:"addr"`
}

func NewAddrMessage(t Type, to string, p AddrPayload) Message {
	b, _ := json.Marshal(p)
	return Message{Type: t, To: to, Payload: b}
}

func NewCandidateMessage(to string, addr string) Message {
	b, _ := json.Marshal(CandidatePayload{Addr: addr})
	return Message{Type: TypeCandidate, To: to, Payload: b}
}
