package p2p

import "encoding/json"

// Envelope is the unit carried on direct streams and pubsub topics. Topic
// routes the payload to the right subscriber (orderbook vs trade); the
// sender identity is taken from the transport, never from the payload.
type Envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func encodeEnvelope(topic string, payload []byte) ([]byte, error) {
	return json.Marshal(Envelope{Topic: topic, Payload: payload})
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}
