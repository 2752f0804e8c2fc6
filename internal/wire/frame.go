// Package wire defines the JSON frames exchanged over the streaming connection.
//
// Every frame is a single WebSocket text message:
//
//	{"kind":"subscribe","id":7,"topic":{"kind":"priceFeed","key":"AAPL@XNAS"}}
//	{"kind":"subscribe","id":7,"sid":42}
//	{"kind":"data","sid":42,"payload":{...}}
//
// Acks echo the client-assigned id. Data frames carry the server-assigned sid
// handed out in the subscribe ack.
package wire

import (
	"encoding/json"
	"fmt"
)

// Kind identifies a frame type.
type Kind string

const (
	KindConnect     Kind = "connect"
	KindSubscribe   Kind = "subscribe"
	KindUnsubscribe Kind = "unsubscribe"
	KindData        Kind = "data"
	KindError       Kind = "error"
	KindHeartbeat   Kind = "heartbeat"
	KindRequest     Kind = "request"
	KindResponse    Kind = "response"
)

// IsControl reports whether frames of this kind change subscription state on the server.
func (k Kind) IsControl() bool {
	return k == KindSubscribe || k == KindUnsubscribe
}

// TopicKind names a stream family.
type TopicKind string

const (
	TopicPortfolio TopicKind = "portfolio"
	TopicPriceFeed TopicKind = "priceFeed"
	TopicOrders    TopicKind = "orders"
)

// Topic addresses one logical stream.
type Topic struct {
	Kind TopicKind `json:"kind"`
	Key  string    `json:"key"`
}

func (t Topic) String() string {
	return string(t.Kind) + ":" + t.Key
}

// Valid reports whether both parts of the topic are set.
func (t Topic) Valid() bool {
	return t.Kind != "" && t.Key != ""
}

// Frame is the envelope for every message on the connection.
type Frame struct {
	Kind    Kind            `json:"kind"`
	ID      int64           `json:"id,omitempty"`
	SID     int64           `json:"sid,omitempty"`
	Topic   *Topic          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ConnectPayload authenticates a connection or swaps the token on a live one.
type ConnectPayload struct {
	Token string `json:"token"`
}

// ErrorPayload is carried by error frames.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// RequestPayload is carried by request frames.
type RequestPayload struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Server error codes the client reacts to.
const (
	CodeAuthRejected     = "auth_rejected"
	CodeTokenExpired     = "token_expired"
	CodeUnknownTopic     = "unknown_topic"
	CodeSwapNotSupported = "swap_not_supported"
	CodeRateLimited      = "rate_limited"
)

// Encode marshals a frame to its wire form.
func Encode(f Frame) ([]byte, error) {
	if f.Kind == "" {
		return nil, fmt.Errorf("encode frame: missing kind")
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Decode parses a frame from its wire form.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Kind == "" {
		return Frame{}, fmt.Errorf("decode frame: missing kind")
	}
	return f, nil
}

// NewFrame builds a frame with v marshaled into the payload.
func NewFrame(kind Kind, v any) (Frame, error) {
	f := Frame{Kind: kind}
	if v == nil {
		return f, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	f.Payload = raw
	return f, nil
}

// ErrorOf decodes the payload of an error frame. Malformed payloads yield a
// generic code so callers always get something to report.
func ErrorOf(f Frame) ErrorPayload {
	var p ErrorPayload
	if len(f.Payload) > 0 && json.Unmarshal(f.Payload, &p) == nil && p.Code != "" {
		return p
	}
	return ErrorPayload{Code: "unknown", Message: string(f.Payload)}
}

// DecodePayload unmarshals the payload of f into v.
func DecodePayload(f Frame, v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("decode %s payload: empty", f.Kind)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Kind, err)
	}
	return nil
}
