// Package message defines the overlay wire record and its JSON codec.
//
// Every frame exchanged between peers, and between a peer and the
// rendezvous service, is one Message encoded as a single JSON document.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Reserved destination values.
const (
	SignalID = "signal" // the rendezvous service
	SourceID = "source" // the origin media server
	AnyPeer  = "-1"     // any peer, used with request-peer
)

// Message types recognized by the core.
const (
	TypeRequestPeer  = "request-peer"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "icecandidate"

	TypeFirstView = "first-view"
	TypeKeepalive = "signal:keepalive"

	// Internal, emitted when a channel toward a remote opens.
	TypeConnected = "connected"

	TypeGossipRequestExchange  = "gossip:request-exchange"
	TypeGossipAnswerRequest    = "gossip:answer-request"
	TypeGossipDescriptorUpdate = "gossip:descriptor-update"
	TypeGossipViewUpdate       = "gossip:view-update"
	TypeGossipBandwidth        = "gossip:bandwidth"
	TypeGossipWeight           = "gossip:weight"

	TypeMediaRequestInfo = "media:request-info"
	TypeMediaInfo        = "media:info"
	TypeMediaRequestPart = "media:request-part"
	TypeMediaPart        = "media:part"
	TypeMediaAvailable   = "media:available"
)

// Weight protocol values carried by gossip:weight messages.
const (
	WeightRequestHeavy = "request-heavy"
	WeightAckHeavy     = "ack-heavy"
	WeightNoackHeavy   = "noack-heavy"
	WeightRequestLight = "request-light"
	WeightAckLight     = "ack-light"
	WeightNoackLight   = "noack-light"
)

var ErrInvalidMessage = errors.New("invalid message")

// forwardable holds the types an intermediary may flood when it has no
// route to the destination.
var forwardable = map[string]bool{
	TypeICECandidate: true,
	TypeRequestPeer:  true,
	TypeOffer:        true,
	TypeAnswer:       true,
}

// Forwardable reports whether t may be broadcast by an intermediary.
func Forwardable(t string) bool { return forwardable[t] }

// Message is the overlay wire record.
type Message struct {
	Type      string          `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	TTL       int             `json:"ttl"`
	ForwardBy []string        `json:"forward_by"`
	Route     []string        `json:"route,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON accepts both the string "-1" and the number -1 as the
// destination sentinel and normalizes to the string form.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := struct {
		To json.RawMessage `json:"to"`
		*alias
	}{alias: (*alias)(m)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.To) > 0 {
		var s string
		if err := json.Unmarshal(aux.To, &s); err == nil {
			m.To = s
		} else {
			var n int
			if err := json.Unmarshal(aux.To, &n); err != nil {
				return fmt.Errorf("message 'to' is neither string nor number: %w", err)
			}
			m.To = fmt.Sprintf("%d", n)
		}
	}
	return nil
}

// Validate checks the fields required on the wire. Handshake types
// additionally need a hop budget and a forward list.
func (m *Message) Validate() error {
	if m.Type == "" || m.From == "" || m.To == "" {
		return fmt.Errorf("%w: type, from and to are required", ErrInvalidMessage)
	}
	if forwardable[m.Type] {
		if m.TTL < 0 {
			return fmt.Errorf("%w: negative ttl on %s", ErrInvalidMessage, m.Type)
		}
		if m.ForwardBy == nil {
			return fmt.Errorf("%w: forward_by missing on %s", ErrInvalidMessage, m.Type)
		}
	}
	return nil
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	out := *m
	if m.ForwardBy != nil {
		out.ForwardBy = append([]string{}, m.ForwardBy...)
	}
	if m.Route != nil {
		out.Route = append([]string{}, m.Route...)
	}
	out.Data = append(json.RawMessage(nil), m.Data...)
	return &out
}

// DecodeData unmarshals the payload into v.
func (m *Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: %s carries no data", ErrInvalidMessage, m.Type)
	}
	return json.Unmarshal(m.Data, v)
}

// Encode serializes the message as a single JSON text frame.
func Encode(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses a single JSON text frame.
func Decode(frame []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return &m, nil
}

// MustData marshals v as a payload, panicking on failure. Payload types
// are plain structs and maps; marshalling them cannot fail at runtime.
func MustData(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
