// Package transport defines the per-peer channel capability consumed by
// the overlay core. The WebRTC implementation lives in the webrtc
// subpackage; the rendezvous client in internal/signal implements the
// same capability over a websocket.
package transport

import (
	"errors"

	"github.com/Hquestion/Paradone/internal/message"
)

// State is the lifecycle of a channel. Transitions run strictly
// connecting -> open -> (closing) -> closed, never backwards.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var ErrNotOpen = errors.New("transport: channel not open")

type MessageHandler func(*message.Message)

type StateHandler func(State)

// Transport is one bidirectional datagram-capable channel toward a remote.
//
// The core never assumes any timing between CreateOffer completion and the
// channel reaching StateOpen, and tolerates state changes that arrive out
// of handshake order.
type Transport interface {
	// Send writes one message to the channel. Fails with ErrNotOpen
	// unless the channel is open.
	Send(msg *message.Message) error

	State() State

	OnMessage(h MessageHandler)
	OnStateChange(h StateHandler)

	// CreateChannel opens the datagram channel on the offering side.
	CreateChannel()

	// CreateOffer produces a session descriptor asynchronously.
	CreateOffer(cb func(sdp string, err error))

	// CreateAnswer applies the remote descriptor and produces an answer
	// asynchronously.
	CreateAnswer(remoteSDP string, cb func(sdp string, err error))

	// SetRemoteDescription applies the remote session descriptor.
	SetRemoteDescription(sdp string, ok func(), fail func(error))

	// AddICECandidate applies a trickled candidate.
	AddICECandidate(cand message.ICECandidate, ok func(), fail func(error))

	Close() error
}

// Dialer creates a Transport toward a remote peer. The peer core uses it
// on request-peer (offering side) and offer (answering side).
type Dialer interface {
	Dial(remote string) (Transport, error)
}
