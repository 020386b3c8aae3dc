// Package emitter is a typed in-process event bus keyed by message type.
package emitter

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Hquestion/Paradone/internal/message"
)

// Handler receives a dispatched message. The message must be treated as
// read-only; handlers that need to mutate it work on a Clone.
type Handler func(*message.Message)

// Emitter dispatches messages to handlers in registration order.
// Dispatch calls made from within a handler are queued and drained after
// the current message completes, never entered recursively.
type Emitter struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	pending  []*message.Message
	draining bool
	log      *logrus.Logger
}

func New(log *logrus.Logger) *Emitter {
	return &Emitter{
		handlers: make(map[string][]Handler),
		log:      log,
	}
}

// On registers a handler for a message type. Multiple handlers per type
// run in registration order.
func (e *Emitter) On(msgType string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[msgType] = append(e.handlers[msgType], h)
}

// Dispatch delivers msg to every handler registered for its type,
// synchronously, in the caller's goroutine. Messages with no handler are
// dropped with a warning.
func (e *Emitter) Dispatch(msg *message.Message) {
	e.mu.Lock()
	e.pending = append(e.pending, msg)
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true

	for len(e.pending) > 0 {
		next := e.pending[0]
		e.pending = e.pending[1:]
		hs := e.handlers[next.Type]
		e.mu.Unlock()

		if len(hs) == 0 {
			e.log.Warnf("no handler for message type %q, dropping", next.Type)
		}
		for _, h := range hs {
			h(next)
		}

		e.mu.Lock()
	}
	e.draining = false
	e.mu.Unlock()
}
