package emitter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Hquestion/Paradone/internal/logger"
	"github.com/Hquestion/Paradone/internal/message"
)

func msg(t string) *message.Message {
	return &message.Message{Type: t, From: "a", To: "b"}
}

func TestDispatchInRegistrationOrder(t *testing.T) {
	e := New(logger.NewNop())

	var order []int
	e.On("x", func(*message.Message) { order = append(order, 1) })
	e.On("x", func(*message.Message) { order = append(order, 2) })
	e.On("y", func(*message.Message) { order = append(order, 99) })

	e.Dispatch(msg("x"))
	assert.Equal(t, []int{1, 2}, order)
}

func TestDispatchUnknownTypeIsDropped(t *testing.T) {
	e := New(logger.NewNop())
	e.Dispatch(msg("nobody")) // must not panic
}

func TestReentrantDispatchIsDeferred(t *testing.T) {
	e := New(logger.NewNop())

	var order []string
	e.On("outer", func(*message.Message) {
		order = append(order, "outer-start")
		e.Dispatch(msg("inner"))
		order = append(order, "outer-end")
	})
	e.On("inner", func(*message.Message) {
		order = append(order, "inner")
	})

	e.Dispatch(msg("outer"))
	assert.Equal(t, []string{"outer-start", "outer-end", "inner"}, order,
		"messages emitted by a handler run after the current dispatch")
}
