package peer

import (
	"time"

	"github.com/Hquestion/Paradone/internal/message"
	"github.com/Hquestion/Paradone/internal/transport"
)

// Weight classifies a connection direction. Only heavy connections admit
// bulk media transfers.
type Weight int

const (
	Light Weight = iota
	Heavy
)

func (w Weight) String() string {
	if w == Heavy {
		return "heavy"
	}
	return "light"
}

// ConnWeight tracks both directions of a pairwise connection. Incoming is
// what we granted the remote; Outgoing is what the remote granted us.
type ConnWeight struct {
	Incoming Weight
	Outgoing Weight
}

// Conn is one Connection Table entry.
type Conn struct {
	Remote       string
	Transport    transport.Transport
	LastActivity time.Time
	Weight       ConnWeight
}

func (c *Conn) open() bool {
	return c.Transport.State() == transport.StateOpen
}

// QueuedMessage is one outbound queue entry.
type QueuedMessage struct {
	Msg       *message.Message
	Enqueued  time.Time
	Timeout   time.Duration // zero means no expiry
	OnTimeout func()
}

func (q *QueuedMessage) expired(now time.Time) bool {
	return q.Timeout > 0 && now.Sub(q.Enqueued) >= q.Timeout
}
