// Package signal talks to the rendezvous service. The client implements
// the transport capability toward the reserved "signal" destination; the
// server is a minimal rendezvous used by cmd/signal and the integration
// tests.
package signal

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Hquestion/Paradone/internal/message"
	"github.com/Hquestion/Paradone/internal/transport"
)

var errSignalingUnsupported = errors.New("signal: session descriptors are not exchanged with the rendezvous")

// Client is the websocket channel toward the rendezvous service. Every
// outgoing message is one text frame with ttl forced to 0; every incoming
// frame is decoded and handed to the registered message handlers.
type Client struct {
	url       string
	keepalive time.Duration
	log       *logrus.Logger

	mu            sync.Mutex
	localID       string
	conn          *websocket.Conn
	state         transport.State
	msgHandlers   []transport.MessageHandler
	stateHandlers []transport.StateHandler
	pending       []*message.Message
	done          chan struct{}
}

// Dial connects to the rendezvous endpoint. A keepalive of zero disables
// the heartbeat.
func Dial(url string, keepalive time.Duration, log *logrus.Logger) (*Client, error) {
	c := &Client{
		url:       url,
		keepalive: keepalive,
		log:       log,
		state:     transport.StateConnecting,
		done:      make(chan struct{}),
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		c.setState(transport.StateClosed)
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(transport.StateOpen)

	go c.readLoop()
	if keepalive > 0 {
		go c.keepaliveLoop()
	}
	return c, nil
}

func (c *Client) readLoop() {
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.log.Debugf("rendezvous read failed: %v", err)
			c.setState(transport.StateClosed)
			close(c.done)
			return
		}

		msg, err := message.Decode(frame)
		if err != nil {
			c.log.Warnf("dropping undecodable rendezvous frame: %v", err)
			continue
		}

		c.mu.Lock()
		// The rendezvous starts talking the moment the socket opens;
		// frames arriving before anyone listens are held back.
		if len(c.msgHandlers) == 0 {
			c.pending = append(c.pending, msg)
			c.mu.Unlock()
			continue
		}
		hs := append([]transport.MessageHandler(nil), c.msgHandlers...)
		c.mu.Unlock()
		for _, h := range hs {
			h(msg)
		}
	}
}

func (c *Client) keepaliveLoop() {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			id := c.localID
			c.mu.Unlock()
			if id == "" {
				id = message.SignalID
			}
			if err := c.Send(message.NewKeepalive(id)); err != nil {
				c.log.Debugf("rendezvous keepalive failed: %v", err)
				return
			}
		}
	}
}

// SetLocalID records the id the rendezvous assigned to this node; the
// keepalive heartbeat carries it once known.
func (c *Client) SetLocalID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localID = id
}

func (c *Client) setState(s transport.State) {
	c.mu.Lock()
	if s <= c.state {
		c.mu.Unlock()
		return
	}
	c.state = s
	hs := append([]transport.StateHandler(nil), c.stateHandlers...)
	c.mu.Unlock()

	for _, h := range hs {
		h(s)
	}
}

func (c *Client) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) OnMessage(h transport.MessageHandler) {
	c.mu.Lock()
	c.msgHandlers = append(c.msgHandlers, h)
	held := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, msg := range held {
		h(msg)
	}
}

func (c *Client) OnStateChange(h transport.StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateHandlers = append(c.stateHandlers, h)
}

// Send writes one text frame. The hop budget is forced to zero on the
// wire toward the rendezvous.
func (c *Client) Send(msg *message.Message) error {
	if c.State() != transport.StateOpen {
		return transport.ErrNotOpen
	}

	wire := msg.Clone()
	wire.TTL = 0

	frame, err := message.Encode(wire)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// The session-descriptor half of the transport capability has no meaning
// toward the rendezvous; the peer core never invokes it for the signal
// entry.

func (c *Client) CreateChannel() {}

func (c *Client) CreateOffer(cb func(string, error)) {
	cb("", errSignalingUnsupported)
}

func (c *Client) CreateAnswer(_ string, cb func(string, error)) {
	cb("", errSignalingUnsupported)
}

func (c *Client) SetRemoteDescription(_ string, _ func(), fail func(error)) {
	if fail != nil {
		fail(errSignalingUnsupported)
	}
}

func (c *Client) AddICECandidate(_ message.ICECandidate, _ func(), fail func(error)) {
	if fail != nil {
		fail(errSignalingUnsupported)
	}
}

func (c *Client) Close() error {
	c.setState(transport.StateClosed)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
