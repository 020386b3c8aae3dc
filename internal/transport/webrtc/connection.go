package webrtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/Hquestion/Paradone/internal/message"
	"github.com/Hquestion/Paradone/internal/transport"
)

const channelLabel = "paradone"

type conn struct {
	remote string
	pc     *webrtc.PeerConnection
	log    *logrus.Logger

	mu            sync.Mutex
	dc            *webrtc.DataChannel
	state         transport.State
	msgHandlers   []transport.MessageHandler
	stateHandlers []transport.StateHandler
}

func newConn(remote string, pc *webrtc.PeerConnection, log *logrus.Logger) *conn {
	return &conn{
		remote: remote,
		pc:     pc,
		log:    log,
		state:  transport.StateConnecting,
	}
}

func (c *conn) setupDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.log.Debugf("data channel '%s'-'%d' open", dc.Label(), dc.ID())
		c.setState(transport.StateOpen)
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		m, err := message.Decode(msg.Data)
		if err != nil {
			c.log.Warnf("dropping undecodable frame from %s: %v", c.remote, err)
			return
		}
		c.mu.Lock()
		hs := append([]transport.MessageHandler(nil), c.msgHandlers...)
		c.mu.Unlock()
		for _, h := range hs {
			h(m)
		}
	})

	dc.OnError(func(err error) {
		c.log.Errorf("data channel error for %s: %v", c.remote, err)
	})

	dc.OnClose(func() {
		c.log.Debugf("data channel '%s'-'%d' closed", dc.Label(), dc.ID())
		c.setState(transport.StateClosed)
	})
}

// setState applies a transition and notifies observers. Regressions are
// ignored so out-of-order callbacks from pion cannot reopen a channel.
func (c *conn) setState(s transport.State) {
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

func (c *conn) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) OnMessage(h transport.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgHandlers = append(c.msgHandlers, h)
}

func (c *conn) OnStateChange(h transport.StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateHandlers = append(c.stateHandlers, h)
}

func (c *conn) Send(msg *message.Message) error {
	c.mu.Lock()
	dc := c.dc
	state := c.state
	c.mu.Unlock()

	if dc == nil || state != transport.StateOpen {
		return transport.ErrNotOpen
	}

	frame, err := message.Encode(msg)
	if err != nil {
		return err
	}
	return dc.Send(frame)
}

func (c *conn) CreateChannel() {
	ordered := true
	dc, err := c.pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		c.log.Errorf("failed to create data channel toward %s: %v", c.remote, err)
		return
	}
	c.setupDataChannel(dc)
}

func (c *conn) CreateOffer(cb func(sdp string, err error)) {
	go func() {
		offer, err := c.pc.CreateOffer(nil)
		if err != nil {
			cb("", fmt.Errorf("failed to create offer: %w", err))
			return
		}
		if err := c.pc.SetLocalDescription(offer); err != nil {
			cb("", fmt.Errorf("failed to set local description: %w", err))
			return
		}
		cb(offer.SDP, nil)
	}()
}

func (c *conn) CreateAnswer(remoteSDP string, cb func(sdp string, err error)) {
	go func() {
		offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remoteSDP}
		if err := c.pc.SetRemoteDescription(offer); err != nil {
			cb("", fmt.Errorf("failed to set remote description: %w", err))
			return
		}
		answer, err := c.pc.CreateAnswer(nil)
		if err != nil {
			cb("", fmt.Errorf("failed to create answer: %w", err))
			return
		}
		if err := c.pc.SetLocalDescription(answer); err != nil {
			cb("", fmt.Errorf("failed to set local description: %w", err))
			return
		}
		cb(answer.SDP, nil)
	}()
}

func (c *conn) SetRemoteDescription(sdp string, ok func(), fail func(error)) {
	go func() {
		desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
		if err := c.pc.SetRemoteDescription(desc); err != nil {
			if fail != nil {
				fail(fmt.Errorf("failed to set remote description: %w", err))
			}
			return
		}
		if ok != nil {
			ok()
		}
	}()
}

func (c *conn) AddICECandidate(cand message.ICECandidate, ok func(), fail func(error)) {
	go func() {
		mid := cand.SDPMid
		idx := cand.SDPMLineIndex
		err := c.pc.AddICECandidate(webrtc.ICECandidateInit{
			Candidate:     cand.Candidate,
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		})
		if err != nil {
			if fail != nil {
				fail(fmt.Errorf("failed to add ice candidate: %w", err))
			}
			return
		}
		if ok != nil {
			ok()
		}
	}()
}

func (c *conn) Close() error {
	c.setState(transport.StateClosed)

	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	return c.pc.Close()
}
