package peer

import (
	"github.com/Hquestion/Paradone/internal/message"
	"github.com/Hquestion/Paradone/internal/transport"
)

// The pairwise session bring-up runs over the overlay itself: a
// request-peer solicits an offer, the offer is answered, and candidates
// trickle as icecandidate messages, buffered until the adapter exists.

func (p *Peer) registerHandshakeHandlers() {
	p.On(message.TypeRequestPeer, p.handleRequestPeer)
	p.On(message.TypeOffer, p.handleOffer)
	p.On(message.TypeAnswer, p.handleAnswer)
	p.On(message.TypeICECandidate, p.handleICECandidate)
	p.On(message.TypeFirstView, p.handleFirstView)
	p.On(message.TypeConnected, func(msg *message.Message) {
		p.log.Debugf("channel to %s open", msg.From)
	})
}

// installConn registers a freshly dialed adapter in the connection table
// and hands back any candidates buffered for the remote. The buffer entry
// is consumed so a remote never has both a connection and pending
// candidates.
func (p *Peer) installConn(remote string, t transport.Transport) []message.ICECandidate {
	t.OnMessage(p.Receive)
	t.OnStateChange(func(s transport.State) {
		if s == transport.StateOpen {
			p.touch(remote)
			p.onConnected(remote)
		}
	})

	p.mu.Lock()
	defer p.mu.Unlock()

	p.conns[remote] = &Conn{
		Remote:       remote,
		Transport:    t,
		LastActivity: p.now(),
	}
	pending := p.candidates[remote]
	delete(p.candidates, remote)
	return pending
}

func (p *Peer) handleRequestPeer(msg *message.Message) {
	p.mu.Lock()
	self := p.id
	conn, exists := p.conns[msg.From]
	p.mu.Unlock()

	if msg.From == self || msg.From == "" {
		return
	}
	if exists && conn.Transport.State() != transport.StateClosed {
		p.log.Debugf("request-peer from %s ignored, session already live", msg.From)
		return
	}
	if p.dialer == nil {
		p.log.Warnf("cannot open session toward %s: no dialer configured", msg.From)
		return
	}

	t, err := p.dialer.Dial(msg.From)
	if err != nil {
		p.log.Errorf("failed to dial %s: %v", msg.From, err)
		return
	}
	p.installConn(msg.From, t)
	t.CreateChannel()

	original := msg.Clone()
	t.CreateOffer(func(sdp string, err error) {
		if err != nil {
			p.log.Errorf("offer creation for %s failed: %v", original.From, err)
			return
		}
		reply := &message.Message{
			Type: message.TypeOffer,
			Data: message.MustData(message.SDP{SDP: sdp}),
		}
		if err := p.RespondTo(original, reply); err != nil {
			p.log.Warnf("failed to send offer to %s: %v", original.From, err)
		}
	})
}

func (p *Peer) handleOffer(msg *message.Message) {
	var sdp message.SDP
	if err := msg.DecodeData(&sdp); err != nil {
		p.log.Warnf("undecodable offer from %s: %v", msg.From, err)
		return
	}

	p.mu.Lock()
	conn, exists := p.conns[msg.From]
	p.mu.Unlock()
	if exists && conn.Transport.State() == transport.StateOpen {
		p.log.Debugf("offer from %s ignored, channel already open", msg.From)
		return
	}
	if p.dialer == nil {
		p.log.Warnf("cannot answer %s: no dialer configured", msg.From)
		return
	}

	t, err := p.dialer.Dial(msg.From)
	if err != nil {
		p.log.Errorf("failed to dial %s: %v", msg.From, err)
		return
	}
	pending := p.installConn(msg.From, t)

	original := msg.Clone()
	t.CreateAnswer(sdp.SDP, func(answer string, err error) {
		if err != nil {
			p.log.Errorf("answer creation for %s failed: %v", original.From, err)
			return
		}
		reply := &message.Message{
			Type: message.TypeAnswer,
			Data: message.MustData(message.SDP{SDP: answer}),
		}
		if err := p.RespondTo(original, reply); err != nil {
			p.log.Warnf("failed to send answer to %s: %v", original.From, err)
		}

		// Candidates that arrived before the offer apply now that the
		// remote descriptor is in place.
		for _, cand := range pending {
			t.AddICECandidate(cand, nil, func(err error) {
				p.log.Warnf("buffered candidate for %s rejected: %v", original.From, err)
			})
		}
	})
}

func (p *Peer) handleAnswer(msg *message.Message) {
	p.mu.Lock()
	conn, exists := p.conns[msg.From]
	p.mu.Unlock()

	if !exists || conn.Transport.State() != transport.StateConnecting {
		p.log.Errorf("assertion failed: answer from %s but no session in connecting state", msg.From)
		return
	}

	var sdp message.SDP
	if err := msg.DecodeData(&sdp); err != nil {
		p.log.Warnf("undecodable answer from %s: %v", msg.From, err)
		return
	}

	conn.Transport.SetRemoteDescription(sdp.SDP, nil, func(err error) {
		p.log.Errorf("remote description from %s rejected: %v", msg.From, err)
	})
}

func (p *Peer) handleICECandidate(msg *message.Message) {
	var cand message.ICECandidate
	if err := msg.DecodeData(&cand); err != nil {
		p.log.Warnf("undecodable candidate from %s: %v", msg.From, err)
		return
	}

	p.mu.Lock()
	conn, exists := p.conns[msg.From]
	if !exists {
		p.candidates[msg.From] = append(p.candidates[msg.From], cand)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	conn.Transport.AddICECandidate(cand, nil, func(err error) {
		p.log.Warnf("candidate from %s rejected: %v", msg.From, err)
	})
}

// firstView is the bootstrap payload from the rendezvous.
type firstView struct {
	ID string `json:"id"`
}

func (p *Peer) handleFirstView(msg *message.Message) {
	var fv firstView
	if err := msg.DecodeData(&fv); err != nil {
		p.log.Warnf("undecodable first-view: %v", err)
		return
	}
	if fv.ID == "" {
		p.log.Warnf("first-view carried no id")
		return
	}

	p.mu.Lock()
	p.id = fv.ID
	p.mu.Unlock()

	p.log.Infof("rendezvous assigned id %s", fv.ID)
	if p.onIDAssigned != nil {
		p.onIDAssigned(fv.ID)
	}
}
