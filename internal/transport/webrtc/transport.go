// Package webrtc implements the overlay transport over pion WebRTC
// datachannels.
package webrtc

import (
	"fmt"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/Hquestion/Paradone/internal/message"
	"github.com/Hquestion/Paradone/internal/transport"
)

// CandidateFunc receives locally gathered ICE candidates. The peer core
// relays them to the remote over the overlay itself.
type CandidateFunc func(remote string, cand message.ICECandidate)

type Dialer struct {
	config      webrtc.Configuration
	onCandidate CandidateFunc
	log         *logrus.Logger
}

// NewDialer builds a dialer using the given STUN servers.
func NewDialer(stunServers []string, onCandidate CandidateFunc, log *logrus.Logger) *Dialer {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, server := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{server}})
	}

	return &Dialer{
		config: webrtc.Configuration{
			ICEServers:         iceServers,
			ICETransportPolicy: webrtc.ICETransportPolicyAll,
		},
		onCandidate: onCandidate,
		log:         log,
	}
}

// Dial creates a new connection toward remote. The datagram channel is
// not created until CreateChannel (offering side) or the remote's channel
// arrives (answering side).
func (d *Dialer) Dial(remote string) (transport.Transport, error) {
	pc, err := webrtc.NewPeerConnection(d.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	c := newConn(remote, pc, d.log)

	pc.OnICECandidate(func(ice *webrtc.ICECandidate) {
		if ice == nil || d.onCandidate == nil {
			return
		}
		j := ice.ToJSON()
		cand := message.ICECandidate{Candidate: j.Candidate}
		if j.SDPMid != nil {
			cand.SDPMid = *j.SDPMid
		}
		if j.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *j.SDPMLineIndex
		}
		d.onCandidate(remote, cand)
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.setupDataChannel(dc)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		d.log.Debugf("peer connection %s state: %s", remote, s)
		switch s {
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			c.setState(transport.StateClosed)
		}
	})

	return c, nil
}
