package gossip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hquestion/Paradone/internal/logger"
	"github.com/Hquestion/Paradone/internal/message"
	"github.com/Hquestion/Paradone/internal/peer"
	"github.com/Hquestion/Paradone/internal/transport"
)

type fakeTransport struct {
	state transport.State
	sent  []*message.Message
}

func (f *fakeTransport) Send(msg *message.Message) error {
	if f.state != transport.StateOpen {
		return transport.ErrNotOpen
	}
	f.sent = append(f.sent, msg.Clone())
	return nil
}

func (f *fakeTransport) State() transport.State                 { return f.state }
func (f *fakeTransport) OnMessage(transport.MessageHandler)     {}
func (f *fakeTransport) OnStateChange(transport.StateHandler)   {}
func (f *fakeTransport) CreateChannel()                         {}
func (f *fakeTransport) CreateOffer(cb func(string, error))     { cb("", nil) }
func (f *fakeTransport) CreateAnswer(string, func(string, error)) {
}
func (f *fakeTransport) SetRemoteDescription(string, func(), func(error)) {}
func (f *fakeTransport) AddICECandidate(message.ICECandidate, func(), func(error)) {
}
func (f *fakeTransport) Close() error { f.state = transport.StateClosed; return nil }

func (f *fakeTransport) weightReplies() []string {
	var out []string
	for _, m := range f.sent {
		if m.Type != message.TypeGossipWeight {
			continue
		}
		var w message.Weight
		if err := m.DecodeData(&w); err == nil {
			out = append(out, w.Value)
		}
	}
	return out
}

func weightMsg(from, to, value string) *message.Message {
	return message.NewWeight(from, to, 3, value)
}

// weightTestPeer wires a core with gossip installed and one open
// connection per given remote.
func weightTestPeer(t *testing.T, e *Engine, remotes ...string) (*peer.Peer, map[string]*fakeTransport) {
	t.Helper()
	log := logger.NewNop()
	p := peer.New(peer.Options{Logger: log})
	p.Use(Extension(e, log))

	p.Receive(&message.Message{
		Type:      message.TypeFirstView,
		From:      message.SignalID,
		To:        "A",
		ForwardBy: []string{},
		Data:      message.MustData(map[string]any{"id": "A"}),
	})
	require.Equal(t, "A", p.ID())

	conns := make(map[string]*fakeTransport, len(remotes))
	for _, r := range remotes {
		ft := &fakeTransport{state: transport.StateOpen}
		p.AddConnection(r, ft)
		conns[r] = ft
	}
	return p, conns
}

func TestHeavyAdmissionGranted(t *testing.T) {
	e := newTestEngine(10) // cap defaults to 1
	p, conns := weightTestPeer(t, e, "B")

	p.Receive(weightMsg("B", "A", message.WeightRequestHeavy))

	assert.Equal(t, []string{message.WeightAckHeavy}, conns["B"].weightReplies())
	assert.Equal(t, peer.Heavy, p.Connection("B").Weight.Incoming)
	assert.Equal(t, 1, p.HeavyCount())
}

func TestHeavyAdmissionDeniedAtCap(t *testing.T) {
	e := newTestEngine(10)
	p, conns := weightTestPeer(t, e, "B", "C")

	p.Receive(weightMsg("B", "A", message.WeightRequestHeavy))
	require.Equal(t, 1, p.HeavyCount())

	// Cap is 1: the second requester is refused and stays light.
	p.Receive(weightMsg("C", "A", message.WeightRequestHeavy))

	assert.Equal(t, []string{message.WeightNoackHeavy}, conns["C"].weightReplies())
	assert.Equal(t, peer.Light, p.Connection("C").Weight.Incoming)
	assert.Equal(t, 1, p.HeavyCount())
}

func TestWeightDowngrade(t *testing.T) {
	e := newTestEngine(10)
	p, conns := weightTestPeer(t, e, "B")

	p.Receive(weightMsg("B", "A", message.WeightRequestHeavy))
	p.Receive(weightMsg("B", "A", message.WeightRequestLight))

	assert.Equal(t,
		[]string{message.WeightAckHeavy, message.WeightAckLight},
		conns["B"].weightReplies())
	assert.Equal(t, peer.Light, p.Connection("B").Weight.Incoming)
	assert.Equal(t, 0, p.HeavyCount())
}

func TestWeightAcksUpdateOutgoing(t *testing.T) {
	e := newTestEngine(10)
	p, _ := weightTestPeer(t, e, "B")

	p.Receive(weightMsg("B", "A", message.WeightAckHeavy))
	assert.Equal(t, peer.Heavy, p.Connection("B").Weight.Outgoing)

	p.Receive(weightMsg("B", "A", message.WeightAckLight))
	assert.Equal(t, peer.Light, p.Connection("B").Weight.Outgoing)
}

func TestNoackIsNoop(t *testing.T) {
	e := newTestEngine(10)
	p, _ := weightTestPeer(t, e, "B")

	p.Receive(weightMsg("B", "A", message.WeightNoackHeavy))
	w := p.Connection("B").Weight
	assert.Equal(t, peer.Light, w.Incoming)
	assert.Equal(t, peer.Light, w.Outgoing)
}
