package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hquestion/Paradone/internal/logger"
	"github.com/Hquestion/Paradone/internal/message"
	"github.com/Hquestion/Paradone/internal/transport"
)

// fakeTransport is a scriptable in-memory channel.
type fakeTransport struct {
	remote        string
	state         transport.State
	sent          []*message.Message
	candidates    []message.ICECandidate
	remoteSDP     string
	channelOpened bool
	msgHandlers   []transport.MessageHandler
	stateHandlers []transport.StateHandler
}

func newFakeTransport(remote string, state transport.State) *fakeTransport {
	return &fakeTransport{remote: remote, state: state}
}

func (f *fakeTransport) Send(msg *message.Message) error {
	if f.state != transport.StateOpen {
		return transport.ErrNotOpen
	}
	f.sent = append(f.sent, msg.Clone())
	return nil
}

func (f *fakeTransport) State() transport.State { return f.state }

func (f *fakeTransport) OnMessage(h transport.MessageHandler) {
	f.msgHandlers = append(f.msgHandlers, h)
}

func (f *fakeTransport) OnStateChange(h transport.StateHandler) {
	f.stateHandlers = append(f.stateHandlers, h)
}

func (f *fakeTransport) setState(s transport.State) {
	f.state = s
	for _, h := range f.stateHandlers {
		h(s)
	}
}

func (f *fakeTransport) CreateChannel() { f.channelOpened = true }

func (f *fakeTransport) CreateOffer(cb func(string, error)) {
	cb("offer-sdp-"+f.remote, nil)
}

func (f *fakeTransport) CreateAnswer(remoteSDP string, cb func(string, error)) {
	f.remoteSDP = remoteSDP
	cb("answer-sdp-"+f.remote, nil)
}

func (f *fakeTransport) SetRemoteDescription(sdp string, ok func(), _ func(error)) {
	f.remoteSDP = sdp
	if ok != nil {
		ok()
	}
}

func (f *fakeTransport) AddICECandidate(cand message.ICECandidate, ok func(), _ func(error)) {
	f.candidates = append(f.candidates, cand)
	if ok != nil {
		ok()
	}
}

func (f *fakeTransport) Close() error {
	f.state = transport.StateClosed
	return nil
}

func (f *fakeTransport) sentOfType(t string) []*message.Message {
	var out []*message.Message
	for _, m := range f.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeDialer struct {
	dialed map[string]*fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(map[string]*fakeTransport)}
}

func (d *fakeDialer) Dial(remote string) (transport.Transport, error) {
	t := newFakeTransport(remote, transport.StateConnecting)
	d.dialed[remote] = t
	return t, nil
}

// testPeer builds a core with id "A" and a controllable clock.
func testPeer(t *testing.T) (*Peer, *fakeDialer, *time.Time) {
	t.Helper()
	now := time.Now()
	dialer := newFakeDialer()
	p := New(Options{
		Dialer: dialer,
		Logger: logger.NewNop(),
		Now:    func() time.Time { return now },
	})
	p.Receive(&message.Message{
		Type:      message.TypeFirstView,
		From:      message.SignalID,
		To:        "A",
		ForwardBy: []string{},
		Data:      message.MustData(map[string]any{"id": "A"}),
	})
	require.Equal(t, "A", p.ID())
	return p, dialer, &now
}

func (p *Peer) addOpenConn(remote string) *fakeTransport {
	ft := newFakeTransport(remote, transport.StateOpen)
	p.installConn(remote, ft)
	return ft
}

func TestSendToOpenNeighbor(t *testing.T) {
	p, _, _ := testPeer(t)
	ft := p.addOpenConn("B")

	err := p.Send(&message.Message{Type: "foo", From: "A", To: "B"})
	require.NoError(t, err)
	require.Len(t, ft.sent, 1)
	assert.Equal(t, "foo", ft.sent[0].Type)
	assert.Equal(t, 0, p.QueueLen())
}

func TestRelayViaRouteHint(t *testing.T) {
	p, _, _ := testPeer(t)
	ft := p.addOpenConn("B")

	err := p.Send(&message.Message{
		Type:      "foo",
		From:      "A",
		To:        "C",
		TTL:       2,
		ForwardBy: []string{},
		Route:     []string{"B"},
	})
	require.NoError(t, err)

	require.Len(t, ft.sent, 1)
	assert.Equal(t, "C", ft.sent[0].To)
	assert.Empty(t, ft.sent[0].Route, "route head must be consumed")
	assert.Equal(t, 0, p.QueueLen())
}

func TestHandshakeBuffersEarlyCandidates(t *testing.T) {
	p, dialer, _ := testPeer(t)
	sig := newFakeTransport(message.SignalID, transport.StateOpen)
	p.AttachSignal(sig)

	cand := message.ICECandidate{Candidate: "candidate:1"}
	p.Receive(&message.Message{
		Type:      message.TypeICECandidate,
		From:      "B",
		To:        "A",
		TTL:       3,
		ForwardBy: []string{},
		Data:      message.MustData(cand),
	})

	p.mu.Lock()
	require.Len(t, p.candidates["B"], 1)
	_, hasConn := p.conns["B"]
	p.mu.Unlock()
	require.False(t, hasConn, "candidate buffered, no connection yet")

	p.Receive(&message.Message{
		Type:      message.TypeOffer,
		From:      "B",
		To:        "A",
		TTL:       3,
		ForwardBy: []string{},
		Data:      message.MustData(message.SDP{SDP: "remote-offer"}),
	})

	bt := dialer.dialed["B"]
	require.NotNil(t, bt, "offer must create the adapter")
	assert.Equal(t, "remote-offer", bt.remoteSDP)
	require.Len(t, bt.candidates, 1)
	assert.Equal(t, "candidate:1", bt.candidates[0].Candidate)

	p.mu.Lock()
	_, buffered := p.candidates["B"]
	p.mu.Unlock()
	assert.False(t, buffered, "buffer must be drained on adapter creation")

	// The answer cannot ride the still-connecting channel; it falls back
	// to the rendezvous.
	answers := sig.sentOfType(message.TypeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "B", answers[0].To)
}

func TestForwardDecrementsTTLOnce(t *testing.T) {
	p, _, _ := testPeer(t)
	y := p.addOpenConn("Y")
	z := p.addOpenConn("Z")

	p.Receive(&message.Message{
		Type:      message.TypeRequestPeer,
		From:      "X",
		To:        message.AnyPeer,
		TTL:       1,
		ForwardBy: []string{"Y"},
	})

	require.Empty(t, y.sentOfType(message.TypeRequestPeer), "relayers are excluded")
	zCopies := z.sentOfType(message.TypeRequestPeer)
	require.Len(t, zCopies, 1, "exactly one copy leaves toward Z")
	assert.Equal(t, 0, zCopies[0].TTL)
	assert.Equal(t, []string{"Y", "A"}, zCopies[0].ForwardBy)
}

func TestTTLZeroIsNeverForwarded(t *testing.T) {
	p, _, _ := testPeer(t)
	z := p.addOpenConn("Z")

	p.Receive(&message.Message{
		Type:      message.TypeRequestPeer,
		From:      "X",
		To:        message.AnyPeer,
		TTL:       0,
		ForwardBy: []string{"Y"},
	})
	assert.Empty(t, z.sentOfType(message.TypeRequestPeer))
}

func TestBroadcastExcludesRelayersAndSender(t *testing.T) {
	p, _, _ := testPeer(t)
	b := p.addOpenConn("B")
	y := p.addOpenConn("Y")

	ok := p.Broadcast(&message.Message{
		Type:      message.TypeRequestPeer,
		From:      "X",
		To:        message.AnyPeer,
		TTL:       1,
		ForwardBy: []string{"Y"},
	})
	require.True(t, ok)
	assert.Len(t, b.sent, 1)
	assert.Empty(t, y.sent)
}

func TestBroadcastFallsBackToRendezvousForOwnMessages(t *testing.T) {
	p, _, _ := testPeer(t)
	sig := newFakeTransport(message.SignalID, transport.StateOpen)
	p.AttachSignal(sig)

	ok := p.Broadcast(message.NewRequestPeer("A", message.AnyPeer, 3))
	require.True(t, ok)
	assert.Len(t, sig.sent, 1)

	// Relayed traffic never falls back to the rendezvous.
	sig.sent = nil
	ok = p.Broadcast(message.NewRequestPeer("X", message.AnyPeer, 3))
	assert.False(t, ok)
	assert.Empty(t, sig.sent)
}

func TestQueueTimeoutFiresCallbackOnce(t *testing.T) {
	p, _, now := testPeer(t)

	fired := 0
	err := p.SendTimeout(
		&message.Message{Type: "foo", From: "A", To: "Q"},
		50*time.Millisecond,
		func() { fired++ },
	)
	require.NoError(t, err)
	// The entry plus the solicited request-peer sit in the queue.
	assert.Equal(t, 2, p.QueueLen())

	*now = now.Add(60 * time.Millisecond)
	p.maintain()
	assert.Equal(t, 1, fired)

	p.maintain()
	assert.Equal(t, 1, fired, "timeout callback fires exactly once")

	for _, q := range p.queue {
		assert.NotEqual(t, "foo", q.Msg.Type, "expired entry must be removed")
	}
}

func TestRequeueDeduplicatesRequestPeer(t *testing.T) {
	p, _, _ := testPeer(t)

	require.NoError(t, p.RequestPeer("Q", 0, nil))
	require.NoError(t, p.RequestPeer("Q", 0, nil))
	assert.Equal(t, 1, p.QueueLen(), "identical request-peer entries collapse")

	require.NoError(t, p.RequestPeer("R", 0, nil))
	assert.Equal(t, 2, p.QueueLen())
}

func TestUnroutableMessageSolicitsSession(t *testing.T) {
	p, _, _ := testPeer(t)

	require.NoError(t, p.Send(&message.Message{Type: "foo", From: "A", To: "Q"}))

	types := make(map[string]int)
	p.mu.Lock()
	for _, q := range p.queue {
		types[q.Msg.Type]++
	}
	p.mu.Unlock()
	assert.Equal(t, 1, types["foo"])
	assert.Equal(t, 1, types[message.TypeRequestPeer])
}

func TestSignalDestinationRequeuedAsIs(t *testing.T) {
	p, _, _ := testPeer(t)

	require.NoError(t, p.Send(&message.Message{Type: "foo", From: "A", To: message.SignalID}))
	assert.Equal(t, 1, p.QueueLen(), "no request-peer solicited for the rendezvous")
}

func TestChannelOpenFlushesQueuedTraffic(t *testing.T) {
	p, dialer, _ := testPeer(t)

	require.NoError(t, p.Send(&message.Message{Type: "foo", From: "A", To: "B"}))
	require.Equal(t, 2, p.QueueLen())

	// The solicited session toward B is established.
	p.Receive(&message.Message{
		Type:      message.TypeOffer,
		From:      "B",
		To:        "A",
		TTL:       3,
		ForwardBy: []string{},
		Data:      message.MustData(message.SDP{SDP: "offer"}),
	})
	bt := dialer.dialed["B"]
	require.NotNil(t, bt)

	bt.setState(transport.StateOpen)

	require.Len(t, bt.sentOfType("foo"), 1, "queued message drains on connect")
}

func TestLoopbackDispatch(t *testing.T) {
	p, _, _ := testPeer(t)

	var got *message.Message
	p.On("note", func(msg *message.Message) { got = msg })

	require.NoError(t, p.Send(&message.Message{Type: "note", From: "A", To: "A"}))
	require.NotNil(t, got)
	assert.Equal(t, "note", got.Type)
	assert.Equal(t, 0, p.QueueLen())
}

func TestRespondToSeedsReversePath(t *testing.T) {
	p, _, _ := testPeer(t)
	b := p.addOpenConn("B")

	original := &message.Message{
		Type:      "query",
		From:      "C",
		To:        "A",
		TTL:       2,
		ForwardBy: []string{"B"},
	}
	err := p.RespondTo(original, &message.Message{Type: "reply"})
	require.NoError(t, err)

	// The reply rides the reverse path through B.
	require.Len(t, b.sent, 1)
	sent := b.sent[0]
	assert.Equal(t, "reply", sent.Type)
	assert.Equal(t, "A", sent.From)
	assert.Equal(t, "C", sent.To)
	assert.Equal(t, p.TTL(), sent.TTL)
	assert.Empty(t, sent.ForwardBy)
	assert.Empty(t, sent.Route, "route head consumed on the way out")
}

func TestMaintenanceClosesIdleAndPurgesClosed(t *testing.T) {
	p, _, now := testPeer(t)
	idle := p.addOpenConn("B")
	closed := p.addOpenConn("C")
	closed.state = transport.StateClosed

	*now = now.Add(11 * time.Second)
	p.maintain()

	assert.Equal(t, transport.StateClosed, idle.state, "idle connection closed")
	assert.Nil(t, p.Connection("C"), "closed connection purged")

	p.maintain()
	assert.Nil(t, p.Connection("B"))
}

func TestAnswerWithoutConnectingSessionIsIgnored(t *testing.T) {
	p, _, _ := testPeer(t)

	// No session toward B exists; the answer must not create one.
	p.Receive(&message.Message{
		Type:      message.TypeAnswer,
		From:      "B",
		To:        "A",
		TTL:       3,
		ForwardBy: []string{},
		Data:      message.MustData(message.SDP{SDP: "answer"}),
	})
	assert.Nil(t, p.Connection("B"))
}

func TestRequestPeerCreatesSessionAndOffers(t *testing.T) {
	p, dialer, _ := testPeer(t)
	sig := newFakeTransport(message.SignalID, transport.StateOpen)
	p.AttachSignal(sig)

	p.Receive(&message.Message{
		Type:      message.TypeRequestPeer,
		From:      "B",
		To:        "A",
		TTL:       2,
		ForwardBy: []string{},
	})

	bt := dialer.dialed["B"]
	require.NotNil(t, bt)
	assert.True(t, bt.channelOpened, "offering side opens the channel")

	offers := sig.sentOfType(message.TypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "B", offers[0].To)
}

func TestInvalidMessageRejected(t *testing.T) {
	p, _, _ := testPeer(t)

	err := p.Send(&message.Message{Type: "foo", From: "A"})
	assert.ErrorIs(t, err, message.ErrInvalidMessage)

	err = p.Send(&message.Message{Type: message.TypeOffer, From: "A", To: "B", TTL: 1})
	assert.ErrorIs(t, err, message.ErrInvalidMessage, "handshake types need forward_by")
}
