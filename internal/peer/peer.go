// Package peer implements the overlay node core: the connection table,
// the outbound queue, message routing and the pairwise session handshake.
package peer

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Hquestion/Paradone/internal/emitter"
	"github.com/Hquestion/Paradone/internal/message"
	"github.com/Hquestion/Paradone/internal/metrics"
	"github.com/Hquestion/Paradone/internal/transport"
	"github.com/Hquestion/Paradone/internal/utils"
)

var (
	ErrUnknownDestination = errors.New("peer: no route, no neighbors, no rendezvous")
)

// HeavyPolicy is installed by an extension that wants some message types
// admission-controlled. The router feature-tests it.
type HeavyPolicy interface {
	IsHeavy(msg *message.Message) bool
}

// GossipControl is installed when gossip is configured.
type GossipControl interface {
	// MaxConnections is the admission cap for heavy incoming connections.
	MaxConnections() int
}

// Extension installs handlers, policies or fields on the core.
type Extension func(*Peer)

// SignalDialer (re)establishes the rendezvous channel.
type SignalDialer func() (transport.Transport, error)

type Options struct {
	TTL           int
	QueueTimeout  time.Duration
	IdleThreshold time.Duration
	Dialer        transport.Dialer
	SignalDialer  SignalDialer
	Logger        *logrus.Logger
	Metrics       *metrics.Metrics
	// OnIDAssigned fires when the rendezvous hands out our id.
	OnIDAssigned func(id string)

	// Overridable in tests.
	Now  func() time.Time
	Rand func(n int) int
}

// Peer owns the connection table, the pending-candidate buffer and the
// outbound queue, and routes every message the node sends or relays.
type Peer struct {
	emitter *emitter.Emitter
	dialer  transport.Dialer
	sigDial SignalDialer
	log     *logrus.Logger
	met     *metrics.Metrics

	ttl           int
	queueTimeout  time.Duration
	idleThreshold time.Duration
	now           func() time.Time
	randFn        func(n int) int
	onIDAssigned  func(id string)

	mu         sync.Mutex
	id         string
	conns      map[string]*Conn
	candidates map[string][]message.ICECandidate
	queue      []*QueuedMessage
	view       []map[string]any
	redialing  bool

	heavy     HeavyPolicy
	gossipCtl GossipControl

	done chan struct{}
}

func New(opts Options) *Peer {
	if opts.TTL == 0 {
		opts.TTL = 3
	}
	if opts.QueueTimeout == 0 {
		opts.QueueTimeout = time.Second
	}
	if opts.IdleThreshold == 0 {
		opts.IdleThreshold = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Intn
	}

	p := &Peer{
		emitter:       emitter.New(opts.Logger),
		dialer:        opts.Dialer,
		sigDial:       opts.SignalDialer,
		log:           opts.Logger,
		met:           opts.Metrics,
		ttl:           opts.TTL,
		queueTimeout:  opts.QueueTimeout,
		idleThreshold: opts.IdleThreshold,
		now:           opts.Now,
		randFn:        opts.Rand,
		onIDAssigned:  opts.OnIDAssigned,
		conns:         make(map[string]*Conn),
		candidates:    make(map[string][]message.ICECandidate),
		done:          make(chan struct{}),
	}

	p.registerHandshakeHandlers()
	return p
}

func (p *Peer) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

func (p *Peer) TTL() int { return p.ttl }

// On registers a message handler; handlers run in registration order.
func (p *Peer) On(msgType string, h emitter.Handler) {
	p.emitter.On(msgType, h)
}

// Use runs each extension against the core.
func (p *Peer) Use(exts ...Extension) {
	for _, ext := range exts {
		ext(p)
	}
}

func (p *Peer) SetHeavyPolicy(h HeavyPolicy) { p.heavy = h }

func (p *Peer) SetGossipControl(g GossipControl) { p.gossipCtl = g }

// SetView replaces the cached gossip view snapshot.
func (p *Peer) SetView(view []map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.view = view
}

// View returns the cached gossip view snapshot.
func (p *Peer) View() []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]map[string]any(nil), p.view...)
}

// AddConnection registers an already-established adapter under the
// remote's id, draining any candidates buffered for it.
func (p *Peer) AddConnection(remote string, t transport.Transport) {
	p.installConn(remote, t)
}

// AttachSignal installs the rendezvous channel under the reserved key.
func (p *Peer) AttachSignal(t transport.Transport) {
	t.OnMessage(p.Receive)

	p.mu.Lock()
	p.conns[message.SignalID] = &Conn{
		Remote:       message.SignalID,
		Transport:    t,
		LastActivity: p.now(),
	}
	p.mu.Unlock()
}

// Start runs queue and connection maintenance until ctx is cancelled.
func (p *Peer) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.queueTimeout)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(p.done)
				return
			case <-ticker.C:
				p.maintain()
			}
		}
	}()
}

// Receive is the inbound entry point wired to every transport. Messages
// addressed to this node (or to any peer) are dispatched; everything else
// is relayed while hop budget remains.
func (p *Peer) Receive(msg *message.Message) {
	p.touch(msg.From)

	p.mu.Lock()
	self := p.id
	p.mu.Unlock()

	// Until the rendezvous assigns an id, everything is for us.
	if self == "" {
		p.emitter.Dispatch(msg)
		return
	}

	switch msg.To {
	case self:
		p.emitter.Dispatch(msg)
	case message.AnyPeer:
		p.emitter.Dispatch(msg)
		p.Forward(msg)
	default:
		p.Forward(msg)
	}
}

// Send is the primary egress. Messages addressed to this node loop back
// through the dispatcher.
func (p *Peer) Send(msg *message.Message) error {
	return p.SendTimeout(msg, 0, nil)
}

// SendTimeout sends with an expiry: if the message is still queued after
// timeout, onTimeout fires once and the entry is dropped.
func (p *Peer) SendTimeout(msg *message.Message, timeout time.Duration, onTimeout func()) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	self := p.id
	p.mu.Unlock()

	if msg.To == self && self != "" {
		p.emitter.Dispatch(msg)
		return nil
	}

	q := &QueuedMessage{
		Msg:       msg,
		Enqueued:  p.now(),
		Timeout:   timeout,
		OnTimeout: onTimeout,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.processMessageLocked(q, p.enqueueLocked)
	p.updateGaugesLocked()
	return nil
}

// RequestPeer solicits a new session. to may be message.AnyPeer.
func (p *Peer) RequestPeer(to string, timeout time.Duration, onTimeout func()) error {
	p.mu.Lock()
	self := p.id
	p.mu.Unlock()
	return p.SendTimeout(message.NewRequestPeer(self, to, p.ttl), timeout, onTimeout)
}

// RespondTo builds the reply to original from a partial message and sends
// it. The original's forward list seeds the reverse path.
func (p *Peer) RespondTo(original *message.Message, partial *message.Message) error {
	reply := partial.Clone()
	p.mu.Lock()
	reply.From = p.id
	p.mu.Unlock()
	reply.To = original.From
	reply.TTL = p.ttl
	reply.ForwardBy = []string{}
	reply.Route = append([]string(nil), original.ForwardBy...)
	return p.Send(reply)
}

// Forward relays a message on behalf of another node: one ttl decrement,
// self appended to the forward list, then the normal egress. Messages out
// of hop budget are dropped.
func (p *Peer) Forward(msg *message.Message) {
	if msg.TTL <= 0 {
		p.log.Debugf("dropping %s for %s: ttl exhausted", msg.Type, msg.To)
		return
	}

	m := msg.Clone()
	m.TTL--
	p.mu.Lock()
	m.ForwardBy = append(m.ForwardBy, p.id)
	p.mu.Unlock()

	if err := p.Send(m); err != nil {
		p.log.Warnf("failed to forward %s toward %s: %v", m.Type, m.To, err)
	}
}

// Broadcast floods msg over every open connection whose remote has not
// already relayed it. Reports whether at least one copy left the node.
func (p *Peer) Broadcast(msg *message.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.broadcastLocked(msg)
}

func (p *Peer) broadcastLocked(msg *message.Message) bool {
	excluded := make(map[string]bool, len(msg.ForwardBy)+1)
	for _, id := range msg.ForwardBy {
		excluded[id] = true
	}
	excluded[msg.From] = true

	sent := 0
	for remote, conn := range p.conns {
		if remote == message.SignalID || excluded[remote] || !conn.open() {
			continue
		}
		if err := p.sendOverLocked(conn, msg); err != nil {
			p.log.Warnf("broadcast to %s failed: %v", remote, err)
			continue
		}
		sent++
	}
	if sent > 0 {
		return true
	}

	// Only the origin falls back to the rendezvous relay.
	if msg.From != p.id {
		return false
	}

	sig, ok := p.conns[message.SignalID]
	if !ok {
		return false
	}
	switch sig.Transport.State() {
	case transport.StateOpen:
		if err := p.sendOverLocked(sig, msg); err != nil {
			p.log.Warnf("rendezvous send failed: %v", err)
			return false
		}
		return true
	case transport.StateClosing, transport.StateClosed:
		p.redialSignalLocked()
		return false
	default: // connecting
		return false
	}
}

// processMessageLocked implements the routing decision for one queued
// entry. Entries that cannot leave now are handed to requeue.
func (p *Peer) processMessageLocked(q *QueuedMessage, requeue func(*QueuedMessage)) {
	msg := q.Msg

	// Heavy-admission path: bulk traffic only flows over connections the
	// remote has upgraded.
	if p.heavy != nil && p.heavy.IsHeavy(msg) &&
		msg.To != message.SignalID && msg.To != message.SourceID {
		conn, ok := p.conns[msg.To]
		if !ok || !conn.open() || conn.Weight.Outgoing != Heavy {
			p.sendWeightRequestLocked(msg.To)
			requeue(q)
			return
		}
		if err := p.sendOverLocked(conn, msg); err != nil {
			p.log.Warnf("heavy send to %s failed: %v", msg.To, err)
			requeue(q)
		}
		return
	}

	// Direct neighbor.
	if conn, ok := p.conns[msg.To]; ok && conn.open() {
		if err := p.sendOverLocked(conn, msg); err != nil {
			p.log.Warnf("send to %s failed: %v", msg.To, err)
			p.requeueLocked(q, requeue)
		}
		return
	}

	// Reverse-path hint: consume the head of the suggested route.
	if len(msg.Route) > 0 {
		if conn, ok := p.conns[msg.Route[0]]; ok && conn.open() {
			hop := msg.Clone()
			hop.Route = hop.Route[1:]
			if err := p.sendOverLocked(conn, hop); err != nil {
				p.log.Warnf("route hop via %s failed: %v", msg.Route[0], err)
				p.requeueLocked(q, requeue)
			}
			return
		}
	}

	// TTL-bounded flood for the handshake types.
	if message.Forwardable(msg.Type) {
		if p.broadcastLocked(msg) {
			return
		}
	}

	p.requeueLocked(q, requeue)
}

// requeueLocked applies the re-queue policy of the routing table.
func (p *Peer) requeueLocked(q *QueuedMessage, requeue func(*QueuedMessage)) {
	msg := q.Msg

	if msg.To == message.SignalID || msg.To == message.SourceID {
		requeue(q)
		return
	}

	if msg.Type == message.TypeRequestPeer {
		for _, held := range p.queue {
			if held.Msg.Type == message.TypeRequestPeer &&
				held.Msg.From == msg.From && held.Msg.To == msg.To {
				return
			}
		}
		requeue(q)
		return
	}

	requeue(q)
	// Solicit a session so the entry can drain on a later tick.
	rp := &QueuedMessage{
		Msg:      message.NewRequestPeer(p.id, msg.To, p.ttl),
		Enqueued: p.now(),
	}
	p.processMessageLocked(rp, p.enqueueLocked)
}

func (p *Peer) sendWeightRequestLocked(to string) {
	w := &QueuedMessage{
		Msg:      message.NewWeight(p.id, to, p.ttl, message.WeightRequestHeavy),
		Enqueued: p.now(),
	}
	p.processMessageLocked(w, p.enqueueLocked)
}

func (p *Peer) enqueueLocked(q *QueuedMessage) {
	p.queue = append(p.queue, q)
}

func (p *Peer) sendOverLocked(conn *Conn, msg *message.Message) error {
	if err := conn.Transport.Send(msg); err != nil {
		return err
	}
	conn.LastActivity = p.now()
	if p.met != nil {
		p.met.MessagesSent.WithLabelValues(msg.Type).Inc()
	}
	return nil
}

// QueueLen reports the outbound queue depth.
func (p *Peer) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Neighbors returns the ids of open connections, rendezvous excluded.
func (p *Peer) Neighbors() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.conns))
	for remote, conn := range p.conns {
		if remote != message.SignalID && conn.open() {
			out = append(out, remote)
		}
	}
	return out
}

// RandomNeighbor picks one open neighbor uniformly, or "".
func (p *Peer) RandomNeighbor() string {
	ns := p.Neighbors()
	if len(ns) == 0 {
		return ""
	}
	return utils.Shuffle(ns, p.randFn)[0]
}

// Connection returns the table entry for remote, or nil.
func (p *Peer) Connection(remote string) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[remote]
}

// SetConnWeight mutates a direction of a connection's weight. Used by the
// gossip weight protocol.
func (p *Peer) SetConnWeight(remote string, incoming bool, w Weight) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[remote]
	if !ok {
		return
	}
	if incoming {
		conn.Weight.Incoming = w
	} else {
		conn.Weight.Outgoing = w
	}
	p.updateGaugesLocked()
}

// HeavyCount is the number of connections whose incoming weight is heavy.
func (p *Peer) HeavyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heavyCountLocked()
}

func (p *Peer) heavyCountLocked() int {
	n := 0
	for remote, conn := range p.conns {
		if remote != message.SignalID && conn.Weight.Incoming == Heavy {
			n++
		}
	}
	return n
}

func (p *Peer) touch(remote string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[remote]; ok {
		conn.LastActivity = p.now()
	}
}

// maintain sweeps the queue and the connection table once.
func (p *Peer) maintain() {
	now := p.now()

	p.mu.Lock()
	held := p.queue
	p.queue = nil

	var fired []func()
	for _, q := range held {
		if q.expired(now) {
			if q.OnTimeout != nil {
				fired = append(fired, q.OnTimeout)
			}
			continue
		}
		p.processMessageLocked(q, p.enqueueLocked)
	}

	for remote, conn := range p.conns {
		if remote == message.SignalID {
			continue
		}
		switch conn.Transport.State() {
		case transport.StateOpen:
			if now.Sub(conn.LastActivity) > p.idleThreshold {
				p.log.Infof("closing idle connection to %s", remote)
				_ = conn.Transport.Close()
			}
		case transport.StateClosed:
			delete(p.conns, remote)
		}
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	for _, f := range fired {
		f()
	}
}

// onConnected resends queued traffic for a remote whose channel opened.
func (p *Peer) onConnected(remote string) {
	p.mu.Lock()
	var kept, matching []*QueuedMessage
	for _, q := range p.queue {
		if q.Msg.To == remote {
			matching = append(matching, q)
		} else {
			kept = append(kept, q)
		}
	}
	p.queue = kept
	for _, q := range matching {
		p.processMessageLocked(q, p.enqueueLocked)
	}
	p.updateGaugesLocked()
	self := p.id
	p.mu.Unlock()

	p.emitter.Dispatch(&message.Message{
		Type:      message.TypeConnected,
		From:      remote,
		To:        self,
		ForwardBy: []string{},
	})
}

func (p *Peer) redialSignalLocked() {
	if p.sigDial == nil || p.redialing {
		return
	}
	p.redialing = true
	go func() {
		t, err := p.sigDial()
		p.mu.Lock()
		p.redialing = false
		p.mu.Unlock()
		if err != nil {
			p.log.Warnf("rendezvous redial failed: %v", err)
			return
		}
		p.AttachSignal(t)
	}()
}

func (p *Peer) updateGaugesLocked() {
	if p.met == nil {
		return
	}
	open := 0
	for remote, conn := range p.conns {
		if remote != message.SignalID && conn.open() {
			open++
		}
	}
	p.met.OpenConnections.Set(float64(open))
	p.met.HeavyConnections.Set(float64(p.heavyCountLocked()))
	p.met.QueueDepth.Set(float64(len(p.queue)))
}
