package gossip

import (
	"context"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Hquestion/Paradone/internal/message"
	"github.com/Hquestion/Paradone/internal/utils"
)

type Options struct {
	ViewSize int
	Interval time.Duration
	Logger   *logrus.Logger
	Rand     func(n int) int
}

// Engine is the gossip worker. It owns the view and runs on its own
// goroutine; the peer core talks to it exclusively through Forward (in)
// and Out (outbound Message records, including gossip:view-update).
type Engine struct {
	viewSize int
	interval time.Duration
	log      *logrus.Logger
	randFn   func(n int) int

	in  chan *message.Message
	out chan *message.Message

	// Owned by the run loop.
	selfID     string
	self       Descriptor
	view       []Descriptor
	bandwidths []float64

	maxConns atomic.Int64
}

func New(opts Options) *Engine {
	if opts.ViewSize == 0 {
		opts.ViewSize = 10
	}
	if opts.Interval == 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Rand == nil {
		opts.Rand = rand.Intn
	}

	e := &Engine{
		viewSize: opts.ViewSize,
		interval: opts.Interval,
		log:      opts.Logger,
		randFn:   opts.Rand,
		in:       make(chan *message.Message, 64),
		out:      make(chan *message.Message, 64),
		self:     NewDescriptor(""),
	}
	e.maxConns.Store(1)
	return e
}

// Forward hands a message to the worker. Drops when the worker is
// saturated rather than blocking the peer core.
func (e *Engine) Forward(msg *message.Message) {
	select {
	case e.in <- msg:
	default:
		e.log.Warnf("gossip worker saturated, dropping %s", msg.Type)
	}
}

// Out is the stream of records the worker wants delivered: overlay
// messages to send, and gossip:view-update snapshots for the core.
func (e *Engine) Out() <-chan *message.Message {
	return e.out
}

// MaxConnections is the heavy-admission cap derived from view size and
// relative bandwidth. Safe from any goroutine.
func (e *Engine) MaxConnections() int {
	return int(e.maxConns.Load())
}

// Run processes inbound messages and exchange ticks until ctx ends.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-e.in:
			e.handle(msg)
		case <-ticker.C:
			e.exchange()
		}
	}
}

func (e *Engine) handle(msg *message.Message) {
	switch msg.Type {
	case message.TypeFirstView:
		var fv FirstView
		if err := msg.DecodeData(&fv); err != nil {
			e.log.Warnf("gossip: undecodable first-view: %v", err)
			return
		}
		e.selfID = fv.ID
		e.self["id"] = fv.ID
		e.mergeView(fv.View)

	case message.TypeGossipRequestExchange:
		var slice ViewSlice
		if err := msg.DecodeData(&slice); err != nil {
			e.log.Warnf("gossip: undecodable exchange request: %v", err)
			return
		}
		reply := &message.Message{
			Type:      message.TypeGossipAnswerRequest,
			To:        msg.From,
			ForwardBy: []string{},
			Route:     append([]string(nil), msg.ForwardBy...),
			Data:      message.MustData(ViewSlice{View: e.halfView()}),
		}
		e.emit(reply)
		e.mergeView(slice.View)

	case message.TypeGossipAnswerRequest:
		var slice ViewSlice
		if err := msg.DecodeData(&slice); err != nil {
			e.log.Warnf("gossip: undecodable exchange answer: %v", err)
			return
		}
		e.mergeView(slice.View)

	case message.TypeGossipDescriptorUpdate:
		var patch message.DescriptorPatch
		if err := msg.DecodeData(&patch); err != nil {
			e.log.Warnf("gossip: undecodable descriptor patch: %v", err)
			return
		}
		e.self.Set(patch.Path, patch.Value)
		e.recomputeMaxConnections()

	case message.TypeGossipBandwidth:
		var sample struct {
			Bandwidth float64 `json:"bandwidth"`
		}
		if err := msg.DecodeData(&sample); err != nil {
			e.log.Warnf("gossip: undecodable bandwidth sample: %v", err)
			return
		}
		e.bandwidths = append(e.bandwidths, sample.Bandwidth)
		e.self.Set([]string{"media", "bandwidth"}, utils.Mean(e.bandwidths))
		e.recomputeMaxConnections()

	default:
		e.log.Debugf("gossip: ignoring %s", msg.Type)
	}
}

// exchange sends a shuffled half-view to one random view member.
func (e *Engine) exchange() {
	if len(e.view) == 0 {
		return
	}

	for _, d := range e.view {
		d.SetAge(d.Age() + 1)
	}

	target := e.view[e.randFn(len(e.view))].ID()
	if target == "" || target == e.selfID {
		return
	}

	req := &message.Message{
		Type:      message.TypeGossipRequestExchange,
		To:        target,
		ForwardBy: []string{},
		Data:      message.MustData(ViewSlice{View: e.halfView()}),
	}
	e.emit(req)
}

// halfView is a shuffled half of the view plus our own fresh descriptor.
func (e *Engine) halfView() []Descriptor {
	shuffled := utils.Shuffle(e.view, e.randFn)
	n := (len(shuffled) + 1) / 2
	out := make([]Descriptor, 0, n+1)

	self := e.self.Clone()
	self["id"] = e.selfID
	self.SetAge(0)
	out = append(out, self)

	for _, d := range shuffled[:n] {
		out = append(out, d.Clone())
	}
	return out
}

// mergeView folds a received slice into the view: youngest descriptor
// wins per id, the oldest entries fall off past the size bound.
func (e *Engine) mergeView(incoming []Descriptor) {
	if len(incoming) == 0 {
		return
	}

	byID := make(map[string]Descriptor, len(e.view)+len(incoming))
	for _, d := range e.view {
		if id := d.ID(); id != "" {
			byID[id] = d
		}
	}
	for _, d := range incoming {
		id := d.ID()
		if id == "" || id == e.selfID {
			continue
		}
		held, ok := byID[id]
		if !ok || d.Age() < held.Age() {
			byID[id] = d
		}
	}

	merged := make([]Descriptor, 0, len(byID))
	for _, d := range byID {
		merged = append(merged, d)
	}
	merged = utils.ShallowSort(func(a, b Descriptor) bool {
		return a.Age() < b.Age()
	}, merged)
	if len(merged) > e.viewSize {
		merged = merged[:e.viewSize]
	}
	e.view = merged

	e.recomputeMaxConnections()
	e.publishView()
}

// publishView emits a gossip:view-update snapshot for the peer core.
func (e *Engine) publishView() {
	snapshot := make([]Descriptor, 0, len(e.view))
	for _, d := range e.view {
		snapshot = append(snapshot, d.Clone())
	}
	e.emit(&message.Message{
		Type:      message.TypeGossipViewUpdate,
		To:        e.selfID,
		ForwardBy: []string{},
		Data:      message.MustData(ViewSlice{View: snapshot}),
	})
}

// recomputeMaxConnections applies the admission formula: the log-scaled
// view size, scaled by our bandwidth relative to the view's mean when at
// least one neighbor advertises bandwidth.
func (e *Engine) recomputeMaxConnections() {
	base := math.Ceil(math.Log(float64(len(e.view) + 1)))
	if base < 1 {
		base = 1
	}

	var neighborBW []float64
	for _, d := range e.view {
		if bw := d.Bandwidth(); bw > 0 {
			neighborBW = append(neighborBW, bw)
		}
	}

	limit := base
	if len(neighborBW) > 0 {
		viewMean := utils.Mean(neighborBW)
		if selfBW := e.self.Bandwidth(); selfBW > 0 && viewMean > 0 {
			limit = math.Ceil(base * selfBW / viewMean)
		}
	}
	if limit < 1 {
		limit = 1
	}
	e.maxConns.Store(int64(limit))
}

func (e *Engine) emit(msg *message.Message) {
	select {
	case e.out <- msg:
	default:
		e.log.Warnf("gossip out channel saturated, dropping %s", msg.Type)
	}
}
