package media

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Hquestion/Paradone/internal/message"
	"github.com/Hquestion/Paradone/internal/metrics"
	"github.com/Hquestion/Paradone/internal/peer"
)

// Wire payloads of the media extension.

type InfoPayload struct {
	Meta  *SegmentIndex `json:"meta"`
	Parts []int         `json:"parts"`
}

type RequestPartPayload struct {
	Number int `json:"number"`
}

type PartPayload struct {
	Number string `json:"number"` // "p" or "p:c:n"
	Data   []byte `json:"data"`
}

type AvailablePayload struct {
	Number int `json:"number"`
}

// heavyPolicy admission-controls bulk part transfers.
type heavyPolicy struct{}

func (heavyPolicy) IsHeavy(msg *message.Message) bool {
	return msg.Type == message.TypeMediaPart
}

type ExtensionOptions struct {
	Manager     *Manager
	Source      *Source // nil when the node has no origin fallback
	ChunkSize   int
	Parallelism int
	Interval    time.Duration
	Logger      *logrus.Logger
	Metrics     *metrics.Metrics
}

// MediaExtension drives the segment exchange on top of the core routing:
// it answers index and part requests, reassembles inbound parts, and
// schedules downloads of the missing ones.
type MediaExtension struct {
	mgr       *Manager
	source    *Source
	chunkSize int
	parallel  int
	interval  time.Duration
	log       *logrus.Logger
	met       *metrics.Metrics

	p *peer.Peer

	mu          sync.Mutex
	inflight    map[int]time.Time // part -> request time
	headFetched bool
}

func NewExtension(opts ExtensionOptions) *MediaExtension {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 16 * 1024
	}
	if opts.Parallelism == 0 {
		opts.Parallelism = 3
	}
	if opts.Interval == 0 {
		opts.Interval = 500 * time.Millisecond
	}
	return &MediaExtension{
		mgr:       opts.Manager,
		source:    opts.Source,
		chunkSize: opts.ChunkSize,
		parallel:  opts.Parallelism,
		interval:  opts.Interval,
		log:       opts.Logger,
		met:       opts.Metrics,
		inflight:  make(map[int]time.Time),
	}
}

// Extension installs the media handlers and the heavy policy on the core.
func (e *MediaExtension) Extension() peer.Extension {
	return func(p *peer.Peer) {
		e.p = p
		p.SetHeavyPolicy(heavyPolicy{})

		p.On(message.TypeMediaRequestInfo, e.handleRequestInfo)
		p.On(message.TypeMediaInfo, e.handleInfo)
		p.On(message.TypeMediaRequestPart, e.handleRequestPart)
		p.On(message.TypeMediaPart, e.handlePart)
		p.On(message.TypeMediaAvailable, e.handleAvailable)

		// Introduce ourselves to every fresh neighbor.
		p.On(message.TypeConnected, func(msg *message.Message) {
			e.requestInfoFrom(msg.From)
		})

		e.mgr.OnPartAdded(func(number int) {
			e.advertise(number)
			if e.met != nil {
				e.met.PartsAdded.Inc()
				e.met.BytesAppended.Add(float64(approxPartSize(e.mgr, number)))
			}
		})
	}
}

// Run drives the download scheduler until ctx ends.
func (e *MediaExtension) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *MediaExtension) tick(ctx context.Context) {
	if e.mgr.Metadata() == nil {
		// No index yet: ask a neighbor for it.
		if n := e.p.RandomNeighbor(); n != "" {
			e.requestInfoFrom(n)
		}
		return
	}

	e.ensureHead(ctx)
	e.retryStalled()

	capacity := e.parallel - e.inflightCount()
	if capacity <= 0 {
		return
	}

	for _, a := range e.mgr.NextPartsToDownload(capacity) {
		if err := e.mgr.MarkPending(a.Part); err != nil {
			continue
		}
		e.request(ctx, a.Part, a.Peer)
	}
}

func (e *MediaExtension) request(ctx context.Context, part int, peerID string) {
	e.mu.Lock()
	e.inflight[part] = time.Now()
	e.mu.Unlock()

	if peerID == message.SourceID {
		e.fetchFromSource(ctx, part)
		return
	}

	req := &message.Message{
		Type:      message.TypeMediaRequestPart,
		From:      e.p.ID(),
		To:        peerID,
		TTL:       e.p.TTL(),
		ForwardBy: []string{},
		Data:      message.MustData(RequestPartPayload{Number: part}),
	}
	if err := e.p.Send(req); err != nil {
		e.log.Warnf("part %d request to %s failed: %v", part, peerID, err)
	}
}

// fetchFromSource pulls one part from the origin in the background.
func (e *MediaExtension) fetchFromSource(ctx context.Context, part int) {
	if e.source == nil {
		e.log.Debugf("part %d has no provider and no origin is configured", part)
		return
	}

	byteRange, err := e.mgr.RangeOfPart(part)
	if err != nil {
		e.log.Warnf("range of part %d: %v", part, err)
		return
	}

	go func() {
		started := time.Now()
		data, err := e.source.FetchRange(ctx, byteRange)
		if err != nil {
			e.log.Warnf("origin fetch of part %d failed: %v", part, err)
			return
		}
		e.sampleBandwidth(len(data), time.Since(started))
		if err := e.mgr.Append(itoa(part), data); err != nil {
			e.log.Warnf("append of origin part %d failed: %v", part, err)
		}
		e.settle(part)
	}()
}

// ensureHead fetches the codec init bytes from the origin once. A
// resumed node already has them in its output.
func (e *MediaExtension) ensureHead(ctx context.Context) {
	if e.mgr.HeadScheduled() {
		return
	}
	e.mu.Lock()
	if e.headFetched {
		e.mu.Unlock()
		return
	}
	e.headFetched = true
	e.mu.Unlock()

	if e.source == nil {
		return
	}
	byteRange, err := e.mgr.RangeOfHead()
	if err != nil {
		return
	}

	go func() {
		data, err := e.source.FetchRange(ctx, byteRange)
		if err != nil {
			e.log.Warnf("origin fetch of head failed: %v", err)
			e.mu.Lock()
			e.headFetched = false
			e.mu.Unlock()
			return
		}
		e.mgr.AppendHead(data)
	}()
}

// retryStalled re-requests pending parts whose transfer went quiet.
func (e *MediaExtension) retryStalled() {
	const stallAfter = 10 * time.Second

	e.mu.Lock()
	var stalled []int
	for part, at := range e.inflight {
		if time.Since(at) > stallAfter {
			stalled = append(stalled, part)
			e.inflight[part] = time.Now()
		}
	}
	e.mu.Unlock()

	for _, part := range stalled {
		peerID := e.mgr.PickPeerFor(part)
		e.log.Debugf("part %d stalled, retrying via %s", part, peerID)
		e.request(context.Background(), part, peerID)
	}
}

func (e *MediaExtension) inflightCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

func (e *MediaExtension) settle(part int) {
	e.mu.Lock()
	delete(e.inflight, part)
	e.mu.Unlock()
}

func (e *MediaExtension) requestInfoFrom(remote string) {
	if remote == "" || remote == message.SignalID {
		return
	}
	msg := &message.Message{
		Type:      message.TypeMediaRequestInfo,
		From:      e.p.ID(),
		To:        remote,
		TTL:       e.p.TTL(),
		ForwardBy: []string{},
	}
	if err := e.p.Send(msg); err != nil {
		e.log.Debugf("info request to %s failed: %v", remote, err)
	}
}

func (e *MediaExtension) advertise(number int) {
	msg := &message.Message{
		Type:      message.TypeMediaAvailable,
		From:      e.p.ID(),
		To:        message.AnyPeer,
		TTL:       e.p.TTL(),
		ForwardBy: []string{},
		Data:      message.MustData(AvailablePayload{Number: number}),
	}
	e.p.Broadcast(msg)
}

func (e *MediaExtension) sampleBandwidth(bytes int, elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	self := e.p.ID()
	if self == "" {
		return
	}
	sample := &message.Message{
		Type:      message.TypeGossipBandwidth,
		From:      self,
		To:        self,
		ForwardBy: []string{},
		Data: message.MustData(map[string]float64{
			"bandwidth": float64(bytes) / elapsed.Seconds(),
		}),
	}
	if err := e.p.Send(sample); err != nil {
		e.log.Debugf("bandwidth sample dropped: %v", err)
	}
}

func (e *MediaExtension) handleRequestInfo(msg *message.Message) {
	meta := e.mgr.Metadata()
	if meta == nil {
		return
	}
	reply := &message.Message{
		Type: message.TypeMediaInfo,
		Data: message.MustData(InfoPayload{Meta: meta, Parts: e.mgr.AvailableParts()}),
	}
	if err := e.p.RespondTo(msg, reply); err != nil {
		e.log.Warnf("info reply to %s failed: %v", msg.From, err)
	}
}

func (e *MediaExtension) handleInfo(msg *message.Message) {
	var info InfoPayload
	if err := msg.DecodeData(&info); err != nil {
		e.log.Warnf("undecodable media info from %s: %v", msg.From, err)
		return
	}
	if info.Meta != nil {
		if err := e.mgr.SetMetadata(info.Meta); err != nil {
			e.log.Warnf("segment index from %s rejected: %v", msg.From, err)
		}
	}
	e.mgr.SetRemoteParts(msg.From, info.Parts)
}

func (e *MediaExtension) handleRequestPart(msg *message.Message) {
	var req RequestPartPayload
	if err := msg.DecodeData(&req); err != nil {
		e.log.Warnf("undecodable part request from %s: %v", msg.From, err)
		return
	}

	chunks, err := e.mgr.ChunkedPart(e.chunkSize, req.Number)
	if err != nil {
		e.log.Debugf("cannot serve part %d to %s: %v", req.Number, msg.From, err)
		return
	}

	if len(chunks) == 1 {
		e.sendPart(msg, PartPayload{Number: itoa(req.Number), Data: chunks[0]})
		return
	}
	for i, chunk := range chunks {
		e.sendPart(msg, PartPayload{
			Number: partChunkSpec(req.Number, i, len(chunks)),
			Data:   chunk,
		})
	}
}

func (e *MediaExtension) sendPart(original *message.Message, payload PartPayload) {
	reply := &message.Message{
		Type: message.TypeMediaPart,
		Data: message.MustData(payload),
	}
	if err := e.p.RespondTo(original, reply); err != nil {
		e.log.Warnf("part send to %s failed: %v", original.From, err)
	}
}

func (e *MediaExtension) handlePart(msg *message.Message) {
	var payload PartPayload
	if err := msg.DecodeData(&payload); err != nil {
		e.log.Warnf("undecodable part from %s: %v", msg.From, err)
		return
	}

	number, _, _, err := ParsePartSpec(payload.Number)
	if err != nil {
		e.log.Warnf("bad part spec from %s: %v", msg.From, err)
		return
	}

	e.mu.Lock()
	started, tracked := e.inflight[number]
	e.mu.Unlock()

	if err := e.mgr.Append(payload.Number, payload.Data); err != nil {
		e.log.Warnf("append of part %s from %s failed: %v", payload.Number, msg.From, err)
		return
	}

	if e.mgr.HasPart(number) {
		e.settle(number)
		if tracked {
			e.sampleBandwidth(approxPartSize(e.mgr, number), time.Since(started))
		}
	}
}

func (e *MediaExtension) handleAvailable(msg *message.Message) {
	var payload AvailablePayload
	if err := msg.DecodeData(&payload); err != nil {
		e.log.Warnf("undecodable advertisement from %s: %v", msg.From, err)
		return
	}
	e.mgr.AddRemotePart(msg.From, payload.Number)
}

func itoa(n int) string { return strconv.Itoa(n) }

func partChunkSpec(part, chunk, total int) string {
	return fmt.Sprintf("%d:%d:%d", part, chunk, total)
}

func approxPartSize(m *Manager, number int) int {
	chunks, err := m.ChunkedPart(1<<20, number)
	if err != nil {
		return 0
	}
	size := 0
	for _, c := range chunks {
		size += len(c)
	}
	return size
}
