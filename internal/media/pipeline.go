package media

import (
	"context"

	"github.com/sirupsen/logrus"
)

// pipeline serializes appends into the playback sink: one buffer at a
// time, each waiting for the previous to complete. Callers hand in a
// completion callback instead of blocking.
type pipeline struct {
	sink PlaybackSink
	log  *logrus.Logger
	ch   chan pendingAppend
}

type pendingAppend struct {
	buf  []byte
	done func(error)
}

func newPipeline(sink PlaybackSink, log *logrus.Logger) *pipeline {
	return &pipeline{
		sink: sink,
		log:  log,
		ch:   make(chan pendingAppend, 256),
	}
}

// submit queues one buffer. Submission order is append order.
func (pl *pipeline) submit(buf []byte, done func(error)) {
	pl.ch <- pendingAppend{buf: buf, done: done}
}

func (pl *pipeline) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pending := <-pl.ch:
			var err error
			if pl.sink != nil {
				err = pl.sink.Append(ctx, pending.buf)
			}
			if pending.done != nil {
				pending.done(err)
			}
		}
	}
}
