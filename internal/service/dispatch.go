package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	notifyQueueSize = 1024
	notifyTimeout   = 10 * time.Second
)

type notifyJob struct {
	ctx  context.Context
	name string
	fn   func(context.Context) error
}

// dispatcher hands lifecycle events to the Notifier on one goroutine, in
// submission order, so slow brokers never hold up callers.
type dispatcher struct {
	mu     sync.Mutex
	closed bool
	queue  chan notifyJob
	done   chan struct{}
	log    *zap.SugaredLogger
}

func newDispatcher(log *zap.SugaredLogger) *dispatcher {
	d := &dispatcher{
		queue: make(chan notifyJob, notifyQueueSize),
		done:  make(chan struct{}),
		log:   log,
	}
	go d.run()
	return d
}

func (d *dispatcher) run() {
	defer close(d.done)
	for job := range d.queue {
		ctx, cancel := context.WithTimeout(job.ctx, notifyTimeout)
		if err := job.fn(ctx); err != nil {
			d.log.Warnw("notify", "event", job.name, "err", err)
		}
		cancel()
	}
}

// submit never blocks; a full queue drops the event.
func (d *dispatcher) submit(ctx context.Context, name string, fn func(context.Context) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.log.Warnw("notify after close", "event", name)
		return
	}
	select {
	case d.queue <- notifyJob{ctx: context.WithoutCancel(ctx), name: name, fn: fn}:
	default:
		d.log.Warnw("notify queue full, event dropped", "event", name)
	}
}

// close stops intake and waits for queued events to be delivered.
func (d *dispatcher) close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
}
