// Package notify delivers committed registry events to external collaborators.
//
// The Dispatcher is the Notifier handed to the gateway: Notify only enqueues,
// and a background worker fans each event out to every sink concurrently.
// Delivery is best effort. A full queue drops the event and a failing sink is
// logged; neither is ever reported back to the submitter.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/peerproof/referral-registry/interfaces"
	"github.com/peerproof/referral-registry/metrics"
)

const (
	DefaultQueueSize   = 1024
	DefaultSinkTimeout = 10 * time.Second
)

var ErrDispatcherClosed = errors.New("notification dispatcher closed")

type Dispatcher struct {
	sinks       []interfaces.Notifier
	queue       chan interfaces.Notification
	sinkTimeout time.Duration
	log         *slog.Logger
	metrics     *metrics.RegistryMetrics

	mu      sync.RWMutex
	closed  bool
	started sync.Once
	done    chan struct{}
}

type DispatcherOption func(*Dispatcher)

func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan interfaces.Notification, n)
		}
	}
}

func WithSinkTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.sinkTimeout = timeout }
}

func WithMetrics(m *metrics.RegistryMetrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func NewDispatcher(log *slog.Logger, sinks []interfaces.Notifier, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sinks:       sinks,
		queue:       make(chan interfaces.Notification, DefaultQueueSize),
		sinkTimeout: DefaultSinkTimeout,
		log:         log,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the delivery worker. It returns immediately; the worker runs
// until Close is called, draining whatever is still queued.
func (d *Dispatcher) Start(ctx context.Context) {
	d.started.Do(func() {
		go d.run(context.WithoutCancel(ctx))
	})
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for n := range d.queue {
		d.deliver(ctx, n)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n interfaces.Notification) {
	ctx, cancel := context.WithTimeout(ctx, d.sinkTimeout)
	defer cancel()

	var g errgroup.Group
	for _, sink := range d.sinks {
		g.Go(func() error {
			err := sink.Notify(ctx, n)
			d.metrics.IncDelivered(sink.Name(), err)
			if err != nil {
				d.log.Warn("notification delivery failed", "err", err, "sink", sink.Name(), "kind", n.Kind, "id", n.RecordID)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Notify enqueues n without blocking. When the queue is full the event is dropped.
func (d *Dispatcher) Notify(_ context.Context, n interfaces.Notification) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- n:
	default:
		d.metrics.IncDropped()
		d.log.Warn("notification queue full, dropping event", "kind", n.Kind, "id", n.RecordID)
	}
	return nil
}

func (d *Dispatcher) Name() string {
	return "dispatcher"
}

// Close stops accepting events and waits for queued ones to be delivered or ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	// Without a worker nothing will drain the queue.
	d.started.Do(func() { close(d.done) })

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ interfaces.Notifier = (*Dispatcher)(nil)
