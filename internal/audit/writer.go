package audit

import (
	"context"
	"sync"
	"time"

	"condohub.io/internal/auth"
	"condohub.io/internal/obs"
)

const (
	defaultQueueSize    = 1024
	defaultWriteTimeout = 5 * time.Second
)

type pending struct {
	ctx context.Context
	ev  auth.AuthEvent
}

// Writer persists auth events asynchronously. Record never blocks: when the
// queue is full or the writer is closed the event is dropped and counted.
type Writer struct {
	store        auth.AuthEventStore
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan pending
	done   chan struct{}
}

// WriterOption configures Writer.
type WriterOption func(*Writer)

// WithQueueSize bounds the number of buffered events.
func WithQueueSize(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.queue = make(chan pending, n)
		}
	}
}

// WithWriteTimeout bounds each store append.
func WithWriteTimeout(d time.Duration) WriterOption {
	return func(w *Writer) {
		if d > 0 {
			w.writeTimeout = d
		}
	}
}

// NewWriter starts a writer appending to store.
func NewWriter(store auth.AuthEventStore, opts ...WriterOption) *Writer {
	w := &Writer{
		store:        store,
		writeTimeout: defaultWriteTimeout,
		queue:        make(chan pending, defaultQueueSize),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.run()
	return w
}

// Record enqueues ev. It implements auth.EventRecorder.
func (w *Writer) Record(ctx context.Context, ev auth.AuthEvent) {
	obs.ObserveAuthEvent(ev.Event, ev.Success)

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.drop(ctx, ev, "writer closed")
		return
	}
	select {
	case w.queue <- pending{ctx: context.WithoutCancel(ctx), ev: ev}:
	default:
		w.drop(ctx, ev, "queue full")
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to end.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for p := range w.queue {
		w.write(p)
	}
}

func (w *Writer) write(p pending) {
	ctx, cancel := context.WithTimeout(p.ctx, w.writeTimeout)
	defer cancel()
	if err := w.store.Append(ctx, p.ev); err != nil {
		obs.ObserveAuditDropped()
		obs.Logger().WarnContext(ctx, "audit: append auth event failed",
			"event", p.ev.Event,
			"user_id", p.ev.UserID,
			"error", err.Error(),
		)
	}
}

func (w *Writer) drop(ctx context.Context, ev auth.AuthEvent, reason string) {
	obs.ObserveAuditDropped()
	obs.Logger().WarnContext(ctx, "audit: auth event dropped",
		"event", ev.Event,
		"user_id", ev.UserID,
		"reason", reason,
	)
}
