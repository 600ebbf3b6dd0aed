package output

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MikeSquared-Agency/aegis/internal/model"
)

const (
	defaultBufferSize   = 256
	defaultDrainTimeout = 5 * time.Second
)

// ErrClosed is returned by writes to a closed sink.
var ErrClosed = errors.New("sink closed")

// AsyncOption configures an Async sink.
type AsyncOption func(*Async)

// WithBufferSize sets the channel buffer capacity.
func WithBufferSize(n int) AsyncOption {
	return func(a *Async) { a.bufSize = n }
}

// WithOnError sets the callback invoked when the inner sink fails.
func WithOnError(f func(error)) AsyncOption {
	return func(a *Async) { a.errFunc = f }
}

// WithDropOnFull makes Write drop the alert instead of blocking when the
// buffer is full. Use for slow, non-authoritative sinks such as chat posts.
func WithDropOnFull() AsyncOption {
	return func(a *Async) { a.dropOnFull = true }
}

// Async decouples the emitter from a slow sink with a buffered channel
// drained by a background goroutine.
type Async struct {
	inner      Sink
	ch         chan model.Alert
	done       chan struct{}
	errFunc    func(error)
	bufSize    int
	dropOnFull bool
	dropped    atomic.Uint64
	closeOnce  sync.Once

	mu     sync.RWMutex // held for reading while sending on ch
	closed bool
}

// NewAsync wraps inner and starts draining immediately.
func NewAsync(inner Sink, opts ...AsyncOption) *Async {
	a := &Async{
		inner:   inner,
		bufSize: defaultBufferSize,
		errFunc: func(err error) { slog.Warn("async sink write error", "error", err) },
	}
	for _, opt := range opts {
		opt(a)
	}
	a.ch = make(chan model.Alert, a.bufSize)
	a.done = make(chan struct{})
	go a.drain()
	return a
}

// Write queues alert. After Close it returns ErrClosed.
func (a *Async) Write(ctx context.Context, alert model.Alert) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	if a.dropOnFull {
		select {
		case a.ch <- alert:
		default:
			a.dropped.Add(1)
			slog.Warn("async sink buffer full, dropping alert", "alert_id", alert.ID, "rule", alert.RuleID)
		}
		return nil
	}
	select {
	case a.ch <- alert:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns how many alerts were dropped on a full buffer.
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Close stops accepting alerts, waits for the buffer to drain (bounded), then
// closes the inner sink.
func (a *Async) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()

		select {
		case <-a.done:
		case <-time.After(defaultDrainTimeout):
			slog.Warn("async sink drain timed out")
		}
		err = a.inner.Close()
	})
	return err
}

func (a *Async) drain() {
	defer close(a.done)
	for alert := range a.ch {
		if err := a.inner.Write(context.Background(), alert); err != nil {
			a.errFunc(err)
		}
	}
}
