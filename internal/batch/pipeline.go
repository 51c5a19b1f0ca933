// Package batch implements the bounded asynchronous pipeline that carries
// enqueued items to a caller-supplied handler. It is generic over the item
// type and has no knowledge of events or the wire format.
package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Logger is the slice of logging the pipeline needs.
type Logger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Handler receives one drained chunk per call. Errors are logged and
// swallowed: the transport below has already retried, so a failing chunk
// is dropped without blocking subsequent chunks.
type Handler[T any] func(ctx context.Context, batch []T) error

// Config sizes and paces a Pipeline.
type Config struct {
	// FlushAt is the queue depth that triggers a flush after an enqueue.
	FlushAt int
	// FlushInterval is the cadence of the periodic timer trigger.
	FlushInterval time.Duration
	// MaxBatchSize caps the number of items handed to the handler at once.
	MaxBatchSize int
	// MaxQueueSize bounds the queue; the oldest items are dropped when it
	// overflows. Producers never block.
	MaxQueueSize int

	Logger Logger

	// OnDropped and OnFlushed are optional instrumentation hooks.
	OnDropped func(n int)
	OnFlushed func(count int, d time.Duration, err error)
}

const (
	stateRunning int32 = iota
	stateClosing
	stateClosed
)

// Pipeline is a bounded FIFO with time-, size- and call-triggered
// flushing. All public methods are safe for concurrent use.
type Pipeline[T any] struct {
	cfg     Config
	handler Handler[T]

	mu    sync.Mutex
	queue []T

	// wake is the single-slot flush signal; arbitrarily many triggers in
	// quick succession collapse to at most one pending wakeup.
	wake chan struct{}

	// flushMu serializes flush bodies. The background loop uses TryLock so
	// coalesced wakeups never stack; explicit Flush blocks on it.
	flushMu sync.Mutex

	state     atomic.Int32
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds and starts a Pipeline. The two background loops (periodic
// timer, flush signal) run until Close.
func New[T any](cfg Config, handler Handler[T]) *Pipeline[T] {
	if cfg.FlushAt <= 0 {
		cfg.FlushAt = 20
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}

	p := &Pipeline[T]{
		cfg:     cfg,
		handler: handler,
		wake:    make(chan struct{}, 1),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.wg.Add(2)
	go p.signalLoop()
	go p.timerLoop()
	return p
}

// Enqueue appends item to the queue and reports acceptance. After Close
// begins, items are rejected. When the queue is full the oldest item is
// dropped to make room; the producer never blocks.
func (p *Pipeline[T]) Enqueue(item T) bool {
	if p.state.Load() != stateRunning {
		return false
	}

	p.mu.Lock()
	if len(p.queue) >= p.cfg.MaxQueueSize {
		p.cfg.Logger.Warnf("pulse: queue full (depth %d), dropping oldest item", len(p.queue))
		over := len(p.queue) - p.cfg.MaxQueueSize + 1
		p.queue = p.queue[over:]
		if p.cfg.OnDropped != nil {
			p.cfg.OnDropped(over)
		}
	}
	p.queue = append(p.queue, item)
	depth := len(p.queue)
	p.mu.Unlock()

	if depth >= p.cfg.FlushAt {
		p.signal()
	}
	return true
}

// Len returns the current queue depth.
func (p *Pipeline[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Flush drains the queue synchronously. It returns once every item present
// at call time has been handed to the handler.
func (p *Pipeline[T]) Flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()
	p.drain(ctx, true)
	return ctx.Err()
}

// Close stops the background loops and performs one final synchronous
// flush. It is idempotent; enqueues that begin after Close are rejected.
func (p *Pipeline[T]) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.state.Store(stateClosing)

		// Take the flush lock before cancelling: a background flush in
		// progress runs its handler under the loop context, and cancelling
		// mid-delivery would drop the chunk it already took. Holding the
		// lock through wg.Wait is safe because the loops only TryLock.
		p.flushMu.Lock()
		p.cancel()
		p.wg.Wait()
		p.drain(ctx, true)
		p.flushMu.Unlock()

		p.state.Store(stateClosed)
	})
	return nil
}

// signal coalesces flush triggers into the single-slot wake channel.
func (p *Pipeline[T]) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pipeline[T]) signalLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.wake:
			p.backgroundFlush()
		}
	}
}

func (p *Pipeline[T]) timerLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if p.Len() > 0 {
				p.signal()
			}
		}
	}
}

// backgroundFlush runs a flush unless one is already in progress; a busy
// guard means the in-flight flush will pick up the queued items anyway.
func (p *Pipeline[T]) backgroundFlush() {
	if !p.flushMu.TryLock() {
		return
	}
	defer p.flushMu.Unlock()
	p.drain(p.ctx, false)
}

// drain repeatedly takes chunks of up to MaxBatchSize from the head and
// hands them to the handler, stopping when the queue empties. Handler
// errors are logged and do not abort later chunks. Callers must hold
// flushMu, which guarantees at most one flush executes concurrently.
func (p *Pipeline[T]) drain(ctx context.Context, exhaustive bool) {
	for {
		chunk := p.take()
		if len(chunk) == 0 {
			return
		}

		start := time.Now()
		err := p.handler(ctx, chunk)
		if err != nil {
			p.cfg.Logger.Errorf("pulse: batch handler failed, dropping %d items: %v", len(chunk), err)
		}
		if p.cfg.OnFlushed != nil {
			p.cfg.OnFlushed(len(chunk), time.Since(start), err)
		}

		// A short chunk means the queue was emptied at drain time; leave
		// anything enqueued since for the next trigger unless the caller
		// asked for an exhaustive drain.
		if len(chunk) < p.cfg.MaxBatchSize && !exhaustive {
			return
		}
	}
}

func (p *Pipeline[T]) take() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.queue)
	if n == 0 {
		return nil
	}
	if n > p.cfg.MaxBatchSize {
		n = p.cfg.MaxBatchSize
	}
	chunk := make([]T, n)
	copy(chunk, p.queue[:n])
	p.queue = p.queue[n:]
	if len(p.queue) == 0 {
		// Reset the backing array so drained items become unreachable.
		p.queue = nil
	}
	return chunk
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}
