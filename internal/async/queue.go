// Package async runs fire-and-forget work on a bounded queue. Handler
// failures are logged and never reach the submitter.
package async

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls queue buffering behavior.
type Config struct {
	Name       string
	BufferSize int
	Workers    int
	// DropIfFull makes Submit return false instead of blocking when the
	// buffer is full.
	DropIfFull bool
	// Timeout bounds each handler call. Zero means no bound.
	Timeout time.Duration
}

// Handler processes one task.
type Handler[T any] func(ctx context.Context, task T) error

// Queue forwards submitted tasks to a handler on background workers.
type Queue[T any] struct {
	cfg       Config
	handle    Handler[T]
	log       *zap.Logger
	ch        chan T
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	failed    atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// New starts the workers. A nil logger is replaced with a no-op logger.
func New[T any](cfg Config, handle Handler[T], log *zap.Logger) *Queue[T] {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}

	q := &Queue[T]{
		cfg:    cfg,
		handle: handle,
		log:    log.With(zap.String("queue", cfg.Name)),
		ch:     make(chan T, cfg.BufferSize),
		done:   make(chan struct{}),
	}

	q.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go q.run()
	}
	return q
}

func (q *Queue[T]) run() {
	defer q.wg.Done()

	for {
		select {
		case task := <-q.ch:
			q.process(task)
		case <-q.done:
			for {
				select {
				case task := <-q.ch:
					q.process(task)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue[T]) process(task T) {
	ctx := context.Background()
	if q.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			q.failed.Add(1)
			q.log.Error("async handler panicked", zap.Any("panic", r))
		}
	}()

	if err := q.handle(ctx, task); err != nil {
		q.failed.Add(1)
		q.log.Warn("async handler failed", zap.Error(err))
	}
}

// Submit enqueues task and reports whether it was accepted. It never waits
// for the handler.
func (q *Queue[T]) Submit(ctx context.Context, task T) bool {
	if q == nil || q.closed.Load() {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if q.cfg.DropIfFull {
		select {
		case q.ch <- task:
			return true
		case <-q.done:
			return false
		default:
			q.dropped.Add(1)
			q.log.Warn("async queue full, task dropped")
			return false
		}
	}

	select {
	case q.ch <- task:
		return true
	case <-ctx.Done():
		return false
	case <-q.done:
		return false
	}
}

// Close stops accepting tasks and drains the buffer.
func (q *Queue[T]) Close() {
	if q == nil {
		return
	}
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		close(q.done)
		q.wg.Wait()
	})
}

func (q *Queue[T]) Dropped() uint64 {
	if q == nil {
		return 0
	}
	return q.dropped.Load()
}

func (q *Queue[T]) Failed() uint64 {
	if q == nil {
		return 0
	}
	return q.failed.Load()
}
