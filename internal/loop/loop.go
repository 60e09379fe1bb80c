// File: internal/loop/loop.go
// Package loop implements single-goroutine worker loops bound to an allocator.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Loop is one execution context in the allocator's sense: it owns a
// worker identity, is pinned to one arena through its Binding, and runs
// posted tasks strictly in order on a single goroutine.

package loop

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/momentics/hioload-mem/api"
	"github.com/momentics/hioload-mem/pool"
	"go.uber.org/zap"
)

// Task runs on the loop goroutine with the loop's allocation handle.
type Task func(b *pool.Binding)

var (
	ErrStopped   = api.NewError(api.ErrCodeClosed, "loop: not running")
	ErrInboxFull = api.NewError(api.ErrCodeResourceExhausted, "loop: inbox full")
)

// Options tune a loop.
type Options struct {
	QueueSize int // inbox capacity, rounded to a power of two
	BatchSize int // tasks drained per wakeup
	CPU       int // CPU to pin the loop thread to; -1 disables pinning
	Logger    *zap.Logger
}

// DefaultOptions returns the loop defaults.
func DefaultOptions() Options {
	return Options{QueueSize: 1024, BatchSize: 16, CPU: -1}
}

// Loop executes tasks for one worker.
type Loop struct {
	id     api.WorkerID
	alloc  *pool.Allocator
	opts   Options
	logger *zap.Logger

	inbox   *Queue[Task]
	wake    chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
	binding atomic.Pointer[pool.Binding]

	started   atomic.Bool
	running   atomic.Bool
	stopOnce  sync.Once
	processed atomic.Int64
	panics    atomic.Int64
}

// New creates a stopped loop with a fresh worker identity.
func New(alloc *pool.Allocator, opts Options) *Loop {
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	id := api.WorkerID(uuid.NewString())
	return &Loop{
		id:     id,
		alloc:  alloc,
		opts:   opts,
		logger: opts.Logger.With(zap.Stringer("worker", id)),
		inbox:  NewQueue[Task](opts.QueueSize),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// ID returns the worker identity.
func (l *Loop) ID() api.WorkerID { return l.id }

// Binding returns the allocation handle, or nil before Start.
func (l *Loop) Binding() *pool.Binding { return l.binding.Load() }

// Pending returns the approximate number of queued tasks.
func (l *Loop) Pending() int { return l.inbox.Len() }

// Processed returns the number of tasks executed.
func (l *Loop) Processed() int64 { return l.processed.Load() }

// Start binds the worker to an arena and launches the loop goroutine.
// A loop can be started once.
func (l *Loop) Start() error {
	if !l.started.CompareAndSwap(false, true) {
		return api.NewError(api.ErrCodeIllegalArgument, "loop: already started")
	}
	l.running.Store(true)
	l.binding.Store(l.alloc.Bind(l.id))
	ready := make(chan error, 1)
	go l.run(ready)
	return <-ready
}

// Post enqueues task without waiting for it.
func (l *Loop) Post(task Task) error {
	if !l.running.Load() {
		return ErrStopped
	}
	if !l.inbox.Enqueue(task) {
		return ErrInboxFull
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Do runs task on the loop and waits for it to finish or ctx to expire.
func (l *Loop) Do(ctx context.Context, task Task) error {
	done := make(chan struct{})
	if err := l.Post(func(b *pool.Binding) {
		defer close(done)
		task(b)
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Stop drains queued tasks, unbinds the worker and waits for the loop to exit.
func (l *Loop) Stop() {
	if !l.running.Load() {
		return
	}
	l.stopOnce.Do(func() {
		l.running.Store(false)
		close(l.stopCh)
	})
	<-l.done
}

func (l *Loop) run(ready chan<- error) {
	defer close(l.done)
	defer runtime.UnlockOSThread()
	if err := pinCurrentThread(l.opts.CPU); err != nil {
		l.logger.Warn("loop: cpu pinning failed", zap.Int("cpu", l.opts.CPU), zap.Error(err))
	}
	ready <- nil
	l.logger.Debug("loop: started")

	b := l.binding.Load()
	for {
		if l.drain(b) > 0 {
			continue
		}
		select {
		case <-l.stopCh:
			// Posts racing with Stop may still land in the inbox.
			for l.drain(b) > 0 {
			}
			l.alloc.Unbind(l.id)
			l.logger.Debug("loop: stopped", zap.Int64("processed", l.processed.Load()))
			return
		case <-l.wake:
		}
	}
}

// drain executes up to one batch of tasks.
func (l *Loop) drain(b *pool.Binding) int {
	n := 0
	for n < l.opts.BatchSize {
		task, ok := l.inbox.Dequeue()
		if !ok {
			break
		}
		l.exec(b, task)
		n++
	}
	return n
}

func (l *Loop) exec(b *pool.Binding, task Task) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			l.logger.Error("loop: task panicked", zap.Any("panic", r))
		}
	}()
	task(b)
	l.processed.Add(1)
}
