package host

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// ErrStopped is returned by Run when the loop was already stopped.
var ErrStopped = errors.New("host loop stopped")

const defaultQueueSize = 256

// Loop is a main execution context: tasks scheduled on it run one at a time,
// in order, on the goroutine calling Run.
type Loop struct {
	log   *slog.Logger
	tasks chan func()
	done  chan struct{}
	once  sync.Once

	workers sync.WaitGroup

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
}

// NewLoop creates a Loop. Tasks queue up until Run is called.
func NewLoop(log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		log:    log.With("component", "host"),
		tasks:  make(chan func(), defaultQueueSize),
		done:   make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Run executes main-context tasks until ctx is cancelled. Tasks already
// queued when ctx ends are dropped. Run may only be called once.
func (l *Loop) Run(ctx context.Context) error {
	select {
	case <-l.done:
		return ErrStopped
	default:
	}
	defer l.stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.tasks:
			l.run("main", fn)
		}
	}
}

// ScheduleOnMain queues fn for the main context. It blocks while the queue
// is full and drops fn once the loop has stopped.
func (l *Loop) ScheduleOnMain(fn func()) {
	select {
	case <-l.done:
		l.log.Debug("loop stopped, dropping task")
		return
	default:
	}
	select {
	case <-l.done:
		l.log.Debug("loop stopped, dropping task")
	case l.tasks <- fn:
	}
}

// ScheduleAsync runs fn on its own goroutine.
func (l *Loop) ScheduleAsync(fn func()) {
	l.workers.Add(1)
	go func() {
		defer l.workers.Done()
		l.run("async", fn)
	}()
}

// ScheduleDelayed queues fn for the main context after delay.
func (l *Loop) ScheduleDelayed(fn func(), delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		l.mu.Lock()
		delete(l.timers, t)
		l.mu.Unlock()
		l.ScheduleOnMain(fn)
	})
	l.timers[t] = struct{}{}
}

// Wait blocks until every async task has returned or ctx ends.
func (l *Loop) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) stop() {
	l.once.Do(func() {
		close(l.done)
		l.mu.Lock()
		for t := range l.timers {
			t.Stop()
		}
		l.timers = map[*time.Timer]struct{}{}
		l.mu.Unlock()
	})
}

// run executes fn and keeps a panicking task from taking the context down.
func (l *Loop) run(where string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("task panicked", "context", where, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
