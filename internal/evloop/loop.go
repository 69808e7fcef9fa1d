package evloop

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Loop runs posted functions and due timers on one goroutine.
type Loop struct {
	log   *slog.Logger
	start time.Time

	mu      sync.Mutex
	pending []func()
	wake    chan struct{}

	timers timerSet
}

// New creates a Loop. If log is nil, slog.Default() is used.
func New(log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		log:   log.With("component", "evloop"),
		start: time.Now(),
		wake:  make(chan struct{}, 1),
	}
}

// Now returns microseconds since the loop was created.
func (l *Loop) Now() int64 {
	return time.Since(l.start).Microseconds()
}

// Arm must be called from the loop goroutine, or before Run starts.
func (l *Loop) Arm(t *Timer, deadline int64, fn func()) {
	l.timers.arm(t, deadline, fn)
}

// Disarm must be called from the loop goroutine.
func (l *Loop) Disarm(t *Timer) {
	l.timers.disarm(t)
}

// Post queues fn for execution on the loop. Safe from any goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Call posts fn and waits for it to finish or for ctx to end.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes posted work and timers until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Debug("running")
	idle := time.NewTimer(time.Hour)
	defer idle.Stop()

	for {
		l.drain()
		l.fire()

		wait := time.Hour
		if d, ok := l.timers.next(); ok {
			wait = time.Duration(d-l.Now()) * time.Microsecond
			if wait <= 0 {
				continue
			}
		}
		idle.Reset(wait)

		select {
		case <-ctx.Done():
			l.drain()
			return nil
		case <-l.wake:
		case <-idle.C:
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
	}
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		work := l.pending
		l.pending = nil
		l.mu.Unlock()
		if len(work) == 0 {
			return
		}
		for _, fn := range work {
			fn()
		}
	}
}

func (l *Loop) fire() {
	now := l.Now()
	for t := l.timers.popDue(now); t != nil; t = l.timers.popDue(now) {
		t.fn()
	}
}
