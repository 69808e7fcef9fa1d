package evloop

import (
	"context"
	"sync"
)

// Manual is a Clock driven by Advance, for deterministic tests.
type Manual struct {
	now    int64
	timers timerSet

	mu      sync.Mutex
	pending []func()
}

// NewManual creates a Manual clock reading start.
func NewManual(start int64) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() int64 { return m.now }

func (m *Manual) Arm(t *Timer, deadline int64, fn func()) { m.timers.arm(t, deadline, fn) }

func (m *Manual) Disarm(t *Timer) { m.timers.disarm(t) }

// Post queues fn until the next Drain or Advance.
func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	m.pending = append(m.pending, fn)
	m.mu.Unlock()
}

// Call runs fn immediately; Manual clocks are driven by the test goroutine.
func (m *Manual) Call(_ context.Context, fn func()) error {
	fn()
	return nil
}

// Drain runs posted work.
func (m *Manual) Drain() {
	for {
		m.mu.Lock()
		work := m.pending
		m.pending = nil
		m.mu.Unlock()
		if len(work) == 0 {
			return
		}
		for _, fn := range work {
			fn()
		}
	}
}

// Advance moves the clock forward by d, firing due timers in order with the
// clock set to each timer's deadline.
func (m *Manual) Advance(d int64) {
	m.Drain()
	target := m.now + d
	for {
		next, ok := m.timers.next()
		if !ok || next > target {
			break
		}
		if next > m.now {
			m.now = next
		}
		t := m.timers.popDue(m.now)
		t.fn()
		m.Drain()
	}
	m.now = target
}
