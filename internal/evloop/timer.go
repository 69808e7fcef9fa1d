package evloop

import "container/heap"

// Clock is the time and timer capability consumed by the scheduler, the
// transports and the multiplexer. Times are monotonic microseconds.
type Clock interface {
	Now() int64
	// Arm schedules fn at deadline. Arming an armed timer moves it.
	Arm(t *Timer, deadline int64, fn func())
	Disarm(t *Timer)
}

// Timer is a one-shot timer handle. The zero value is disarmed.
type Timer struct {
	deadline int64
	seq      uint64
	pos      int // heap index + 1, 0 when disarmed
	fn       func()
}

// Armed reports whether the timer is waiting to fire.
func (t *Timer) Armed() bool { return t.pos > 0 }

// Deadline returns the last armed deadline.
func (t *Timer) Deadline() int64 { return t.deadline }

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i + 1
	h[j].pos = j + 1
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.pos = len(*h) + 1
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.pos = 0
	*h = old[:n-1]
	return t
}

// timerSet orders timers by deadline, then by arming order.
type timerSet struct {
	h   timerHeap
	seq uint64
}

func (s *timerSet) arm(t *Timer, deadline int64, fn func()) {
	s.seq++
	t.deadline = deadline
	t.seq = s.seq
	t.fn = fn
	if t.pos > 0 {
		heap.Fix(&s.h, t.pos-1)
		return
	}
	heap.Push(&s.h, t)
}

func (s *timerSet) disarm(t *Timer) {
	if t.pos > 0 {
		heap.Remove(&s.h, t.pos-1)
	}
}

func (s *timerSet) next() (int64, bool) {
	if len(s.h) == 0 {
		return 0, false
	}
	return s.h[0].deadline, true
}

// popDue removes and returns the earliest timer whose deadline is at or
// before now, or nil.
func (s *timerSet) popDue(now int64) *Timer {
	if len(s.h) == 0 || s.h[0].deadline > now {
		return nil
	}
	return heap.Pop(&s.h).(*Timer)
}

// Every arms t to call fn every interval until t is disarmed. The timer is
// re-armed before fn runs so fn may disarm it.
func Every(c Clock, t *Timer, interval int64, fn func()) {
	var tick func()
	tick = func() {
		c.Arm(t, c.Now()+interval, tick)
		fn()
	}
	c.Arm(t, c.Now()+interval, tick)
}
