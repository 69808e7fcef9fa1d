package evloop

import (
	"context"
	"testing"
	"time"
)

func TestManual_TimerOrder(t *testing.T) {
	t.Parallel()
	m := NewManual(0)

	var got []string
	var a, b, c Timer
	m.Arm(&a, 300, func() { got = append(got, "a") })
	m.Arm(&b, 100, func() { got = append(got, "b") })
	m.Arm(&c, 100, func() { got = append(got, "c") })

	m.Advance(250)
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("fired %v, want [b c]", got)
	}
	if m.Now() != 250 {
		t.Errorf("Now = %d, want 250", m.Now())
	}
	m.Advance(100)
	if len(got) != 3 || got[2] != "a" {
		t.Fatalf("fired %v, want a last", got)
	}
}

func TestManual_RearmAndDisarm(t *testing.T) {
	t.Parallel()
	m := NewManual(0)

	fired := 0
	var tm Timer
	m.Arm(&tm, 100, func() { fired++ })
	m.Arm(&tm, 500, func() { fired++ })
	m.Advance(200)
	if fired != 0 {
		t.Fatalf("moved timer fired early")
	}
	if !tm.Armed() {
		t.Fatal("timer should still be armed")
	}
	m.Disarm(&tm)
	m.Advance(1000)
	if fired != 0 || tm.Armed() {
		t.Fatalf("disarmed timer fired=%d armed=%v", fired, tm.Armed())
	}
}

func TestManual_TimerSeesDeadline(t *testing.T) {
	t.Parallel()
	m := NewManual(1000)
	var at int64
	var tm Timer
	m.Arm(&tm, 1400, func() { at = m.Now() })
	m.Advance(1000)
	if at != 1400 {
		t.Errorf("callback saw Now = %d, want 1400", at)
	}
}

func TestEvery(t *testing.T) {
	t.Parallel()
	m := NewManual(0)
	var tm Timer
	ticks := 0
	Every(m, &tm, 1000, func() {
		ticks++
		if ticks == 3 {
			m.Disarm(&tm)
		}
	})
	m.Advance(10_000)
	if ticks != 3 {
		t.Errorf("ticks = %d, want 3", ticks)
	}
}

func TestLoop_PostAndTimer(t *testing.T) {
	t.Parallel()
	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	fired := make(chan int64, 1)
	l.Post(func() {
		var tm Timer
		start := l.Now()
		l.Arm(&tm, start+5000, func() { fired <- l.Now() - start })
	})

	select {
	case d := <-fired:
		if d < 5000 {
			t.Errorf("timer fired after %dµs, want >= 5000", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}

	var n int
	if err := l.Call(ctx, func() { n = 42 }); err != nil {
		t.Fatal(err)
	}
	if n != 42 {
		t.Errorf("Call did not run")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}
