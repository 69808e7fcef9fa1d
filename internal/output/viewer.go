// Package output turns subscriptions into byte streams for network
// consumers. A Viewer owns one subscription and a multiplexer; the Hub
// creates viewers on the event loop, and the network goroutine of each
// viewer drains its bounded queue.
package output

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/tunerd/internal/subscription"
	"github.com/zsiec/tunerd/internal/transport"
	"github.com/zsiec/tunerd/internal/tsmux"
)

// Request is a consumer's description of what it wants to receive.
type Request struct {
	Channel string `json:"channel"`
	Weight  uint32 `json:"weight"`
	// Offset is the start position in µs relative to the live edge, 0 or
	// negative.
	Offset int64 `json:"offset"`
	// Raw selects unpaced passthrough of the input cells.
	Raw   bool   `json:"raw"`
	Title string `json:"title,omitempty"`
}

// Validate checks a request before it is subscribed.
func (r *Request) Validate() error {
	if r.Channel == "" {
		return fmt.Errorf("output: channel is required")
	}
	if r.Offset > 0 {
		return fmt.Errorf("output: offset %d is in the future", r.Offset)
	}
	return nil
}

// ViewerInfo is a point-in-time view of a viewer for the API.
type ViewerInfo struct {
	ID      string       `json:"id"`
	Channel string       `json:"channel"`
	Remote  string       `json:"remote,omitempty"`
	Raw     bool         `json:"raw"`
	Started time.Time    `json:"started"`
	Sent    uint64       `json:"sent"`
	Dropped uint64       `json:"dropped"`
	Mux     *tsmux.Stats `json:"mux,omitempty"`
}

// Viewer feeds one consumer. Loop-side fields are only touched on the
// event loop; the queue and counters are shared with the network
// goroutine.
type Viewer struct {
	hub     *Hub
	req     Request
	remote  string
	log     *slog.Logger
	started time.Time

	sub     *subscription.Subscription
	session *tsmux.Session
	remux   *tsmux.Remuxer

	queue    chan []byte
	done     chan struct{}
	doneOnce sync.Once

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// ID is the identifier of the viewer's subscription, empty until started.
func (v *Viewer) ID() string {
	if v.sub == nil {
		return ""
	}
	return v.sub.ID
}

// start subscribes on the loop.
func (v *Viewer) start() error {
	title := v.req.Title
	if title == "" {
		title = v.remote
	}
	sub, err := v.hub.sched.Subscribe(v.req.Channel, v.req.Weight, title, v.event)
	if err != nil {
		return err
	}
	v.sub = sub
	v.log = v.log.With("subscription", sub.ID)
	return nil
}

// stop ends the subscription on the loop. The scheduler's MsgEnd finishes
// the viewer.
func (v *Viewer) stop() {
	if v.sub != nil {
		v.hub.sched.Unsubscribe(v.sub)
	}
	v.finish()
}

func (v *Viewer) event(_ *subscription.Subscription, ev subscription.Event) {
	switch ev.Message {
	case subscription.MsgBound:
		v.bind(ev.Transport)
	case subscription.MsgCells:
		if v.remux != nil {
			v.remux.Input(ev.Cells, ev.PCR)
		}
	case subscription.MsgUnbound:
		v.log.Info("viewer unbound", "transport", ev.Transport.ID())
		v.closeMux()
	case subscription.MsgNotAvailable:
		v.log.Warn("no transport available", "channel", v.req.Channel, "weight", v.req.Weight)
	case subscription.MsgEnd:
		v.finish()
	}
}

func (v *Viewer) bind(t *transport.Transport) {
	v.closeMux()
	cfg := v.hub.cfg.Mux
	if v.req.Raw {
		v.remux = tsmux.NewRemuxer(t.Streams, v.hub.loop, cfg, v.write, v.log)
	} else {
		v.session = tsmux.NewSession(t.Streams, t.Store(), v.hub.loop, cfg, v.write, v.log)
		v.session.OnLockFailure = func(err error) {
			v.log.Info("waiting for data", "transport", t.ID(), "error", err)
		}
		v.session.Play(v.req.Offset)
	}
	v.log.Info("viewer bound", "transport", t.ID(), "raw", v.req.Raw)
}

func (v *Viewer) closeMux() {
	if v.session != nil {
		v.session.Close()
		v.session = nil
	}
	if v.remux != nil {
		v.remux.Close()
		v.remux = nil
	}
}

// finish runs on the loop once the subscription is gone.
func (v *Viewer) finish() {
	v.doneOnce.Do(func() {
		v.closeMux()
		v.hub.remove(v)
		close(v.done)
		v.log.Info("viewer finished", "sent", v.sent.Load(), "dropped", v.dropped.Load())
	})
}

func (v *Viewer) finished() bool {
	select {
	case <-v.done:
		return true
	default:
		return false
	}
}

// write is the multiplexer output. A full queue drops the batch.
func (v *Viewer) write(cells []byte, _ int64) {
	select {
	case v.queue <- bytes.Clone(cells):
	default:
		v.dropped.Add(1)
	}
}

// Next returns the next batch of cells. It returns io.EOF once the
// viewer has finished and its queue is empty.
func (v *Viewer) Next(ctx context.Context) ([]byte, error) {
	select {
	case b := <-v.queue:
		v.sent.Add(1)
		return b, nil
	default:
	}
	select {
	case b := <-v.queue:
		v.sent.Add(1)
		return b, nil
	case <-v.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteTo copies batches to w until the viewer finishes, ctx ends or w
// fails.
func (v *Viewer) WriteTo(ctx context.Context, w io.Writer) (int64, error) {
	var total int64
	for {
		b, err := v.Next(ctx)
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
		n, err := w.Write(b)
		total += int64(n)
		if err != nil {
			return total, err
		}
		if f, ok := w.(interface{ Flush() }); ok {
			f.Flush()
		}
	}
}

// Info runs on the loop.
func (v *Viewer) Info() ViewerInfo {
	info := ViewerInfo{
		ID:      v.ID(),
		Channel: v.req.Channel,
		Remote:  v.remote,
		Raw:     v.req.Raw,
		Started: v.started,
		Sent:    v.sent.Load(),
		Dropped: v.dropped.Load(),
	}
	switch {
	case v.session != nil:
		st := v.session.Stats()
		info.Mux = &st
	case v.remux != nil:
		st := v.remux.Stats()
		info.Mux = &st
	}
	return info
}
