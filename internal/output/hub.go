package output

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/zsiec/tunerd/internal/evloop"
	"github.com/zsiec/tunerd/internal/subscription"
	"github.com/zsiec/tunerd/internal/tsmux"
)

// DefaultQueueBatches is the viewer queue depth in batches.
const DefaultQueueBatches = 512

// Loop is the event loop the hub runs viewers on.
type Loop interface {
	evloop.Clock
	evloop.Executor
}

// Config holds viewer settings.
type Config struct {
	Mux tsmux.Config `yaml:"mux"`
	// QueueBatches bounds each viewer's output queue.
	QueueBatches int `yaml:"queue_batches"`
}

// Hub creates and tracks viewers. Open and Close may be called from any
// goroutine; Viewers must run on the loop.
type Hub struct {
	loop  Loop
	sched *subscription.Scheduler
	cfg   Config
	log   *slog.Logger

	viewers []*Viewer
}

// NewHub creates a hub. If log is nil, slog.Default() is used.
func NewHub(loop Loop, sched *subscription.Scheduler, cfg Config, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if cfg.QueueBatches <= 0 {
		cfg.QueueBatches = DefaultQueueBatches
	}
	return &Hub{
		loop:  loop,
		sched: sched,
		cfg:   cfg,
		log:   log.With("component", "output"),
	}
}

// Open subscribes a new viewer for req. remote names the consumer in logs.
func (h *Hub) Open(ctx context.Context, req Request, remote string) (*Viewer, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	v := &Viewer{
		hub:     h,
		req:     req,
		remote:  remote,
		log:     h.log.With("remote", remote, "channel", req.Channel),
		started: time.Now(),
		queue:   make(chan []byte, h.cfg.QueueBatches),
		done:    make(chan struct{}),
	}
	started := make(chan error, 1)
	if err := h.loop.Call(ctx, func() {
		err := v.start()
		if err == nil && !v.finished() {
			h.viewers = append(h.viewers, v)
		}
		started <- err
	}); err != nil {
		// the call may still run after ctx ended
		h.loop.Post(v.stop)
		return nil, err
	}
	if err := <-started; err != nil {
		return nil, err
	}
	return v, nil
}

// Close ends v. Its Next returns io.EOF once the queue is drained.
func (h *Hub) Close(v *Viewer) {
	h.loop.Post(v.stop)
}

func (h *Hub) remove(v *Viewer) {
	h.viewers = slices.DeleteFunc(h.viewers, func(o *Viewer) bool { return o == v })
}

// Lookup finds a viewer by ID. It runs on the loop.
func (h *Hub) Lookup(id string) *Viewer {
	for _, v := range h.viewers {
		if v.ID() == id {
			return v
		}
	}
	return nil
}

// Viewers returns a snapshot of every open viewer. It runs on the loop.
func (h *Hub) Viewers() []ViewerInfo {
	out := make([]ViewerInfo, 0, len(h.viewers))
	for _, v := range h.viewers {
		out = append(out, v.Info())
	}
	return out
}
