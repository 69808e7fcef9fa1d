// Package transport models one tunable source of a transport stream: its
// lifecycle, its elementary streams and the subscribers bound to it.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/zsiec/tunerd/internal/evloop"
	"github.com/zsiec/tunerd/internal/pktstore"
	"github.com/zsiec/tunerd/internal/stream"
)

// ErrNotRunning is returned when an operation needs a running transport.
var ErrNotRunning = errors.New("transport: not running")

// Status is the transport lifecycle state.
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
)

func (s Status) String() string {
	if s == StatusRunning {
		return "running"
	}
	return "idle"
}

// MarshalText renders the status name in JSON.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*s = StatusIdle
	case "running":
		*s = StatusRunning
	default:
		return fmt.Errorf("transport: unknown status %q", b)
	}
	return nil
}

// Feed is the hardware layer behind a transport. StartFeed must fail
// rather than start if doing so would take a shared resource from a
// subscriber whose weight is equal to or higher than weight.
type Feed interface {
	StartFeed(t *Transport, weight uint32) error
	StopFeed(t *Transport)
}

// Subscriber is a consumer bound to a transport.
type Subscriber interface {
	Weight() uint32
	// DeliverRaw receives clear cells as they arrive, with the
	// transport's current PCR base.
	DeliverRaw(cells []byte, pcr int64)
	// AddErrors reports stream integrity errors seen while bound.
	AddErrors(n uint64)
}

// Descrambler is offered every scrambled cell. It returns true when it
// has turned the cell into a clear one in place.
type Descrambler interface {
	Descramble(cell []byte) bool
}

// Config identifies a transport and its place in a channel.
type Config struct {
	ID       string
	Name     string
	Channel  string
	Priority int
	// KeepWarm keeps the feed running with no subscribers.
	KeepWarm bool
}

// Counters are cumulative integrity and volume counters. They are written
// by the demultiplexer on the event loop.
type Counters struct {
	Cells         uint64 `json:"cells"`
	Bytes         uint64 `json:"bytes"`
	CCErrors      uint64 `json:"ccErrors"`
	TEIErrors     uint64 `json:"teiErrors"`
	SyncErrors    uint64 `json:"syncErrors"`
	SectionErrors uint64 `json:"sectionErrors"`
	Undescrambled uint64 `json:"undescrambled"`
	Starts        uint64 `json:"starts"`
	StartFailures uint64 `json:"startFailures"`
}

// Info is a point-in-time view of a transport for the API.
type Info struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Channel     string   `json:"channel"`
	Priority    int      `json:"priority"`
	Status      Status   `json:"status"`
	KeepWarm    bool     `json:"keepWarm"`
	Subscribers int      `json:"subscribers"`
	Weight      uint32   `json:"weight"`
	Streams     int      `json:"streams"`
	BitrateKbps float64  `json:"bitrateKbps"`
	Counters    Counters `json:"counters"`
}

// Transport is one source of a transport stream. All methods must be
// called on the event loop.
type Transport struct {
	cfg   Config
	log   *slog.Logger
	feed  Feed
	store *pktstore.Store
	clock evloop.Clock

	// Streams is the set of elementary streams found in the input.
	Streams *stream.Registry
	// PCR is the latest PCR base seen on the clock reference PID, or -1.
	PCR      int64
	Counters Counters

	status       Status
	subs         []Subscriber
	descramblers []Descrambler
	preempt      func(*Transport)
	receiver     func(cells []byte)

	mon monitor
}

// New creates an idle transport. If log is nil, slog.Default() is used.
func New(cfg Config, feed Feed, store *pktstore.Store, clock evloop.Clock, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	t := &Transport{
		cfg:     cfg,
		log:     log.With("component", "transport", "transport", cfg.ID),
		feed:    feed,
		store:   store,
		clock:   clock,
		Streams: stream.NewRegistry(cfg.ID, log),
		PCR:     -1,
	}
	t.mon.t = t
	return t
}

func (t *Transport) ID() string { return t.cfg.ID }
func (t *Transport) Name() string { return t.cfg.Name }
func (t *Transport) Channel() string { return t.cfg.Channel }
func (t *Transport) Priority() int { return t.cfg.Priority }
func (t *Transport) KeepWarm() bool { return t.cfg.KeepWarm }
func (t *Transport) Status() Status { return t.status }
func (t *Transport) Running() bool { return t.status == StatusRunning }
func (t *Transport) Clock() evloop.Clock { return t.clock }

// Store returns the packet store the transport's streams deliver into.
func (t *Transport) Store() *pktstore.Store { return t.store }

func (t *Transport) String() string { return t.cfg.ID }

// Start asks the feed to start delivering at the given requesting weight.
// A running transport starts trivially.
func (t *Transport) Start(weight uint32) error {
	if t.status == StatusRunning {
		return nil
	}
	if err := t.feed.StartFeed(t, weight); err != nil {
		t.Counters.StartFailures++
		return fmt.Errorf("transport %s: start: %w", t.cfg.ID, err)
	}
	t.status = StatusRunning
	t.Counters.Starts++
	t.mon.start()
	t.log.Info("transport started", "weight", weight)
	return nil
}

// Stop stops the feed, drops every stored packet and resets demultiplexing
// state so the next start re-reads PSI from scratch.
func (t *Transport) Stop() {
	if t.status == StatusIdle {
		return
	}
	t.status = StatusIdle
	t.mon.stop()
	t.feed.StopFeed(t)
	t.Streams.Reset(t.store)
	t.PCR = -1
	t.log.Info("transport stopped")
}

// Attach adds a subscriber. It is called only by the scheduler.
func (t *Transport) Attach(s Subscriber) {
	if slices.Contains(t.subs, s) {
		return
	}
	t.subs = append(t.subs, s)
}

// Detach removes a subscriber and reports whether it was attached.
func (t *Transport) Detach(s Subscriber) bool {
	i := slices.Index(t.subs, s)
	if i < 0 {
		return false
	}
	t.subs = slices.Delete(t.subs, i, i+1)
	return true
}

// Subscribers returns a copy of the bound subscriber set.
func (t *Transport) Subscribers() []Subscriber { return slices.Clone(t.subs) }

// Weight is the highest weight among bound subscribers, 0 with none.
func (t *Transport) Weight() uint32 {
	var w uint32
	for _, s := range t.subs {
		w = max(w, s.Weight())
	}
	return w
}

// SetPreemptHook installs the function that unbinds every subscriber when
// the feed takes the transport's resource away.
func (t *Transport) SetPreemptHook(fn func(*Transport)) { t.preempt = fn }

// Preempt unbinds every subscriber and stops the transport. Feeds call it
// when retuning shared hardware to another transport.
func (t *Transport) Preempt() {
	t.log.Info("transport preempted", "subscribers", len(t.subs), "weight", t.Weight())
	if t.preempt != nil {
		t.preempt(t)
	}
	t.subs = nil
	t.Stop()
}

// AddDescrambler appends d to the descrambler chain.
func (t *Transport) AddDescrambler(d Descrambler) {
	t.descramblers = append(t.descramblers, d)
}

// Descramble offers cell to the descrambler chain in order.
func (t *Transport) Descramble(cell []byte) bool {
	for _, d := range t.descramblers {
		if d.Descramble(cell) {
			return true
		}
	}
	return false
}

// SetReceiver installs the consumer of input cells, normally a demuxer.
func (t *Transport) SetReceiver(fn func(cells []byte)) { t.receiver = fn }

// Input hands sync-aligned cells to the receiver. Input to an idle
// transport is discarded.
func (t *Transport) Input(cells []byte) error {
	if t.status != StatusRunning {
		return ErrNotRunning
	}
	if t.receiver != nil {
		t.receiver(cells)
	}
	return nil
}

// DeliverRaw fans clear cells out to every bound subscriber.
func (t *Transport) DeliverRaw(cells []byte) {
	for _, s := range t.subs {
		s.DeliverRaw(cells, t.PCR)
	}
}

// ReportErrors passes integrity errors on to bound subscribers.
func (t *Transport) ReportErrors(n uint64) {
	for _, s := range t.subs {
		s.AddErrors(n)
	}
}

// Info returns a snapshot for the API.
func (t *Transport) Info() Info {
	return Info{
		ID:          t.cfg.ID,
		Name:        t.cfg.Name,
		Channel:     t.cfg.Channel,
		Priority:    t.cfg.Priority,
		Status:      t.status,
		KeepWarm:    t.cfg.KeepWarm,
		Subscribers: len(t.subs),
		Weight:      t.Weight(),
		Streams:     t.Streams.Len(),
		BitrateKbps: t.mon.kbps,
		Counters:    t.Counters,
	}
}
