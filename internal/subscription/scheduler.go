package subscription

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/zsiec/tunerd/internal/evloop"
	"github.com/zsiec/tunerd/internal/transport"
)

// DefaultInterval is the periodic reconciliation interval in µs.
const DefaultInterval = 2_000_000

var (
	// ErrUnknownChannel is returned when subscribing to an unconfigured channel.
	ErrUnknownChannel = errors.New("subscription: unknown channel")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("subscription: scheduler closed")
)

// Scheduler owns every subscription and binds them to transports. All
// methods must be called on the event loop.
type Scheduler struct {
	clock    evloop.Clock
	log      *slog.Logger
	interval int64

	channels map[string]*Channel
	names    []string
	subs     []*Subscription
	seq      uint64

	tick         evloop.Timer
	kick         evloop.Timer
	rescheduling bool
	again        bool
	closed       bool
}

// NewScheduler creates a scheduler. interval <= 0 selects DefaultInterval.
// If log is nil, slog.Default() is used.
func NewScheduler(clock evloop.Clock, interval int64, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		clock:    clock,
		log:      log.With("component", "scheduler"),
		interval: interval,
		channels: make(map[string]*Channel),
	}
}

// AddChannel registers ch and takes over preemption of its transports.
func (sc *Scheduler) AddChannel(ch *Channel) {
	if _, ok := sc.channels[ch.Name]; !ok {
		sc.names = append(sc.names, ch.Name)
	}
	sc.channels[ch.Name] = ch
	for _, t := range ch.transports {
		t.SetPreemptHook(sc.preempted)
	}
}

// Channel returns the channel named name, or nil.
func (sc *Scheduler) Channel(name string) *Channel { return sc.channels[name] }

// Channels returns every channel in registration order.
func (sc *Scheduler) Channels() []*Channel {
	out := make([]*Channel, 0, len(sc.names))
	for _, n := range sc.names {
		out = append(out, sc.channels[n])
	}
	return out
}

// Transports returns every distinct transport of every channel.
func (sc *Scheduler) Transports() []*transport.Transport {
	var out []*transport.Transport
	for _, ch := range sc.Channels() {
		for _, t := range ch.transports {
			if !slices.Contains(out, t) {
				out = append(out, t)
			}
		}
	}
	return out
}

// Start runs a first pass, which starts keep-warm transports, and arms
// periodic reconciliation.
func (sc *Scheduler) Start() {
	sc.Reschedule()
	evloop.Every(sc.clock, &sc.tick, sc.interval, sc.Reschedule)
}

// Subscribe creates a subscription for channel at weight and tries to bind
// it. The subscription is returned even when it stays unbound.
func (sc *Scheduler) Subscribe(channel string, weight uint32, title string, cb Callback) (*Subscription, error) {
	if sc.closed {
		return nil, ErrClosed
	}
	if _, ok := sc.channels[channel]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	s := newSubscription(channel, weight, title, cb)
	sc.insert(s)
	sc.log.Info("subscription created", "id", s.ID, "channel", channel, "weight", weight, "title", title)
	sc.Reschedule()
	return s, nil
}

// SubscribeTransport creates a subscription tied to one transport,
// starting it at weight if needed. A start failure is returned and no
// subscription is created.
func (sc *Scheduler) SubscribeTransport(t *transport.Transport, weight uint32, title string, cb Callback) (*Subscription, error) {
	if sc.closed {
		return nil, ErrClosed
	}
	if err := t.Start(weight); err != nil {
		return nil, err
	}
	s := newSubscription(t.Channel(), weight, title, cb)
	s.pinned = t
	sc.insert(s)
	sc.log.Info("subscription created", "id", s.ID, "transport", t.ID(), "weight", weight, "title", title)
	sc.bind(s, t)
	return s, nil
}

func (sc *Scheduler) insert(s *Subscription) {
	sc.seq++
	s.seq = sc.seq
	sc.subs = append(sc.subs, s)
	sc.sort()
}

func (sc *Scheduler) sort() {
	slices.SortStableFunc(sc.subs, func(a, b *Subscription) int {
		if c := cmp.Compare(b.weight, a.weight); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
}

// Unsubscribe delivers MsgEnd, unbinds and forgets s. A transport left
// with no subscribers is stopped unless it is kept warm.
func (sc *Scheduler) Unsubscribe(s *Subscription) {
	if s.removed {
		return
	}
	s.removed = true
	s.send(MsgEnd)

	if t := s.transport; t != nil {
		t.Detach(s)
		s.transport = nil
		if len(t.Subscribers()) == 0 && !t.KeepWarm() {
			t.Stop()
		}
	}
	sc.subs = slices.DeleteFunc(sc.subs, func(o *Subscription) bool { return o == s })
	sc.log.Info("subscription removed", "id", s.ID, "channel", s.Channel, "errors", s.Errors)
	sc.Reschedule()
}

// SetWeight changes the weight of s and reschedules.
func (sc *Scheduler) SetWeight(s *Subscription, weight uint32) {
	if s.removed || s.weight == weight {
		return
	}
	sc.log.Debug("weight changed", "id", s.ID, "from", s.weight, "to", weight)
	s.weight = weight
	sc.sort()
	sc.Reschedule()
}

// Reschedule tries to bind every unbound subscription in descending
// weight order. Running candidates are shared first; only then is a
// candidate started with the subscription's weight. Calls made while a
// pass is running fold into one more pass.
func (sc *Scheduler) Reschedule() {
	if sc.closed {
		return
	}
	if sc.rescheduling {
		sc.again = true
		return
	}
	sc.rescheduling = true
	defer func() { sc.rescheduling = false }()
	for {
		sc.again = false
		sc.pass()
		if !sc.again {
			return
		}
	}
}

func (sc *Scheduler) pass() {
	for _, s := range slices.Clone(sc.subs) {
		if s.removed || s.transport != nil {
			continue
		}
		t := sc.find(s)
		if t == nil {
			if !s.reported {
				s.reported = true
				sc.log.Info("no transport available", "id", s.ID, "channel", s.Channel, "weight", s.weight)
				s.send(MsgNotAvailable)
			}
			continue
		}
		sc.bind(s, t)
	}
	sc.warm()
}

// warm starts idle keep-warm transports at weight 0, which never takes a
// tuner from anyone, so one that was preempted comes back once its tuner
// is free.
func (sc *Scheduler) warm() {
	for _, name := range sc.names {
		for _, t := range sc.channels[name].transports {
			if !t.KeepWarm() || t.Running() {
				continue
			}
			if err := t.Start(0); err != nil {
				sc.log.Debug("keep-warm start refused", "transport", t.ID(), "error", err)
			}
		}
	}
}

func (sc *Scheduler) find(s *Subscription) *transport.Transport {
	if t := s.pinned; t != nil {
		if t.Start(s.weight) != nil {
			return nil
		}
		return t
	}
	ch := sc.channels[s.Channel]
	if t := ch.running(); t != nil {
		return t
	}
	for _, t := range ch.transports {
		if t.Running() {
			continue
		}
		if err := t.Start(s.weight); err != nil {
			sc.log.Debug("start refused", "id", s.ID, "transport", t.ID(), "error", err)
			continue
		}
		return t
	}
	return nil
}

func (sc *Scheduler) bind(s *Subscription, t *transport.Transport) {
	t.Attach(s)
	s.transport = t
	s.reported = false
	sc.log.Info("subscription bound", "id", s.ID, "transport", t.ID(), "weight", s.weight)
	s.send(MsgBound)
}

// preempted is the preempt hook of every scheduled transport.
func (sc *Scheduler) preempted(t *transport.Transport) {
	for _, sub := range t.Subscribers() {
		s, ok := sub.(*Subscription)
		if !ok {
			continue
		}
		t.Detach(s)
		s.send(MsgUnbound)
		s.transport = nil
		sc.log.Info("subscription preempted", "id", s.ID, "transport", t.ID(), "weight", s.weight)
	}
	if sc.rescheduling {
		sc.again = true
		return
	}
	sc.clock.Arm(&sc.kick, sc.clock.Now(), sc.Reschedule)
}

// Subscriptions returns a snapshot in scheduling order.
func (sc *Scheduler) Subscriptions() []*Subscription { return slices.Clone(sc.subs) }

// Lookup finds a subscription by ID.
func (sc *Scheduler) Lookup(id string) *Subscription {
	for _, s := range sc.subs {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Close ends every subscription and stops reconciliation.
func (sc *Scheduler) Close() {
	sc.clock.Disarm(&sc.tick)
	sc.clock.Disarm(&sc.kick)
	sc.closed = true
	for _, s := range slices.Clone(sc.subs) {
		sc.Unsubscribe(s)
	}
}
