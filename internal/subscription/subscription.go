// Package subscription arbitrates transports between consumers. Each
// subscription asks for a channel at a weight; the scheduler binds it to a
// running candidate transport or starts one, and the feed behind a
// transport decides whether a start may take hardware from a lower-weight
// consumer.
package subscription

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/tunerd/internal/transport"
)

// Message is the kind of event delivered to a subscription callback.
type Message int

const (
	// MsgBound reports that the subscription is now fed by Event.Transport.
	MsgBound Message = iota
	// MsgUnbound reports that the subscription lost its transport.
	MsgUnbound
	// MsgNotAvailable reports that no candidate transport could be bound.
	// It is sent once per unbound period; retries continue silently.
	MsgNotAvailable
	// MsgCells carries raw clear cells from the bound transport.
	MsgCells
	// MsgEnd is the last event a subscription ever receives.
	MsgEnd
)

var messageNames = [...]string{"bound", "unbound", "not-available", "cells", "end"}

func (m Message) String() string {
	if int(m) < len(messageNames) {
		return messageNames[m]
	}
	return fmt.Sprintf("message(%d)", int(m))
}

// Event is delivered to a subscription callback on the event loop.
type Event struct {
	Message   Message
	Transport *transport.Transport
	Cells     []byte
	PCR       int64
}

// Callback receives subscription events. It may call back into the
// scheduler.
type Callback func(*Subscription, Event)

// Subscription is a consumer's standing request for a channel.
type Subscription struct {
	ID      string
	Title   string
	Channel string
	Created time.Time
	Errors  uint64

	weight    uint32
	transport *transport.Transport
	pinned    *transport.Transport
	cb        Callback
	seq       uint64
	reported  bool
	removed   bool
}

// Info is a point-in-time view of a subscription for the API.
type Info struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Channel   string    `json:"channel"`
	Weight    uint32    `json:"weight"`
	State     string    `json:"state"`
	Transport string    `json:"transport,omitempty"`
	Created   time.Time `json:"created"`
	Errors    uint64    `json:"errors"`
}

func newSubscription(channel string, weight uint32, title string, cb Callback) *Subscription {
	if cb == nil {
		cb = func(*Subscription, Event) {}
	}
	return &Subscription{
		ID:      uuid.NewString(),
		Title:   title,
		Channel: channel,
		Created: time.Now(),
		weight:  weight,
		cb:      cb,
	}
}

// Weight implements transport.Subscriber.
func (s *Subscription) Weight() uint32 { return s.weight }

// Transport returns the bound transport, or nil when unbound.
func (s *Subscription) Transport() *transport.Transport { return s.transport }

// Bound reports whether a transport is feeding the subscription.
func (s *Subscription) Bound() bool { return s.transport != nil }

// DeliverRaw implements transport.Subscriber.
func (s *Subscription) DeliverRaw(cells []byte, pcr int64) {
	s.cb(s, Event{Message: MsgCells, Transport: s.transport, Cells: cells, PCR: pcr})
}

// AddErrors implements transport.Subscriber.
func (s *Subscription) AddErrors(n uint64) { s.Errors += n }

func (s *Subscription) send(m Message) {
	s.cb(s, Event{Message: m, Transport: s.transport})
}

// Info returns a snapshot for the API.
func (s *Subscription) Info() Info {
	info := Info{
		ID:      s.ID,
		Title:   s.Title,
		Channel: s.Channel,
		Weight:  s.weight,
		State:   "unbound",
		Created: s.Created,
		Errors:  s.Errors,
	}
	if s.transport != nil {
		info.State = "bound"
		info.Transport = s.transport.ID()
	}
	return info
}

func (s *Subscription) String() string {
	return fmt.Sprintf("%s(%s w=%d)", s.ID, s.Channel, s.weight)
}

var _ transport.Subscriber = (*Subscription)(nil)
