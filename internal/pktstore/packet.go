// Package pktstore owns encoded media packets: their reference counts,
// their per-stream delivery queues and a two-tier payload cache that
// spills to disk and evicts under byte budgets.
//
// All operations run on the event loop; nothing here locks.
package pktstore

import (
	"fmt"
	"math"
)

// NoPTS marks an unknown timestamp.
const NoPTS int64 = math.MinInt64

// FrameKind is the picture coding type of a video packet.
type FrameKind uint8

const (
	FrameNone FrameKind = iota // audio, subtitles, tables
	FrameI
	FrameP
	FrameB
)

func (k FrameKind) String() string {
	switch k {
	case FrameI:
		return "I"
	case FrameP:
		return "P"
	case FrameB:
		return "B"
	default:
		return "-"
	}
}

// Packet is one encoded access unit. Timestamps and durations are in
// microseconds. Fields are set by the producer between Alloc and Store
// and are read-only afterwards.
type Packet struct {
	PTS      int64
	DTS      int64
	Duration int64
	Kind     FrameKind

	id      uint64
	refs    int
	payload []byte
	size    int

	queue   *Queue
	seq     uint64
	onQueue bool

	chunk  *chunk
	offset int64
}

// ID is unique for the life of the Store.
func (p *Packet) ID() uint64 { return p.id }

// Payload returns the in-memory payload, or nil when it has been evicted
// and not reloaded.
func (p *Packet) Payload() []byte { return p.payload }

// Size is the payload length whether or not it is resident.
func (p *Packet) Size() int { return p.size }

// Refs returns the current reference count.
func (p *Packet) Refs() int { return p.refs }

// Stored reports whether the packet is on its stream's delivery queue.
func (p *Packet) Stored() bool { return p.onQueue }

// Resident reports whether the payload is in memory.
func (p *Packet) Resident() bool { return p.payload != nil }

// OnDisk reports whether a disk copy of the payload exists.
func (p *Packet) OnDisk() bool { return p.chunk != nil }

// Seq is the packet's position in its queue. Positions never change
// once assigned, even after the packet is unstored.
func (p *Packet) Seq() uint64 { return p.seq }

// Queue returns the delivery queue the packet belongs to.
func (p *Packet) Queue() *Queue { return p.queue }

// End returns DTS + Duration.
func (p *Packet) End() int64 { return p.DTS + p.Duration }

func (p *Packet) String() string {
	return fmt.Sprintf("pkt#%d seq=%d dts=%d pts=%d dur=%d %s len=%d refs=%d",
		p.id, p.seq, p.DTS, p.PTS, p.Duration, p.Kind, p.size, p.refs)
}
