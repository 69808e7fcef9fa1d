// Package stream holds the elementary streams of a transport: their
// demultiplexing state and the delivery queues the packet store fills.
package stream

import (
	"fmt"

	"github.com/zsiec/tunerd/internal/mpegts"
	"github.com/zsiec/tunerd/internal/pktstore"
)

// Stream is one PID of a transport. It is owned by the transport's
// registry and touched only from the event loop.
type Stream struct {
	PID      uint16
	Kind     Kind
	Index    int
	Language string
	CAIDs    []uint16
	// Descriptors are the PMT descriptors of the stream, minus CA.
	Descriptors []mpegts.Descriptor

	// Queue is the delivery queue of stored packets.
	Queue *pktstore.Queue

	// Continuity is the last continuity counter seen, or -1.
	Continuity int
	CCErrors   uint64
	// PCR is the last PCR base seen on this PID, or -1.
	PCR int64

	Sections      mpegts.SectionAssembler
	SectionErrors uint64
	// OnSection receives CRC-checked sections of section streams.
	OnSection func(s *Stream, section []byte)

	// LastDTS is the DTS of the newest packet delivered, or pktstore.NoPTS.
	LastDTS int64
	// PeakPresentationDelay is the largest PTS-DTS distance seen, in µs.
	PeakPresentationDelay int64
	// Captions is a bitmask of CEA-608 channels 1-4 (bits 0-3) and
	// CEA-708 (bit 4) seen in the video.
	Captions uint8
	// Width and Height come from the video sequence header.
	Width, Height int

	Packets     uint64
	Bytes       uint64
	Dropped     uint64
	ParseErrors uint64

	// Parser is scratch state owned by the content parser.
	Parser any
}

func newStream(owner string, pid uint16, kind Kind, index int) *Stream {
	s := &Stream{
		PID:   pid,
		Kind:  kind,
		Index: index,
		Queue: pktstore.NewQueue(fmt.Sprintf("%s/%d", owner, pid)),
	}
	s.Reset()
	return s
}

// Reset clears demultiplexing and parsing state. Queued packets are left
// to the caller.
func (s *Stream) Reset() {
	s.Continuity = -1
	s.PCR = -1
	s.Sections.Reset()
	s.LastDTS = pktstore.NoPTS
	s.Parser = nil
}

// AdvanceDTS moves the delivery watermark. It refuses timestamps that do
// not increase it.
func (s *Stream) AdvanceDTS(dts int64) bool {
	if s.LastDTS != pktstore.NoPTS && dts <= s.LastDTS {
		return false
	}
	s.LastDTS = dts
	return true
}

func (s *Stream) String() string {
	return fmt.Sprintf("%s pid=%d", s.Kind, s.PID)
}

// Info is a point-in-time view of a stream for the API.
type Info struct {
	PID         uint16 `json:"pid"`
	Kind        Kind   `json:"kind"`
	Language    string `json:"language,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	Captions    uint8  `json:"captions,omitempty"`
	Queued      int    `json:"queued"`
	QueuedBytes int64  `json:"queuedBytes"`
	Packets     uint64 `json:"packets"`
	Bytes       uint64 `json:"bytes"`
	CCErrors    uint64 `json:"ccErrors"`
	Errors      uint64 `json:"errors"`
	Dropped     uint64 `json:"dropped"`
}

// Info returns a snapshot for the API.
func (s *Stream) Info() Info {
	return Info{
		PID:         s.PID,
		Kind:        s.Kind,
		Language:    s.Language,
		Width:       s.Width,
		Height:      s.Height,
		Captions:    s.Captions,
		Queued:      s.Queue.Len(),
		QueuedBytes: s.Queue.Bytes(),
		Packets:     s.Packets,
		Bytes:       s.Bytes,
		CCErrors:    s.CCErrors,
		Errors:      s.SectionErrors + s.ParseErrors,
		Dropped:     s.Dropped,
	}
}
