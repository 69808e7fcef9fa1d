package tsmux

import (
	"fmt"

	"github.com/zsiec/tunerd/internal/pktstore"
)

// lock chooses a starting packet for every stream and returns the DTS the
// session starts at. Nothing is retained unless every required stream has
// a start.
func (s *Session) lock() (int64, error) {
	s.syncStreams()
	ref := s.pcr
	if ref == nil {
		return 0, ErrNoData
	}

	target := s.target
	if s.live {
		target += s.liveEdge()
	}
	first := s.pickStart(ref, target)
	if first == nil {
		return 0, fmt.Errorf("%w: %s", ErrNoData, ref.source)
	}
	start := first.DTS

	picks := make([]*pktstore.Packet, len(s.cursors))
	for i, c := range s.cursors {
		if c == ref {
			picks[i] = first
			continue
		}
		picks[i] = s.pickAfter(c, start)
		if picks[i] == nil && s.required(c) {
			return 0, fmt.Errorf("%w: %s", ErrNoData, c.source)
		}
	}
	for i, c := range s.cursors {
		if picks[i] == nil {
			c.stale = true
			continue
		}
		s.take(c, picks[i])
	}
	return start, nil
}

// required reports whether c must have a start for the session to lock.
// Sparse streams such as subtitles join later.
func (s *Session) required(c *cursor) bool {
	k := c.source.Kind
	return (k.IsVideo() || k.IsAudio()) && s.reg.Get(c.source.PID) == c.source
}

// liveEdge is the end of the newest packet of any stream.
func (s *Session) liveEdge() int64 {
	edge := int64(0)
	for _, c := range s.cursors {
		if p := c.source.Queue.Last(); p != nil {
			edge = max(edge, p.End())
		}
	}
	return edge
}

// pickStart returns the newest loadable starting point at or before
// target, or the oldest one after it when the past is gone. After a relock
// only later points qualify. Video starts at an I-frame when the parser
// knows frame kinds.
func (s *Session) pickStart(c *cursor, target int64) *pktstore.Packet {
	var all []*pktstore.Packet
	keyed := false
	c.source.Queue.Each(func(p *pktstore.Packet) bool {
		all = append(all, p)
		keyed = keyed || p.Kind == pktstore.FrameI
		return true
	})
	cands := all
	if keyed && c.source.Kind.IsVideo() {
		cands = cands[:0:0]
		for _, p := range all {
			if p.Kind == pktstore.FrameI {
				cands = append(cands, p)
			}
		}
	}

	i := 0
	for j, p := range cands {
		if s.live && p.DTS <= target {
			i = j
		}
		if !s.live && p.DTS < target {
			i = j + 1
		}
	}
	for ; i < len(cands); i++ {
		if s.loadable(cands[i]) {
			return cands[i]
		}
	}
	return nil
}

// pickAfter returns the first loadable packet of c still playing at start.
func (s *Session) pickAfter(c *cursor, start int64) *pktstore.Packet {
	var found *pktstore.Packet
	c.source.Queue.Each(func(p *pktstore.Packet) bool {
		if p.End() > start && s.loadable(p) {
			found = p
			return false
		}
		return true
	})
	return found
}
