// Package parser turns elementary stream payloads into stored packets. It
// reassembles PES packets, unwraps and converts their timestamps, derives
// durations and picture types, and hands finished packets to the store.
package parser

import (
	"log/slog"
	"slices"

	"github.com/zsiec/ccx"

	"github.com/zsiec/tunerd/internal/mpegts"
	"github.com/zsiec/tunerd/internal/pktstore"
	"github.com/zsiec/tunerd/internal/stream"
)

const (
	maxPESSize = 4 << 20
	// maxPresentationDelay caps the PTS-DTS distance credited to a stream.
	maxPresentationDelay = 250_000

	captionsDTVCC = 1 << 4
)

// Parser implements demux.Parser on top of a packet store.
type Parser struct {
	store *pktstore.Store
	log   *slog.Logger
}

// New creates a parser delivering into store. If log is nil,
// slog.Default() is used.
func New(store *pktstore.Store, log *slog.Logger) *Parser {
	if log == nil {
		log = slog.Default()
	}
	return &Parser{store: store, log: log.With("component", "parser")}
}

type esState struct {
	buf    []byte
	want   int
	synced bool

	// last90 is the last unwrapped DTS in 90 kHz ticks, -1 before the first.
	last90 int64
	// next is the DTS expected for the following packet when durations
	// are known, or NoPTS.
	next int64

	pending *access
}

// access is a parsed access unit waiting for its duration.
type access struct {
	data     []byte
	pts, dts int64
	kind     pktstore.FrameKind
}

func (p *Parser) state(s *stream.Stream) *esState {
	if st, ok := s.Parser.(*esState); ok {
		return st
	}
	st := &esState{last90: -1, next: pktstore.NoPTS}
	s.Parser = st
	return st
}

// Parse consumes one cell payload of s.
func (p *Parser) Parse(s *stream.Stream, payload []byte, unitStart, discontinuity bool) {
	st := p.state(s)
	if discontinuity && st.synced {
		s.Dropped++
		st.buf = st.buf[:0]
		st.synced = false
	}

	switch {
	case unitStart:
		if st.synced && len(st.buf) > 0 {
			p.finish(s, st)
		}
		st.buf = append(st.buf[:0], payload...)
		st.synced = true
		st.want = 0
		if len(payload) >= 6 && mpegts.IsPESStart(payload) {
			if n := int(payload[4])<<8 | int(payload[5]); n > 0 {
				st.want = 6 + n
			}
		}
	case st.synced:
		st.buf = append(st.buf, payload...)
	default:
		return
	}

	switch {
	case st.want > 0 && len(st.buf) >= st.want:
		st.buf = st.buf[:st.want]
		p.finish(s, st)
		st.synced = false
	case len(st.buf) > maxPESSize:
		s.ParseErrors++
		st.buf = st.buf[:0]
		st.synced = false
	}
}

func (p *Parser) finish(s *stream.Stream, st *esState) {
	data := st.buf
	defer func() { st.buf = st.buf[:0] }()

	hdr, err := mpegts.ParsePESHeader(data)
	if err != nil {
		s.ParseErrors++
		p.log.Debug("bad PES header", "pid", s.PID, "error", err)
		return
	}
	es := data[hdr.DataOffset:]
	if len(es) == 0 {
		return
	}

	var pts, dts int64
	if hdr.PTS == mpegts.NoTimestamp {
		if st.next == pktstore.NoPTS {
			s.Dropped++
			return
		}
		pts, dts = st.next, st.next
	} else {
		raw := hdr.DTS
		if raw == mpegts.NoTimestamp {
			raw = hdr.PTS
		}
		d90 := mpegts.Unwrap(st.last90, raw)
		st.last90 = d90
		p90 := mpegts.Unwrap(d90, hdr.PTS)
		dts, pts = mpegts.TicksToMicros(d90), mpegts.TicksToMicros(p90)
	}
	if delay := pts - dts; delay > s.PeakPresentationDelay {
		s.PeakPresentationDelay = min(delay, maxPresentationDelay)
	}

	au := access{data: es, pts: pts, dts: dts}
	var duration int64
	switch s.Kind {
	case stream.KindH264:
		au.kind = p.scanH264(s, es)
	case stream.KindHEVC:
		au.kind = p.scanHEVC(s, es)
	case stream.KindMPEG2Video:
		var w, h int
		au.kind, w, h = scanMPEG2(es)
		if w > 0 && h > 0 {
			s.Width, s.Height = w, h
		}
	case stream.KindAAC:
		duration = scanADTS(es).micros()
	case stream.KindMPEGAudio:
		duration = scanMPA(es).micros()
	case stream.KindAC3:
		duration = scanAC3(es).micros()
	}

	p.settle(s, st, dts)
	if duration > 0 {
		p.deliver(s, au, duration)
		st.next = dts + duration
		return
	}
	au.data = slices.Clone(es)
	st.pending = &au
}

// settle delivers the pending access unit now that the next DTS is known.
func (p *Parser) settle(s *stream.Stream, st *esState, dts int64) {
	au := st.pending
	if au == nil {
		return
	}
	st.pending = nil
	d := dts - au.dts
	if d < 1 {
		s.Dropped++
		return
	}
	p.deliver(s, *au, d)
	st.next = dts
}

func (p *Parser) deliver(s *stream.Stream, au access, duration int64) {
	if !s.AdvanceDTS(au.dts) {
		s.Dropped++
		return
	}
	pkt := p.store.Alloc(s.Queue, au.data, au.pts, au.dts)
	pkt.Duration = duration
	pkt.Kind = au.kind
	s.Packets++
	s.Bytes += uint64(len(au.data))
	p.store.Store(pkt)
	p.store.Release(pkt)
}

func (p *Parser) scanH264(s *stream.Stream, es []byte) pktstore.FrameKind {
	kind := pktstore.FrameNone
	for _, nal := range ParseAnnexB(es) {
		switch nal.Type {
		case NALTypeSPS:
			if sps, err := ParseSPS(nal.Data); err == nil && (sps.Width != s.Width || sps.Height != s.Height) {
				s.Width, s.Height = sps.Width, sps.Height
				p.log.Debug("video size", "pid", s.PID, "width", sps.Width, "height", sps.Height)
			}
		case NALTypeSEI:
			p.captions(s, nal.Data)
		case NALTypeSlice, NALTypeIDR:
			if kind == pktstore.FrameNone {
				kind = sliceKind(nal.Data)
			}
		}
	}
	return kind
}

func (p *Parser) scanHEVC(s *stream.Stream, es []byte) pktstore.FrameKind {
	kind := pktstore.FrameNone
	for _, nal := range ParseAnnexBHEVC(es) {
		switch {
		case nal.Type == HEVCNALSEIPrefix && len(nal.Data) > 2:
			p.captions(s, nal.Data)
		case IsHEVCKeyframe(nal.Type):
			kind = pktstore.FrameI
		case nal.Type < HEVCNALBlaWLP && kind == pktstore.FrameNone:
			kind = pktstore.FrameP
		}
	}
	return kind
}

// captions records which caption services a video stream carries.
func (p *Parser) captions(s *stream.Stream, sei []byte) {
	cd := ccx.ExtractCaptions(sei)
	if cd == nil {
		return
	}
	seen := s.Captions
	for _, pair := range cd.CC608Pairs {
		if pair.Channel >= 1 && pair.Channel <= 4 {
			seen |= 1 << (pair.Channel - 1)
		}
	}
	if len(cd.DTVCC) > 0 {
		seen |= captionsDTVCC
	}
	if seen != s.Captions {
		p.log.Info("captions detected", "pid", s.PID, "services", seen)
		s.Captions = seen
	}
}
