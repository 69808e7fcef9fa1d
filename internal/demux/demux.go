package demux

import (
	"log/slog"

	"github.com/zsiec/tunerd/internal/mpegts"
	"github.com/zsiec/tunerd/internal/stream"
	"github.com/zsiec/tunerd/internal/transport"
)

// Parser turns elementary stream payloads into stored packets.
type Parser interface {
	// Parse receives the payload of one cell. unitStart is the cell's
	// payload unit start indicator; discontinuity is set after lost cells.
	Parse(s *stream.Stream, payload []byte, unitStart, discontinuity bool)
}

// Demuxer dispatches the cells of one transport.
type Demuxer struct {
	log    *slog.Logger
	t      *transport.Transport
	parser Parser

	// program is the service selected from the PAT; 0 takes the first.
	program uint16
	pmtPID  uint16
	lastPMT []byte

	raw []byte
}

// New binds a demuxer to t and installs the PAT stream. program selects
// the service; 0 takes the first one listed. If log is nil,
// slog.Default() is used.
func New(t *transport.Transport, program uint16, parser Parser, log *slog.Logger) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	d := &Demuxer{
		log:     log.With("component", "demux", "transport", t.ID()),
		t:       t,
		parser:  parser,
		program: program,
		pmtPID:  mpegts.PIDNull,
	}
	pat, _ := t.Streams.Add(mpegts.PIDPAT, stream.KindPAT)
	pat.OnSection = d.onPAT
	t.SetReceiver(d.HandleCells)
	return d
}

// HandleCells consumes sync-aligned cells. Clear cells of known PIDs are
// forwarded to the transport's subscribers once the whole buffer has been
// demultiplexed.
func (d *Demuxer) HandleCells(buf []byte) {
	for len(buf) >= mpegts.CellSize {
		d.handleCell(buf[:mpegts.CellSize])
		buf = buf[mpegts.CellSize:]
	}
	if len(buf) > 0 {
		d.t.Counters.SyncErrors++
	}
	if len(d.raw) > 0 {
		d.t.DeliverRaw(d.raw)
		d.raw = d.raw[:0]
	}
}

func (d *Demuxer) handleCell(cell []byte) {
	c := &d.t.Counters
	h, err := mpegts.ParseHeader(cell)
	if err != nil {
		c.SyncErrors++
		return
	}
	c.Cells++
	c.Bytes += mpegts.CellSize

	if h.TransportErrorIndicator {
		c.TEIErrors++
		return
	}
	s := d.t.Streams.Get(h.PID)
	if s == nil {
		return
	}

	if h.Scrambling != 0 {
		if !d.t.Descramble(cell) {
			c.Undescrambled++
			return
		}
		if h, err = mpegts.ParseHeader(cell); err != nil || h.Scrambling != 0 {
			c.Undescrambled++
			return
		}
	}

	gap := false
	if h.HasPayload {
		cc := int(h.ContinuityCounter)
		if s.Continuity >= 0 && cc != (s.Continuity+1)&0x0F && !h.DiscontinuityIndicator {
			gap = true
			s.CCErrors++
			c.CCErrors++
			d.t.ReportErrors(1)
		}
		s.Continuity = cc
	}

	if h.HasPCR {
		if pcr, ok := mpegts.ReadPCR(cell); ok {
			s.PCR = pcr
			if h.PID == d.t.Streams.PCRPID {
				d.t.PCR = pcr
			}
		}
	}

	d.raw = append(d.raw, cell...)

	if !h.HasPayload {
		return
	}
	payload := cell[h.PayloadOffset:]
	discontinuity := gap || h.DiscontinuityIndicator

	if s.Kind.IsSection() {
		bad := s.Sections.Feed(payload, h.PayloadUnitStartIndicator, discontinuity, func(section []byte) {
			if s.OnSection != nil {
				s.OnSection(s, section)
			}
		})
		if bad > 0 {
			s.SectionErrors += uint64(bad)
			c.SectionErrors += uint64(bad)
		}
		return
	}
	if d.parser != nil {
		d.parser.Parse(s, payload, h.PayloadUnitStartIndicator, discontinuity)
	}
}

func (d *Demuxer) sectionError(s *stream.Stream, err error) {
	s.SectionErrors++
	d.t.Counters.SectionErrors++
	d.log.Debug("malformed section", "pid", s.PID, "error", err)
}
