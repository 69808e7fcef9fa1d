package tsmux

import (
	"log/slog"

	"github.com/zsiec/tunerd/internal/evloop"
	"github.com/zsiec/tunerd/internal/mpegts"
	"github.com/zsiec/tunerd/internal/stream"
)

// Remuxer passes raw transport cells through, moving elementary streams
// onto the output PIDs and replacing the PSI with its own PAT and PMT.
// Cells of unmapped PIDs are dropped. Input order is preserved and there
// is no pacing.
type Remuxer struct {
	reg   *stream.Registry
	clock evloop.Clock
	cfg   Config
	log   *slog.Logger
	w     *writer
	tab   tables

	pids       map[uint16]uint16
	entries    []esEntry
	pcrPID     uint16
	nextTables int64
	scratch    [mpegts.CellSize]byte
	closed     bool
}

// NewRemuxer creates a remuxer for the streams of reg. If log is nil,
// slog.Default() is used.
func NewRemuxer(reg *stream.Registry, clock evloop.Clock, cfg Config, out Output, log *slog.Logger) *Remuxer {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Remuxer{
		reg:        reg,
		clock:      clock,
		cfg:        cfg,
		log:        log.With("component", "tsmux-raw"),
		w:          newWriter(out, cfg.BatchCells),
		pids:       make(map[uint16]uint16),
		pcrPID:     mpegts.PIDNull,
		nextTables: clock.Now(),
	}
}

// Input rewrites one batch of raw cells. pcr is the transport's last PCR
// base.
func (r *Remuxer) Input(cells []byte, pcr int64) {
	if r.closed {
		return
	}
	now := r.clock.Now()
	if r.sync() || now >= r.nextTables {
		r.tab.write(r.w)
		r.nextTables = now + r.cfg.TableInterval
	}
	r.w.pcr = pcr
	for ; len(cells) >= mpegts.CellSize; cells = cells[mpegts.CellSize:] {
		out, ok := r.pids[mpegts.PID(cells)]
		if !ok {
			continue
		}
		copy(r.scratch[:], cells[:mpegts.CellSize])
		mpegts.SetPID(r.scratch[:], out)
		r.w.add(r.scratch[:])
	}
	r.w.flush()
}

// Close stops output.
func (r *Remuxer) Close() {
	r.closed = true
	r.w.stop()
}

// Stats returns cell and batch counters.
func (r *Remuxer) Stats() Stats {
	state := StatePlay
	if r.closed {
		state = StateIdle
	}
	return Stats{State: state, Streams: len(r.entries), Cells: r.w.cells, Batches: r.w.sent}
}

// sync maps new streams and rebuilds the PMT. It reports whether the
// mapping changed.
func (r *Remuxer) sync() bool {
	changed := false
	for _, st := range r.reg.Media() {
		if !muxable(st) {
			continue
		}
		if _, ok := r.pids[st.PID]; ok {
			continue
		}
		e := esEntry{pid: PIDESBase + uint16(len(r.entries)), source: st}
		r.pids[st.PID] = e.pid
		r.entries = append(r.entries, e)
		changed = true
		r.log.Debug("stream mapped", "pid", st.PID, "out_pid", e.pid, "kind", st.Kind)
	}

	pcrPID := mpegts.PIDNull
	if out, ok := r.pids[r.reg.PCRPID]; ok {
		pcrPID = out
	}
	if pcrPID != r.pcrPID {
		r.pcrPID = pcrPID
		changed = true
	}
	if changed || r.tab.pmt == nil {
		r.tab.update(r.entries, r.pcrPID)
	}
	return changed
}
