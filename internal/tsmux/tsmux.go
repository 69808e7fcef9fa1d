// Package tsmux re-multiplexes the stored packets of a transport's streams
// into a single program transport stream paced in real time.
//
// A Session locks a cursor onto every elementary stream, then emits cells
// from the stream whose next cell is due first, interleaving PCR cells and
// PAT/PMT refreshes. A Remuxer is the unpaced alternative: it rewrites the
// PIDs of raw transport cells and replaces the tables.
package tsmux

import (
	"errors"

	"github.com/zsiec/tunerd/internal/mpegts"
	"github.com/zsiec/tunerd/internal/stream"
)

// Output PIDs.
const (
	PIDPMT    uint16 = 1000
	PIDESBase uint16 = 2000

	programNumber uint16 = 1
	tsID          uint16 = 1
)

// ErrNoData is reported when a stream has no loadable packet to start
// from. The session retries on the next packet event.
var ErrNoData = errors.New("tsmux: no data available")

// Config holds pacing parameters. Durations are microseconds.
type Config struct {
	// StartDelay is the lead given to the first packet after a lock.
	StartDelay int64 `yaml:"start_delay"`
	// Skew moves every deadline earlier.
	Skew          int64 `yaml:"skew"`
	PCRInterval   int64 `yaml:"pcr_interval"`
	TableInterval int64 `yaml:"table_interval"`
	// BatchCells is the number of cells handed to the output at once.
	BatchCells int `yaml:"batch_cells"`
}

// DefaultConfig returns the standard pacing parameters.
func DefaultConfig() Config {
	return Config{
		StartDelay:    500_000,
		PCRInterval:   20_000,
		TableInterval: 100_000,
		BatchCells:    7,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StartDelay <= 0 {
		c.StartDelay = d.StartDelay
	}
	if c.PCRInterval <= 0 {
		c.PCRInterval = d.PCRInterval
	}
	if c.TableInterval <= 0 {
		c.TableInterval = d.TableInterval
	}
	if c.BatchCells <= 0 {
		c.BatchCells = d.BatchCells
	}
	return c
}

// Output receives batches of cells together with the last PCR base
// written, in 90 kHz ticks, or -1. cells is only valid during the call.
type Output func(cells []byte, pcr int64)

// writer batches cells for an Output.
type writer struct {
	out   Output
	batch []byte
	max   int
	pcr   int64
	cells uint64
	sent  uint64
	done  bool
}

func newWriter(out Output, batchCells int) *writer {
	return &writer{
		out:   out,
		batch: make([]byte, 0, batchCells*mpegts.CellSize),
		max:   batchCells * mpegts.CellSize,
		pcr:   -1,
	}
}

func (w *writer) add(cell []byte) {
	w.batch = append(w.batch, cell[:mpegts.CellSize]...)
	w.cells++
	if len(w.batch) >= w.max {
		w.flush()
	}
}

func (w *writer) flush() {
	if len(w.batch) == 0 || w.done {
		return
	}
	w.sent++
	w.out(w.batch, w.pcr)
	w.batch = w.batch[:0]
}

// stop drops buffered cells and suppresses all further output.
func (w *writer) stop() {
	w.done = true
	w.batch = w.batch[:0]
}

// esEntry is one elementary stream of the output program.
type esEntry struct {
	pid    uint16
	source *stream.Stream
}

// tables synthesizes the output PAT and PMT.
type tables struct {
	patCC, pmtCC uint8
	version      uint8
	pmt          []byte
}

// update rebuilds the PMT if the stream set changed.
func (t *tables) update(streams []esEntry, pcrPID uint16) {
	pmt := &mpegts.PMT{ProgramNumber: programNumber, Version: t.version, PCRPID: pcrPID}
	for _, e := range streams {
		pmt.Streams = append(pmt.Streams, mpegts.PMTStream{
			StreamType:  e.source.Kind.StreamType(),
			PID:         e.pid,
			Descriptors: e.source.Descriptors,
		})
	}
	section := mpegts.BuildPMT(pmt)
	if t.pmt == nil {
		t.pmt = section
		return
	}
	if string(section) == string(t.pmt) {
		return
	}
	t.version = (t.version + 1) & 0x1F
	pmt.Version = t.version
	t.pmt = mpegts.BuildPMT(pmt)
}

func (t *tables) write(w *writer) {
	var cells []byte
	pat := mpegts.BuildPAT(tsID, 0, []mpegts.PATProgram{{Number: programNumber, PMTPID: PIDPMT}})
	cells, t.patCC = mpegts.SectionCells(mpegts.PIDPAT, t.patCC, pat)
	for len(cells) > 0 {
		w.add(cells)
		cells = cells[mpegts.CellSize:]
	}
	cells, t.pmtCC = mpegts.SectionCells(PIDPMT, t.pmtCC, t.pmt)
	for len(cells) > 0 {
		w.add(cells)
		cells = cells[mpegts.CellSize:]
	}
}

// muxable reports whether a stream can be carried in the output program.
func muxable(s *stream.Stream) bool {
	return s.Kind.StreamType() != 0
}
