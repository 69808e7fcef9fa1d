package tsmux

import (
	"testing"

	"github.com/zsiec/tunerd/internal/mpegts"
	"github.com/zsiec/tunerd/internal/mpegts/tstest"
	"github.com/zsiec/tunerd/internal/pktstore"
	"github.com/zsiec/tunerd/internal/stream"
)

// section cuts the PSI section out of a unit-start cell.
func section(t *testing.T, c outCell) []byte {
	t.Helper()
	b := c.cell[c.PayloadOffset+1+int(c.cell[c.PayloadOffset]):]
	n := 3 + (int(b[1]&0x0F)<<8 | int(b[2]))
	if n > len(b) {
		t.Fatalf("section length %d overruns cell", n)
	}
	return b[:n]
}

func rawInput() []byte {
	var in []byte
	in = append(in, tstest.Section(mpegts.PIDPAT, 0, tstest.PAT(7, tstest.Program{Number: 3, PID: 0x40}))...)
	in = append(in, tstest.CellWithPCR(videoPID, 3, 900, []byte{1, 2, 3})...)
	in = append(in, tstest.Cell(audioPID, 7, true, []byte{4, 5, 6})...)
	in = append(in, tstest.Cell(mpegts.PIDNull, 0, false, nil)...)
	return in
}

func TestRemuxerRewritesPIDs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, pktstore.Config{})
	f.reg.Add(videoPID, stream.KindH264)
	f.reg.Add(audioPID, stream.KindAAC)
	f.reg.PCRPID = videoPID

	r := NewRemuxer(f.reg, f.clock, Config{}, f.output, nil)
	r.Input(rawInput(), 900)

	cells := f.cells()
	if len(cells) != 4 {
		t.Fatalf("got %d cells, want PAT, PMT and two media cells", len(cells))
	}
	if cells[0].PID != mpegts.PIDPAT || cells[1].PID != PIDPMT {
		t.Fatalf("tables not first: %d %d", cells[0].PID, cells[1].PID)
	}

	pat, err := mpegts.ParsePAT(section(t, cells[0]))
	if err != nil {
		t.Fatal(err)
	}
	if len(pat.Programs) != 1 || pat.Programs[0].PMTPID != PIDPMT {
		t.Errorf("PAT programs = %+v", pat.Programs)
	}
	pmt, err := mpegts.ParsePMT(section(t, cells[1]))
	if err != nil {
		t.Fatal(err)
	}
	if pmt.PCRPID != PIDESBase {
		t.Errorf("PCR PID = %d", pmt.PCRPID)
	}
	want := []mpegts.PMTStream{{StreamType: 0x1B, PID: PIDESBase}, {StreamType: 0x0F, PID: PIDESBase + 1}}
	if len(pmt.Streams) != len(want) {
		t.Fatalf("PMT streams = %+v", pmt.Streams)
	}
	for i, w := range want {
		if pmt.Streams[i].StreamType != w.StreamType || pmt.Streams[i].PID != w.PID {
			t.Errorf("stream %d = %+v, want %+v", i, pmt.Streams[i], w)
		}
	}

	if c := cells[2]; c.PID != PIDESBase || c.ContinuityCounter != 3 || !c.HasPCR {
		t.Errorf("video cell = %+v", c.Header)
	}
	if base, _ := mpegts.ReadPCR(cells[2].cell); base != 900 {
		t.Errorf("PCR base = %d", base)
	}
	if c := cells[3]; c.PID != PIDESBase+1 || c.ContinuityCounter != 7 || !c.PayloadUnitStartIndicator {
		t.Errorf("audio cell = %+v", c.Header)
	}
	if st := r.Stats(); st.Streams != 2 || st.Cells != 4 {
		t.Errorf("stats = %+v", st)
	}
}

func TestRemuxerTableCadence(t *testing.T) {
	t.Parallel()
	f := newFixture(t, pktstore.Config{})
	f.reg.Add(videoPID, stream.KindH264)
	r := NewRemuxer(f.reg, f.clock, Config{}, f.output, nil)

	countPAT := func() int {
		n := 0
		for _, c := range f.cells() {
			if c.PID == mpegts.PIDPAT {
				n++
			}
		}
		return n
	}

	media := tstest.Cell(videoPID, 0, false, nil)
	r.Input(media, -1)
	f.clock.Advance(50_000)
	r.Input(media, -1)
	if n := countPAT(); n != 1 {
		t.Fatalf("%d PATs before the refresh interval", n)
	}
	f.clock.Advance(50_000)
	r.Input(media, -1)
	if n := countPAT(); n != 2 {
		t.Fatalf("%d PATs after the refresh interval", n)
	}

	// a new stream forces the tables out with a new PMT version
	f.reg.Add(audioPID, stream.KindAAC)
	f.clock.Advance(10_000)
	r.Input(tstest.Cell(audioPID, 0, false, nil), -1)
	if n := countPAT(); n != 3 {
		t.Fatalf("tables not rewritten on a stream change")
	}
	cells := f.cells()
	var last outCell
	for _, c := range cells {
		if c.PID == PIDPMT {
			last = c
		}
	}
	pmt, err := mpegts.ParsePMT(section(t, last))
	if err != nil {
		t.Fatal(err)
	}
	if pmt.Version != 1 || len(pmt.Streams) != 2 {
		t.Errorf("PMT after change = %+v", pmt)
	}
	// the video stream was not the announced PCR PID
	if pmt.PCRPID != mpegts.PIDNull {
		t.Errorf("PCR PID = %d", pmt.PCRPID)
	}
	if c := cells[len(cells)-1]; c.PID != PIDESBase+1 {
		t.Errorf("audio mapped to %d", c.PID)
	}
}

func TestRemuxerClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t, pktstore.Config{})
	f.reg.Add(videoPID, stream.KindH264)
	r := NewRemuxer(f.reg, f.clock, Config{}, f.output, nil)
	r.Close()
	r.Input(rawInput(), -1)
	if len(f.out) != 0 {
		t.Errorf("closed remuxer wrote %d bytes", len(f.out))
	}
	if r.Stats().State != StateIdle {
		t.Error("closed remuxer not idle")
	}
}
