package mpegts

import (
	"bytes"
	"testing"
)

func collect(out *[][]byte) func([]byte) {
	return func(s []byte) {
		*out = append(*out, append([]byte(nil), s...))
	}
}

func cellPayload(cell []byte) []byte {
	h, _ := ParseHeader(cell)
	return cell[h.PayloadOffset:]
}

func TestSectionAssembler_SingleCell(t *testing.T) {
	t.Parallel()
	section := BuildPAT(1, 0, []PATProgram{{Number: 1, PMTPID: 0x1000}})
	cells, _ := SectionCells(PIDPAT, 0, section)

	var a SectionAssembler
	var got [][]byte
	if bad := a.Feed(cellPayload(cells), true, false, collect(&got)); bad != 0 {
		t.Fatalf("bad = %d", bad)
	}
	if len(got) != 1 || !bytes.Equal(got[0], section) {
		t.Fatalf("got %d sections", len(got))
	}
}

func TestSectionAssembler_MultiCell(t *testing.T) {
	t.Parallel()
	pmt := &PMT{ProgramNumber: 1, PCRPID: 0x100}
	for i := 0; i < 60; i++ {
		pmt.Streams = append(pmt.Streams, PMTStream{StreamType: 0x0F, PID: uint16(0x200 + i)})
	}
	section := BuildPMT(pmt)
	cells, _ := SectionCells(0x1000, 0, section)

	var a SectionAssembler
	var got [][]byte
	for i, cell := range [][]byte{cells[:CellSize], cells[CellSize : 2*CellSize]} {
		a.Feed(cellPayload(cell), i == 0, false, collect(&got))
	}
	if len(got) != 1 || !bytes.Equal(got[0], section) {
		t.Fatalf("got %d sections", len(got))
	}
}

func TestSectionAssembler_DiscontinuityDropsPartial(t *testing.T) {
	t.Parallel()
	pmt := &PMT{ProgramNumber: 1, PCRPID: 0x100}
	for i := 0; i < 60; i++ {
		pmt.Streams = append(pmt.Streams, PMTStream{StreamType: 0x0F, PID: uint16(0x200 + i)})
	}
	section := BuildPMT(pmt)
	cells, _ := SectionCells(0x1000, 0, section)

	var a SectionAssembler
	var got [][]byte
	a.Feed(cellPayload(cells[:CellSize]), true, false, collect(&got))
	a.Feed(cellPayload(cells[CellSize:2*CellSize]), false, true, collect(&got))
	if len(got) != 0 {
		t.Fatal("partial section must be dropped after a discontinuity")
	}

	// a fresh unit start resynchronizes
	a.Feed(cellPayload(cells[:CellSize]), true, false, collect(&got))
	a.Feed(cellPayload(cells[CellSize:2*CellSize]), false, false, collect(&got))
	if len(got) != 1 {
		t.Fatalf("got %d sections after resync, want 1", len(got))
	}
}

func TestSectionAssembler_BadCRCCounted(t *testing.T) {
	t.Parallel()
	section := BuildPAT(1, 0, []PATProgram{{Number: 1, PMTPID: 0x1000}})
	section[9] ^= 0x01
	cells, _ := SectionCells(PIDPAT, 0, section)

	var a SectionAssembler
	var got [][]byte
	if bad := a.Feed(cellPayload(cells), true, false, collect(&got)); bad != 1 {
		t.Errorf("bad = %d, want 1", bad)
	}
	if len(got) != 0 {
		t.Error("corrupt section delivered")
	}
}

func TestSectionAssembler_PointerFieldTail(t *testing.T) {
	t.Parallel()
	first := BuildPAT(1, 0, []PATProgram{{Number: 1, PMTPID: 0x1000}})
	second := BuildPAT(1, 1, []PATProgram{{Number: 2, PMTPID: 0x1001}})

	// cell 1 starts the first section; cell 2 finishes it through the
	// pointer field and starts the second.
	split := 5
	c1 := append([]byte{0}, first[:split]...)
	c2 := append([]byte{byte(len(first) - split)}, first[split:]...)
	c2 = append(c2, second...)

	var a SectionAssembler
	var got [][]byte
	a.Feed(c1, true, false, collect(&got))
	a.Feed(c2, true, false, collect(&got))
	if len(got) != 2 {
		t.Fatalf("got %d sections, want 2", len(got))
	}
	if !bytes.Equal(got[0], first) || !bytes.Equal(got[1], second) {
		t.Error("section contents differ")
	}
}

func TestSectionAssembler_IgnoresUntilUnitStart(t *testing.T) {
	t.Parallel()
	section := BuildPAT(1, 0, []PATProgram{{Number: 1, PMTPID: 0x1000}})
	var a SectionAssembler
	var got [][]byte
	a.Feed(section, false, false, collect(&got))
	if len(got) != 0 {
		t.Error("section accepted before the first unit start")
	}
}
