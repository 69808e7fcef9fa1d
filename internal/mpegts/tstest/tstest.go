// Package tstest builds synthetic transport streams for tests: cells,
// PSI sections and PES packets.
package tstest

import (
	"github.com/zsiec/tunerd/internal/mpegts"
)

// Cell builds a payload-only cell. payload is truncated or zero-padded to
// fill the cell.
func Cell(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	buf := make([]byte, mpegts.CellSize)
	buf[0] = mpegts.SyncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	buf[3] = 0x10 | (cc & 0x0F)
	if pusi {
		buf[1] |= 0x40
	}
	copy(buf[4:], payload)
	return buf
}

// CellWithPCR builds a cell whose adaptation field carries a PCR base,
// followed by payload.
func CellWithPCR(pid uint16, cc uint8, pcr int64, payload []byte) []byte {
	buf := make([]byte, mpegts.CellSize)
	buf[0] = mpegts.SyncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	buf[3] = 0x30 | (cc & 0x0F)
	buf[4] = 7
	buf[5] = 0x10
	mpegts.PutPCR(buf[6:12], pcr)
	copy(buf[12:], payload)
	return buf
}

// Section packs a PSI section into a single unit-start cell.
func Section(pid uint16, cc uint8, section []byte) []byte {
	cells, _ := mpegts.SectionCells(pid, cc, section)
	return cells
}

// Program is one PAT entry.
type Program struct {
	Number, PID uint16
}

// PAT returns a PAT section.
func PAT(tsID uint16, programs ...Program) []byte {
	ps := make([]mpegts.PATProgram, len(programs))
	for i, p := range programs {
		ps[i] = mpegts.PATProgram{Number: p.Number, PMTPID: p.PID}
	}
	return mpegts.BuildPAT(tsID, 0, ps)
}

// ES is one PMT entry.
type ES struct {
	Type uint8
	PID  uint16
}

// PMT returns a PMT section.
func PMT(program, pcrPID uint16, streams ...ES) []byte {
	pmt := &mpegts.PMT{ProgramNumber: program, PCRPID: pcrPID}
	for _, s := range streams {
		pmt.Streams = append(pmt.Streams, mpegts.PMTStream{StreamType: s.Type, PID: s.PID})
	}
	return mpegts.BuildPMT(pmt)
}

// PES builds a PES packet. pts and dts are 90 kHz values; dts equal to pts
// or mpegts.NoTimestamp omits the DTS.
func PES(streamID uint8, pts, dts int64, data []byte) []byte {
	b := mpegts.AppendPESHeader(nil, streamID, len(data), pts, dts)
	return append(b, data...)
}

// Packetize splits pes into cells on pid, advancing *cc.
func Packetize(pes []byte, pid uint16, cc *uint8) []byte {
	var out []byte
	first := true
	for len(pes) > 0 {
		cell, n := mpegts.PayloadCell(pid, *cc, first, pes)
		*cc = (*cc + 1) & 0x0F
		first = false
		pes = pes[n:]
		out = append(out, cell...)
	}
	return out
}

// Cells splits a byte stream into 188-byte cells.
func Cells(ts []byte) [][]byte {
	var out [][]byte
	for len(ts) >= mpegts.CellSize {
		out = append(out, ts[:mpegts.CellSize])
		ts = ts[mpegts.CellSize:]
	}
	return out
}

// H264Frame returns an Annex B access unit: an AUD and one slice NAL of
// the given type (5 for IDR, 1 for non-IDR) whose slice header encodes
// slice_type, padded to size bytes.
func H264Frame(nalType, sliceType uint8, size int) []byte {
	// first_mb_in_slice = 0 (ue "1"), slice_type ue(v)
	b := []byte{0, 0, 0, 1, 0x09, 0xF0, 0, 0, 0, 1, 0x60 | nalType}
	b = append(b, ueByte(sliceType))
	for len(b) < size {
		b = append(b, 0xAB)
	}
	return b
}

// ueByte encodes first_mb_in_slice=0 followed by slice_type as exp-Golomb
// bits in one byte (slice types 0..6).
func ueByte(v uint8) byte {
	// "1" for first_mb_in_slice, then ue(v): v+1 in (2*bits-1) bits
	code := uint(v) + 1
	n := 0
	for c := code; c > 0; c >>= 1 {
		n++
	}
	bits := uint(1)<<(2*n-1) | code // leading "1" plus zeros plus code
	width := 1 + 2*n - 1
	return byte(bits << (8 - width))
}
