package mpegts

import (
	"errors"
	"fmt"
)

var errSectionShort = errors.New("section too short")

func sectionLength(data []byte) int {
	return int(data[1]&0x0F)<<8 | int(data[2])
}

// ParsePAT decodes a PAT section, CRC included. Program 0 (the NIT
// reference) is skipped.
func ParsePAT(data []byte) (*PAT, error) {
	// data layout:
	// [0]    table_id
	// [1-2]  section_syntax_indicator(1) + zero(1) + reserved(2) + section_length(12)
	// [3-4]  transport_stream_id
	// [5]    reserved(2) + version(5) + current_next(1)
	// [6]    section_number
	// [7]    last_section_number
	// [8..N-4] program entries (4 bytes each)
	// [N-4..N] CRC32
	if len(data) < 12 {
		return nil, fmt.Errorf("mpegts: PAT %w", errSectionShort)
	}
	if data[0] != TableIDPAT {
		return nil, fmt.Errorf("mpegts: PAT table id 0x%02X", data[0])
	}
	if err := VerifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PAT %w", err)
	}

	end := 3 + sectionLength(data) - 4
	if end > len(data)-4 {
		end = len(data) - 4
	}

	pat := &PAT{
		TransportStreamID: uint16(data[3])<<8 | uint16(data[4]),
		Version:           data[5] >> 1 & 0x1F,
	}
	for i := 8; i+4 <= end; i += 4 {
		number := uint16(data[i])<<8 | uint16(data[i+1])
		pid := uint16(data[i+2]&0x1F)<<8 | uint16(data[i+3])
		if number == 0 {
			continue
		}
		pat.Programs = append(pat.Programs, PATProgram{Number: number, PMTPID: pid})
	}
	return pat, nil
}

// ParsePMT decodes a PMT section, CRC included.
func ParsePMT(data []byte) (*PMT, error) {
	// data layout:
	// [0]    table_id
	// [1-2]  section_syntax_indicator(1) + zero(1) + reserved(2) + section_length(12)
	// [3-4]  program_number
	// [5]    reserved(2) + version(5) + current_next(1)
	// [6]    section_number
	// [7]    last_section_number
	// [8-9]  reserved(3) + PCR_PID(13)
	// [10-11] reserved(4) + program_info_length(12)
	// [...] program descriptors
	// [...] elementary stream entries
	// [...] CRC32
	if len(data) < 16 {
		return nil, fmt.Errorf("mpegts: PMT %w", errSectionShort)
	}
	if data[0] != TableIDPMT {
		return nil, fmt.Errorf("mpegts: PMT table id 0x%02X", data[0])
	}
	if err := VerifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PMT %w", err)
	}

	end := 3 + sectionLength(data) - 4
	if end > len(data)-4 {
		end = len(data) - 4
	}

	pmt := &PMT{
		ProgramNumber: uint16(data[3])<<8 | uint16(data[4]),
		Version:       data[5] >> 1 & 0x1F,
		PCRPID:        uint16(data[8]&0x1F)<<8 | uint16(data[9]),
	}

	infoLen := int(data[10]&0x0F)<<8 | int(data[11])
	offset := 12 + infoLen
	if offset > end {
		return nil, fmt.Errorf("mpegts: PMT program_info_length %d out of range", infoLen)
	}
	pmt.Descriptors = parseDescriptors(data[12:offset])

	for offset+5 <= end {
		st := PMTStream{
			StreamType: data[offset],
			PID:        uint16(data[offset+1]&0x1F)<<8 | uint16(data[offset+2]),
		}
		esInfoLen := int(data[offset+3]&0x0F)<<8 | int(data[offset+4])
		offset += 5
		if offset+esInfoLen > end {
			break
		}
		st.Descriptors = parseDescriptors(data[offset : offset+esInfoLen])
		pmt.Streams = append(pmt.Streams, st)
		offset += esInfoLen
	}
	return pmt, nil
}

func parseDescriptors(data []byte) []Descriptor {
	var ds []Descriptor
	for len(data) >= 2 {
		tag, n := data[0], int(data[1])
		if 2+n > len(data) {
			break
		}
		ds = append(ds, Descriptor{Tag: tag, Data: data[2 : 2+n]})
		data = data[2+n:]
	}
	return ds
}

func appendDescriptors(b []byte, ds []Descriptor) []byte {
	for _, d := range ds {
		b = append(b, d.Tag, byte(len(d.Data)))
		b = append(b, d.Data...)
	}
	return b
}

func descriptorsLen(ds []Descriptor) int {
	n := 0
	for _, d := range ds {
		n += 2 + len(d.Data)
	}
	return n
}

// BuildPAT encodes a single-section PAT with CRC.
func BuildPAT(tsID uint16, version uint8, programs []PATProgram) []byte {
	length := 5 + 4*len(programs) + 4
	b := make([]byte, 0, 3+length)
	b = append(b,
		TableIDPAT,
		0xB0|byte(length>>8)&0x0F,
		byte(length),
		byte(tsID>>8), byte(tsID),
		0xC1|version&0x1F<<1,
		0, 0,
	)
	for _, p := range programs {
		b = append(b, byte(p.Number>>8), byte(p.Number), 0xE0|byte(p.PMTPID>>8)&0x1F, byte(p.PMTPID))
	}
	return AppendCRC32(b)
}

// BuildPMT encodes a single-section PMT with CRC.
func BuildPMT(pmt *PMT) []byte {
	esLen := 0
	for _, s := range pmt.Streams {
		esLen += 5 + descriptorsLen(s.Descriptors)
	}
	infoLen := descriptorsLen(pmt.Descriptors)
	length := 9 + infoLen + esLen + 4

	b := make([]byte, 0, 3+length)
	b = append(b,
		TableIDPMT,
		0xB0|byte(length>>8)&0x0F,
		byte(length),
		byte(pmt.ProgramNumber>>8), byte(pmt.ProgramNumber),
		0xC1|pmt.Version&0x1F<<1,
		0, 0,
		0xE0|byte(pmt.PCRPID>>8)&0x1F, byte(pmt.PCRPID),
		0xF0|byte(infoLen>>8)&0x0F, byte(infoLen),
	)
	b = appendDescriptors(b, pmt.Descriptors)
	for _, s := range pmt.Streams {
		n := descriptorsLen(s.Descriptors)
		b = append(b, s.StreamType, 0xE0|byte(s.PID>>8)&0x1F, byte(s.PID), 0xF0|byte(n>>8)&0x0F, byte(n))
		b = appendDescriptors(b, s.Descriptors)
	}
	return AppendCRC32(b)
}

// SectionCells packs a section into cells on pid starting with cc, the
// first cell carrying a zero pointer field. It returns the cells and the
// next continuity counter.
func SectionCells(pid uint16, cc uint8, section []byte) ([]byte, uint8) {
	var out []byte
	first := true
	for first || len(section) > 0 {
		cell := make([]byte, CellSize)
		cell[0] = SyncByte
		cell[1] = byte(pid>>8) & 0x1F
		cell[2] = byte(pid)
		cell[3] = 0x10 | cc&0x0F
		off := 4
		if first {
			cell[1] |= 0x40
			cell[4] = 0
			off = 5
			first = false
		}
		n := copy(cell[off:], section)
		section = section[n:]
		for i := off + n; i < CellSize; i++ {
			cell[i] = 0xFF
		}
		out = append(out, cell...)
		cc = (cc + 1) & 0x0F
	}
	return out, cc
}
