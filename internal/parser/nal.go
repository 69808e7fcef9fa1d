package parser

import "errors"

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	NALTypeSlice      = 1
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeFillerData = 12
)

// H.265 NAL unit types (ITU-T H.265 Table 7-1).
const (
	HEVCNALTrailN    = 0
	HEVCNALBlaWLP    = 16
	HEVCNALCraNut    = 21
	HEVCNALVPS       = 32
	HEVCNALSPS       = 33
	HEVCNALPPS       = 34
	HEVCNALAUD       = 35
	HEVCNALSEIPrefix = 39
)

var errShortBitstream = errors.New("parser: bitstream too short")

// NALUnit is one NAL unit of an Annex B stream.
type NALUnit struct {
	Type byte   // 5-bit for H.264, 6-bit for H.265
	Data []byte // NAL header and payload, no start code
}

// splitAnnexB finds 3- and 4-byte start codes and slices out the NAL units
// between them. Units shorter than minLen bytes are skipped.
func splitAnnexB(data []byte, minLen int, typeOf func([]byte) byte) []NALUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	var units []NALUnit
	start, prefix := -1, 0
	emit := func(end int) {
		if start < 0 || end-start < minLen {
			return
		}
		nal := data[start:end]
		units = append(units, NALUnit{Type: typeOf(nal), Data: nal})
	}
	for i := 0; i < n-2; {
		if data[i] != 0 || data[i+1] != 0 {
			i++
			continue
		}
		switch {
		case i < n-3 && data[i+2] == 0 && data[i+3] == 1:
			prefix = 4
		case data[i+2] == 1:
			prefix = 3
		default:
			i++
			continue
		}
		emit(i)
		start = i + prefix
		i = start
	}
	if start >= 0 && start < n {
		emit(n)
	}
	return units
}

// ParseAnnexB splits an H.264 Annex B stream into NAL units.
func ParseAnnexB(data []byte) []NALUnit {
	return splitAnnexB(data, 1, func(d []byte) byte { return d[0] & 0x1F })
}

// ParseAnnexBHEVC splits an H.265 Annex B stream into NAL units.
func ParseAnnexBHEVC(data []byte) []NALUnit {
	return splitAnnexB(data, 2, func(d []byte) byte { return HEVCNALType(d[0]) })
}

// HEVCNALType extracts the type from the first byte of an HEVC NAL header.
func HEVCNALType(first byte) byte { return first >> 1 & 0x3F }

// IsHEVCKeyframe reports whether t is a random access point (BLA, IDR, CRA).
func IsHEVCKeyframe(t byte) bool { return t >= HEVCNALBlaWLP && t <= HEVCNALCraNut }

// unescapeRBSP strips emulation prevention bytes (00 00 03).
func unescapeRBSP(data []byte) []byte {
	out := make([]byte, 0, len(data))
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b == 3 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}

// bitReader reads big-endian bit fields. The first read past the end
// sets err; later reads return zero.
type bitReader struct {
	data []byte
	pos  int
	err  error
}

func (br *bitReader) bit() uint {
	if br.err != nil {
		return 0
	}
	if br.pos >= len(br.data)*8 {
		br.err = errShortBitstream
		return 0
	}
	v := uint(br.data[br.pos/8]>>(7-br.pos%8)) & 1
	br.pos++
	return v
}

func (br *bitReader) bits(n int) uint {
	var v uint
	for range n {
		v = v<<1 | br.bit()
	}
	return v
}

func (br *bitReader) skip(n int) { br.bits(n) }

func (br *bitReader) flag() bool { return br.bit() == 1 }

// ue reads an unsigned exp-Golomb code.
func (br *bitReader) ue() uint {
	zeros := 0
	for br.bit() == 0 {
		if br.err != nil || zeros == 31 {
			br.err = errShortBitstream
			return 0
		}
		zeros++
	}
	return 1<<zeros - 1 + br.bits(zeros)
}

// se reads a signed exp-Golomb code.
func (br *bitReader) se() int {
	v := br.ue()
	if v%2 == 0 {
		return -int(v / 2)
	}
	return int(v+1) / 2
}
