package mpegts

import "fmt"

// NoTimestamp marks an absent PTS or DTS.
const NoTimestamp int64 = -1

// TimestampWrap is the modulus of 33-bit PTS, DTS and PCR bases.
const TimestampWrap int64 = 1 << 33

// PESHeader is the parsed fixed and optional header of a PES packet.
type PESHeader struct {
	StreamID     uint8
	PacketLength int
	PTS          int64
	DTS          int64
	// DataOffset is the index of the first elementary stream byte.
	DataOffset int
}

// IsPESStart checks for the PES start code prefix (0x000001).
func IsPESStart(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

func hasOptionalHeader(streamID uint8) bool {
	// padding_stream (0xBE), private_stream_2 (0xBF), ECM (0xF0), EMM (0xF1),
	// DSMCC (0xF2), H.222.1 type E (0xF8), program_stream_directory (0xFF)
	switch streamID {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

// ParsePESHeader decodes the header at the start of a reassembled PES
// packet. Timestamps are raw 90 kHz values or NoTimestamp.
func ParsePESHeader(data []byte) (PESHeader, error) {
	h := PESHeader{PTS: NoTimestamp, DTS: NoTimestamp}
	if len(data) < 6 {
		return h, fmt.Errorf("mpegts: PES packet too short (%d bytes)", len(data))
	}
	if !IsPESStart(data) {
		return h, fmt.Errorf("mpegts: invalid PES start code")
	}
	h.StreamID = data[3]
	h.PacketLength = int(data[4])<<8 | int(data[5])
	h.DataOffset = 6

	if !hasOptionalHeader(h.StreamID) {
		return h, nil
	}
	if len(data) < 9 {
		return h, fmt.Errorf("mpegts: PES optional header too short")
	}

	// data[7]: PTS_DTS_indicator(2) + ESCR(1) + ES_rate(1) + DSM_trick(1) + additional_copy(1) + CRC(1) + extension(1)
	// data[8]: PES_header_data_length
	indicator := data[7] >> 6 & 0x03
	h.DataOffset = 9 + int(data[8])
	if h.DataOffset > len(data) {
		return h, fmt.Errorf("mpegts: PES header length %d exceeds packet", data[8])
	}

	switch indicator {
	case 2:
		if len(data) >= 14 {
			h.PTS = parseTimestamp(data[9:14])
		}
	case 3:
		if len(data) >= 19 {
			h.PTS = parseTimestamp(data[9:14])
			h.DTS = parseTimestamp(data[14:19])
		}
	}
	return h, nil
}

// parseTimestamp extracts a 33-bit timestamp from 5 PES timestamp bytes.
func parseTimestamp(bs []byte) int64 {
	return int64(bs[0]>>1&0x07)<<30 |
		int64(bs[1])<<22 |
		int64(bs[2]>>1&0x7F)<<15 |
		int64(bs[3])<<7 |
		int64(bs[4]>>1&0x7F)
}

func appendTimestamp(b []byte, prefix byte, ts int64) []byte {
	ts &= TimestampWrap - 1
	return append(b,
		prefix<<4|byte(ts>>29)&0x0E|0x01,
		byte(ts>>22),
		byte(ts>>14)|0x01,
		byte(ts>>7),
		byte(ts<<1)|0x01,
	)
}

// AppendPESHeader appends a PES header for a payload of payloadLen bytes.
// dts is written only when it differs from pts. Video stream ids get an
// unbounded packet length.
func AppendPESHeader(b []byte, streamID uint8, payloadLen int, pts, dts int64) []byte {
	withDTS := dts != NoTimestamp && dts != pts
	hdrLen := 5
	flags := byte(0x80)
	if withDTS {
		hdrLen = 10
		flags = 0xC0
	}

	length := 3 + hdrLen + payloadLen
	if streamID&0xF0 == 0xE0 || length > 0xFFFF {
		length = 0
	}

	b = append(b, 0x00, 0x00, 0x01, streamID, byte(length>>8), byte(length), 0x80, flags, byte(hdrLen))
	if withDTS {
		b = appendTimestamp(b, 0x3, pts)
		return appendTimestamp(b, 0x1, dts)
	}
	return appendTimestamp(b, 0x2, pts)
}

// TicksToMicros converts 90 kHz ticks to microseconds.
func TicksToMicros(t int64) int64 { return t * 100 / 9 }

// MicrosToTicks converts microseconds to 90 kHz ticks.
func MicrosToTicks(us int64) int64 { return us * 9 / 100 }

// Unwrap extends a raw 33-bit timestamp to the 64-bit timeline nearest
// to last, the previous unwrapped value. last < 0 means no history.
func Unwrap(last, raw int64) int64 {
	if last < 0 {
		return raw
	}
	v := last - last%TimestampWrap + raw
	switch {
	case v < last-TimestampWrap/2:
		v += TimestampWrap
	case v > last+TimestampWrap/2 && v >= TimestampWrap:
		v -= TimestampWrap
	}
	return v
}
