package mpegts

import "fmt"

// ParseHeader decodes the cell header without copying the payload.
func ParseHeader(cell []byte) (Header, error) {
	var h Header
	if len(cell) != CellSize {
		return h, fmt.Errorf("mpegts: cell size %d, expected %d", len(cell), CellSize)
	}
	if cell[0] != SyncByte {
		return h, fmt.Errorf("mpegts: invalid sync byte 0x%02X", cell[0])
	}

	h.TransportErrorIndicator = cell[1]&0x80 != 0
	h.PayloadUnitStartIndicator = cell[1]&0x40 != 0
	h.PID = uint16(cell[1]&0x1F)<<8 | uint16(cell[2])
	h.Scrambling = cell[3] >> 6
	h.HasAdaptationField = cell[3]&0x20 != 0
	h.HasPayload = cell[3]&0x10 != 0
	h.ContinuityCounter = cell[3] & 0x0F

	offset := 4
	if h.HasAdaptationField {
		afLen := int(cell[4])
		if afLen > 0 {
			h.DiscontinuityIndicator = cell[5]&0x80 != 0
			h.HasPCR = cell[5]&0x10 != 0 && afLen >= 7
		}
		offset += 1 + afLen
	}
	if !h.HasPayload || offset > CellSize {
		offset = CellSize
	}
	h.PayloadOffset = offset
	return h, nil
}

// PID returns the PID of a cell without further checks.
func PID(cell []byte) uint16 {
	return uint16(cell[1]&0x1F)<<8 | uint16(cell[2])
}

// SetPID rewrites the PID of a cell in place.
func SetPID(cell []byte, pid uint16) {
	cell[1] = cell[1]&0xE0 | byte(pid>>8)&0x1F
	cell[2] = byte(pid)
}

// SetContinuityCounter rewrites the continuity counter of a cell in place.
func SetContinuityCounter(cell []byte, cc uint8) {
	cell[3] = cell[3]&0xF0 | cc&0x0F
}

// ReadPCR returns the 33-bit PCR base (90 kHz) carried in the cell's
// adaptation field.
func ReadPCR(cell []byte) (int64, bool) {
	if len(cell) < 12 || cell[3]&0x20 == 0 || cell[4] < 7 || cell[5]&0x10 == 0 {
		return 0, false
	}
	pcr := int64(cell[6])<<25 |
		int64(cell[7])<<17 |
		int64(cell[8])<<9 |
		int64(cell[9])<<1 |
		int64(cell[10])>>7
	return pcr, true
}

// PutPCR writes a 6-byte PCR field with a zero extension.
func PutPCR(b []byte, base int64) {
	base &= TimestampWrap - 1
	b[0] = byte(base >> 25)
	b[1] = byte(base >> 17)
	b[2] = byte(base >> 9)
	b[3] = byte(base >> 1)
	b[4] = byte(base<<7) | 0x7E
	b[5] = 0
}

// PCRCell builds an adaptation-only cell on pid carrying base.
func PCRCell(pid uint16, cc uint8, base int64) []byte {
	cell := make([]byte, CellSize)
	cell[0] = SyncByte
	cell[1] = byte(pid>>8) & 0x1F
	cell[2] = byte(pid)
	cell[3] = 0x20 | cc&0x0F
	cell[4] = CellSize - 5
	cell[5] = 0x10
	PutPCR(cell[6:12], base)
	for i := 12; i < CellSize; i++ {
		cell[i] = 0xFF
	}
	return cell
}

// PayloadCell builds one cell on pid from the head of data and returns it
// with the number of bytes consumed. Short payloads are padded with an
// adaptation field of stuffing bytes.
func PayloadCell(pid uint16, cc uint8, unitStart bool, data []byte) ([]byte, int) {
	cell := make([]byte, CellSize)
	cell[0] = SyncByte
	cell[1] = byte(pid>>8) & 0x1F
	cell[2] = byte(pid)
	if unitStart {
		cell[1] |= 0x40
	}
	cell[3] = 0x10 | cc&0x0F

	const capacity = CellSize - 4
	if len(data) >= capacity {
		copy(cell[4:], data[:capacity])
		return cell, capacity
	}

	stuff := capacity - len(data)
	cell[3] |= 0x20
	cell[4] = byte(stuff - 1)
	if stuff > 1 {
		cell[5] = 0
		for i := 6; i < 4+stuff; i++ {
			cell[i] = 0xFF
		}
	}
	copy(cell[4+stuff:], data)
	return cell, len(data)
}
