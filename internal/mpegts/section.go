package mpegts

// maxSectionSize bounds private sections (12-bit length plus header).
const maxSectionSize = 4096

// SectionAssembler rebuilds PSI sections from the payloads of one PID.
// It follows the pointer field on unit-start cells and drops any partial
// section after a discontinuity.
type SectionAssembler struct {
	buf    []byte
	synced bool
}

// Reset discards any partial section and waits for the next unit start.
func (a *SectionAssembler) Reset() {
	a.buf = a.buf[:0]
	a.synced = false
}

// Feed consumes one cell payload. Complete sections are passed to fn; the
// slice is only valid during the call. Sections with the syntax indicator
// set are CRC-checked and dropped on mismatch. Feed returns the number of
// sections dropped.
func (a *SectionAssembler) Feed(payload []byte, unitStart, discontinuity bool, fn func(section []byte)) int {
	if discontinuity {
		a.Reset()
	}

	bad := 0
	if unitStart {
		if len(payload) < 1 {
			a.Reset()
			return 0
		}
		ptr := int(payload[0])
		payload = payload[1:]
		if ptr > len(payload) {
			a.Reset()
			return 0
		}
		if a.synced && ptr > 0 {
			bad += a.push(payload[:ptr], fn)
		}
		a.buf = a.buf[:0]
		a.synced = true
		payload = payload[ptr:]
	} else if !a.synced {
		return 0
	}
	return bad + a.push(payload, fn)
}

func (a *SectionAssembler) push(data []byte, fn func([]byte)) int {
	if !a.synced {
		return 0
	}
	a.buf = append(a.buf, data...)

	bad := 0
	start := 0
	for {
		rest := a.buf[start:]
		if len(rest) >= 1 && rest[0] == 0xFF {
			// stuffing runs to the end of the cell
			a.Reset()
			return bad
		}
		if len(rest) < 3 {
			break
		}
		n := 3 + (int(rest[1]&0x0F)<<8 | int(rest[2]))
		if n > maxSectionSize {
			a.Reset()
			return bad + 1
		}
		if len(rest) < n {
			break
		}
		section := rest[:n]
		if section[1]&0x80 != 0 && VerifyCRC32(section) != nil {
			bad++
		} else {
			fn(section)
		}
		start += n
	}
	if start > 0 {
		a.buf = append(a.buf[:0], a.buf[start:]...)
	}
	return bad
}
