package parser

import "github.com/zsiec/tunerd/internal/pktstore"

const (
	mpeg2PictureStart  = 0x00
	mpeg2SequenceStart = 0xB3
)

// scanMPEG2 returns the picture coding type of the first picture header
// and the size announced by a sequence header, if any.
func scanMPEG2(data []byte) (kind pktstore.FrameKind, width, height int) {
	for i := 0; i+6 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 || data[i+2] != 1 {
			continue
		}
		switch data[i+3] {
		case mpeg2SequenceStart:
			width = int(data[i+4])<<4 | int(data[i+5]>>4)
			height = int(data[i+5]&0x0F)<<8 | int(data[i+6])
		case mpeg2PictureStart:
			switch data[i+5] >> 3 & 0x07 {
			case 1:
				kind = pktstore.FrameI
			case 2:
				kind = pktstore.FrameP
			case 3:
				kind = pktstore.FrameB
			}
			return kind, width, height
		}
		i += 3
	}
	return kind, width, height
}
