package parser

// audioFrames counts the whole frames at the start of an elementary
// stream payload. rate is the sample rate of the first frame and samples
// the number of samples per frame; zero values mean the payload was not
// recognised.
type audioFrames struct {
	frames  int
	rate    int
	samples int
}

// micros is the playback duration of the counted frames.
func (a audioFrames) micros() int64 {
	if a.frames == 0 || a.rate == 0 {
		return 0
	}
	return int64(a.frames) * int64(a.samples) * 1_000_000 / int64(a.rate)
}

// ISO 14496-3 sampling frequency index.
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// scanADTS walks ADTS frames. Each carries 1024 samples.
func scanADTS(data []byte) audioFrames {
	a := audioFrames{samples: 1024}
	for off := 0; len(data)-off >= 7; {
		if data[off] != 0xFF || data[off+1]&0xF6 != 0xF0 {
			if a.frames > 0 {
				break
			}
			off++
			continue
		}
		idx := int(data[off+2] >> 2 & 0x0F)
		if idx >= len(aacSampleRates) {
			break
		}
		n := int(data[off+3]&0x03)<<11 | int(data[off+4])<<3 | int(data[off+5]>>5)
		if n < 7 || off+n > len(data) {
			break
		}
		if a.rate == 0 {
			a.rate = aacSampleRates[idx]
		}
		a.frames++
		off += n
	}
	return a
}

var (
	mpaRates = [3]int{44100, 48000, 32000}

	// kbit/s by [lsf][layer-1][index]
	mpaBitrates = [2][3][15]int{
		{
			{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448},
			{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384},
			{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320},
		},
		{
			{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256},
			{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},
			{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},
		},
	}
)

// scanMPA walks MPEG-1/2 audio frames.
func scanMPA(data []byte) audioFrames {
	var a audioFrames
	for off := 0; len(data)-off >= 4; {
		h := data[off:]
		if h[0] != 0xFF || h[1]&0xE0 != 0xE0 {
			if a.frames > 0 {
				break
			}
			off++
			continue
		}
		version := h[1] >> 3 & 0x03 // 3 MPEG-1, 2 MPEG-2, 0 MPEG-2.5
		layer := 4 - int(h[1]>>1&0x03)
		brIdx := int(h[2] >> 4)
		srIdx := int(h[2] >> 2 & 0x03)
		if version == 1 || layer == 4 || brIdx == 0 || brIdx == 15 || srIdx == 3 {
			break
		}

		lsf := 0
		rate := mpaRates[srIdx]
		switch version {
		case 2:
			lsf, rate = 1, rate/2
		case 0:
			lsf, rate = 1, rate/4
		}
		bitrate := mpaBitrates[lsf][layer-1][brIdx] * 1000
		pad := int(h[2] >> 1 & 0x01)

		var size, samples int
		switch {
		case layer == 1:
			size, samples = (12*bitrate/rate+pad)*4, 384
		case layer == 3 && lsf == 1:
			size, samples = 72*bitrate/rate+pad, 576
		default:
			size, samples = 144*bitrate/rate+pad, 1152
		}
		if size < 4 || off+size > len(data) {
			break
		}
		if a.rate == 0 {
			a.rate, a.samples = rate, samples
		}
		a.frames++
		off += size
	}
	return a
}

var (
	ac3Rates = [3]int{48000, 44100, 32000}

	// 16-bit words per sync frame by [fscod][frmsizecod]
	ac3FrameWords = [3][38]int{
		{64, 64, 80, 80, 96, 96, 112, 112, 128, 128, 160, 160, 192, 192, 224, 224, 256, 256,
			320, 320, 384, 384, 448, 448, 512, 512, 640, 640, 768, 768, 896, 896, 1024, 1024,
			1152, 1152, 1280, 1280},
		{69, 70, 87, 88, 104, 105, 121, 122, 139, 140, 174, 175, 208, 209, 243, 244, 278, 279,
			348, 349, 417, 418, 487, 488, 557, 558, 696, 697, 835, 836, 975, 976, 1114, 1115,
			1253, 1254, 1393, 1394},
		{96, 96, 120, 120, 144, 144, 168, 168, 192, 192, 240, 240, 288, 288, 336, 336, 384, 384,
			480, 480, 576, 576, 672, 672, 768, 768, 960, 960, 1152, 1152, 1344, 1344, 1536, 1536,
			1728, 1728, 1920, 1920},
	}
)

// scanAC3 walks AC-3 sync frames of 1536 samples each.
func scanAC3(data []byte) audioFrames {
	a := audioFrames{samples: 1536}
	for off := 0; len(data)-off >= 5; {
		h := data[off:]
		if h[0] != 0x0B || h[1] != 0x77 {
			if a.frames > 0 {
				break
			}
			off++
			continue
		}
		fscod, frmsize := int(h[4]>>6), int(h[4]&0x3F)
		if fscod == 3 || frmsize >= 38 {
			break
		}
		size := ac3FrameWords[fscod][frmsize] * 2
		if off+size > len(data) {
			break
		}
		if a.rate == 0 {
			a.rate = ac3Rates[fscod]
		}
		a.frames++
		off += size
	}
	return a
}
