package parser

import "github.com/zsiec/tunerd/internal/pktstore"

// SPS holds the picture size of an H.264 sequence parameter set.
type SPS struct {
	ProfileIDC byte
	LevelIDC   byte
	Width      int
	Height     int
}

// highProfiles carry chroma format and scaling lists in the SPS.
var highProfiles = map[uint]bool{
	100: true, 110: true, 122: true, 244: true, 44: true, 83: true,
	86: true, 118: true, 128: true, 138: true, 139: true, 134: true,
}

// ParseSPS decodes the picture dimensions of an H.264 SPS NAL unit
// (header byte included, no start code).
func ParseSPS(nal []byte) (SPS, error) {
	if len(nal) < 4 {
		return SPS{}, errShortBitstream
	}
	br := &bitReader{data: unescapeRBSP(nal[1:])}

	profile := br.bits(8)
	br.skip(8) // constraint flags
	level := br.bits(8)
	br.ue() // seq_parameter_set_id

	chroma := uint(1)
	separatePlanes := false
	if highProfiles[profile] {
		chroma = br.ue()
		if chroma == 3 {
			separatePlanes = br.flag()
		}
		br.ue()    // bit_depth_luma_minus8
		br.ue()    // bit_depth_chroma_minus8
		br.skip(1) // qpprime_y_zero_transform_bypass_flag
		if br.flag() {
			lists := 8
			if chroma == 3 {
				lists = 12
			}
			for i := range lists {
				if !br.flag() {
					continue
				}
				size := 16
				if i >= 6 {
					size = 64
				}
				skipScalingList(br, size)
			}
		}
	}

	br.ue() // log2_max_frame_num_minus4
	switch br.ue() {
	case 0:
		br.ue()
	case 1:
		br.skip(1)
		br.se()
		br.se()
		for n := br.ue(); n > 0 && br.err == nil; n-- {
			br.se()
		}
	}
	br.ue()    // max_num_ref_frames
	br.skip(1) // gaps_in_frame_num_value_allowed_flag

	widthMbs := br.ue() + 1
	heightUnits := br.ue() + 1
	frameMbsOnly := br.bit()
	if frameMbsOnly == 0 {
		br.skip(1)
	}
	br.skip(1) // direct_8x8_inference_flag

	var cropL, cropR, cropT, cropB uint
	if br.flag() {
		cropL, cropR, cropT, cropB = br.ue(), br.ue(), br.ue(), br.ue()
	}
	if br.err != nil {
		return SPS{}, br.err
	}

	subW, subH := uint(2), uint(2)
	switch {
	case separatePlanes || chroma == 0 || chroma == 3:
		subW, subH = 1, 1
	case chroma == 2:
		subH = 1
	}
	fieldMul := 2 - frameMbsOnly

	return SPS{
		ProfileIDC: byte(profile),
		LevelIDC:   byte(level),
		Width:      int(widthMbs*16 - subW*(cropL+cropR)),
		Height:     int(heightUnits*16*fieldMul - subH*fieldMul*(cropT+cropB)),
	}, nil
}

func skipScalingList(br *bitReader, size int) {
	last, next := 8, 8
	for range size {
		if next != 0 {
			next = (last + br.se() + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}

// sliceKind decodes slice_type from the header of an H.264 slice NAL.
func sliceKind(nal []byte) pktstore.FrameKind {
	if len(nal) < 2 {
		return pktstore.FrameNone
	}
	if nal[0]&0x1F == NALTypeIDR {
		return pktstore.FrameI
	}
	head := nal[1:min(len(nal), 16)]
	br := &bitReader{data: unescapeRBSP(head)}
	br.ue() // first_mb_in_slice
	st := br.ue()
	if br.err != nil {
		return pktstore.FrameNone
	}
	switch st % 5 {
	case 0, 3:
		return pktstore.FrameP
	case 1:
		return pktstore.FrameB
	default:
		return pktstore.FrameI
	}
}
