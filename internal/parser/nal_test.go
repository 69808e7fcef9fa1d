package parser

import (
	"testing"

	"github.com/zsiec/tunerd/internal/mpegts/tstest"
	"github.com/zsiec/tunerd/internal/pktstore"
)

func TestParseAnnexB(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0xE0, 0x1E,
		0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x38, 0x80,
		0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00, 0xFF, 0xFE,
	}

	nalus := ParseAnnexB(data)
	if len(nalus) != 3 {
		t.Fatalf("expected 3 NAL units, got %d", len(nalus))
	}
	want := []byte{NALTypeSPS, NALTypePPS, NALTypeIDR}
	for i, w := range want {
		if nalus[i].Type != w {
			t.Errorf("NALU[%d]: got type %d, want %d", i, nalus[i].Type, w)
		}
	}
	if len(nalus[2].Data) != 6 {
		t.Errorf("IDR length: got %d, want 6", len(nalus[2].Data))
	}
}

func TestParseAnnexBStartCodes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		data    []byte
		types   []byte
		seiSize int
	}{
		{
			name:  "three_byte",
			data:  []byte{0x00, 0x00, 0x01, 0x67, 0x42, 0xE0, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84},
			types: []byte{NALTypeSPS, NALTypeIDR},
		},
		{
			// zeros before a start code belong to the start code
			name:    "trailing_zero",
			data:    []byte{0x00, 0x00, 0x00, 0x01, 0x06, 0xAA, 0xBB, 0x00, 0x00, 0x00, 0x01, 0x41, 0x9A},
			types:   []byte{NALTypeSEI, NALTypeSlice},
			seiSize: 3,
		},
		{
			name: "mixed",
			data: []byte{
				0x00, 0x00, 0x00, 0x01, 0x67, 0x42,
				0x00, 0x00, 0x01, 0x68, 0xCE,
				0x00, 0x00, 0x00, 0x01, 0x06, 0xFF, 0xFE,
				0x00, 0x00, 0x01, 0x65, 0x88,
			},
			types:   []byte{NALTypeSPS, NALTypePPS, NALTypeSEI, NALTypeIDR},
			seiSize: 3,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			nalus := ParseAnnexB(tc.data)
			if len(nalus) != len(tc.types) {
				t.Fatalf("got %d NAL units, want %d", len(nalus), len(tc.types))
			}
			for i, w := range tc.types {
				if nalus[i].Type != w {
					t.Errorf("NALU[%d]: got type %d, want %d", i, nalus[i].Type, w)
				}
				if w == NALTypeSEI && len(nalus[i].Data) != tc.seiSize {
					t.Errorf("SEI length: got %d, want %d", len(nalus[i].Data), tc.seiSize)
				}
			}
		})
	}
}

func TestParseAnnexBEmpty(t *testing.T) {
	t.Parallel()
	if nalus := ParseAnnexB(nil); nalus != nil {
		t.Errorf("expected nil for empty input, got %d units", len(nalus))
	}
	if nalus := ParseAnnexB([]byte{0x00, 0x01}); nalus != nil {
		t.Errorf("expected nil for too-short input, got %d units", len(nalus))
	}
}

func TestParseAnnexBHEVC(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x40, 0x01, 0x0C, // VPS
		0x00, 0x00, 0x00, 0x01, 0x26, 0x01, 0xAF, // IDR_W_RADL
		0x00, 0x00, 0x01, 0x02, 0x01, 0xD0, // TRAIL_R
	}
	nalus := ParseAnnexBHEVC(data)
	if len(nalus) != 3 {
		t.Fatalf("expected 3 NAL units, got %d", len(nalus))
	}
	if nalus[0].Type != HEVCNALVPS || !IsHEVCKeyframe(nalus[1].Type) || IsHEVCKeyframe(nalus[2].Type) {
		t.Errorf("types = %d %d %d", nalus[0].Type, nalus[1].Type, nalus[2].Type)
	}
}

func TestParseSPS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		sps           []byte
		width, height int
	}{
		{
			name: "720p_high",
			sps: []byte{
				0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
				0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
				0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
				0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
			},
			width: 1280, height: 720,
		},
		{
			name: "256x192_main",
			sps: []byte{
				0x67, 0x4d, 0x40, 0x1f, 0xb9, 0x08, 0x08, 0x0c,
				0xd8, 0x0b, 0x50, 0x10, 0x10, 0x14, 0x00, 0x00,
				0x0f, 0xa4, 0x00, 0x02, 0xee, 0x03, 0x81, 0x80,
				0x04, 0x93, 0xc0, 0x02, 0x49, 0xe8, 0xa0, 0xc0,
				0x3a, 0x8e, 0x18, 0xc9,
			},
			width: 256, height: 192,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			info, err := ParseSPS(tc.sps)
			if err != nil {
				t.Fatalf("ParseSPS error: %v", err)
			}
			if info.Width != tc.width || info.Height != tc.height {
				t.Errorf("got %dx%d, want %dx%d", info.Width, info.Height, tc.width, tc.height)
			}
		})
	}
}

func TestParseSPSTooShort(t *testing.T) {
	t.Parallel()
	for _, in := range [][]byte{nil, {}, {0x67, 0x64, 0x00}, {0x67, 0x64, 0x00, 0x1f}} {
		if _, err := ParseSPS(in); err == nil {
			t.Errorf("ParseSPS(% x): expected error", in)
		}
	}
}

func TestSliceKind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		nalType, sliceType uint8
		want               pktstore.FrameKind
	}{
		{5, 7, pktstore.FrameI},
		{1, 0, pktstore.FrameP},
		{1, 1, pktstore.FrameB},
		{1, 2, pktstore.FrameI},
		{1, 5, pktstore.FrameP},
		{1, 6, pktstore.FrameB},
	}
	for _, tc := range tests {
		nalus := ParseAnnexB(tstest.H264Frame(tc.nalType, tc.sliceType, 32))
		if len(nalus) != 2 {
			t.Fatalf("frame has %d NAL units", len(nalus))
		}
		if got := sliceKind(nalus[1].Data); got != tc.want {
			t.Errorf("nal %d slice_type %d: got %s, want %s", tc.nalType, tc.sliceType, got, tc.want)
		}
	}
}

func TestUnescapeRBSP(t *testing.T) {
	t.Parallel()
	got := unescapeRBSP([]byte{0x00, 0x00, 0x03, 0x01, 0x00, 0x00, 0x03, 0x00, 0x00, 0x03})
	want := []byte{0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}
	if string(got) != string(want) {
		t.Errorf("got % x, want % x", got, want)
	}
}
