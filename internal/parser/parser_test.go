package parser

import (
	"testing"

	"github.com/zsiec/tunerd/internal/mpegts"
	"github.com/zsiec/tunerd/internal/mpegts/tstest"
	"github.com/zsiec/tunerd/internal/pktstore"
	"github.com/zsiec/tunerd/internal/stream"
)

type harness struct {
	store *pktstore.Store
	p     *Parser
	reg   *stream.Registry
	cc    map[uint16]*uint8
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := pktstore.Open(pktstore.Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return &harness{store: store, p: New(store, nil), reg: stream.NewRegistry("t", nil), cc: map[uint16]*uint8{}}
}

// pes packetizes one PES packet and feeds its cells to the parser.
func (h *harness) pes(s *stream.Stream, pts, dts int64, data []byte) {
	cc, ok := h.cc[s.PID]
	if !ok {
		cc = new(uint8)
		h.cc[s.PID] = cc
	}
	ts := tstest.Packetize(tstest.PES(s.Kind.StreamID(), pts, dts, data), s.PID, cc)
	h.feed(s, ts, false)
}

func (h *harness) feed(s *stream.Stream, ts []byte, disc bool) {
	for _, cell := range tstest.Cells(ts) {
		hdr, err := mpegts.ParseHeader(cell)
		if err != nil {
			panic(err)
		}
		h.p.Parse(s, cell[hdr.PayloadOffset:], hdr.PayloadUnitStartIndicator, disc)
	}
}

func packets(q *pktstore.Queue) []*pktstore.Packet {
	var out []*pktstore.Packet
	q.Each(func(p *pktstore.Packet) bool {
		out = append(out, p)
		return true
	})
	return out
}

func TestVideoPacketsGetDurationFromNextDTS(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s, _ := h.reg.Add(0x100, stream.KindH264)

	// I at dts 0, B-frame reordering: pts leads dts by one frame
	h.pes(s, 3600, 0, tstest.H264Frame(5, 7, 400))
	h.pes(s, 10800, 3600, tstest.H264Frame(1, 0, 300))
	h.pes(s, 7200, 7200, tstest.H264Frame(1, 1, 200))
	// next unit start flushes the third frame
	h.pes(s, 18000, 10800, tstest.H264Frame(1, 0, 200))

	got := packets(s.Queue)
	if len(got) != 3 {
		t.Fatalf("stored %d packets, want 3", len(got))
	}
	wantKinds := []pktstore.FrameKind{pktstore.FrameI, pktstore.FrameP, pktstore.FrameB}
	for i, p := range got {
		if p.Duration != 40_000 {
			t.Errorf("packet %d duration = %d", i, p.Duration)
		}
		if p.DTS != int64(i)*40_000 {
			t.Errorf("packet %d DTS = %d", i, p.DTS)
		}
		if p.Kind != wantKinds[i] {
			t.Errorf("packet %d kind = %s, want %s", i, p.Kind, wantKinds[i])
		}
		if p.Refs() != 1 {
			t.Errorf("packet %d refs = %d, want only the storage reference", i, p.Refs())
		}
	}
	if got[0].PTS != 40_000 || got[0].Size() != 400 {
		t.Errorf("first packet pts=%d size=%d", got[0].PTS, got[0].Size())
	}
	if s.PeakPresentationDelay != 80_000 {
		t.Errorf("peak delay = %d", s.PeakPresentationDelay)
	}
	if s.LastDTS != 80_000 || s.Packets != 3 {
		t.Errorf("LastDTS=%d packets=%d", s.LastDTS, s.Packets)
	}
}

func adtsFrame(rateIdx byte, payload int) []byte {
	n := 7 + payload
	f := make([]byte, n)
	f[0] = 0xFF
	f[1] = 0xF1
	f[2] = 1<<6 | rateIdx<<2
	f[3] = 2<<6 | byte(n>>11&0x03)
	f[4] = byte(n >> 3)
	f[5] = byte(n&0x07)<<5 | 0x1F
	f[6] = 0xFC
	return f
}

func TestAudioDurationFromFrames(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s, _ := h.reg.Add(0x101, stream.KindAAC)

	two := append(adtsFrame(3, 200), adtsFrame(3, 200)...)
	h.pes(s, 90_000, 90_000, two)

	got := packets(s.Queue)
	if len(got) != 1 {
		t.Fatalf("bounded PES must be delivered without waiting: %d packets", len(got))
	}
	if got[0].Duration != 2*1024*1_000_000/48000 || got[0].DTS != 1_000_000 {
		t.Errorf("duration=%d dts=%d", got[0].Duration, got[0].DTS)
	}

	// a PES without PTS continues from the previous packet's end
	cc := h.cc[s.PID]
	n := 3 + len(two)
	pes := append([]byte{0, 0, 1, 0xC0, byte(n >> 8), byte(n), 0x80, 0x00, 0x00}, two...)
	h.feed(s, tstest.Packetize(pes, s.PID, cc), false)
	got = packets(s.Queue)
	if len(got) != 2 || got[1].DTS != got[0].End() {
		t.Fatalf("untimed PES: %d packets", len(got))
	}
}

func TestTimestampWrap(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s, _ := h.reg.Add(0x101, stream.KindAAC)

	frame := adtsFrame(3, 100)
	first := mpegts.TimestampWrap - 1920
	h.pes(s, first, first, frame)
	h.pes(s, 0, 0, frame)

	got := packets(s.Queue)
	if len(got) != 2 {
		t.Fatalf("stored %d packets", len(got))
	}
	if got[1].DTS <= got[0].DTS {
		t.Errorf("timestamps not unwrapped: %d then %d", got[0].DTS, got[1].DTS)
	}
	if got[1].DTS != mpegts.TicksToMicros(mpegts.TimestampWrap) {
		t.Errorf("second DTS = %d", got[1].DTS)
	}
}

func TestNonMonotonicDTSDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s, _ := h.reg.Add(0x101, stream.KindAAC)

	frame := adtsFrame(3, 100)
	h.pes(s, 9000, 9000, frame)
	h.pes(s, 4500, 4500, frame)
	h.pes(s, 9000, 9000, frame)
	h.pes(s, 18000, 18000, frame)

	if got := packets(s.Queue); len(got) != 2 {
		t.Errorf("stored %d packets, want 2", len(got))
	}
	if s.Dropped != 2 {
		t.Errorf("Dropped = %d", s.Dropped)
	}
}

func TestDiscontinuityDropsPartialPES(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s, _ := h.reg.Add(0x101, stream.KindAAC)

	var cc uint8
	big := tstest.Packetize(tstest.PES(0xC0, 9000, 9000, adtsFrame(3, 600)), s.PID, &cc)
	cells := tstest.Cells(big)
	if len(cells) < 3 {
		t.Fatalf("need a multi-cell PES, got %d cells", len(cells))
	}
	h.feed(s, cells[0], false)
	h.feed(s, cells[2], true)
	if s.Queue.Len() != 0 || s.Dropped != 1 {
		t.Fatalf("partial PES survived: queued=%d dropped=%d", s.Queue.Len(), s.Dropped)
	}

	h.pes(s, 18000, 18000, adtsFrame(3, 100))
	if s.Queue.Len() != 1 {
		t.Error("parser did not resync on the next unit start")
	}
}

func TestBadPESHeaderCounted(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s, _ := h.reg.Add(0x100, stream.KindH264)
	h.feed(s, tstest.Cell(s.PID, 0, true, []byte{0x12, 0x34, 0x56, 0x78, 0x00, 0x00}), false)
	h.feed(s, tstest.Cell(s.PID, 1, true, nil), false)
	if s.ParseErrors == 0 {
		t.Error("bad start code not counted")
	}
}

func TestMPEG2PictureTypes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s, _ := h.reg.Add(0x100, stream.KindMPEG2Video)

	picture := func(coding byte, seq bool) []byte {
		var b []byte
		if seq {
			b = append(b, 0, 0, 1, 0xB3, 0x2D, 0x01, 0xE0, 0x33)
		}
		b = append(b, 0, 0, 1, 0x00, 0x00, coding<<3, 0xFF, 0xF8)
		return append(b, make([]byte, 64)...)
	}
	h.pes(s, 0, 0, picture(1, true))
	h.pes(s, 3600, 3600, picture(3, false))
	h.pes(s, 7200, 7200, picture(2, false))

	got := packets(s.Queue)
	if len(got) != 2 || got[0].Kind != pktstore.FrameI || got[1].Kind != pktstore.FrameB {
		t.Fatalf("packets = %v", got)
	}
	if s.Width != 720 || s.Height != 480 {
		t.Errorf("size = %dx%d", s.Width, s.Height)
	}
}

func TestAudioFrameScanners(t *testing.T) {
	t.Parallel()

	mpa := make([]byte, 384)
	mpa[0], mpa[1], mpa[2] = 0xFF, 0xFD, 0x84 // MPEG-1 layer II, 128 kb/s, 48 kHz
	ac3 := make([]byte, 256)
	ac3[0], ac3[1], ac3[4] = 0x0B, 0x77, 0x08 // 48 kHz, 128 words

	tests := []struct {
		name string
		got  audioFrames
		want int64
	}{
		{"adts_48k", scanADTS(append(adtsFrame(3, 10), adtsFrame(3, 10)...)), 42_666},
		{"adts_44k", scanADTS(adtsFrame(4, 10)), 23_219},
		{"adts_truncated", scanADTS(adtsFrame(3, 10)[:9]), 0},
		{"mp2", scanMPA(append(mpa, mpa...)), 48_000},
		{"mp2_garbage", scanMPA([]byte{1, 2, 3, 4, 5}), 0},
		{"ac3", scanAC3(ac3), 32_000},
	}
	for _, tc := range tests {
		if us := tc.got.micros(); us != tc.want {
			t.Errorf("%s: %d µs, want %d", tc.name, us, tc.want)
		}
	}
}
