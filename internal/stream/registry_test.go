package stream

import (
	"testing"

	"github.com/zsiec/tunerd/internal/mpegts"
	"github.com/zsiec/tunerd/internal/pktstore"
)

func TestRegistryAddGetRemove(t *testing.T) {
	t.Parallel()
	r := NewRegistry("t1", nil)

	pat, created := r.Add(mpegts.PIDPAT, KindPAT)
	if !created || pat.Continuity != -1 {
		t.Fatalf("Add PAT: created=%v stream=%+v", created, pat)
	}
	video, _ := r.Add(0x100, KindH264)
	audio, _ := r.Add(0x101, KindAAC)

	if again, created := r.Add(0x100, KindMPEG2Video); created || again != video {
		t.Error("duplicate Add must return the existing stream")
	}
	if r.Get(0x101) != audio {
		t.Error("Get mismatch")
	}

	media := r.Media()
	if len(media) != 2 || media[0] != video || media[1] != audio {
		t.Errorf("Media = %v", media)
	}
	if video.Index >= audio.Index {
		t.Error("indexes must follow registration order")
	}

	if r.Remove(0x100) != video || r.Get(0x100) != nil || r.Len() != 2 {
		t.Error("Remove failed")
	}
	if r.Remove(0x100) != nil {
		t.Error("second Remove should return nil")
	}
}

func TestRegistryWatchCoversNewStreams(t *testing.T) {
	t.Parallel()
	store, err := pktstore.Open(pktstore.Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	r := NewRegistry("t1", nil)

	var seen []uint16
	cancel := r.Watch(func(s *Stream, _ *pktstore.Packet) { seen = append(seen, s.PID) })

	for _, pid := range []uint16{0x100, 0x101} {
		s, _ := r.Add(pid, KindAAC)
		p := store.Alloc(s.Queue, []byte{1}, 0, 0)
		store.Store(p)
		store.Release(p)
	}
	cancel()

	s := r.Get(0x100)
	p := store.Alloc(s.Queue, []byte{1}, 1, 1)
	store.Store(p)
	store.Release(p)

	if len(seen) != 2 || seen[0] != 0x100 || seen[1] != 0x101 {
		t.Errorf("seen = %v", seen)
	}

	r.Reset(store)
	if s.Queue.Len() != 0 || s.LastDTS != pktstore.NoPTS {
		t.Error("Reset must flush queues and clear state")
	}
}

func TestAdvanceDTS(t *testing.T) {
	t.Parallel()
	r := NewRegistry("t1", nil)
	s, _ := r.Add(0x100, KindH264)
	if !s.AdvanceDTS(100) || !s.AdvanceDTS(200) {
		t.Fatal("increasing DTS refused")
	}
	if s.AdvanceDTS(200) || s.AdvanceDTS(150) {
		t.Error("non-increasing DTS accepted")
	}
	if s.LastDTS != 200 {
		t.Errorf("LastDTS = %d", s.LastDTS)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		es   mpegts.PMTStream
		want Kind
	}{
		{"h264", mpegts.PMTStream{StreamType: 0x1B}, KindH264},
		{"mpeg2", mpegts.PMTStream{StreamType: 0x02}, KindMPEG2Video},
		{"aac_latm", mpegts.PMTStream{StreamType: 0x11}, KindAAC},
		{"ac3_desc", mpegts.PMTStream{StreamType: 0x06, Descriptors: []mpegts.Descriptor{{Tag: mpegts.DescAC3}}}, KindAC3},
		{"ac3_registration", mpegts.PMTStream{StreamType: 0x06, Descriptors: []mpegts.Descriptor{{Tag: mpegts.DescRegistration, Data: []byte("AC-3")}}}, KindAC3},
		{"teletext", mpegts.PMTStream{StreamType: 0x06, Descriptors: []mpegts.Descriptor{{Tag: mpegts.DescTeletext, Data: []byte("eng\x09\x00")}}}, KindTeletext},
		{"subtitle", mpegts.PMTStream{StreamType: 0x06, Descriptors: []mpegts.Descriptor{{Tag: mpegts.DescSubtitle, Data: []byte("deu\x10\x00\x01\x00\x01")}}}, KindSubtitle},
		{"private_unknown", mpegts.PMTStream{StreamType: 0x06}, KindUnknown},
	}
	for _, tc := range tests {
		if got := Classify(tc.es); got != tc.want {
			t.Errorf("%s: Classify = %s, want %s", tc.name, got, tc.want)
		}
	}

	sub := tests[6].es
	if lang := Language(sub); lang != "deu" {
		t.Errorf("Language = %q", lang)
	}
}
