package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/tunerd/internal/evloop"
	"github.com/zsiec/tunerd/internal/feed"
	"github.com/zsiec/tunerd/internal/mpegts"
	"github.com/zsiec/tunerd/internal/mpegts/tstest"
	"github.com/zsiec/tunerd/internal/output"
	"github.com/zsiec/tunerd/internal/pktstore"
	"github.com/zsiec/tunerd/internal/stream"
	"github.com/zsiec/tunerd/internal/subscription"
	"github.com/zsiec/tunerd/internal/transport"
	"github.com/zsiec/tunerd/internal/tsmux"
)

// idleSource blocks until the tuning ends.
type idleSource struct{}

func (idleSource) Open(ctx context.Context) (io.ReadCloser, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (idleSource) String() string { return "idle" }

type fixture struct {
	srv   *Server
	tr    *transport.Transport
	sched *subscription.Scheduler
	tuner *feed.Tuner
}

func newFixture(t *testing.T, loop output.Loop) *fixture {
	t.Helper()
	store, err := pktstore.Open(pktstore.Config{MemoryMax: 1 << 20}, nil)
	if err != nil {
		t.Fatal(err)
	}
	tuner := feed.NewTuner("tuner0", loop, nil)
	t.Cleanup(tuner.Close)
	tr := transport.New(transport.Config{ID: "t1", Name: "Mux 1", Channel: "news"}, tuner, store, loop, nil)
	tuner.Add(tr, idleSource{})
	sched := subscription.NewScheduler(loop, 0, nil)
	sched.AddChannel(subscription.NewChannel("news", tr))
	hub := output.NewHub(loop, sched, output.Config{}, nil)
	srv := New("127.0.0.1:0", Deps{
		Loop:            loop,
		Sched:           sched,
		Hub:             hub,
		Store:           store,
		Tuners:          []*feed.Tuner{tuner},
		CertFingerprint: "abcd",
	}, nil)
	return &fixture{srv: srv, tr: tr, sched: sched, tuner: tuner}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestStatusEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t, evloop.NewManual(0))

	rec := f.do(t, http.MethodGet, "/api/channels", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("channels: %d", rec.Code)
	}
	chs := decode[[]channelInfo](t, rec)
	if len(chs) != 1 || chs[0].Name != "news" || len(chs[0].Transports) != 1 || chs[0].Transports[0].ID != "t1" {
		t.Errorf("channels = %+v", chs)
	}

	if _, err := f.sched.Subscribe("news", 10, "test", nil); err != nil {
		t.Fatal(err)
	}
	ts := decode[[]transport.Info](t, f.do(t, http.MethodGet, "/api/transports", ""))
	if len(ts) != 1 || ts[0].Status != transport.StatusRunning || ts[0].Subscribers != 1 {
		t.Errorf("transports = %+v", ts)
	}
	tuners := decode[[]feed.TunerInfo](t, f.do(t, http.MethodGet, "/api/tuners", ""))
	if len(tuners) != 1 || tuners[0].Current != "t1" {
		t.Errorf("tuners = %+v", tuners)
	}
	st := decode[pktstore.Stats](t, f.do(t, http.MethodGet, "/api/store", ""))
	if st.MemoryMax != 1<<20 {
		t.Errorf("store = %+v", st)
	}
	hash := decode[map[string]string](t, f.do(t, http.MethodGet, "/api/cert-hash", ""))
	if hash["sha256"] != "abcd" || hash["alpn"] != output.ALPN {
		t.Errorf("cert hash = %v", hash)
	}
	if rec := f.do(t, http.MethodPost, "/api/channels", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST channels: %d", rec.Code)
	}
	f.tr.Stop()
}

func TestSubscriptionManagement(t *testing.T) {
	t.Parallel()
	f := newFixture(t, evloop.NewManual(0))
	sub, err := f.sched.Subscribe("news", 10, "test", nil)
	if err != nil {
		t.Fatal(err)
	}

	subs := decode[[]subscription.Info](t, f.do(t, http.MethodGet, "/api/subscriptions", ""))
	if len(subs) != 1 || subs[0].ID != sub.ID || subs[0].State != "bound" {
		t.Fatalf("subscriptions = %+v", subs)
	}

	tests := []struct {
		name string
		id   string
		body string
		code int
	}{
		{"set", sub.ID, `{"weight": 50}`, http.StatusOK},
		{"missing weight", sub.ID, `{}`, http.StatusBadRequest},
		{"bad json", sub.ID, `weight=5`, http.StatusBadRequest},
		{"unknown", "nope", `{"weight": 5}`, http.StatusNotFound},
	}
	for _, tc := range tests {
		rec := f.do(t, http.MethodPut, "/api/subscriptions/"+tc.id+"/weight", tc.body)
		if rec.Code != tc.code {
			t.Errorf("%s: status %d, want %d", tc.name, rec.Code, tc.code)
		}
	}
	if sub.Weight() != 50 {
		t.Errorf("weight = %d", sub.Weight())
	}

	if rec := f.do(t, http.MethodDelete, "/api/subscriptions/"+sub.ID, ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/api/subscriptions/"+sub.ID, ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete: %d", rec.Code)
	}
	if f.tr.Running() || f.tuner.Current() != nil {
		t.Error("transport still running after its last subscription ended")
	}
}

func TestStreamRequestErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, evloop.NewManual(0))
	tests := []struct {
		path string
		code int
	}{
		{"/stream/sports", http.StatusNotFound},
		{"/stream/news?weight=-1", http.StatusBadRequest},
		{"/stream/news?offset=abc", http.StatusBadRequest},
		{"/stream/news?offset=10", http.StatusBadRequest},
		{"/stream/news?raw=maybe", http.StatusBadRequest},
	}
	for _, tc := range tests {
		if rec := f.do(t, http.MethodGet, tc.path, ""); rec.Code != tc.code {
			t.Errorf("%s: status %d, want %d", tc.path, rec.Code, tc.code)
		}
	}
}

func TestStreamDeliversTS(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	loop := evloop.New(nil)
	f := newFixture(t, loop)
	f.tr.Streams.Add(0x100, stream.KindH264)
	go loop.Run(ctx)

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream/news?raw=true&weight=20&offset=-2.5", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "video/mp2t" {
		t.Fatalf("status %d, type %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if resp.Header.Get("X-Subscription-Id") == "" {
		t.Error("no subscription id header")
	}

	loop.Post(func() { f.tr.DeliverRaw(tstest.Cell(0x100, 0, true, nil)) })
	buf := make([]byte, 3*mpegts.CellSize)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		t.Fatal(err)
	}
	cells := tstest.Cells(buf)
	if mpegts.PID(cells[0]) != mpegts.PIDPAT || mpegts.PID(cells[2]) != tsmux.PIDESBase {
		t.Errorf("unexpected PIDs %d, %d", mpegts.PID(cells[0]), mpegts.PID(cells[2]))
	}

	var weight uint32
	if err := loop.Call(ctx, func() { weight = f.sched.Subscriptions()[0].Weight() }); err != nil {
		t.Fatal(err)
	}
	if weight != 20 {
		t.Errorf("weight = %d", weight)
	}

	// dropping the connection ends the viewer
	resp.Body.Close()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var n int
		loop.Call(ctx, func() { n = len(f.sched.Subscriptions()) })
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscription outlived the HTTP request")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRequestEndsBeforeLoopRuns(t *testing.T) {
	t.Parallel()
	loop := evloop.New(nil)
	f := newFixture(t, loop)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/transports", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", rec.Code)
	}

	// the abandoned call still runs once the loop starts
	runCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	go loop.Run(runCtx)
	ts := decode[[]transport.Info](t, f.do(t, http.MethodGet, "/api/transports", ""))
	if len(ts) != 1 || ts[0].ID != "t1" {
		t.Errorf("transports = %+v", ts)
	}
}
