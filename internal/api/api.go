// Package api is the HTTP control surface: JSON status of channels,
// transports, tuners, subscriptions and the packet store, weight and
// subscription management, and transport stream delivery over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/zsiec/tunerd/internal/feed"
	"github.com/zsiec/tunerd/internal/output"
	"github.com/zsiec/tunerd/internal/pktstore"
	"github.com/zsiec/tunerd/internal/subscription"
	"github.com/zsiec/tunerd/internal/transport"
)

// Deps are the loop-owned objects the API reads and drives.
type Deps struct {
	Loop   output.Loop
	Sched  *subscription.Scheduler
	Hub    *output.Hub
	Store  *pktstore.Store
	Tuners []*feed.Tuner
	// CertFingerprint is published for QUIC clients that pin the server
	// certificate.
	CertFingerprint string
}

// Server serves the HTTP API.
type Server struct {
	addr string
	d    Deps
	log  *slog.Logger
	srv  *http.Server
}

// New creates a server for addr. If log is nil, slog.Default() is used.
func New(addr string, d Deps, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{addr: addr, d: d, log: log.With("component", "api")}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/channels", s.handleChannels).Methods(http.MethodGet)
	api.HandleFunc("/transports", s.handleTransports).Methods(http.MethodGet)
	api.HandleFunc("/tuners", s.handleTuners).Methods(http.MethodGet)
	api.HandleFunc("/subscriptions", s.handleSubscriptions).Methods(http.MethodGet)
	api.HandleFunc("/subscriptions/{id}/weight", s.handleSetWeight).Methods(http.MethodPut)
	api.HandleFunc("/subscriptions/{id}", s.handleUnsubscribe).Methods(http.MethodDelete)
	api.HandleFunc("/viewers", s.handleViewers).Methods(http.MethodGet)
	api.HandleFunc("/store", s.handleStore).Methods(http.MethodGet)
	api.HandleFunc("/cert-hash", s.handleCertHash).Methods(http.MethodGet)
	r.HandleFunc("/stream/{channel}", s.handleStream).Methods(http.MethodGet)
	return corsMiddleware(r)
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.log.Info("listening", "addr", s.addr)
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	})
	defer stop()

	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// onLoop runs fn on the event loop and reports a failed call as 503. The
// result travels through a channel since fn may still run after the
// request ended.
func onLoop[T any](s *Server, w http.ResponseWriter, r *http.Request, fn func() T) (T, bool) {
	ch := make(chan T, 1)
	if err := s.d.Loop.Call(r.Context(), func() { ch <- fn() }); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		var zero T
		return zero, false
	}
	return <-ch, true
}

type channelInfo struct {
	Name       string           `json:"name"`
	Transports []transport.Info `json:"transports"`
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	out, ok := onLoop(s, w, r, func() []channelInfo {
		out := []channelInfo{}
		for _, ch := range s.d.Sched.Channels() {
			ci := channelInfo{Name: ch.Name, Transports: []transport.Info{}}
			for _, t := range ch.Transports() {
				ci.Transports = append(ci.Transports, t.Info())
			}
			out = append(out, ci)
		}
		return out
	})
	if ok {
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleTransports(w http.ResponseWriter, r *http.Request) {
	out, ok := onLoop(s, w, r, func() []transport.Info {
		out := []transport.Info{}
		for _, t := range s.d.Sched.Transports() {
			out = append(out, t.Info())
		}
		return out
	})
	if ok {
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleTuners(w http.ResponseWriter, r *http.Request) {
	out, ok := onLoop(s, w, r, func() []feed.TunerInfo {
		out := []feed.TunerInfo{}
		for _, tu := range s.d.Tuners {
			out = append(out, tu.Info())
		}
		return out
	})
	if ok {
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	out, ok := onLoop(s, w, r, func() []subscription.Info {
		out := []subscription.Info{}
		for _, sub := range s.d.Sched.Subscriptions() {
			out = append(out, sub.Info())
		}
		return out
	})
	if ok {
		writeJSON(w, http.StatusOK, out)
	}
}

type weightRequest struct {
	Weight *uint32 `json:"weight"`
}

func (s *Server) handleSetWeight(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req weightRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&req); err != nil || req.Weight == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"weight\": <uint32>}")
		return
	}
	weight := *req.Weight
	info, ok := onLoop(s, w, r, func() *subscription.Info {
		sub := s.d.Sched.Lookup(id)
		if sub == nil {
			return nil
		}
		s.d.Sched.SetWeight(sub, weight)
		i := sub.Info()
		return &i
	})
	if !ok {
		return
	}
	if info == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no subscription %q", id))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	found, ok := onLoop(s, w, r, func() bool {
		sub := s.d.Sched.Lookup(id)
		if sub == nil {
			return false
		}
		s.d.Sched.Unsubscribe(sub)
		return true
	})
	if !ok {
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no subscription %q", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleViewers(w http.ResponseWriter, r *http.Request) {
	if out, ok := onLoop(s, w, r, s.d.Hub.Viewers); ok {
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	if st, ok := onLoop(s, w, r, s.d.Store.Stats); ok {
		writeJSON(w, http.StatusOK, st)
	}
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"sha256": s.d.CertFingerprint, "alpn": output.ALPN})
}

// parseRequest reads viewer parameters from the query string. offset is
// in seconds relative to live.
func parseRequest(r *http.Request) (output.Request, error) {
	req := output.Request{Channel: mux.Vars(r)["channel"], Title: r.URL.Query().Get("title")}
	q := r.URL.Query()
	if v := q.Get("weight"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return req, fmt.Errorf("weight: %w", err)
		}
		req.Weight = uint32(n)
	}
	if v := q.Get("offset"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return req, fmt.Errorf("offset: %w", err)
		}
		req.Offset = int64(f * 1e6)
	}
	if v := q.Get("raw"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return req, fmt.Errorf("raw: %w", err)
		}
		req.Raw = b
	}
	return req, req.Validate()
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, err := parseRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := s.d.Hub.Open(r.Context(), req, r.RemoteAddr)
	if err != nil {
		code := http.StatusServiceUnavailable
		if errors.Is(err, subscription.ErrUnknownChannel) {
			code = http.StatusNotFound
		}
		writeError(w, code, err.Error())
		return
	}
	defer s.d.Hub.Close(v)

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Subscription-Id", v.ID())
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	n, err := v.WriteTo(r.Context(), w)
	s.log.Debug("stream ended", "remote", r.RemoteAddr, "id", v.ID(), "bytes", n, "error", err)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
