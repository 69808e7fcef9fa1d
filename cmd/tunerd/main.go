package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tunerd/internal/api"
	"github.com/zsiec/tunerd/internal/certs"
	"github.com/zsiec/tunerd/internal/config"
	"github.com/zsiec/tunerd/internal/demux"
	"github.com/zsiec/tunerd/internal/evloop"
	"github.com/zsiec/tunerd/internal/feed"
	"github.com/zsiec/tunerd/internal/output"
	"github.com/zsiec/tunerd/internal/parser"
	"github.com/zsiec/tunerd/internal/pktstore"
	"github.com/zsiec/tunerd/internal/subscription"
	"github.com/zsiec/tunerd/internal/transport"
)

var version = "dev"

func main() {
	configPath := flag.String("config", envOr("TUNERD_CONFIG", "tunerd.yaml"), "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	level, _ := config.ParseLevel(cfg.Log.Level)
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := build(cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.close()

	slog.Info("tunerd starting",
		"version", version,
		"api", cfg.API.Addr,
		"quic", cfg.QUIC.Addr,
		"transports", len(cfg.Transports),
		"cert_hash", a.cert.FingerprintHex(),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.loop.Run(ctx)
	})
	g.Go(func() error {
		return a.api.Start(ctx)
	})
	g.Go(func() error {
		return a.quic.Start(ctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		a.close()
		os.Exit(1)
	}
	slog.Info("shut down")
}

type app struct {
	loop   *evloop.Loop
	store  *pktstore.Store
	tuners []*feed.Tuner
	sched  *subscription.Scheduler
	cert   *certs.CertInfo
	api    *api.Server
	quic   *output.QUICServer
	closed bool
}

// build wires every component. It runs before the loop starts, so loop
// state is touched directly.
func build(cfg *config.Config) (*app, error) {
	a := &app{loop: evloop.New(nil)}

	store, err := pktstore.Open(cfg.Store, nil)
	if err != nil {
		return nil, err
	}
	a.store = store

	tuners := make(map[string]*feed.Tuner, len(cfg.Tuners))
	for _, name := range cfg.Tuners {
		tu := feed.NewTuner(name, a.loop, nil)
		tuners[name] = tu
		a.tuners = append(a.tuners, tu)
	}

	transports := make(map[string]*transport.Transport, len(cfg.Transports))
	for _, tc := range cfg.Transports {
		src, err := feed.NewSource(tc.Source)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("transport %s: %w", tc.ID, err)
		}
		tu := tuners[tc.Tuner]
		t := transport.New(transport.Config{
			ID:       tc.ID,
			Name:     tc.Name,
			Channel:  tc.Channel,
			Priority: tc.Priority,
			KeepWarm: tc.KeepWarm,
		}, tu, store, a.loop, nil)
		demux.New(t, tc.Program, parser.New(store, nil), nil)
		tu.Add(t, src)
		transports[tc.ID] = t
	}

	a.sched = subscription.NewScheduler(a.loop, cfg.Scheduler.Interval, nil)
	names, members := cfg.Channels()
	for _, name := range names {
		var ts []*transport.Transport
		for _, id := range members[name] {
			ts = append(ts, transports[id])
		}
		a.sched.AddChannel(subscription.NewChannel(name, ts...))
	}
	// the first pass starts keep-warm transports
	a.sched.Start()

	a.cert, err = loadCert(cfg.QUIC)
	if err != nil {
		a.close()
		return nil, err
	}

	hub := output.NewHub(a.loop, a.sched, cfg.Output, nil)
	a.quic = output.NewQUICServer(cfg.QUIC.Addr, a.cert, hub, nil)
	a.api = api.New(cfg.API.Addr, api.Deps{
		Loop:            a.loop,
		Sched:           a.sched,
		Hub:             hub,
		Store:           store,
		Tuners:          a.tuners,
		CertFingerprint: a.cert.FingerprintHex(),
	}, nil)
	return a, nil
}

func loadCert(cfg config.QUICConfig) (*certs.CertInfo, error) {
	if cfg.CertFile != "" {
		cert, err := certs.Load(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load cert: %w", err)
		}
		return cert, nil
	}
	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(certs.DefaultValidity, cfg.Hosts...)
	if err != nil {
		return nil, fmt.Errorf("failed to generate cert: %w", err)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintHex(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)
	return cert, nil
}

// close stops the readers and removes spill files. The loop must no longer
// be running.
func (a *app) close() {
	if a.closed {
		return
	}
	a.closed = true
	for _, tu := range a.tuners {
		tu.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("closing packet store", "error", err)
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
