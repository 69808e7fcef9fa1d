// Package config loads the daemon's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/tunerd/internal/feed"
	"github.com/zsiec/tunerd/internal/output"
	"github.com/zsiec/tunerd/internal/pktstore"
	"github.com/zsiec/tunerd/internal/subscription"
	"github.com/zsiec/tunerd/internal/tsmux"
)

// Config is the complete daemon configuration.
type Config struct {
	Log        LogConfig         `yaml:"log"`
	Store      pktstore.Config   `yaml:"store"`
	Scheduler  SchedulerConfig   `yaml:"scheduler"`
	Output     output.Config     `yaml:"output"`
	API        APIConfig         `yaml:"api"`
	QUIC       QUICConfig        `yaml:"quic"`
	Tuners     []string          `yaml:"tuners"`
	Transports []TransportConfig `yaml:"transports"`
}

// LogConfig selects the log level: debug, info, warn or error.
type LogConfig struct {
	Level string `yaml:"level"`
}

// SchedulerConfig sets the reconciliation period in microseconds.
type SchedulerConfig struct {
	Interval int64 `yaml:"interval"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

// QUICConfig configures the QUIC viewer service. Without a certificate a
// self-signed one is generated for Hosts.
type QUICConfig struct {
	Addr     string   `yaml:"addr"`
	CertFile string   `yaml:"cert_file"`
	KeyFile  string   `yaml:"key_file"`
	Hosts    []string `yaml:"hosts"`
}

// TransportConfig describes one multiplex and where its cells come from.
type TransportConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Channel  string `yaml:"channel"`
	Priority int    `yaml:"priority"`
	KeepWarm bool   `yaml:"keep_warm"`
	// Program selects the service from the PAT; 0 takes the first.
	Program uint16            `yaml:"program"`
	Tuner   string            `yaml:"tuner"`
	Source  feed.SourceConfig `yaml:"source"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Store: pktstore.Config{
			Prefix:    pktstore.DefaultPrefix,
			MemoryMax: pktstore.DefaultMemoryMax,
			DiskMax:   pktstore.DefaultDiskMax,
		},
		Scheduler: SchedulerConfig{Interval: subscription.DefaultInterval},
		Output: output.Config{
			Mux:          tsmux.DefaultConfig(),
			QueueBatches: output.DefaultQueueBatches,
		},
		API:  APIConfig{Addr: ":8080"},
		QUIC: QUICConfig{Addr: ":4443"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(b []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks cross references and value ranges.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Store.MemoryMax <= 0 {
		errs = append(errs, fmt.Errorf("store.memory_max must be positive"))
	}
	if c.Store.Dir != "" && c.Store.DiskMax <= 0 {
		errs = append(errs, fmt.Errorf("store.disk_max must be positive with a spill dir"))
	}
	if c.Scheduler.Interval <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.interval must be positive"))
	}
	m := c.Output.Mux
	if m.PCRInterval <= 0 || m.TableInterval <= 0 || m.BatchCells <= 0 || m.StartDelay < 0 {
		errs = append(errs, fmt.Errorf("output.mux: intervals and batch_cells must be positive"))
	}
	if c.API.Addr == "" {
		errs = append(errs, fmt.Errorf("api.addr is required"))
	}
	if (c.QUIC.CertFile == "") != (c.QUIC.KeyFile == "") {
		errs = append(errs, fmt.Errorf("quic: cert_file and key_file go together"))
	}

	tuners := make(map[string]bool, len(c.Tuners))
	for _, name := range c.Tuners {
		if name == "" || tuners[name] {
			errs = append(errs, fmt.Errorf("tuners: empty or duplicate name %q", name))
		}
		tuners[name] = true
	}
	ids := make(map[string]bool, len(c.Transports))
	for i, t := range c.Transports {
		switch {
		case t.ID == "":
			errs = append(errs, fmt.Errorf("transports[%d]: id is required", i))
		case ids[t.ID]:
			errs = append(errs, fmt.Errorf("transports[%d]: duplicate id %q", i, t.ID))
		}
		ids[t.ID] = true
		if t.Channel == "" {
			errs = append(errs, fmt.Errorf("transport %q: channel is required", t.ID))
		}
		if !tuners[t.Tuner] {
			errs = append(errs, fmt.Errorf("transport %q: unknown tuner %q", t.ID, t.Tuner))
		}
		if _, err := feed.NewSource(t.Source); err != nil {
			errs = append(errs, fmt.Errorf("transport %q: %w", t.ID, err))
		}
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log.level: unknown level %q", s)
}

// Channels groups transport ids by channel in configuration order.
func (c *Config) Channels() (names []string, members map[string][]string) {
	members = make(map[string][]string)
	for _, t := range c.Transports {
		if _, ok := members[t.Channel]; !ok {
			names = append(names, t.Channel)
		}
		members[t.Channel] = append(members[t.Channel], t.ID)
	}
	return names, members
}
