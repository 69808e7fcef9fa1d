// Package feed implements the hardware layer behind transports. A Tuner is
// an exclusive resource that carries one transport at a time; its reader
// goroutine pulls bytes from the transport's Source, aligns them to cells
// and posts them onto the event loop.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/zsiec/tunerd/internal/evloop"
	"github.com/zsiec/tunerd/internal/transport"
)

var (
	// ErrBusy is returned when retuning would take the tuner from a
	// subscriber of equal or higher weight.
	ErrBusy = errors.New("feed: tuner busy")
	// ErrNoSource is returned for a transport the tuner does not carry.
	ErrNoSource = errors.New("feed: no source for transport")
)

const (
	defaultMinBackoff = time.Second
	defaultMaxBackoff = 10 * time.Second
)

// Tuner carries at most one transport at a time. StartFeed and StopFeed
// run on the event loop; cells are posted back to it through exec.
type Tuner struct {
	name string
	exec evloop.Executor
	log  *slog.Logger

	sources map[*transport.Transport]Source

	current *transport.Transport
	gen     uint64
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	minBackoff, maxBackoff time.Duration

	tunes    uint64
	preempts uint64
}

// TunerInfo is a point-in-time view of a tuner for the API.
type TunerInfo struct {
	Name       string   `json:"name"`
	Current    string   `json:"current,omitempty"`
	Transports []string `json:"transports"`
	Tunes      uint64   `json:"tunes"`
	Preempts   uint64   `json:"preempts"`
}

// NewTuner creates an idle tuner. If log is nil, slog.Default() is used.
func NewTuner(name string, exec evloop.Executor, log *slog.Logger) *Tuner {
	if log == nil {
		log = slog.Default()
	}
	return &Tuner{
		name:       name,
		exec:       exec,
		log:        log.With("component", "tuner", "tuner", name),
		sources:    make(map[*transport.Transport]Source),
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
	}
}

func (tu *Tuner) Name() string { return tu.name }

// Add makes t reachable through the tuner via src.
func (tu *Tuner) Add(t *transport.Transport, src Source) {
	tu.sources[t] = src
}

// Current returns the transport the tuner is tuned to, or nil.
func (tu *Tuner) Current() *transport.Transport { return tu.current }

// StartFeed implements transport.Feed. A tuner busy with another
// transport is retuned only if that transport's weight is below weight;
// the old transport is preempted first.
func (tu *Tuner) StartFeed(t *transport.Transport, weight uint32) error {
	src, ok := tu.sources[t]
	if !ok {
		return fmt.Errorf("%w %s on tuner %s", ErrNoSource, t, tu.name)
	}
	if tu.current == t {
		return nil
	}
	if cur := tu.current; cur != nil {
		if w := cur.Weight(); w >= weight {
			return fmt.Errorf("%w: %s holds %s at weight %d", ErrBusy, cur, tu.name, w)
		}
		tu.log.Info("retuning", "from", cur.ID(), "to", t.ID(), "weight", weight)
		tu.preempts++
		cur.Preempt()
		// an idle cur never reaches StopFeed
		if tu.current == cur {
			tu.release()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	tu.current = t
	tu.gen++
	tu.cancel = cancel
	tu.tunes++
	gen := tu.gen
	tu.wg.Add(1)
	go func() {
		defer tu.wg.Done()
		tu.read(ctx, t, src, gen)
	}()
	tu.log.Info("tuned", "transport", t.ID(), "source", src.String())
	return nil
}

// StopFeed implements transport.Feed.
func (tu *Tuner) StopFeed(t *transport.Transport) {
	if tu.current != t {
		return
	}
	tu.release()
	tu.log.Info("untuned", "transport", t.ID())
}

func (tu *Tuner) release() {
	tu.cancel()
	tu.cancel = nil
	tu.current = nil
	tu.gen++
}

// Close stops the reader and waits for it. It must be called after the
// event loop has stopped.
func (tu *Tuner) Close() {
	if tu.cancel != nil {
		tu.cancel()
	}
	tu.wg.Wait()
}

// deliver runs on the loop. Cells from a previous tuning are dropped.
func (tu *Tuner) deliver(t *transport.Transport, gen uint64, cells []byte, resyncs uint64) {
	if tu.gen != gen || tu.current != t {
		return
	}
	t.Counters.SyncErrors += resyncs
	if len(cells) == 0 {
		return
	}
	if err := t.Input(cells); err != nil {
		tu.log.Debug("input dropped", "transport", t.ID(), "error", err)
	}
}

// Info returns a snapshot for the API.
func (tu *Tuner) Info() TunerInfo {
	info := TunerInfo{Name: tu.name, Tunes: tu.tunes, Preempts: tu.preempts, Transports: []string{}}
	if tu.current != nil {
		info.Current = tu.current.ID()
	}
	for t := range tu.sources {
		info.Transports = append(info.Transports, t.ID())
	}
	slices.Sort(info.Transports)
	return info
}
