package stream

import (
	"log/slog"
	"slices"

	"github.com/zsiec/tunerd/internal/mpegts"
	"github.com/zsiec/tunerd/internal/pktstore"
)

// Registry is the per-transport set of streams in PMT order.
type Registry struct {
	log   *slog.Logger
	owner string

	byPID  map[uint16]*Stream
	order  []*Stream
	next   int
	unhook map[*Stream]func()

	// PCRPID is the clock reference PID announced by the PMT.
	PCRPID uint16

	watchers []registryWatcher
	watchSeq int
}

type registryWatcher struct {
	id int
	fn func(*Stream, *pktstore.Packet)
}

// NewRegistry creates an empty registry. If log is nil, slog.Default() is used.
func NewRegistry(owner string, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:    log.With("component", "streams", "transport", owner),
		owner:  owner,
		byPID:  make(map[uint16]*Stream),
		unhook: make(map[*Stream]func()),
		PCRPID: mpegts.PIDNull,
	}
}

// Add registers a stream. If pid is already registered the existing
// stream is returned with created false.
func (r *Registry) Add(pid uint16, kind Kind) (s *Stream, created bool) {
	if s, ok := r.byPID[pid]; ok {
		return s, false
	}
	s = newStream(r.owner, pid, kind, r.next)
	r.next++
	r.byPID[pid] = s
	r.order = append(r.order, s)
	r.unhook[s] = s.Queue.Watch(func(p *pktstore.Packet) { r.notify(s, p) })
	r.log.Debug("stream added", "pid", pid, "kind", kind)
	return s, true
}

// Get returns the stream for pid, or nil.
func (r *Registry) Get(pid uint16) *Stream {
	return r.byPID[pid]
}

// Remove unregisters the stream for pid and returns it. The caller is
// responsible for flushing its queue.
func (r *Registry) Remove(pid uint16) *Stream {
	s, ok := r.byPID[pid]
	if !ok {
		return nil
	}
	delete(r.byPID, pid)
	r.order = slices.DeleteFunc(r.order, func(o *Stream) bool { return o == s })
	if unhook := r.unhook[s]; unhook != nil {
		unhook()
	}
	delete(r.unhook, s)
	r.log.Debug("stream removed", "pid", pid, "kind", s.Kind)
	return s
}

// List returns all streams in registration order.
func (r *Registry) List() []*Stream {
	return slices.Clone(r.order)
}

// Media returns the non-section streams in registration order.
func (r *Registry) Media() []*Stream {
	var out []*Stream
	for _, s := range r.order {
		if !s.Kind.IsSection() {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of registered streams.
func (r *Registry) Len() int { return len(r.order) }

// Watch registers fn to be called after a packet is stored on any stream,
// including streams added later. The returned function removes it.
func (r *Registry) Watch(fn func(*Stream, *pktstore.Packet)) (cancel func()) {
	r.watchSeq++
	id := r.watchSeq
	r.watchers = append(r.watchers, registryWatcher{id: id, fn: fn})
	return func() {
		r.watchers = slices.DeleteFunc(r.watchers, func(w registryWatcher) bool { return w.id == id })
	}
}

func (r *Registry) notify(s *Stream, p *pktstore.Packet) {
	for _, w := range slices.Clone(r.watchers) {
		w.fn(s, p)
	}
}

// Reset flushes every media queue through store and clears per-stream
// state. Section streams are kept so the next start re-reads PSI.
func (r *Registry) Reset(store *pktstore.Store) {
	for _, s := range r.order {
		store.FlushQueue(s.Queue)
		s.Reset()
	}
}
