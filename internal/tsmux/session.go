package tsmux

import (
	"fmt"
	"log/slog"

	"github.com/zsiec/tunerd/internal/evloop"
	"github.com/zsiec/tunerd/internal/mpegts"
	"github.com/zsiec/tunerd/internal/pktstore"
	"github.com/zsiec/tunerd/internal/stream"
)

// maxPassCells bounds the cells written by one wake-up so a backlog does
// not stall the loop.
const maxPassCells = 2048

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateWaitingForLock
	StatePlay
	StatePause
)

func (s State) String() string {
	switch s {
	case StateWaitingForLock:
		return "waiting"
	case StatePlay:
		return "play"
	case StatePause:
		return "pause"
	}
	return "idle"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Stats is a snapshot of session counters.
type Stats struct {
	State        State  `json:"state"`
	Streams      int    `json:"streams"`
	Stale        int    `json:"stale"`
	Cells        uint64 `json:"cells"`
	Batches      uint64 `json:"batches"`
	Locks        uint64 `json:"locks"`
	Relocks      uint64 `json:"relocks"`
	LockFailures uint64 `json:"lockFailures"`
}

// cursor is the position of the session in one stream's delivery queue.
type cursor struct {
	esEntry
	cc uint8

	// pkt is the retained packet being cut into cells, pes its
	// remaining bytes.
	pkt   *pktstore.Packet
	pes   []byte
	first bool

	due      int64
	interval int64

	// last is the seq of the newest packet taken, valid once started.
	last    uint64
	started bool
	stale   bool
}

func (c *cursor) active() bool { return c.pkt != nil && !c.stale }

// Session paces the packets of a registry's streams into one program.
// All methods must be called from the event loop.
type Session struct {
	cfg   Config
	reg   *stream.Registry
	store *pktstore.Store
	clock evloop.Clock
	log   *slog.Logger
	w     *writer
	tab   tables

	// OnLockFailure is called when a lock attempt finds no data, once per
	// waiting period.
	OnLockFailure func(err error)

	state   State
	err     error
	cursors []*cursor
	pcr     *cursor

	originWall    int64
	originLogical int64
	pausedAt      int64
	nextPCR       int64
	nextTables    int64

	// lock request: an offset from the live edge, or after a relock the
	// DTS to resume from
	live   bool
	target int64

	timer   evloop.Timer
	unwatch func()
	closed  bool
	stats   Stats
}

// NewSession creates an idle session over reg. out receives the muxed
// cells. If log is nil, slog.Default() is used.
func NewSession(reg *stream.Registry, store *pktstore.Store, clock evloop.Clock, cfg Config, out Output, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:   cfg,
		reg:   reg,
		store: store,
		clock: clock,
		log:   log.With("component", "tsmux"),
		w:     newWriter(out, cfg.BatchCells),
	}
	s.unwatch = reg.Watch(s.onPacket)
	return s
}

// State returns the lifecycle state.
func (s *Session) State() State { return s.state }

// Err returns ErrNoData while the session waits for a lockable packet.
func (s *Session) Err() error { return s.err }

// Stats returns the session counters.
func (s *Session) Stats() Stats {
	st := s.stats
	st.State = s.state
	st.Streams = len(s.cursors)
	st.Cells = s.w.cells
	st.Batches = s.w.sent
	for _, c := range s.cursors {
		if c.stale {
			st.Stale++
		}
	}
	return st
}

// Play starts or resumes output. offset is the start point relative to the
// live edge in µs (zero or negative). pktstore.NoPTS continues: it resumes
// a paused session, starts an idle one at the live edge and is ignored
// otherwise.
func (s *Session) Play(offset int64) {
	if s.closed {
		return
	}
	if offset == pktstore.NoPTS {
		switch s.state {
		case StatePause:
			s.originWall += s.clock.Now() - s.pausedAt
			s.state = StatePlay
			s.log.Debug("resumed", "paused_us", s.clock.Now()-s.pausedAt)
			s.pass()
			return
		case StateIdle:
			offset = 0
		default:
			return
		}
	}
	s.releaseCursors()
	s.live, s.target = true, min(offset, 0)
	s.state = StateWaitingForLock
	s.tryLock()
}

// Pause freezes the pacing clock. Cursors are kept.
func (s *Session) Pause() {
	if s.closed || s.state != StatePlay {
		return
	}
	s.w.flush()
	s.pausedAt = s.clock.Now()
	s.clock.Disarm(&s.timer)
	s.state = StatePause
}

// Close releases every cursor. No output is produced afterwards.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.clock.Disarm(&s.timer)
	s.unwatch()
	s.w.stop()
	s.releaseCursors()
	s.state = StateIdle
}

func (s *Session) logicalNow() int64 {
	return s.originLogical + s.clock.Now() - s.originWall
}

func (s *Session) tryLock() {
	start, err := s.lock()
	if err != nil {
		s.stats.LockFailures++
		if s.err == nil {
			s.err = err
			s.log.Info("waiting for data", "error", err)
			if s.OnLockFailure != nil {
				s.OnLockFailure(err)
			}
		}
		return
	}
	s.err = nil
	s.stats.Locks++

	origin := start - s.cfg.StartDelay
	if !s.live {
		// a relock keeps the output clock running, jumping forward only
		// when the resume point lies more than StartDelay ahead
		origin = max(s.logicalNow(), origin)
	}
	s.originWall = s.clock.Now()
	s.originLogical = origin
	for _, c := range s.cursors {
		if c.active() {
			s.plan(c, s.originLogical)
		}
	}
	s.nextPCR = s.originLogical
	s.nextTables = s.originLogical
	s.state = StatePlay
	s.log.Debug("locked", "start", start, "streams", len(s.cursors))
	s.pass()
}

// relock restarts the session at the first loadable packet from lost
// onwards.
func (s *Session) relock(lost *pktstore.Packet, err error) {
	s.stats.Relocks++
	s.log.Warn("payload gone, relocking", "error", err)
	s.w.flush()
	s.live, s.target = false, lost.DTS
	s.releaseCursors()
	s.state = StateWaitingForLock
	s.clock.Arm(&s.timer, s.clock.Now(), s.fire)
}

func (s *Session) fire() {
	switch s.state {
	case StatePlay:
		s.pass()
	case StateWaitingForLock:
		s.tryLock()
	}
}

// kick brings the next wake-up forward to now.
func (s *Session) kick() {
	now := s.clock.Now()
	if s.timer.Armed() && s.timer.Deadline() <= now {
		return
	}
	s.clock.Arm(&s.timer, now, s.fire)
}

func (s *Session) onPacket(st *stream.Stream, _ *pktstore.Packet) {
	if s.closed {
		return
	}
	switch s.state {
	case StateWaitingForLock:
		s.kick()
	case StatePlay:
		c := s.cursorFor(st)
		if c == nil && muxable(st) {
			s.syncStreams()
			c = s.cursorFor(st)
		}
		if c != nil && c.stale {
			s.kick()
		}
	}
}

// pass writes every cell due by the current logical time and schedules
// the next wake-up.
func (s *Session) pass() {
	if s.state != StatePlay {
		return
	}
	now := s.logicalNow()
	for _, c := range s.cursors {
		if c.stale || c.pkt == nil {
			s.reactivate(c, now)
		}
	}

	if now >= s.nextTables {
		s.tab.write(s.w)
		s.nextTables = now + s.cfg.TableInterval
		if s.state != StatePlay {
			return
		}
	}
	for range maxPassCells {
		c := s.earliest()
		if c == nil || c.due > now {
			break
		}
		s.writePCR(c.due)
		s.emit(c)
		if s.state != StatePlay {
			return
		}
		if len(c.pes) == 0 && !s.advance(c, now) {
			return
		}
	}
	s.writePCR(now)
	s.w.flush()
	if s.state == StatePlay {
		s.schedule(now)
	}
}

func (s *Session) schedule(now int64) {
	next := s.nextTables
	if s.pcr != nil {
		next = min(next, s.nextPCR)
	}
	if c := s.earliest(); c != nil {
		next = min(next, c.due)
	}
	next = max(next, now)
	s.clock.Arm(&s.timer, s.originWall+next-s.originLogical, s.fire)
}

func (s *Session) earliest() *cursor {
	var best *cursor
	for _, c := range s.cursors {
		if c.active() && (best == nil || c.due < best.due) {
			best = c
		}
	}
	return best
}

func (s *Session) emit(c *cursor) {
	cell, n := mpegts.PayloadCell(c.pid, c.cc, c.first, c.pes)
	c.cc = (c.cc + 1) & 0x0F
	c.first = false
	c.pes = c.pes[n:]
	c.due += c.interval
	s.w.add(cell)
}

// writePCR inserts an adaptation-only PCR cell once the cadence is due.
func (s *Session) writePCR(t int64) {
	if s.pcr == nil || t < s.nextPCR {
		return
	}
	base := mpegts.MicrosToTicks(t) & (mpegts.TimestampWrap - 1)
	s.w.pcr = base
	// adaptation-only cells repeat the previous continuity counter
	s.w.add(mpegts.PCRCell(s.pcr.pid, (s.pcr.cc-1)&0x0F, base))
	s.nextPCR = t + s.cfg.PCRInterval
}

// advance moves c to the packet after the one it finished. It returns
// false when the session had to relock.
func (s *Session) advance(c *cursor, now int64) bool {
	prev := c.pkt
	next := c.source.Queue.Next(prev.Seq())
	c.pkt = nil
	s.store.Release(prev)
	if next == nil {
		c.stale = true
		return true
	}
	if err := s.store.EnsureLoaded(next); err != nil {
		s.relock(next, fmt.Errorf("%s: %w", c.source, err))
		return false
	}
	s.take(c, next)
	// continue where the previous packet's cells ended
	s.plan(c, max(c.due, now))
	return true
}

// reactivate resumes a stale cursor at the first loadable packet that
// still ends after now.
func (s *Session) reactivate(c *cursor, now int64) {
	var p *pktstore.Packet
	q := c.source.Queue
	if c.started {
		for n := q.Next(c.last); n != nil; n = q.Next(n.Seq()) {
			if n.End() > now && s.loadable(n) {
				p = n
				break
			}
		}
	} else {
		q.Each(func(n *pktstore.Packet) bool {
			if n.End() > now && s.loadable(n) {
				p = n
				return false
			}
			return true
		})
	}
	if p == nil {
		return
	}
	s.take(c, p)
	s.plan(c, now)
}

func (s *Session) take(c *cursor, p *pktstore.Packet) {
	s.store.Retain(p)
	c.pkt = p
	c.last, c.started = p.Seq(), true
	c.stale = false
	pts := p.PTS
	if pts == pktstore.NoPTS {
		pts = p.DTS
	}
	c.pes = mpegts.AppendPESHeader(c.pes[:0], c.source.Kind.StreamID(), p.Size(),
		mpegts.MicrosToTicks(pts), mpegts.MicrosToTicks(p.DTS))
	c.pes = append(c.pes, p.Payload()...)
	c.first = true
}

// plan spreads the cells of c's packet evenly from now up to the packet's
// deadline. The first cell is due at now.
func (s *Session) plan(c *cursor, now int64) {
	pts := c.pkt.PTS
	if pts == pktstore.NoPTS {
		pts = c.pkt.DTS
	}
	deadline := pts - c.source.PeakPresentationDelay - s.cfg.Skew
	cells := int64((len(c.pes) + cellPayload - 1) / cellPayload)
	c.due = now
	c.interval = 0
	if span := deadline - now; span > 0 {
		c.interval = span / cells
	}
}

const cellPayload = mpegts.CellSize - 4

func (s *Session) releaseCursors() {
	for _, c := range s.cursors {
		if c.pkt != nil {
			s.store.Release(c.pkt)
			c.pkt = nil
		}
		c.pes = c.pes[:0]
		c.stale = false
		c.started = false
	}
}

func (s *Session) loadable(p *pktstore.Packet) bool {
	return s.store.EnsureLoaded(p) == nil
}

func (s *Session) cursorFor(st *stream.Stream) *cursor {
	for _, c := range s.cursors {
		if c.source == st {
			return c
		}
	}
	return nil
}

// syncStreams gives every muxable stream of the registry a cursor and
// rebuilds the PMT.
func (s *Session) syncStreams() {
	for _, st := range s.reg.Media() {
		if !muxable(st) || s.cursorFor(st) != nil {
			continue
		}
		c := &cursor{esEntry: esEntry{pid: PIDESBase + uint16(len(s.cursors)), source: st}}
		s.cursors = append(s.cursors, c)
		if c.source.Kind.IsVideo() && (s.pcr == nil || !s.pcr.source.Kind.IsVideo()) {
			s.pcr = c
		} else if s.pcr == nil {
			s.pcr = c
		}
		if s.state == StatePlay {
			c.stale = true
		}
		s.log.Debug("stream added", "pid", st.PID, "out_pid", c.pid, "kind", st.Kind)
	}

	entries := make([]esEntry, len(s.cursors))
	for i, c := range s.cursors {
		entries[i] = c.esEntry
	}
	pcrPID := mpegts.PIDNull
	if s.pcr != nil {
		pcrPID = s.pcr.pid
	}
	s.tab.update(entries, pcrPID)
}
