package pktstore

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/shirou/gopsutil/v3/disk"
)

// ErrPayloadGone is returned by EnsureLoaded when neither memory nor disk
// holds the packet's payload any more.
var ErrPayloadGone = errors.New("pktstore: payload gone")

const (
	DefaultMemoryMax = 10 << 20
	DefaultDiskMax   = 4000 << 20
	DefaultPrefix    = "s"
)

// Config sets the store's budgets. An empty Dir keeps everything in
// memory; memory eviction then drops packets outright.
type Config struct {
	Dir       string `yaml:"dir"`
	Prefix    string `yaml:"prefix"`
	MemoryMax int64  `yaml:"memory_max"`
	DiskMax   int64  `yaml:"disk_max"`
	// ChunkSize caps each spill file. Defaults to DiskMax/32.
	ChunkSize int64 `yaml:"chunk_size"`
}

// Stats is a snapshot of store occupancy and counters.
type Stats struct {
	Packets       int    `json:"packets"`
	MemoryPackets int    `json:"memoryPackets"`
	MemoryBytes   int64  `json:"memoryBytes"`
	MemoryMax     int64  `json:"memoryMax"`
	DiskPackets   int    `json:"diskPackets"`
	DiskBytes     int64  `json:"diskBytes"`
	DiskMax       int64  `json:"diskMax"`
	Chunks        int    `json:"chunks"`
	Evicted       uint64 `json:"evicted"`
	Dropped       uint64 `json:"dropped"`
	Loads         uint64 `json:"loads"`
	WriteErrors   uint64 `json:"writeErrors"`
}

// tracker is an age-ordered index of packets keyed by packet id.
type tracker struct {
	order *list.List
	index map[uint64]*list.Element
	bytes int64
}

func newTracker() tracker {
	return tracker{order: list.New(), index: make(map[uint64]*list.Element)}
}

func (t *tracker) push(p *Packet) {
	if _, ok := t.index[p.id]; ok {
		return
	}
	t.index[p.id] = t.order.PushBack(p)
	t.bytes += int64(p.size)
}

func (t *tracker) remove(p *Packet) {
	e, ok := t.index[p.id]
	if !ok {
		return
	}
	t.order.Remove(e)
	delete(t.index, p.id)
	t.bytes -= int64(p.size)
}

func (t *tracker) has(p *Packet) bool {
	_, ok := t.index[p.id]
	return ok
}

func (t *tracker) oldest() *Packet {
	if e := t.order.Front(); e != nil {
		return e.Value.(*Packet)
	}
	return nil
}

func (t *tracker) len() int { return len(t.index) }

// Store is the packet store. Create with Open.
type Store struct {
	cfg Config
	log *slog.Logger

	nextID uint64
	live   int

	mem  tracker
	disk tracker

	cur      *chunk
	chunkSeq int
	chunks   map[int]*chunk

	evicted     uint64
	dropped     uint64
	loads       uint64
	writeErrors uint64
}

// Open creates a store. With a spill directory, leftover chunk files from
// a previous run are deleted and the disk budget is clamped to the free
// space of the filesystem.
func Open(cfg Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.MemoryMax <= 0 {
		cfg.MemoryMax = DefaultMemoryMax
	}
	if cfg.DiskMax <= 0 {
		cfg.DiskMax = DefaultDiskMax
	}

	s := &Store{
		log:    log.With("component", "pktstore"),
		mem:    newTracker(),
		disk:   newTracker(),
		chunks: make(map[int]*chunk),
	}

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("pktstore: create dir: %w", err)
		}
		n, err := wipe(cfg.Dir, cfg.Prefix)
		if err != nil {
			return nil, fmt.Errorf("pktstore: wipe %s: %w", cfg.Dir, err)
		}
		if n > 0 {
			s.log.Info("removed stale chunk files", "dir", cfg.Dir, "count", n)
		}
		if usage, err := disk.Usage(cfg.Dir); err == nil && usage.Free < uint64(cfg.DiskMax) {
			clamped := int64(usage.Free / 10 * 9)
			s.log.Warn("disk budget exceeds free space, clamping",
				"configured", cfg.DiskMax, "free", usage.Free, "budget", clamped)
			cfg.DiskMax = clamped
		}
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = cfg.DiskMax / 32
	}
	s.cfg = cfg

	s.log.Info("packet store ready", "dir", cfg.Dir,
		"memory_max", cfg.MemoryMax, "disk_max", cfg.DiskMax, "chunk_size", cfg.ChunkSize)
	return s, nil
}

// Alloc creates a packet with refcount 1 holding a private copy of data.
func (s *Store) Alloc(q *Queue, data []byte, pts, dts int64) *Packet {
	s.nextID++
	s.live++
	payload := make([]byte, len(data))
	copy(payload, data)
	return &Packet{
		id:      s.nextID,
		refs:    1,
		payload: payload,
		size:    len(data),
		queue:   q,
		PTS:     pts,
		DTS:     dts,
	}
}

// Copy allocates a new unstored packet with the same metadata and payload.
func (s *Store) Copy(p *Packet) (*Packet, error) {
	if err := s.EnsureLoaded(p); err != nil {
		return nil, err
	}
	c := s.Alloc(p.queue, p.payload, p.PTS, p.DTS)
	c.Duration = p.Duration
	c.Kind = p.Kind
	return c, nil
}

// Retain adds a reference.
func (s *Store) Retain(p *Packet) *Packet {
	if p.refs <= 0 {
		panic(fmt.Sprintf("pktstore: retain of freed packet %v", p))
	}
	p.refs++
	return p
}

// Release drops a reference and frees the packet at zero. Releasing a
// freed packet, or the last reference of a stored one, panics.
func (s *Store) Release(p *Packet) {
	if p.refs <= 0 {
		panic(fmt.Sprintf("pktstore: release of freed packet %v", p))
	}
	if p.refs == 1 && p.onQueue {
		panic(fmt.Sprintf("pktstore: release of storage reference %v", p))
	}
	p.refs--
	if p.refs > 0 {
		return
	}
	if p.chunk != nil {
		panic(fmt.Sprintf("pktstore: freed packet still on disk %v", p))
	}
	p.payload = nil
	s.live--
}

// Store appends p to its queue and the tracking queues and takes the
// storage reference. Storing a stored packet is a no-op. Budgets are
// enforced before queue watchers are notified.
func (s *Store) Store(p *Packet) {
	if p.onQueue {
		return
	}
	if p.refs <= 0 {
		panic(fmt.Sprintf("pktstore: store of freed packet %v", p))
	}
	p.onQueue = true
	p.refs++
	p.queue.append(p)
	if p.payload != nil {
		s.mem.push(p)
		s.spill(p)
	}

	s.enforceMemory()
	s.enforceDisk()

	if p.onQueue {
		p.queue.notify(p)
	}
}

// Unstore removes p from its queue and the tracking queues and drops the
// storage reference. The disk copy is released; a holder that still needs
// the payload must have it resident.
func (s *Store) Unstore(p *Packet) {
	if !p.onQueue {
		return
	}
	p.onQueue = false
	p.queue.remove(p)
	s.mem.remove(p)
	s.disk.remove(p)
	s.dropChunk(p)
	s.Release(p)
}

// FlushQueue unstores every packet on q.
func (s *Store) FlushQueue(q *Queue) {
	var ps []*Packet
	q.Each(func(p *Packet) bool {
		ps = append(ps, p)
		return true
	})
	for _, p := range ps {
		s.Unstore(p)
	}
}

// EnsureLoaded makes p's payload resident, reading it back from its chunk
// if needed. It returns ErrPayloadGone when no copy exists.
func (s *Store) EnsureLoaded(p *Packet) error {
	if p.payload != nil {
		return nil
	}
	c := p.chunk
	if c == nil {
		return ErrPayloadGone
	}
	if c.closed {
		panic(fmt.Sprintf("pktstore: chunk %s deleted while referenced by %v", c.path, p))
	}
	data, err := c.read(p.offset, p.size)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadGone, err)
	}
	p.payload = data
	s.loads++
	if p.onQueue {
		s.mem.push(p)
	}
	return nil
}

func (s *Store) spill(p *Packet) {
	if s.cfg.Dir == "" {
		return
	}
	size := int64(p.size)
	if s.cur == nil || (s.cur.offset > 0 && s.cur.offset+size > s.cfg.ChunkSize) {
		if err := s.rotate(); err != nil {
			s.writeErrors++
			s.log.Warn("chunk rotate failed", "error", err)
			return
		}
	}
	off, err := s.cur.write(p.payload)
	if err != nil {
		s.writeErrors++
		s.log.Warn("spill failed", "error", err)
		return
	}
	p.chunk = s.cur
	p.offset = off
	s.cur.refs++
	s.disk.push(p)
}

func (s *Store) rotate() error {
	if old := s.cur; old != nil {
		s.cur = nil
		if old.refs == 0 {
			s.removeChunk(old)
		}
	}
	s.chunkSeq++
	c, err := openChunk(s.cfg.Dir, s.cfg.Prefix, s.chunkSeq)
	if err != nil {
		return err
	}
	s.chunks[c.seq] = c
	s.cur = c
	return nil
}

func (s *Store) dropChunk(p *Packet) {
	c := p.chunk
	if c == nil {
		return
	}
	p.chunk = nil
	c.refs--
	if c.refs == 0 && c != s.cur {
		s.removeChunk(c)
	}
}

func (s *Store) removeChunk(c *chunk) {
	delete(s.chunks, c.seq)
	if err := c.remove(); err != nil {
		s.log.Warn("remove chunk failed", "path", c.path, "error", err)
	}
}

func (s *Store) enforceMemory() {
	for s.mem.bytes > s.cfg.MemoryMax {
		p := s.mem.oldest()
		if p.chunk == nil {
			// no disk copy to fall back on
			s.dropped++
			s.Unstore(p)
			continue
		}
		s.mem.remove(p)
		p.payload = nil
		s.evicted++
	}
}

func (s *Store) enforceDisk() {
	for s.disk.bytes > s.cfg.DiskMax {
		s.dropped++
		s.Unstore(s.disk.oldest())
	}
}

// Stats returns current occupancy.
func (s *Store) Stats() Stats {
	return Stats{
		Packets:       s.live,
		MemoryPackets: s.mem.len(),
		MemoryBytes:   s.mem.bytes,
		MemoryMax:     s.cfg.MemoryMax,
		DiskPackets:   s.disk.len(),
		DiskBytes:     s.disk.bytes,
		DiskMax:       s.cfg.DiskMax,
		Chunks:        len(s.chunks),
		Evicted:       s.evicted,
		Dropped:       s.dropped,
		Loads:         s.loads,
		WriteErrors:   s.writeErrors,
	}
}

// Close deletes all chunk files. Packets keep their metadata; disk copies
// are gone.
func (s *Store) Close() error {
	var first error
	for _, c := range s.chunks {
		if err := c.remove(); err != nil && first == nil {
			first = err
		}
	}
	clear(s.chunks)
	s.cur = nil
	return first
}
