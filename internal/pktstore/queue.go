package pktstore

// Queue is the ordered delivery queue of one elementary stream. Readers
// address packets by sequence number, so a reader's position stays valid
// when packets ahead of or behind it are unstored.
type Queue struct {
	name  string
	base  uint64 // sequence number of slots[0]
	slots []*Packet
	count int
	bytes int64

	watchers []watcher
	watchSeq int
}

type watcher struct {
	id int
	fn func(*Packet)
}

// NewQueue creates an empty queue. The name is used in logs.
func NewQueue(name string) *Queue {
	return &Queue{name: name}
}

func (q *Queue) Name() string { return q.name }

// Len returns the number of stored packets.
func (q *Queue) Len() int { return q.count }

// Bytes returns the total payload size of stored packets.
func (q *Queue) Bytes() int64 { return q.bytes }

func (q *Queue) append(p *Packet) {
	p.seq = q.base + uint64(len(q.slots))
	q.slots = append(q.slots, p)
	q.count++
	q.bytes += int64(p.size)
}

func (q *Queue) remove(p *Packet) {
	if p.seq < q.base {
		return
	}
	i := int(p.seq - q.base)
	if i >= len(q.slots) || q.slots[i] != p {
		return
	}
	q.slots[i] = nil
	q.count--
	q.bytes -= int64(p.size)

	n := 0
	for n < len(q.slots) && q.slots[n] == nil {
		n++
	}
	if n > 0 {
		clear(q.slots[:n])
		q.slots = q.slots[n:]
		q.base += uint64(n)
	}
}

// First returns the oldest stored packet.
func (q *Queue) First() *Packet {
	for _, p := range q.slots {
		if p != nil {
			return p
		}
	}
	return nil
}

// Last returns the newest stored packet.
func (q *Queue) Last() *Packet {
	for i := len(q.slots) - 1; i >= 0; i-- {
		if q.slots[i] != nil {
			return q.slots[i]
		}
	}
	return nil
}

// Next returns the first stored packet positioned after seq.
func (q *Queue) Next(seq uint64) *Packet {
	i := 0
	if seq >= q.base {
		i = int(seq-q.base) + 1
	}
	for ; i < len(q.slots); i++ {
		if q.slots[i] != nil {
			return q.slots[i]
		}
	}
	return nil
}

// Each calls fn for every stored packet, oldest first, until fn returns
// false.
func (q *Queue) Each(fn func(*Packet) bool) {
	for _, p := range q.slots {
		if p != nil && !fn(p) {
			return
		}
	}
}

// Watch registers fn to be called after each packet is stored on q. The
// returned function removes the registration.
func (q *Queue) Watch(fn func(*Packet)) (cancel func()) {
	q.watchSeq++
	id := q.watchSeq
	q.watchers = append(q.watchers, watcher{id: id, fn: fn})
	return func() {
		for i, w := range q.watchers {
			if w.id == id {
				q.watchers = append(q.watchers[:i:i], q.watchers[i+1:]...)
				return
			}
		}
	}
}

func (q *Queue) notify(p *Packet) {
	if len(q.watchers) == 0 {
		return
	}
	ws := append([]watcher(nil), q.watchers...)
	for _, w := range ws {
		w.fn(p)
	}
}
