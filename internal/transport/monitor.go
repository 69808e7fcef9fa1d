package transport

import "github.com/zsiec/tunerd/internal/evloop"

const (
	monitorInterval = 1_000_000
	monitorGrace    = 10
	minBitrate      = 500_000
)

// monitor samples input volume once per second and logs when a running
// transport looks unhealthy.
type monitor struct {
	t     *Transport
	timer evloop.Timer

	ticks     int
	lastBytes uint64
	lastCC    uint64
	kbps      float64

	lowRate bool
}

func (m *monitor) start() {
	m.ticks = 0
	m.lastBytes = m.t.Counters.Bytes
	m.lastCC = m.t.Counters.CCErrors
	m.kbps = 0
	m.lowRate = false
	evloop.Every(m.t.clock, &m.timer, monitorInterval, m.tick)
}

func (m *monitor) stop() {
	m.t.clock.Disarm(&m.timer)
	m.kbps = 0
}

func (m *monitor) tick() {
	c := &m.t.Counters
	bits := (c.Bytes - m.lastBytes) * 8
	cc := c.CCErrors - m.lastCC
	m.lastBytes = c.Bytes
	m.lastCC = c.CCErrors
	m.kbps = float64(bits) / 1000
	m.ticks++

	if m.ticks <= monitorGrace {
		return
	}

	low := bits < minBitrate
	if low && !m.lowRate {
		m.t.log.Warn("low input bitrate", "kbps", m.kbps)
	} else if !low && m.lowRate {
		m.t.log.Info("input bitrate recovered", "kbps", m.kbps)
	}
	m.lowRate = low

	if cc > 0 {
		m.t.log.Warn("continuity errors", "count", cc, "total", c.CCErrors)
	}
}
