package subscription

import (
	"cmp"
	"slices"

	"github.com/zsiec/tunerd/internal/transport"
)

// Channel is a named service and the transports able to carry it, in scan
// order: descending priority, configuration order among equals.
type Channel struct {
	Name       string
	transports []*transport.Transport
}

// NewChannel creates a channel over the given candidate transports.
func NewChannel(name string, transports ...*transport.Transport) *Channel {
	ts := slices.Clone(transports)
	slices.SortStableFunc(ts, func(a, b *transport.Transport) int {
		return cmp.Compare(b.Priority(), a.Priority())
	})
	return &Channel{Name: name, transports: ts}
}

// Transports returns the candidates in scan order.
func (c *Channel) Transports() []*transport.Transport { return slices.Clone(c.transports) }

func (c *Channel) running() *transport.Transport {
	for _, t := range c.transports {
		if t.Running() {
			return t
		}
	}
	return nil
}
