package feed

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/zsiec/tunerd/internal/mpegts"
	"github.com/zsiec/tunerd/internal/transport"
)

// readBufferSize holds ten SRT payloads of seven cells each.
const readBufferSize = 1316 * 10

// read opens src and pumps it until ctx ends, reopening with exponential
// backoff after errors.
func (tu *Tuner) read(ctx context.Context, t *transport.Transport, src Source, gen uint64) {
	backoff := tu.minBackoff
	for ctx.Err() == nil {
		rc, err := src.Open(ctx)
		if err == nil {
			var n int64
			n, err = tu.pump(ctx, t, gen, rc)
			rc.Close()
			if n > 0 {
				backoff = tu.minBackoff
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil || errors.Is(err, io.EOF) {
			tu.log.Info("source ended", "transport", t.ID(), "source", src.String(), "retry_in", backoff)
		} else {
			tu.log.Warn("source failed", "transport", t.ID(), "source", src.String(), "error", err, "retry_in", backoff)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = min(2*backoff, tu.maxBackoff)
	}
}

// pump copies aligned cells from r to the loop until r fails or ctx ends.
// It returns the number of bytes read.
func (tu *Tuner) pump(ctx context.Context, t *transport.Transport, gen uint64, r io.ReadCloser) (int64, error) {
	// unblock a pending Read when the tuning ends
	stop := context.AfterFunc(ctx, func() { r.Close() })
	defer stop()

	var (
		a     aligner
		total int64
		buf   = make([]byte, readBufferSize)
	)
	for {
		n, err := r.Read(buf)
		total += int64(n)
		if n > 0 {
			cells := a.push(buf[:n])
			resyncs := a.takeResyncs()
			if len(cells) > 0 || resyncs > 0 {
				tu.exec.Post(func() { tu.deliver(t, gen, cells, resyncs) })
			}
		}
		if err != nil {
			return total, err
		}
	}
}

// aligner recovers cell boundaries from a byte stream. Lock is acquired on
// two consecutive sync bytes one cell apart and lost on the first cell that
// does not start with one.
type aligner struct {
	buf     []byte
	locked  bool
	resyncs uint64
}

// push appends data and returns every complete aligned cell in a newly
// allocated slice. Bytes of a trailing partial cell are kept.
func (a *aligner) push(data []byte) []byte {
	a.buf = append(a.buf, data...)
	var out []byte
	i := 0
	for len(a.buf)-i >= mpegts.CellSize {
		rest := a.buf[i:]
		if rest[0] != mpegts.SyncByte {
			if a.locked {
				a.locked = false
				a.resyncs++
			}
			i++
			continue
		}
		if !a.locked {
			if len(rest) < 2*mpegts.CellSize {
				break
			}
			if rest[mpegts.CellSize] != mpegts.SyncByte {
				i++
				continue
			}
			a.locked = true
		}
		out = append(out, rest[:mpegts.CellSize]...)
		i += mpegts.CellSize
	}
	a.buf = append(a.buf[:0], a.buf[i:]...)
	return out
}

func (a *aligner) takeResyncs() uint64 {
	n := a.resyncs
	a.resyncs = 0
	return n
}
