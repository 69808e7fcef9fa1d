package pktstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// chunk is an append-only file holding payload bytes back-to-back.
type chunk struct {
	seq    int
	path   string
	file   *os.File
	offset int64
	refs   int
	closed bool
}

func openChunk(dir, prefix string, seq int) (*chunk, error) {
	path := filepath.Join(dir, prefix+strconv.Itoa(seq))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("pktstore: open chunk: %w", err)
	}
	return &chunk{seq: seq, path: path, file: f}, nil
}

func (c *chunk) write(data []byte) (int64, error) {
	off := c.offset
	if _, err := c.file.WriteAt(data, off); err != nil {
		return 0, fmt.Errorf("pktstore: write chunk %s: %w", c.path, err)
	}
	c.offset += int64(len(data))
	return off, nil
}

func (c *chunk) read(off int64, size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := c.file.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("pktstore: read chunk %s at %d: %w", c.path, off, err)
	}
	return buf, nil
}

func (c *chunk) remove() error {
	c.closed = true
	err := c.file.Close()
	if rerr := os.Remove(c.path); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// wipe deletes files left in dir by a previous run.
func wipe(dir, prefix string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if _, err := strconv.Atoi(strings.TrimPrefix(e.Name(), prefix)); err != nil {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
