package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// Source opens the byte stream of one transport. Open may block until
// ctx ends.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	String() string
}

// SourceConfig selects and parameterizes a Source.
type SourceConfig struct {
	// Type is "srt", "udp" or "file".
	Type string `yaml:"type" json:"type"`
	// Address is host:port for srt and udp sources.
	Address string `yaml:"address,omitempty" json:"address,omitempty"`
	// StreamID is sent to the SRT listener.
	StreamID string `yaml:"stream_id,omitempty" json:"streamId,omitempty"`
	// Interface is the network interface for multicast UDP groups.
	Interface string `yaml:"interface,omitempty" json:"interface,omitempty"`
	// Path is the transport stream file of a file source.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
	// Bitrate paces file sources, in bits per second.
	Bitrate int64 `yaml:"bitrate,omitempty" json:"bitrate,omitempty"`
}

// NewSource builds the Source described by cfg.
func NewSource(cfg SourceConfig) (Source, error) {
	switch cfg.Type {
	case "srt":
		if cfg.Address == "" {
			return nil, errors.New("feed: srt source needs an address")
		}
		return &SRTSource{Address: cfg.Address, StreamID: cfg.StreamID}, nil
	case "udp":
		if cfg.Address == "" {
			return nil, errors.New("feed: udp source needs an address")
		}
		return &UDPSource{Address: cfg.Address, Interface: cfg.Interface}, nil
	case "file":
		if cfg.Path == "" {
			return nil, errors.New("feed: file source needs a path")
		}
		return &FileSource{Path: cfg.Path, Bitrate: cfg.Bitrate}, nil
	default:
		return nil, fmt.Errorf("feed: unknown source type %q", cfg.Type)
	}
}

const (
	// srtLatencyNs is the SRT receive latency in nanoseconds (120ms).
	srtLatencyNs   = 120_000_000
	srtDialTimeout = 10 * time.Second
)

// SRTSource pulls from a remote SRT listener in caller mode.
type SRTSource struct {
	Address  string
	StreamID string
}

func (s *SRTSource) String() string { return "srt://" + s.Address }

// Open dials the listener, giving up after srtDialTimeout.
func (s *SRTSource) Open(ctx context.Context) (io.ReadCloser, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = s.StreamID

	ch := make(chan srtDial, 1)
	go func() {
		conn, err := srtgo.Dial(s.Address, cfg)
		ch <- srtDial{conn, err}
	}()

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("feed: srt dial %s: %w", s.Address, res.err)
		}
		return res.conn, nil
	case <-timer.C:
		go closeLate(ch)
		return nil, fmt.Errorf("feed: srt dial %s timed out after %s", s.Address, srtDialTimeout)
	case <-ctx.Done():
		go closeLate(ch)
		return nil, ctx.Err()
	}
}

type srtDial struct {
	conn *srtgo.Conn
	err  error
}

// closeLate closes a connection whose dial outlived the caller.
func closeLate(ch <-chan srtDial) {
	if res := <-ch; res.conn != nil {
		res.conn.Close()
	}
}

// udpReadBuffer is the socket receive buffer for UDP sources.
const udpReadBuffer = 4 << 20

// UDPSource receives a transport stream over unicast or multicast UDP.
type UDPSource struct {
	Address   string
	Interface string
}

func (s *UDPSource) String() string { return "udp://" + s.Address }

// Open binds the socket, joining the group when Address is multicast.
func (s *UDPSource) Open(context.Context) (io.ReadCloser, error) {
	addr, err := net.ResolveUDPAddr("udp", s.Address)
	if err != nil {
		return nil, fmt.Errorf("feed: udp %s: %w", s.Address, err)
	}
	var conn *net.UDPConn
	if addr.IP.IsMulticast() {
		var ifi *net.Interface
		if s.Interface != "" {
			if ifi, err = net.InterfaceByName(s.Interface); err != nil {
				return nil, fmt.Errorf("feed: udp interface %s: %w", s.Interface, err)
			}
		}
		conn, err = net.ListenMulticastUDP("udp", ifi, addr)
	} else {
		conn, err = net.ListenUDP("udp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("feed: udp listen %s: %w", s.Address, err)
	}
	_ = conn.SetReadBuffer(udpReadBuffer)
	return conn, nil
}

// defaultFileBitrate paces file sources with no configured bitrate.
const defaultFileBitrate = 8_000_000

// FileSource replays a transport stream file at a fixed byte rate. The
// stream ends at end of file and the reader reopens it.
type FileSource struct {
	Path    string
	Bitrate int64
}

func (s *FileSource) String() string { return "file://" + s.Path }

func (s *FileSource) Open(context.Context) (io.ReadCloser, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("feed: %w", err)
	}
	rate := s.Bitrate
	if rate <= 0 {
		rate = defaultFileBitrate
	}
	return &pacedReader{f: f, rate: rate / 8, start: time.Now()}, nil
}

// pacedReader holds reads of f back to rate bytes per second.
type pacedReader struct {
	f     *os.File
	rate  int64
	start time.Time
	read  int64
}

func (p *pacedReader) Read(b []byte) (int, error) {
	due := p.start.Add(time.Duration(p.read * int64(time.Second) / p.rate))
	if d := time.Until(due); d > 0 {
		time.Sleep(d)
	}
	n, err := p.f.Read(b)
	p.read += int64(n)
	return n, err
}

func (p *pacedReader) Close() error { return p.f.Close() }
