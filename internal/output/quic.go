package output

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/tunerd/internal/certs"
)

// ALPN is the application protocol of the QUIC transport stream service.
const ALPN = "tunerd-ts"

// maxRequestLine bounds the JSON request a client sends.
const maxRequestLine = 4096

// Response is the JSON line the server writes before any cells.
type Response struct {
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// QUICServer serves viewers over QUIC. Each bidirectional stream carries
// one viewer: the client writes a JSON Request line, the server answers
// with a Response line and then transport stream bytes until either side
// closes.
type QUICServer struct {
	addr string
	cert *certs.CertInfo
	hub  *Hub
	log  *slog.Logger

	ln *quic.Listener
}

// NewQUICServer creates a server. If log is nil, slog.Default() is used.
func NewQUICServer(addr string, cert *certs.CertInfo, hub *Hub, log *slog.Logger) *QUICServer {
	if log == nil {
		log = slog.Default()
	}
	return &QUICServer{
		addr: addr,
		cert: cert,
		hub:  hub,
		log:  log.With("component", "quic"),
	}
}

// Listen binds the UDP socket.
func (s *QUICServer) Listen() error {
	ln, err := quic.ListenAddr(s.addr, s.cert.TLSConfig(ALPN), &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("output: quic listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.log.Info("listening", "addr", ln.Addr(), "fingerprint", s.cert.FingerprintHex())
	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *QUICServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start listens and serves until ctx is cancelled.
func (s *QUICServer) Start(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	return s.Serve(ctx)
}

// Serve accepts connections on a bound server until ctx is cancelled.
func (s *QUICServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.ln.Close() })
	defer stop()
	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("output: quic accept: %w", err)
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *QUICServer) serveConn(ctx context.Context, conn quic.Connection) {
	remote := conn.RemoteAddr().String()
	s.log.Debug("connection", "remote", remote)
	for {
		str, err := conn.AcceptStream(ctx)
		if err != nil {
			s.log.Debug("connection closed", "remote", remote, "error", err)
			return
		}
		go s.serveStream(ctx, remote, str)
	}
}

func (s *QUICServer) serveStream(ctx context.Context, remote string, str quic.Stream) {
	defer str.Close()

	br := bufio.NewReader(io.LimitReader(str, maxRequestLine))
	line, err := br.ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		s.reply(str, Response{Error: "request line: " + err.Error()})
		return
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.reply(str, Response{Error: "request: " + err.Error()})
		return
	}

	v, err := s.hub.Open(ctx, req, remote)
	if err != nil {
		s.reply(str, Response{Error: err.Error()})
		return
	}
	defer s.hub.Close(v)
	if err := s.reply(str, Response{ID: v.ID()}); err != nil {
		return
	}

	// the client ends the viewer by closing its side of the stream
	go func() {
		io.Copy(io.Discard, str)
		s.hub.Close(v)
	}()

	n, err := v.WriteTo(ctx, str)
	s.log.Info("viewer stream ended", "remote", remote, "id", v.ID(), "bytes", n, "error", err)
}

func (s *QUICServer) reply(w io.Writer, r Response) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
