// Package listener is the receiving end of the chunk socket. Each connected
// capture host gets its own ffmpeg transcode and transcription-server
// connection; every transcript is broadcast to all connected clients.
package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/tabrelay/agent/internal/health"
	"github.com/tabrelay/agent/internal/logging"
)

var log = logging.L("listener")

const (
	pcmReadSize        = 4096
	transcriptReadSize = 1024
	writeWait          = 10 * time.Second
	drainWait          = 10 * time.Second
	maxFrameSize       = 4 << 20
)

type Config struct {
	Addr            string
	TranscriberAddr string
	MaxClients      int
	// RecordDir, when set, receives a copy of every client's raw stream.
	RecordDir string
}

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type client struct {
	id      int
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) writeText(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

type Server struct {
	cfg       Config
	transcode StartTranscode
	dial      DialFunc
	health    *health.Monitor
	upgrader  websocket.Upgrader
	now       func() time.Time

	mu      sync.Mutex
	clients map[*client]struct{}
	nextID  int

	srv *http.Server
}

// New creates a server. A nil dial uses net.Dialer.
func New(cfg Config, transcode StartTranscode, dial DialFunc, monitor *health.Monitor) *Server {
	if dial == nil {
		d := &net.Dialer{Timeout: 5 * time.Second}
		dial = d.DialContext
	}
	s := &Server{
		cfg:       cfg,
		transcode: transcode,
		dial:      dial,
		health:    monitor,
		now:       time.Now,
		clients:   make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 4 * 1024,
			// capture hosts connect from extension and local origins
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.srv = &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.setHealth(health.Unhealthy, err.Error())
		return err
	}
	if s.cfg.MaxClients > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxClients)
	}
	log.Info("listening", "addr", ln.Addr().String(), "transcriber", s.cfg.TranscriberAddr)
	s.setHealth(health.Healthy, "listening")

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = s.srv.Shutdown(shutdownCtx)
	s.closeClients()
	return err
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Broadcast sends text to every connected client.
func (s *Server) Broadcast(text string) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.writeText(text); err != nil {
			log.Debug("broadcast write failed", "client", c.id, logging.KeyError, err)
		}
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", logging.KeyRemote, r.RemoteAddr, logging.KeyError, err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	c := s.add(conn)
	defer s.remove(c)

	s.handle(r.Context(), c, r.RemoteAddr)
}

func (s *Server) add(conn *websocket.Conn) *client {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c := &client{id: s.nextID, conn: conn}
	s.clients[c] = struct{}{}
	log.Info("new client connected", "client", c.id, "total", len(s.clients))
	return c
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	total := len(s.clients)
	s.mu.Unlock()
	c.conn.Close()
	log.Info("client disconnected", "client", c.id, "total", total)
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.conn.Close()
	}
}

func (s *Server) handle(ctx context.Context, c *client, remote string) {
	tc, err := s.transcode(ctx)
	if err != nil {
		log.Error("transcoder failed to start", "client", c.id, logging.KeyError, err)
		s.setHealth(health.Degraded, err.Error())
		return
	}

	tconn, err := s.dial(ctx, "tcp", s.cfg.TranscriberAddr)
	if err != nil {
		log.Error("connection to transcription server failed", "addr", s.cfg.TranscriberAddr, logging.KeyError, err)
		s.setHealth(health.Degraded, "transcription server unreachable")
		_ = tc.Kill()
		_ = tc.Wait()
		return
	}
	defer tconn.Close()
	log.Info("connected to transcription server", "client", c.id, logging.KeyRemote, remote)
	s.setHealth(health.Healthy, "streaming")

	var sink io.Writer = tc
	if s.cfg.RecordDir != "" {
		f, err := s.createRecording()
		if err != nil {
			log.Warn("stream recording disabled", logging.KeyError, err)
		} else {
			defer f.Close()
			sink = &streamTee{dst: tc, copy: f, client: c.id}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	go func() {
		<-gctx.Done()
		// unblock whichever pumps are still waiting
		_ = tc.Kill()
		c.conn.Close()
		tconn.Close()
	}()

	g.Go(func() error { return s.forwardToTranscoder(c, tc, sink) })
	g.Go(func() error { return s.forwardToTranscriber(tc, tconn) })
	g.Go(func() error { return s.receiveTranscripts(tconn) })

	if err := g.Wait(); err != nil {
		log.Warn("client pipeline ended with error", "client", c.id, logging.KeyError, err)
	}
	if err := tc.Wait(); err != nil {
		log.Debug("transcoder exit", "client", c.id, logging.KeyError, err)
	}
	log.Info("handler for client finished", "client", c.id)
}

// forwardToTranscoder writes every binary frame into the transcoder until
// the client goes away.
func (s *Server) forwardToTranscoder(c *client, tc Transcode, sink io.Writer) error {
	defer tc.Close()
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debug("client read ended", "client", c.id, logging.KeyError, err)
			}
			return nil
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if _, err := sink.Write(data); err != nil {
			return fmt.Errorf("forward to ffmpeg: %w", err)
		}
	}
}

func (s *Server) forwardToTranscriber(tc Transcode, tconn net.Conn) error {
	buf := make([]byte, pcmReadSize)
	for {
		n, err := tc.Read(buf)
		if n > 0 {
			if _, werr := tconn.Write(buf[:n]); werr != nil {
				return fmt.Errorf("send to transcriber: %w", werr)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read ffmpeg output: %w", err)
		}
	}

	// Let the transcriber flush its last results before giving up on it.
	if cw, ok := tconn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	_ = tconn.SetReadDeadline(time.Now().Add(drainWait))
	return nil
}

func (s *Server) receiveTranscripts(tconn net.Conn) error {
	buf := make([]byte, transcriptReadSize)
	for {
		n, err := tconn.Read(buf)
		if n > 0 {
			if text := strings.ToValidUTF8(string(buf[:n]), ""); text != "" {
				log.Info("transcription", "text", text)
				s.Broadcast(text)
			}
		}
		if err != nil {
			var ne net.Error
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || (errors.As(err, &ne) && ne.Timeout()) {
				return nil
			}
			return fmt.Errorf("receive from transcriber: %w", err)
		}
	}
}

// streamTee writes client audio to the transcoder and a copy to the stream
// recording. A failed copy stops the recording, never the transcoder.
type streamTee struct {
	dst    io.Writer
	copy   io.Writer
	client int
}

func (t *streamTee) Write(p []byte) (int, error) {
	n, err := t.dst.Write(p)
	if err != nil {
		return n, err
	}
	if t.copy != nil {
		if _, cerr := t.copy.Write(p); cerr != nil {
			log.Warn("stream recording stopped", "client", t.client, logging.KeyError, cerr)
			t.copy = nil
		}
	}
	return n, nil
}

func (s *Server) createRecording() (*os.File, error) {
	if err := os.MkdirAll(s.cfg.RecordDir, 0o755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("stream_%d.webm", s.now().UnixMilli())
	f, err := os.OpenFile(filepath.Join(s.cfg.RecordDir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	log.Info("recording stream", "path", f.Name())
	return f, nil
}

func (s *Server) setHealth(status health.Status, msg string) {
	if s.health != nil {
		s.health.Update(health.ComponentListener, status, msg)
	}
}
