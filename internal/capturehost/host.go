// Package capturehost runs tab audio recordings: it turns a stream handle
// into a recorder, forwards each chunk to the listener socket and, when
// buffering, hands the assembled recording to the coordinator for download.
package capturehost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabrelay/agent/internal/config"
	"github.com/tabrelay/agent/internal/health"
	"github.com/tabrelay/agent/internal/logging"
	"github.com/tabrelay/agent/internal/media"
	"github.com/tabrelay/agent/internal/messaging"
)

var log = logging.L("capturehost")

// ErrRecordingActive rejects a start while a recorder is still running.
var ErrRecordingActive = errors.New("a recording is already active")

// Socket is the outbound chunk socket.
type Socket interface {
	IsOpen() bool
	SendBinary(data []byte) error
}

// MediaDevices opens tab streams from stream handles.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, streamID string) (*media.Stream, error)
}

// RecorderFactory creates a recorder for a stream.
type RecorderFactory func(stream *media.Stream) (media.Recorder, error)

// ObjectURLs issues and revokes object URLs for assembled recordings.
type ObjectURLs interface {
	CreateObjectURL(data []byte, mime string) string
	RevokeAfter(url string, d time.Duration) *time.Timer
}

// Poster delivers fire-and-forget messages to the rest of the agent.
type Poster interface {
	Post(msg messaging.Message)
}

type Options struct {
	MimeType     string
	Timeslice    time.Duration
	DeliveryMode string
	RevokeDelay  time.Duration
}

func (o *Options) setDefaults() {
	if o.MimeType == "" {
		o.MimeType = "audio/webm"
	}
	if o.Timeslice <= 0 {
		o.Timeslice = time.Second
	}
	if o.DeliveryMode == "" {
		o.DeliveryMode = config.DeliveryStream
	}
	if o.RevokeDelay <= 0 {
		o.RevokeDelay = time.Second
	}
}

func (o Options) streams() bool {
	return o.DeliveryMode == config.DeliveryStream || o.DeliveryMode == config.DeliveryBoth
}

func (o Options) buffers() bool {
	return o.DeliveryMode == config.DeliveryBuffer || o.DeliveryMode == config.DeliveryBoth
}

// Deps bundles the host's collaborators.
type Deps struct {
	Devices     MediaDevices
	NewRecorder RecorderFactory
	Socket      Socket
	URLs        ObjectURLs
	Poster      Poster
	Health      *health.Monitor
}

// Host holds the state of one capture host document: at most one recorder,
// its stream and the buffered chunks.
type Host struct {
	deps Deps
	opts Options

	mu       sync.Mutex
	recorder media.Recorder
	stream   *media.Stream
	chunks   [][]byte
	sent     int
	dropped  int
	stopping bool
	rlog     *slog.Logger
	// closed once the current recorder's stopped callback has run
	idle chan struct{}
}

func NewHost(deps Deps, opts Options) *Host {
	opts.setDefaults()
	return &Host{deps: deps, opts: opts}
}

// StartRecording opens the stream behind streamID and starts recording it.
// A previous recorder that is still finishing is waited for.
func (h *Host) StartRecording(ctx context.Context, streamID string) error {
	if err := h.waitPrevious(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	h.chunks = nil
	h.sent, h.dropped = 0, 0
	h.mu.Unlock()

	stream, err := h.deps.Devices.GetUserMedia(ctx, streamID)
	if err != nil {
		return err
	}
	rlog := logging.WithSession(log, uuid.NewString(), stream.ID)
	rlog.Debug("media stream obtained", logging.KeyTabID, stream.Tab.ID)

	rec, err := h.deps.NewRecorder(stream)
	if err != nil {
		stream.StopTracks()
		return fmt.Errorf("create recorder: %w", err)
	}
	rec.OnDataAvailable(func(data []byte) { h.handleChunk(rec, data) })
	rec.OnStop(func() { h.handleStopped(rec) })
	rec.OnError(func(err error) {
		rlog.Error("recorder error", logging.KeyTabID, stream.Tab.ID, logging.KeyError, err)
		h.setHealth(health.Degraded, err.Error())
	})

	h.mu.Lock()
	if h.recorder != nil {
		h.mu.Unlock()
		stream.StopTracks()
		return ErrRecordingActive
	}
	h.recorder = rec
	h.stream = stream
	h.stopping = false
	h.rlog = rlog
	h.idle = make(chan struct{})
	h.mu.Unlock()

	if err := rec.Start(h.opts.Timeslice); err != nil {
		h.mu.Lock()
		if h.recorder == rec {
			h.recorder = nil
			h.stream = nil
			h.rlog = nil
			close(h.idle)
		}
		h.mu.Unlock()
		stream.StopTracks()
		return fmt.Errorf("start recorder: %w", err)
	}

	h.setHealth(health.Healthy, "recording")
	rlog.Info("recording started", logging.KeyTabID, stream.Tab.ID, "mode", h.opts.DeliveryMode)
	return nil
}

func (h *Host) waitPrevious(ctx context.Context) error {
	h.mu.Lock()
	rec, stopping, idle := h.recorder, h.stopping, h.idle
	h.mu.Unlock()

	if rec == nil {
		return nil
	}
	if !stopping && rec.State() == media.StateRecording {
		return ErrRecordingActive
	}
	log.Debug("waiting for previous recorder to finish")
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitIdle blocks until no recorder is running or finishing.
func (h *Host) WaitIdle(ctx context.Context) error {
	h.mu.Lock()
	rec, idle := h.recorder, h.idle
	h.mu.Unlock()
	if rec == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopRecording stops the active recorder; the stopped callback finishes
// the cleanup. Without a recorder the stream's tracks are released directly.
func (h *Host) StopRecording() {
	h.mu.Lock()
	rec, stream := h.recorder, h.stream
	if rec == nil || rec.State() != media.StateRecording {
		h.stream = nil
	}
	h.mu.Unlock()

	if rec != nil && rec.State() == media.StateRecording {
		h.mu.Lock()
		h.stopping = true
		h.mu.Unlock()
		if err := rec.Stop(); err != nil {
			log.Error("stop recorder failed", logging.KeyError, err)
		}
		return
	}

	log.Info("no active recorder to stop")
	if stream != nil {
		stream.StopTracks()
	}
}

// Recording reports whether a recorder is running.
func (h *Host) Recording() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recorder != nil && h.recorder.State() == media.StateRecording
}

func (h *Host) handleChunk(rec media.Recorder, data []byte) {
	if len(data) == 0 {
		return
	}

	h.mu.Lock()
	rlog := h.logger()
	if h.opts.buffers() && h.recorder == rec {
		h.chunks = append(h.chunks, data)
	}
	h.mu.Unlock()

	if !h.opts.streams() {
		return
	}
	sock := h.deps.Socket
	if sock == nil || !sock.IsOpen() {
		h.countChunk(false)
		return
	}
	if err := sock.SendBinary(data); err != nil {
		h.countChunk(false)
		rlog.Debug("chunk dropped", logging.KeyBytes, len(data), logging.KeyError, err)
		return
	}
	h.countChunk(true)
	rlog.Debug("chunk sent", logging.KeyBytes, len(data))
}

func (h *Host) countChunk(sent bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sent {
		h.sent++
	} else {
		h.dropped++
	}
}

func (h *Host) handleStopped(rec media.Recorder) {
	h.mu.Lock()
	if h.recorder != rec {
		h.mu.Unlock()
		log.Debug("ignoring stop from a replaced recorder")
		return
	}
	chunks := h.chunks
	stream := h.stream
	sent, dropped := h.sent, h.dropped
	idle := h.idle
	rlog := h.logger()
	h.chunks = nil
	h.recorder = nil
	h.stream = nil
	h.stopping = false
	h.rlog = nil
	h.mu.Unlock()
	defer close(idle)

	rlog.Info("recorder stopped", "chunksSent", sent, "chunksDropped", dropped, "chunksBuffered", len(chunks))

	if len(chunks) > 0 {
		blob := bytes.Join(chunks, nil)
		url := h.deps.URLs.CreateObjectURL(blob, h.opts.MimeType)
		rlog.Info("recording assembled", logging.KeyBytes, len(blob))
		h.deps.Poster.Post(messaging.Message{Type: messaging.TypeDownloadRecording, URL: url})
		h.deps.URLs.RevokeAfter(url, h.opts.RevokeDelay)
	} else {
		rlog.Info("no data recorded")
	}

	if stream != nil {
		stream.StopTracks()
	}
	h.setHealth(health.Healthy, "idle")
}

// Close tears the host down with its document: a running recorder is asked
// to stop and its stopped callback still completes.
func (h *Host) Close() {
	h.mu.Lock()
	rec := h.recorder
	h.mu.Unlock()
	if rec != nil && rec.State() == media.StateRecording {
		log.Warn("host closed while recording, stopping recorder")
		h.mu.Lock()
		h.stopping = true
		h.mu.Unlock()
		_ = rec.Stop()
	}
}

// logger returns the current recording's logger. h.mu must be held.
func (h *Host) logger() *slog.Logger {
	if h.rlog != nil {
		return h.rlog
	}
	return log
}

func (h *Host) setHealth(status health.Status, msg string) {
	if h.deps.Health != nil {
		h.deps.Health.Update(health.ComponentRecorder, status, msg)
	}
}

// Handle is the host's message listener. Only messages targeted at the
// offscreen document are handled.
func (h *Host) Handle(ctx context.Context, msg messaging.Message) (messaging.Reply, bool) {
	if msg.Target != messaging.TargetOffscreen {
		return messaging.Reply{}, false
	}

	switch msg.Type {
	case messaging.TypeStartRecording:
		if err := h.StartRecording(ctx, msg.Data); err != nil {
			log.Error("error starting recording", logging.KeyError, err)
			return messaging.Reply{Capturing: false, Error: err.Error()}, true
		}
		return messaging.Reply{Capturing: true}, true
	case messaging.TypeStopRecording:
		h.StopRecording()
		return messaging.Reply{Capturing: false}, true
	default:
		return messaging.Reply{}, false
	}
}
