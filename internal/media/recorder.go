package media

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/tabrelay/agent/internal/logging"
)

// RecorderState mirrors the recorder's lifecycle.
type RecorderState string

const (
	StateInactive  RecorderState = "inactive"
	StateRecording RecorderState = "recording"
)

var (
	ErrInvalidState    = errors.New("recorder is not in a valid state for this operation")
	ErrUnsupportedMime = errors.New("unsupported mime type")
)

// Recorder produces encoded chunks from a stream. Callbacks are invoked from
// a single goroutine: every OnDataAvailable call happens before OnStop, and
// OnError (if any) precedes OnStop.
type Recorder interface {
	Start(timeslice time.Duration) error
	Stop() error
	State() RecorderState
	OnDataAvailable(fn func(data []byte))
	OnStop(fn func())
	OnError(fn func(err error))
}

// defaultStopTimeout is how long ffmpeg gets to flush after an interrupt.
const defaultStopTimeout = 5 * time.Second

// FFmpegRecorder encodes a tab stream to audio-only WebM with ffmpeg and
// slices its output into timed chunks.
type FFmpegRecorder struct {
	ffmpegPath  string
	mimeType    string
	stream      *Stream
	stopTimeout time.Duration
	command     func(args []string) *exec.Cmd

	mu        sync.Mutex
	state     RecorderState
	cmd       *exec.Cmd
	stopping  bool
	killTimer *time.Timer
	onData   func([]byte)
	onStop   func()
	onError  func(error)
}

// NewFFmpegRecorder returns a recorder for stream. Only audio/webm (opus)
// output is supported.
func NewFFmpegRecorder(ffmpegPath string, stream *Stream, mimeType string) (*FFmpegRecorder, error) {
	if !supportedMime(mimeType) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMime, mimeType)
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	r := &FFmpegRecorder{
		ffmpegPath:  ffmpegPath,
		mimeType:    mimeType,
		stream:      stream,
		stopTimeout: defaultStopTimeout,
		state:       StateInactive,
	}
	r.command = func(args []string) *exec.Cmd {
		return exec.Command(r.ffmpegPath, args...)
	}
	stream.OnEnded(func() {
		if r.State() == StateRecording {
			log.Debug("stream ended, stopping recorder", "stream", stream.ID)
			_ = r.Stop()
		}
	})
	return r, nil
}

func supportedMime(mime string) bool {
	base, params, _ := strings.Cut(strings.ReplaceAll(mime, " ", ""), ";")
	if base != "audio/webm" {
		return false
	}
	return params == "" || params == "codecs=opus"
}

func (r *FFmpegRecorder) OnDataAvailable(fn func([]byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onData = fn
}

func (r *FFmpegRecorder) OnStop(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStop = fn
}

func (r *FFmpegRecorder) OnError(fn func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = fn
}

func (r *FFmpegRecorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// args builds the ffmpeg command line for the stream's tab.
func (r *FFmpegRecorder) args() []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if r.stream.Tab.Format != "" {
		args = append(args, "-f", r.stream.Tab.Format)
	}
	return append(args,
		"-i", r.stream.Tab.Device,
		"-vn",
		"-c:a", "libopus",
		"-b:a", "128k",
		"-f", "webm",
		"pipe:1",
	)
}

// Start launches ffmpeg and emits a chunk every timeslice.
func (r *FFmpegRecorder) Start(timeslice time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateInactive || r.cmd != nil {
		return ErrInvalidState
	}
	if !r.stream.Active() {
		return fmt.Errorf("%w: stream has no live tracks", ErrInvalidState)
	}
	if timeslice <= 0 {
		timeslice = time.Second
	}

	cmd := r.command(r.args())
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	stderr := &limitedBuffer{max: 4096}
	cmd.Stderr = stderr
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	r.cmd = cmd
	r.state = StateRecording
	r.stopping = false

	c := &chunker{r: stdout, timeslice: timeslice, emit: r.emitData}
	go r.run(cmd, c, stderr)

	log.Info("recorder started", logging.KeyTabID, r.stream.Tab.ID, "pid", cmd.Process.Pid, "timeslice", timeslice)
	return nil
}

// Stop interrupts ffmpeg so it finalizes the container; OnStop fires once
// the tail chunk has been emitted.
func (r *FFmpegRecorder) Stop() error {
	r.mu.Lock()
	if r.state != StateRecording || r.cmd == nil {
		r.mu.Unlock()
		return ErrInvalidState
	}
	if r.stopping {
		r.mu.Unlock()
		return nil
	}
	r.stopping = true
	cmd := r.cmd
	r.killTimer = time.AfterFunc(r.stopTimeout, func() {
		log.Warn("ffmpeg did not exit after interrupt, killing", "pid", cmd.Process.Pid)
		_ = killProcess(cmd)
	})
	r.mu.Unlock()

	if err := interruptProcess(cmd); err != nil {
		log.Warn("interrupt ffmpeg failed, killing", "error", err)
		_ = killProcess(cmd)
	}
	return nil
}

func (r *FFmpegRecorder) run(cmd *exec.Cmd, c *chunker, stderr *limitedBuffer) {
	readErr := c.run()
	waitErr := cmd.Wait()

	r.mu.Lock()
	if r.killTimer != nil {
		r.killTimer.Stop()
		r.killTimer = nil
	}
	stopping := r.stopping
	r.state = StateInactive
	r.cmd = nil
	onError, onStop := r.onError, r.onStop
	r.mu.Unlock()

	if !stopping {
		err := readErr
		if err == nil {
			err = waitErr
		}
		if err == nil {
			err = errors.New("ffmpeg exited unexpectedly")
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		if onError != nil {
			onError(err)
		}
	}

	log.Info("recorder stopped", logging.KeyTabID, r.stream.Tab.ID, "requested", stopping)
	if onStop != nil {
		onStop()
	}
}

func (r *FFmpegRecorder) emitData(chunk []byte) {
	r.mu.Lock()
	fn := r.onData
	r.mu.Unlock()
	if fn != nil {
		fn(chunk)
	}
}

// limitedBuffer keeps the first max bytes written to it.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
