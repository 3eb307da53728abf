package listener

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// Transcode is a running conversion: raw WebM is written in, 16 kHz mono
// PCM WAV is read out. Close ends the input.
type Transcode interface {
	io.WriteCloser
	io.Reader
	Kill() error
	Wait() error
}

// StartTranscode launches one transcode per client.
type StartTranscode func(ctx context.Context) (Transcode, error)

// transcodeArgs converts the client's stream to what the transcriber reads.
var transcodeArgs = []string{
	"-i", "pipe:0",
	"-f", "wav", "-acodec", "pcm_s16le", "-ar", "16000", "-ac", "1",
	"pipe:1",
}

// FFmpegTranscoder runs ffmpeg at path for every transcode.
func FFmpegTranscoder(path string) StartTranscode {
	if path == "" {
		path = "ffmpeg"
	}
	return func(ctx context.Context) (Transcode, error) {
		cmd := exec.Command(path, transcodeArgs...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("ffmpeg stdin: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("ffmpeg stdout: %w", err)
		}
		t := &ffmpegTranscode{cmd: cmd, stdin: stdin, stdout: stdout}
		cmd.Stderr = &t.stderr
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start ffmpeg: %w", err)
		}
		return t, nil
	}
}

type ffmpegTranscode struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr syncBuffer
}

func (t *ffmpegTranscode) Write(p []byte) (int, error) { return t.stdin.Write(p) }
func (t *ffmpegTranscode) Read(p []byte) (int, error)  { return t.stdout.Read(p) }
func (t *ffmpegTranscode) Close() error                { return t.stdin.Close() }

func (t *ffmpegTranscode) Kill() error {
	if t.cmd.Process == nil {
		return nil
	}
	return t.cmd.Process.Kill()
}

// Wait reports the exit status along with anything ffmpeg wrote to stderr.
func (t *ffmpegTranscode) Wait() error {
	err := t.cmd.Wait()
	if msg := strings.TrimSpace(t.stderr.String()); msg != "" {
		log.Debug("ffmpeg stderr", "output", msg)
	}
	if err != nil {
		return fmt.Errorf("ffmpeg exited with code %d: %w", t.cmd.ProcessState.ExitCode(), err)
	}
	return nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() > 64*1024 {
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
