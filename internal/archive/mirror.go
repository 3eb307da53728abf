package archive

import (
	"context"
	"path/filepath"
	"time"

	"github.com/tabrelay/agent/internal/workerpool"
)

// uploadTimeout bounds a single mirror upload.
const uploadTimeout = 10 * time.Minute

// Mirror uploads saved recordings to a provider in the background.
type Mirror struct {
	provider Provider
	prefix   string
	pool     *workerpool.Pool
	done     func(remotePath string, err error)
}

// NewMirror starts workers that upload to p under prefix.
func NewMirror(p Provider, prefix string, workers, queueSize int) *Mirror {
	return &Mirror{
		provider: p,
		prefix:   prefix,
		pool:     workerpool.NewNamed("archive", workers, queueSize),
	}
}

// OnDone registers a callback run after every upload attempt.
func (m *Mirror) OnDone(fn func(remotePath string, err error)) {
	m.done = fn
}

// Provider returns the provider uploads go to.
func (m *Mirror) Provider() Provider {
	return m.provider
}

// Enqueue schedules localPath for upload. It returns false when the queue
// is full or the mirror is shutting down.
func (m *Mirror) Enqueue(localPath string) bool {
	remote := RemotePath(m.prefix, filepath.Base(localPath))
	return m.pool.Submit(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
		defer cancel()

		start := time.Now()
		err := m.provider.Upload(ctx, localPath, remote)
		if err != nil {
			log.Error("archive upload failed", "provider", m.provider.Name(), "remote", remote, "error", err)
		} else {
			log.Info("recording archived", "provider", m.provider.Name(), "remote", remote, "took", time.Since(start))
		}
		if m.done != nil {
			m.done(remote, err)
		}
	})
}

// Shutdown waits for queued uploads until ctx expires, then cancels the rest.
func (m *Mirror) Shutdown(ctx context.Context) {
	m.pool.Shutdown(ctx)
}
