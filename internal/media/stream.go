// Package media turns a redeemed stream handle into a capturable stream and
// records it into timed WebM chunks.
package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tabrelay/agent/internal/logging"
	"github.com/tabrelay/agent/internal/tabs"
)

var log = logging.L("media")

// Track is one media track of a stream. Stop is idempotent.
type Track struct {
	Kind    string
	stopped atomic.Bool
	onStop  func()
}

func (t *Track) Stop() {
	if t.stopped.CompareAndSwap(false, true) && t.onStop != nil {
		t.onStop()
	}
}

func (t *Track) Stopped() bool {
	return t.stopped.Load()
}

// Stream is an audio stream bound to exactly one tab.
type Stream struct {
	ID     string
	Tab    tabs.Tab
	tracks []*Track

	mu      sync.Mutex
	onEnded []func()
}

// NewStream returns a stream over tab with a single audio track.
func NewStream(tab tabs.Tab) *Stream {
	s := &Stream{ID: uuid.NewString(), Tab: tab}
	s.tracks = []*Track{{Kind: "audio", onStop: s.trackEnded}}
	return s
}

// Tracks returns the stream's tracks.
func (s *Stream) Tracks() []*Track {
	return s.tracks
}

// Active reports whether any track is still live.
func (s *Stream) Active() bool {
	for _, t := range s.tracks {
		if !t.Stopped() {
			return true
		}
	}
	return false
}

// StopTracks stops every track of the stream.
func (s *Stream) StopTracks() {
	for _, t := range s.tracks {
		t.Stop()
		log.Debug("track stopped", "kind", t.Kind, logging.KeyTabID, s.Tab.ID)
	}
}

// OnEnded registers fn to run once all tracks are stopped.
func (s *Stream) OnEnded(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnded = append(s.onEnded, fn)
}

func (s *Stream) trackEnded() {
	if s.Active() {
		return
	}
	s.mu.Lock()
	fns := s.onEnded
	s.onEnded = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Redeemer exchanges a stream handle for the tab it was issued for.
type Redeemer interface {
	Redeem(streamID string) (tabs.Tab, error)
}

// Devices resolves stream handles into tab-scoped streams.
type Devices struct {
	redeemer Redeemer
}

func NewDevices(r Redeemer) *Devices {
	return &Devices{redeemer: r}
}

// GetUserMedia opens a tab audio stream for the given handle. Each handle
// can be used once.
func (d *Devices) GetUserMedia(ctx context.Context, streamID string) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tab, err := d.redeemer.Redeem(streamID)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}
	return NewStream(tab), nil
}
