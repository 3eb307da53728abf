// Package tabs models capturable sources as browser tabs: one of them is
// active, and a capture of it is authorised by a single-use stream handle.
package tabs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabrelay/agent/internal/config"
	"github.com/tabrelay/agent/internal/logging"
)

var log = logging.L("tabs")

var (
	ErrUnknownTab    = errors.New("unknown tab")
	ErrInvalidStream = errors.New("invalid or already consumed stream id")
)

// handleTTL bounds how long an issued stream id stays redeemable.
const handleTTL = 30 * time.Second

// Tab is one capturable source.
type Tab struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	URL    string `json:"url,omitempty"`
	Active bool   `json:"active"`

	// ffmpeg input; not exposed to the panel
	Format string `json:"-"`
	Device string `json:"-"`
}

type handle struct {
	tabID    string
	issuedAt time.Time
}

// Registry holds the configured tabs, the active selection and the
// outstanding stream handles.
type Registry struct {
	mu      sync.Mutex
	tabs    map[string]Tab
	order   []string
	active  string
	handles map[string]handle
	now     func() time.Time
}

// NewRegistry builds a registry from config. An empty active id leaves the
// registry without an active tab.
func NewRegistry(tabs []config.TabConfig, active string) *Registry {
	r := &Registry{
		tabs:    make(map[string]Tab, len(tabs)),
		handles: make(map[string]handle),
		now:     time.Now,
	}
	for _, tc := range tabs {
		if _, dup := r.tabs[tc.ID]; dup {
			continue
		}
		r.tabs[tc.ID] = Tab{ID: tc.ID, Title: tc.Title, URL: tc.URL, Format: tc.Format, Device: tc.Device}
		r.order = append(r.order, tc.ID)
	}
	if _, ok := r.tabs[active]; ok {
		r.active = active
	}
	return r
}

// List returns all tabs in configuration order.
func (r *Registry) List() []Tab {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Tab, 0, len(r.order))
	for _, id := range r.order {
		t := r.tabs[id]
		t.Active = id == r.active
		out = append(out, t)
	}
	return out
}

// ActiveTab returns the active tab, or nil when there is none.
func (r *Registry) ActiveTab(ctx context.Context) (*Tab, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == "" {
		return nil, nil
	}
	t := r.tabs[r.active]
	t.Active = true
	return &t, nil
}

// SetActive selects the active tab. An empty id clears the selection.
func (r *Registry) SetActive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id != "" {
		if _, ok := r.tabs[id]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownTab, id)
		}
	}
	r.active = id
	log.Info("active tab changed", logging.KeyTabID, id)
	return nil
}

// MediaStreamID issues a single-use stream handle scoped to tabID.
func (r *Registry) MediaStreamID(ctx context.Context, tabID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tabs[tabID]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTab, tabID)
	}
	r.pruneLocked()

	id := uuid.NewString()
	r.handles[id] = handle{tabID: tabID, issuedAt: r.now()}
	return id, nil
}

// Redeem consumes a stream handle and returns the tab it was issued for.
func (r *Registry) Redeem(streamID string) (Tab, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()
	h, ok := r.handles[streamID]
	if !ok {
		return Tab{}, ErrInvalidStream
	}
	delete(r.handles, streamID)

	t, ok := r.tabs[h.tabID]
	if !ok {
		return Tab{}, fmt.Errorf("%w: %q", ErrUnknownTab, h.tabID)
	}
	return t, nil
}

// Outstanding returns the ids of handles not yet redeemed, sorted.
func (r *Registry) Outstanding() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) pruneLocked() {
	cutoff := r.now().Add(-handleTTL)
	for id, h := range r.handles {
		if h.issuedAt.Before(cutoff) {
			delete(r.handles, id)
		}
	}
}
