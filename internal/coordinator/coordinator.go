// Package coordinator owns the capture session flag. It answers status and
// toggle requests, drives the capture host through start/stop messages and
// relays finished recordings to the download facility.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tabrelay/agent/internal/downloads"
	"github.com/tabrelay/agent/internal/logging"
	"github.com/tabrelay/agent/internal/messaging"
	"github.com/tabrelay/agent/internal/tabs"
)

var log = logging.L("coordinator")

// ErrStartInFlight rejects a toggle that arrives while a start is running.
var ErrStartInFlight = errors.New("capture start already in progress")

// NoActiveTab is the error text returned when there is nothing to capture.
const NoActiveTab = "No active tab found."

const defaultStopGrace = 100 * time.Millisecond

// Phase is the coordinator's session state. Only PhaseCapturing reports
// capturing=true.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseStarting  Phase = "starting"
	PhaseCapturing Phase = "capturing"
)

// Status is the response to getStatus.
type Status struct {
	Capturing bool `json:"capturing"`
}

// TabQuery finds the active tab and issues stream handles for it.
type TabQuery interface {
	ActiveTab(ctx context.Context) (*tabs.Tab, error)
	MediaStreamID(ctx context.Context, tabID string) (string, error)
}

// Documents manages the capture host document.
type Documents interface {
	HasDocument(ctx context.Context) (bool, error)
	CreateDocument(ctx context.Context) error
	CloseDocument(ctx context.Context) error
}

// Relay carries messages to the capture host.
type Relay interface {
	Post(msg messaging.Message)
	Send(ctx context.Context, msg messaging.Message) (messaging.Reply, error)
}

// Downloader saves a recording handed over by URL.
type Downloader interface {
	Download(ctx context.Context, req downloads.Request) (string, error)
}

type Options struct {
	// StopGrace is the delay between stop-recording and closing the host.
	StopGrace time.Duration
	// AckTimeout > 0 makes start wait for the host's reply.
	AckTimeout time.Duration
}

type Coordinator struct {
	tabs       TabQuery
	docs       Documents
	relay      Relay
	downloader Downloader
	opts       Options
	now        func() time.Time

	mu      sync.Mutex
	phase   Phase
	session uint64
	closing *time.Timer

	wg sync.WaitGroup
}

func New(tq TabQuery, docs Documents, relay Relay, dl Downloader, opts Options) *Coordinator {
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	return &Coordinator{
		tabs:       tq,
		docs:       docs,
		relay:      relay,
		downloader: dl,
		opts:       opts,
		now:        time.Now,
		phase:      PhaseIdle,
	}
}

// GetStatus reports the session flag.
func (c *Coordinator) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{Capturing: c.phase == PhaseCapturing}
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Toggle stops an active capture or starts one on the active tab. Failures
// are reported in the reply and always leave the flag false.
func (c *Coordinator) Toggle(ctx context.Context) messaging.Reply {
	c.mu.Lock()
	switch c.phase {
	case PhaseStarting:
		c.mu.Unlock()
		log.Warn("toggle rejected", logging.KeyError, ErrStartInFlight)
		return messaging.Reply{Capturing: false, Error: ErrStartInFlight.Error()}
	case PhaseCapturing:
		err := c.stopLocked(ctx)
		c.phase = PhaseIdle
		c.mu.Unlock()
		if err != nil {
			log.Error("error toggling capture", logging.KeyError, err)
			return messaging.Reply{Capturing: false, Error: err.Error()}
		}
		return messaging.Reply{Capturing: false}
	}

	tab, err := c.tabs.ActiveTab(ctx)
	if err != nil {
		c.mu.Unlock()
		log.Error("error toggling capture", logging.KeyError, err)
		return messaging.Reply{Capturing: false, Error: err.Error()}
	}
	if tab == nil {
		c.mu.Unlock()
		return messaging.Reply{Capturing: false, Error: NoActiveTab}
	}

	c.phase = PhaseStarting
	c.session++
	if c.closing != nil {
		// reuse the document a previous stop was about to close
		c.closing.Stop()
		c.closing = nil
	}
	c.mu.Unlock()

	err = c.start(ctx, tab)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.phase = PhaseIdle
		log.Error("error toggling capture", logging.KeyTabID, tab.ID, logging.KeyError, err)
		return messaging.Reply{Capturing: false, Error: err.Error()}
	}
	c.phase = PhaseCapturing
	log.Info("audio capture started", logging.KeyTabID, tab.ID)
	return messaging.Reply{Capturing: true}
}

func (c *Coordinator) start(ctx context.Context, tab *tabs.Tab) error {
	has, err := c.docs.HasDocument(ctx)
	if err != nil {
		return err
	}
	if !has {
		if err := c.docs.CreateDocument(ctx); err != nil {
			return fmt.Errorf("create capture host: %w", err)
		}
	}

	streamID, err := c.tabs.MediaStreamID(ctx, tab.ID)
	if err != nil {
		return err
	}

	msg := messaging.Message{
		Type:   messaging.TypeStartRecording,
		Target: messaging.TargetOffscreen,
		Data:   streamID,
	}
	if c.opts.AckTimeout <= 0 {
		c.relay.Post(msg)
		return nil
	}

	ackCtx, cancel := context.WithTimeout(ctx, c.opts.AckTimeout)
	defer cancel()
	reply, err := c.relay.Send(ackCtx, msg)
	if err != nil {
		return fmt.Errorf("start recording: %w", err)
	}
	if reply.Error != "" {
		return errors.New(reply.Error)
	}
	return nil
}

// stopLocked relays stop-recording and schedules the host close. c.mu must
// be held.
func (c *Coordinator) stopLocked(ctx context.Context) error {
	has, err := c.docs.HasDocument(ctx)
	if err != nil {
		return err
	}
	if !has {
		log.Info("audio capture stopped")
		return nil
	}
	err = c.relayStop(ctx)
	session := c.session
	c.closing = time.AfterFunc(c.opts.StopGrace, func() { c.closeDocument(session) })
	if err != nil {
		return err
	}
	log.Info("audio capture stopped")
	return nil
}

// relayStop sends stop-recording the same way start-recording is sent, so
// an acknowledged start can never reach the host ahead of the previous stop.
func (c *Coordinator) relayStop(ctx context.Context) error {
	msg := messaging.Message{Type: messaging.TypeStopRecording, Target: messaging.TargetOffscreen}
	if c.opts.AckTimeout <= 0 {
		c.relay.Post(msg)
		return nil
	}

	ackCtx, cancel := context.WithTimeout(ctx, c.opts.AckTimeout)
	defer cancel()
	if _, err := c.relay.Send(ackCtx, msg); err != nil {
		return fmt.Errorf("stop recording: %w", err)
	}
	return nil
}

func (c *Coordinator) closeDocument(session uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != session {
		return
	}
	c.closing = nil
	if err := c.docs.CloseDocument(context.Background()); err != nil {
		log.Info("document already closed or error closing", logging.KeyError, err)
	}
}

// HandleDownload saves the recording behind url as recording_<unix-ms>.webm,
// asking for the location.
func (c *Coordinator) HandleDownload(ctx context.Context, url string) (string, error) {
	req := downloads.Request{
		URL:      url,
		Filename: fmt.Sprintf("recording_%d.webm", c.now().UnixMilli()),
		SaveAs:   true,
	}
	path, err := c.downloader.Download(ctx, req)
	if err != nil {
		log.Error("download failed", "url", url, logging.KeyError, err)
		return "", err
	}
	return path, nil
}

// Handle is the coordinator's message listener.
func (c *Coordinator) Handle(ctx context.Context, msg messaging.Message) (messaging.Reply, bool) {
	switch {
	case msg.Action == messaging.ActionToggleCapture:
		return c.Toggle(ctx), true
	case msg.Action == messaging.ActionGetStatus:
		return messaging.Reply{Capturing: c.GetStatus().Capturing}, true
	case msg.Type == messaging.TypeDownloadRecording:
		// The save dialog may block; keep the bus moving.
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.HandleDownload(context.Background(), msg.URL)
		}()
		return messaging.Reply{}, true
	}
	return messaging.Reply{}, false
}

// Shutdown stops an active capture and waits for pending downloads until
// ctx expires.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	if c.phase == PhaseCapturing {
		if err := c.stopLocked(ctx); err != nil {
			log.Warn("stop on shutdown failed", logging.KeyError, err)
		}
		c.phase = PhaseIdle
	}
	c.mu.Unlock()

	if err := c.WaitDownloads(ctx); err != nil {
		log.Warn("shutdown timed out waiting for downloads")
	}
}

// WaitDownloads blocks until every relayed download has finished.
func (c *Coordinator) WaitDownloads(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
