// Package agent wires the coordinator, the capture host and their platform
// services into one running process.
package agent

import (
	"context"
	"fmt"
	"os"

	"github.com/tabrelay/agent/internal/archive"
	"github.com/tabrelay/agent/internal/audit"
	"github.com/tabrelay/agent/internal/blobstore"
	"github.com/tabrelay/agent/internal/capturehost"
	"github.com/tabrelay/agent/internal/config"
	"github.com/tabrelay/agent/internal/control"
	"github.com/tabrelay/agent/internal/coordinator"
	"github.com/tabrelay/agent/internal/downloads"
	"github.com/tabrelay/agent/internal/health"
	"github.com/tabrelay/agent/internal/logging"
	"github.com/tabrelay/agent/internal/media"
	"github.com/tabrelay/agent/internal/messaging"
	"github.com/tabrelay/agent/internal/tabs"
	"github.com/tabrelay/agent/internal/websocket"
)

var log = logging.L("agent")

const busQueueSize = 32

// Options carries what the command line decides rather than the config file.
type Options struct {
	// Chooser picks the save location for SaveAs downloads. Nil follows
	// downloads.save_as: prompt on the terminal, or save into downloads.dir.
	Chooser downloads.Chooser
	// ControlAddr overrides control.addr when set.
	ControlAddr string
}

type Agent struct {
	cfg *config.Config

	bus         *messaging.Bus
	tabs        *tabs.Registry
	blobs       *blobstore.Store
	health      *health.Monitor
	socket      *websocket.Client
	docs        *capturehost.Documents
	coordinator *coordinator.Coordinator
	downloads   *downloads.Manager
	mirror      *archive.Mirror
	control     *control.Server
	journal     *audit.Logger

	removeListeners []func()
}

// New builds every component. Nothing connects or listens until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Agent, error) {
	a := &Agent{
		cfg:    cfg,
		bus:    messaging.NewBus(busQueueSize),
		tabs:   tabs.NewRegistry(cfg.Tabs, cfg.ActiveTab),
		blobs:  blobstore.New(),
		health: health.NewMonitor(),
	}

	if cfg.AuditLog != "" {
		j, err := audit.NewLogger(cfg.AuditLog, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			log.Warn("audit journal disabled", "path", cfg.AuditLog, logging.KeyError, err)
		} else {
			a.journal = j
		}
	}

	chooser := opts.Chooser
	if chooser == nil {
		chooser = downloads.NewChooser(cfg.Downloads.SaveAs, cfg.Downloads.Dir, os.Stdin, os.Stdout)
	}
	a.downloads = downloads.NewManager(a.blobs, cfg.Downloads.Dir, chooser)
	provider, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		a.bus.Close()
		a.journal.Close()
		return nil, fmt.Errorf("archive: %w", err)
	}
	if provider != nil {
		a.mirror = archive.NewMirror(provider, cfg.Archive.Prefix, cfg.Archive.Workers, cfg.Archive.QueueSize)
		a.mirror.OnDone(a.archiveDone)
		a.downloads.SetMirror(a.mirror)
		a.health.Update(health.ComponentArchive, health.Healthy, provider.Name())
	}

	a.socket = websocket.New(websocket.Config{
		URL:            cfg.Socket.URL,
		ReconnectDelay: cfg.Socket.ReconnectDelay,
		MaxReconnects:  cfg.Socket.MaxReconnects,
	})
	a.socket.OnStateChange(a.socketStateChanged)
	a.socket.OnText(func(text string) {
		log.Info("transcript", "text", text)
	})

	devices := media.NewDevices(a.tabs)
	ffmpegPath, mimeType := cfg.Recorder.FFmpegPath, cfg.Recorder.MimeType
	hostOpts := capturehost.Options{
		MimeType:     mimeType,
		Timeslice:    cfg.Recorder.Timeslice,
		DeliveryMode: cfg.Recorder.DeliveryMode,
		RevokeDelay:  cfg.Relay.RevokeDelay,
	}
	a.docs = capturehost.NewDocuments(a.bus, func() *capturehost.Host {
		return capturehost.NewHost(capturehost.Deps{
			Devices: devices,
			NewRecorder: func(stream *media.Stream) (media.Recorder, error) {
				rec, err := media.NewFFmpegRecorder(ffmpegPath, stream, mimeType)
				if err != nil {
					return nil, err
				}
				return rec, nil
			},
			Socket: a.socket,
			URLs:   a.blobs,
			Poster: a.bus,
			Health: a.health,
		}, hostOpts)
	})

	saver := &journaledDownloader{dl: a.downloads, journal: a.journal}
	a.coordinator = coordinator.New(a.tabs, a.docs, a.bus, saver, coordinator.Options{
		StopGrace:  cfg.Relay.StopGrace,
		AckTimeout: cfg.Relay.AckTimeout,
	})

	addr := cfg.Control.Addr
	if opts.ControlAddr != "" {
		addr = opts.ControlAddr
	}
	a.cfg.Control.Addr = addr
	a.control = control.NewServer(a.bus, a.tabs, a.health)
	return a, nil
}

// Start registers the coordinator, opens the chunk socket and serves the
// control API.
func (a *Agent) Start() error {
	a.removeListeners = append(a.removeListeners,
		a.bus.AddListener("coordinator", a.coordinator.Handle),
		a.bus.AddListener("audit", a.observe),
	)
	a.health.Update(health.ComponentSocket, health.Degraded, "connecting")
	go a.socket.Start()

	if err := a.control.Start(a.cfg.Control.Addr); err != nil {
		a.socket.Stop()
		a.removeAll()
		return fmt.Errorf("control api: %w", err)
	}
	a.journal.Log(audit.EventAgentStart, "", map[string]any{"socket": a.cfg.Socket.URL})
	log.Info("agent started",
		"socket", a.cfg.Socket.URL,
		"control", a.control.Addr(),
		"tabs", len(a.tabs.List()),
		"delivery", a.cfg.Recorder.DeliveryMode,
	)
	return nil
}

// Stop ends an active capture, lets its recording reach disk and the
// archive, then closes everything down.
func (a *Agent) Stop(ctx context.Context) {
	log.Info("agent stopping")
	if err := a.control.Shutdown(ctx); err != nil {
		log.Warn("control api shutdown", logging.KeyError, err)
	}

	host := a.docs.Host()
	a.coordinator.Shutdown(ctx)
	if host != nil {
		if err := host.WaitIdle(ctx); err != nil {
			log.Warn("recorder did not finish", logging.KeyError, err)
		}
	}
	if err := a.bus.Drain(ctx); err != nil {
		log.Warn("undelivered messages at shutdown", logging.KeyError, err)
	}
	if err := a.coordinator.WaitDownloads(ctx); err != nil {
		log.Warn("downloads still running at shutdown", logging.KeyError, err)
	}
	if a.mirror != nil {
		a.mirror.Shutdown(ctx)
	}

	a.socket.Stop()
	a.removeAll()
	a.bus.Close()
	a.journal.Log(audit.EventAgentStop, "", nil)
	if err := a.journal.Close(); err != nil {
		log.Warn("audit journal close", logging.KeyError, err)
	}
	log.Info("agent stopped")
}

func (a *Agent) removeAll() {
	for _, remove := range a.removeListeners {
		remove()
	}
	a.removeListeners = nil
}

// observe journals the coordinator/host traffic without handling it.
func (a *Agent) observe(_ context.Context, msg messaging.Message) (messaging.Reply, bool) {
	switch msg.Type {
	case messaging.TypeStartRecording:
		details := map[string]any{}
		if tab, err := a.tabs.ActiveTab(context.Background()); err == nil && tab != nil {
			details["tab"] = tab.ID
		}
		a.journal.Log(audit.EventCaptureStart, msg.Data, details)
	case messaging.TypeStopRecording:
		a.journal.Log(audit.EventCaptureStop, "", nil)
	case messaging.TypeDownloadRecording:
		a.journal.Log(audit.EventRecordingReady, msg.URL, nil)
	}
	return messaging.Reply{}, false
}

func (a *Agent) Health() *health.Monitor { return a.health }

// ControlAddr returns the bound control API address once started.
func (a *Agent) ControlAddr() string { return a.control.Addr() }

func (a *Agent) socketStateChanged(open bool) {
	if open {
		a.health.Update(health.ComponentSocket, health.Healthy, "connected")
		return
	}
	a.health.Update(health.ComponentSocket, health.Degraded, "disconnected, reconnecting")
}

func (a *Agent) archiveDone(remotePath string, err error) {
	if err != nil {
		a.health.Update(health.ComponentArchive, health.Degraded, err.Error())
		return
	}
	a.health.Update(health.ComponentArchive, health.Healthy, "last upload "+remotePath)
	a.journal.Log(audit.EventRecordingArchived, remotePath, map[string]any{"provider": a.mirror.Provider().Name()})
}

// journaledDownloader records where each recording was saved.
type journaledDownloader struct {
	dl      *downloads.Manager
	journal *audit.Logger
}

func (d *journaledDownloader) Download(ctx context.Context, req downloads.Request) (string, error) {
	path, err := d.dl.Download(ctx, req)
	if err == nil {
		d.journal.Log(audit.EventRecordingSaved, path, map[string]any{"filename": req.Filename})
	}
	return path, err
}
