package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var knownArchiveProviders = map[string]bool{
	"":      true,
	"local": true,
	"s3":    true,
	"gcs":   true,
	"azure": true,
	"b2":    true,
}

// ValidationResult separates errors that must stop startup from values that
// were clamped or ignored.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// ValidateTiered checks the config. Zero or negative timings that would
// spin loops are clamped to safe values and reported as warnings.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.Socket.URL == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("socket.url is required"))
	} else if u, err := url.Parse(c.Socket.URL); err != nil {
		r.Fatals = append(r.Fatals, fmt.Errorf("socket.url %q is not a valid URL: %w", c.Socket.URL, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		r.Fatals = append(r.Fatals, fmt.Errorf("socket.url scheme must be ws or wss, got %q", u.Scheme))
	}

	if c.Socket.ReconnectDelay < 100*time.Millisecond {
		r.Warnings = append(r.Warnings, fmt.Errorf("socket.reconnect_delay %s is below minimum 100ms, clamping", c.Socket.ReconnectDelay))
		c.Socket.ReconnectDelay = 100 * time.Millisecond
	}
	if c.Socket.MaxReconnects < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("socket.max_reconnects %d is negative, treating as unlimited", c.Socket.MaxReconnects))
		c.Socket.MaxReconnects = 0
	}

	if c.Recorder.Timeslice < 100*time.Millisecond {
		r.Warnings = append(r.Warnings, fmt.Errorf("recorder.timeslice %s is below minimum 100ms, clamping", c.Recorder.Timeslice))
		c.Recorder.Timeslice = 100 * time.Millisecond
	}
	switch c.Recorder.DeliveryMode {
	case DeliveryStream, DeliveryBuffer, DeliveryBoth:
	default:
		r.Warnings = append(r.Warnings, fmt.Errorf("recorder.delivery_mode %q is not valid (use stream, buffer, both), using stream", c.Recorder.DeliveryMode))
		c.Recorder.DeliveryMode = DeliveryStream
	}

	if c.Relay.StopGrace <= 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("relay.stop_grace %s must be positive, clamping to 100ms", c.Relay.StopGrace))
		c.Relay.StopGrace = 100 * time.Millisecond
	}
	if c.Relay.AckTimeout < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("relay.ack_timeout %s is negative, disabling acknowledgments", c.Relay.AckTimeout))
		c.Relay.AckTimeout = 0
	}
	if c.Relay.RevokeDelay <= 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("relay.revoke_delay %s must be positive, clamping to 1s", c.Relay.RevokeDelay))
		c.Relay.RevokeDelay = time.Second
	}

	seen := make(map[string]bool, len(c.Tabs))
	for i, tab := range c.Tabs {
		if tab.ID == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("tabs[%d] has no id", i))
			continue
		}
		if seen[tab.ID] {
			r.Fatals = append(r.Fatals, fmt.Errorf("duplicate tab id %q", tab.ID))
		}
		seen[tab.ID] = true
		if tab.Device == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("tab %q has no device", tab.ID))
		}
	}
	if c.ActiveTab != "" && !seen[c.ActiveTab] {
		r.Warnings = append(r.Warnings, fmt.Errorf("active_tab %q is not a configured tab, clearing", c.ActiveTab))
		c.ActiveTab = ""
	}

	if !knownArchiveProviders[strings.ToLower(c.Archive.Provider)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("unknown archive provider %q", c.Archive.Provider))
	}
	if c.Archive.Workers < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("archive.workers %d is below minimum 1, clamping", c.Archive.Workers))
		c.Archive.Workers = 1
	} else if c.Archive.Workers > 16 {
		r.Warnings = append(r.Warnings, fmt.Errorf("archive.workers %d exceeds maximum 16, clamping", c.Archive.Workers))
		c.Archive.Workers = 16
	}
	if c.Archive.QueueSize < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("archive.queue_size %d is below minimum 1, clamping", c.Archive.QueueSize))
		c.Archive.QueueSize = 1
	}

	for name, addr := range map[string]string{
		"control.addr":              c.Control.Addr,
		"listener.addr":             c.Listener.Addr,
		"listener.transcriber_addr": c.Listener.TranscriberAddr,
	} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("%s %q is not host:port: %w", name, addr, err))
		}
	}
	if c.Listener.MaxClients < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("listener.max_clients %d is below minimum 1, clamping", c.Listener.MaxClients))
		c.Listener.MaxClients = 1
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	return r
}
