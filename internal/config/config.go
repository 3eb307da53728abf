package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Delivery modes for recorder chunks.
const (
	DeliveryStream = "stream"
	DeliveryBuffer = "buffer"
	DeliveryBoth   = "both"
)

type Config struct {
	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat     string `mapstructure:"log_format" yaml:"log_format"`
	LogFile       string `mapstructure:"log_file" yaml:"log_file,omitempty"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`

	// AuditLog is the session journal; empty disables it.
	AuditLog string `mapstructure:"audit_log" yaml:"audit_log,omitempty"`

	Socket    SocketConfig    `mapstructure:"socket" yaml:"socket"`
	Recorder  RecorderConfig  `mapstructure:"recorder" yaml:"recorder"`
	Relay     RelayConfig     `mapstructure:"relay" yaml:"relay"`
	Tabs      []TabConfig     `mapstructure:"tabs" yaml:"tabs"`
	ActiveTab string          `mapstructure:"active_tab" yaml:"active_tab,omitempty"`
	Downloads DownloadsConfig `mapstructure:"downloads" yaml:"downloads"`
	Archive   ArchiveConfig   `mapstructure:"archive" yaml:"archive"`
	Control   ControlConfig   `mapstructure:"control" yaml:"control"`
	Listener  ListenerConfig  `mapstructure:"listener" yaml:"listener"`
}

// SocketConfig controls the outbound chunk socket.
type SocketConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
	// MaxReconnects caps consecutive failed reconnects; 0 retries forever.
	MaxReconnects int `mapstructure:"max_reconnects" yaml:"max_reconnects"`
}

type RecorderConfig struct {
	FFmpegPath   string        `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	MimeType     string        `mapstructure:"mime_type" yaml:"mime_type"`
	Timeslice    time.Duration `mapstructure:"timeslice" yaml:"timeslice"`
	DeliveryMode string        `mapstructure:"delivery_mode" yaml:"delivery_mode"`
}

// RelayConfig holds the coordinator/host timing knobs.
type RelayConfig struct {
	StopGrace   time.Duration `mapstructure:"stop_grace" yaml:"stop_grace"`
	AckTimeout  time.Duration `mapstructure:"ack_timeout" yaml:"ack_timeout"`
	RevokeDelay time.Duration `mapstructure:"revoke_delay" yaml:"revoke_delay"`
}

// TabConfig describes one capturable source. Format and Device are passed to
// ffmpeg as "-f <format> -i <device>".
type TabConfig struct {
	ID     string `mapstructure:"id" yaml:"id"`
	Title  string `mapstructure:"title" yaml:"title"`
	URL    string `mapstructure:"url" yaml:"url,omitempty"`
	Format string `mapstructure:"format" yaml:"format"`
	Device string `mapstructure:"device" yaml:"device"`
}

type DownloadsConfig struct {
	Dir    string `mapstructure:"dir" yaml:"dir"`
	SaveAs bool   `mapstructure:"save_as" yaml:"save_as"`
}

type ArchiveConfig struct {
	Provider         string `mapstructure:"provider" yaml:"provider,omitempty"`
	Prefix           string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	Path             string `mapstructure:"path" yaml:"path,omitempty"`
	Bucket           string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Region           string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint         string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	AccessKeyID      string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey  string `mapstructure:"secret_access_key" yaml:"-"`
	CredentialsFile  string `mapstructure:"credentials_file" yaml:"credentials_file,omitempty"`
	ConnectionString string `mapstructure:"connection_string" yaml:"-"`
	Container        string `mapstructure:"container" yaml:"container,omitempty"`
	Workers          int    `mapstructure:"workers" yaml:"workers"`
	QueueSize        int    `mapstructure:"queue_size" yaml:"queue_size"`
}

type ControlConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type ListenerConfig struct {
	Addr            string `mapstructure:"addr" yaml:"addr"`
	TranscriberAddr string `mapstructure:"transcriber_addr" yaml:"transcriber_addr"`
	FFmpegPath      string `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	MaxClients      int    `mapstructure:"max_clients" yaml:"max_clients"`
	RecordDir       string `mapstructure:"record_dir" yaml:"record_dir,omitempty"`
}

func Default() *Config {
	return &Config{
		LogLevel:      "info",
		LogFormat:     "text",
		LogMaxSizeMB:  10,
		LogMaxBackups: 3,
		AuditLog:      filepath.Join(ConfigDir(), "audit.jsonl"),
		Socket: SocketConfig{
			URL:            "ws://localhost:8765",
			ReconnectDelay: 2 * time.Second,
		},
		Recorder: RecorderConfig{
			FFmpegPath:   "ffmpeg",
			MimeType:     "audio/webm",
			Timeslice:    time.Second,
			DeliveryMode: DeliveryStream,
		},
		Relay: RelayConfig{
			StopGrace:   100 * time.Millisecond,
			RevokeDelay: time.Second,
		},
		Downloads: DownloadsConfig{
			Dir:    defaultDownloadsDir(),
			SaveAs: true,
		},
		Archive: ArchiveConfig{
			Workers:   2,
			QueueSize: 16,
		},
		Control: ControlConfig{
			Addr: "127.0.0.1:8766",
		},
		Listener: ListenerConfig{
			Addr:            "0.0.0.0:8765",
			TranscriberAddr: "localhost:43007",
			FFmpegPath:      "ffmpeg",
			MaxClients:      16,
		},
	}
}

// Load reads cfgFile (or tabrelay.yaml from the config search path), then
// applies TABRELAY_* environment overrides, e.g. TABRELAY_SOCKET_URL.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := newViper(cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("tabrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveTo writes cfg as YAML. An empty cfgFile writes to the default location.
func SaveTo(cfg *Config, cfgFile string) error {
	v := newViper(cfg)
	v.Set("tabs", tabMaps(cfg.Tabs))

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(ConfigDir(), "tabrelay.yaml")
	}
	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}
	// archive credentials may be in here
	return os.Chmod(cfgPath, 0o600)
}

func newViper(cfg *Config) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("TABRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default for AutomaticEnv to see it during Unmarshal.
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("log_max_size_mb", cfg.LogMaxSizeMB)
	v.SetDefault("log_max_backups", cfg.LogMaxBackups)
	v.SetDefault("audit_log", cfg.AuditLog)
	v.SetDefault("socket.url", cfg.Socket.URL)
	v.SetDefault("socket.reconnect_delay", cfg.Socket.ReconnectDelay)
	v.SetDefault("socket.max_reconnects", cfg.Socket.MaxReconnects)
	v.SetDefault("recorder.ffmpeg_path", cfg.Recorder.FFmpegPath)
	v.SetDefault("recorder.mime_type", cfg.Recorder.MimeType)
	v.SetDefault("recorder.timeslice", cfg.Recorder.Timeslice)
	v.SetDefault("recorder.delivery_mode", cfg.Recorder.DeliveryMode)
	v.SetDefault("relay.stop_grace", cfg.Relay.StopGrace)
	v.SetDefault("relay.ack_timeout", cfg.Relay.AckTimeout)
	v.SetDefault("relay.revoke_delay", cfg.Relay.RevokeDelay)
	v.SetDefault("active_tab", cfg.ActiveTab)
	v.SetDefault("downloads.dir", cfg.Downloads.Dir)
	v.SetDefault("downloads.save_as", cfg.Downloads.SaveAs)
	v.SetDefault("archive.provider", cfg.Archive.Provider)
	v.SetDefault("archive.prefix", cfg.Archive.Prefix)
	v.SetDefault("archive.path", cfg.Archive.Path)
	v.SetDefault("archive.bucket", cfg.Archive.Bucket)
	v.SetDefault("archive.region", cfg.Archive.Region)
	v.SetDefault("archive.endpoint", cfg.Archive.Endpoint)
	v.SetDefault("archive.access_key_id", cfg.Archive.AccessKeyID)
	v.SetDefault("archive.secret_access_key", cfg.Archive.SecretAccessKey)
	v.SetDefault("archive.credentials_file", cfg.Archive.CredentialsFile)
	v.SetDefault("archive.connection_string", cfg.Archive.ConnectionString)
	v.SetDefault("archive.container", cfg.Archive.Container)
	v.SetDefault("archive.workers", cfg.Archive.Workers)
	v.SetDefault("archive.queue_size", cfg.Archive.QueueSize)
	v.SetDefault("control.addr", cfg.Control.Addr)
	v.SetDefault("listener.addr", cfg.Listener.Addr)
	v.SetDefault("listener.transcriber_addr", cfg.Listener.TranscriberAddr)
	v.SetDefault("listener.ffmpeg_path", cfg.Listener.FFmpegPath)
	v.SetDefault("listener.max_clients", cfg.Listener.MaxClients)
	v.SetDefault("listener.record_dir", cfg.Listener.RecordDir)
	return v
}

func tabMaps(tabs []TabConfig) []map[string]any {
	out := make([]map[string]any, 0, len(tabs))
	for _, t := range tabs {
		out = append(out, map[string]any{
			"id":     t.ID,
			"title":  t.Title,
			"url":    t.URL,
			"format": t.Format,
			"device": t.Device,
		})
	}
	return out
}

// ConfigDir is the per-user directory holding tabrelay.yaml.
func ConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tabrelay")
	}
	return "."
}

func defaultDownloadsDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "Downloads")
	}
	return filepath.Join(".", "downloads")
}
