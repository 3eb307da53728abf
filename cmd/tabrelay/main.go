package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabrelay/agent/internal/agent"
	"github.com/tabrelay/agent/internal/config"
	"github.com/tabrelay/agent/internal/health"
	"github.com/tabrelay/agent/internal/listener"
	"github.com/tabrelay/agent/internal/logging"
)

var log = logging.L("main")

var (
	version     = "0.1.0"
	cfgFile     string
	logLevel    string
	controlAddr string
	noPrompt    bool
)

const shutdownTimeout = 15 * time.Second

var rootCmd = &cobra.Command{
	Use:   "tabrelay",
	Short: "Tab audio capture relay",
	Long: `tabrelay captures the audio of a tab, streams it in one-second WebM
chunks to a local listener and saves recordings on request.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the capture agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent()
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Run the chunk listener that feeds the transcription server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runListener()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tabrelay v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <user config dir>/tabrelay/tabrelay.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level")
	rootCmd.PersistentFlags().StringVar(&controlAddr, "control", "", "control API address (default control.addr)")
	runCmd.Flags().BoolVar(&noPrompt, "no-prompt", false, "save recordings into downloads.dir without asking (overrides downloads.save_as)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(versionCmd)
}

// applyRunFlags lets run's flags override the loaded config.
func applyRunFlags(cfg *config.Config) {
	if noPrompt {
		cfg.Downloads.SaveAs = false
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if controlAddr != "" {
		cfg.Control.Addr = controlAddr
	}
	return cfg, nil
}

// initLogging points the global logger at stderr and, when log_file is set,
// a rotated file as well. The returned writer is nil without a log file.
func initLogging(cfg *config.Config) *logging.RotatingWriter {
	if cfg.LogFile == "" {
		logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)
		return nil
	}
	rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)
		log.Warn("log file unavailable, logging to stderr only", "path", cfg.LogFile, logging.KeyError, err)
		return nil
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, io.MultiWriter(os.Stderr, rw))
	return rw
}

func validate(cfg *config.Config) error {
	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", logging.KeyError, err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation", logging.KeyError, err)
		}
		return fmt.Errorf("invalid configuration: %w", result.Fatals[0])
	}
	return nil
}

func runAgent() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rw := initLogging(cfg)
	if rw != nil {
		defer rw.Close()
	}
	if err := validate(cfg); err != nil {
		return err
	}

	applyRunFlags(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := agent.New(ctx, cfg, agent.Options{})
	if err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		return err
	}
	fmt.Printf("tabrelay v%s running, control API on %s\n", version, a.ControlAddr())

	waitForSignal(rw)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	a.Stop(stopCtx)
	return nil
}

func runListener() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rw := initLogging(cfg)
	if rw != nil {
		defer rw.Close()
	}
	if err := validate(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := cfg.Listener
	srv := listener.New(listener.Config{
		Addr:            l.Addr,
		TranscriberAddr: l.TranscriberAddr,
		MaxClients:      l.MaxClients,
		RecordDir:       l.RecordDir,
	}, listener.FFmpegTranscoder(l.FFmpegPath), nil, health.NewMonitor())

	go func() {
		waitForSignal(rw)
		cancel()
	}()
	return srv.ListenAndServe(ctx)
}

// waitForSignal blocks until SIGINT or SIGTERM. SIGHUP reopens the log file
// so external rotation works.
func waitForSignal(rw *logging.RotatingWriter) {
	sigChan := make(chan os.Signal, 1)
	notifySignals(sigChan)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		if isReopenSignal(sig) {
			if rw != nil {
				if err := rw.Reopen(); err != nil {
					log.Warn("log reopen failed", logging.KeyError, err)
				}
			}
			continue
		}
		log.Info("shutting down", "signal", sig.String())
		return
	}
}
