package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabrelay/agent/internal/collectors"
	"github.com/tabrelay/agent/internal/config"
)

const dialTimeout = 2 * time.Second

type checkResult struct {
	name   string
	ok     bool
	detail string
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check ffmpeg, the listener, the transcriber and the host",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		info := collectors.CollectSystemInfo()
		fmt.Printf("Host:    %s (%s %s, %s)\n", info.Hostname, info.OSType, strings.TrimSpace(info.OSVersion), info.Architecture)
		fmt.Printf("Uptime:  %s\n", info.Uptime)
		fmt.Printf("Memory:  %d MB, %.0f%% used\n", info.RAMTotalMB, info.RAMPercent)
		fmt.Println()

		results := runChecks(cmd.Context(), cfg)
		failed := 0
		for _, r := range results {
			mark := "ok  "
			if !r.ok {
				mark = "FAIL"
				failed++
			}
			fmt.Printf("[%s] %-14s %s\n", mark, r.name, r.detail)
		}

		if encoders, err := collectors.CollectEncoders(); err == nil && len(encoders) > 0 {
			fmt.Println()
			fmt.Println("Running encoders:")
			for _, e := range encoders {
				fmt.Printf("  pid %-7d cpu %5.1f%%  rss %4d MB  %s\n", e.PID, e.CPUPercent, e.RSSMB, e.Cmdline)
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d check(s) failed", failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runChecks(ctx context.Context, cfg *config.Config) []checkResult {
	var results []checkResult

	cfgCheck := checkResult{name: "config", ok: true, detail: "valid"}
	if errs := cfg.ValidateTiered().AllErrors(); len(errs) > 0 {
		cfgCheck.detail = fmt.Sprintf("%d issue(s): %v", len(errs), errs[0])
		cfgCheck.ok = !cfg.ValidateTiered().HasFatals()
	}
	results = append(results, cfgCheck)

	results = append(results, checkFFmpeg(ctx, "recorder ffmpeg", cfg.Recorder.FFmpegPath))
	if cfg.Listener.FFmpegPath != cfg.Recorder.FFmpegPath {
		results = append(results, checkFFmpeg(ctx, "listener ffmpeg", cfg.Listener.FFmpegPath))
	}

	socketHost := cfg.Socket.URL
	if u, err := url.Parse(cfg.Socket.URL); err == nil && u.Host != "" {
		socketHost = u.Host
	}
	results = append(results,
		checkDial(ctx, "listener", socketHost),
		checkDial(ctx, "transcriber", cfg.Listener.TranscriberAddr),
		checkDial(ctx, "control api", cfg.Control.Addr),
		checkDownloadsDir(cfg.Downloads.Dir),
	)

	tabsCheck := checkResult{name: "tabs", ok: len(cfg.Tabs) > 0}
	if tabsCheck.ok {
		tabsCheck.detail = fmt.Sprintf("%d configured", len(cfg.Tabs))
	} else {
		tabsCheck.detail = "none configured; toggling will report no active tab"
	}
	return append(results, tabsCheck)
}

func checkFFmpeg(ctx context.Context, name, path string) checkResult {
	resolved, err := exec.LookPath(path)
	if err != nil {
		return checkResult{name: name, detail: err.Error()}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, resolved, "-hide_banner", "-version").Output()
	if err != nil {
		return checkResult{name: name, detail: fmt.Sprintf("%s: %v", resolved, err)}
	}
	first, _, _ := strings.Cut(string(out), "\n")
	return checkResult{name: name, ok: true, detail: strings.TrimSpace(first)}
}

func checkDial(ctx context.Context, name, addr string) checkResult {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return checkResult{name: name, detail: fmt.Sprintf("%s unreachable: %v", addr, err)}
	}
	conn.Close()
	return checkResult{name: name, ok: true, detail: addr}
}

func checkDownloadsDir(dir string) checkResult {
	r := checkResult{name: "downloads"}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.detail = err.Error()
		return r
	}
	f, err := os.CreateTemp(dir, ".tabrelay-doctor-*")
	if err != nil {
		r.detail = fmt.Sprintf("%s not writable: %v", dir, err)
		return r
	}
	f.Close()
	os.Remove(f.Name())

	r.ok = true
	r.detail = dir
	if u, err := collectors.CollectDiskUsage(dir); err == nil {
		r.detail = fmt.Sprintf("%s (%d MB free)", dir, u.FreeMB)
	}
	return r
}
