package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tabrelay/agent/internal/config"
)

func TestCommandsRegistered(t *testing.T) {
	want := []string{"run", "listen", "status", "toggle", "panel", "tabs", "watch", "config", "doctor", "recordings", "service", "audit", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd == rootCmd {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestNoPromptDisablesSaveAs(t *testing.T) {
	if err := runCmd.Flags().Set("no-prompt", "true"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { noPrompt = false })

	cfg := config.Default()
	if !cfg.Downloads.SaveAs {
		t.Fatal("save_as should default to true")
	}
	applyRunFlags(cfg)
	if cfg.Downloads.SaveAs {
		t.Fatal("--no-prompt should turn save_as off")
	}
}

func TestRunPromptsByDefault(t *testing.T) {
	cfg := config.Default()
	applyRunFlags(cfg)
	if !cfg.Downloads.SaveAs {
		t.Fatal("run without --no-prompt should keep prompting")
	}
}

func TestCheckDownloadsDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "recordings")
	r := checkDownloadsDir(dir)
	if !r.ok {
		t.Fatalf("checkDownloadsDir: %s", r.detail)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("probe file left behind: %v", entries)
	}
}

func TestCheckDialUnreachable(t *testing.T) {
	r := checkDial(context.Background(), "listener", "127.0.0.1:1")
	if r.ok {
		t.Fatal("dial to a closed port should fail")
	}
	if !strings.Contains(r.detail, "unreachable") {
		t.Fatalf("detail = %q", r.detail)
	}
}

func TestCheckFFmpegMissing(t *testing.T) {
	r := checkFFmpeg(context.Background(), "recorder ffmpeg", filepath.Join(t.TempDir(), "no-ffmpeg"))
	if r.ok {
		t.Fatal("missing binary should fail the check")
	}
}

func TestRunChecksReportsMissingTabs(t *testing.T) {
	cfg := config.Default()
	cfg.Downloads.Dir = t.TempDir()
	cfg.Control.Addr = "127.0.0.1:1"

	var tabs *checkResult
	for _, r := range runChecks(context.Background(), cfg) {
		if r.name == "tabs" {
			tabs = &r
		}
	}
	if tabs == nil || tabs.ok {
		t.Fatalf("tabs check = %+v, want failure without tabs", tabs)
	}
}
