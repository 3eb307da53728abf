//go:build linux

package main

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestRenderUnit(t *testing.T) {
	unit := renderUnit("tabrelay capture agent", "/opt/tabrelay/tabrelay", "run --no-prompt")
	for _, want := range []string{
		"Description=tabrelay capture agent",
		"ExecStart=/opt/tabrelay/tabrelay run --no-prompt",
		"WantedBy=default.target",
	} {
		if !strings.Contains(unit, want) {
			t.Errorf("unit missing %q", want)
		}
	}
}

func TestUserUnitDirHonoursXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	dir, err := userUnitDir()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join("/tmp/xdg", "systemd", "user"); dir != want {
		t.Fatalf("dir = %q, want %q", dir, want)
	}
}
