package collectors

import (
	"runtime"
	"testing"
)

func TestNormalizeOSType(t *testing.T) {
	tests := map[string]string{
		"darwin":  "macos",
		"linux":   "linux",
		"windows": "windows",
	}
	for in, want := range tests {
		if got := normalizeOSType(in); got != want {
			t.Errorf("normalizeOSType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsEncoder(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"ffmpeg", true},
		{"FFMPEG.EXE", true},
		{"/usr/bin/ffmpeg", true},
		{"ffprobe", false},
		{"tabrelay", false},
	}
	for _, tt := range tests {
		if got := isEncoder(tt.name); got != tt.want {
			t.Errorf("isEncoder(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCollectSystemInfo(t *testing.T) {
	info := CollectSystemInfo()
	if info.Architecture != runtime.GOARCH {
		t.Fatalf("architecture = %q, want %q", info.Architecture, runtime.GOARCH)
	}
}

func TestCollectDiskUsage(t *testing.T) {
	dir := t.TempDir()
	u, err := CollectDiskUsage(dir)
	if err != nil {
		t.Fatalf("CollectDiskUsage: %v", err)
	}
	if u.Path != dir {
		t.Fatalf("path = %q", u.Path)
	}
	if _, err := CollectDiskUsage(dir + "/missing/deeper"); err == nil {
		t.Fatal("expected error for a missing path")
	}
}
