package archive

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/tabrelay/agent/internal/config"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLocalProviderRoundTrip(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	p := NewLocalProvider(base)
	src := writeTemp(t, "recording_1.webm", "webm")

	if err := p.Upload(ctx, src, "2026/recording_1.webm"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(base, "2026", "recording_1.webm"))
	if err != nil || string(got) != "webm" {
		t.Fatalf("archived file = %q, %v", got, err)
	}

	list, err := p.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !slices.Equal(list, []string{"2026/recording_1.webm"}) {
		t.Fatalf("List = %v", list)
	}

	if err := p.Delete(ctx, "2026/recording_1.webm"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "2026")); !os.IsNotExist(err) {
		t.Fatalf("empty directory not cleaned up: %v", err)
	}
	if err := p.Delete(ctx, "2026/recording_1.webm"); err != nil {
		t.Fatalf("deleting a missing file should succeed: %v", err)
	}
}

func TestLocalProviderRejectsTraversal(t *testing.T) {
	p := NewLocalProvider(t.TempDir())
	src := writeTemp(t, "a.webm", "x")
	if err := p.Upload(context.Background(), src, "../escape.webm"); err == nil {
		t.Fatal("expected traversal error")
	}
	if _, err := p.List(context.Background(), "../"); err == nil {
		t.Fatal("expected traversal error on list")
	}
}

func TestLocalProviderListMissingPrefix(t *testing.T) {
	p := NewLocalProvider(t.TempDir())
	list, err := p.List(context.Background(), "nothing-here")
	if err != nil || len(list) != 0 {
		t.Fatalf("List = %v, %v", list, err)
	}
}

func TestNewSelectsProvider(t *testing.T) {
	ctx := context.Background()

	p, err := New(ctx, config.ArchiveConfig{})
	if err != nil || p != nil {
		t.Fatalf("empty provider = %v, %v; want nil, nil", p, err)
	}

	p, err = New(ctx, config.ArchiveConfig{Provider: "Local", Path: t.TempDir()})
	if err != nil || p.Name() != "local" {
		t.Fatalf("local provider = %v, %v", p, err)
	}

	if _, err := New(ctx, config.ArchiveConfig{Provider: "ftp"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if _, err := New(ctx, config.ArchiveConfig{Provider: "s3"}); err == nil {
		t.Fatal("expected error for s3 without bucket")
	}
	if _, err := New(ctx, config.ArchiveConfig{Provider: "azure"}); err == nil {
		t.Fatal("expected error for azure without connection string")
	}
	if _, err := New(ctx, config.ArchiveConfig{Provider: "b2", Bucket: "b"}); err == nil {
		t.Fatal("expected error for b2 without keys")
	}
}

func TestRemotePath(t *testing.T) {
	tests := []struct{ prefix, name, want string }{
		{"", "a.webm", "a.webm"},
		{"recordings", "a.webm", "recordings/a.webm"},
		{"/recordings/", "a.webm", "recordings/a.webm"},
	}
	for _, tt := range tests {
		if got := RemotePath(tt.prefix, tt.name); got != tt.want {
			t.Errorf("RemotePath(%q, %q) = %q, want %q", tt.prefix, tt.name, got, tt.want)
		}
	}
}

func TestMirrorUploadsInBackground(t *testing.T) {
	base := t.TempDir()
	m := NewMirror(NewLocalProvider(base), "tabrelay", 1, 4)
	done := make(chan string, 1)
	m.OnDone(func(remote string, err error) {
		if err != nil {
			t.Errorf("upload: %v", err)
		}
		done <- remote
	})

	if !m.Enqueue(writeTemp(t, "recording_42.webm", "data")) {
		t.Fatal("Enqueue rejected")
	}
	select {
	case remote := <-done:
		if remote != "tabrelay/recording_42.webm" {
			t.Fatalf("remote = %q", remote)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not finish")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.Shutdown(ctx)
	if m.Enqueue("x") {
		t.Fatal("Enqueue accepted after Shutdown")
	}
}
