package downloads

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tabrelay/agent/internal/archive"
	"github.com/tabrelay/agent/internal/blobstore"
)

func TestDownloadObjectURL(t *testing.T) {
	dir := t.TempDir()
	blobs := blobstore.New()
	m := NewManager(blobs, dir, nil)

	url := blobs.CreateObjectURL([]byte("webm-data"), "audio/webm")
	path, err := m.Download(context.Background(), Request{URL: url, Filename: "recording_1.webm", SaveAs: true})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if path != filepath.Join(dir, "recording_1.webm") {
		t.Fatalf("path = %q", path)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "webm-data" {
		t.Fatalf("content = %q", got)
	}
}

func TestDownloadUniquifiesName(t *testing.T) {
	dir := t.TempDir()
	blobs := blobstore.New()
	m := NewManager(blobs, dir, nil)

	for i := 0; i < 3; i++ {
		url := blobs.CreateObjectURL([]byte("x"), "audio/webm")
		if _, err := m.Download(context.Background(), Request{URL: url, Filename: "rec.webm"}); err != nil {
			t.Fatal(err)
		}
	}
	for _, name := range []string{"rec.webm", "rec (1).webm", "rec (2).webm"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}

func TestDownloadRevokedURL(t *testing.T) {
	blobs := blobstore.New()
	m := NewManager(blobs, t.TempDir(), nil)
	url := blobs.CreateObjectURL([]byte("x"), "audio/webm")
	blobs.Revoke(url)

	_, err := m.Download(context.Background(), Request{URL: url, Filename: "a.webm"})
	if !errors.Is(err, blobstore.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDownloadRejectsUnsupportedURL(t *testing.T) {
	m := NewManager(blobstore.New(), t.TempDir(), nil)
	_, err := m.Download(context.Background(), Request{URL: "https://example.com/a.webm", Filename: "a.webm"})
	if !errors.Is(err, ErrUnsupportedURL) {
		t.Fatalf("err = %v, want ErrUnsupportedURL", err)
	}
}

func TestDownloadFileURL(t *testing.T) {
	src := filepath.Join(t.TempDir(), "in.webm")
	os.WriteFile(src, []byte("from-file"), 0o644)
	dir := t.TempDir()
	m := NewManager(nil, dir, nil)

	path, err := m.Download(context.Background(), Request{URL: "file://" + filepath.ToSlash(src), Filename: "out.webm"})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "from-file" {
		t.Fatalf("content = %q", got)
	}
}

func TestFilenameIsSanitized(t *testing.T) {
	dir := t.TempDir()
	blobs := blobstore.New()
	m := NewManager(blobs, dir, nil)
	url := blobs.CreateObjectURL([]byte("x"), "audio/webm")

	path, err := m.Download(context.Background(), Request{URL: url, Filename: "../../etc/rec.webm"})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(path) != dir {
		t.Fatalf("saved outside download dir: %s", path)
	}
}

func TestPromptChooser(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		input string
		want  string
		err   error
	}{
		{"\n", filepath.Join(dir, "rec.webm"), nil},
		{"other.webm\n", filepath.Join(dir, "other.webm"), nil},
		{"-\n", "", ErrCancelled},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		c := &PromptChooser{Dir: dir, In: strings.NewReader(tt.input), Out: &out}
		got, err := c.Choose(context.Background(), "rec.webm")
		if !errors.Is(err, tt.err) || got != tt.want {
			t.Errorf("input %q: got %q, %v; want %q, %v", tt.input, got, err, tt.want, tt.err)
		}
		if !strings.Contains(out.String(), "Save recording as") {
			t.Errorf("prompt not written: %q", out.String())
		}
	}
}

func TestDownloadMirrorsToArchive(t *testing.T) {
	archiveDir := t.TempDir()
	mirror := archive.NewMirror(archive.NewLocalProvider(archiveDir), "", 1, 2)
	done := make(chan error, 1)
	mirror.OnDone(func(_ string, err error) { done <- err })

	blobs := blobstore.New()
	m := NewManager(blobs, t.TempDir(), nil)
	m.SetMirror(mirror)

	url := blobs.CreateObjectURL([]byte("x"), "audio/webm")
	if _, err := m.Download(context.Background(), Request{URL: url, Filename: "recording_7.webm"}); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("mirror: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("mirror did not run")
	}
	if _, err := os.Stat(filepath.Join(archiveDir, "recording_7.webm")); err != nil {
		t.Fatalf("archived copy missing: %v", err)
	}
}
