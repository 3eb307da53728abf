// Package downloads saves recordings handed over by object URL to disk and
// optionally mirrors them to an archive.
package downloads

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/tabrelay/agent/internal/archive"
	"github.com/tabrelay/agent/internal/blobstore"
	"github.com/tabrelay/agent/internal/logging"
)

var log = logging.L("downloads")

var (
	ErrUnsupportedURL = errors.New("unsupported download url")
	ErrCancelled      = errors.New("download cancelled")
)

// Request describes one download.
type Request struct {
	URL      string
	Filename string
	SaveAs   bool
}

// Manager resolves download URLs and writes them to the chosen location.
type Manager struct {
	blobs   *blobstore.Store
	dir     string
	chooser Chooser
	mirror  *archive.Mirror
}

// NewManager saves into dir. When chooser is nil, SaveAs requests fall back
// to dir as well.
func NewManager(blobs *blobstore.Store, dir string, chooser Chooser) *Manager {
	if chooser == nil {
		chooser = DirChooser{Dir: dir}
	}
	return &Manager{blobs: blobs, dir: dir, chooser: chooser}
}

// SetMirror enables archiving of every saved file.
func (m *Manager) SetMirror(mirror *archive.Mirror) {
	m.mirror = mirror
}

// Download reads the source immediately, so the URL may be revoked while the
// save location is still being chosen. It returns the saved path.
func (m *Manager) Download(ctx context.Context, req Request) (string, error) {
	name := sanitizeFilename(req.Filename)
	if name == "" {
		return "", errors.New("download filename is required")
	}

	src, err := m.open(req.URL)
	if err != nil {
		return "", err
	}
	if c, ok := src.(io.Closer); ok {
		defer c.Close()
	}

	chooser := Chooser(DirChooser{Dir: m.dir})
	if req.SaveAs {
		chooser = m.chooser
	}
	dest, err := chooser.Choose(ctx, name)
	if err != nil {
		return "", err
	}

	n, err := writeFile(dest, src)
	if err != nil {
		return "", err
	}
	log.Info("recording saved", "path", dest, logging.KeyBytes, n)

	if m.mirror != nil && !m.mirror.Enqueue(dest) {
		log.Warn("archive queue full, recording not mirrored", "path", dest)
	}
	return dest, nil
}

func (m *Manager) open(rawURL string) (io.Reader, error) {
	if blobstore.IsObjectURL(rawURL) {
		if m.blobs == nil {
			return nil, fmt.Errorf("%w: %s", blobstore.ErrNotFound, rawURL)
		}
		r, _, err := m.blobs.Open(rawURL)
		if err != nil {
			return nil, err
		}
		// Copy out so a later revoke cannot race the write.
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return bytes.NewReader(data), nil
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "file" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedURL, rawURL)
	}
	f, err := os.Open(filepath.FromSlash(u.Path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", u.Path, err)
	}
	return f, nil
}

// writeFile writes src to a temp file next to dest and renames it into place.
func writeFile(dest string, src io.Reader) (int64, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create download directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tabrelay-*.part")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}

	n, err := io.Copy(tmp, src)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dest)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("write %s: %w", dest, err)
	}
	return n, nil
}

func sanitizeFilename(name string) string {
	name = filepath.Base(filepath.Clean(strings.TrimSpace(name)))
	if name == "." || name == string(filepath.Separator) || name == ".." {
		return ""
	}
	return name
}

// uniquePath appends " (1)", " (2)", ... before the extension until the
// path does not exist.
func uniquePath(p string) string {
	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		return p
	}
	ext := filepath.Ext(p)
	stem := strings.TrimSuffix(p, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}
