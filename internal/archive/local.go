package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// containedPath resolves untrustedPath under basePath and rejects anything
// that escapes it.
func containedPath(basePath, untrustedPath string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("resolve base path: %w", err)
	}
	absJoined, err := filepath.Abs(filepath.Join(absBase, filepath.FromSlash(untrustedPath)))
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) && absJoined != absBase {
		return "", fmt.Errorf("path traversal detected: %q resolves outside %q", untrustedPath, absBase)
	}
	return absJoined, nil
}

// LocalProvider copies recordings into a directory, e.g. a mounted share.
type LocalProvider struct {
	BasePath string
}

func NewLocalProvider(basePath string) *LocalProvider {
	return &LocalProvider{BasePath: filepath.Clean(basePath)}
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) Upload(ctx context.Context, localPath, remotePath string) error {
	if p.BasePath == "" || p.BasePath == "." {
		return errors.New("archive.path is required for the local provider")
	}
	if remotePath == "" {
		return errRemotePathRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dest, err := containedPath(p.BasePath, remotePath)
	if err != nil {
		return err
	}
	return copyFile(localPath, dest)
}

func (p *LocalProvider) List(ctx context.Context, prefix string) ([]string, error) {
	root := p.BasePath
	if prefix != "" {
		var err error
		if root, err = containedPath(p.BasePath, prefix); err != nil {
			return nil, err
		}
	}
	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("stat %s: %w", root, err)
	}

	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(p.BasePath, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}
	return out, nil
}

func (p *LocalProvider) Delete(ctx context.Context, remotePath string) error {
	if remotePath == "" {
		return errRemotePathRequired
	}
	target, err := containedPath(p.BasePath, remotePath)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", remotePath, err)
	}
	p.cleanupEmptyDirs(filepath.Dir(target))
	return nil
}

func (p *LocalProvider) cleanupEmptyDirs(start string) {
	base, _ := filepath.Abs(p.BasePath)
	dir := filepath.Clean(start)
	for dir != base && dir != "." && dir != string(filepath.Separator) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if os.Remove(dir) != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}

	_, err = io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chtimes(dest, info.ModTime(), info.ModTime())
	}
	if err != nil {
		return fmt.Errorf("copy to archive: %w", err)
	}
	return nil
}
