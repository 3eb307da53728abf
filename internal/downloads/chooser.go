package downloads

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
)

// Chooser picks where a download is saved.
type Chooser interface {
	Choose(ctx context.Context, suggested string) (string, error)
}

// DirChooser saves into Dir without asking, renaming on conflict.
type DirChooser struct {
	Dir string
}

func (c DirChooser) Choose(ctx context.Context, suggested string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return uniquePath(filepath.Join(c.Dir, suggested)), nil
}

// NewChooser returns the chooser for the downloads.save_as setting: a
// terminal prompt when saveAs is set, otherwise silent saves into dir.
func NewChooser(saveAs bool, dir string, in io.Reader, out io.Writer) Chooser {
	if saveAs {
		return &PromptChooser{Dir: dir, In: in, Out: out}
	}
	return DirChooser{Dir: dir}
}

// PromptChooser asks on a terminal. An empty answer or end of input accepts
// the suggestion, "-" cancels, and a relative path is taken relative to Dir.
// Concurrent downloads are prompted one at a time.
type PromptChooser struct {
	Dir string
	In  io.Reader
	Out io.Writer

	mu    sync.Mutex
	once  sync.Once
	lines chan string
}

// readLines is the only reader of In; answers typed after a cancelled
// prompt go to the next one.
func (c *PromptChooser) readLines() {
	scanner := bufio.NewScanner(c.In)
	for scanner.Scan() {
		c.lines <- strings.TrimSpace(scanner.Text())
	}
	close(c.lines)
}

func (c *PromptChooser) Choose(ctx context.Context, suggested string) (string, error) {
	c.once.Do(func() {
		c.lines = make(chan string)
		go c.readLines()
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	def := uniquePath(filepath.Join(c.Dir, suggested))
	fmt.Fprintf(c.Out, "Save recording as [%s]: ", def)

	var text string
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case text = <-c.lines:
	}

	switch {
	case text == "":
		return def, nil
	case text == "-":
		return "", ErrCancelled
	case filepath.IsAbs(text):
		return uniquePath(text), nil
	default:
		return uniquePath(filepath.Join(c.Dir, text)), nil
	}
}
