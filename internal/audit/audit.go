// Package audit keeps a tamper-evident journal of capture sessions: when
// capture started and stopped, and where each recording ended up.
package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tabrelay/agent/internal/logging"
)

var log = logging.L("audit")

const (
	EventAgentStart        = "agent_start"
	EventAgentStop         = "agent_stop"
	EventCaptureStart      = "capture_start"
	EventCaptureStop       = "capture_stop"
	EventRecordingReady    = "recording_ready"
	EventRecordingSaved    = "recording_saved"
	EventRecordingArchived = "recording_archived"
	EventLogRotated        = "log_rotated"
)

const genesis = "genesis"

// critical entries are fsynced
var criticalEvents = map[string]bool{
	EventAgentStart:     true,
	EventAgentStop:      true,
	EventRecordingSaved: true,
}

// ErrChainBroken is returned by Verify when an entry does not hash or link
// correctly.
var ErrChainBroken = errors.New("audit hash chain broken")

// Entry is a single journal record.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	Ref       string         `json:"ref,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Logger writes JSONL entries linked by a SHA-256 hash chain. After a
// rotation the new file starts with an EventLogRotated entry linking to the
// last entry of the old one.
type Logger struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
	now        func() time.Time
}

// NewLogger appends to filePath, continuing the chain of an existing file.
func NewLogger(filePath string, maxSizeMB, maxBackups int) (*Logger, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	l := &Logger{
		filePath:   filePath,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   genesis,
		now:        time.Now,
	}
	if last, err := lastHash(filePath); err == nil && last != "" {
		l.prevHash = last
	}
	if err := l.openFile(); err != nil {
		return nil, err
	}

	log.Info("audit journal opened", "path", filePath)
	return l, nil
}

// Log writes one entry. The chain only advances after a successful write.
// Safe to call on a nil receiver.
func (l *Logger) Log(eventType, ref string, details map[string]any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		Ref:       ref,
		Details:   details,
		PrevHash:  l.prevHash,
	}
	data, err := seal(&entry)
	if err != nil {
		log.Error("failed to encode audit entry", logging.KeyError, err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}

	if l.written > 0 && l.written+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			log.Error("audit rotation failed", logging.KeyError, err)
			l.dropped.Add(1)
			return
		}
		// the sentinel moved the chain
		entry.PrevHash = l.prevHash
		if data, err = seal(&entry); err != nil {
			l.dropped.Add(1)
			return
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		log.Error("failed to write audit entry", logging.KeyError, err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}
	l.written += int64(n)
	l.prevHash = entry.EntryHash

	if criticalEvents[eventType] {
		if err := l.file.Sync(); err != nil {
			log.Error("failed to fsync audit entry", logging.KeyError, err, "eventType", eventType)
		}
	}
}

// Close is safe on a nil receiver.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// DroppedCount returns the number of entries that failed to write, or -1
// for a nil logger.
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

// Verify checks every entry of one journal file and returns how many were
// read. The first entry may link to anything; every later one must link to
// its predecessor.
func Verify(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	count := 0
	prev := ""
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return count, fmt.Errorf("entry %d: %w", count+1, err)
		}
		want, err := computeHash(e)
		if err != nil {
			return count, fmt.Errorf("entry %d: %w", count+1, err)
		}
		if want != e.EntryHash {
			return count, fmt.Errorf("entry %d (%s): %w: hash mismatch", count+1, e.EventType, ErrChainBroken)
		}
		if count > 0 && e.PrevHash != prev {
			return count, fmt.Errorf("entry %d (%s): %w: does not link to previous entry", count+1, e.EventType, ErrChainBroken)
		}
		prev = e.EntryHash
		count++
	}
	return count, sc.Err()
}

func seal(e *Entry) ([]byte, error) {
	h, err := computeHash(*e)
	if err != nil {
		return nil, err
	}
	e.EntryHash = h
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// computeHash length-prefixes every field so no two field combinations
// produce the same input.
func computeHash(e Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{e.Timestamp, e.EventType, e.Ref, e.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if e.Details != nil {
		detailBytes, err := json.Marshal(e.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func lastHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	last := ""
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if json.Unmarshal(sc.Bytes(), &e) == nil && e.EntryHash != "" {
			last = e.EntryHash
		}
	}
	return last, sc.Err()
}

func (l *Logger) openFile() error {
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = f
	l.written = info.Size()
	return nil
}

func (l *Logger) rotate() error {
	if l.file != nil {
		l.file.Close()
	}

	for i := l.maxBackups; i >= 2; i-- {
		src, dst := l.backupName(i-1), l.backupName(i)
		if i == l.maxBackups {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				log.Warn("audit rotation: failed to remove oldest backup", "path", dst, logging.KeyError, err)
			}
		}
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			log.Warn("audit rotation: failed to rename backup", "src", src, "dst", dst, logging.KeyError, err)
		}
	}
	if err := os.Rename(l.filePath, l.backupName(1)); err != nil && !os.IsNotExist(err) {
		log.Warn("audit rotation: failed to rename current log", logging.KeyError, err)
	}

	if err := l.openFile(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		PrevHash:  l.prevHash,
		Details:   map[string]any{"previousFile": l.backupName(1)},
	}
	data, err := seal(&sentinel)
	if err == nil {
		var n int
		if n, err = l.file.Write(data); err == nil {
			l.written += int64(n)
			l.prevHash = sentinel.EntryHash
			return nil
		}
	}
	log.Error("rotation sentinel failed, hash chain broken", logging.KeyError, err)
	l.dropped.Add(1)
	l.prevHash = "chain-broken"
	return nil
}

func (l *Logger) backupName(index int) string {
	if index == 0 {
		return l.filePath
	}
	return fmt.Sprintf("%s.%d", l.filePath, index)
}
