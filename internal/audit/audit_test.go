package audit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Log(EventCaptureStart, "stream-1", map[string]any{"tab": "music"})
	if err := l.Close(); err != nil {
		t.Fatalf("nil Close() returned error: %v", err)
	}
	if got := l.DroppedCount(); got != -1 {
		t.Fatalf("nil DroppedCount() = %d, want -1", got)
	}
}

func TestLogWritesJSONLEntry(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventAgentStart, "", map[string]any{"version": "0.1.0"})
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].EventType != EventAgentStart {
		t.Fatalf("eventType = %q, want %q", entries[0].EventType, EventAgentStart)
	}
	if entries[0].PrevHash != genesis {
		t.Fatalf("prevHash = %q, want genesis", entries[0].PrevHash)
	}
	if entries[0].EntryHash == "" {
		t.Fatal("entryHash is empty")
	}
	if got := l.DroppedCount(); got != 0 {
		t.Fatalf("DroppedCount() = %d, want 0", got)
	}
}

func TestHashChainLinkingAndVerify(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventCaptureStart, "stream-1", nil)
	l.Log(EventCaptureStop, "", nil)
	l.Log(EventRecordingSaved, "/tmp/recording_1.webm", map[string]any{"bytes": 42})
	l.Close()

	entries := readEntries(t, l.filePath)
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].EntryHash {
			t.Fatalf("entry[%d] does not link to entry[%d]", i, i-1)
		}
	}

	f, err := os.Open(l.filePath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	n, err := Verify(f)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if n != 3 {
		t.Fatalf("Verify read %d entries, want 3", n)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventCaptureStart, "stream-1", nil)
	l.Log(EventRecordingSaved, "/tmp/a.webm", nil)
	l.Close()

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), "/tmp/a.webm", "/tmp/b.webm", 1)

	_, err = Verify(strings.NewReader(tampered))
	if !errors.Is(err, ErrChainBroken) {
		t.Fatalf("Verify = %v, want ErrChainBroken", err)
	}
}

func TestReopenContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := NewLogger(path, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	l.Log(EventAgentStart, "", nil)
	l.Close()

	l, err = NewLogger(path, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	l.Log(EventAgentStop, "", nil)
	l.Close()

	entries := readEntries(t, path)
	if len(entries) != 2 || entries[1].PrevHash != entries[0].EntryHash {
		t.Fatalf("reopened journal did not continue the chain: %+v", entries)
	}
}

func TestRotationSentinelCrossFileHashChain(t *testing.T) {
	l := newTestLogger(t)
	l.maxSize = 200

	for i := 0; i < 10; i++ {
		l.Log(EventRecordingReady, "blob:tabrelay/x", map[string]any{"i": i})
	}
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) == 0 {
		t.Fatal("no entries in current file after rotation")
	}
	if entries[0].EventType != EventLogRotated {
		t.Fatalf("first entry eventType = %q, want %q", entries[0].EventType, EventLogRotated)
	}
	if prev, _ := entries[0].Details["previousFile"].(string); prev == "" {
		t.Fatal("sentinel has no previousFile in details")
	}

	backup := readEntries(t, l.filePath+".1")
	if len(backup) == 0 {
		t.Fatal("no entries in backup file")
	}
	if entries[0].PrevHash != backup[len(backup)-1].EntryHash {
		t.Fatal("sentinel does not link to the last entry of the backup")
	}
	if _, err := os.Stat(l.filePath + ".3"); !os.IsNotExist(err) {
		t.Fatalf("only %d backups should be kept", l.maxBackups)
	}
}

func TestCriticalEvents(t *testing.T) {
	for _, e := range []string{EventAgentStart, EventAgentStop, EventRecordingSaved} {
		if !criticalEvents[e] {
			t.Errorf("event %q should be critical", e)
		}
	}
	for _, e := range []string{EventCaptureStart, EventRecordingReady, EventRecordingArchived} {
		if criticalEvents[e] {
			t.Errorf("event %q should not be critical", e)
		}
	}
}

func TestDroppedCountIncrementsOnWriteFailure(t *testing.T) {
	l := newTestLogger(t)

	l.file.Close()
	f, err := os.Open(l.filePath)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	l.file = f

	l.Log(EventCaptureStart, "stream-1", nil)
	if got := l.DroppedCount(); got != 1 {
		t.Fatalf("DroppedCount() = %d, want 1", got)
	}
	l.file.Close()
}

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	l, err := NewLogger(filepath.Join(t.TempDir(), "audit.jsonl"), 50, 2)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return l
}

func readEntries(t *testing.T, filePath string) []Entry {
	t.Helper()
	data, err := os.ReadFile(filePath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil
	}
	var entries []Entry
	for _, line := range strings.Split(text, "\n") {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("unmarshal line %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}
