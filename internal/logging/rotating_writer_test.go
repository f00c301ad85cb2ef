package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestWriter(t *testing.T, maxBytes int64, maxFiles int, now *time.Time) (*RotatingWriter, string) {
	t.Helper()
	base := filepath.Join(t.TempDir(), "logs", "canvasd.log")
	rw := &RotatingWriter{BasePath: base, MaxBytes: maxBytes, MaxFiles: maxFiles, now: func() time.Time { return *now }}
	if err := rw.rotateIfNeeded(0); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { rw.Close() })
	return rw, base
}

func TestRotatesBySize(t *testing.T) {
	now := time.Date(2025, 10, 26, 8, 0, 0, 0, time.UTC)
	rw, base := newTestWriter(t, 10, 0, &now)
	for i := 0; i < 3; i++ {
		if _, err := rw.Write([]byte("12345678\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	dir := filepath.Dir(base)
	for _, name := range []string{"canvasd-2025-10-26.log", "canvasd-2025-10-26-2.log", "canvasd-2025-10-26-3.log"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
	target, err := os.Readlink(base)
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if !strings.HasSuffix(target, "canvasd-2025-10-26-3.log") {
		t.Fatalf("symlink should point at the newest file, got %s", target)
	}
}

func TestRotatesByDayAndPrunes(t *testing.T) {
	now := time.Date(2025, 10, 26, 23, 0, 0, 0, time.UTC)
	rw, base := newTestWriter(t, 0, 2, &now)
	for d := 0; d < 4; d++ {
		if _, err := rw.Write([]byte("line\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
		now = now.Add(24 * time.Hour)
	}
	files := rw.rotated()
	if len(files) != 2 {
		t.Fatalf("expected 2 files after pruning, got %v", files)
	}
	if !strings.HasSuffix(files[len(files)-1], "canvasd-2025-10-29.log") {
		t.Fatalf("newest file should survive, got %v", files)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(base), "canvasd-2025-10-26.log")); !os.IsNotExist(err) {
		t.Fatalf("oldest file should be pruned, stat err %v", err)
	}
}

func TestDashDiscards(t *testing.T) {
	w, err := NewRotatingWriter("-", 10, 0)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	if _, err := w.Write([]byte("ignored")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestLoggerDebugf(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "[test] ", "info").Debugf("hidden %d", 1)
	if buf.Len() != 0 {
		t.Fatalf("debug output at info level: %q", buf.String())
	}
	l := New(&buf, "[test] ", "DEBUG")
	l.Component("[child] ").Debugf("shown %d", 2)
	if !strings.Contains(buf.String(), "[child] ") || !strings.Contains(buf.String(), "DEBUG shown 2") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
