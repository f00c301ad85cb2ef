// Package logging sets up canvasd's log output: stdout mirrored to a file
// that rotates by day and size.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotatingWriter writes to <prefix>-YYYY-MM-DD[-N]<ext> next to BasePath.
// A new file starts each UTC day, and within a day whenever the next write
// would exceed MaxBytes. BasePath itself is kept as a symlink to the
// current file. When MaxFiles is positive, older rotated files beyond that
// count are removed.
//
// Example: logs/canvasd.log -> logs/canvasd-2025-10-26.log, logs/canvasd-2025-10-26-2.log
type RotatingWriter struct {
	BasePath string
	MaxBytes int64
	MaxFiles int

	mu       sync.Mutex
	now      func() time.Time
	curDate  string
	curIndex int
	file     *os.File
	size     int64
}

// NewRotatingWriter opens the current file for basePath. "-" discards output.
func NewRotatingWriter(basePath string, maxBytes int64, maxFiles int) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return nopWriteCloser{w: io.Discard}, nil
	}
	rw := &RotatingWriter{BasePath: basePath, MaxBytes: maxBytes, MaxFiles: maxFiles, now: time.Now}
	if err := rw.rotateIfNeeded(0); err != nil {
		return nil, err
	}
	return rw, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateIfNeeded(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingWriter) rotateIfNeeded(incoming int64) error {
	today := w.now().UTC().Format("2006-01-02")
	switch {
	case w.file == nil || w.curDate != today:
		w.curDate = today
		w.curIndex = 1
	case w.MaxBytes > 0 && w.size > 0 && w.size+incoming > w.MaxBytes:
		w.curIndex++
	default:
		return nil
	}
	if err := w.openCurrent(); err != nil {
		return err
	}
	w.prune()
	return nil
}

func (w *RotatingWriter) split() (dir, base, ext string) {
	dir, name := filepath.Split(w.BasePath)
	if dir == "" {
		dir = "."
	}
	ext = filepath.Ext(name)
	base = strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	return dir, base, ext
}

func (w *RotatingWriter) openCurrent() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	dir, base, ext := w.split()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	filename := fmt.Sprintf("%s-%s%s", base, w.curDate, ext)
	if w.curIndex > 1 {
		filename = fmt.Sprintf("%s-%s-%d%s", base, w.curDate, w.curIndex, ext)
	}
	path := filepath.Join(dir, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	w.size = 0
	if st, err := f.Stat(); err == nil {
		w.size = st.Size()
	}
	w.file = f
	w.link(path)
	return nil
}

// link points BasePath at target. Failure is ignored: the dated files are
// the source of truth.
func (w *RotatingWriter) link(target string) {
	if info, err := os.Lstat(w.BasePath); err == nil {
		if info.Mode()&os.ModeSymlink == 0 {
			return
		}
		if dest, err := os.Readlink(w.BasePath); err == nil && dest == target {
			return
		}
		_ = os.Remove(w.BasePath)
	}
	_ = os.Symlink(target, w.BasePath)
}

// rotated lists this writer's dated files, oldest first.
func (w *RotatingWriter) rotated() []string {
	dir, base, ext := w.split()
	matches, err := filepath.Glob(filepath.Join(dir, base+"-*"+ext))
	if err != nil {
		return nil
	}
	type entry struct {
		path string
		mod  time.Time
	}
	entries := make([]entry, 0, len(matches))
	for _, m := range matches {
		info, err := os.Lstat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		entries = append(entries, entry{m, info.ModTime()})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].mod.Equal(entries[j].mod) {
			return entries[i].path < entries[j].path
		}
		return entries[i].mod.Before(entries[j].mod)
	})
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.path
	}
	return out
}

func (w *RotatingWriter) prune() {
	if w.MaxFiles <= 0 {
		return
	}
	files := w.rotated()
	current := w.file.Name()
	for len(files) > w.MaxFiles {
		if files[0] != current {
			_ = os.Remove(files[0])
		}
		files = files[1:]
	}
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }
