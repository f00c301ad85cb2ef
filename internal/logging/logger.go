package logging

import (
	"io"
	"log"
	"os"
	"strings"
)

// Flags used by every canvasd logger.
const Flags = log.LstdFlags | log.Lmicroseconds

// defaultMaxBytes rotates files at 50MB.
const defaultMaxBytes = 50 << 20

// Logger is a log.Logger with a debug switch.
type Logger struct {
	*log.Logger
	debug bool
}

// Debugf logs only when the level is debug.
func (l *Logger) Debugf(format string, args ...any) {
	if l.debug {
		l.Printf("DEBUG "+format, args...)
	}
}

// Component returns a logger sharing the output and level with a new prefix.
func (l *Logger) Component(prefix string) *Logger {
	return &Logger{Logger: log.New(l.Writer(), prefix, l.Flags()), debug: l.debug}
}

// Setup builds the root logger. Output goes to stdout and, when file is set,
// to a RotatingWriter. The returned closer releases the file.
func Setup(prefix, file, level string) (*Logger, io.Closer, error) {
	var out io.Writer = os.Stdout
	var closer io.Closer = nopWriteCloser{}
	if strings.TrimSpace(file) != "" {
		rw, err := NewRotatingWriter(file, defaultMaxBytes, 14)
		if err != nil {
			return nil, nil, err
		}
		out = io.MultiWriter(os.Stdout, rw)
		closer = rw
	}
	return New(out, prefix, level), closer, nil
}

// New wraps w.
func New(w io.Writer, prefix, level string) *Logger {
	return &Logger{
		Logger: log.New(w, prefix, Flags),
		debug:  strings.EqualFold(strings.TrimSpace(level), "debug"),
	}
}
