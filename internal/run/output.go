package run

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
)

// lineLogger logs each complete line written to it at debug level and copies
// the raw bytes to an optional tee.
type lineLogger struct {
	mu     sync.Mutex
	logger *slog.Logger
	tee    io.Writer
	buf    []byte
}

func newLineLogger(logger *slog.Logger, tee io.Writer) *lineLogger {
	return &lineLogger{logger: logger, tee: tee}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tee != nil {
		if _, err := l.tee.Write(p); err != nil {
			return 0, err
		}
	}
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.logger.Debug("Output", "line", string(bytes.TrimRight(l.buf[:i], "\r")))
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}

// Flush logs a trailing partial line.
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) > 0 {
		l.logger.Debug("Output", "line", string(l.buf))
		l.buf = nil
	}
}
