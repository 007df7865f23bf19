package supervisor

import (
	"bytes"
	"log/slog"
	"sync"
)

// maxLine caps a buffered partial line; longer output is logged in pieces.
const maxLine = 64 * 1024

// lineWriter logs everything written to it, one record per line. Lines
// written before bind are held back so every record carries the pid.
type lineWriter struct {
	logger *slog.Logger
	stream string

	mu    sync.Mutex
	buf   []byte
	bound bool
	held  [][]byte
}

func newLineWriter(logger *slog.Logger, stream string) *lineWriter {
	return &lineWriter{logger: logger, stream: stream}
}

// bind attaches the child's pid to every record and logs the held lines. A
// zero pid means the child never started.
func (w *lineWriter) bind(pid int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bound {
		return
	}
	if pid > 0 {
		w.logger = w.logger.With("pid", pid)
	}
	w.bound = true
	for _, line := range w.held {
		w.emit(line)
	}
	w.held = nil
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.line(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxLine {
		w.line(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

// Flush logs a trailing line that had no newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.line(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) line(b []byte) {
	if !w.bound {
		w.held = append(w.held, bytes.Clone(b))
		return
	}
	w.emit(b)
}

func (w *lineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.logger.Info(string(line), "stream", w.stream)
}
