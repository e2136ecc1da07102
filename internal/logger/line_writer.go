package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

// maxLineBytes bounds a single buffered line; longer output is flushed in chunks.
const maxLineBytes = 64 * 1024

// LineWriter forwards a child's output stream to slog one line at a time.
// Each line is logged with the given prefix (e.g. "[stream-server]") and
// optionally tee'd to a file writer. It is safe for concurrent use.
type LineWriter struct {
	mu     sync.Mutex
	log    *slog.Logger
	level  slog.Level
	prefix string
	tee    io.Writer
	buf    []byte
}

// NewLineWriter returns a LineWriter; tee may be nil.
func NewLineWriter(log *slog.Logger, level slog.Level, prefix string, tee io.Writer) *LineWriter {
	if log == nil {
		log = slog.Default()
	}
	return &LineWriter{log: log, level: level, prefix: prefix, tee: tee}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tee != nil {
		_, _ = w.tee.Write(p)
	}
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxLineBytes {
		w.emit(w.buf)
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

// Flush logs any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = w.buf[:0]
	}
}

func (w *LineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	w.log.Log(context.Background(), w.level, w.prefix+" "+string(line))
}
