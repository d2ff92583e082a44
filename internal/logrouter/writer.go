package logrouter

import (
	"bytes"
	"sync"
)

// maxLineBytes splits pathological lines that never see a newline.
const maxLineBytes = 64 * 1024

// LineWriter turns a byte stream into one callback per line.
type LineWriter struct {
	mu      sync.Mutex
	buf     []byte
	publish func(line string)
}

// NewLineWriter returns a writer calling publish for every complete line.
func NewLineWriter(publish func(line string)) *LineWriter {
	return &LineWriter{publish: publish}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.publish(string(bytes.TrimSuffix(w.buf[:i], []byte("\r"))))
		w.buf = append(w.buf[:0], w.buf[i+1:]...)
	}
	for len(w.buf) >= maxLineBytes {
		w.publish(string(w.buf[:maxLineBytes]))
		w.buf = append(w.buf[:0], w.buf[maxLineBytes:]...)
	}
	return len(p), nil
}

// Flush publishes a trailing partial line, if any.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.publish(string(w.buf))
		w.buf = w.buf[:0]
	}
}
