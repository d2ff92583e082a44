package tui

import (
	"strings"
	"sync/atomic"
)

// OutputPipe is an io.Writer handing complete lines to the dashboard. It
// never blocks; lines are dropped when the dashboard falls behind.
type OutputPipe struct {
	ch      chan string
	dropped atomic.Int64
}

// NewOutputPipe buffers up to size lines.
func NewOutputPipe(size int) *OutputPipe {
	if size <= 0 {
		size = 1024
	}
	return &OutputPipe{ch: make(chan string, size)}
}

func (p *OutputPipe) Write(b []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		select {
		case p.ch <- line:
		default:
			p.dropped.Add(1)
		}
	}
	return len(b), nil
}

// Lines is the receiving side.
func (p *OutputPipe) Lines() <-chan string { return p.ch }

// Dropped counts lines lost to a full buffer.
func (p *OutputPipe) Dropped() int64 { return p.dropped.Load() }
