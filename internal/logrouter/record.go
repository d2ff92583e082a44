package logrouter

import (
	"context"
	"fmt"
	"time"
)

// Stream identifies where a record came from.
type Stream string

const (
	StreamStdout    Stream = "stdout"
	StreamStderr    Stream = "stderr"
	StreamLifecycle Stream = "lifecycle"
)

// Record is one line of service output.
type Record struct {
	Service   string    `json:"service"`
	Group     string    `json:"group"`
	Timestamp time.Time `json:"timestamp"`
	Stream    Stream    `json:"stream"`
	Payload   string    `json:"payload"`
}

// Sink receives records of one or more services. Write may be slow or fail;
// the router retries failed records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) error

func (f SinkFunc) Write(ctx context.Context, rec Record) error { return f(ctx, rec) }

// SinkUnavailableError reports a sink write failure. It is logged and
// counted by the router and never returned to producers.
type SinkUnavailableError struct {
	Service string
	Err     error
}

func (e *SinkUnavailableError) Error() string {
	return fmt.Sprintf("log sink for %s unavailable: %v", e.Service, e.Err)
}

func (e *SinkUnavailableError) Unwrap() error { return e.Err }

// Metrics is a snapshot of one service's routing counters.
type Metrics struct {
	Accepted      int64
	Delivered     int64
	Dropped       int64
	WriteFailures int64
	Buffered      int
	LastDrop      time.Time
	LastError     string
}
