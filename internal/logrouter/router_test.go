package logrouter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"

	"stackctl/internal/reporting"
)

// recordingSink stores payloads and can be paused or made to fail.
type recordingSink struct {
	mu      sync.Mutex
	got     []Record
	fail    error
	gate    chan struct{}
	written chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{written: make(chan struct{}, 1024)}
}

func (s *recordingSink) Write(ctx context.Context, rec Record) error {
	s.mu.Lock()
	gate, fail := s.gate, s.fail
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != nil {
		return fail
	}

	s.mu.Lock()
	s.got = append(s.got, rec)
	s.mu.Unlock()
	select {
	case s.written <- struct{}{}:
	default:
	}
	return nil
}

func (s *recordingSink) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *recordingSink) payloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.got))
	for _, r := range s.got {
		out = append(out, r.Payload)
	}
	return out
}

func fastOptions(size int) Options {
	return Options{
		BufferSize:   size,
		WriteTimeout: time.Second,
		RetryBackoff: wait.Backoff{Duration: time.Millisecond, Factor: 1.5, Steps: 1 << 20, Cap: 10 * time.Millisecond},
	}
}

func TestRouter_DeliversInOrder(t *testing.T) {
	r := NewRouter(fastOptions(64))
	sink := newRecordingSink()
	require.NoError(t, r.Attach("web", sink, WithGroup("shop/web")))

	for i := 0; i < 20; i++ {
		assert.True(t, r.Publish("web", StreamStdout, fmt.Sprintf("line %d", i)))
	}
	require.NoError(t, r.Detach(context.Background(), "web"))

	got := sink.payloads()
	require.Len(t, got, 20)
	for i, p := range got {
		assert.Equal(t, fmt.Sprintf("line %d", i), p)
	}
	sink.mu.Lock()
	assert.Equal(t, "shop/web", sink.got[0].Group)
	assert.Equal(t, "web", sink.got[0].Service)
	assert.Equal(t, StreamStdout, sink.got[0].Stream)
	sink.mu.Unlock()
}

func TestRouter_DropsOldestUnderBackpressure(t *testing.T) {
	r := NewRouter(fastOptions(4))
	sink := newRecordingSink()
	sink.gate = make(chan struct{})
	require.NoError(t, r.Attach("worker", sink))

	// The first record is picked up and blocks in the sink.
	r.Publish("worker", StreamStdout, "r0")
	require.Eventually(t, func() bool {
		m, _ := r.Metrics("worker")
		return m.Accepted == 1
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	for i := 1; i <= 10; i++ {
		r.Publish("worker", StreamStdout, fmt.Sprintf("r%d", i))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "producer must not block on a stuck sink")

	m, ok := r.Metrics("worker")
	require.True(t, ok)
	assert.Equal(t, int64(11), m.Accepted)
	assert.Equal(t, int64(7), m.Dropped)
	assert.Equal(t, 4, m.Buffered)

	close(sink.gate)
	require.Eventually(t, func() bool {
		m, _ := r.Metrics("worker")
		return m.Buffered == 0
	}, time.Second, time.Millisecond)
	m, _ = r.Metrics("worker")
	assert.Equal(t, int64(4), m.Delivered, "the evicted in-flight record counts as dropped only")
	assert.Equal(t, m.Accepted, m.Delivered+m.Dropped+int64(m.Buffered))
	require.NoError(t, r.Detach(context.Background(), "worker"))

	got := sink.payloads()
	// r0 was in flight when evicted; the survivors keep their order.
	assert.Equal(t, []string{"r0", "r7", "r8", "r9", "r10"}, got)
}

func TestRouter_RetriesFailingSinkWithoutReordering(t *testing.T) {
	r := NewRouter(fastOptions(16))
	sink := newRecordingSink()
	sink.setFail(errors.New("connection refused"))
	require.NoError(t, r.Attach("db", sink))

	r.Publish("db", StreamStdout, "a")
	r.Publish("db", StreamStderr, "b")

	require.Eventually(t, func() bool {
		m, _ := r.Metrics("db")
		return m.WriteFailures >= 3
	}, time.Second, time.Millisecond)

	m, _ := r.Metrics("db")
	assert.Equal(t, "connection refused", m.LastError)
	assert.Empty(t, sink.payloads())

	sink.setFail(nil)
	r.Publish("db", StreamStdout, "c")
	require.NoError(t, r.Detach(context.Background(), "db"))
	assert.Equal(t, []string{"a", "b", "c"}, sink.payloads())
}

func TestRouter_DetachTimesOutOnDeadSink(t *testing.T) {
	r := NewRouter(fastOptions(16))
	sink := newRecordingSink()
	sink.setFail(errors.New("down"))
	require.NoError(t, r.Attach("cache", sink))
	r.Publish("cache", StreamStdout, "x")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.Detach(ctx, "cache")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "1 records undelivered")

	assert.False(t, r.Publish("cache", StreamStdout, "after"), "detached service accepts nothing")
	assert.NoError(t, r.Detach(context.Background(), "cache"), "second detach is a no-op")
}

func TestRouter_AttachErrors(t *testing.T) {
	r := NewRouter(Options{})
	require.NoError(t, r.Attach("a", DiscardSink{}))
	assert.ErrorIs(t, r.Attach("a", DiscardSink{}), ErrAlreadyAttached)
	assert.Error(t, r.Attach("b", nil))

	require.NoError(t, r.Close(context.Background()))
	assert.ErrorIs(t, r.Attach("c", DiscardSink{}), ErrRouterClosed)
	assert.Empty(t, r.Services())
}

func TestRouter_ForwardsLifecycleEvents(t *testing.T) {
	r := NewRouter(fastOptions(16))
	sink := newRecordingSink()
	require.NoError(t, r.Attach("web", sink))

	bus := reporting.NewEventBus()
	bus.Subscribe(nil, r.HandleEvent)
	bus.Publish(reporting.NewEvent(reporting.EventTypeServiceRunning, "web").WithTransition("awaiting_health", "running"))
	bus.Publish(reporting.NewEvent(reporting.EventTypeServiceRunning, "other"))
	bus.Publish(reporting.NewEvent(reporting.EventTypeSystemStartup, ""))

	require.NoError(t, r.Detach(context.Background(), "web"))
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.got, 1)
	assert.Equal(t, StreamLifecycle, sink.got[0].Stream)
	assert.Equal(t, "service.running web awaiting_health -> running", sink.got[0].Payload)
}

func TestRouter_WriterSplitsLines(t *testing.T) {
	r := NewRouter(fastOptions(16))
	sink := newRecordingSink()
	require.NoError(t, r.Attach("app", sink))

	w := r.Writer("app", StreamStderr)
	_, _ = w.Write([]byte("first\nsec"))
	_, _ = w.Write([]byte("ond\r\nthi"))
	w.Flush()

	require.NoError(t, r.Detach(context.Background(), "app"))
	assert.Equal(t, []string{"first", "second", "thi"}, sink.payloads())
}

func TestRing(t *testing.T) {
	rg := newRing(2)
	assert.False(t, rg.push(Record{Payload: "a"}))
	assert.False(t, rg.push(Record{Payload: "b"}))
	assert.True(t, rg.push(Record{Payload: "c"}))

	e, ok := rg.front()
	require.True(t, ok)
	assert.Equal(t, "b", e.rec.Payload)
	assert.False(t, rg.popIf(e.seq+1))
	assert.True(t, rg.popIf(e.seq))
	assert.Equal(t, 1, rg.len())
}

func TestRenderTag(t *testing.T) {
	ctx := TagContext{Stack: "shop", Name: "worker", InstanceID: "0f8fad5b-d9cb-469f-a165-70867728950e"}

	tests := []struct {
		tmpl    string
		want    string
		wantErr bool
	}{
		{tmpl: "", want: "worker"},
		{tmpl: "{{.Stack}}/{{.Name}}", want: "shop/worker"},
		{tmpl: "{{.Name}}-{{.ShortID}}", want: "worker-0f8fad5bd9cb"},
		{tmpl: "{{.InstanceID}}", want: "0f8fad5b-d9cb-469f-a165-70867728950e"},
		{tmpl: "{{.Nope}}", wantErr: true},
		{tmpl: "{{.Name", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.tmpl, func(t *testing.T) {
			got, err := RenderTag(tt.tmpl, ctx)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
