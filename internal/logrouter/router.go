package logrouter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"stackctl/internal/reporting"
	"stackctl/pkg/logging"
)

var (
	ErrAlreadyAttached = errors.New("service already attached")
	ErrRouterClosed    = errors.New("log router closed")
)

// Options tune every pipe of a router.
type Options struct {
	// BufferSize is the per-service record capacity.
	BufferSize int
	// WriteTimeout bounds a single sink write.
	WriteTimeout time.Duration
	// RetryBackoff paces retries of a failing record.
	RetryBackoff wait.Backoff
}

// DefaultOptions returns the router defaults.
func DefaultOptions() Options {
	return Options{
		BufferSize:   1024,
		WriteTimeout: 2 * time.Second,
		RetryBackoff: wait.Backoff{
			Duration: 50 * time.Millisecond,
			Factor:   2,
			Jitter:   0.1,
			Steps:    1 << 30,
			Cap:      2 * time.Second,
		},
	}
}

// Router owns one delivery pipe per attached service.
type Router struct {
	opts Options

	mu     sync.Mutex
	pipes  map[string]*pipe
	closed bool
}

// NewRouter creates a router. Zero option fields take their defaults.
func NewRouter(opts Options) *Router {
	def := DefaultOptions()
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.RetryBackoff.Duration <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	return &Router{opts: opts, pipes: make(map[string]*pipe)}
}

// AttachOption customizes a single attachment.
type AttachOption func(*attachConfig)

type attachConfig struct {
	group      string
	bufferSize int
}

// WithGroup sets the group identifier stamped on every record.
func WithGroup(group string) AttachOption {
	return func(c *attachConfig) { c.group = group }
}

// WithBufferSize overrides the router's buffer size for this service.
func WithBufferSize(n int) AttachOption {
	return func(c *attachConfig) {
		if n > 0 {
			c.bufferSize = n
		}
	}
}

// Attach starts routing records of service to sink.
func (r *Router) Attach(service string, sink Sink, opts ...AttachOption) error {
	if sink == nil {
		return fmt.Errorf("attach %s: nil sink", service)
	}
	cfg := attachConfig{group: service, bufferSize: r.opts.BufferSize}
	for _, o := range opts {
		o(&cfg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRouterClosed
	}
	if _, ok := r.pipes[service]; ok {
		return fmt.Errorf("attach %s: %w", service, ErrAlreadyAttached)
	}

	p := newPipe(service, cfg.group, sink, cfg.bufferSize, r.opts)
	r.pipes[service] = p
	go p.run()
	logging.Debug("LogRouter", "attached %s (group %q, buffer %d)", service, cfg.group, cfg.bufferSize)
	return nil
}

// Detach stops accepting records for service and drains what is buffered.
// If ctx ends first, the remaining records are discarded and an error
// naming how many were lost is returned.
func (r *Router) Detach(ctx context.Context, service string) error {
	r.mu.Lock()
	p, ok := r.pipes[service]
	if ok {
		delete(r.pipes, service)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return p.close(ctx)
}

// Publish enqueues one record. It never blocks and reports false when
// the service is not attached.
func (r *Router) Publish(service string, stream Stream, payload string) bool {
	r.mu.Lock()
	p, ok := r.pipes[service]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return p.enqueue(stream, payload, time.Now())
}

// Writer returns a line-splitting writer that publishes to service.
func (r *Router) Writer(service string, stream Stream) *LineWriter {
	return NewLineWriter(func(line string) {
		r.Publish(service, stream, line)
	})
}

// HandleEvent forwards a lifecycle event to the sink of its service. It is
// meant to be registered as a reporting.EventHandler.
func (r *Router) HandleEvent(event reporting.Event) {
	if event.Service == "" {
		return
	}
	r.Publish(event.Service, StreamLifecycle, event.String())
}

// Metrics returns the counters of an attached service.
func (r *Router) Metrics(service string) (Metrics, bool) {
	r.mu.Lock()
	p, ok := r.pipes[service]
	r.mu.Unlock()
	if !ok {
		return Metrics{}, false
	}
	return p.snapshot(), true
}

// Services lists the attached services in name order.
func (r *Router) Services() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.pipes))
	for name := range r.pipes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close detaches every service concurrently and refuses new attachments.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	pipes := r.pipes
	r.pipes = make(map[string]*pipe)
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, p := range pipes {
		wg.Add(1)
		go func(p *pipe) {
			defer wg.Done()
			if err := p.close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// pipe is the buffer and delivery goroutine of one service.
type pipe struct {
	service string
	group   string
	sink    Sink
	opts    Options

	mu      sync.Mutex
	buf     *ring
	metrics Metrics
	closing bool

	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newPipe(service, group string, sink Sink, size int, opts Options) *pipe {
	ctx, cancel := context.WithCancel(context.Background())
	return &pipe{
		service: service,
		group:   group,
		sink:    sink,
		opts:    opts,
		buf:     newRing(size),
		notify:  make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (p *pipe) enqueue(stream Stream, payload string, ts time.Time) bool {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return false
	}
	rec := Record{
		Service:   p.service,
		Group:     p.group,
		Timestamp: ts,
		Stream:    stream,
		Payload:   payload,
	}
	p.metrics.Accepted++
	if p.buf.push(rec) {
		p.metrics.Dropped++
		p.metrics.LastDrop = ts
	}
	p.mu.Unlock()

	p.wake()
	return true
}

func (p *pipe) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *pipe) run() {
	defer close(p.done)

	backoff := p.opts.RetryBackoff
	failing := false

	for {
		p.mu.Lock()
		e, ok := p.buf.front()
		closing := p.closing
		p.mu.Unlock()

		if !ok {
			if closing {
				return
			}
			select {
			case <-p.notify:
				continue
			case <-p.ctx.Done():
				return
			}
		}

		wctx, cancel := context.WithTimeout(p.ctx, p.opts.WriteTimeout)
		err := p.sink.Write(wctx, e.rec)
		cancel()

		if err == nil {
			p.mu.Lock()
			// The record may have been evicted while the write was in
			// flight; it is then already counted as dropped.
			if p.buf.popIf(e.seq) {
				p.metrics.Delivered++
			}
			p.mu.Unlock()
			if failing {
				logging.Info("LogRouter", "log sink for %s recovered", p.service)
				failing = false
				backoff = p.opts.RetryBackoff
			}
			continue
		}

		p.mu.Lock()
		p.metrics.WriteFailures++
		p.metrics.LastError = err.Error()
		p.mu.Unlock()
		if !failing {
			logging.Warn("LogRouter", "%v", &SinkUnavailableError{Service: p.service, Err: err})
			failing = true
		}

		select {
		case <-time.After(backoff.Step()):
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *pipe) close(ctx context.Context) error {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()
	p.wake()

	select {
	case <-p.done:
		p.cancel()
		return nil
	case <-ctx.Done():
	}

	p.cancel()
	<-p.done
	p.mu.Lock()
	lost := p.buf.len()
	p.mu.Unlock()
	if lost == 0 {
		return nil
	}
	return fmt.Errorf("detach %s: %d records undelivered: %w", p.service, lost, ctx.Err())
}

func (p *pipe) snapshot() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.metrics
	m.Buffered = p.buf.len()
	return m
}
