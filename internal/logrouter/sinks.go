package logrouter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/mattn/go-runewidth"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"stackctl/internal/color"
	"stackctl/internal/config"
)

// ConsoleSink prints records as "group | payload" with a colored,
// column-aligned prefix. It is safe to share between services.
type ConsoleSink struct {
	mu    sync.Mutex
	out   io.Writer
	width int
}

// NewConsoleSink writes to out, os.Stdout when nil.
func NewConsoleSink(out io.Writer) *ConsoleSink {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleSink{out: out}
}

// AlignTo pads prefixes to the widest of the given groups.
func (s *ConsoleSink) AlignTo(groups ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range groups {
		if w := runewidth.StringWidth(g); w > s.width {
			s.width = w
		}
	}
}

func (s *ConsoleSink) Write(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := color.ServiceStyle(rec.Service).Render(runewidth.FillRight(rec.Group, s.width))
	payload := rec.Payload
	switch rec.Stream {
	case StreamLifecycle:
		payload = color.MutedStyle.Render("» " + payload)
	case StreamStderr:
		payload = color.WarningStyle.Render(payload)
	}
	_, err := fmt.Fprintf(s.out, "%s | %s\n", prefix, payload)
	return err
}

// FileSink appends records as JSON lines through a zap core.
type FileSink struct {
	path string
	file *os.File
	core zapcore.Core
}

// NewFileSink opens (or creates) path for appending.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	encCfg.CallerKey = zapcore.OmitKey
	encCfg.StacktraceKey = zapcore.OmitKey

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), zapcore.DebugLevel)
	return &FileSink{path: path, file: f, core: core}, nil
}

// Path is the file being written.
func (s *FileSink) Path() string { return s.path }

func (s *FileSink) Write(_ context.Context, rec Record) error {
	level := zapcore.InfoLevel
	if rec.Stream == StreamStderr {
		level = zapcore.WarnLevel
	}
	entry := zapcore.Entry{Level: level, Time: rec.Timestamp, Message: rec.Payload}
	return s.core.Write(entry, []zapcore.Field{
		zap.String("service", rec.Service),
		zap.String("group", rec.Group),
		zap.String("stream", string(rec.Stream)),
	})
}

func (s *FileSink) Close() error {
	return errors.Join(s.core.Sync(), s.file.Close())
}

// RedisSink appends records to a Redis stream with XADD.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

const (
	defaultRedisStream = "stackctl:logs"
	defaultRedisMaxLen = 10000
)

// NewRedisSink builds a sink from logging driver options: addr (required),
// password, db, stream and max_len.
func NewRedisSink(opts map[string]string) (*RedisSink, error) {
	addr := opts["addr"]
	if addr == "" {
		return nil, errors.New("redis log sink needs an addr option")
	}
	db := 0
	if raw := opts["db"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("redis log sink db %q: %w", raw, err)
		}
		db = n
	}
	maxLen := int64(defaultRedisMaxLen)
	if raw := opts["max_len"]; raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("redis log sink max_len %q is not a non-negative integer", raw)
		}
		maxLen = n
	}
	stream := opts["stream"]
	if stream == "" {
		stream = defaultRedisStream
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts["password"],
		DB:       db,
	})
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}, nil
}

// Stream is the Redis stream key records are appended to.
func (s *RedisSink) Stream() string { return s.stream }

func (s *RedisSink) Write(ctx context.Context, rec Record) error {
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: s.maxLen > 0,
		Values: map[string]any{
			"service": rec.Service,
			"group":   rec.Group,
			"stream":  string(rec.Stream),
			"ts":      rec.Timestamp.UnixMilli(),
			"payload": rec.Payload,
		},
	}).Err()
}

func (s *RedisSink) Close() error { return s.client.Close() }

// DiscardSink accepts and forgets every record.
type DiscardSink struct{}

func (DiscardSink) Write(context.Context, Record) error { return nil }

// SinkFactory builds the sink a service's logging definition asks for.
// Console and Redis sinks with identical options are shared; the factory
// owns everything it opened.
type SinkFactory struct {
	Console *ConsoleSink
	// Directory holds file sinks without an explicit path, relative to
	// BaseDir when not absolute.
	Directory string
	BaseDir   string

	mu      sync.Mutex
	redis   map[string]*RedisSink
	closers []io.Closer
}

// NewSinkFactory returns a factory printing console records to out.
func NewSinkFactory(out io.Writer, directory, baseDir string) *SinkFactory {
	return &SinkFactory{
		Console:   NewConsoleSink(out),
		Directory: directory,
		BaseDir:   baseDir,
		redis:     make(map[string]*RedisSink),
	}
}

// ForService returns the sink for svc.
func (f *SinkFactory) ForService(svc config.ServiceDefinition) (Sink, error) {
	opts := svc.Logging.Options
	switch svc.Logging.Driver {
	case "", config.LogDriverConsole:
		return f.Console, nil
	case config.LogDriverDiscard:
		return DiscardSink{}, nil
	case config.LogDriverFile:
		path := opts["path"]
		if path == "" {
			path = filepath.Join(f.Directory, svc.Name+".log")
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(f.BaseDir, path)
		}
		sink, err := NewFileSink(path)
		if err != nil {
			return nil, fmt.Errorf("file sink for %s: %w", svc.Name, err)
		}
		f.track(sink)
		return sink, nil
	case config.LogDriverRedis:
		key := opts["addr"] + "|" + opts["db"] + "|" + opts["stream"]
		f.mu.Lock()
		defer f.mu.Unlock()
		if sink, ok := f.redis[key]; ok {
			return sink, nil
		}
		sink, err := NewRedisSink(opts)
		if err != nil {
			return nil, fmt.Errorf("redis sink for %s: %w", svc.Name, err)
		}
		f.redis[key] = sink
		f.closers = append(f.closers, sink)
		return sink, nil
	default:
		return nil, fmt.Errorf("unknown logging driver %q for %s", svc.Logging.Driver, svc.Name)
	}
}

func (f *SinkFactory) track(c io.Closer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closers = append(f.closers, c)
}

// Close releases every sink the factory opened.
func (f *SinkFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for _, c := range f.closers {
		errs = append(errs, c.Close())
	}
	f.closers = nil
	f.redis = make(map[string]*RedisSink)
	return errors.Join(errs...)
}
