package logging

import (
	"context"
	"io"
	"net/url"
	"os"
	"sync"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

type Option func(*zap.Config)

func WithLogLevel(level string) Option {
	return func(c *zap.Config) {
		ll := zapcore.InfoLevel
		_ = ll.Set(level)
		c.Level.SetLevel(ll)
	}
}

func WithLogFormat(format string) Option {
	return func(c *zap.Config) {
		switch format {
		case LogFormatConsole:
			c.Encoding = LogFormatConsole
		default:
			c.Encoding = LogFormatJSON
		}
	}
}

// WithInitialFields attaches fields to every entry written by the logger, e.g. the account a sync manager serves.
func WithInitialFields(fields map[string]any) Option {
	return func(c *zap.Config) {
		if c.InitialFields == nil {
			c.InitialFields = make(map[string]any, len(fields))
		}
		for k, v := range fields {
			c.InitialFields[k] = v
		}
	}
}

const rotateScheme = "rotate"

// WithOutputPaths routes log output. stdout and stderr are passed through, anything else is treated as a file path
// that is rotated once it grows past 10MB.
func WithOutputPaths(paths []string) Option {
	return func(c *zap.Config) {
		p := make([]string, 0, len(paths))
		for _, path := range paths {
			switch path {
			case "stdout", "stderr":
				p = append(p, path)
			default:
				u := &url.URL{Scheme: rotateScheme, Path: path}
				p = append(p, u.String())
			}
		}
		c.OutputPaths = p
	}
}

type rotatingSink struct {
	*lumberjack.Logger
}

func (r *rotatingSink) Sync() error {
	return nil
}

type pathRegistry struct {
	sync.Map
}

func (p *pathRegistry) Register(path string) (zap.Sink, error) {
	if sink, ok := p.Load(path); ok {
		return sink.(zap.Sink), nil
	}

	sink := &rotatingSink{Logger: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 10,
	}}
	actual, _ := p.LoadOrStore(path, sink)
	return actual.(zap.Sink), nil
}

var pr = &pathRegistry{}

func WriterForPath(path string) (io.Writer, error) {
	switch path {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		return pr.Register(path)
	}
}

func init() {
	err := zap.RegisterSink(rotateScheme, func(u *url.URL) (zap.Sink, error) {
		return pr.Register(u.Path)
	})
	if err != nil {
		panic(err)
	}
}

// Init creates a new zap logger and attaches it to the provided context.
func Init(ctx context.Context, opts ...Option) (context.Context, error) {
	zc := zap.NewProductionConfig()
	zc.Sampling = nil
	zc.DisableStacktrace = true
	zc.OutputPaths = []string{"stderr"}

	for _, opt := range opts {
		opt(&zc)
	}

	l, err := zc.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(l)

	l.Debug("Logger created!", zap.String("log_level", zc.Level.String()))

	return ctxzap.ToContext(ctx, l), nil
}
