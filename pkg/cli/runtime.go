package cli

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"golang.org/x/oauth2"

	"github.com/conductorone/mobilesync/pkg/logging"
	"github.com/conductorone/mobilesync/pkg/metrics"
	"github.com/conductorone/mobilesync/pkg/restapi"
	"github.com/conductorone/mobilesync/pkg/smartstore"
	"github.com/conductorone/mobilesync/pkg/uotel"
	mobilesync "github.com/conductorone/mobilesync/pkg/sync"
)

// InitLogger attaches the logger configured by cfg to ctx.
func InitLogger(ctx context.Context, cfg *Config, opts ...logging.Option) (context.Context, error) {
	base := []logging.Option{
		logging.WithLogFormat(cfg.LogFormat),
		logging.WithLogLevel(cfg.LogLevel),
		logging.WithInitialFields(map[string]any{"instance_url": cfg.InstanceURL}),
	}
	if cfg.LogFile != "" {
		base = append(base, logging.WithOutputPaths([]string{cfg.LogFile}))
	}
	opts = append(base, opts...)
	return logging.Init(ctx, opts...)
}

// InitOtel starts the exporters configured by cfg. The zap logger must be set up first, logs are teed from it.
func InitOtel(ctx context.Context, cfg *Config, version string) (context.Context, func(context.Context) error, error) {
	return uotel.InitOtel(ctx, cfg.otelOptions(version)...)
}

// Runtime opens the store, the client and the manager the first time a command asks for them.
type Runtime struct {
	cfg     *Config
	once    sync.Once
	store   *smartstore.SQLiteStore
	client  *restapi.Client
	manager *mobilesync.Manager
	err     error

	onClose []func(context.Context) error
}

func NewRuntime(cfg *Config) *Runtime {
	return &Runtime{cfg: cfg}
}

func (r *Runtime) Config() *Config {
	return r.cfg
}

func (r *Runtime) ensure(ctx context.Context) error {
	r.once.Do(func() {
		r.store, r.err = smartstore.NewSQLiteStore(ctx, r.cfg.StorePath)
		if r.err != nil {
			return
		}
		tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: r.cfg.AccessToken})
		r.client, r.err = restapi.NewClient(ctx, r.cfg.InstanceURL, tokens, r.cfg.clientOptions()...)
		if r.err != nil {
			return
		}
		handler := metrics.NewOtelHandler(ctx, otel.GetMeterProvider(), appName)
		r.manager, r.err = mobilesync.NewManager(ctx, r.store, r.client, mobilesync.WithMetrics(handler))
	})
	return r.err
}

func (r *Runtime) Manager(ctx context.Context) (*mobilesync.Manager, error) {
	if err := r.ensure(ctx); err != nil {
		return nil, err
	}
	return r.manager, nil
}

// OnClose registers fn to run after the store is closed.
func (r *Runtime) OnClose(fn func(context.Context) error) {
	r.onClose = append(r.onClose, fn)
}

// Close stops running syncs, closes the store if it was opened and runs the OnClose functions.
func (r *Runtime) Close() error {
	var errs []error
	if r.manager != nil {
		r.manager.StopAll()
	}
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	for _, fn := range r.onClose {
		errs = append(errs, fn(context.Background()))
	}
	r.onClose = nil
	return errors.Join(errs...)
}
