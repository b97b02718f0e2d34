package uotel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const defaultMetricsInterval = 30 * time.Second

type otelConfig struct {
	serviceName      string
	serviceVersion   string
	initialLogFields map[string]interface{}

	// endpoint of the collector traces and logs are exported to
	endpoint    string
	tlsCert     string
	tlsCertPath string
	tlsInsecure bool

	tracingDisabled bool
	loggingDisabled bool

	// metricsFile receives one json document per export when set
	metricsFile     string
	metricsInterval time.Duration

	mtx      sync.Mutex
	resource *resource.Resource
	c        map[string]*grpc.ClientConn
	shutdown []func(context.Context) error
}

type Option func(*otelConfig)

func WithServiceName(serviceName string) Option {
	return func(c *otelConfig) {
		c.serviceName = serviceName
	}
}

func WithServiceVersion(version string) Option {
	return func(c *otelConfig) {
		c.serviceVersion = version
	}
}

// WithInitialLogFields sets the fields added to every message sent to the collector.
func WithInitialLogFields(ilf map[string]interface{}) Option {
	return func(c *otelConfig) {
		c.initialLogFields = ilf
	}
}

// WithOtelEndpoint sets the collector endpoint and the certificate it is verified with. With neither a path nor a
// certificate the system pool is used.
func WithOtelEndpoint(endpoint string, tlsCertPath string, tlsCert string) Option {
	return func(c *otelConfig) {
		c.endpoint = endpoint
		c.tlsCert = tlsCert
		c.tlsCertPath = tlsCertPath
		c.tlsInsecure = false
	}
}

func WithInsecureOtelEndpoint(endpoint string) Option {
	return func(c *otelConfig) {
		c.endpoint = endpoint
		c.tlsCert = ""
		c.tlsCertPath = ""
		c.tlsInsecure = true
	}
}

func WithTracingDisabled() Option {
	return func(c *otelConfig) {
		c.tracingDisabled = true
	}
}

func WithLoggingDisabled() Option {
	return func(c *otelConfig) {
		c.loggingDisabled = true
	}
}

// WithMetricsFile exports metrics to path every interval, and once more on shutdown. A zero interval uses the default.
func WithMetricsFile(path string, interval time.Duration) Option {
	return func(c *otelConfig) {
		c.metricsFile = path
		c.metricsInterval = interval
	}
}

func newConfig(opts ...Option) *otelConfig {
	cfg := &otelConfig{
		serviceName:     "mobilesync",
		metricsInterval: defaultMetricsInterval,
		c:               make(map[string]*grpc.ClientConn),
	}

	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.metricsInterval <= 0 {
		cfg.metricsInterval = defaultMetricsInterval
	}

	return cfg
}

func (c *otelConfig) init(ctx context.Context) (context.Context, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.metricsFile != "" {
		if err := c.initMetrics(ctx); err != nil {
			return nil, fmt.Errorf("otel: failed to initialize metrics: %w", err)
		}
	}

	if c.endpoint == "" || (c.loggingDisabled && c.tracingDisabled) {
		zap.L().Debug("otel: no endpoint provided, skipping trace and log export")
		return ctx, nil
	}
	cc, err := c.getConnection()
	if err != nil {
		return nil, fmt.Errorf("otel: failed to create gRPC connection: %w", err)
	}

	if !c.loggingDisabled {
		ctx, err = c.initLogging(ctx, cc)
		if err != nil {
			return nil, fmt.Errorf("otel: failed to initialize logging: %w", err)
		}
	}

	if !c.tracingDisabled {
		ctx, err = c.initTracing(ctx, cc)
		if err != nil {
			return nil, fmt.Errorf("otel: failed to initialize tracing: %w", err)
		}
	}
	return ctx, nil
}

// getConnection returns a gRPC connection to the collector, reusing one opened before for the same endpoint and
// credentials.
// precondition: c.mtx is locked
func (c *otelConfig) getConnection() (*grpc.ClientConn, error) {
	if c.endpoint == "" {
		return nil, fmt.Errorf("otel: endpoint is required")
	}

	if c.tlsCertPath != "" && c.tlsCert != "" {
		return nil, fmt.Errorf("otel: tlsCertPath and tlsCert are mutually exclusive, only one should be provided")
	}

	key := c.endpoint
	switch {
	case c.tlsCertPath != "":
		key = fmt.Sprintf("%s:path:%s", c.endpoint, c.tlsCertPath)
	case c.tlsCert != "":
		key = fmt.Sprintf("%s:cert:%s", c.endpoint, c.tlsCert)
	case c.tlsInsecure:
		key = fmt.Sprintf("%s:insecure", c.endpoint)
	}

	if conn, ok := c.c[key]; ok {
		return conn, nil
	}

	var conn *grpc.ClientConn
	var err error
	if c.tlsInsecure {
		conn, err = createInsecureGRPCConnection(c.endpoint)
	} else {
		conn, err = createGRPCConnection(c.endpoint, c.tlsCertPath, c.tlsCert)
	}
	if err != nil {
		return nil, err
	}

	c.c[key] = conn
	return conn, nil
}

func (c *otelConfig) getResource(ctx context.Context) (*resource.Resource, error) {
	if c.resource != nil {
		return c.resource, nil
	}

	attrs := []resource.Option{resource.WithAttributes(semconv.ServiceNameKey.String(c.serviceName))}
	if c.serviceVersion != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersionKey.String(c.serviceVersion)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("otel: failed to create otel resource: %w", err)
	}
	c.resource = res
	return res, nil
}

// initMetrics installs a global meter provider that periodically writes to the metrics file.
func (c *otelConfig) initMetrics(ctx context.Context) error {
	res, err := c.getResource(ctx)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(c.metricsFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("otel: failed to open metrics file: %w", err)
	}

	exp, err := stdoutmetric.New(stdoutmetric.WithEncoder(json.NewEncoder(f)))
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("otel: failed to create metrics exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(c.metricsInterval))),
	)
	otel.SetMeterProvider(provider)

	zap.L().Debug("OpenTelemetry metrics enabled", zap.String("path", c.metricsFile))

	c.shutdown = append(c.shutdown, provider.Shutdown, func(context.Context) error { return f.Close() })
	return nil
}

func (c *otelConfig) initTracing(ctx context.Context, cc *grpc.ClientConn) (context.Context, error) {
	res, err := c.getResource(ctx)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(cc))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	ssp := sdktrace.NewBatchSpanProcessor(traceExporter)
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(ssp),
	)
	otel.SetTracerProvider(tracerProvider)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	zap.L().Debug("OpenTelemetry tracing enabled")

	c.shutdown = append(c.shutdown, tracerProvider.Shutdown)
	return ctx, nil
}

// initLogging tees the global zap logger into an otlp log exporter sharing cc. The zap logger has to be set up with
// logging.Init before this runs.
func (c *otelConfig) initLogging(ctx context.Context, cc *grpc.ClientConn) (context.Context, error) {
	res, err := c.getResource(ctx)
	if err != nil {
		return nil, err
	}

	exp, err := otlploggrpc.New(ctx, otlploggrpc.WithGRPCConn(cc))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize otlp exporter: %w", err)
	}
	processor := log.NewBatchProcessor(exp, log.WithExportInterval(time.Second*5))
	provider := log.NewLoggerProvider(
		log.WithResource(res),
		log.WithProcessor(processor),
	)

	otelzapcore := otelzap.NewCore(c.serviceName, otelzap.WithVersion(c.serviceVersion), otelzap.WithLoggerProvider(provider))
	addOtel := zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, otelzapcore)
	})

	// the initial fields of the base logger are not reachable from here, so they are added again
	fields := make([]zap.Field, 0, len(c.initialLogFields))
	for k, v := range c.initialLogFields {
		switch v := v.(type) {
		case string:
			fields = append(fields, zap.String(k, v))
		case int:
			fields = append(fields, zap.Int(k, v))
		default:
			fields = append(fields, zap.Any(k, v))
		}
	}

	l := zap.L().WithOptions(addOtel).With(fields...)
	zap.ReplaceGlobals(l)

	l.Debug("OpenTelemetry logging enabled")

	c.shutdown = append(c.shutdown, processor.Shutdown)
	return ctxzap.ToContext(ctx, l), nil
}

// Close flushes the providers and closes every connection the config opened.
func (c *otelConfig) Close(ctx context.Context) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	var errs []error
	for _, shutdown := range c.shutdown {
		if err := shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.shutdown = nil

	for _, conn := range c.c {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.c = make(map[string]*grpc.ClientConn)

	err := errors.Join(errs...)
	if err != nil {
		return fmt.Errorf("otel: failed to close connections: %w", err)
	}
	return nil
}

// getTLSConfig builds a TLS config from a certificate file or a base64 encoded PEM certificate, or from the system
// pool when neither is given.
func getTLSConfig(tlsCertPath, tlsCert string) (*tls.Config, error) {
	if tlsCertPath != "" && tlsCert != "" {
		return nil, fmt.Errorf("tlsCertPath and tlsCert are mutually exclusive, only one should be provided")
	}

	if tlsCertPath == "" && tlsCert == "" {
		zap.L().Debug("otel: no certificate provided, using system certificate pool")
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system certificate pool: %w", err)
		}
		return &tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    systemPool,
		}, nil
	}

	var certData []byte
	var err error
	if tlsCertPath != "" {
		zap.L().Debug("otel: using certificate from file", zap.String("path", tlsCertPath))
		certData, err = os.ReadFile(tlsCertPath)
		if err != nil {
			return nil, fmt.Errorf("otel: failed to read TLS certificate file: %w", err)
		}
	} else {
		certData, err = base64.RawURLEncoding.DecodeString(tlsCert)
		if err != nil {
			return nil, fmt.Errorf("otel: failed to decode base64 TLS certificate: %w", err)
		}
	}

	certPool := x509.NewCertPool()
	if ok := certPool.AppendCertsFromPEM(certData); !ok {
		return nil, fmt.Errorf("otel: failed to parse TLS certificate")
	}

	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    certPool,
	}, nil
}

func createGRPCConnection(endpoint, tlsCertPath, tlsCert string) (*grpc.ClientConn, error) {
	zap.L().Debug("otel: using collector", zap.String("endpoint", endpoint))

	tlsConfig, err := getTLSConfig(tlsCertPath, tlsCert)
	if err != nil {
		return nil, fmt.Errorf("otel: failed to create TLS config: %w", err)
	}

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)),
	)
	if err != nil {
		return nil, fmt.Errorf("otel: failed to create gRPC connection to collector: %w", err)
	}

	return conn, nil
}

func createInsecureGRPCConnection(endpoint string) (*grpc.ClientConn, error) {
	zap.L().Warn("otel: using INSECURE connection to collector", zap.String("endpoint", endpoint))
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("otel: failed to create insecure gRPC connection to collector: %w", err)
	}

	return conn, nil
}
