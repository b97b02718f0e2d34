package cli

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conductorone/mobilesync/pkg/logging"
	"github.com/conductorone/mobilesync/pkg/profiling"
	"github.com/conductorone/mobilesync/pkg/restapi"
	"github.com/conductorone/mobilesync/pkg/uotel"
)

const (
	appName               = "mobilesync"
	envPrefix             = "mobilesync"
	defaultConfigFilename = "%s"
)

// Config is what every command needs to reach the org and the local store. Fields become persistent flags named
// after their mapstructure tag.
type Config struct {
	InstanceURL       string `mapstructure:"instance-url" description:"Base URL of the org."`
	AccessToken       string `mapstructure:"access-token" description:"OAuth access token sent with every call."`
	APIVersion        string `mapstructure:"api-version" description:"REST api version." defaultValue:"v59.0"`
	StorePath         string `mapstructure:"store-path" description:"Path of the local sqlite store." defaultValue:"mobilesync.db"`
	LogLevel          string `mapstructure:"log-level" description:"Log level." defaultValue:"info"`
	LogFormat         string `mapstructure:"log-format" description:"Log format, json or console." defaultValue:"json"`
	LogFile           string `mapstructure:"log-file" description:"File logs are written to instead of stderr, rotated at 10MB."`
	SyncsFile         string `mapstructure:"syncs-file" description:"Sync definitions to set up."`
	RequestsPerSecond int    `mapstructure:"requests-per-second" description:"Client side request rate limit, 0 for none."`
	Concurrency       int    `mapstructure:"concurrency" description:"How many syncs run-all runs at once." defaultValue:"4"`

	OtelConfig `mapstructure:",squash"`

	ProfileCPU bool   `mapstructure:"profile-cpu" description:"Write a CPU profile of the command."`
	ProfileMem bool   `mapstructure:"profile-mem" description:"Write a heap profile when the command ends."`
	ProfileDir string `mapstructure:"profile-dir" description:"Directory profiles are written to, the working directory by default."`
}

// ProfilingConfig returns the profiles to write for the command named command.
func (c *Config) ProfilingConfig(command string) profiling.Config {
	return profiling.Config{
		EnableCPU: c.ProfileCPU,
		EnableMem: c.ProfileMem,
		OutputDir: c.ProfileDir,
		Prefix:    command,
	}
}

// OtelConfig controls where traces, logs and metrics are exported.
type OtelConfig struct {
	OtelEndpoint        string `mapstructure:"otel-collector-endpoint" description:"OTLP collector traces and logs are sent to."`
	OtelTLSCertPath     string `mapstructure:"otel-collector-endpoint-tls-cert-path" description:"Certificate file the collector is verified with."`
	OtelTLSCert         string `mapstructure:"otel-collector-endpoint-tls-cert" description:"Base64 encoded certificate the collector is verified with."`
	OtelInsecure        bool   `mapstructure:"otel-collector-endpoint-tls-insecure" description:"Connect to the collector without TLS."`
	OtelTracingDisabled bool   `mapstructure:"otel-tracing-disabled" description:"Do not export traces."`
	OtelLoggingDisabled bool   `mapstructure:"otel-logging-disabled" description:"Do not export logs."`
	MetricsFile         string `mapstructure:"metrics-file" description:"File metrics are appended to as json."`
	MetricsInterval     int    `mapstructure:"metrics-interval" description:"Seconds between metrics exports." defaultValue:"30"`
}

func (o *OtelConfig) validate() []error {
	var errs []error
	if o.OtelTLSCertPath != "" && o.OtelTLSCert != "" {
		errs = append(errs, errors.New("otel-collector-endpoint-tls-cert-path and otel-collector-endpoint-tls-cert are mutually exclusive"))
	}
	if o.OtelInsecure && (o.OtelTLSCertPath != "" || o.OtelTLSCert != "") {
		errs = append(errs, errors.New("otel-collector-endpoint-tls-insecure cannot be combined with a certificate"))
	}
	if o.MetricsInterval < 0 {
		errs = append(errs, errors.New("metrics-interval must not be negative"))
	}
	return errs
}

func (o *OtelConfig) otelOptions(version string) []uotel.Option {
	opts := []uotel.Option{
		uotel.WithServiceName(appName),
		uotel.WithServiceVersion(version),
	}
	switch {
	case o.OtelEndpoint == "":
	case o.OtelInsecure:
		opts = append(opts, uotel.WithInsecureOtelEndpoint(o.OtelEndpoint))
	default:
		opts = append(opts, uotel.WithOtelEndpoint(o.OtelEndpoint, o.OtelTLSCertPath, o.OtelTLSCert))
	}
	if o.OtelTracingDisabled {
		opts = append(opts, uotel.WithTracingDisabled())
	}
	if o.OtelLoggingDisabled {
		opts = append(opts, uotel.WithLoggingDisabled())
	}
	if o.MetricsFile != "" {
		opts = append(opts, uotel.WithMetricsFile(o.MetricsFile, time.Duration(o.MetricsInterval)*time.Second))
	}
	return opts
}

func (c *Config) Validate() error {
	var errs []error
	if c.InstanceURL == "" {
		errs = append(errs, errors.New("instance-url is required"))
	} else if u, err := url.Parse(c.InstanceURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("instance-url %q is not an absolute url", c.InstanceURL))
	}
	if c.AccessToken == "" {
		errs = append(errs, errors.New("access-token is required"))
	}
	if c.StorePath == "" {
		errs = append(errs, errors.New("store-path is required"))
	}
	if c.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("requests-per-second must not be negative"))
	}
	if c.Concurrency < 1 {
		errs = append(errs, errors.New("concurrency must be at least 1"))
	}
	errs = append(errs, c.OtelConfig.validate()...)
	switch c.LogFormat {
	case logging.LogFormatJSON, logging.LogFormatConsole:
	default:
		errs = append(errs, fmt.Errorf("log-format %q is neither json nor console", c.LogFormat))
	}
	return errors.Join(errs...)
}

func (c *Config) clientOptions() []restapi.ClientOption {
	opts := []restapi.ClientOption{restapi.WithRequestsPerSecond(c.RequestsPerSecond)}
	if c.APIVersion != "" {
		opts = append(opts, restapi.WithAPIVersion(c.APIVersion))
	}
	return opts
}

// configToCmdFlags declares a persistent flag for every field of cfg. Squashed embedded structs are walked too.
func configToCmdFlags(cmd *cobra.Command, cfg any) error {
	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("cli: config must be a pointer to a struct, got %T", cfg)
	}
	return structToFlags(cmd, v.Elem().Type())
}

func structToFlags(cmd *cobra.Command, t reflect.Type) error {
	flags := cmd.PersistentFlags()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if strings.Contains(tag, ",squash") {
			if err := structToFlags(cmd, field.Type); err != nil {
				return err
			}
			continue
		}
		if tag == "" || tag == "-" {
			continue
		}

		envVar := strings.ToUpper(envPrefix + "_" + strings.ReplaceAll(tag, "-", "_"))
		usage := fmt.Sprintf("%s ($%s)", field.Tag.Get("description"), envVar)
		def := field.Tag.Get("defaultValue")

		switch field.Type.Kind() {
		case reflect.String:
			flags.String(tag, def, usage)
		case reflect.Bool:
			b := false
			if def != "" {
				var err error
				b, err = strconv.ParseBool(def)
				if err != nil {
					return fmt.Errorf("cli: invalid default for %s: %w", tag, err)
				}
			}
			flags.Bool(tag, b, usage)
		case reflect.Int:
			n := 0
			if def != "" {
				var err error
				n, err = strconv.Atoi(def)
				if err != nil {
					return fmt.Errorf("cli: invalid default for %s: %w", tag, err)
				}
			}
			flags.Int(tag, n, usage)
		default:
			return fmt.Errorf("cli: unsupported config field type %s for %s", field.Type, tag)
		}
	}
	return nil
}

// loadConfig sets viper up to parse the config into the provided configuration object.
func loadConfig[T any, PtrT *T](name string, cmd *cobra.Command, cfg PtrT) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName(fmt.Sprintf(defaultConfigFilename, name))
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
		return nil, err
	}
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return v, nil
}

// AddFlags declares the Config flags on the root command.
func AddFlags(cmd *cobra.Command) error {
	return configToCmdFlags(cmd, &Config{})
}

// LoadConfig reads mobilesync.yaml, MOBILESYNC_ variables and the flags of cmd, in increasing precedence.
func LoadConfig(cmd *cobra.Command) (*Config, error) {
	cfg := &Config{}
	if _, err := loadConfig(appName, cmd, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
