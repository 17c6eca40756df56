// Package config loads bridge settings from defaults, an optional YAML file,
// command-line flags and the environment, in that order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/szibis/membrane-bridge/internal/auth"
	"github.com/szibis/membrane-bridge/internal/delivery"
	"github.com/szibis/membrane-bridge/internal/logging"
	"github.com/szibis/membrane-bridge/internal/mapping"
	"github.com/szibis/membrane-bridge/internal/membrane"
	"github.com/szibis/membrane-bridge/internal/telemetry"
	tlspkg "github.com/szibis/membrane-bridge/internal/tls"
)

// version is set at build time via ldflags
var version = "dev"

// EnvAPIKey names the environment variable holding the Membrane API key.
const EnvAPIKey = "MEMBRANE_API_KEY"

// Version returns the build version.
func Version() string {
	return version
}

// Config holds the application configuration.
type Config struct {
	ConfigFile string

	// Membrane connection
	MembraneEndpoint              string
	MembraneTimeout               time.Duration
	MembraneAPIKey                string
	MembraneHeaders               string // key1=value1,key2=value2
	MembraneCompression           string
	MembraneTLSEnabled            bool
	MembraneTLSCertFile           string
	MembraneTLSKeyFile            string
	MembraneTLSCAFile             string
	MembraneTLSInsecureSkipVerify bool
	MembraneTLSServerName         string

	// Delivery
	BufferSize         int
	DefaultSensitivity string
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	MaxRetries         int
	FlushTimeout       time.Duration
	InboxSize          int

	// Event intake
	IntakeListenAddr        string
	IntakePath              string
	IntakeMaxBodySize       int64
	IntakeReadHeaderTimeout time.Duration
	IntakeWriteTimeout      time.Duration
	IntakeIdleTimeout       time.Duration
	IntakeTLSEnabled        bool
	IntakeTLSCertFile       string
	IntakeTLSKeyFile        string
	IntakeTLSCAFile         string
	IntakeTLSClientAuth     bool
	IntakeAuthEnabled       bool
	IntakeAuthBearerToken   string

	// Stats server (/metrics, /live, /ready)
	StatsAddr string

	LogLevel         string
	MemoryLimitRatio float64

	// OTLP self-monitoring
	TelemetryEndpoint         string
	TelemetryProtocol         string
	TelemetryInsecure         bool
	TelemetryTimeout          time.Duration
	TelemetryPushInterval     time.Duration
	TelemetryCompression      string
	TelemetryHeaders          map[string]string
	TelemetryShutdownTimeout  time.Duration
	TelemetryRetryEnabled     bool
	TelemetryRetryInitial     time.Duration
	TelemetryRetryMaxInterval time.Duration
	TelemetryRetryMaxElapsed  time.Duration

	ShowHelp     bool
	ShowVersion  bool
	ValidateOnly bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MembraneEndpoint:         "localhost:50051",
		MembraneTimeout:          membrane.DefaultTimeout,
		BufferSize:               delivery.MinCapacity,
		DefaultSensitivity:       mapping.SensitivityLow,
		InitialBackoff:           delivery.DefaultInitialBackoff,
		MaxBackoff:               delivery.DefaultMaxBackoff,
		MaxRetries:               delivery.DefaultMaxRetries,
		FlushTimeout:             5 * time.Second,
		InboxSize:                delivery.DefaultInboxSize,
		IntakeListenAddr:         ":8090",
		IntakePath:               "/v1/events",
		IntakeMaxBodySize:        1 << 20,
		IntakeReadHeaderTimeout:  10 * time.Second,
		IntakeWriteTimeout:       30 * time.Second,
		IntakeIdleTimeout:        time.Minute,
		StatsAddr:                ":9090",
		LogLevel:                 "info",
		MemoryLimitRatio:         0.9,
		TelemetryProtocol:        telemetry.ProtocolGRPC,
		TelemetryInsecure:        true,
		TelemetryPushInterval:    30 * time.Second,
		TelemetryShutdownTimeout: 5 * time.Second,
		TelemetryRetryEnabled:    true,
	}
}

// ErrHelp is returned by Load when -help was requested.
var ErrHelp = flag.ErrHelp

// Load builds the configuration from args and the environment. Flags that
// were set explicitly override values from the YAML file named by -config.
func Load(args []string, getenv func(string) string, output io.Writer) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if output == nil {
		output = io.Discard
	}

	flagCfg := DefaultConfig()
	fs := newFlagSet(flagCfg, output)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// -validate reports file problems itself.
	if flagCfg.ValidateOnly {
		return flagCfg, nil
	}

	cfg := flagCfg
	if flagCfg.ConfigFile != "" {
		yamlCfg, err := LoadYAML(flagCfg.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", flagCfg.ConfigFile, err)
		}
		cfg = yamlCfg.ToConfig()
		cfg.ConfigFile = flagCfg.ConfigFile
		applyFlagOverrides(fs, cfg, flagCfg)
	}

	if key := getenv(EnvAPIKey); key != "" {
		cfg.MembraneAPIKey = key
	}
	return cfg, nil
}

// ParseFlags loads the configuration from os.Args, exiting on error.
func ParseFlags() *Config {
	cfg, err := Load(os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	return cfg
}

func newFlagSet(cfg *Config, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("membrane-bridge", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&cfg.ConfigFile, "config", "", "Path to YAML configuration file")

	// Membrane flags
	fs.StringVar(&cfg.MembraneEndpoint, "membrane-endpoint", cfg.MembraneEndpoint, "Membrane gRPC endpoint (host:port)")
	fs.DurationVar(&cfg.MembraneTimeout, "membrane-timeout", cfg.MembraneTimeout, "Timeout for a single Membrane call")
	fs.StringVar(&cfg.MembraneHeaders, "membrane-headers", "", "Extra gRPC metadata (format: key1=value1,key2=value2)")
	fs.StringVar(&cfg.MembraneCompression, "membrane-compression", "", "gRPC request compression: none, gzip, zstd")
	fs.BoolVar(&cfg.MembraneTLSEnabled, "membrane-tls-enabled", false, "Use TLS for the Membrane connection")
	fs.StringVar(&cfg.MembraneTLSCertFile, "membrane-tls-cert", "", "Client certificate file (mTLS)")
	fs.StringVar(&cfg.MembraneTLSKeyFile, "membrane-tls-key", "", "Client private key file (mTLS)")
	fs.StringVar(&cfg.MembraneTLSCAFile, "membrane-tls-ca", "", "CA certificate for server verification")
	fs.BoolVar(&cfg.MembraneTLSInsecureSkipVerify, "membrane-tls-skip-verify", false, "Skip TLS certificate verification")
	fs.StringVar(&cfg.MembraneTLSServerName, "membrane-tls-server-name", "", "Override server name for TLS verification")

	// Delivery flags
	fs.IntVar(&cfg.BufferSize, "buffer-size", cfg.BufferSize, "Delivery queue capacity (minimum 1000)")
	fs.StringVar(&cfg.DefaultSensitivity, "default-sensitivity", cfg.DefaultSensitivity, "Sensitivity for events without one: public, low, medium, high, hyper")
	fs.DurationVar(&cfg.InitialBackoff, "initial-backoff", cfg.InitialBackoff, "Backoff base after a failed delivery")
	fs.DurationVar(&cfg.MaxBackoff, "max-backoff", cfg.MaxBackoff, "Maximum backoff delay")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Retries before an item is dropped")
	fs.DurationVar(&cfg.FlushTimeout, "flush-timeout", cfg.FlushTimeout, "Deadline for the shutdown flush")

	// Intake flags
	fs.StringVar(&cfg.IntakeListenAddr, "intake-listen", cfg.IntakeListenAddr, "Event intake listen address")
	fs.StringVar(&cfg.IntakePath, "intake-path", cfg.IntakePath, "Event intake path")
	fs.Int64Var(&cfg.IntakeMaxBodySize, "intake-max-body-size", cfg.IntakeMaxBodySize, "Maximum event body size in bytes")
	fs.BoolVar(&cfg.IntakeTLSEnabled, "intake-tls-enabled", false, "Enable TLS for the intake")
	fs.StringVar(&cfg.IntakeTLSCertFile, "intake-tls-cert", "", "Intake certificate file")
	fs.StringVar(&cfg.IntakeTLSKeyFile, "intake-tls-key", "", "Intake private key file")
	fs.StringVar(&cfg.IntakeTLSCAFile, "intake-tls-ca", "", "CA certificate for client verification (mTLS)")
	fs.BoolVar(&cfg.IntakeTLSClientAuth, "intake-tls-client-auth", false, "Require client certificates (mTLS)")
	fs.BoolVar(&cfg.IntakeAuthEnabled, "intake-auth-enabled", false, "Require a bearer token on the intake")
	fs.StringVar(&cfg.IntakeAuthBearerToken, "intake-auth-bearer-token", "", "Bearer token accepted by the intake")

	fs.StringVar(&cfg.StatsAddr, "stats-addr", cfg.StatsAddr, "Metrics and health endpoint address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.Float64Var(&cfg.MemoryLimitRatio, "memory-limit-ratio", cfg.MemoryLimitRatio, "Ratio of container memory used for GOMEMLIMIT (0 disables)")

	// Telemetry flags
	fs.StringVar(&cfg.TelemetryEndpoint, "telemetry-endpoint", "", "OTLP endpoint for self-monitoring (empty disables)")
	fs.StringVar(&cfg.TelemetryProtocol, "telemetry-protocol", cfg.TelemetryProtocol, "OTLP protocol: grpc or http")
	fs.BoolVar(&cfg.TelemetryInsecure, "telemetry-insecure", cfg.TelemetryInsecure, "Use an insecure OTLP connection")
	fs.DurationVar(&cfg.TelemetryPushInterval, "telemetry-push-interval", cfg.TelemetryPushInterval, "Metric push interval")

	fs.BoolVar(&cfg.ValidateOnly, "validate", false, "Validate the -config file, print a JSON report and exit")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help message")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version (shorthand)")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `membrane-bridge - forwards agent events to Membrane

USAGE:
    membrane-bridge [OPTIONS]

Events posted to the intake are mapped to Membrane ingest calls and
delivered in order with retries. CLI flags override config file values.

OPTIONS:
`)
		fs.PrintDefaults()
	}
	return fs
}

// applyFlagOverrides copies values of explicitly set flags from src to dst.
func applyFlagOverrides(fs *flag.FlagSet, dst, src *Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "membrane-endpoint":
			dst.MembraneEndpoint = src.MembraneEndpoint
		case "membrane-timeout":
			dst.MembraneTimeout = src.MembraneTimeout
		case "membrane-headers":
			dst.MembraneHeaders = src.MembraneHeaders
		case "membrane-compression":
			dst.MembraneCompression = src.MembraneCompression
		case "membrane-tls-enabled":
			dst.MembraneTLSEnabled = src.MembraneTLSEnabled
		case "membrane-tls-cert":
			dst.MembraneTLSCertFile = src.MembraneTLSCertFile
		case "membrane-tls-key":
			dst.MembraneTLSKeyFile = src.MembraneTLSKeyFile
		case "membrane-tls-ca":
			dst.MembraneTLSCAFile = src.MembraneTLSCAFile
		case "membrane-tls-skip-verify":
			dst.MembraneTLSInsecureSkipVerify = src.MembraneTLSInsecureSkipVerify
		case "membrane-tls-server-name":
			dst.MembraneTLSServerName = src.MembraneTLSServerName
		case "buffer-size":
			dst.BufferSize = src.BufferSize
		case "default-sensitivity":
			dst.DefaultSensitivity = src.DefaultSensitivity
		case "initial-backoff":
			dst.InitialBackoff = src.InitialBackoff
		case "max-backoff":
			dst.MaxBackoff = src.MaxBackoff
		case "max-retries":
			dst.MaxRetries = src.MaxRetries
		case "flush-timeout":
			dst.FlushTimeout = src.FlushTimeout
		case "intake-listen":
			dst.IntakeListenAddr = src.IntakeListenAddr
		case "intake-path":
			dst.IntakePath = src.IntakePath
		case "intake-max-body-size":
			dst.IntakeMaxBodySize = src.IntakeMaxBodySize
		case "intake-tls-enabled":
			dst.IntakeTLSEnabled = src.IntakeTLSEnabled
		case "intake-tls-cert":
			dst.IntakeTLSCertFile = src.IntakeTLSCertFile
		case "intake-tls-key":
			dst.IntakeTLSKeyFile = src.IntakeTLSKeyFile
		case "intake-tls-ca":
			dst.IntakeTLSCAFile = src.IntakeTLSCAFile
		case "intake-tls-client-auth":
			dst.IntakeTLSClientAuth = src.IntakeTLSClientAuth
		case "intake-auth-enabled":
			dst.IntakeAuthEnabled = src.IntakeAuthEnabled
		case "intake-auth-bearer-token":
			dst.IntakeAuthBearerToken = src.IntakeAuthBearerToken
		case "stats-addr":
			dst.StatsAddr = src.StatsAddr
		case "log-level":
			dst.LogLevel = src.LogLevel
		case "memory-limit-ratio":
			dst.MemoryLimitRatio = src.MemoryLimitRatio
		case "telemetry-endpoint":
			dst.TelemetryEndpoint = src.TelemetryEndpoint
		case "telemetry-protocol":
			dst.TelemetryProtocol = src.TelemetryProtocol
		case "telemetry-insecure":
			dst.TelemetryInsecure = src.TelemetryInsecure
		case "telemetry-push-interval":
			dst.TelemetryPushInterval = src.TelemetryPushInterval
		case "validate":
			dst.ValidateOnly = src.ValidateOnly
		case "help":
			dst.ShowHelp = src.ShowHelp
		case "version", "v":
			dst.ShowVersion = src.ShowVersion
		}
	})
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []string

	if c.MembraneEndpoint == "" {
		errs = append(errs, "membrane-endpoint must not be empty")
	}
	if c.MembraneTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("membrane-timeout must be positive, got %s", c.MembraneTimeout))
	}
	switch c.MembraneCompression {
	case "", "none", "gzip", "zstd":
	default:
		errs = append(errs, fmt.Sprintf("membrane-compression must be none, gzip or zstd, got %q", c.MembraneCompression))
	}
	if c.BufferSize < 1 {
		errs = append(errs, fmt.Sprintf("buffer-size must be at least 1, got %d", c.BufferSize))
	}
	if !mapping.ValidSensitivity(c.DefaultSensitivity) {
		errs = append(errs, fmt.Sprintf("default-sensitivity must be one of public, low, medium, high, hyper, got %q", c.DefaultSensitivity))
	}
	if c.InitialBackoff <= 0 {
		errs = append(errs, fmt.Sprintf("initial-backoff must be positive, got %s", c.InitialBackoff))
	}
	if c.MaxBackoff < c.InitialBackoff {
		errs = append(errs, fmt.Sprintf("max-backoff must be at least initial-backoff (%s), got %s", c.InitialBackoff, c.MaxBackoff))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("max-retries must not be negative, got %d", c.MaxRetries))
	}
	if c.FlushTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("flush-timeout must be positive, got %s", c.FlushTimeout))
	}
	if c.IntakeListenAddr == "" {
		errs = append(errs, "intake-listen must not be empty")
	}
	if !strings.HasPrefix(c.IntakePath, "/") {
		errs = append(errs, fmt.Sprintf("intake-path must start with /, got %q", c.IntakePath))
	}
	if c.IntakeMaxBodySize <= 0 {
		errs = append(errs, fmt.Sprintf("intake-max-body-size must be positive, got %d", c.IntakeMaxBodySize))
	}
	if c.IntakeTLSEnabled && (c.IntakeTLSCertFile == "" || c.IntakeTLSKeyFile == "") {
		errs = append(errs, "intake-tls-cert is required when intake TLS is enabled, together with intake-tls-key")
	}
	if c.IntakeTLSClientAuth && c.IntakeTLSCAFile == "" {
		errs = append(errs, "intake-tls-ca is required when client auth is enabled")
	}
	if c.IntakeAuthEnabled && c.IntakeAuthBearerToken == "" {
		errs = append(errs, "intake-auth-bearer-token is required when intake auth is enabled")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Sprintf("log-level is invalid: %v", err))
	}
	if c.MemoryLimitRatio < 0 || c.MemoryLimitRatio > 1 {
		errs = append(errs, fmt.Sprintf("memory-limit-ratio must be between 0.0 and 1.0, got %g", c.MemoryLimitRatio))
	}
	if c.TelemetryEndpoint != "" && c.TelemetryProtocol != telemetry.ProtocolGRPC && c.TelemetryProtocol != telemetry.ProtocolHTTP {
		errs = append(errs, fmt.Sprintf("telemetry-protocol must be grpc or http, got %q", c.TelemetryProtocol))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// MembraneConfig returns the Membrane client configuration.
func (c *Config) MembraneConfig() membrane.Config {
	return membrane.Config{
		Endpoint:    c.MembraneEndpoint,
		Timeout:     c.MembraneTimeout,
		Compression: c.MembraneCompression,
		TLS: tlspkg.ClientConfig{
			Enabled:            c.MembraneTLSEnabled,
			CertFile:           c.MembraneTLSCertFile,
			KeyFile:            c.MembraneTLSKeyFile,
			CAFile:             c.MembraneTLSCAFile,
			InsecureSkipVerify: c.MembraneTLSInsecureSkipVerify,
			ServerName:         c.MembraneTLSServerName,
		},
		Auth: auth.ClientConfig{
			APIKey:  c.MembraneAPIKey,
			Headers: ParseHeaders(c.MembraneHeaders),
		},
	}
}

// IntakeTLSConfig returns the intake listener TLS configuration.
func (c *Config) IntakeTLSConfig() tlspkg.ServerConfig {
	return tlspkg.ServerConfig{
		Enabled:    c.IntakeTLSEnabled,
		CertFile:   c.IntakeTLSCertFile,
		KeyFile:    c.IntakeTLSKeyFile,
		CAFile:     c.IntakeTLSCAFile,
		ClientAuth: c.IntakeTLSClientAuth,
	}
}

// IntakeAuthConfig returns the intake authentication configuration.
func (c *Config) IntakeAuthConfig() auth.ServerConfig {
	return auth.ServerConfig{
		Enabled:     c.IntakeAuthEnabled,
		BearerToken: c.IntakeAuthBearerToken,
	}
}

// DeliveryOptions returns the Delivery Manager options for c.
func (c *Config) DeliveryOptions() []delivery.Option {
	return []delivery.Option{
		delivery.WithCapacity(c.BufferSize),
		delivery.WithInitialBackoff(c.InitialBackoff),
		delivery.WithMaxBackoff(c.MaxBackoff),
		delivery.WithMaxRetries(c.MaxRetries),
		delivery.WithInboxSize(c.InboxSize),
	}
}

// TelemetryConfig returns the OTLP self-monitoring configuration.
func (c *Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Endpoint:        c.TelemetryEndpoint,
		Protocol:        c.TelemetryProtocol,
		Insecure:        c.TelemetryInsecure,
		Timeout:         c.TelemetryTimeout,
		PushInterval:    c.TelemetryPushInterval,
		Compression:     c.TelemetryCompression,
		Headers:         c.TelemetryHeaders,
		ShutdownTimeout: c.TelemetryShutdownTimeout,
		Retry: telemetry.Retry{
			Enabled:     c.TelemetryRetryEnabled,
			Initial:     c.TelemetryRetryInitial,
			MaxInterval: c.TelemetryRetryMaxInterval,
			MaxElapsed:  c.TelemetryRetryMaxElapsed,
		},
		Resource: map[string]string{
			"membrane.endpoint": c.MembraneEndpoint,
			"intake.address":    c.IntakeListenAddr,
		},
	}
}

// ParseHeaders parses "key1=value1,key2=value2" into a map. Malformed pairs
// are skipped.
func ParseHeaders(s string) map[string]string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		headers[k] = strings.TrimSpace(v)
	}
	return headers
}

// PrintUsage writes the flag help to stdout.
func PrintUsage() {
	fs := newFlagSet(DefaultConfig(), os.Stdout)
	fs.Usage()
}

// PrintVersion writes the version to stdout.
func PrintVersion() {
	fmt.Printf("membrane-bridge version %s\n", version)
}
