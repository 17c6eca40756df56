package config

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// YAMLConfig is the on-disk configuration layout.
type YAMLConfig struct {
	Membrane  MembraneYAMLConfig  `yaml:"membrane"`
	Delivery  DeliveryYAMLConfig  `yaml:"delivery"`
	Intake    IntakeYAMLConfig    `yaml:"intake"`
	Stats     StatsYAMLConfig     `yaml:"stats"`
	Log       LogYAMLConfig       `yaml:"log"`
	Memory    MemoryYAMLConfig    `yaml:"memory"`
	Telemetry TelemetryYAMLConfig `yaml:"telemetry"`
}

// MembraneYAMLConfig configures the Membrane connection.
type MembraneYAMLConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Timeout     Duration          `yaml:"timeout"`
	APIKey      string            `yaml:"api_key"`
	Headers     map[string]string `yaml:"headers"`
	Compression string            `yaml:"compression"`
	TLS         ClientTLSYAML     `yaml:"tls"`
}

// ClientTLSYAML holds client-side TLS settings.
type ClientTLSYAML struct {
	Enabled            bool   `yaml:"enabled"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	ServerName         string `yaml:"server_name"`
}

// DeliveryYAMLConfig configures queueing and retries.
type DeliveryYAMLConfig struct {
	BufferSize         int      `yaml:"buffer_size"`
	DefaultSensitivity string   `yaml:"default_sensitivity"`
	InitialBackoff     Duration `yaml:"initial_backoff"`
	MaxBackoff         Duration `yaml:"max_backoff"`
	MaxRetries         *int     `yaml:"max_retries"`
	FlushTimeout       Duration `yaml:"flush_timeout"`
	InboxSize          int      `yaml:"inbox_size"`
}

// IntakeYAMLConfig configures the event intake server.
type IntakeYAMLConfig struct {
	Address     string           `yaml:"address"`
	Path        string           `yaml:"path"`
	MaxBodySize ByteSize         `yaml:"max_body_size"`
	Server      ServerYAMLConfig `yaml:"server"`
	TLS         ServerTLSYAML    `yaml:"tls"`
	Auth        AuthYAMLConfig   `yaml:"auth"`
}

// ServerYAMLConfig holds HTTP server timeouts.
type ServerYAMLConfig struct {
	ReadHeaderTimeout Duration `yaml:"read_header_timeout"`
	WriteTimeout      Duration `yaml:"write_timeout"`
	IdleTimeout       Duration `yaml:"idle_timeout"`
}

// ServerTLSYAML holds server-side TLS settings.
type ServerTLSYAML struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	ClientAuth bool   `yaml:"client_auth"`
}

// AuthYAMLConfig holds intake authentication settings.
type AuthYAMLConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BearerToken string `yaml:"bearer_token"`
}

// StatsYAMLConfig configures the metrics and health endpoint.
type StatsYAMLConfig struct {
	Address string `yaml:"address"`
}

// LogYAMLConfig configures logging.
type LogYAMLConfig struct {
	Level string `yaml:"level"`
}

// MemoryYAMLConfig configures the Go memory limit.
type MemoryYAMLConfig struct {
	LimitRatio *float64 `yaml:"limit_ratio"`
}

// TelemetryYAMLConfig configures OTLP self-monitoring export.
type TelemetryYAMLConfig struct {
	Endpoint        string            `yaml:"endpoint"`
	Protocol        string            `yaml:"protocol"`
	Insecure        *bool             `yaml:"insecure"`
	Timeout         Duration          `yaml:"timeout"`
	PushInterval    Duration          `yaml:"push_interval"`
	Compression     string            `yaml:"compression"`
	Headers         map[string]string `yaml:"headers"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"`
	Retry           RetryYAMLConfig   `yaml:"retry"`
}

// RetryYAMLConfig configures OTLP exporter retries.
type RetryYAMLConfig struct {
	Enabled     *bool    `yaml:"enabled"`
	Initial     Duration `yaml:"initial"`
	MaxInterval Duration `yaml:"max_interval"`
	MaxElapsed  Duration `yaml:"max_elapsed"`
}

// Duration is a wrapper for time.Duration that supports YAML unmarshaling
// from strings like "5s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize accepts a raw byte count or a value suffixed with Ki, Mi, Gi or Ti.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for ByteSize.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return FormatByteSize(int64(b)), nil
}

var byteSuffixes = []struct {
	name string
	mult int64
}{
	{"Ti", 1 << 40},
	{"Gi", 1 << 30},
	{"Mi", 1 << 20},
	{"Ki", 1 << 10},
}

// ParseByteSize parses sizes like "512Ki" or "1.5Mi". A bare integer is a
// byte count.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	for _, sf := range byteSuffixes {
		if numStr, ok := strings.CutSuffix(s, sf.name); ok {
			var f float64
			if _, err := fmt.Sscanf(strings.TrimSpace(numStr), "%f", &f); err != nil {
				return 0, fmt.Errorf("invalid byte size: %q", s)
			}
			return int64(f * float64(sf.mult)), nil
		}
	}
	var n int64
	var trail string
	if _, err := fmt.Sscanf(s, "%d%s", &n, &trail); err == nil && trail != "" {
		return 0, fmt.Errorf("invalid byte size: %q (use Ki, Mi, Gi, or Ti suffixes)", s)
	}
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	return n, nil
}

// FormatByteSize formats b with the largest binary suffix that divides it.
func FormatByteSize(b int64) string {
	for _, sf := range byteSuffixes {
		if b >= sf.mult && b%sf.mult == 0 {
			return fmt.Sprintf("%d%s", b/sf.mult, sf.name)
		}
	}
	return fmt.Sprintf("%d", b)
}

// LoadYAML reads and parses the configuration file at path.
func LoadYAML(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseYAML(data)
}

// ParseYAML parses YAML configuration and fills in defaults.
func ParseYAML(data []byte) (*YAMLConfig, error) {
	cfg := &YAMLConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults sets default values for unspecified fields.
func (y *YAMLConfig) ApplyDefaults() {
	d := DefaultConfig()

	if y.Membrane.Endpoint == "" {
		y.Membrane.Endpoint = d.MembraneEndpoint
	}
	if y.Membrane.Timeout == 0 {
		y.Membrane.Timeout = Duration(d.MembraneTimeout)
	}

	if y.Delivery.BufferSize == 0 {
		y.Delivery.BufferSize = d.BufferSize
	}
	if y.Delivery.DefaultSensitivity == "" {
		y.Delivery.DefaultSensitivity = d.DefaultSensitivity
	}
	if y.Delivery.InitialBackoff == 0 {
		y.Delivery.InitialBackoff = Duration(d.InitialBackoff)
	}
	if y.Delivery.MaxBackoff == 0 {
		y.Delivery.MaxBackoff = Duration(d.MaxBackoff)
	}
	if y.Delivery.MaxRetries == nil {
		v := d.MaxRetries
		y.Delivery.MaxRetries = &v
	}
	if y.Delivery.FlushTimeout == 0 {
		y.Delivery.FlushTimeout = Duration(d.FlushTimeout)
	}
	if y.Delivery.InboxSize == 0 {
		y.Delivery.InboxSize = d.InboxSize
	}

	if y.Intake.Address == "" {
		y.Intake.Address = d.IntakeListenAddr
	}
	if y.Intake.Path == "" {
		y.Intake.Path = d.IntakePath
	}
	if y.Intake.MaxBodySize == 0 {
		y.Intake.MaxBodySize = ByteSize(d.IntakeMaxBodySize)
	}
	if y.Intake.Server.ReadHeaderTimeout == 0 {
		y.Intake.Server.ReadHeaderTimeout = Duration(d.IntakeReadHeaderTimeout)
	}
	if y.Intake.Server.WriteTimeout == 0 {
		y.Intake.Server.WriteTimeout = Duration(d.IntakeWriteTimeout)
	}
	if y.Intake.Server.IdleTimeout == 0 {
		y.Intake.Server.IdleTimeout = Duration(d.IntakeIdleTimeout)
	}

	if y.Stats.Address == "" {
		y.Stats.Address = d.StatsAddr
	}
	if y.Log.Level == "" {
		y.Log.Level = d.LogLevel
	}
	if y.Memory.LimitRatio == nil {
		v := d.MemoryLimitRatio
		y.Memory.LimitRatio = &v
	}

	if y.Telemetry.Protocol == "" {
		y.Telemetry.Protocol = d.TelemetryProtocol
	}
	if y.Telemetry.Insecure == nil {
		v := d.TelemetryInsecure
		y.Telemetry.Insecure = &v
	}
	if y.Telemetry.PushInterval == 0 {
		y.Telemetry.PushInterval = Duration(d.TelemetryPushInterval)
	}
	if y.Telemetry.ShutdownTimeout == 0 {
		y.Telemetry.ShutdownTimeout = Duration(d.TelemetryShutdownTimeout)
	}
	if y.Telemetry.Retry.Enabled == nil {
		v := d.TelemetryRetryEnabled
		y.Telemetry.Retry.Enabled = &v
	}
}

// ToConfig converts the YAML layout into a Config. ApplyDefaults must have
// been called.
func (y *YAMLConfig) ToConfig() *Config {
	cfg := &Config{
		MembraneEndpoint:              y.Membrane.Endpoint,
		MembraneTimeout:               time.Duration(y.Membrane.Timeout),
		MembraneAPIKey:                y.Membrane.APIKey,
		MembraneHeaders:               formatHeaders(y.Membrane.Headers),
		MembraneCompression:           y.Membrane.Compression,
		MembraneTLSEnabled:            y.Membrane.TLS.Enabled,
		MembraneTLSCertFile:           y.Membrane.TLS.CertFile,
		MembraneTLSKeyFile:            y.Membrane.TLS.KeyFile,
		MembraneTLSCAFile:             y.Membrane.TLS.CAFile,
		MembraneTLSInsecureSkipVerify: y.Membrane.TLS.InsecureSkipVerify,
		MembraneTLSServerName:         y.Membrane.TLS.ServerName,

		BufferSize:         y.Delivery.BufferSize,
		DefaultSensitivity: y.Delivery.DefaultSensitivity,
		InitialBackoff:     time.Duration(y.Delivery.InitialBackoff),
		MaxBackoff:         time.Duration(y.Delivery.MaxBackoff),
		FlushTimeout:       time.Duration(y.Delivery.FlushTimeout),
		InboxSize:          y.Delivery.InboxSize,

		IntakeListenAddr:        y.Intake.Address,
		IntakePath:              y.Intake.Path,
		IntakeMaxBodySize:       int64(y.Intake.MaxBodySize),
		IntakeReadHeaderTimeout: time.Duration(y.Intake.Server.ReadHeaderTimeout),
		IntakeWriteTimeout:      time.Duration(y.Intake.Server.WriteTimeout),
		IntakeIdleTimeout:       time.Duration(y.Intake.Server.IdleTimeout),
		IntakeTLSEnabled:        y.Intake.TLS.Enabled,
		IntakeTLSCertFile:       y.Intake.TLS.CertFile,
		IntakeTLSKeyFile:        y.Intake.TLS.KeyFile,
		IntakeTLSCAFile:         y.Intake.TLS.CAFile,
		IntakeTLSClientAuth:     y.Intake.TLS.ClientAuth,
		IntakeAuthEnabled:       y.Intake.Auth.Enabled,
		IntakeAuthBearerToken:   y.Intake.Auth.BearerToken,

		StatsAddr: y.Stats.Address,
		LogLevel:  y.Log.Level,

		TelemetryEndpoint:         y.Telemetry.Endpoint,
		TelemetryProtocol:         y.Telemetry.Protocol,
		TelemetryTimeout:          time.Duration(y.Telemetry.Timeout),
		TelemetryPushInterval:     time.Duration(y.Telemetry.PushInterval),
		TelemetryCompression:      y.Telemetry.Compression,
		TelemetryHeaders:          y.Telemetry.Headers,
		TelemetryShutdownTimeout:  time.Duration(y.Telemetry.ShutdownTimeout),
		TelemetryRetryInitial:     time.Duration(y.Telemetry.Retry.Initial),
		TelemetryRetryMaxInterval: time.Duration(y.Telemetry.Retry.MaxInterval),
		TelemetryRetryMaxElapsed:  time.Duration(y.Telemetry.Retry.MaxElapsed),
	}
	if y.Delivery.MaxRetries != nil {
		cfg.MaxRetries = *y.Delivery.MaxRetries
	}
	if y.Memory.LimitRatio != nil {
		cfg.MemoryLimitRatio = *y.Memory.LimitRatio
	}
	if y.Telemetry.Insecure != nil {
		cfg.TelemetryInsecure = *y.Telemetry.Insecure
	}
	if y.Telemetry.Retry.Enabled != nil {
		cfg.TelemetryRetryEnabled = *y.Telemetry.Retry.Enabled
	}
	return cfg
}

func formatHeaders(h map[string]string) string {
	if len(h) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(h))
	for _, k := range slices.Sorted(maps.Keys(h)) {
		pairs = append(pairs, k+"="+h[k])
	}
	return strings.Join(pairs, ",")
}
