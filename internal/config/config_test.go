package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szibis/membrane-bridge/internal/delivery"
)

func noEnv(string) string { return "" }

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "localhost:50051", cfg.MembraneEndpoint)
	assert.Equal(t, delivery.MinCapacity, cfg.BufferSize)
	assert.Equal(t, "low", cfg.DefaultSensitivity)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 10, cfg.MaxRetries)
}

func TestLoad_Flags(t *testing.T) {
	cfg, err := Load([]string{
		"-membrane-endpoint", "membrane:9000",
		"-buffer-size", "5000",
		"-default-sensitivity", "high",
		"-max-retries", "3",
		"-membrane-headers", "x-tenant=a, x-env = prod",
	}, noEnv, nil)
	require.NoError(t, err)

	assert.Equal(t, "membrane:9000", cfg.MembraneEndpoint)
	assert.Equal(t, 5000, cfg.BufferSize)
	assert.Equal(t, "high", cfg.DefaultSensitivity)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, map[string]string{"x-tenant": "a", "x-env": "prod"}, cfg.MembraneConfig().Auth.Headers)
}

func TestLoad_APIKeyFromEnv(t *testing.T) {
	env := map[string]string{EnvAPIKey: "secret"}
	cfg, err := Load(nil, func(k string) string { return env[k] }, nil)
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.MembraneAPIKey)
	assert.Equal(t, "secret", cfg.MembraneConfig().Auth.APIKey)
}

func TestLoad_UnknownFlag(t *testing.T) {
	var out bytes.Buffer
	_, err := Load([]string{"-no-such-flag"}, noEnv, &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "membrane-bridge")
}

func TestLoad_YAMLWithFlagOverride(t *testing.T) {
	path := writeFile(t, `
membrane:
  endpoint: membrane.prod:443
  timeout: 3s
  compression: zstd
  headers:
    x-tenant: acme
  tls:
    enabled: true
    server_name: membrane.internal
delivery:
  buffer_size: 20000
  default_sensitivity: medium
  max_retries: 0
  flush_timeout: 2s
intake:
  address: 127.0.0.1:8000
  max_body_size: 256Ki
log:
  level: debug
memory:
  limit_ratio: 0
`)

	cfg, err := Load([]string{"-config", path, "-log-level", "warn"}, noEnv, nil)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.ConfigFile)
	assert.Equal(t, "membrane.prod:443", cfg.MembraneEndpoint)
	assert.Equal(t, 3*time.Second, cfg.MembraneTimeout)
	assert.True(t, cfg.MembraneTLSEnabled)
	assert.Equal(t, "zstd", cfg.MembraneConfig().Compression)
	assert.Equal(t, "membrane.internal", cfg.MembraneConfig().TLS.ServerName)
	assert.Equal(t, map[string]string{"x-tenant": "acme"}, cfg.MembraneConfig().Auth.Headers)
	assert.Equal(t, 20000, cfg.BufferSize)
	assert.Equal(t, "medium", cfg.DefaultSensitivity)
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.FlushTimeout)
	assert.Equal(t, "127.0.0.1:8000", cfg.IntakeListenAddr)
	assert.Equal(t, int64(256*1024), cfg.IntakeMaxBodySize)
	assert.Equal(t, 0.0, cfg.MemoryLimitRatio)
	assert.Equal(t, "warn", cfg.LogLevel, "explicit flag wins over the file")

	// Unset sections fall back to defaults.
	assert.Equal(t, "/v1/events", cfg.IntakePath)
	assert.Equal(t, ":9090", cfg.StatsAddr)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialBackoff)
	assert.True(t, cfg.TelemetryRetryEnabled)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := Load([]string{"-config", "/nonexistent/config.yaml"}, noEnv, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty endpoint", func(c *Config) { c.MembraneEndpoint = "" }, "membrane-endpoint must not be empty"},
		{"bad compression", func(c *Config) { c.MembraneCompression = "lz4" }, "membrane-compression must be none, gzip or zstd"},
		{"bad sensitivity", func(c *Config) { c.DefaultSensitivity = "secret" }, "default-sensitivity must be one of"},
		{"zero buffer", func(c *Config) { c.BufferSize = 0 }, "buffer-size must be at least 1"},
		{"backoff order", func(c *Config) { c.MaxBackoff = time.Millisecond }, "max-backoff must be at least initial-backoff"},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, "max-retries must not be negative"},
		{"relative path", func(c *Config) { c.IntakePath = "events" }, "intake-path must start with /"},
		{"tls without cert", func(c *Config) { c.IntakeTLSEnabled = true }, "intake-tls-cert is required"},
		{"client auth without ca", func(c *Config) { c.IntakeTLSClientAuth = true }, "intake-tls-ca is required"},
		{"auth without token", func(c *Config) { c.IntakeAuthEnabled = true }, "intake-auth-bearer-token is required"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log-level is invalid"},
		{"memory ratio", func(c *Config) { c.MemoryLimitRatio = 1.5 }, "memory-limit-ratio must be between"},
		{"telemetry protocol", func(c *Config) {
			c.TelemetryEndpoint = "otel:4317"
			c.TelemetryProtocol = "udp"
		}, "telemetry-protocol must be grpc or http"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, strings.HasPrefix(err.Error(), validationPrefix))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MembraneEndpoint = ""
	cfg.MaxRetries = -1
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, 2, strings.Count(err.Error(), "\n  - "))
}

func TestDeliveryOptions_FloorCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferSize = 10
	m := delivery.New(delivery.SinkFunc(nil), cfg.DeliveryOptions()...)
	defer m.Close()
	assert.Equal(t, delivery.MinCapacity, m.Capacity())
}

func TestTelemetryConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MembraneEndpoint = "membrane:50051"
	cfg.TelemetryRetryInitial = 2 * time.Second

	tc := cfg.TelemetryConfig()
	assert.True(t, tc.Retry.Enabled)
	assert.Equal(t, 2*time.Second, tc.Retry.Initial)
	assert.Equal(t, "membrane:50051", tc.Resource["membrane.endpoint"])
	assert.Equal(t, ":8090", tc.Resource["intake.address"])
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"1024", 1024, false},
		{"1Ki", 1024, false},
		{"1.5Mi", 1572864, false},
		{"2Gi", 2 << 30, false},
		{"1Ti", 1 << 40, false},
		{"256MB", 0, true},
		{"abc", 0, true},
		{"xMi", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatByteSize(t *testing.T) {
	assert.Equal(t, "1Mi", FormatByteSize(1<<20))
	assert.Equal(t, "3Ki", FormatByteSize(3072))
	assert.Equal(t, "1000", FormatByteSize(1000))
}

func TestParseYAML_InvalidDuration(t *testing.T) {
	_, err := ParseYAML([]byte("membrane:\n  timeout: soon\n"))
	assert.Error(t, err)
}

func TestValidateFile(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		path := writeFile(t, "membrane:\n  endpoint: localhost:50051\nintake:\n  address: localhost:8090\n")
		result := ValidateFile(path)
		assert.True(t, result.Valid, result.JSON())
		assert.Empty(t, result.Issues)
	})

	t.Run("missing file", func(t *testing.T) {
		result := ValidateFile("/nonexistent/config.yaml")
		assert.False(t, result.Valid)
		require.Len(t, result.Issues, 1)
		assert.Equal(t, "file", result.Issues[0].Field)
	})

	t.Run("directory", func(t *testing.T) {
		result := ValidateFile(t.TempDir())
		assert.False(t, result.Valid)
	})

	t.Run("bad yaml", func(t *testing.T) {
		result := ValidateFile(writeFile(t, "membrane: [unclosed"))
		assert.False(t, result.Valid)
		assert.Equal(t, "yaml", result.Issues[0].Field)
	})

	t.Run("errors and warnings", func(t *testing.T) {
		path := writeFile(t, `
membrane:
  endpoint: membrane.example.com:443
delivery:
  buffer_size: 10
  default_sensitivity: secret
`)
		result := ValidateFile(path)
		assert.False(t, result.Valid)

		fields := map[string]ValidationSeverity{}
		for _, issue := range result.Issues {
			fields[issue.Field] = issue.Severity
		}
		assert.Equal(t, SeverityError, fields["default-sensitivity"])
		assert.Equal(t, SeverityWarning, fields["membrane.tls"])
		assert.Equal(t, SeverityWarning, fields["delivery.buffer_size"])
		assert.Equal(t, SeverityWarning, fields["intake.auth"])
		assert.Contains(t, result.JSON(), `"valid": false`)
	})
}

func TestParseValidationError(t *testing.T) {
	field, msg := parseValidationError("buffer-size must be at least 1, got 0")
	assert.Equal(t, "buffer-size", field)
	assert.Equal(t, "buffer-size must be at least 1, got 0", msg)

	field, _ = parseValidationError("something went wrong")
	assert.Equal(t, "config", field)
}

func TestParseHeaders(t *testing.T) {
	assert.Nil(t, ParseHeaders(""))
	assert.Equal(t, map[string]string{"a": "1", "b": "x=y"}, ParseHeaders("a=1,b=x=y,=skip,novalue"))
}

func TestLoad_ValidateOnlySkipsFile(t *testing.T) {
	path := writeFile(t, "membrane: [unclosed")
	cfg, err := Load([]string{"-config", path, "-validate"}, noEnv, nil)
	require.NoError(t, err)
	assert.True(t, cfg.ValidateOnly)
	assert.Equal(t, path, cfg.ConfigFile)
	assert.False(t, ValidateFile(cfg.ConfigFile).Valid)
}
