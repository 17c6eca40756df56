package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/szibis/membrane-bridge/internal/delivery"
)

// ValidationSeverity indicates the severity of a validation issue.
type ValidationSeverity string

const (
	// SeverityError prevents startup.
	SeverityError ValidationSeverity = "error"
	// SeverityWarning is reported but does not prevent startup.
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single validation finding.
type ValidationIssue struct {
	Severity ValidationSeverity `json:"severity"`
	Field    string             `json:"field"`
	Message  string             `json:"message"`
}

// ValidationResult holds the complete validation output.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	File   string            `json:"file"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// JSON returns the validation result as indented JSON.
func (r *ValidationResult) JSON() string {
	data, _ := json.MarshalIndent(r, "", "  ")
	return string(data)
}

const validationPrefix = "configuration validation failed:\n  - "

// ValidateFile loads a YAML config file and validates it.
func ValidateFile(path string) *ValidationResult {
	result := &ValidationResult{Valid: true, File: path}

	info, err := os.Stat(path)
	if err != nil {
		return result.fail("file", fmt.Sprintf("cannot access file: %v", err))
	}
	if info.IsDir() {
		return result.fail("file", "path is a directory, expected a file")
	}

	yamlCfg, err := LoadYAML(path)
	if err != nil {
		return result.fail("yaml", fmt.Sprintf("YAML parse error: %v", err))
	}

	cfg := yamlCfg.ToConfig()
	cfg.ConfigFile = path

	if err := cfg.Validate(); err != nil {
		result.Valid = false
		msg := err.Error()
		if rest, ok := strings.CutPrefix(msg, validationPrefix); ok {
			for _, item := range strings.Split(rest, "\n  - ") {
				field, message := parseValidationError(item)
				result.Issues = append(result.Issues, ValidationIssue{
					Severity: SeverityError,
					Field:    field,
					Message:  message,
				})
			}
		} else {
			result.Issues = append(result.Issues, ValidationIssue{
				Severity: SeverityError,
				Field:    "config",
				Message:  msg,
			})
		}
	}

	addWarnings(cfg, result)
	return result
}

func (r *ValidationResult) fail(field, message string) *ValidationResult {
	r.Valid = false
	r.Issues = append(r.Issues, ValidationIssue{Severity: SeverityError, Field: field, Message: message})
	return r
}

// parseValidationError splits "field-name must ..." into its field and message.
func parseValidationError(s string) (string, string) {
	s = strings.TrimSpace(s)
	for _, sep := range []string{" must ", " is ", " should "} {
		if idx := strings.Index(s, sep); idx > 0 {
			field := s[:idx]
			if !strings.Contains(field, " ") {
				return field, s
			}
		}
	}
	return "config", s
}

// addWarnings reports non-fatal issues.
func addWarnings(cfg *Config, result *ValidationResult) {
	warn := func(field, format string, args ...any) {
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityWarning,
			Field:    field,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	if !cfg.MembraneTLSEnabled && !isLocalhost(cfg.MembraneEndpoint) {
		warn("membrane.tls", "insecure connection to non-localhost endpoint %q", cfg.MembraneEndpoint)
	}
	if cfg.MembraneAPIKey != "" {
		warn("membrane.api_key", "API key stored in config file, prefer the %s environment variable", EnvAPIKey)
	}
	if cfg.BufferSize < delivery.MinCapacity {
		warn("delivery.buffer_size", "buffer size %d is below the minimum and will be raised to %d", cfg.BufferSize, delivery.MinCapacity)
	}
	if cfg.BufferSize > 1000000 {
		warn("delivery.buffer_size", "very large buffer size (%d) may consume significant memory", cfg.BufferSize)
	}
	if !cfg.IntakeAuthEnabled && !isLocalhost(cfg.IntakeListenAddr) {
		warn("intake.auth", "intake on %q accepts unauthenticated events", cfg.IntakeListenAddr)
	}

	if cfg.IntakeTLSEnabled {
		checkFileWarning(cfg.IntakeTLSCertFile, "intake.tls.cert_file", result)
		checkFileWarning(cfg.IntakeTLSKeyFile, "intake.tls.key_file", result)
		checkFileWarning(cfg.IntakeTLSCAFile, "intake.tls.ca_file", result)
	}
	if cfg.MembraneTLSEnabled {
		checkFileWarning(cfg.MembraneTLSCertFile, "membrane.tls.cert_file", result)
		checkFileWarning(cfg.MembraneTLSKeyFile, "membrane.tls.key_file", result)
		checkFileWarning(cfg.MembraneTLSCAFile, "membrane.tls.ca_file", result)
	}
}

func checkFileWarning(path, field string, result *ValidationResult) {
	if path == "" {
		return
	}
	if _, err := os.Stat(path); err != nil {
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityWarning,
			Field:    field,
			Message:  fmt.Sprintf("file not found: %s", path),
		})
	}
}

func isLocalhost(addr string) bool {
	return strings.HasPrefix(addr, "localhost") ||
		strings.HasPrefix(addr, "127.0.0.1") ||
		strings.HasPrefix(addr, "[::1]")
}
