// Package tls builds TLS settings for the Membrane connection and the event
// intake listener.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// ServerConfig holds TLS configuration for the intake listener.
type ServerConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
	// CAFile verifies client certificates when ClientAuth is set.
	CAFile     string
	ClientAuth bool
}

// ClientConfig holds TLS configuration for the Membrane connection.
type ClientConfig struct {
	Enabled bool
	// CertFile and KeyFile present a client certificate (mTLS).
	CertFile string
	KeyFile  string
	// CAFile verifies the Membrane server. System roots are used when empty.
	CAFile             string
	InsecureSkipVerify bool
	ServerName         string
}

// NewServerTLSConfig creates a TLS configuration for the intake. It returns
// nil when TLS is disabled.
func NewServerTLSConfig(cfg ServerConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.ClientAuth {
		if cfg.CAFile == "" {
			return nil, fmt.Errorf("client auth requires a CA file")
		}
		pool, err := loadCAPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsConfig, nil
}

// NewClientTLSConfig creates a TLS configuration for the Membrane client. It
// returns nil when TLS is disabled.
func NewClientTLSConfig(cfg ClientConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		ServerName:         cfg.ServerName,
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pool, err := loadCAPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// ClientCredentials returns gRPC transport credentials for cfg: TLS when
// enabled, plaintext otherwise.
func ClientCredentials(cfg ClientConfig) (credentials.TransportCredentials, error) {
	tlsConfig, err := NewClientTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	if tlsConfig == nil {
		return insecure.NewCredentials(), nil
	}
	return credentials.NewTLS(tlsConfig), nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", path)
	}
	return pool, nil
}
