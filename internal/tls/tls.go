// Package tls builds the server TLS configuration for the HTTP API,
// generating a self-signed certificate on first use when asked to.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loykin/streamwatch/internal/config"
)

const (
	tlsCrt = "tls.crt"
	tlsKey = "tls.key"
)

func parseVersion(ver string) (uint16, error) {
	switch ver {
	case "", "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, nil
	case "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, nil
	default:
		return 0, fmt.Errorf("unsupported tls version %q", ver)
	}
}

// Setup returns nil when TLS is disabled. Explicit cert and key files take
// precedence over Dir.
func Setup(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}
	certPath, keyPath := cfg.CertFile, cfg.KeyFile
	if certPath == "" || keyPath == "" {
		if cfg.Dir == "" {
			return nil, errors.New("tls enabled but neither cert_file/key_file nor dir is set")
		}
		certPath, keyPath = filepath.Join(cfg.Dir, tlsCrt), filepath.Join(cfg.Dir, tlsKey)
		if cfg.AutoGenerate && !exists(certPath, keyPath) {
			if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
				return nil, fmt.Errorf("create tls dir: %w", err)
			}
			if err := GenerateSelfSigned(CertConfig{Hosts: cfg.Hosts, CertPath: certPath, KeyPath: keyPath}); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	// Fail at startup rather than on the first handshake.
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	// #nosec G402 minimum version is configurable down to 1.2 only
	return &tls.Config{
		MinVersion: minVer,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			c, err := tls.LoadX509KeyPair(certPath, keyPath)
			return &c, err
		},
	}, nil
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
