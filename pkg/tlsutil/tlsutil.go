// Package tlsutil builds server TLS configuration for the HTTP gateway.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/itsharex/SolidUI/config"
	"github.com/itsharex/SolidUI/errors"
)

// ServerConfig creates a tls.Config from the gateway TLS settings.
// It returns nil, nil when TLS is disabled.
func ServerConfig(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "ServerConfig", "load certificate")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseTLSVersion(cfg.MinVersion),
	}

	if len(cfg.ClientCAFiles) == 0 {
		return tlsConfig, nil
	}
	if err := applyClientAuth(tlsConfig, cfg); err != nil {
		return nil, err
	}
	return tlsConfig, nil
}

func applyClientAuth(tlsConfig *tls.Config, cfg config.TLSConfig) error {
	pool, err := loadCertPool(cfg.ClientCAFiles)
	if err != nil {
		return errors.WrapFatal(err, "tlsutil", "applyClientAuth", "load client CAs")
	}

	tlsConfig.ClientCAs = pool
	if cfg.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	if len(cfg.AllowedClientCNs) > 0 {
		allowed := cfg.AllowedClientCNs
		tlsConfig.VerifyPeerCertificate = func(_ [][]byte, chains [][]*x509.Certificate) error {
			return verifyAllowedClientCN(chains, allowed)
		}
	}
	return nil
}

func loadCertPool(files []string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read CA file %s: %w", file, err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no PEM certificates in %s", file)
		}
	}
	return pool, nil
}

// verifyAllowedClientCN checks the leaf of the first verified chain.
// Connections without a client certificate have no chains and pass.
func verifyAllowedClientCN(chains [][]*x509.Certificate, allowed []string) error {
	if len(chains) == 0 || len(chains[0]) == 0 {
		return nil
	}

	cn := chains[0][0].Subject.CommonName
	for _, name := range allowed {
		if cn == name {
			return nil
		}
	}
	return fmt.Errorf("client certificate CN %q not in allowed list", cn)
}

// parseTLSVersion defaults to TLS 1.2
func parseTLSVersion(version string) uint16 {
	if version == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
