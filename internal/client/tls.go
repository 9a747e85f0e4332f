package client

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"s3-proxy-go/internal/config"
)

// NewTLSConfig builds the client TLS configuration for the upstream trust policy.
//
//   - system: the host's root CAs (Go default verification).
//   - custom_ca: only the PEM certificates in CAFile are trusted.
//   - insecure_test_only: certificate verification is disabled. Requires
//     AllowInsecure and logs a warning.
func NewTLSConfig(cfg config.UpstreamTLSConfig, logger *slog.Logger) (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12}

	switch cfg.Trust {
	case config.TrustSystemRoots, "":
		return tc, nil

	case config.TrustCustomCA:
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read upstream CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("upstream CA file %s contains no PEM certificates", cfg.CAFile)
		}
		tc.RootCAs = pool
		return tc, nil

	case config.TrustInsecureTestOnly:
		if !cfg.AllowInsecure {
			return nil, errors.New("insecure_test_only trust policy requires allow_insecure = true")
		}
		logger.Warn("UPSTREAM TLS CERTIFICATE VERIFICATION IS DISABLED; do not use outside of tests",
			"trust", string(cfg.Trust),
		)
		tc.InsecureSkipVerify = true //nolint:gosec // explicit opt-in via upstream.tls.allow_insecure
		return tc, nil

	default:
		return nil, fmt.Errorf("unknown upstream trust policy %q", cfg.Trust)
	}
}
