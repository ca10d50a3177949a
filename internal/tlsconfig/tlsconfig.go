// Package tlsconfig builds the *tls.Config FlowGate's listeners use,
// hot-reloading manually-provisioned certificate material from disk
// (§3 tls, §6.4) via github.com/matthewpi/certwatcher, the same
// certificate-watching library the teacher uses for its webhook
// listener.
package tlsconfig

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/matthewpi/certwatcher"

	"github.com/flowgate/flowgate/internal/config"
)

// ACMEResolver is the interface an ACME integration would implement to
// resolve a SNI hostname to a certificate on demand. FlowGate treats
// ACME as an external collaborator behind this interface; no concrete
// implementation ships (§3's Non-goals exclude a built-in ACME client).
type ACMEResolver interface {
	Resolve(ctx context.Context, serverName string) (*tls.Certificate, error)
}

// Build returns a *tls.Config for cfg. When cfg.ManualCert/ManualKey are
// set, certwatcher hot-reloads the certificate from disk on every
// handshake that finds it changed. When cfg.ACMEEnabled is set instead,
// acme.Resolve is consulted from the tls.Config's GetCertificate — FlowGate does
// not implement acme itself, so a nil resolver with ACME enabled is a
// configuration error caught at startup.
func Build(cfg config.TLS, acme ACMEResolver) (*tls.Config, error) {
	switch {
	case cfg.ManualCert != "" && cfg.ManualKey != "":
		watcher := &certwatcher.TLSConfig{
			CertPath:   cfg.ManualCert,
			KeyPath:    cfg.ManualKey,
			Config:     &tls.Config{MinVersion: tls.VersionTLS12},
			DontStaple: true,
		}
		return watcher.GetTLSConfig(context.Background())
	case cfg.ACMEEnabled:
		if acme == nil {
			return nil, fmt.Errorf("tlsconfig: acme_enabled is set but no ACMEResolver was provided")
		}
		return &tls.Config{
			MinVersion: tls.VersionTLS12,
			GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
				return acme.Resolve(hello.Context(), hello.ServerName)
			},
		}, nil
	default:
		return nil, fmt.Errorf("tlsconfig: neither manual_cert/manual_key nor acme_enabled is configured")
	}
}
