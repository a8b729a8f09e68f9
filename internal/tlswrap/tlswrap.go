// Package tlswrap wraps a plain net.Listener in TLS when a
// certificate is configured. It is the thinnest wrapper that still
// makes the server runnable standalone with an on-disk certificate
// and key, without requiring a separate TLS-terminating proxy.
package tlswrap

import (
	"crypto/tls"
	"fmt"
	"net"
)

// Wrapper optionally upgrades a listener to TLS. A nil *tls.Config
// means Wrap is a no-op, so callers can unconditionally route every
// listener through one Wrapper regardless of whether TLS is enabled.
type Wrapper struct {
	config *tls.Config
}

// New loads a certificate/key pair and returns a Wrapper that applies
// it. If certFile is empty, the returned Wrapper wraps nothing.
func New(certFile, keyFile string) (*Wrapper, error) {
	if certFile == "" {
		return &Wrapper{}, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS certificate: %w", err)
	}
	return &Wrapper{config: &tls.Config{Certificates: []tls.Certificate{cert}}}, nil
}

// Wrap returns ln unchanged if no certificate was configured,
// otherwise a TLS-terminating listener backed by ln.
func (w *Wrapper) Wrap(ln net.Listener) net.Listener {
	if w == nil || w.config == nil {
		return ln
	}
	return tls.NewListener(ln, w.config)
}

// Enabled reports whether this Wrapper will actually apply TLS.
func (w *Wrapper) Enabled() bool {
	return w != nil && w.config != nil
}
