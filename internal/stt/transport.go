package stt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"
)

// NewHTTPClient builds the transport used for all SaluteSpeech calls.
// timeout bounds the wait for response headers once a request is sent, so
// streaming a large upload body is not cut short.
// When caCertFile is set its PEM certificates are trusted in addition to the
// system roots; the token endpoint is commonly signed by a CA that is not in
// default trust stores.
func NewHTTPClient(timeout time.Duration, caCertFile string) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	if caCertFile != "" {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}

		pem, err := os.ReadFile(caCertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caCertFile)
		}

		transport.TLSClientConfig = &tls.Config{
			RootCAs:    pool,
			MinVersion: tls.VersionTLS12,
		}
	}

	return &http.Client{Transport: transport}, nil
}
