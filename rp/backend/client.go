package backend

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/ridgelight/oidcrp/rp"
)

// newHTTPClient creates an http client for OP requests, using cleanhttp's
// pooled transport. When caPEM is not empty, only that CA is trusted.
func newHTTPClient(caPEM string) (*http.Client, error) {
	const op = "backend.newHTTPClient"
	tr := cleanhttp.DefaultPooledTransport()
	if caPEM != "" {
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM([]byte(caPEM)); !ok {
			return nil, fmt.Errorf("%s: could not parse provider CA PEM: %w", op, rp.ErrInvalidParameter)
		}
		tr.TLSClientConfig = &tls.Config{
			RootCAs: certPool,
		}
	}
	return &http.Client{Transport: tr}, nil
}
