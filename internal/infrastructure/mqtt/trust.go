package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
)

// maxCABundleSize caps the trust bundle download.
const maxCABundleSize = 4 << 20

// FetchCABundle downloads a PEM bundle of root certificates over HTTPS.
// The fetch happens once at startup; any non-200 status is fatal.
func FetchCABundle(ctx context.Context, client *http.Client, url string) (*x509.CertPool, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCABundleFetch, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCABundleFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d from %s", ErrCABundleFetch, resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCABundleSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrCABundleFetch, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(body) {
		return nil, fmt.Errorf("%w: no certificates in bundle", ErrCABundleFetch)
	}
	return pool, nil
}

// TLSConfig returns the client TLS configuration trusting only pool.
func TLSConfig(pool *x509.CertPool) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    pool,
	}
}
