package mqtt

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// selfSignedPEM returns a throwaway CA certificate in PEM form.
func selfSignedPEM(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestFetchCABundle(t *testing.T) {
	bundle := selfSignedPEM(t)

	tests := []struct {
		name    string
		status  int
		body    []byte
		wantErr bool
	}{
		{"valid bundle", http.StatusOK, bundle, false},
		{"not found", http.StatusNotFound, bundle, true},
		{"server error", http.StatusInternalServerError, nil, true},
		{"no certificates", http.StatusOK, []byte("hello"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				w.Write(tt.body) //nolint:errcheck // test server
			}))
			defer srv.Close()

			pool, err := FetchCABundle(context.Background(), srv.Client(), srv.URL+"/roots.pem")
			if tt.wantErr {
				if !errors.Is(err, ErrCABundleFetch) {
					t.Errorf("FetchCABundle() error = %v, want ErrCABundleFetch", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("FetchCABundle() error = %v", err)
			}
			if pool == nil {
				t.Fatal("FetchCABundle() returned nil pool")
			}
		})
	}
}

func TestFetchCABundle_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if _, err := FetchCABundle(context.Background(), nil, url); !errors.Is(err, ErrCABundleFetch) {
		t.Errorf("FetchCABundle() error = %v, want ErrCABundleFetch", err)
	}
}

func TestTLSConfig(t *testing.T) {
	pool := x509.NewCertPool()
	cfg := TLSConfig(pool)

	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %x, want TLS 1.2", cfg.MinVersion)
	}
	if cfg.RootCAs != pool {
		t.Error("RootCAs not set to the fetched pool")
	}
}
