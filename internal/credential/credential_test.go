package credential

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func rsaKeyPEM(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}
	der := x509.MarshalPKCS1PrivateKey(key)
	return key, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
}

func ecKeyPEM(t *testing.T, curve elliptic.Curve) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		t.Fatalf("generating EC key: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshalling EC key: %v", err)
	}
	return key, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

func TestIssue_RS256Claims(t *testing.T) {
	key, keyPEM := rsaKeyPEM(t)
	now := time.Date(2024, 1, 1, 12, 0, 0, 500, time.UTC)

	cred, err := Issue("gw", keyPEM, "RS256", "danarchy-io", 20*time.Minute, now)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if got := cred.ExpiresAt.Sub(cred.IssuedAt); got != 20*time.Minute {
		t.Errorf("ExpiresAt - IssuedAt = %v, want exactly 20m", got)
	}
	if !cred.IssuedAt.Equal(now.Truncate(time.Second)) {
		t.Errorf("IssuedAt = %v, want %v", cred.IssuedAt, now.Truncate(time.Second))
	}

	parsed, err := jwt.Parse(cred.Token, func(*jwt.Token) (any, error) {
		return &key.PublicKey, nil
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience("danarchy-io"),
		jwt.WithTimeFunc(func() time.Time { return now.Add(time.Minute) }),
	)
	if err != nil {
		t.Fatalf("parsing token: %v", err)
	}

	claims := parsed.Claims.(jwt.MapClaims)
	if aud, _ := claims["aud"].(string); aud != "danarchy-io" {
		t.Errorf("aud = %v, want plain string danarchy-io", claims["aud"])
	}
	if len(claims) != 3 {
		t.Errorf("claims = %v, want exactly iat, exp, aud", claims)
	}
	exp, _ := claims.GetExpirationTime()
	if !exp.Time.Equal(cred.ExpiresAt) {
		t.Errorf("exp claim = %v, want %v", exp.Time, cred.ExpiresAt)
	}
}

func TestIssue_ES256(t *testing.T) {
	key, keyPEM := ecKeyPEM(t, elliptic.P256())

	cred, err := Issue("gw", keyPEM, "ES256", "proj", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if cred.Algorithm != "ES256" {
		t.Errorf("Algorithm = %q, want ES256", cred.Algorithm)
	}

	_, err = jwt.Parse(cred.Token, func(*jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		t.Fatalf("parsing token: %v", err)
	}
}

func TestIssue_Errors(t *testing.T) {
	_, rsaPEM := rsaKeyPEM(t)
	_, p384PEM := ecKeyPEM(t, elliptic.P384())

	tests := []struct {
		name      string
		keyPEM    []byte
		algorithm string
		validFor  time.Duration
		wantErr   error
	}{
		{"garbage key", []byte("not a key"), "RS256", time.Minute, ErrKeyUnreadable},
		{"rsa key for ecdsa", rsaPEM, "ES256", time.Minute, ErrKeyUnreadable},
		{"curve mismatch", p384PEM, "ES256", time.Minute, ErrSigningFailed},
		{"hmac rejected", rsaPEM, "HS256", time.Minute, ErrUnsupportedAlgorithm},
		{"unknown algorithm", rsaPEM, "XX999", time.Minute, ErrUnsupportedAlgorithm},
		{"zero lifetime", rsaPEM, "RS256", 0, ErrInvalidLifetime},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Issue("gw", tt.keyPEM, tt.algorithm, "proj", tt.validFor, time.Now())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Issue() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestIssuer_ReadsKeyFile(t *testing.T) {
	_, keyPEM := rsaKeyPEM(t)
	keyFile := filepath.Join(t.TempDir(), "private.pem")
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		t.Fatalf("writing key: %v", err)
	}

	issuer, err := NewIssuer(keyFile, "RS256", "proj", 60*time.Second)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	fixed := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return fixed }

	cred, err := issuer.Issue("projects/p/locations/r/registries/g/devices/gw")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if cred.Lifetime() != 60*time.Second {
		t.Errorf("Lifetime() = %v, want 60s", cred.Lifetime())
	}
	if cred.Expired(fixed.Add(59 * time.Second)) {
		t.Error("credential expired before its lifetime")
	}
	if !cred.Expired(fixed.Add(60 * time.Second)) {
		t.Error("credential still valid at ExpiresAt")
	}
}

func TestIssuer_MissingKeyFile(t *testing.T) {
	issuer, err := NewIssuer("/nonexistent/private.pem", "RS256", "proj", time.Minute)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	if _, err := issuer.Issue("gw"); !errors.Is(err, ErrKeyUnreadable) {
		t.Errorf("Issue() error = %v, want ErrKeyUnreadable", err)
	}
}

func TestIssuer_CheckKey(t *testing.T) {
	dir := t.TempDir()
	_, rsaPEM := rsaKeyPEM(t)
	rsaFile := filepath.Join(dir, "rsa.pem")
	garbage := filepath.Join(dir, "garbage.pem")
	if err := os.WriteFile(rsaFile, rsaPEM, 0600); err != nil {
		t.Fatalf("writing key: %v", err)
	}
	if err := os.WriteFile(garbage, []byte("not a key"), 0600); err != nil {
		t.Fatalf("writing key: %v", err)
	}

	tests := []struct {
		name      string
		keyFile   string
		algorithm string
		wantErr   error
	}{
		{"valid RSA key", rsaFile, "RS256", nil},
		{"missing file", filepath.Join(dir, "missing.pem"), "RS256", ErrKeyUnreadable},
		{"not PEM", garbage, "RS256", ErrKeyUnreadable},
		{"RSA key for ECDSA algorithm", rsaFile, "ES256", ErrKeyUnreadable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issuer, err := NewIssuer(tt.keyFile, tt.algorithm, "proj", time.Minute)
			if err != nil {
				t.Fatalf("NewIssuer() error = %v", err)
			}
			err = issuer.CheckKey()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("CheckKey() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("CheckKey() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewIssuer_Validation(t *testing.T) {
	if _, err := NewIssuer("k.pem", "HS256", "proj", time.Minute); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("NewIssuer(HS256) error = %v, want ErrUnsupportedAlgorithm", err)
	}
	if _, err := NewIssuer("k.pem", "RS256", "proj", -time.Second); !errors.Is(err, ErrInvalidLifetime) {
		t.Errorf("NewIssuer(negative) error = %v, want ErrInvalidLifetime", err)
	}
}
