package credential

import (
	"crypto"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is a signed, time-boxed broker password.
// It is immutable once issued and must not be reused after ExpiresAt.
type Credential struct {
	Token     string
	Identity  string
	Audience  string
	Algorithm string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Lifetime returns ExpiresAt - IssuedAt.
func (c Credential) Lifetime() time.Duration {
	return c.ExpiresAt.Sub(c.IssuedAt)
}

// Expired reports whether the credential is no longer valid at t.
func (c Credential) Expired(t time.Time) bool {
	return !t.Before(c.ExpiresAt)
}

// Issue signs a token for identity with the PEM-encoded key material.
//
// The claims are exactly {iat, exp, aud}; aud is the cloud project id.
// Times are truncated to whole seconds so the Credential fields match the
// signed claims and ExpiresAt - IssuedAt == validFor for whole-second lifetimes.
//
// Issue holds no timers: callers must re-issue strictly before ExpiresAt.
func Issue(identity string, keyPEM []byte, algorithm, audience string, validFor time.Duration, now time.Time) (Credential, error) {
	if validFor <= 0 {
		return Credential{}, ErrInvalidLifetime
	}

	method, err := signingMethod(algorithm)
	if err != nil {
		return Credential{}, err
	}

	key, err := parseKey(method, keyPEM)
	if err != nil {
		return Credential{}, err
	}

	issuedAt := now.UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(validFor)

	claims := jwt.MapClaims{
		"iat": issuedAt.Unix(),
		"exp": expiresAt.Unix(),
		"aud": audience,
	}

	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}

	return Credential{
		Token:     signed,
		Identity:  identity,
		Audience:  audience,
		Algorithm: method.Alg(),
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}

// signingMethod resolves algorithm to an RSA or ECDSA signing method.
func signingMethod(algorithm string) (jwt.SigningMethod, error) {
	method := jwt.GetSigningMethod(algorithm)
	switch method.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS, *jwt.SigningMethodECDSA:
		return method, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
}

// parseKey decodes the private key matching the signing method family.
func parseKey(method jwt.SigningMethod, keyPEM []byte) (crypto.PrivateKey, error) {
	switch method.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS:
		key, err := jwt.ParseRSAPrivateKeyFromPEM(keyPEM)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKeyUnreadable, err)
		}
		return key, nil
	case *jwt.SigningMethodECDSA:
		key, err := jwt.ParseECPrivateKeyFromPEM(keyPEM)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKeyUnreadable, err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, method.Alg())
	}
}

// Logger is the subset of logging.Logger used by the issuer.
type Logger interface {
	Info(msg string, args ...any)
}

// Issuer issues credentials from a private key file on every call.
// The key is re-read each time so a rotated key file is picked up on the next reconnect.
type Issuer struct {
	keyFile   string
	algorithm string
	audience  string
	validFor  time.Duration
	now       func() time.Time
	logger    Logger
}

// NewIssuer creates an Issuer. It does not touch the key file.
func NewIssuer(keyFile, algorithm, audience string, validFor time.Duration) (*Issuer, error) {
	if _, err := signingMethod(algorithm); err != nil {
		return nil, err
	}
	if validFor <= 0 {
		return nil, ErrInvalidLifetime
	}
	return &Issuer{
		keyFile:   keyFile,
		algorithm: algorithm,
		audience:  audience,
		validFor:  validFor,
		now:       time.Now,
	}, nil
}

// SetLogger sets a logger for issuance events.
func (i *Issuer) SetLogger(logger Logger) {
	i.logger = logger
}

// ValidFor returns the configured credential lifetime.
func (i *Issuer) ValidFor() time.Duration {
	return i.validFor
}

// CheckKey reads and parses the key file without issuing a credential.
// It returns an error matching ErrKeyUnreadable when the key cannot be used.
func (i *Issuer) CheckKey() error {
	keyPEM, err := os.ReadFile(i.keyFile)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyUnreadable, err)
	}
	method, err := signingMethod(i.algorithm)
	if err != nil {
		return err
	}
	_, err = parseKey(method, keyPEM)
	return err
}

// Issue reads the key file and signs a fresh credential for identity.
func (i *Issuer) Issue(identity string) (Credential, error) {
	keyPEM, err := os.ReadFile(i.keyFile)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %w", ErrKeyUnreadable, err)
	}

	cred, err := Issue(identity, keyPEM, i.algorithm, i.audience, i.validFor, i.now())
	if err != nil {
		return Credential{}, err
	}

	if i.logger != nil {
		i.logger.Info("credential issued",
			"algorithm", cred.Algorithm,
			"key_file", i.keyFile,
			"issued_at", cred.IssuedAt,
			"expires_at", cred.ExpiresAt,
		)
	}
	return cred, nil
}
