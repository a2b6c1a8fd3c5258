package credential

import "errors"

// Domain-specific errors for credential issuance.
// All of them are fatal at startup: the gateway cannot authenticate without a token.
var (
	// ErrKeyUnreadable is returned when the private key cannot be read or parsed.
	ErrKeyUnreadable = errors.New("credential: private key unreadable")

	// ErrSigningFailed is returned when the signing algorithm rejects the claims.
	ErrSigningFailed = errors.New("credential: signing failed")

	// ErrUnsupportedAlgorithm is returned for algorithms other than RS* and ES*.
	ErrUnsupportedAlgorithm = errors.New("credential: unsupported signing algorithm")

	// ErrInvalidLifetime is returned when validFor is not positive.
	ErrInvalidLifetime = errors.New("credential: lifetime must be positive")
)
