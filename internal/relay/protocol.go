package relay

import (
	"bufio"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Wire protocol constants.
const (
	// maxFrameSize bounds a single newline-terminated JSON frame.
	maxFrameSize = 1 << 20

	// challengeSize is the number of random bytes in a handshake challenge.
	challengeSize = 32
)

// Record is one telemetry record sent by the producer.
type Record struct {
	Topic     string    `json:"topic"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

func (r Record) validate() error {
	if r.Topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidRecord)
	}
	return nil
}

// Handshake frames, in order: challenge (server), auth (client), ack (server).
type challengeFrame struct {
	Challenge string `json:"challenge"`
}

type authFrame struct {
	Auth string `json:"auth"`
}

type ackFrame struct {
	OK bool `json:"ok"`
}

// frameReader reads newline-delimited JSON frames of at most maxFrameSize bytes.
type frameReader struct {
	scanner *bufio.Scanner
}

func newFrameReader(r io.Reader) *frameReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), maxFrameSize)
	return &frameReader{scanner: s}
}

// next decodes the next frame into v. It returns io.EOF at a clean end of stream.
func (f *frameReader) next(v any) error {
	if !f.scanner.Scan() {
		err := f.scanner.Err()
		switch {
		case err == nil:
			return io.EOF
		case errors.Is(err, bufio.ErrTooLong):
			return fmt.Errorf("%w: limit %d bytes", ErrFrameTooLarge, maxFrameSize)
		default:
			return err
		}
	}
	if err := json.Unmarshal(f.scanner.Bytes(), v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	return nil
}

// writeFrame encodes v as one JSON line.
func writeFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if len(data)+1 > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data)+1)
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// newChallenge returns a hex-encoded random challenge.
func newChallenge() (string, error) {
	b := make([]byte, challengeSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating challenge: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// sign returns hex(HMAC-SHA256(secret, challenge bytes)).
func sign(secret []byte, challenge string) (string, error) {
	raw, err := hex.DecodeString(challenge)
	if err != nil {
		return "", fmt.Errorf("%w: malformed challenge", ErrUnauthorized)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// verify reports whether auth is the correct response to challenge.
func verify(secret []byte, challenge, auth string) bool {
	want, err := sign(secret, challenge)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(auth))
}

// NewSecret returns a random hex secret for a relay started without one.
func NewSecret() (string, error) {
	b := make([]byte, challengeSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating relay secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
