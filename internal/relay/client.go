package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Client is the producer side of the relay channel.
// Send is safe for concurrent use; records keep the order of Send calls.
type Client struct {
	mu           sync.Mutex
	conn         net.Conn
	writeTimeout time.Duration
}

// defaultWriteTimeout bounds a single Send when the gateway stops reading.
const defaultWriteTimeout = 30 * time.Second

// Dial connects to the relay at network/address and authenticates with secret.
//
// Returns ErrUnauthorized if the gateway rejects the secret. Other
// handshake failures are transient and worth retrying.
func Dial(ctx context.Context, network, address, secret string) (*Client, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("relay dial %s %s: %w", network, address, err)
	}

	deadline := time.Now().Add(defaultHandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close() //nolint:errcheck // Error path
		return nil, err
	}

	if err := authenticate(conn, []byte(secret)); err != nil {
		conn.Close() //nolint:errcheck // Error path
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close() //nolint:errcheck // Error path
		return nil, err
	}
	return &Client{conn: conn, writeTimeout: defaultWriteTimeout}, nil
}

func authenticate(conn net.Conn, secret []byte) error {
	frames := newFrameReader(conn)

	var challenge challengeFrame
	if err := frames.next(&challenge); err != nil {
		return fmt.Errorf("relay handshake: reading challenge: %w", err)
	}
	auth, err := sign(secret, challenge.Challenge)
	if err != nil {
		return err
	}
	if err := writeFrame(conn, authFrame{Auth: auth}); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	var ack ackFrame
	if err := frames.next(&ack); err != nil {
		return fmt.Errorf("relay handshake: reading ack: %w", err)
	}
	if !ack.OK {
		return ErrUnauthorized
	}
	return nil
}

// Send writes one record. A zero Timestamp is set to the current time.
func (c *Client) Send(rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	if err := writeFrame(c.conn, rec); err != nil {
		return fmt.Errorf("relay send: %w", err)
	}
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
