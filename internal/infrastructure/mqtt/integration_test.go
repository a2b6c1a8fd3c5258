//go:build integration

package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"
)

// Integration tests against a plain local broker.
// These tests require a running MQTT broker at 127.0.0.1:1883 that accepts
// any username and password.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func integrationSession(t *testing.T, clientID string) (*Session, *Attempt) {
	t.Helper()
	s := NewSession(Options{Host: "127.0.0.1", Port: 1883})

	attempt, err := s.Connect(clientID, "integration-token")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := attempt.WaitEstablished(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("WaitEstablished() error = %v", err)
	}
	return s, attempt
}

func TestIntegration_PublishSubscribeRoundtrip(t *testing.T) {
	s, attempt := integrationSession(t, "stargaze-int-roundtrip")
	defer func() {
		s.Disconnect()
		attempt.WaitClosed(context.Background(), 5*time.Second) //nolint:errcheck // Test cleanup
	}()

	var mu sync.Mutex
	var got []string
	received := make(chan struct{}, 1)

	err := s.Subscribe("/devices/int-sensor/events", 1, func(_ string, payload []byte) error {
		mu.Lock()
		got = append(got, string(payload))
		mu.Unlock()
		select {
		case received <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if _, err := s.Publish("/devices/int-sensor/events", []byte("2024-01-01T00:00:00Z,21.50,55.00,0,0"), 1); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "2024-01-01T00:00:00Z,21.50,55.00,0,0" {
		t.Errorf("received %v", got)
	}
}

func TestIntegration_ReconnectCycle(t *testing.T) {
	s, attempt := integrationSession(t, "stargaze-int-cycle")

	s.Disconnect()
	if err := attempt.WaitClosed(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("WaitClosed() error = %v", err)
	}
	if s.State() != Disconnected {
		t.Fatalf("State() = %v after disconnect", s.State())
	}

	second, err := s.Connect("stargaze-int-cycle", "rotated-token")
	if err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if err := second.WaitEstablished(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("second WaitEstablished() error = %v", err)
	}
	s.Disconnect()
	second.WaitClosed(context.Background(), 5*time.Second) //nolint:errcheck // Test cleanup
}
