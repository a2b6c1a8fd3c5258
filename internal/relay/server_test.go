package relay

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danarchy-io/stargaze-gateway/internal/device"
	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/config"
	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/mqtt"
)

const testSecret = "s3cret"

type published struct {
	topic   string
	payload string
	qos     byte
}

// fakePublisher records publishes; while down it refuses them like a
// coordinator outside Running.
type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	down bool
}

func (p *fakePublisher) Publish(topic string, payload []byte, qos byte) (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return 0, fmt.Errorf("session not running: %w", mqtt.ErrNotConnected)
	}
	p.msgs = append(p.msgs, published{topic: topic, payload: string(payload), qos: qos})
	return uint16(len(p.msgs)), nil
}

func (p *fakePublisher) setDown(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = down
}

func (p *fakePublisher) Published() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

type fakeMirror struct {
	mu     sync.Mutex
	writes []string
}

func (m *fakeMirror) WriteTelemetry(deviceID string, payload []byte, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, deviceID+" "+string(payload))
	return nil
}

func testRegistry(t *testing.T) *device.Registry {
	t.Helper()
	reg, err := device.NewRegistry("gw", []device.Device{{ID: "gw"}, {ID: "sensor"}})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return reg
}

// startServer runs a loopback relay until the test ends.
func startServer(t *testing.T, cfg config.RelayConfig, fwd Forwarder) *Server {
	t.Helper()
	srv, err := NewServer(cfg, fwd)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve() did not return after cancel")
		}
	})
	return srv
}

func loopback() config.RelayConfig {
	return config.RelayConfig{Network: "tcp", Address: "127.0.0.1:0", Secret: testSecret}
}

func dial(t *testing.T, srv *Server, secret string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	addr := srv.Addr()
	c, err := Dial(ctx, addr.Network(), addr.String(), secret)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { c.Close() }) //nolint:errcheck // Test cleanup
	return c
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRelayRoundTripKeepsOrder(t *testing.T) {
	pub := &fakePublisher{}
	srv := startServer(t, loopback(), NewDeviceForwarder(testRegistry(t), pub, 1))
	client := dial(t, srv, testSecret)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	want := []published{
		{"/devices/sensor/events", "2024-01-01T00:00:00Z,21.50,55.00,0,0", 1},
		{"/devices/sensor/events", "2024-01-01T00:00:10Z,21.60,55.00,0,0", 1},
		{"/devices/sensor/state", "ok", 1},
		{"/devices/gw/events", "2024-01-01T00:00:20Z,0.00,0.00,1,1", 1},
	}
	for _, m := range want {
		if err := client.Send(Record{Topic: m.topic, Payload: m.payload, Timestamp: ts}); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	waitFor(t, "all records", func() bool { return len(pub.Published()) == len(want) })
	got := pub.Published()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("publish %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	st := srv.Stats()
	if !st.Connected || st.Connections != 1 || st.Forwarded != 4 || st.Dropped != 0 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestRelayRejectsWrongSecret(t *testing.T) {
	srv := startServer(t, loopback(), NewDeviceForwarder(testRegistry(t), &fakePublisher{}, 1))

	addr := srv.Addr()
	_, err := Dial(context.Background(), addr.Network(), addr.String(), "wrong")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Dial() with wrong secret error = %v, want ErrUnauthorized", err)
	}
	waitFor(t, "rejection counted", func() bool { return srv.Stats().Rejected == 1 })

	// The listener goes back to accepting.
	dial(t, srv, testSecret)
	waitFor(t, "second producer", func() bool { return srv.Stats().Connected })
}

func TestRelayDropsDisallowedTopics(t *testing.T) {
	pub := &fakePublisher{}
	srv := startServer(t, loopback(), NewDeviceForwarder(testRegistry(t), pub, 0))
	client := dial(t, srv, testSecret)

	for _, topic := range []string{"/devices/unknown/events", "/devices/sensor/config", "/devices/sensor/events"} {
		if err := client.Send(Record{Topic: topic, Payload: "x"}); err != nil {
			t.Fatalf("Send(%s) error = %v", topic, err)
		}
	}

	waitFor(t, "allowed record", func() bool { return len(pub.Published()) == 1 })
	if got := pub.Published()[0].topic; got != "/devices/sensor/events" {
		t.Errorf("published topic = %q", got)
	}
	if st := srv.Stats(); st.Dropped != 2 || st.Received != 3 {
		t.Errorf("Stats() = %+v, want 2 dropped of 3", st)
	}
}

func TestRelayDoesNotBufferWhileNotRunning(t *testing.T) {
	pub := &fakePublisher{down: true}
	srv := startServer(t, loopback(), NewDeviceForwarder(testRegistry(t), pub, 1))
	client := dial(t, srv, testSecret)

	if err := client.Send(Record{Topic: "/devices/sensor/events", Payload: "lost"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	waitFor(t, "drop", func() bool { return srv.Stats().Dropped == 1 })

	pub.setDown(false)
	if err := client.Send(Record{Topic: "/devices/sensor/events", Payload: "kept"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	waitFor(t, "publish", func() bool { return len(pub.Published()) == 1 })
	if got := pub.Published()[0].payload; got != "kept" {
		t.Errorf("published payload = %q, want only the record sent while running", got)
	}
}

func TestRelayMirrorsEvents(t *testing.T) {
	pub := &fakePublisher{down: true}
	mirror := &fakeMirror{}
	fwd := NewDeviceForwarder(testRegistry(t), pub, 1)
	fwd.SetMirror(mirror)
	srv := startServer(t, loopback(), fwd)
	client := dial(t, srv, testSecret)

	for _, rec := range []Record{
		{Topic: "/devices/sensor/state", Payload: "ping"},
		{Topic: "/devices/sensor/events", Payload: "2024-01-01T00:00:00Z,21.50,55.00,0,0"},
	} {
		if err := client.Send(rec); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}
	waitFor(t, "both records", func() bool { return srv.Stats().Received == 2 })

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	want := []string{"sensor 2024-01-01T00:00:00Z,21.50,55.00,0,0"}
	if strings.Join(mirror.writes, "|") != strings.Join(want, "|") {
		t.Errorf("mirror writes = %q, want %q", mirror.writes, want)
	}
}

func TestRelayClosesOnOversizedFrame(t *testing.T) {
	pub := &fakePublisher{}
	srv := startServer(t, loopback(), NewDeviceForwarder(testRegistry(t), pub, 1))
	client := dial(t, srv, testSecret)
	waitFor(t, "producer", func() bool { return srv.Stats().Connected })

	big := strings.Repeat("a", maxFrameSize+16) + "\n"
	_, _ = client.conn.Write([]byte(big)) //nolint:errcheck // Server may close mid-write

	waitFor(t, "disconnect", func() bool { return !srv.Stats().Connected })

	next := dial(t, srv, testSecret)
	if err := next.Send(Record{Topic: "/devices/sensor/events", Payload: "after"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	waitFor(t, "publish after reconnect", func() bool { return len(pub.Published()) == 1 })
}

func TestRelayUnixSocket(t *testing.T) {
	pub := &fakePublisher{}
	cfg := config.RelayConfig{
		Network: "unix",
		Address: filepath.Join(t.TempDir(), "relay.sock"),
		Secret:  testSecret,
	}
	srv := startServer(t, cfg, NewDeviceForwarder(testRegistry(t), pub, 1))
	client := dial(t, srv, testSecret)

	if err := client.Send(Record{Topic: "/devices/sensor/events", Payload: "x"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	waitFor(t, "publish", func() bool { return len(pub.Published()) == 1 })
}

func TestNewServerValidation(t *testing.T) {
	fwd := NewDeviceForwarder(testRegistry(t), &fakePublisher{}, 1)

	if _, err := NewServer(config.RelayConfig{Address: "127.0.0.1:0"}, fwd); !errors.Is(err, ErrNoSecret) {
		t.Errorf("NewServer() without secret error = %v, want ErrNoSecret", err)
	}
	if _, err := NewServer(config.RelayConfig{Network: "udp", Address: "x", Secret: "s"}, fwd); err == nil {
		t.Error("NewServer() with udp should fail")
	}
	if _, err := Dial(context.Background(), "tcp", "127.0.0.1:1", ""); !errors.Is(err, ErrNoSecret) {
		t.Errorf("Dial() without secret error = %v, want ErrNoSecret", err)
	}
}
