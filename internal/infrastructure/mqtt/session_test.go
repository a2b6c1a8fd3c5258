package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func testOptions() Options {
	return Options{
		Host:             "mqtt.example.test",
		Port:             8883,
		TLS:              &tls.Config{MinVersion: tls.VersionTLS12},
		ConnectTimeout:   time.Second,
		SubscribeTimeout: 100 * time.Millisecond,
	}
}

// connectedSession returns a session whose fake connection is established.
func connectedSession(t *testing.T) (*Session, *fakeClient, *Attempt) {
	t.Helper()
	fake := newFakeClient()
	s := NewSession(testOptions())
	s.SetClientFactory(fake.factory())

	attempt, err := s.Connect("projects/p/locations/r/registries/g/devices/gw", "signed-token")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := attempt.WaitEstablished(context.Background(), time.Second); err != nil {
		t.Fatalf("WaitEstablished() error = %v", err)
	}
	return s, fake, attempt
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect_Established(t *testing.T) {
	s, fake, _ := connectedSession(t)

	if got := s.State(); got != Connected {
		t.Errorf("State() = %v, want connected", got)
	}

	opts := fake.options()
	if opts.ClientID != "projects/p/locations/r/registries/g/devices/gw" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "unused" {
		t.Errorf("Username = %q, want unused", opts.Username)
	}
	if opts.Password != "signed-token" {
		t.Errorf("Password = %q, want the credential token", opts.Password)
	}
	if opts.AutoReconnect {
		t.Error("AutoReconnect = true, want false")
	}
	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://mqtt.example.test:8883" {
		t.Errorf("Servers = %v, want ssl://mqtt.example.test:8883", opts.Servers)
	}
}

func TestConnect_EstablishedViaCallback(t *testing.T) {
	fake := newFakeClient()
	fake.connectToken = pendingToken()
	s := NewSession(testOptions())
	s.SetClientFactory(fake.factory())

	attempt, err := s.Connect("gw", "tok")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if got := s.State(); got != Connecting {
		t.Fatalf("State() = %v, want connecting", got)
	}
	if _, err := s.Publish("/devices/gw/state", []byte("x"), 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() while connecting error = %v, want ErrNotConnected", err)
	}

	fake.options().OnConnect(fake)

	if err := attempt.WaitEstablished(context.Background(), time.Second); err != nil {
		t.Fatalf("WaitEstablished() error = %v", err)
	}
	if got := s.State(); got != Connected {
		t.Errorf("State() = %v, want connected", got)
	}
}

func TestConnect_Rejected(t *testing.T) {
	fake := newFakeClient()
	fake.connectToken = completedToken(errors.New("not authorized"))
	s := NewSession(testOptions())
	s.SetClientFactory(fake.factory())

	attempt, err := s.Connect("gw", "bad-token")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	err = attempt.WaitEstablished(context.Background(), time.Second)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("WaitEstablished() error = %v, want ErrConnectionFailed", err)
	}

	select {
	case <-attempt.Closed():
	case <-time.After(time.Second):
		t.Fatal("Closed() did not fire after rejection")
	}
	if got := s.State(); got != Disconnected {
		t.Errorf("State() = %v, want disconnected", got)
	}
}

func TestConnect_Timeout(t *testing.T) {
	fake := newFakeClient()
	fake.connectToken = pendingToken()
	s := NewSession(testOptions())
	s.SetClientFactory(fake.factory())

	attempt, err := s.Connect("gw", "tok")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	err = attempt.WaitEstablished(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, ErrConnectTimeout) {
		t.Errorf("WaitEstablished() error = %v, want ErrConnectTimeout", err)
	}

	s.Disconnect()
	if err := attempt.WaitClosed(context.Background(), time.Second); err != nil {
		t.Fatalf("WaitClosed() error = %v", err)
	}
	if err := attempt.WaitEstablished(context.Background(), time.Second); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("WaitEstablished() after disconnect = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_AlreadyConnected(t *testing.T) {
	s, _, _ := connectedSession(t)

	if _, err := s.Connect("gw", "tok"); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect() error = %v, want ErrAlreadyConnected", err)
	}
}

func TestWaitEstablished_Cancelled(t *testing.T) {
	attempt := NewAttempt()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := attempt.WaitEstablished(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("WaitEstablished() error = %v, want context.Canceled", err)
	}
}

// =============================================================================
// Disconnect Tests
// =============================================================================

func TestDisconnect_FiresClosed(t *testing.T) {
	s, fake, attempt := connectedSession(t)

	s.Disconnect()

	if err := attempt.WaitClosed(context.Background(), time.Second); err != nil {
		t.Fatalf("WaitClosed() error = %v", err)
	}
	if reason := attempt.CloseReason(); reason != nil {
		t.Errorf("CloseReason() = %v, want nil for a requested disconnect", reason)
	}
	if got := s.State(); got != Disconnected {
		t.Errorf("State() = %v, want disconnected", got)
	}
	if got := fake.disconnectCount(); got != 1 {
		t.Errorf("client.Disconnect calls = %d, want 1", got)
	}

	// Second call is a no-op.
	s.Disconnect()
	time.Sleep(10 * time.Millisecond)
	if got := fake.disconnectCount(); got != 1 {
		t.Errorf("client.Disconnect calls after repeat = %d, want 1", got)
	}
}

func TestWaitClosed_Timeout(t *testing.T) {
	attempt := NewAttempt()

	err := attempt.WaitClosed(context.Background(), 10*time.Millisecond)
	if !errors.Is(err, ErrDisconnectTimeout) {
		t.Errorf("WaitClosed() error = %v, want ErrDisconnectTimeout", err)
	}
}

func TestConnect_AfterUnconfirmedDisconnect(t *testing.T) {
	s, fake, stale := connectedSession(t)
	release := make(chan struct{})
	fake.mu.Lock()
	fake.disconnectBlock = release
	fake.mu.Unlock()

	s.Disconnect()
	if err := stale.WaitClosed(context.Background(), 50*time.Millisecond); !errors.Is(err, ErrDisconnectTimeout) {
		t.Fatalf("WaitClosed() error = %v, want ErrDisconnectTimeout", err)
	}
	if got := s.State(); got != Disconnecting {
		t.Fatalf("State() = %v, want disconnecting", got)
	}

	attempt, err := s.Connect("gw", "tok2")
	if err != nil {
		t.Fatalf("Connect() after disconnect timeout error = %v", err)
	}
	if err := attempt.WaitEstablished(context.Background(), time.Second); err != nil {
		t.Fatalf("WaitEstablished() error = %v", err)
	}

	// The abandoned teardown finishing late must not disturb the new connection.
	close(release)
	if err := stale.WaitClosed(context.Background(), time.Second); err != nil {
		t.Fatalf("stale WaitClosed() error = %v", err)
	}
	if got := s.State(); got != Connected {
		t.Errorf("State() = %v, want connected", got)
	}
	select {
	case <-attempt.Closed():
		t.Error("new attempt closed by the stale client's teardown")
	default:
	}
	if _, err := s.Publish("/devices/gw/state", []byte("x"), 0); err != nil {
		t.Errorf("Publish() on new connection error = %v", err)
	}
}

func TestConnectionLost(t *testing.T) {
	s, fake, attempt := connectedSession(t)

	fake.options().OnConnectionLost(fake, errors.New("EOF"))

	select {
	case <-attempt.Closed():
	case <-time.After(time.Second):
		t.Fatal("Closed() did not fire on connection loss")
	}
	if !errors.Is(attempt.CloseReason(), ErrConnectionLost) {
		t.Errorf("CloseReason() = %v, want ErrConnectionLost", attempt.CloseReason())
	}
	if got := s.State(); got != Disconnected {
		t.Errorf("State() = %v, want disconnected", got)
	}
	if _, err := s.Publish("/devices/gw/state", []byte("x"), 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() after loss error = %v, want ErrNotConnected", err)
	}

	// A fresh attempt is allowed once the old connection is gone.
	if _, err := s.Connect("gw", "tok2"); err != nil {
		t.Errorf("Connect() after loss error = %v", err)
	}
}

// =============================================================================
// Publish Tests
// =============================================================================

func TestPublish_NotConnectedMakesNoNetworkCall(t *testing.T) {
	fake := newFakeClient()
	s := NewSession(testOptions())
	s.SetClientFactory(fake.factory())

	topics := []string{"/devices/sensor/events", "/devices/default/state", "/devices/x/attach"}
	for _, topic := range topics {
		for _, qos := range []byte{0, 1} {
			if _, err := s.Publish(topic, []byte("payload"), qos); !errors.Is(err, ErrNotConnected) {
				t.Errorf("Publish(%q, qos %d) error = %v, want ErrNotConnected", topic, qos, err)
			}
		}
	}

	if got := fake.publishCount(); got != 0 {
		t.Errorf("network publishes = %d, want 0", got)
	}
}

func TestPublish_HandsOff(t *testing.T) {
	s, fake, _ := connectedSession(t)

	id, err := s.Publish("/devices/sensor/events", []byte("2024-01-01T00:00:00Z,21.50,55.00,0,0"), 1)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if id == 0 {
		t.Error("Publish() at QoS 1 returned message id 0")
	}

	if got := fake.publishCount(); got != 1 {
		t.Fatalf("network publishes = %d, want 1", got)
	}
	pub := fake.publishes[0]
	if pub.topic != "/devices/sensor/events" || pub.qos != 1 || pub.retained {
		t.Errorf("published %+v, want events topic at qos 1, not retained", pub)
	}
	if string(pub.payload) != "2024-01-01T00:00:00Z,21.50,55.00,0,0" {
		t.Errorf("payload = %q", pub.payload)
	}
}

func TestPublish_RefusedHandoff(t *testing.T) {
	s, fake, _ := connectedSession(t)
	fake.publishErr = errors.New("publish was broken by timeout")

	if _, err := s.Publish("/devices/sensor/events", []byte("x"), 1); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("Publish() error = %v, want ErrPublishFailed", err)
	}
}

func TestPublish_InvalidInput(t *testing.T) {
	s, _, _ := connectedSession(t)

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", []byte("x"), 0, ErrInvalidTopic},
		{"qos 2", "/devices/a/events", []byte("x"), 2, ErrInvalidQoS},
		{"oversized", "/devices/a/events", make([]byte, maxPayloadSize+1), 0, ErrPublishFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Publish(tt.topic, tt.payload, tt.qos); !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// =============================================================================
// Subscribe Tests
// =============================================================================

func TestSubscribe_Dispatches(t *testing.T) {
	s, fake, _ := connectedSession(t)

	var got atomic.Value
	err := s.Subscribe("/devices/sensor/commands/#", 0, func(topic string, payload []byte) error {
		got.Store(topic + "=" + string(payload))
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if qos := fake.subscribeQoS["/devices/sensor/commands/#"]; qos != 0 {
		t.Errorf("subscribed qos = %d, want 0", qos)
	}

	fake.deliver("/devices/sensor/commands/#", "/devices/sensor/commands/reboot", []byte("now"))

	if v, _ := got.Load().(string); v != "/devices/sensor/commands/reboot=now" {
		t.Errorf("handler received %q", v)
	}
}

func TestSubscribe_Errors(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		s := NewSession(testOptions())
		err := s.Subscribe("/devices/a/config", 1, func(string, []byte) error { return nil })
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
		}
	})

	t.Run("nil handler", func(t *testing.T) {
		s, _, _ := connectedSession(t)
		if err := s.Subscribe("/devices/a/config", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
			t.Errorf("Subscribe() error = %v, want ErrSubscribeFailed", err)
		}
	})

	t.Run("suback error", func(t *testing.T) {
		s, fake, _ := connectedSession(t)
		fake.subscribeToken = completedToken(errors.New("refused"))
		err := s.Subscribe("/devices/a/config", 1, func(string, []byte) error { return nil })
		if !errors.Is(err, ErrSubscribeFailed) {
			t.Errorf("Subscribe() error = %v, want ErrSubscribeFailed", err)
		}
	})

	t.Run("suback timeout", func(t *testing.T) {
		s, fake, _ := connectedSession(t)
		fake.subscribeToken = pendingToken()
		err := s.Subscribe("/devices/a/config", 1, func(string, []byte) error { return nil })
		if !errors.Is(err, ErrSubscribeFailed) {
			t.Errorf("Subscribe() error = %v, want ErrSubscribeFailed", err)
		}
	})
}

func TestHandlerPanicRecovered(t *testing.T) {
	s, fake, _ := connectedSession(t)

	err := s.Subscribe("/devices/a/config", 1, func(string, []byte) error {
		panic("boom")
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// Must not propagate the panic.
	fake.deliver("/devices/a/config", "/devices/a/config", []byte("{}"))
}

func TestDefaultHandler(t *testing.T) {
	fake := newFakeClient()
	s := NewSession(testOptions())
	s.SetClientFactory(fake.factory())

	var got atomic.Value
	s.SetDefaultHandler(func(topic string, _ []byte) error {
		got.Store(topic)
		return nil
	})

	attempt, err := s.Connect("gw", "tok")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := attempt.WaitEstablished(context.Background(), time.Second); err != nil {
		t.Fatalf("WaitEstablished() error = %v", err)
	}

	fake.deliver("unrouted", "/devices/gw/commands/x", nil)

	if v, _ := got.Load().(string); v != "/devices/gw/commands/x" {
		t.Errorf("default handler received %q", v)
	}
}

func TestConnectionState_String(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{Disconnected, "disconnected"},
		{Connecting, "connecting"},
		{Connected, "connected"},
		{Disconnecting, "disconnecting"},
		{ConnectionState(9), "unknown(9)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}
