package mqtt

import (
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// fakeToken is a pahomqtt.Token completed by the test.
type fakeToken struct {
	done chan struct{}
	once sync.Once
	err  error
	id   uint16
}

func pendingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func completedToken(err error) *fakeToken {
	t := pendingToken()
	t.complete(err)
	return t
}

func (t *fakeToken) complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}
func (t *fakeToken) MessageID() uint16 { return t.id }

type fakePublish struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient implements pahomqtt.Client without a network.
type fakeClient struct {
	mu   sync.Mutex
	opts *pahomqtt.ClientOptions

	connectToken   *fakeToken
	publishErr     error
	subscribeToken *fakeToken

	publishes     []fakePublish
	subscriptions map[string]pahomqtt.MessageHandler
	subscribeQoS  map[string]byte
	disconnects   int
	nextID        uint16

	// disconnectBlock, when set, holds Disconnect until it is closed.
	disconnectBlock chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		connectToken:  completedToken(nil),
		subscriptions: make(map[string]pahomqtt.MessageHandler),
		subscribeQoS:  make(map[string]byte),
	}
}

// factory returns a ClientFactory handing out this fake.
func (f *fakeClient) factory() ClientFactory {
	return func(opts *pahomqtt.ClientOptions) pahomqtt.Client {
		f.mu.Lock()
		f.opts = opts
		f.mu.Unlock()
		return f
	}
}

func (f *fakeClient) options() *pahomqtt.ClientOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts
}

func (f *fakeClient) IsConnected() bool      { return true }
func (f *fakeClient) IsConnectionOpen() bool { return true }

func (f *fakeClient) Connect() pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectToken
}

func (f *fakeClient) Disconnect(_ uint) {
	f.mu.Lock()
	f.disconnects++
	block := f.disconnectBlock
	f.mu.Unlock()
	if block != nil {
		<-block
	}
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, _ := payload.([]byte)
	f.publishes = append(f.publishes, fakePublish{topic: topic, qos: qos, retained: retained, payload: b})
	if f.publishErr != nil {
		return completedToken(f.publishErr)
	}
	tok := pendingToken()
	if qos > 0 {
		f.nextID++
		tok.id = f.nextID
	}
	return tok
}

func (f *fakeClient) Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[topic] = callback
	f.subscribeQoS[topic] = qos
	if f.subscribeToken != nil {
		return f.subscribeToken
	}
	return completedToken(nil)
}

func (f *fakeClient) SubscribeMultiple(_ map[string]byte, _ pahomqtt.MessageHandler) pahomqtt.Token {
	return completedToken(nil)
}

func (f *fakeClient) Unsubscribe(_ ...string) pahomqtt.Token {
	return completedToken(nil)
}

func (f *fakeClient) AddRoute(_ string, _ pahomqtt.MessageHandler) {}

func (f *fakeClient) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

func (f *fakeClient) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.publishes)
}

func (f *fakeClient) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

// deliver invokes the handler registered for topic, or the default handler.
func (f *fakeClient) deliver(subscription, topic string, payload []byte) {
	f.mu.Lock()
	handler := f.subscriptions[subscription]
	if handler == nil && f.opts != nil {
		handler = f.opts.DefaultPublishHandler
	}
	f.mu.Unlock()
	if handler != nil {
		handler(f, &fakeMessage{topic: topic, payload: payload})
	}
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}
