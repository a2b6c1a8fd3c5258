package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the network dial timeout handed to paho.
	defaultConnectTimeout = 20 * time.Second

	// defaultPublishTimeout bounds how long a publish hand-off may block on a full outbound queue.
	defaultPublishTimeout = 5 * time.Second

	// defaultSubscribeTimeout is the maximum time to wait for a SUBACK.
	defaultSubscribeTimeout = 10 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the highest delivery level the bridge accepts.
	maxQoS = 1

	// brokerUsername is ignored by the bridge; the credential travels as the password.
	brokerUsername = "unused"
)

// Options configures a Session.
type Options struct {
	Host string
	Port int

	// TLS enables ssl:// with the given configuration. Nil selects plain tcp://.
	TLS *tls.Config

	ConnectTimeout    time.Duration
	KeepAlive         time.Duration
	PublishTimeout    time.Duration
	SubscribeTimeout  time.Duration
	DisconnectQuiesce uint
}

// OptionsFromConfig derives session options from the broker configuration.
// tlsConfig is nil when cfg.TLS is false.
func OptionsFromConfig(cfg config.BrokerConfig, tlsConfig *tls.Config) Options {
	opts := Options{
		Host:              cfg.Host,
		Port:              cfg.Port,
		ConnectTimeout:    time.Duration(cfg.ConnectTimeout) * time.Second,
		KeepAlive:         time.Duration(cfg.KeepAlive) * time.Second,
		PublishTimeout:    defaultPublishTimeout,
		SubscribeTimeout:  defaultSubscribeTimeout,
		DisconnectQuiesce: defaultDisconnectQuiesce,
	}
	if cfg.TLS {
		opts.TLS = tlsConfig
	}
	return opts
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = defaultKeepAlive
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = defaultPublishTimeout
	}
	if o.SubscribeTimeout <= 0 {
		o.SubscribeTimeout = defaultSubscribeTimeout
	}
	if o.DisconnectQuiesce == 0 {
		o.DisconnectQuiesce = defaultDisconnectQuiesce
	}
	return o
}

// brokerURL returns the broker URL, ssl:// when TLS is configured.
func (o Options) brokerURL() string {
	scheme := "tcp"
	if o.TLS != nil {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, o.Host, o.Port)
}

// buildClientOptions creates paho options for one connect attempt.
//
// This configures:
//   - Broker URL (tcp:// or ssl://)
//   - Client ID set to the gateway identity
//   - "unused" username with the signed credential as password
//   - Clean session, no auto-reconnect (the coordinator owns reconnects)
//   - TLS configuration (if enabled)
func buildClientOptions(o Options, identity, password string) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(o.brokerURL())
	opts.SetClientID(identity)
	opts.SetUsername(brokerUsername)
	opts.SetPassword(password)

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	opts.SetConnectTimeout(o.ConnectTimeout)
	opts.SetKeepAlive(o.KeepAlive)
	opts.SetWriteTimeout(o.PublishTimeout)

	if o.TLS != nil {
		opts.SetTLSConfig(o.TLS)
	}

	return opts
}
