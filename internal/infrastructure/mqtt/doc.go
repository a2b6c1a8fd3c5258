// Package mqtt owns the gateway's single broker connection.
//
// This package manages:
//   - TLS connection to the MQTT bridge, authenticated with a signed credential
//   - Explicit connection state (disconnected, connecting, connected, disconnecting)
//   - Single-shot connect and disconnect signals per attempt
//   - Non-blocking, non-queuing publish with QoS 0 or 1
//   - Topic subscriptions with wildcard support
//   - Fetching the trusted CA bundle at startup
//
// # Architecture
//
// The session never reconnects on its own. Every reconnect is a deliberate
// cycle driven by the session coordinator, because the broker password is a
// short-lived token that must be rotated by a fresh connection.
//
//	coordinator -> Session.Connect -> Attempt.WaitEstablished
//	heartbeat, relay -> Session.Publish (ErrNotConnected when down)
//	paho dispatch goroutine -> MessageHandler
//
// # Delivery
//
// QoS 1 only means the hand-off to the network layer succeeded while
// connected. There is no outbox: a message handed off just before the
// connection drops is lost.
//
// # Usage
//
//	session := mqtt.NewSession(mqtt.OptionsFromConfig(cfg.Broker, mqtt.TLSConfig(pool)))
//	attempt, err := session.Connect(clientID, cred.Token)
//	if err := attempt.WaitEstablished(ctx, 20*time.Second); err != nil {
//	    session.Disconnect()
//	}
//	session.Publish(mqtt.Topics{}.Events("sensor"), payload, 1)
package mqtt
