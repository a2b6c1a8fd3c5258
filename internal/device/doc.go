// Package device provides the topic registry for the gateway.
//
// The registry is the static, ordered table of logical devices: one gateway
// (the identity the broker connection authenticates as) and the leaf devices
// attached through it. Each device lists the sub-topics it subscribes to,
// with a delivery level and a handler.
//
// # Key Types
//
//   - Device: a gateway or leaf device and its sub-topics
//   - DeliveryLevel: AtMostOnce (QoS 0) or AtLeastOnce (QoS 1)
//   - Subscription: a concrete /devices/{id}/{subTopic} topic with its handler
//   - HandlerTable: named handlers that configuration refers to
//   - ConfigStore: the latest configuration pushed to each device
//
// # Dispatch
//
// Inbound messages are routed by pattern lookup: the first subscription
// whose topic (wildcards included) matches the message topic handles it.
//
// # Usage
//
//	store := device.NewConfigStore()
//	registry, err := device.FromConfig(cfg.Gateway.GatewayID, cfg.Devices,
//	    device.BuiltinHandlers(store, logger))
//	for _, sub := range registry.Subscriptions() {
//	    // subscribe sub.Topic at sub.Level
//	}
package device
