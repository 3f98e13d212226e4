// Package bus is the publish/subscribe transport shared by every manager.
//
// Client abstracts an MQTT session: a last-will registered at connect time,
// retained publishes, wildcard subscriptions and transparent reconnection
// with a bounded outbound buffer while the session is down. MQTTClient talks
// to a real broker through paho; MemoryBroker provides the same semantics in
// process for tests, including simulated unclean disconnects.
package bus
