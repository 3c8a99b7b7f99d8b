// Package transport defines the MQTT connection contract the hub and
// provisioning clients are written against.
//
// The clients never speak MQTT themselves: they publish, subscribe and read
// inbound messages through a Transport. Any MQTT 3.1.1 client library can
// be adapted to the interface. Memory is an in-process implementation
// whose broker side is supplied by the caller (see internal/simulator).
//
// Subscriptions follow clean-session semantics: they end with the
// connection and must be re-established after a reconnect. Channels
// returned by Incoming persist across reconnects.
package transport
