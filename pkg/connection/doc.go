// Package connection tracks the lifecycle of an MQTT connection to the hub
// or the provisioning service.
//
// Signal records whether a transport is connected and why it last
// disconnected. Its Done channel is closed on disconnect, which lets long
// running operations race against connection loss.
//
// Manager keeps a hub connection alive for applications that want it:
// when the connection drops it reconnects with exponential backoff.
//
//	delay = base + random(0, base * jitter)
//	base  = 1s, 2s, 4s ... capped at 60s, reset on success
//
// The protocol clients themselves never reconnect or retry transport
// failures; that is left to Manager or the application.
package connection
