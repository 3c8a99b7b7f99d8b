// Package iothub implements the device side of the hub's MQTT API:
// telemetry, twin retrieval, reported property patches and desired
// property notifications.
//
// Twin requests are request/response exchanges correlated by $rid through a
// ledger.Ledger. Telemetry is fire-and-forget. A credential refresh
// goroutine re-applies renewed SAS tokens to the transport so that the next
// connect presents a valid password.
package iothub
