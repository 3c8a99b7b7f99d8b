// Package simulator provides in-process provisioning service and hub peers
// for transport.Memory. They authenticate SAS tokens, answer registration,
// status and twin requests, record telemetry and push desired property
// patches. The CLI runs against them when no broker is configured, and the
// tests use them for end-to-end flows.
package simulator
