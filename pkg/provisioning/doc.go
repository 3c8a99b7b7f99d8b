// Package provisioning implements the device side of the provisioning
// service registration protocol over MQTT.
//
// A registration is a register request followed, while the service is still
// assigning the device, by operation status polls:
//
//	register ──429──► wait retry-after, resend (same $rid)
//	   │
//	   ├─200 assigning──► poll every PollingInterval (or retry-after)
//	   │                     │
//	   └─200 assigned/failed ◄┘
//
// Responses are correlated with requests through a ledger.Ledger fed by a
// dispatch goroutine reading the response topic. Every request waits at
// most ResponseTimeout for its response; the ledger entry is removed on
// every exit path, including cancellation.
//
// The client does not reconnect or retry transport failures. Use
// session.ProvisioningSession for an operation that also fails fast when
// the connection drops.
package provisioning
