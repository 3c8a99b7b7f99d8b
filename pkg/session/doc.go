// Package session bundles a protocol client with its credentials and makes
// every operation fail fast when the connection drops.
//
// A session owns the SAS token provider (for shared access key
// credentials), the client and its lifecycle. Operations are raced against
// the client's disconnect signal: when the connection ends first the
// operation is cancelled, its cleanup runs, and the disconnect cause is
// returned, or ErrCancelledByDisconnect for a requested disconnect.
package session
