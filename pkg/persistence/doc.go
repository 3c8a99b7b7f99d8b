// Package persistence caches the result of a device registration so that a
// restarted device can connect to its assigned hub without registering
// again.
//
// The cache is a JSON file. When a sealing key is configured the file is
// sealed with XChaCha20-Poly1305 under a key derived with HKDF-SHA256 from
// the device's shared access key, so the assignment cannot be read or
// altered without the key.
package persistence
