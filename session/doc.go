// Package session maintains the cryptographic session between the
// local process and the remote key server: startup validation, the
// Noise-secured connection, key publication, and orderly teardown.
//
// A session steps through a fixed lifecycle:
//
//	uninitialized -> started -> connecting -> connected -> disconnected -> shutdown
//
// No crypto operation that needs the key server may proceed unless the
// session is connected.
package session
