// Package engine implements the asynchronous crypto engine: given a
// resolved recipient's public key it encrypts byte payloads into
// self-framing ciphertext blobs, and decrypts engine-produced blobs
// back to plaintext, doing the work on background goroutines and
// reporting completion through the promise registry.
//
// Every started operation carries a buffer-ownership flag. Under
// OwnerEngine the engine copies the caller's input immediately and the
// caller may reuse its buffer as soon as the start call returns; under
// OwnerCaller no defensive copy is made and the buffer must stay valid
// and unmodified until the operation's promise reaches a terminal
// state. On output the flag decides release responsibility: an
// engine-owned result stays registry-held until Conclude, a
// caller-owned result transfers out and invalidates the handle by
// construction, so exactly one side ever releases a given buffer.
package engine
