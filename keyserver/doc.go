// Package keyserver implements the directory side of the key-exchange
// protocol: it accepts Noise-XX secured connections, stores public-key
// records published by accounts, and answers lookups by name or email.
//
// The server keeps its directory in memory. It backs integration tests
// over loopback and small deployments of the demo utility; it is not a
// replicated production directory.
package keyserver
