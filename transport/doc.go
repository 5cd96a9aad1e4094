// Package transport implements the framed packet protocol spoken
// between a helix client and its key server.
//
// Packets are length-prefixed over TCP and, once the Noise-XX handshake
// completes, encrypted with the negotiated cipher states. The packet
// vocabulary is small: key registration, recipient lookups by name or
// email, liveness pings, and an orderly goodbye.
//
// Example:
//
//	conn, err := transport.Dial("keys.example.com:5567", staticKeys)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	reply, err := conn.RoundTrip(&transport.Packet{Type: transport.PacketPing})
package transport
