package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketType identifies the type of a key-server packet.
type PacketType byte

const (
	// PacketRegisterKey publishes an account's public key record.
	PacketRegisterKey PacketType = iota + 1
	// PacketRegisterAck acknowledges a registration.
	PacketRegisterAck
	// PacketLookupByName asks for the key record of a named account.
	PacketLookupByName
	// PacketLookupByEmail asks for the key record behind an email address.
	PacketLookupByEmail
	// PacketLookupFound carries the key record answering a lookup.
	PacketLookupFound
	// PacketLookupMiss reports that a lookup matched no account.
	PacketLookupMiss
	// PacketPing probes connection liveness.
	PacketPing
	// PacketPong answers a ping.
	PacketPong
	// PacketBye announces an orderly disconnect.
	PacketBye
)

// MaxPacketSize bounds a single framed packet. Key records and lookup
// queries are small; ciphertext never travels to the key server.
const MaxPacketSize = 64 * 1024

var (
	// ErrPacketTooLarge indicates a frame exceeding MaxPacketSize.
	ErrPacketTooLarge = errors.New("packet exceeds maximum size")
	// ErrPacketTooShort indicates a frame too short to carry a packet type.
	ErrPacketTooShort = errors.New("packet too short")
	// ErrMalformedRecord indicates a key record that failed to parse.
	ErrMalformedRecord = errors.New("malformed key record")
)

// Packet is a single protocol message.
type Packet struct {
	Type PacketType
	Data []byte
}

// Marshal serializes a packet to its wire form (type byte + payload).
func (p *Packet) Marshal() ([]byte, error) {
	if len(p.Data)+1 > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}
	buf := make([]byte, 1+len(p.Data))
	buf[0] = byte(p.Type)
	copy(buf[1:], p.Data)
	return buf, nil
}

// ParsePacket deserializes a packet from its wire form.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, ErrPacketTooShort
	}
	if len(data) > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}
	return &Packet{
		Type: PacketType(data[0]),
		Data: append([]byte(nil), data[1:]...),
	}, nil
}

// KeyRecord is the published identity of one account on the key server.
type KeyRecord struct {
	Name      string
	Email     string
	DeviceUID string
	PublicKey [32]byte
}

// Marshal serializes a key record: three length-prefixed strings
// followed by the raw 32-byte public key.
func (r *KeyRecord) Marshal() ([]byte, error) {
	buf := make([]byte, 0, 6+len(r.Name)+len(r.Email)+len(r.DeviceUID)+32)
	for _, s := range []string{r.Name, r.Email, r.DeviceUID} {
		if len(s) > 0xffff {
			return nil, ErrMalformedRecord
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
		buf = append(buf, s...)
	}
	buf = append(buf, r.PublicKey[:]...)
	return buf, nil
}

// ParseKeyRecord deserializes a key record.
func ParseKeyRecord(data []byte) (*KeyRecord, error) {
	var rec KeyRecord
	fields := []*string{&rec.Name, &rec.Email, &rec.DeviceUID}
	off := 0
	for _, f := range fields {
		if off+2 > len(data) {
			return nil, ErrMalformedRecord
		}
		n := int(binary.BigEndian.Uint16(data[off:]))
		off += 2
		if off+n > len(data) {
			return nil, ErrMalformedRecord
		}
		*f = string(data[off : off+n])
		off += n
	}
	if len(data)-off != 32 {
		return nil, fmt.Errorf("%w: trailing key has %d bytes", ErrMalformedRecord, len(data)-off)
	}
	copy(rec.PublicKey[:], data[off:])
	return &rec, nil
}
