package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/helix/crypto"
)

// Ciphertext blob layout, all integers big-endian:
//
//	magic   [4]byte  "HLXB"
//	version byte
//	flags   byte     bit0: password-mixed key
//	ephPub  [32]byte sender's ephemeral X25519 public key
//	salt    [16]byte message key salt
//	nonce   [24]byte sealing nonce
//	length  uint32   sealed payload length
//	sealed  []byte
var blobMagic = [4]byte{'H', 'L', 'X', 'B'}

const (
	blobVersion = 1

	flagPasswordMixed = 0x01

	// BlobOverhead is the fixed framing cost of a blob over its sealed
	// payload. Even an empty plaintext produces a nonzero blob.
	BlobOverhead = 4 + 1 + 1 + 32 + 16 + 24 + 4
)

var (
	// ErrNotCipherBlob indicates input that does not start with the blob magic.
	ErrNotCipherBlob = errors.New("input is not a ciphertext blob")
	// ErrBlobTruncated indicates a blob shorter than its framing declares.
	ErrBlobTruncated = errors.New("ciphertext blob truncated")
	// ErrBlobVersion indicates an unsupported blob format version.
	ErrBlobVersion = errors.New("unsupported ciphertext blob version")
)

// Blob is a decoded ciphertext frame.
type Blob struct {
	PasswordMixed bool
	EphemeralPub  [32]byte
	Salt          crypto.Salt
	Nonce         crypto.Nonce
	Sealed        []byte
}

// encodeBlob frames a sealed payload into the wire form.
func encodeBlob(b *Blob) []byte {
	out := make([]byte, 0, BlobOverhead+len(b.Sealed))
	out = append(out, blobMagic[:]...)
	out = append(out, blobVersion)
	var flags byte
	if b.PasswordMixed {
		flags |= flagPasswordMixed
	}
	out = append(out, flags)
	out = append(out, b.EphemeralPub[:]...)
	out = append(out, b.Salt[:]...)
	out = append(out, b.Nonce[:]...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(b.Sealed)))
	out = append(out, b.Sealed...)
	return out
}

// decodeBlob parses the wire form back into a Blob.
func decodeBlob(data []byte) (*Blob, error) {
	if len(data) < BlobOverhead {
		if len(data) < 4 || !bytes.Equal(data[:4], blobMagic[:]) {
			return nil, ErrNotCipherBlob
		}
		return nil, ErrBlobTruncated
	}
	if !bytes.Equal(data[:4], blobMagic[:]) {
		return nil, ErrNotCipherBlob
	}
	if data[4] != blobVersion {
		return nil, fmt.Errorf("%w: %d", ErrBlobVersion, data[4])
	}

	var b Blob
	b.PasswordMixed = data[5]&flagPasswordMixed != 0
	off := 6
	copy(b.EphemeralPub[:], data[off:off+32])
	off += 32
	copy(b.Salt[:], data[off:off+16])
	off += 16
	copy(b.Nonce[:], data[off:off+24])
	off += 24
	n := binary.BigEndian.Uint32(data[off:])
	off += 4
	if uint32(len(data)-off) != n {
		return nil, ErrBlobTruncated
	}
	b.Sealed = data[off:]
	return &b, nil
}
