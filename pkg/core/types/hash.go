package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashSize is the length of all hashes in bytes.
const HashSize = 32

// Hash is a 32-byte hash stored in wire byte order. Its textual form is the
// byte-reversed hex string used by the electrum protocol and block explorers.
type Hash [HashSize]byte

// ZeroHash is the all-zeroes hash. It stands in for the hash of the
// non-existent block below genesis.
var ZeroHash Hash

// HashFromBytes creates a Hash from wire-order bytes. Returns error if len != 32.
func HashFromBytes(b []byte) (Hash, error) {
	if len(b) != HashSize {
		return Hash{}, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(b))
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// HashFromHex parses a display-order (byte-reversed) hex string into a Hash.
func HashFromHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != HashSize {
		return Hash{}, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(b))
	}
	var h Hash
	for i, c := range b {
		h[HashSize-1-i] = c
	}
	return h, nil
}

// MustHashFromHex is HashFromHex for statically known constants; it panics on
// malformed input.
func MustHashFromHex(s string) Hash {
	h, err := HashFromHex(s)
	if err != nil {
		panic(err)
	}
	return h
}

// Bytes returns the hash in wire byte order.
func (h Hash) Bytes() []byte {
	return h[:]
}

// Hex returns the display-order (byte-reversed) hex encoding.
func (h Hash) Hex() string {
	var rev [HashSize]byte
	for i, c := range h {
		rev[HashSize-1-i] = c
	}
	return hex.EncodeToString(rev[:])
}

// String implements fmt.Stringer.
func (h Hash) String() string {
	return h.Hex()
}

// IsZero returns true if every byte is 0x00.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// DoubleSHA256 computes SHA256(SHA256(data)) and returns it as a Hash.
func DoubleSHA256(data []byte) Hash {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}
