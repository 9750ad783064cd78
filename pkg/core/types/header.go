package types

import (
	"encoding/binary"
	"errors"
	"io"
	"math/big"
)

// BaseHeaderSize is the length of the fixed portion of a serialized header:
// version(4) || prev(32) || merkle(32) || reserved(32) || time(4) || bits(4) || nonce(32).
// The variable-length solution vector follows it.
const BaseHeaderSize = 4 + 32 + 32 + 32 + 4 + 4 + 32

// MaxSolutionSize bounds the solution vector length accepted from serialized
// data. Equihash(200,9) solutions are 1344 bytes; a length prefix claiming
// more than this marks a corrupt or hostile record, and must be rejected
// before any allocation sized by it.
const MaxSolutionSize = 8192

// ErrTruncatedRecord is returned when a stream ends before a complete header
// record could be read, or when the record's length prefix is implausible.
// During size scans it marks the end of valid data rather than a fatal
// condition.
var ErrTruncatedRecord = errors.New("truncated header record")

// Header is one block's metadata record, excluding transactions. Height is
// positional: it is never serialized and must be supplied when decoding.
type Header struct {
	Version       int32
	PrevBlockHash Hash
	MerkleRoot    Hash
	HashReserved  Hash
	Timestamp     uint32
	Bits          uint32
	Nonce         Hash
	Solution      []byte

	Height int64
}

// Serialize returns the wire encoding of the header: the fixed 140-byte
// prefix followed by the compact-size-prefixed solution vector. All integers
// are little-endian.
func (h *Header) Serialize() []byte {
	buf := make([]byte, 0, BaseHeaderSize+CompactSizeLen(uint64(len(h.Solution)))+len(h.Solution))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.Version))
	buf = append(buf, h.PrevBlockHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = append(buf, h.HashReserved[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint32(buf, h.Bits)
	buf = append(buf, h.Nonce[:]...)
	buf = AppendCompactSize(buf, uint64(len(h.Solution)))
	buf = append(buf, h.Solution...)
	return buf
}

// DeserializeHeader reads one header record from r and attaches the
// caller-supplied height. It fails with ErrTruncatedRecord if r ends before a
// complete record is read.
func DeserializeHeader(r io.Reader, height int64) (*Header, error) {
	var fixed [BaseHeaderSize]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, ErrTruncatedRecord
	}

	h := &Header{Height: height}
	h.Version = int32(binary.LittleEndian.Uint32(fixed[0:4]))
	copy(h.PrevBlockHash[:], fixed[4:36])
	copy(h.MerkleRoot[:], fixed[36:68])
	copy(h.HashReserved[:], fixed[68:100])
	h.Timestamp = binary.LittleEndian.Uint32(fixed[100:104])
	h.Bits = binary.LittleEndian.Uint32(fixed[104:108])
	copy(h.Nonce[:], fixed[108:140])

	size, err := ReadCompactSize(r)
	if err != nil || size > MaxSolutionSize {
		return nil, ErrTruncatedRecord
	}
	h.Solution = make([]byte, size)
	if _, err := io.ReadFull(r, h.Solution); err != nil {
		return nil, ErrTruncatedRecord
	}
	return h, nil
}

// PowHash returns the double-SHA256 of the serialized header interpreted as a
// little-endian 256-bit unsigned integer, for comparison against a target.
func (h *Header) PowHash() *big.Int {
	sum := DoubleSHA256(h.Serialize())
	var be [HashSize]byte
	for i, c := range sum {
		be[HashSize-1-i] = c
	}
	return new(big.Int).SetBytes(be[:])
}

// HashHeader returns the identity hash used for chain linkage. A nil header
// maps to ZeroHash so the non-existent block below genesis can be linked
// against uniformly.
func HashHeader(h *Header) Hash {
	if h == nil {
		return ZeroHash
	}
	return DoubleSHA256(h.Serialize())
}

// ReadCompactSize reads a Bitcoin-style variable-length integer from r.
func ReadCompactSize(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:1]); err != nil {
		return 0, err
	}
	switch b[0] {
	case 0xfd:
		if _, err := io.ReadFull(r, b[:2]); err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint16(b[:2])), nil
	case 0xfe:
		if _, err := io.ReadFull(r, b[:4]); err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint32(b[:4])), nil
	case 0xff:
		if _, err := io.ReadFull(r, b[:8]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(b[:8]), nil
	default:
		return uint64(b[0]), nil
	}
}

// AppendCompactSize appends the variable-length encoding of n to buf.
func AppendCompactSize(buf []byte, n uint64) []byte {
	switch {
	case n < 0xfd:
		return append(buf, byte(n))
	case n <= 0xffff:
		buf = append(buf, 0xfd)
		return binary.LittleEndian.AppendUint16(buf, uint16(n))
	case n <= 0xffffffff:
		buf = append(buf, 0xfe)
		return binary.LittleEndian.AppendUint32(buf, uint32(n))
	default:
		buf = append(buf, 0xff)
		return binary.LittleEndian.AppendUint64(buf, n)
	}
}

// CompactSizeLen returns the encoded length of n as a compact size.
func CompactSizeLen(n uint64) int {
	switch {
	case n < 0xfd:
		return 1
	case n <= 0xffff:
		return 3
	case n <= 0xffffffff:
		return 5
	default:
		return 9
	}
}
