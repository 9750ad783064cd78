// Package equihash implements solution verification for the Equihash
// proof-of-work puzzle (Wagner's generalized birthday problem) as used by
// Zcash-derived chains.
package equihash

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dchest/blake2b"
)

// inputLen is the length of the header prefix hashed into the puzzle state:
// everything before the nonce field.
const inputLen = 4 + 32 + 32 + 32 + 4 + 4

// nonceLen is the length of the puzzle nonce.
const nonceLen = 32

// Validator verifies Equihash(n, k) solutions.
type Validator struct {
	n, k uint32

	person          []byte
	indicesPerHash  uint32
	hashOutLen      int
	collisionBits   uint32
	solutionIndices int
	solutionBytes   int
}

// New creates a Validator for the given puzzle parameters. The canonical
// mainnet parameters are n=200, k=9.
func New(n, k uint32) (*Validator, error) {
	if k >= n {
		return nil, fmt.Errorf("equihash: k (%d) must be smaller than n (%d)", k, n)
	}
	if n%8 != 0 || n > 512 || n%(k+1) != 0 {
		return nil, fmt.Errorf("equihash: unsupported n=%d k=%d", n, k)
	}
	collisionBits := n / (k + 1)
	indices := 1 << k
	minimalBits := int(collisionBits+1) * indices
	if minimalBits%8 != 0 {
		return nil, fmt.Errorf("equihash: solution for n=%d k=%d is not byte aligned", n, k)
	}

	person := make([]byte, 0, 16)
	person = append(person, "ZcashPoW"...)
	person = binary.LittleEndian.AppendUint32(person, n)
	person = binary.LittleEndian.AppendUint32(person, k)

	return &Validator{
		n:               n,
		k:               k,
		person:          person,
		indicesPerHash:  512 / n,
		hashOutLen:      int(512 / n * n / 8),
		collisionBits:   collisionBits,
		solutionIndices: indices,
		solutionBytes:   minimalBits / 8,
	}, nil
}

// IsValid reports whether solution is a valid Equihash proof for the given
// serialized header bytes and nonce. headerBytes may be the full header
// record; only the prefix before the nonce field participates in the puzzle.
func (v *Validator) IsValid(headerBytes, nonce, solution []byte) bool {
	if len(headerBytes) < inputLen || len(nonce) != nonceLen {
		return false
	}
	if len(solution) != v.solutionBytes {
		return false
	}

	indices, err := expandIndices(solution, v.collisionBits+1)
	if err != nil || len(indices) != v.solutionIndices {
		return false
	}
	if hasDuplicates(indices) {
		return false
	}

	rows := make([]row, len(indices))
	for i, idx := range indices {
		hash, err := v.leafHash(headerBytes[:inputLen], nonce, idx)
		if err != nil {
			return false
		}
		rows[i] = row{hash: hash, first: idx}
	}

	// Fold pairwise k times; every intermediate XOR must zero out one more
	// collision-bit group, and pairs must be index-ordered.
	for level := uint32(1); level <= v.k; level++ {
		next := make([]row, 0, len(rows)/2)
		for i := 0; i < len(rows); i += 2 {
			a, b := rows[i], rows[i+1]
			if a.first >= b.first {
				return false
			}
			merged := make([]byte, len(a.hash))
			for j := range merged {
				merged[j] = a.hash[j] ^ b.hash[j]
			}
			if !leadingBitsZero(merged, level*v.collisionBits) {
				return false
			}
			next = append(next, row{hash: merged, first: a.first})
		}
		rows = next
	}

	return len(rows) == 1 && leadingBitsZero(rows[0].hash, v.n)
}

type row struct {
	hash  []byte
	first uint32
}

// leafHash generates the n/8-byte hash for one solution index.
func (v *Validator) leafHash(input, nonce []byte, index uint32) ([]byte, error) {
	h, err := blake2b.New(&blake2b.Config{
		Size:   uint8(v.hashOutLen),
		Person: v.person,
	})
	if err != nil {
		return nil, err
	}
	h.Write(input)
	h.Write(nonce)

	var g [4]byte
	binary.LittleEndian.PutUint32(g[:], index/v.indicesPerHash)
	h.Write(g[:])

	sum := h.Sum(nil)
	start := int(index%v.indicesPerHash) * int(v.n/8)
	return sum[start : start+int(v.n/8)], nil
}

// expandIndices unpacks the minimal big-endian bit representation of the
// solution into its index list. bitLen is the width of each index.
func expandIndices(data []byte, bitLen uint32) ([]uint32, error) {
	if bitLen < 8 || bitLen > 32 {
		return nil, errors.New("equihash: index bit length out of range")
	}
	if uint32(len(data))*8%bitLen != 0 {
		return nil, errors.New("equihash: solution is not a whole number of indices")
	}

	out := make([]uint32, 0, uint32(len(data))*8/bitLen)
	mask := uint64(1)<<bitLen - 1
	var acc uint64
	var accBits uint32
	for _, b := range data {
		acc = acc<<8 | uint64(b)
		accBits += 8
		if accBits >= bitLen {
			accBits -= bitLen
			out = append(out, uint32(acc>>accBits&mask))
		}
	}
	return out, nil
}

func hasDuplicates(indices []uint32) bool {
	seen := make(map[uint32]struct{}, len(indices))
	for _, idx := range indices {
		if _, ok := seen[idx]; ok {
			return true
		}
		seen[idx] = struct{}{}
	}
	return false
}

// leadingBitsZero reports whether the first nbits of h are all zero.
func leadingBitsZero(h []byte, nbits uint32) bool {
	full := nbits / 8
	if full > uint32(len(h)) {
		return false
	}
	for _, b := range h[:full] {
		if b != 0 {
			return false
		}
	}
	if rem := nbits % 8; rem != 0 {
		if full == uint32(len(h)) {
			return false
		}
		if h[full]&(0xff<<(8-rem)) != 0 {
			return false
		}
	}
	return true
}
