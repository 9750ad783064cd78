package types

import (
	"bytes"
	"errors"
	"math/big"
	"testing"
)

func sampleHeader(solutionLen int) *Header {
	h := &Header{
		Version:   4,
		Timestamp: 1_477_641_360,
		Bits:      0x1d00ffff,
		Height:    7,
	}
	for i := 0; i < HashSize; i++ {
		h.PrevBlockHash[i] = byte(i)
		h.MerkleRoot[i] = byte(0x40 + i)
		h.HashReserved[i] = 0
		h.Nonce[i] = byte(0x80 + i)
	}
	h.Solution = make([]byte, solutionLen)
	for i := range h.Solution {
		h.Solution[i] = byte(i * 3)
	}
	return h
}

func TestHeaderRoundTrip(t *testing.T) {
	// Solution lengths straddle the 1-byte and 3-byte compact size forms.
	for _, solLen := range []int{0, 1, 100, 252, 253, 1344} {
		h := sampleHeader(solLen)
		raw := h.Serialize()

		wantLen := BaseHeaderSize + CompactSizeLen(uint64(solLen)) + solLen
		if len(raw) != wantLen {
			t.Fatalf("serialized length = %d, want %d", len(raw), wantLen)
		}

		got, err := DeserializeHeader(bytes.NewReader(raw), h.Height)
		if err != nil {
			t.Fatalf("DeserializeHeader failed for solution length %d: %v", solLen, err)
		}
		if got.Version != h.Version || got.Timestamp != h.Timestamp || got.Bits != h.Bits {
			t.Errorf("fixed fields did not round-trip: got %+v", got)
		}
		if got.PrevBlockHash != h.PrevBlockHash || got.MerkleRoot != h.MerkleRoot ||
			got.HashReserved != h.HashReserved || got.Nonce != h.Nonce {
			t.Error("hash fields did not round-trip")
		}
		if !bytes.Equal(got.Solution, h.Solution) {
			t.Error("solution did not round-trip")
		}
		if got.Height != h.Height {
			t.Errorf("height = %d, want %d", got.Height, h.Height)
		}
		if !bytes.Equal(got.Serialize(), raw) {
			t.Error("re-serialization is not byte-identical")
		}
	}
}

func TestDeserializeTruncated(t *testing.T) {
	raw := sampleHeader(100).Serialize()
	for _, cut := range []int{0, 1, BaseHeaderSize - 1, BaseHeaderSize, BaseHeaderSize + 1, len(raw) - 1} {
		_, err := DeserializeHeader(bytes.NewReader(raw[:cut]), 0)
		if !errors.Is(err, ErrTruncatedRecord) {
			t.Errorf("cut at %d: error = %v, want ErrTruncatedRecord", cut, err)
		}
	}
}

func TestDeserializeRejectsOversizeSolution(t *testing.T) {
	prefix := make([]byte, BaseHeaderSize)
	for _, claim := range []uint64{MaxSolutionSize + 1, 1 << 32, 1<<63 - 1, 1<<64 - 1} {
		raw := AppendCompactSize(append([]byte{}, prefix...), claim)
		_, err := DeserializeHeader(bytes.NewReader(raw), 0)
		if !errors.Is(err, ErrTruncatedRecord) {
			t.Errorf("claimed %d solution bytes: error = %v, want ErrTruncatedRecord", claim, err)
		}
	}

	// The cap itself is still a legal length.
	h := sampleHeader(MaxSolutionSize)
	got, err := DeserializeHeader(bytes.NewReader(h.Serialize()), 0)
	if err != nil || len(got.Solution) != MaxSolutionSize {
		t.Errorf("solution at the cap rejected: %v", err)
	}
}

func TestHashHeaderNil(t *testing.T) {
	if got := HashHeader(nil); got != ZeroHash {
		t.Errorf("HashHeader(nil) = %s, want the zero hash", got)
	}
}

func TestHashDisplayOrder(t *testing.T) {
	var h Hash
	h[0] = 0xab
	h[HashSize-1] = 0x01

	want := "01" + "00000000000000000000000000000000000000000000000000000000" + "0000" + "ab"
	// 32 bytes: first displayed byte is the last stored one.
	if got := h.Hex(); got[:2] != "01" || got[len(got)-2:] != "ab" {
		t.Errorf("Hex() = %s, want %s", got, want)
	}

	back, err := HashFromHex(h.Hex())
	if err != nil {
		t.Fatalf("HashFromHex failed: %v", err)
	}
	if back != h {
		t.Error("hex round-trip changed the hash")
	}
}

func TestPowHashInterpretation(t *testing.T) {
	h := sampleHeader(10)
	identity := HashHeader(h)

	// PowHash is the same digest read as a little-endian integer.
	var be [HashSize]byte
	for i, c := range identity {
		be[HashSize-1-i] = c
	}
	want := new(big.Int).SetBytes(be[:])
	if h.PowHash().Cmp(want) != 0 {
		t.Error("PowHash does not match little-endian reading of the identity digest")
	}
}

func TestCompactSizeRoundTrip(t *testing.T) {
	tests := []struct {
		n       uint64
		encoded int
	}{
		{0, 1},
		{0xfc, 1},
		{0xfd, 3},
		{0xffff, 3},
		{0x10000, 5},
		{0xffffffff, 5},
		{0x100000000, 9},
	}
	for _, tt := range tests {
		buf := AppendCompactSize(nil, tt.n)
		if len(buf) != tt.encoded {
			t.Errorf("AppendCompactSize(%d) length = %d, want %d", tt.n, len(buf), tt.encoded)
		}
		if CompactSizeLen(tt.n) != tt.encoded {
			t.Errorf("CompactSizeLen(%d) = %d, want %d", tt.n, CompactSizeLen(tt.n), tt.encoded)
		}
		got, err := ReadCompactSize(bytes.NewReader(buf))
		if err != nil {
			t.Fatalf("ReadCompactSize(%d) failed: %v", tt.n, err)
		}
		if got != tt.n {
			t.Errorf("ReadCompactSize = %d, want %d", got, tt.n)
		}
	}
}
