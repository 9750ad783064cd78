package blockchain

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/BushidoLab/electrum/pkg/config"
	"github.com/BushidoLab/electrum/pkg/core/consensus"
	"github.com/BushidoLab/electrum/pkg/core/types"
)

// stubVerifier replaces the Equihash validator so chain tests do not need a
// puzzle solver.
type stubVerifier struct {
	ok bool
}

func (v stubVerifier) IsValid(_, _, _ []byte) bool {
	return v.ok
}

// makeHeader builds a deterministic header on top of prev. Salt distinguishes
// competing branches at the same height.
func makeHeader(prev *types.Header, height int64, salt byte) *types.Header {
	h := &types.Header{
		Version:       4,
		PrevBlockHash: types.HashHeader(prev),
		Timestamp:     uint32(1_550_000_000 + height*150),
		Bits:          0x1d00ffff,
		Height:        height,
		Solution:      bytes.Repeat([]byte{salt ^ byte(height)}, 36),
	}
	binary.LittleEndian.PutUint64(h.Nonce[:8], uint64(height))
	h.Nonce[8] = salt
	return h
}

// buildChain returns a linked chain of n headers starting at genesis.
func buildChain(n int, salt byte) []*types.Header {
	headers := make([]*types.Header, n)
	var prev *types.Header
	for i := range headers {
		headers[i] = makeHeader(prev, int64(i), salt)
		prev = headers[i]
	}
	return headers
}

// chunkBytes concatenates serialized headers into chunk wire format.
func chunkBytes(headers []*types.Header) []byte {
	var buf bytes.Buffer
	for _, h := range headers {
		buf.Write(h.Serialize())
	}
	return buf.Bytes()
}

// testParams is the regtest parameter set pinned to the given genesis.
func testParams(genesis *types.Header) *config.Params {
	p := config.RegTest
	p.GenesisHash = types.HashHeader(genesis)
	return &p
}

func openTestTree(t *testing.T, dir string, params *config.Params, v consensus.ProofVerifier) *Tree {
	t.Helper()
	tree, err := Open(dir, params, v)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { tree.Close() })
	return tree
}

// appendAll routes each header through connection lookup and appends it.
func appendAll(t *testing.T, tree *Tree, headers []*types.Header) {
	t.Helper()
	for _, h := range headers {
		seg := tree.CanConnect(h)
		if seg == nil {
			t.Fatalf("no segment connects header at height %d", h.Height)
		}
		if err := seg.AppendHeader(h); err != nil {
			t.Fatalf("append at height %d failed: %v", h.Height, err)
		}
	}
}
