package blockchain

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/BushidoLab/electrum/pkg/core/types"
)

func TestOpenEmptyTree(t *testing.T) {
	tree := openTestTree(t, t.TempDir(), testParams(nil), stubVerifier{ok: true})

	root := tree.Root()
	if root == nil {
		t.Fatal("no root segment after open")
	}
	if root.Checkpoint() != 0 || root.ParentID() != -1 {
		t.Errorf("root checkpoint/parent = %d/%d, want 0/-1", root.Checkpoint(), root.ParentID())
	}
	if root.Size() != 0 {
		t.Errorf("root size = %d, want 0", root.Size())
	}
	if root.Height() != -1 {
		t.Errorf("empty root height = %d, want -1", root.Height())
	}
}

func TestAppendAndRead(t *testing.T) {
	chain := buildChain(5, 0)
	tree := openTestTree(t, t.TempDir(), testParams(chain[0]), stubVerifier{ok: true})
	appendAll(t, tree, chain)

	root := tree.Root()
	if root.Size() != 5 || root.Height() != 4 {
		t.Fatalf("size/height = %d/%d, want 5/4", root.Size(), root.Height())
	}
	if root.Height() != root.Checkpoint()+root.Size()-1 {
		t.Error("height is not checkpoint + size - 1")
	}

	for _, want := range chain {
		got, err := root.ReadHeader(want.Height)
		if err != nil {
			t.Fatalf("ReadHeader(%d) failed: %v", want.Height, err)
		}
		if got == nil || types.HashHeader(got) != types.HashHeader(want) {
			t.Errorf("ReadHeader(%d) returned a different header", want.Height)
		}
	}

	// Out-of-range heights are absent, not errors.
	for _, height := range []int64{-1, 5, 100} {
		got, err := root.ReadHeader(height)
		if err != nil || got != nil {
			t.Errorf("ReadHeader(%d) = %v, %v, want nil, nil", height, got, err)
		}
	}
	if hash, err := root.Hash(42); err != nil || !hash.IsZero() {
		t.Errorf("Hash beyond tip = %s, %v, want zero hash", hash, err)
	}
}

func TestAppendNonContiguous(t *testing.T) {
	chain := buildChain(4, 0)
	tree := openTestTree(t, t.TempDir(), testParams(chain[0]), stubVerifier{ok: true})
	appendAll(t, tree, chain[:2])

	if err := tree.Root().AppendHeader(chain[3]); err == nil {
		t.Fatal("append skipping a height succeeded")
	}
	if err := tree.Root().AppendHeader(chain[1]); err == nil {
		t.Fatal("append below the tip succeeded")
	}
	if tree.Root().Size() != 2 {
		t.Errorf("size changed to %d after rejected appends", tree.Root().Size())
	}
}

func TestTruncatedTailTolerated(t *testing.T) {
	chain := buildChain(4, 0)
	tree := openTestTree(t, t.TempDir(), testParams(chain[0]), stubVerifier{ok: true})
	appendAll(t, tree, chain[:3])
	root := tree.Root()

	// Simulate a crash mid-write: garbage shorter than a record at the tail.
	f, err := os.OpenFile(root.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(bytes.Repeat([]byte{0xee}, 50)); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if err := root.recomputeSize(); err != nil {
		t.Fatalf("recomputeSize failed: %v", err)
	}
	if root.Size() != 3 {
		t.Fatalf("size = %d with truncated tail, want 3", root.Size())
	}

	// The next append lands over the incomplete record.
	if err := root.AppendHeader(chain[3]); err != nil {
		t.Fatalf("append over truncated tail failed: %v", err)
	}
	got, err := root.ReadHeader(3)
	if err != nil || got == nil || types.HashHeader(got) != types.HashHeader(chain[3]) {
		t.Errorf("header 3 not readable after overwrite: %v, %v", got, err)
	}
}

func TestOversizeLengthClaimTolerated(t *testing.T) {
	chain := buildChain(3, 0)
	tree := openTestTree(t, t.TempDir(), testParams(chain[0]), stubVerifier{ok: true})
	appendAll(t, tree, chain[:2])
	root := tree.Root()

	// A record whose length prefix claims 2^63-1 solution bytes must scan as
	// a truncated tail, never as a parseable record.
	bogus := make([]byte, types.BaseHeaderSize)
	bogus = types.AppendCompactSize(bogus, 1<<63-1)
	f, err := os.OpenFile(root.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(bogus); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if err := root.recomputeSize(); err != nil {
		t.Fatalf("recomputeSize failed: %v", err)
	}
	if root.Size() != 2 {
		t.Fatalf("size = %d with bogus tail record, want 2", root.Size())
	}

	if err := root.AppendHeader(chain[2]); err != nil {
		t.Fatalf("append over bogus tail failed: %v", err)
	}
	got, err := root.ReadHeader(2)
	if err != nil || got == nil || types.HashHeader(got) != types.HashHeader(chain[2]) {
		t.Errorf("header 2 not readable after overwrite: %v, %v", got, err)
	}
}

func TestWriteBeyondStoredRange(t *testing.T) {
	chain := buildChain(2, 0)
	tree := openTestTree(t, t.TempDir(), testParams(chain[0]), stubVerifier{ok: true})
	appendAll(t, tree, chain)

	err := tree.Root().write(chain[1].Serialize(), 5, false)
	if !errors.Is(err, ErrOutOfRange) {
		t.Errorf("write at delta 5 error = %v, want ErrOutOfRange", err)
	}
}

func TestSelfParentDetected(t *testing.T) {
	tree := openTestTree(t, t.TempDir(), testParams(nil), stubVerifier{ok: true})

	seg := &Segment{tree: tree, checkpoint: 2, parentID: 2}
	if _, err := seg.ReadHeader(1); !errors.Is(err, ErrRegistryInconsistent) {
		t.Errorf("self-parent read error = %v, want ErrRegistryInconsistent", err)
	}
}

func TestBranchAccounting(t *testing.T) {
	chain := buildChain(5, 0)
	tree := openTestTree(t, t.TempDir(), testParams(chain[0]), stubVerifier{ok: true})
	appendAll(t, tree, chain)
	root := tree.Root()

	// Without forks the whole segment is the branch.
	if root.DominantCheckpoint() != 0 {
		t.Errorf("dominant checkpoint = %d, want 0", root.DominantCheckpoint())
	}
	if root.BranchSize() != 5 {
		t.Errorf("branch size = %d, want 5", root.BranchSize())
	}

	fork, err := tree.Fork(root, makeHeader(chain[2], 3, 0xb1))
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}

	// The child fork takes over the lineage above height 3.
	if root.DominantCheckpoint() != 3 {
		t.Errorf("dominant checkpoint = %d after fork, want 3", root.DominantCheckpoint())
	}
	if root.BranchSize() != 2 {
		t.Errorf("root branch size = %d after fork, want 2", root.BranchSize())
	}
	if fork.BranchSize() != fork.Size() {
		t.Errorf("fork branch size = %d, want %d", fork.BranchSize(), fork.Size())
	}

	hash, err := root.Hash(3)
	if err != nil {
		t.Fatal(err)
	}
	if name := root.Name(); name == "" || len(name) > 10 {
		t.Errorf("branch name = %q", name)
	} else if !bytes.HasPrefix(bytes.TrimLeft([]byte(hash.Hex()), "0"), []byte(name)) {
		t.Errorf("branch name %q does not derive from hash %s", name, hash)
	}
}
