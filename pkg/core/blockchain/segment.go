package blockchain

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BushidoLab/electrum/pkg/core/types"
)

const (
	// rootFilename is the well-known name of the root segment's file.
	rootFilename = "blockchain_headers"

	// forksDirname holds the fork segment files, named
	// fork_<parent_checkpoint>_<own_checkpoint>.
	forksDirname = "forks"

	// swapSuffix marks the temporary files of an in-flight reorg.
	swapSuffix = ".swap"
)

var (
	// ErrOutOfRange is returned when a height lies beyond the stored range.
	// Recoverable: the caller should fetch more headers.
	ErrOutOfRange = errors.New("height beyond stored range")

	// ErrRegistryInconsistent indicates the in-memory registry no longer
	// matches the on-disk files, e.g. after an interrupted reorg. The tree
	// must be reopened so the registry is rebuilt from a disk scan.
	ErrRegistryInconsistent = errors.New("segment registry inconsistent with disk")
)

// Segment is one contiguous run of headers backed by a single append-only
// file. Its checkpoint is the height of its first stored header; heights
// below the checkpoint are delegated to the parent segment, resolved through
// the tree registry on every use because a reorg reassigns checkpoints.
type Segment struct {
	tree *Tree

	mu         sync.RWMutex
	checkpoint int64
	parentID   int64 // checkpoint of the parent segment, -1 for the root
	size       int64
}

// Checkpoint returns the height of the segment's first stored header.
func (s *Segment) Checkpoint() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoint
}

// ParentID returns the parent segment's checkpoint, or -1 for the root.
func (s *Segment) ParentID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parentID
}

// Size returns the number of complete header records in the segment's file.
func (s *Segment) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Height returns the height of the segment's tip.
func (s *Segment) Height() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.heightLocked()
}

func (s *Segment) heightLocked() int64 {
	return s.checkpoint + s.size - 1
}

// Path returns the segment's backing file path.
func (s *Segment) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pathLocked()
}

func (s *Segment) pathLocked() string {
	if s.parentID < 0 {
		return filepath.Join(s.tree.dir, rootFilename)
	}
	name := fmt.Sprintf("fork_%d_%d", s.parentID, s.checkpoint)
	return filepath.Join(s.tree.dir, forksDirname, name)
}

// parent resolves the parent segment through the registry. Returns nil for
// the root or when the parent is unknown.
func (s *Segment) parent() *Segment {
	pid := s.ParentID()
	if pid < 0 {
		return nil
	}
	p, _ := s.tree.Get(pid)
	return p
}

// recomputeSize rescans the backing file and caches the record count.
func (s *Segment) recomputeSize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recomputeSizeLocked()
}

// recomputeSizeLocked counts the complete records in the backing file. An
// incomplete trailing record is excluded silently: it signals a write in
// progress or a prior crash mid-write, not corruption.
func (s *Segment) recomputeSizeLocked() error {
	s.size = 0
	f, err := os.Open(s.pathLocked())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		if _, err := skipRecord(r); err != nil {
			return nil
		}
		s.size++
	}
}

// ReadHeader returns the header at the given height, delegating to the
// parent segment for heights below the checkpoint. It returns (nil, nil) for
// negative heights and heights beyond the tip.
func (s *Segment) ReadHeader(height int64) (*types.Header, error) {
	s.mu.RLock()
	cp, pid := s.checkpoint, s.parentID
	s.mu.RUnlock()

	if pid == cp {
		return nil, fmt.Errorf("%w: segment %d is its own parent", ErrRegistryInconsistent, cp)
	}
	if height < 0 {
		return nil, nil
	}
	if height < cp {
		p := s.parent()
		if p == nil {
			return nil, fmt.Errorf("%w: parent %d of segment %d not registered", ErrRegistryInconsistent, pid, cp)
		}
		return p.ReadHeader(height)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if height > s.heightLocked() {
		return nil, nil
	}
	if h, ok := s.tree.cache.get(s.checkpoint, height); ok {
		return h, nil
	}

	f, err := os.Open(s.pathLocked())
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	if _, err := offsetAfter(r, height-s.checkpoint, 0); err != nil {
		return nil, err
	}
	h, err := types.DeserializeHeader(r, height)
	if err != nil {
		return nil, err
	}
	s.tree.cache.add(s.checkpoint, height, h)
	return h, nil
}

// Hash returns the identity hash of the stored header at the given height,
// or ZeroHash when no header is stored there.
func (s *Segment) Hash(height int64) (types.Hash, error) {
	h, err := s.ReadHeader(height)
	if err != nil {
		return types.ZeroHash, err
	}
	return types.HashHeader(h), nil
}

// AppendHeader serializes and persists a header at the segment's tip.
// Headers must be appended contiguously: the header's height has to be
// exactly one past the current tip. A successful append triggers a fork
// dominance re-evaluation.
func (s *Segment) AppendHeader(h *types.Header) error {
	s.mu.Lock()
	delta := h.Height - s.checkpoint
	if delta != s.size {
		next := s.checkpoint + s.size
		s.mu.Unlock()
		return fmt.Errorf("non-contiguous append: got height %d, next is %d", h.Height, next)
	}
	err := s.writeLocked(h.Serialize(), delta, false)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := s.tree.index.Put(types.HashHeader(h), h.Height); err != nil {
		s.tree.indexDirty.Store(true)
		s.tree.log.WithError(err).Warn("header index update failed")
	}
	return s.tree.maybeSwap(s)
}

// write persists data at the byte offset of the delta-th record under the
// segment lock. This is the sole mutation path for the backing file.
func (s *Segment) write(data []byte, delta int64, truncate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(data, delta, truncate)
}

func (s *Segment) writeLocked(data []byte, delta int64, truncate bool) error {
	f, err := os.OpenFile(s.pathLocked(), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	offset, err := offsetAfter(bufio.NewReader(f), delta, 0)
	if err != nil {
		return err
	}
	if truncate {
		fi, err := f.Stat()
		if err != nil {
			return err
		}
		if offset < fi.Size() {
			if err := f.Truncate(offset); err != nil {
				return err
			}
		}
	}
	if _, err := f.WriteAt(data, offset); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}

	s.tree.cache.purge()
	return s.recomputeSizeLocked()
}

// forEachHeader streams every header stored in this segment's own file, in
// height order. Used for index rebuilds and checkpoint regeneration.
func (s *Segment) forEachHeader(fn func(*types.Header) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.pathLocked())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for height := s.checkpoint; height <= s.heightLocked(); height++ {
		h, err := types.DeserializeHeader(r, height)
		if err != nil {
			return err
		}
		if err := fn(h); err != nil {
			return err
		}
	}
	return nil
}

// Name returns a short human-readable branch name derived from the hash at
// the dominant checkpoint.
func (s *Segment) Name() string {
	hash, err := s.Hash(s.DominantCheckpoint())
	if err != nil {
		return ""
	}
	name := strings.TrimLeft(hash.Hex(), "0")
	if len(name) > 10 {
		name = name[:10]
	}
	return name
}

// DominantCheckpoint is the checkpoint of the tallest descendant fork if one
// exists, else the segment's own checkpoint: where the currently-winning tip
// of this lineage sits.
func (s *Segment) DominantCheckpoint() int64 {
	if mc, ok := s.tree.maxChild(s.Checkpoint()); ok {
		return mc
	}
	return s.Checkpoint()
}

// BranchSize is how many headers this segment contributes beyond the point
// where a child fork took over.
func (s *Segment) BranchSize() int64 {
	return s.Height() - s.DominantCheckpoint() + 1
}

// skipRecord advances r past one whole header record and returns its encoded
// length. Any shortfall is reported as ErrTruncatedRecord.
func skipRecord(r io.Reader) (int64, error) {
	if _, err := io.CopyN(io.Discard, r, types.BaseHeaderSize); err != nil {
		return 0, types.ErrTruncatedRecord
	}
	n, err := types.ReadCompactSize(r)
	if err != nil || n > types.MaxSolutionSize {
		return 0, types.ErrTruncatedRecord
	}
	if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
		return 0, types.ErrTruncatedRecord
	}
	return types.BaseHeaderSize + int64(types.CompactSizeLen(n)) + int64(n), nil
}

// offsetAfter resolves the byte offset reached after skipping count whole
// records, reading sequentially from r. start is the byte position r is
// currently at. Sequential scan cost is the price of the compact
// variable-length record format.
func offsetAfter(r io.Reader, count int64, start int64) (int64, error) {
	offset := start
	for i := int64(0); i < count; i++ {
		n, err := skipRecord(r)
		if err != nil {
			return 0, fmt.Errorf("%w: stopped after %d of %d records", ErrOutOfRange, i, count)
		}
		offset += n
	}
	return offset, nil
}
