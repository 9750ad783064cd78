package blockchain

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/BushidoLab/electrum/pkg/config"
	"github.com/BushidoLab/electrum/pkg/core/consensus"
	"github.com/BushidoLab/electrum/pkg/core/types"
)

// headerCacheSize bounds the decoded-header LRU shared by all segments.
const headerCacheSize = 4096

// Tree is the forest of chain segments: the root chain plus every live fork,
// keyed by checkpoint. It owns the registry, the on-disk layout, the header
// index and the read cache. It is an explicit object, never package state,
// so lifetime and test isolation stay visible.
type Tree struct {
	dir      string
	params   *config.Params
	verifier consensus.ProofVerifier
	log      *logrus.Entry
	index    *HeaderIndex
	cache    *headerCache

	// indexDirty is set when an index write fails. A header can then be
	// stored without the index knowing it, so the CheckHeader fast path is
	// disabled until the index is rebuilt.
	indexDirty atomic.Bool

	mu       sync.RWMutex
	segments map[int64]*Segment
}

// Open loads the header tree rooted at dir: it creates the root segment,
// discovers fork files, admits only forks whose first header still connects
// to their parent, and rebuilds the header index when it is missing. Opening
// is also the recovery path after an interrupted reorg.
func Open(dir string, params *config.Params, verifier consensus.ProofVerifier) (*Tree, error) {
	if err := os.MkdirAll(filepath.Join(dir, forksDirname), 0o755); err != nil {
		return nil, err
	}
	index, err := NewHeaderIndex(filepath.Join(dir, "index"))
	if err != nil {
		return nil, fmt.Errorf("open header index: %w", err)
	}

	t := &Tree{
		dir:      dir,
		params:   params,
		verifier: verifier,
		log:      logrus.WithField("module", "headerchain"),
		index:    index,
		cache:    newHeaderCache(headerCacheSize),
		segments: make(map[int64]*Segment),
	}

	root := &Segment{tree: t, parentID: -1}
	f, err := os.OpenFile(root.pathLocked(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		index.Close()
		return nil, err
	}
	f.Close()
	if err := root.recomputeSize(); err != nil {
		index.Close()
		return nil, err
	}
	t.segments[0] = root

	t.dropStaleSwapFiles()
	if err := t.recoverForks(); err != nil {
		index.Close()
		return nil, err
	}
	if err := t.rebuildIndexIfEmpty(); err != nil {
		index.Close()
		return nil, err
	}
	return t, nil
}

// Close releases the header index.
func (t *Tree) Close() error {
	return t.index.Close()
}

// Root returns the root segment.
func (t *Tree) Root() *Segment {
	s, _ := t.Get(0)
	return s
}

// Get returns the segment registered at the given checkpoint.
func (t *Tree) Get(checkpoint int64) (*Segment, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.segments[checkpoint]
	return s, ok
}

// Segments returns all live segments ordered by descending checkpoint, so
// the most specific fork is consulted first.
func (t *Tree) Segments() []*Segment {
	t.mu.RLock()
	out := make([]*Segment, 0, len(t.segments))
	for _, s := range t.segments {
		out = append(out, s)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Checkpoint() > out[j].Checkpoint()
	})
	return out
}

// maxChild returns the highest checkpoint among segments forked directly off
// the given checkpoint.
func (t *Tree) maxChild(checkpoint int64) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	best, found := int64(0), false
	for cp, s := range t.segments {
		if s.ParentID() == checkpoint && (!found || cp > best) {
			best, found = cp, true
		}
	}
	return best, found
}

// Fork creates a new segment rooted at the header's height with the given
// parent, writes the header as its sole initial record, and registers it.
func (t *Tree) Fork(parent *Segment, h *types.Header) (*Segment, error) {
	checkpoint := h.Height
	if parent.Checkpoint() == checkpoint {
		return nil, fmt.Errorf("fork at height %d would be its own parent", checkpoint)
	}

	seg := &Segment{tree: t, checkpoint: checkpoint, parentID: parent.Checkpoint()}

	t.mu.Lock()
	if _, exists := t.segments[checkpoint]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("segment already registered at checkpoint %d", checkpoint)
	}
	f, err := os.OpenFile(seg.pathLocked(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	f.Close()
	t.segments[checkpoint] = seg
	t.mu.Unlock()

	if err := seg.AppendHeader(h); err != nil {
		t.mu.Lock()
		delete(t.segments, checkpoint)
		t.mu.Unlock()
		return nil, err
	}
	t.log.WithFields(logrus.Fields{
		"checkpoint": checkpoint,
		"parent":     seg.ParentID(),
	}).Info("forked")
	return seg, nil
}

// CanConnect returns the first segment the header extends, or nil.
func (t *Tree) CanConnect(h *types.Header) *Segment {
	for _, s := range t.Segments() {
		if s.CanConnect(h, true) {
			return s
		}
	}
	return nil
}

// CheckHeader returns the segment that already stores this exact header, or
// nil. The header index screens out never-seen hashes before any file scan,
// unless an index write has failed since open.
func (t *Tree) CheckHeader(h *types.Header) *Segment {
	if !t.indexDirty.Load() {
		if _, known, err := t.index.Height(types.HashHeader(h)); err == nil && !known {
			return nil
		}
	}
	for _, s := range t.Segments() {
		if s.CheckHeader(h) {
			return s
		}
	}
	return nil
}

// dropStaleSwapFiles removes temp files left behind by an interrupted reorg.
// The committed (renamed) files are the source of truth; anything still
// carrying the swap suffix was never part of a completed commit.
func (t *Tree) dropStaleSwapFiles() {
	patterns := []string{
		filepath.Join(t.dir, "*"+swapSuffix),
		filepath.Join(t.dir, forksDirname, "*"+swapSuffix),
	}
	for _, pat := range patterns {
		matches, err := filepath.Glob(pat)
		if err != nil {
			continue
		}
		for _, m := range matches {
			t.log.WithField("file", m).Warn("removing stale reorg temp file")
			os.Remove(m)
		}
	}
}

// recoverForks scans the forks directory and admits each fork whose first
// stored header legitimately extends its parent. Forks that fail the check
// are logged and dropped from the registry, never deleted from disk.
func (t *Tree) recoverForks() error {
	entries, err := os.ReadDir(filepath.Join(t.dir, forksDirname))
	if err != nil {
		return err
	}

	type forkFile struct {
		parentID   int64
		checkpoint int64
	}
	var forks []forkFile
	for _, e := range entries {
		var ff forkFile
		if n, err := fmt.Sscanf(e.Name(), "fork_%d_%d", &ff.parentID, &ff.checkpoint); err != nil || n != 2 {
			continue
		}
		forks = append(forks, ff)
	}
	sort.Slice(forks, func(i, j int) bool { return forks[i].parentID < forks[j].parentID })

	for _, ff := range forks {
		log := t.log.WithFields(logrus.Fields{
			"checkpoint": ff.checkpoint,
			"parent":     ff.parentID,
		})
		if ff.parentID == ff.checkpoint {
			log.Error("dropping self-referencing fork")
			continue
		}
		if ff.checkpoint <= 0 {
			log.Error("dropping fork claiming a reserved checkpoint")
			continue
		}
		// One segment per checkpoint; the root and earlier-admitted forks
		// must never be displaced by a later file.
		if _, exists := t.Get(ff.checkpoint); exists {
			log.Warn("dropping fork: checkpoint already registered")
			continue
		}
		parent, ok := t.Get(ff.parentID)
		if !ok {
			log.Warn("dropping fork: parent segment unknown")
			continue
		}

		seg := &Segment{tree: t, checkpoint: ff.checkpoint, parentID: ff.parentID}
		if err := seg.recomputeSize(); err != nil {
			log.WithError(err).Warn("dropping fork: unreadable")
			continue
		}
		h, err := seg.ReadHeader(ff.checkpoint)
		if err != nil || h == nil {
			log.Warn("dropping fork: no first header")
			continue
		}
		if !parent.CanConnect(h, false) {
			log.Warn("dropping fork: cannot connect to parent")
			continue
		}

		t.mu.Lock()
		t.segments[ff.checkpoint] = seg
		t.mu.Unlock()
	}
	return nil
}

// rebuildIndexIfEmpty repopulates the header index from the stored files
// when the index is fresh but chain data already exists.
func (t *Tree) rebuildIndexIfEmpty() error {
	empty, err := t.index.IsEmpty()
	if err != nil || !empty {
		return err
	}
	if t.Root().Size() == 0 {
		return nil
	}

	t.log.Info("rebuilding header index from disk")
	for _, s := range t.Segments() {
		var headers []*types.Header
		err := s.forEachHeader(func(h *types.Header) error {
			headers = append(headers, h)
			return nil
		})
		if err != nil {
			return err
		}
		if err := t.indexHeaders(headers); err != nil {
			return err
		}
	}
	return nil
}

// indexHeaders records a run of accepted headers in the header index.
func (t *Tree) indexHeaders(headers []*types.Header) error {
	batch := t.index.NewBatch()
	for _, h := range headers {
		if err := batch.Put(types.HashHeader(h), h.Height); err != nil {
			batch.Cancel()
			return err
		}
	}
	return batch.Flush()
}

// maybeSwap promotes the segment over its parent when it has accumulated the
// longer branch. Called after every successful append; lock order is tree,
// then segments by ascending checkpoint, so concurrent reorg candidates
// cannot deadlock.
func (t *Tree) maybeSwap(s *Segment) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pid := s.ParentID()
	if pid < 0 {
		return nil
	}
	parent, ok := t.segments[pid]
	if !ok {
		return fmt.Errorf("%w: parent %d missing during reorg check", ErrRegistryInconsistent, pid)
	}
	if parent == s {
		return fmt.Errorf("%w: segment %d is its own parent", ErrRegistryInconsistent, pid)
	}

	parent.mu.Lock()
	defer parent.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	parentBranch := parent.checkpoint + parent.size - 1 - s.checkpoint + 1
	if parentBranch >= s.size {
		return nil
	}
	return t.swapLocked(parent, s, parentBranch)
}

// swapLocked exchanges the byte ranges and identities of a fork and its
// parent. Both new file contents are staged to temp files first; the renames
// are the ordered commit step. A crash in between leaves either the old or
// the new committed files plus stale temps, which Open cleans up.
func (t *Tree) swapLocked(parent, child *Segment, parentBranch int64) error {
	childPath := child.pathLocked()
	parentPath := parent.pathLocked()
	t.log.WithFields(logrus.Fields{
		"checkpoint": child.checkpoint,
		"parent":     parent.checkpoint,
	}).Info("swapping fork with parent")

	childData, err := os.ReadFile(childPath)
	if err != nil {
		return err
	}
	pf, err := os.Open(parentPath)
	if err != nil {
		return err
	}
	defer pf.Close()

	r := bufio.NewReader(pf)
	offset, err := offsetAfter(r, child.checkpoint-parent.checkpoint, 0)
	if err != nil {
		return err
	}
	end, err := offsetAfter(r, parentBranch, offset)
	if err != nil {
		return err
	}

	parentHead := make([]byte, offset)
	if _, err := pf.ReadAt(parentHead, 0); err != nil {
		return err
	}
	parentTail := make([]byte, end-offset)
	if _, err := pf.ReadAt(parentTail, offset); err != nil {
		return err
	}

	// Phase one: stage both new contents.
	newParent := append(parentHead, childData...)
	if err := writeFileSync(parentPath+swapSuffix, newParent); err != nil {
		return err
	}
	if err := writeFileSync(childPath+swapSuffix, parentTail); err != nil {
		return err
	}

	// Phase two: ordered commit. A failure from here on leaves disk and
	// registry out of step; the caller must reopen the tree.
	if err := os.Rename(parentPath+swapSuffix, parentPath); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryInconsistent, err)
	}
	if err := os.Rename(childPath+swapSuffix, childPath); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryInconsistent, err)
	}

	// Registered segments other than the pair are only mutated under t.mu,
	// which we hold, so reading their fields directly is safe.
	oldPaths := make(map[*Segment]string, len(t.segments))
	for _, b := range t.segments {
		if b != parent && b != child {
			oldPaths[b] = b.pathLocked()
		}
	}

	// Swap identities: the fork takes over the parent's checkpoint and
	// lineage, the parent becomes a fork at the old boundary.
	oldChildParent := child.parentID
	child.parentID = parent.parentID
	parent.parentID = oldChildParent
	child.checkpoint, parent.checkpoint = parent.checkpoint, child.checkpoint

	if err := child.recomputeSizeLocked(); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryInconsistent, err)
	}
	if err := parent.recomputeSizeLocked(); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryInconsistent, err)
	}

	for b, old := range oldPaths {
		if now := b.pathLocked(); now != old {
			t.log.WithFields(logrus.Fields{"from": old, "to": now}).Info("renaming segment file")
			if err := os.Rename(old, now); err != nil {
				return fmt.Errorf("%w: %v", ErrRegistryInconsistent, err)
			}
		}
	}

	t.segments[child.checkpoint] = child
	t.segments[parent.checkpoint] = parent
	t.cache.purge()
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
