package blockchain

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/BushidoLab/electrum/pkg/config"
	"github.com/BushidoLab/electrum/pkg/core/consensus"
	"github.com/BushidoLab/electrum/pkg/core/types"
)

var (
	// ErrLinkageMismatch means the header's prev_block_hash does not match
	// the predecessor's identity hash.
	ErrLinkageMismatch = errors.New("previous block hash mismatch")

	// ErrInsufficientWork means the header's proof-of-work hash exceeds the
	// required target.
	ErrInsufficientWork = errors.New("insufficient proof of work")

	// ErrInvalidProof means the embedded puzzle solution was rejected.
	ErrInvalidProof = errors.New("proof-of-work solution rejected")
)

// VerifyHeader checks a candidate header against its predecessor and the
// required target: hash linkage first, then the work comparison, then the
// full solution check. The first failure short-circuits. A zero target is
// the test-mode sentinel and makes the work comparison trivial.
func (s *Segment) VerifyHeader(h, prev *types.Header, target *big.Int) error {
	prevHash := types.HashHeader(prev)
	if prevHash != h.PrevBlockHash {
		return fmt.Errorf("%w at height %d: %s vs %s",
			ErrLinkageMismatch, h.Height, prevHash, h.PrevBlockHash)
	}
	if target.Sign() > 0 && h.PowHash().Cmp(target) > 0 {
		return fmt.Errorf("%w at height %d: hash above target %064x",
			ErrInsufficientWork, h.Height, target)
	}
	if !s.tree.verifier.IsValid(h.Serialize(), h.Nonce[:], h.Solution) {
		return fmt.Errorf("%w at height %d", ErrInvalidProof, h.Height)
	}
	return nil
}

// TargetForPeriod returns the difficulty target computed from the given
// retarget period, which governs the headers of the following period.
// Period -1 yields the pre-genesis baseline; checkpointed periods return
// their trusted target without recomputation.
func (s *Segment) TargetForPeriod(index int64) (*big.Int, error) {
	if s.tree.params.TestMode {
		return new(big.Int), nil
	}
	if index < 0 {
		return new(big.Int).Set(consensus.MaxTarget), nil
	}
	if index < int64(len(s.tree.params.Checkpoints)) {
		return new(big.Int).Set(s.tree.params.Checkpoints[index].Target), nil
	}

	first, err := s.ReadHeader(index * consensus.PeriodLength)
	if err != nil {
		return nil, err
	}
	last, err := s.ReadHeader(index*consensus.PeriodLength + consensus.PeriodLength - 1)
	if err != nil {
		return nil, err
	}
	if first == nil || last == nil {
		return nil, fmt.Errorf("%w: period %d not fully stored", ErrOutOfRange, index)
	}
	prevTarget, err := consensus.BitsToTarget(last.Bits)
	if err != nil {
		return nil, err
	}
	return consensus.CalcRetarget(prevTarget, first, last), nil
}

// CanConnect reports whether the header extends this segment's chain. With
// checkHeight set, the segment tip must sit exactly one below the header's
// declared height. Height 0 is compared directly against the genesis hash.
// Lookup failures degrade to false, never propagate.
func (s *Segment) CanConnect(h *types.Header, checkHeight bool) bool {
	if h == nil {
		return false
	}
	height := h.Height
	if checkHeight && s.Height() != height-1 {
		return false
	}
	if height == 0 {
		return types.HashHeader(h) == s.tree.params.GenesisHash
	}

	prev, err := s.ReadHeader(height - 1)
	if err != nil || prev == nil {
		return false
	}
	if types.HashHeader(prev) != h.PrevBlockHash {
		return false
	}
	target, err := s.TargetForPeriod(height/consensus.PeriodLength - 1)
	if err != nil {
		return false
	}
	if err := s.VerifyHeader(h, prev, target); err != nil {
		s.tree.log.WithError(err).Debug("header rejected")
		return false
	}
	return true
}

// CheckHeader reports whether this exact header is already stored at its
// claimed height.
func (s *Segment) CheckHeader(h *types.Header) bool {
	if h == nil {
		return false
	}
	hash, err := s.Hash(h.Height)
	if err != nil || hash.IsZero() {
		return false
	}
	return hash == types.HashHeader(h)
}

// ConnectChunk verifies and persists one retarget period's worth of headers
// as a unit. Records are decoded sequentially, never by fixed stride, since
// the solution vector makes record lengths variable. Any verification
// failure rejects the whole chunk with nothing persisted.
func (s *Segment) ConnectChunk(index int64, data []byte) error {
	headers, starts, err := s.verifyChunk(index, data)
	if err != nil {
		s.tree.log.WithError(err).WithField("period", index).Warn("chunk rejected")
		return fmt.Errorf("chunk %d: %w", index, err)
	}
	if err := s.saveChunk(index, data, starts); err != nil {
		return fmt.Errorf("chunk %d: %w", index, err)
	}

	if err := s.tree.indexHeaders(headers); err != nil {
		s.tree.indexDirty.Store(true)
		s.tree.log.WithError(err).Warn("header index update failed")
	}
	return s.tree.maybeSwap(s)
}

// verifyChunk decodes and verifies every record in the chunk, returning the
// headers and each record's byte offset within data.
func (s *Segment) verifyChunk(index int64, data []byte) ([]*types.Header, []int, error) {
	target, err := s.TargetForPeriod(index - 1)
	if err != nil {
		return nil, nil, err
	}

	var prev *types.Header
	if index != 0 {
		prev, err = s.ReadHeader(index*consensus.PeriodLength - 1)
		if err != nil {
			return nil, nil, err
		}
		if prev == nil {
			return nil, nil, fmt.Errorf("%w: predecessor of period %d not stored", ErrOutOfRange, index)
		}
	}

	r := bytes.NewReader(data)
	var headers []*types.Header
	var starts []int
	for r.Len() > 0 {
		if len(headers) == consensus.PeriodLength {
			return nil, nil, fmt.Errorf("chunk holds more than %d headers", consensus.PeriodLength)
		}
		starts = append(starts, len(data)-r.Len())
		h, err := types.DeserializeHeader(r, index*consensus.PeriodLength+int64(len(headers)))
		if err != nil {
			return nil, nil, err
		}
		if err := s.VerifyHeader(h, prev, target); err != nil {
			return nil, nil, err
		}
		prev = h
		headers = append(headers, h)
	}
	return headers, starts, nil
}

// saveChunk persists the verified chunk bytes. A chunk overlapping heights
// below the segment checkpoint keeps only its tail; writes past the
// checkpointed region truncate any stale remainder of a competing history.
func (s *Segment) saveChunk(index int64, data []byte, starts []int) error {
	delta := index*consensus.PeriodLength - s.Checkpoint()
	if delta < 0 {
		skip := -delta
		if skip >= int64(len(starts)) {
			return nil
		}
		data = data[starts[skip]:]
		delta = 0
	}
	truncate := index > int64(len(s.tree.params.Checkpoints))
	return s.write(data, delta, truncate)
}

// Checkpoints regenerates the trusted (hash, target) table from the stored
// chain: one entry per fully stored retarget period.
func (s *Segment) Checkpoints() ([]config.Checkpoint, error) {
	n := s.Height() / consensus.PeriodLength
	cps := make([]config.Checkpoint, 0, n)
	for index := int64(0); index < n; index++ {
		hash, err := s.Hash((index+1)*consensus.PeriodLength - 1)
		if err != nil {
			return nil, err
		}
		target, err := s.TargetForPeriod(index)
		if err != nil {
			return nil, err
		}
		cps = append(cps, config.Checkpoint{Hash: hash, Target: target})
	}
	return cps, nil
}
