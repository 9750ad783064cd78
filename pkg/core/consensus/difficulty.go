package consensus

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/BushidoLab/electrum/pkg/core/types"
)

const (
	// PeriodLength is the number of headers per difficulty-retarget period.
	PeriodLength = 2016

	// TargetTimespan is the intended duration of one retarget period in
	// seconds: 14 days at one header every ~10 minutes.
	TargetTimespan = 14 * 24 * 60 * 60
)

// MaxTarget is the network's absolute easiest (largest) difficulty target.
var MaxTarget, _ = new(big.Int).SetString(
	"00000000ffff0000000000000000000000000000000000000000000000000000", 16)

// ErrInvalidBits is returned when a compact difficulty encoding is outside
// the valid range. It is a hard validation failure, never silently clamped.
var ErrInvalidBits = errors.New("invalid compact difficulty encoding")

// BitsToTarget decodes the compact 4-byte difficulty encoding into a
// full-precision target. The top byte N must be in [0x03, 0x1d] and the
// 24-bit base in [0x8000, 0x7fffff].
func BitsToTarget(bits uint32) (*big.Int, error) {
	bitsN := (bits >> 24) & 0xff
	if bitsN < 0x03 || bitsN > 0x1d {
		return nil, fmt.Errorf("%w: size 0x%02x outside [0x03, 0x1d]", ErrInvalidBits, bitsN)
	}
	bitsBase := bits & 0xffffff
	if bitsBase < 0x8000 || bitsBase > 0x7fffff {
		return nil, fmt.Errorf("%w: base 0x%06x outside [0x8000, 0x7fffff]", ErrInvalidBits, bitsBase)
	}
	target := new(big.Int).SetUint64(uint64(bitsBase))
	return target.Lsh(target, 8*uint(bitsN-3)), nil
}

// TargetToBits encodes a full-precision target into canonical compact form,
// stripping leading zero bytes and shifting the base down a byte when its top
// bit would collide with the sign-bit convention.
func TargetToBits(target *big.Int) uint32 {
	raw := target.Bytes()

	// Canonicalize to at least three significant bytes.
	for len(raw) < 3 {
		raw = append([]byte{0}, raw...)
	}

	bitsN := uint32(len(raw))
	bitsBase := uint32(raw[0])<<16 | uint32(raw[1])<<8 | uint32(raw[2])
	if bitsBase >= 0x800000 {
		bitsN++
		bitsBase >>= 8
	}
	return bitsN<<24 | bitsBase
}

// ClampTimespan bounds an observed retarget timespan to
// [TargetTimespan/4, TargetTimespan*4].
func ClampTimespan(actual int64) int64 {
	if actual < TargetTimespan/4 {
		return TargetTimespan / 4
	}
	if actual > TargetTimespan*4 {
		return TargetTimespan * 4
	}
	return actual
}

// CalcRetarget computes the next period's target from the previous period's
// target and its first and last headers. The result saturates at MaxTarget.
func CalcRetarget(prevTarget *big.Int, first, last *types.Header) *big.Int {
	actual := ClampTimespan(int64(last.Timestamp) - int64(first.Timestamp))

	next := new(big.Int).Mul(prevTarget, big.NewInt(actual))
	next.Div(next, big.NewInt(TargetTimespan))
	if next.Cmp(MaxTarget) > 0 {
		next.Set(MaxTarget)
	}
	return next
}
