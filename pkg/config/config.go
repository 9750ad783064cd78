package config

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/BushidoLab/electrum/pkg/core/types"
)

// Params holds the network-wide chain parameters.
type Params struct {
	Name        string
	GenesisHash types.Hash

	// Equihash puzzle parameters.
	EquihashN uint32
	EquihashK uint32

	// TestMode disables difficulty retargeting entirely: every period's
	// target is the zero sentinel, which makes the work check trivial.
	TestMode bool

	// Checkpoints is the trusted (hash, target) pair for each historical
	// retarget period, indexed by period number.
	Checkpoints []Checkpoint
}

// MainNet defines the production network parameters.
var MainNet = Params{
	Name:        "mainnet",
	GenesisHash: types.MustHashFromHex("0003a67bc26fe564b75daf11186d1606652f10f5919078625b47a14e3b38b9f4"),
	EquihashN:   200,
	EquihashK:   9,
}

// RegTest defines local-testing parameters: small Equihash instance and no
// retargeting. The genesis hash is left zero so tests can substitute their own.
var RegTest = Params{
	Name:      "regtest",
	EquihashN: 48,
	EquihashK: 5,
	TestMode:  true,
}

// Checkpoint is one trusted historical retarget period: the hash of the
// period's last header and the target computed after it.
type Checkpoint struct {
	Hash   types.Hash
	Target *big.Int
}

// MarshalJSON encodes the checkpoint as a ["hash", target] pair, the layout
// of the distributed checkpoints file.
func (c Checkpoint) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]json.RawMessage{
		json.RawMessage(fmt.Sprintf("%q", c.Hash.Hex())),
		json.RawMessage(c.Target.String()),
	})
}

// UnmarshalJSON decodes a ["hash", target] pair. The target is an arbitrary
// precision integer, so it must not pass through float64.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	var hexHash string
	if err := json.Unmarshal(pair[0], &hexHash); err != nil {
		return fmt.Errorf("checkpoint hash: %w", err)
	}
	h, err := types.HashFromHex(hexHash)
	if err != nil {
		return fmt.Errorf("checkpoint hash: %w", err)
	}
	var num json.Number
	if err := json.Unmarshal(pair[1], &num); err != nil {
		return fmt.Errorf("checkpoint target: %w", err)
	}
	target, ok := new(big.Int).SetString(num.String(), 10)
	if !ok {
		return fmt.Errorf("checkpoint target: invalid integer %q", num.String())
	}
	c.Hash = h
	c.Target = target
	return nil
}

// LoadCheckpoints reads a JSON checkpoints file: an array of ["hash", target]
// pairs, one per period in order.
func LoadCheckpoints(path string) ([]Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cps []Checkpoint
	if err := json.Unmarshal(data, &cps); err != nil {
		return nil, fmt.Errorf("parse checkpoints %s: %w", path, err)
	}
	return cps, nil
}
