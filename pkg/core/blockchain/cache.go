package blockchain

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/BushidoLab/electrum/pkg/core/types"
)

// headerKey identifies a cached header by the checkpoint of the segment file
// it was read from plus its height. Keying on the checkpoint keeps entries
// from competing forks apart.
type headerKey struct {
	checkpoint int64
	height     int64
}

// headerCache is a small LRU over decoded headers. Sequential-scan reads are
// O(height), so hot heights are worth keeping decoded. Any segment mutation
// purges the whole cache; reorgs reassign checkpoints underneath the keys.
type headerCache struct {
	lru *lru.Cache[headerKey, *types.Header]
}

func newHeaderCache(size int) *headerCache {
	c, err := lru.New[headerKey, *types.Header](size)
	if err != nil {
		panic(err) // only possible for a non-positive size
	}
	return &headerCache{lru: c}
}

func (c *headerCache) get(checkpoint, height int64) (*types.Header, bool) {
	return c.lru.Get(headerKey{checkpoint, height})
}

func (c *headerCache) add(checkpoint, height int64, h *types.Header) {
	c.lru.Add(headerKey{checkpoint, height}, h)
}

func (c *headerCache) purge() {
	c.lru.Purge()
}
