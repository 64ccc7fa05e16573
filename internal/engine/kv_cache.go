package engine

import (
	"github.com/23skdu/llamadrama/internal/config"
)

// KVCache stores the rotated keys and the values of every processed
// position, laid out as [layer][position][kvDim].
type KVCache struct {
	layers   int
	capacity int
	kvDim    int

	Key   []float32
	Value []float32
}

func NewKVCache(cfg *config.Model) *KVCache {
	n := cfg.Layers * cfg.ContextLength * cfg.KVDim()
	return &KVCache{
		layers:   cfg.Layers,
		capacity: cfg.ContextLength,
		kvDim:    cfg.KVDim(),
		Key:      make([]float32, n),
		Value:    make([]float32, n),
	}
}

// Capacity is the number of positions per layer.
func (c *KVCache) Capacity() int { return c.capacity }

// SizeBytes is the memory held by keys and values together.
func (c *KVCache) SizeBytes() int64 { return int64(len(c.Key)+len(c.Value)) * 4 }

func (c *KVCache) offset(layer, pos int) int {
	return (layer*c.capacity + pos) * c.kvDim
}

// Store copies k and v into (layer, pos).
func (c *KVCache) Store(layer, pos int, k, v []float32) {
	off := c.offset(layer, pos)
	copy(c.Key[off:off+c.kvDim], k)
	copy(c.Value[off:off+c.kvDim], v)
}

// Keys returns the keys of positions [0, n) of layer.
func (c *KVCache) Keys(layer, n int) []float32 {
	off := c.offset(layer, 0)
	return c.Key[off : off+n*c.kvDim]
}

// Values returns the values of positions [0, n) of layer.
func (c *KVCache) Values(layer, n int) []float32 {
	off := c.offset(layer, 0)
	return c.Value[off : off+n*c.kvDim]
}
