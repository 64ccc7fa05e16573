package config

import (
	"fmt"
	"math"
	"strings"
)

// RopeScaling describes the long-context frequency correction applied to
// rotary embeddings (Llama 3.1 style).
type RopeScaling struct {
	Factor                float32
	LowFreqFactor         float32
	HighFreqFactor        float32
	OriginalContextLength int
}

// DefaultRopeScaling returns the Llama 3.1 correction parameters.
func DefaultRopeScaling() RopeScaling {
	return RopeScaling{
		Factor:                8,
		LowFreqFactor:         1,
		HighFreqFactor:        3,
		OriginalContextLength: 8192,
	}
}

func (r *RopeScaling) Validate() error {
	if r.Factor <= 0 {
		return fmt.Errorf("invalid rope scaling factor: %f (must be positive)", r.Factor)
	}
	if r.LowFreqFactor <= 0 || r.HighFreqFactor <= r.LowFreqFactor {
		return fmt.Errorf("invalid rope frequency factors: low=%f high=%f (need 0 < low < high)", r.LowFreqFactor, r.HighFreqFactor)
	}
	if r.OriginalContextLength <= 0 {
		return fmt.Errorf("invalid rope original context length: %d (must be positive)", r.OriginalContextLength)
	}
	return nil
}

// Model holds the transformer hyperparameters.
type Model struct {
	Architecture string
	Dim          int
	HiddenDim    int
	Layers       int
	Heads        int
	KVHeads      int
	VocabSize    int

	// ContextLength starts as the trained maximum and may be lowered
	// with WithContextLength.
	ContextLength int

	Eps         float32
	RopeTheta   float32
	RopeScaling *RopeScaling
}

func (c *Model) HeadSize() int { return c.Dim / c.Heads }

func (c *Model) KVDim() int { return c.HeadSize() * c.KVHeads }

// KVMul is the number of query heads sharing one key/value head.
func (c *Model) KVMul() int { return c.Heads / c.KVHeads }

func (c *Model) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", c.Dim)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("invalid kv_heads: %d (must be <= heads: %d)", c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("invalid kv_heads: %d (must divide heads: %d)", c.KVHeads, c.Heads)
	}
	if c.Dim%c.Heads != 0 {
		return fmt.Errorf("dim mismatch: %d not divisible by heads(%d)", c.Dim, c.Heads)
	}
	if c.HeadSize()%2 != 0 {
		return fmt.Errorf("invalid head size: %d (must be even for rope)", c.HeadSize())
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.ContextLength <= 0 {
		return fmt.Errorf("invalid context_length: %d (must be positive)", c.ContextLength)
	}
	if !(c.Eps > 0) || math.IsInf(float64(c.Eps), 0) {
		return fmt.Errorf("invalid eps: %f (must be positive)", c.Eps)
	}
	if !(c.RopeTheta > 0) {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", c.RopeTheta)
	}
	if c.RopeScaling != nil {
		if err := c.RopeScaling.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// WithContextLength returns a copy with the context length overridden.
// Non-positive values and values above the trained maximum keep the
// trained maximum.
func (c Model) WithContextLength(n int) Model {
	if n > 0 && n < c.ContextLength {
		c.ContextLength = n
	}
	return c
}

func (c *Model) GetArchitecture() string {
	return strings.ToLower(c.Architecture)
}

func (c *Model) String() string {
	return fmt.Sprintf("%s dim=%d hidden=%d layers=%d heads=%d kv_heads=%d vocab=%d ctx=%d theta=%g scaled=%t",
		c.GetArchitecture(), c.Dim, c.HiddenDim, c.Layers, c.Heads, c.KVHeads, c.VocabSize, c.ContextLength, c.RopeTheta, c.RopeScaling != nil)
}

// Default returns the optional fields with their documented defaults.
func Default() Model {
	return Model{
		Architecture:  "llama",
		ContextLength: 2048,
		Eps:           1e-5,
		RopeTheta:     10000.0,
	}
}
