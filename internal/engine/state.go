package engine

import (
	"github.com/23skdu/llamadrama/internal/config"
)

// State is the mutable side of one sequence: the KV cache plus a scratch
// arena sized for batchSize positions. Forward never allocates.
// A State must not be shared between goroutines.
type State struct {
	batch int

	x   []float32 // residual stream, batch x dim
	xb  []float32 // normed input and attention output, batch x dim
	xb2 []float32 // projection output, batch x dim
	hb  []float32 // ffn gate, batch x hidden
	hb2 []float32 // ffn up, batch x hidden
	q   []float32 // batch x dim
	k   []float32 // batch x kvDim
	v   []float32 // batch x kvDim
	att []float32 // batch x heads x context

	logits []float32

	Cache *KVCache
	pos   int
}

func NewState(cfg *config.Model, batchSize int) *State {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	dim, kvDim, hidden := cfg.Dim, cfg.KVDim(), cfg.HiddenDim
	return &State{
		batch:  batchSize,
		x:      make([]float32, batchSize*dim),
		xb:     make([]float32, batchSize*dim),
		xb2:    make([]float32, batchSize*dim),
		hb:     make([]float32, batchSize*hidden),
		hb2:    make([]float32, batchSize*hidden),
		q:      make([]float32, batchSize*dim),
		k:      make([]float32, batchSize*kvDim),
		v:      make([]float32, batchSize*kvDim),
		att:    make([]float32, batchSize*cfg.Heads*cfg.ContextLength),
		logits: make([]float32, cfg.VocabSize),
		Cache:  NewKVCache(cfg),
	}
}

// Logits of the last position processed with computeLogits set. Samplers may
// overwrite them.
func (s *State) Logits() []float32 { return s.logits }

// Pos is the next position to be written.
func (s *State) Pos() int { return s.pos }

func (s *State) BatchSize() int { return s.batch }

// Reset rewinds to position zero. Cache contents are left in place since
// every position is written before it is read.
func (s *State) Reset() { s.pos = 0 }
