package engine

import (
	"fmt"

	"github.com/23skdu/llamadrama/internal/config"
	"github.com/23skdu/llamadrama/internal/rope"
	"github.com/23skdu/llamadrama/internal/tensor"
)

// Weights holds every parameter of a llama-family model. Matrices are
// row-major with one output feature per row. Weights are read-only once
// built and may be shared by any number of States.
type Weights struct {
	TokenEmbedding *tensor.Tensor // vocab x dim

	AttnNorm [][]float32
	WQ       []*tensor.Tensor // dim x dim
	WK       []*tensor.Tensor // kvDim x dim
	WV       []*tensor.Tensor // kvDim x dim
	WO       []*tensor.Tensor // dim x dim

	FFNNorm [][]float32
	W1      []*tensor.Tensor // hidden x dim (gate)
	W2      []*tensor.Tensor // dim x hidden (down)
	W3      []*tensor.Tensor // hidden x dim (up)

	OutputNorm []float32
	Rope       rope.Table

	// Output is TokenEmbedding itself for models with tied embeddings.
	Output *tensor.Tensor
}

// NewWeights allocates the per-layer slices for n layers.
func NewWeights(layers int) *Weights {
	return &Weights{
		AttnNorm: make([][]float32, layers),
		WQ:       make([]*tensor.Tensor, layers),
		WK:       make([]*tensor.Tensor, layers),
		WV:       make([]*tensor.Tensor, layers),
		WO:       make([]*tensor.Tensor, layers),
		FFNNorm:  make([][]float32, layers),
		W1:       make([]*tensor.Tensor, layers),
		W2:       make([]*tensor.Tensor, layers),
		W3:       make([]*tensor.Tensor, layers),
	}
}

// Tied reports whether the output projection shares the embedding table.
func (w *Weights) Tied() bool { return w.Output == w.TokenEmbedding }

// Validate checks every tensor against the sizes cfg implies.
func (w *Weights) Validate(cfg *config.Model) error {
	dim, kvDim, hidden := cfg.Dim, cfg.KVDim(), cfg.HiddenDim

	checkT := func(name string, t *tensor.Tensor, want int) error {
		if t == nil {
			return fmt.Errorf("%w: %s", ErrMissingTensor, name)
		}
		if t.Size() != want {
			return fmt.Errorf("%w: %s has %d elements, want %d", ErrShapeMismatch, name, t.Size(), want)
		}
		return nil
	}
	checkV := func(name string, v []float32, want int) error {
		if v == nil {
			return fmt.Errorf("%w: %s", ErrMissingTensor, name)
		}
		if len(v) != want {
			return fmt.Errorf("%w: %s has %d elements, want %d", ErrShapeMismatch, name, len(v), want)
		}
		return nil
	}

	if err := checkT("token_embd", w.TokenEmbedding, cfg.VocabSize*dim); err != nil {
		return err
	}
	if err := checkT("output", w.Output, cfg.VocabSize*dim); err != nil {
		return err
	}
	if err := checkV("output_norm", w.OutputNorm, dim); err != nil {
		return err
	}
	for _, n := range []int{len(w.AttnNorm), len(w.WQ), len(w.WK), len(w.WV), len(w.WO), len(w.FFNNorm), len(w.W1), len(w.W2), len(w.W3)} {
		if n != cfg.Layers {
			return fmt.Errorf("%w: %d layers of weights, want %d", ErrShapeMismatch, n, cfg.Layers)
		}
	}
	for l := range cfg.Layers {
		if err := w.validateLayer(l, dim, kvDim, hidden, checkT, checkV); err != nil {
			return err
		}
	}

	if w.Rope.HeadSize != cfg.HeadSize() {
		return fmt.Errorf("%w: rope head size %d, want %d", ErrShapeMismatch, w.Rope.HeadSize, cfg.HeadSize())
	}
	if w.Rope.ContextLength() < cfg.ContextLength {
		return fmt.Errorf("%w: rope table covers %d positions, want %d", ErrShapeMismatch, w.Rope.ContextLength(), cfg.ContextLength)
	}
	return nil
}

func (w *Weights) validateLayer(l, dim, kvDim, hidden int,
	checkT func(string, *tensor.Tensor, int) error,
	checkV func(string, []float32, int) error,
) error {
	name := func(s string) string { return fmt.Sprintf("blk.%d.%s", l, s) }
	for _, c := range []struct {
		name string
		t    *tensor.Tensor
		want int
	}{
		{"attn_q", w.WQ[l], dim * dim},
		{"attn_k", w.WK[l], kvDim * dim},
		{"attn_v", w.WV[l], kvDim * dim},
		{"attn_output", w.WO[l], dim * dim},
		{"ffn_gate", w.W1[l], hidden * dim},
		{"ffn_down", w.W2[l], dim * hidden},
		{"ffn_up", w.W3[l], hidden * dim},
	} {
		if err := checkT(name(c.name), c.t, c.want); err != nil {
			return err
		}
	}
	if err := checkV(name("attn_norm"), w.AttnNorm[l], dim); err != nil {
		return err
	}
	return checkV(name("ffn_norm"), w.FFNNorm[l], dim)
}

// KindCounts tallies the storage kinds of all matrices.
func (w *Weights) KindCounts() map[string]int {
	counts := make(map[string]int)
	add := func(ts ...*tensor.Tensor) {
		for _, t := range ts {
			if t != nil {
				counts[t.Kind().String()]++
			}
		}
	}
	add(w.TokenEmbedding)
	if !w.Tied() {
		add(w.Output)
	}
	for l := range w.WQ {
		add(w.WQ[l], w.WK[l], w.WV[l], w.WO[l], w.W1[l], w.W2[l], w.W3[l])
	}
	return counts
}
