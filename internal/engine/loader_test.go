package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/llamadrama/internal/gguf"
	"github.com/23skdu/llamadrama/internal/sampler"
	"github.com/23skdu/llamadrama/internal/tensor"
)

var loaderTokens = []string{"a", "b", "c", "d", "e", "f", "g", "h", "Ġ", "ab", "Ġab", "<|eot_id|>"}

// modelFile describes a small llama GGUF with a different kind per weight
// role. The hooks let tests corrupt individual tensors.
type modelFile struct {
	kinds   map[string]tensor.Kind
	skip    map[string]bool
	dims    map[string][]uint64
	extra   func(w *gguf.Writer)
	withOut bool
}

func newModelFile() *modelFile {
	return &modelFile{
		kinds: map[string]tensor.Kind{
			"token_embd":  tensor.Q8_0,
			"output":      tensor.Q8_0,
			"output_norm": tensor.F32,
			"attn_norm":   tensor.BF16,
			"ffn_norm":    tensor.F16,
			"attn_q":      tensor.Q8_0,
			"attn_k":      tensor.Q4_0,
			"attn_v":      tensor.F16,
			"attn_output": tensor.F32,
			"ffn_gate":    tensor.Q8_0,
			"ffn_down":    tensor.Q4_0,
			"ffn_up":      tensor.BF16,
		},
		skip: map[string]bool{},
		dims: map[string][]uint64{},
	}
}

// build writes the file and returns its path together with the weights it
// holds, decoded the way the loader decodes them.
func (mf *modelFile) build(t *testing.T) (string, *Weights) {
	t.Helper()
	cfg := testConfig()
	rng := rand.New(rand.NewPCG(77, 78))

	w := gguf.NewWriter()
	w.Set("general.architecture", "llama")
	w.Set("llama.embedding_length", uint32(cfg.Dim))
	w.Set("llama.feed_forward_length", uint32(cfg.HiddenDim))
	w.Set("llama.block_count", uint32(cfg.Layers))
	w.Set("llama.attention.head_count", uint32(cfg.Heads))
	w.Set("llama.attention.head_count_kv", uint32(cfg.KVHeads))
	w.Set("llama.context_length", uint32(64))
	w.Set("llama.attention.layer_norm_rms_epsilon", float32(cfg.Eps))
	w.Set("llama.rope.freq_base", cfg.RopeTheta)
	w.Set("tokenizer.ggml.model", "gpt2")
	w.Set("tokenizer.ggml.pre", "llama-bpe")
	w.Set("tokenizer.ggml.tokens", loaderTokens)
	types := make([]int32, len(loaderTokens))
	for i := range types {
		types[i] = 1
	}
	types[len(types)-1] = 3
	w.Set("tokenizer.ggml.token_type", types)
	w.Set("tokenizer.ggml.merges", []string{"a b", "Ġ ab"})

	add := func(name, role string, v []float32, rows, cols int) *tensor.Tensor {
		kind := mf.kinds[role]
		data, err := tensor.Encode(kind, v)
		require.NoError(t, err)
		dims := []uint64{uint64(cols), uint64(rows)}
		if rows == 1 {
			dims = dims[:1]
		}
		if d, ok := mf.dims[name]; ok {
			dims = d
		}
		if !mf.skip[name] {
			require.NoError(t, w.AddTensor(name, gguf.GGMLType(kind), dims, data))
		}
		m, err := tensor.New(kind, rows*cols, data)
		require.NoError(t, err)
		return m
	}
	matrix := func(name, role string, rows, cols int) *tensor.Tensor {
		v := make([]float32, rows*cols)
		for i := range v {
			v[i] = rng.Float32() - 0.5
		}
		return add(name, role, v, rows, cols)
	}
	vector := func(name, role string, n int) []float32 {
		m := add(name, role, randomNorm(rng, n), 1, n)
		out := make([]float32, n)
		m.Dequantize(out, 0)
		return out
	}

	dim, kvDim, hidden := cfg.Dim, cfg.KVDim(), cfg.HiddenDim
	ref := NewWeights(cfg.Layers)
	ref.TokenEmbedding = matrix("token_embd.weight", "token_embd", cfg.VocabSize, dim)
	ref.Output = ref.TokenEmbedding
	if mf.withOut {
		ref.Output = matrix("output.weight", "output", cfg.VocabSize, dim)
	}
	ref.OutputNorm = vector("output_norm.weight", "output_norm", dim)
	for l := range cfg.Layers {
		name := func(s string) string { return fmt.Sprintf("blk.%d.%s.weight", l, s) }
		ref.AttnNorm[l] = vector(name("attn_norm"), "attn_norm", dim)
		ref.WQ[l] = matrix(name("attn_q"), "attn_q", dim, dim)
		ref.WK[l] = matrix(name("attn_k"), "attn_k", kvDim, dim)
		ref.WV[l] = matrix(name("attn_v"), "attn_v", kvDim, dim)
		ref.WO[l] = matrix(name("attn_output"), "attn_output", dim, dim)
		ref.FFNNorm[l] = vector(name("ffn_norm"), "ffn_norm", dim)
		ref.W1[l] = matrix(name("ffn_gate"), "ffn_gate", hidden, dim)
		ref.W2[l] = matrix(name("ffn_down"), "ffn_down", dim, hidden)
		ref.W3[l] = matrix(name("ffn_up"), "ffn_up", hidden, dim)
	}
	if mf.extra != nil {
		mf.extra(w)
	}

	path := filepath.Join(t.TempDir(), "model.gguf")
	require.NoError(t, w.WriteFile(path))
	return path, ref
}

func TestLoadMixedKinds(t *testing.T) {
	path, ref := newModelFile().build(t)
	cache, err := gguf.NewHeaderCache(4)
	require.NoError(t, err)

	m, err := Load(path, Options{ContextLength: 16, BatchSize: 4, Threads: 2, HeaderCache: cache})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	cfg := m.Config()
	assert.Equal(t, 16, cfg.ContextLength)
	assert.Equal(t, len(loaderTokens), cfg.VocabSize)
	assert.Equal(t, 1, cfg.KVHeads)
	assert.Nil(t, cfg.RopeScaling)
	assert.True(t, m.Weights().Tied())
	assert.Equal(t, 1, cache.Len())

	counts := m.Weights().KindCounts()
	assert.Equal(t, 1+2*2, counts["Q8_0"], "embedding plus gate and q per layer")
	assert.Equal(t, 4, counts["Q4_0"])
	assert.Equal(t, 2, counts["F16"])
	assert.Equal(t, 2, counts["BF16"])
	assert.Equal(t, 2, counts["F32"])

	ids, err := m.Tokenizer().EncodeAll("ab ab<|eot_id|>")
	require.NoError(t, err)
	assert.Equal(t, []int{9, 10, 11}, ids)

	// The mapped weights must compute what the in-memory ones do.
	want := newReference(cfg, ref)
	st := m.NewState()
	for pos, id := range []int{0, 9, 3, 11, 5} {
		require.NoError(t, m.Forward(st, []int{id}, pos, true))
		requireLogitsClose(t, want.step(id, pos), st.Logits(), 1e-3, "pos %d", pos)
	}
}

func TestLoadUntiedOutputAndGenerate(t *testing.T) {
	mf := newModelFile()
	mf.withOut = true
	path, _ := mf.build(t)

	m, err := Load(path, Options{BatchSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	assert.False(t, m.Weights().Tied())
	assert.Equal(t, 64, m.Config().ContextLength)

	res, err := m.Generate(context.Background(), m.NewState(), GenerateRequest{
		Prompt:    []int{0, 1, 2},
		Sampler:   sampler.Argmax{},
		MaxTokens: 4,
	})
	require.NoError(t, err)
	assert.Len(t, res.Tokens, 4)
}

func TestLoadRopeFreqsEnablesScaling(t *testing.T) {
	mf := newModelFile()
	mf.extra = func(w *gguf.Writer) {
		cfg := testConfig()
		freqs := make([]float32, cfg.HeadSize()/2)
		for i := range freqs {
			freqs[i] = 1
		}
		require.NoError(t, w.AddTensor("rope_freqs.weight", gguf.GGMLTypeF32, []uint64{uint64(len(freqs))}, tensor.EncodeF32(freqs)))
	}
	path, _ := mf.build(t)

	m, err := Load(path, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	require.NotNil(t, m.Config().RopeScaling)
	assert.Equal(t, float32(8), m.Config().RopeScaling.Factor)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(mf *modelFile)
		want   error
	}{
		{
			name:   "missing layer weight",
			mutate: func(mf *modelFile) { mf.skip["blk.1.ffn_up.weight"] = true },
			want:   ErrMissingTensor,
		},
		{
			name:   "missing embedding",
			mutate: func(mf *modelFile) { mf.skip["token_embd.weight"] = true },
			want:   ErrMissingTensor,
		},
		{
			name:   "transposed key projection",
			mutate: func(mf *modelFile) { mf.dims["blk.0.attn_k.weight"] = []uint64{4, 8} },
			want:   ErrShapeMismatch,
		},
		{
			name: "integer norm",
			mutate: func(mf *modelFile) {
				mf.skip["blk.0.attn_norm.weight"] = true
				mf.extra = func(w *gguf.Writer) {
					require.NoError(t, w.AddTensor("blk.0.attn_norm.weight", gguf.GGMLTypeI8, []uint64{8}, make([]byte, 8)))
				}
			},
			want: tensor.ErrUnsupportedKind,
		},
		{
			name: "integer projection",
			mutate: func(mf *modelFile) {
				mf.skip["blk.1.attn_q.weight"] = true
				mf.extra = func(w *gguf.Writer) {
					require.NoError(t, w.AddTensor("blk.1.attn_q.weight", gguf.GGMLTypeI8, []uint64{8, 8}, make([]byte, 64)))
				}
			},
			want: tensor.ErrUnsupportedKind,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mf := newModelFile()
			tt.mutate(mf)
			path, _ := mf.build(t)
			_, err := Load(path, Options{})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.gguf"), Options{})
	assert.Error(t, err)
}
