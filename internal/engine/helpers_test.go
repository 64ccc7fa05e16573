package engine

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/llamadrama/internal/config"
	"github.com/23skdu/llamadrama/internal/rope"
	"github.com/23skdu/llamadrama/internal/tensor"
)

// testConfig is a 2-layer, 2-head model with one shared KV head.
func testConfig() config.Model {
	cfg := config.Default()
	cfg.Dim = 8
	cfg.HiddenDim = 16
	cfg.Layers = 2
	cfg.Heads = 2
	cfg.KVHeads = 1
	cfg.VocabSize = 12
	cfg.ContextLength = 16
	return cfg
}

func randomMatrix(t testing.TB, rng *rand.Rand, kind tensor.Kind, rows, cols int) *tensor.Tensor {
	t.Helper()
	v := make([]float32, rows*cols)
	for i := range v {
		v[i] = rng.Float32() - 0.5
	}
	data, err := tensor.Encode(kind, v)
	require.NoError(t, err)
	m, err := tensor.New(kind, rows*cols, data)
	require.NoError(t, err)
	return m
}

func randomNorm(rng *rand.Rand, n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = 1 + (rng.Float32()-0.5)*0.2
	}
	return v
}

func randomWeights(t testing.TB, cfg *config.Model, kind tensor.Kind, seed uint64, tied bool) *Weights {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, seed^0x5bd1e995))
	dim, kvDim, hidden := cfg.Dim, cfg.KVDim(), cfg.HiddenDim

	w := NewWeights(cfg.Layers)
	w.TokenEmbedding = randomMatrix(t, rng, kind, cfg.VocabSize, dim)
	for l := range cfg.Layers {
		w.AttnNorm[l] = randomNorm(rng, dim)
		w.WQ[l] = randomMatrix(t, rng, kind, dim, dim)
		w.WK[l] = randomMatrix(t, rng, kind, kvDim, dim)
		w.WV[l] = randomMatrix(t, rng, kind, kvDim, dim)
		w.WO[l] = randomMatrix(t, rng, kind, dim, dim)
		w.FFNNorm[l] = randomNorm(rng, dim)
		w.W1[l] = randomMatrix(t, rng, kind, hidden, dim)
		w.W2[l] = randomMatrix(t, rng, kind, dim, hidden)
		w.W3[l] = randomMatrix(t, rng, kind, hidden, dim)
	}
	w.OutputNorm = randomNorm(rng, dim)
	if tied {
		w.Output = w.TokenEmbedding
	} else {
		w.Output = randomMatrix(t, rng, kind, cfg.VocabSize, dim)
	}

	var err error
	w.Rope, err = rope.New(cfg.ContextLength, cfg.HeadSize(), float64(cfg.RopeTheta), cfg.RopeScaling)
	require.NoError(t, err)
	return w
}

func newTestModel(t testing.TB, cfg config.Model, w *Weights, batch int) *Model {
	t.Helper()
	m, err := NewModel(cfg, w, Options{BatchSize: batch, Threads: 3})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// reference is a straightforward float64 transformer over the dequantized
// weights, one position at a time, with its own cache and rotary math.
type reference struct {
	cfg config.Model

	emb, out   [][]float64
	outNorm    []float64
	attnNorm   [][]float64
	ffnNorm    [][]float64
	wq, wk, wv [][][]float64
	wo         [][][]float64
	w1, w2, w3 [][][]float64

	keys, values [][][]float64
}

func dequant(t *tensor.Tensor, rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for r := range m {
		m[r] = make([]float64, cols)
		for c := range m[r] {
			m[r][c] = float64(t.Get(r*cols + c))
		}
	}
	return m
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func newReference(cfg config.Model, w *Weights) *reference {
	dim, kvDim, hidden := cfg.Dim, cfg.KVDim(), cfg.HiddenDim
	r := &reference{
		cfg:     cfg,
		emb:     dequant(w.TokenEmbedding, cfg.VocabSize, dim),
		out:     dequant(w.Output, cfg.VocabSize, dim),
		outNorm: widen(w.OutputNorm),
		keys:    make([][][]float64, cfg.Layers),
		values:  make([][][]float64, cfg.Layers),
	}
	for l := range cfg.Layers {
		r.attnNorm = append(r.attnNorm, widen(w.AttnNorm[l]))
		r.ffnNorm = append(r.ffnNorm, widen(w.FFNNorm[l]))
		r.wq = append(r.wq, dequant(w.WQ[l], dim, dim))
		r.wk = append(r.wk, dequant(w.WK[l], kvDim, dim))
		r.wv = append(r.wv, dequant(w.WV[l], kvDim, dim))
		r.wo = append(r.wo, dequant(w.WO[l], dim, dim))
		r.w1 = append(r.w1, dequant(w.W1[l], hidden, dim))
		r.w2 = append(r.w2, dequant(w.W2[l], dim, hidden))
		r.w3 = append(r.w3, dequant(w.W3[l], hidden, dim))
	}
	return r
}

func refMatVec(m [][]float64, x []float64) []float64 {
	out := make([]float64, len(m))
	for r, row := range m {
		for c, v := range row {
			out[r] += v * x[c]
		}
	}
	return out
}

func refRMSNorm(x, w []float64, eps float64) []float64 {
	var ss float64
	for _, v := range x {
		ss += v * v
	}
	inv := 1 / math.Sqrt(ss/float64(len(x))+eps)
	out := make([]float64, len(x))
	for i := range x {
		out[i] = w[i] * x[i] * inv
	}
	return out
}

func (r *reference) rotate(v []float64, pos int) {
	hs := r.cfg.HeadSize()
	theta := float64(r.cfg.RopeTheta)
	for i := 0; i < len(v); i += 2 {
		freq := 1 / math.Pow(theta, float64(i%hs)/float64(hs))
		s, c := math.Sincos(float64(pos) * freq)
		a, b := v[i], v[i+1]
		v[i] = a*c - b*s
		v[i+1] = a*s + b*c
	}
}

// step processes token at pos and returns the logits. Positions must be fed
// in order starting from zero.
func (r *reference) step(token, pos int) []float64 {
	cfg := r.cfg
	eps := float64(cfg.Eps)
	hs := cfg.HeadSize()
	kvMul := cfg.Heads / cfg.KVHeads

	x := append([]float64(nil), r.emb[token]...)
	for l := range cfg.Layers {
		xn := refRMSNorm(x, r.attnNorm[l], eps)
		q := refMatVec(r.wq[l], xn)
		k := refMatVec(r.wk[l], xn)
		v := refMatVec(r.wv[l], xn)
		r.rotate(q, pos)
		r.rotate(k, pos)
		r.keys[l] = append(r.keys[l][:pos], k)
		r.values[l] = append(r.values[l][:pos], v)

		attOut := make([]float64, cfg.Dim)
		for h := range cfg.Heads {
			kvh := h / kvMul
			qh := q[h*hs : (h+1)*hs]
			scores := make([]float64, pos+1)
			maxScore := math.Inf(-1)
			for s := 0; s <= pos; s++ {
				var dot float64
				for i := range hs {
					dot += qh[i] * r.keys[l][s][kvh*hs+i]
				}
				scores[s] = dot / math.Sqrt(float64(hs))
				maxScore = math.Max(maxScore, scores[s])
			}
			var sum float64
			for s := range scores {
				scores[s] = math.Exp(scores[s] - maxScore)
				sum += scores[s]
			}
			for s := range scores {
				for i := range hs {
					attOut[h*hs+i] += scores[s] / sum * r.values[l][s][kvh*hs+i]
				}
			}
		}
		for i, v := range refMatVec(r.wo[l], attOut) {
			x[i] += v
		}

		xn = refRMSNorm(x, r.ffnNorm[l], eps)
		gate := refMatVec(r.w1[l], xn)
		up := refMatVec(r.w3[l], xn)
		for i := range gate {
			gate[i] = gate[i] / (1 + math.Exp(-gate[i])) * up[i]
		}
		for i, v := range refMatVec(r.w2[l], gate) {
			x[i] += v
		}
	}
	return refMatVec(r.out, refRMSNorm(x, r.outNorm, eps))
}

func requireLogitsClose(t testing.TB, want []float64, got []float32, tol float64, msgAndArgs ...any) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		require.InDelta(t, want[i], float64(got[i]), tol, msgAndArgs...)
	}
}

func argmax64(v []float64) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
