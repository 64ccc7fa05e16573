package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/23skdu/llamadrama/internal/cpu"
	"github.com/23skdu/llamadrama/internal/metrics"
	"github.com/23skdu/llamadrama/internal/tensor"
)

// Forward runs tokens through the model at positions pos..pos+len(tokens)-1,
// appending their keys and values to the cache. With computeLogits set the
// logits of the last token are left in st.Logits(). Invalid input is
// rejected before anything is written.
func (m *Model) Forward(st *State, tokens []int, pos int, computeLogits bool) error {
	n := len(tokens)
	cfg := &m.cfg
	if n == 0 {
		return fmt.Errorf("forward: empty batch")
	}
	if n > st.batch {
		return fmt.Errorf("forward: batch of %d tokens exceeds state capacity %d", n, st.batch)
	}
	if pos < 0 || pos+n > cfg.ContextLength {
		return fmt.Errorf("%w: positions %d..%d, context length %d", ErrContextExhausted, pos, pos+n-1, cfg.ContextLength)
	}
	for _, id := range tokens {
		if id < 0 || id >= cfg.VocabSize {
			return fmt.Errorf("%w: %d (vocab size %d)", ErrTokenOutOfRange, id, cfg.VocabSize)
		}
	}

	start := time.Now()
	w := m.w
	dim, kvDim, hidden := cfg.Dim, cfg.KVDim(), cfg.HiddenDim

	x := st.x[:n*dim]
	xb := st.xb[:n*dim]
	xb2 := st.xb2[:n*dim]
	hb := st.hb[:n*hidden]
	hb2 := st.hb2[:n*hidden]
	q := st.q[:n*dim]
	k := st.k[:n*kvDim]
	v := st.v[:n*kvDim]

	for t, id := range tokens {
		w.TokenEmbedding.Dequantize(x[t*dim:(t+1)*dim], id*dim)
	}

	for l := range cfg.Layers {
		for t := range n {
			cpu.RMSNorm(xb[t*dim:(t+1)*dim], x[t*dim:(t+1)*dim], w.AttnNorm[l], cfg.Eps)
		}

		tensor.MatMul(m.pool, w.WQ[l], q, xb, n, dim, dim)
		tensor.MatMul(m.pool, w.WK[l], k, xb, n, kvDim, dim)
		tensor.MatMul(m.pool, w.WV[l], v, xb, n, kvDim, dim)

		for t := range n {
			kt := k[t*kvDim : (t+1)*kvDim]
			w.Rope.Rotate(q[t*dim:(t+1)*dim], pos+t)
			w.Rope.Rotate(kt, pos+t)
			st.Cache.Store(l, pos+t, kt, v[t*kvDim:(t+1)*kvDim])
		}

		m.attention(st, l, n, pos)

		tensor.MatMul(m.pool, w.WO[l], xb2, xb, n, dim, dim)
		cpu.Add(x, xb2)

		// The last layer's FFN only feeds the output head.
		if l == cfg.Layers-1 && !computeLogits {
			break
		}

		for t := range n {
			cpu.RMSNorm(xb[t*dim:(t+1)*dim], x[t*dim:(t+1)*dim], w.FFNNorm[l], cfg.Eps)
		}
		tensor.MatMul(m.pool, w.W1[l], hb, xb, n, hidden, dim)
		tensor.MatMul(m.pool, w.W3[l], hb2, xb, n, hidden, dim)
		for t := range n {
			cpu.SwiGLU(hb[t*hidden:(t+1)*hidden], hb2[t*hidden:(t+1)*hidden])
		}
		tensor.MatMul(m.pool, w.W2[l], xb, hb, n, dim, hidden)
		cpu.Add(x, xb)
	}

	st.pos = pos + n
	if computeLogits {
		last := x[(n-1)*dim : n*dim]
		cpu.RMSNorm(xb[:dim], last, w.OutputNorm, cfg.Eps)
		tensor.MatVec(m.pool, w.Output, st.logits, xb[:dim], cfg.VocabSize, dim)
	}
	metrics.RecordForward(n > 1, n, time.Since(start))
	return nil
}

// attention writes the attention output of every (token, head) pair of the
// batch into st.xb. Token t attends to positions 0..pos+t.
func (m *Model) attention(st *State, layer, n, pos int) {
	cfg := &m.cfg
	dim, kvDim := cfg.Dim, cfg.KVDim()
	heads, headSize, kvMul := cfg.Heads, cfg.HeadSize(), cfg.KVMul()
	ctxLen := cfg.ContextLength
	scale := float32(1 / math.Sqrt(float64(headSize)))

	keys := st.Cache.Keys(layer, pos+n)
	values := st.Cache.Values(layer, pos+n)

	m.pool.Parallel(n*heads, func(start, end int) {
		for job := start; job < end; job++ {
			t, h := job/heads, job%heads
			span := pos + t + 1
			q := st.q[t*dim+h*headSize : t*dim+(h+1)*headSize]
			att := st.att[(t*heads+h)*ctxLen : (t*heads+h)*ctxLen+span]
			kvOff := (h / kvMul) * headSize

			for s := range span {
				kOff := s*kvDim + kvOff
				att[s] = cpu.Dot(q, keys[kOff:kOff+headSize]) * scale
			}
			cpu.Softmax(att)

			out := st.xb[t*dim+h*headSize : t*dim+(h+1)*headSize]
			clear(out)
			for s := range span {
				vOff := s*kvDim + kvOff
				cpu.Saxpy(out, att[s], values[vOff:vOff+headSize])
			}
		}
	})
}
