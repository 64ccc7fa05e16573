package engine

import (
	"fmt"
	"time"

	"github.com/d4l3k/go-bfloat16"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/llamadrama/internal/config"
	"github.com/23skdu/llamadrama/internal/gguf"
	"github.com/23skdu/llamadrama/internal/logger"
	"github.com/23skdu/llamadrama/internal/metrics"
	"github.com/23skdu/llamadrama/internal/rope"
	"github.com/23skdu/llamadrama/internal/tensor"
	"github.com/23skdu/llamadrama/internal/tokenizer"
)

// Load maps a GGUF file and builds the model, its weights and its tokenizer.
// Weights borrow the mapping, which stays open until Model.Close.
func Load(path string, opts Options) (*Model, error) {
	start := time.Now()
	log := logger.Log.With("component", "loader")

	f, err := gguf.Open(path, opts.HeaderCache)
	if err != nil {
		return nil, fmt.Errorf("failed to open model: %w", err)
	}
	m, err := load(f, opts, log)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	m.file = f

	d := time.Since(start)
	metrics.RecordModelLoad(d)
	log.Info("model loaded",
		"path", path,
		"config", m.cfg.String(),
		"tensors", m.w.KindCounts(),
		"tied_output", m.w.Tied(),
		"duration", d)
	return m, nil
}

func load(f *gguf.File, opts Options, log *logger.Logger) (*Model, error) {
	cfg, err := config.FromGGUF(f.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}
	if _, ok := f.Tensor("rope_freqs.weight"); ok && cfg.RopeScaling == nil {
		s := config.DefaultRopeScaling()
		cfg.RopeScaling = &s
	}
	if trained := cfg.ContextLength; opts.ContextLength > 0 {
		cfg = cfg.WithContextLength(opts.ContextLength)
		log.Debug("context length", "trained", trained, "requested", opts.ContextLength, "using", cfg.ContextLength)
	}

	tok, err := tokenizer.FromGGUF(f.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}
	if n := tok.Vocabulary().Size(); n != cfg.VocabSize {
		log.Warn("tokenizer and embedding sizes differ", "tokens", n, "vocab_size", cfg.VocabSize)
	}

	w, err := loadWeights(f, &cfg, opts.Threads)
	if err != nil {
		return nil, err
	}
	m, err := NewModel(cfg, w, opts)
	if err != nil {
		return nil, err
	}
	m.tok = tok
	return m, nil
}

func loadWeights(f *gguf.File, cfg *config.Model, threads int) (*Weights, error) {
	dim, vocab := cfg.Dim, cfg.VocabSize
	w := NewWeights(cfg.Layers)

	var err error
	if w.TokenEmbedding, err = matrix(f, "token_embd.weight", vocab, dim); err != nil {
		return nil, err
	}
	if _, ok := f.Tensor("output.weight"); ok {
		if w.Output, err = matrix(f, "output.weight", vocab, dim); err != nil {
			return nil, err
		}
	} else {
		w.Output = w.TokenEmbedding
	}
	if w.OutputNorm, err = vector(f, "output_norm.weight", dim); err != nil {
		return nil, err
	}

	if threads <= 0 {
		threads = tensor.DefaultWorkers()
	}
	var g errgroup.Group
	g.SetLimit(threads)
	for l := range cfg.Layers {
		g.Go(func() error { return loadLayer(f, w, cfg, l) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	w.Rope, err = rope.New(cfg.ContextLength, cfg.HeadSize(), float64(cfg.RopeTheta), cfg.RopeScaling)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func loadLayer(f *gguf.File, w *Weights, cfg *config.Model, l int) error {
	dim, kvDim, hidden := cfg.Dim, cfg.KVDim(), cfg.HiddenDim
	name := func(s string) string { return fmt.Sprintf("blk.%d.%s.weight", l, s) }

	var err error
	for _, m := range []struct {
		name       string
		dst        **tensor.Tensor
		rows, cols int
	}{
		{"attn_q", &w.WQ[l], dim, dim},
		{"attn_k", &w.WK[l], kvDim, dim},
		{"attn_v", &w.WV[l], kvDim, dim},
		{"attn_output", &w.WO[l], dim, dim},
		{"ffn_gate", &w.W1[l], hidden, dim},
		{"ffn_down", &w.W2[l], dim, hidden},
		{"ffn_up", &w.W3[l], hidden, dim},
	} {
		if *m.dst, err = matrix(f, name(m.name), m.rows, m.cols); err != nil {
			return err
		}
	}
	if w.AttnNorm[l], err = vector(f, name("attn_norm"), dim); err != nil {
		return err
	}
	w.FFNNorm[l], err = vector(f, name("ffn_norm"), dim)
	return err
}

func lookup(f *gguf.File, name string, rows, cols int) (*gguf.TensorInfo, error) {
	info, ok := f.Tensor(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingTensor, name)
	}
	if len(info.Dimensions) == 0 || info.Dimensions[0] != uint64(cols) || info.Elements() != uint64(rows*cols) {
		return nil, fmt.Errorf("%w: %s has shape %v, want [%d %d]", ErrShapeMismatch, name, info.Dimensions, cols, rows)
	}
	return info, nil
}

// matrix wraps a rows x cols weight without copying.
func matrix(f *gguf.File, name string, rows, cols int) (*tensor.Tensor, error) {
	info, err := lookup(f, name, rows, cols)
	if err != nil {
		return nil, err
	}
	t, err := tensor.New(tensor.Kind(info.Type), rows*cols, info.Data)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	metrics.RecordTensorLoaded(t.Kind().String())
	return t, nil
}

// vector decodes a norm weight into float32 once.
func vector(f *gguf.File, name string, n int) ([]float32, error) {
	info, err := lookup(f, name, 1, n)
	if err != nil {
		return nil, err
	}
	kind := tensor.Kind(info.Type)
	switch kind {
	case tensor.BF16:
		if len(info.Data) < 2*n {
			return nil, fmt.Errorf("tensor %s: %w", name, gguf.ErrTruncated)
		}
		metrics.RecordTensorLoaded(kind.String())
		return bfloat16.DecodeFloat32(info.Data[:2*n]), nil
	case tensor.F32, tensor.F16:
		t, err := tensor.New(kind, n, info.Data)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		out := make([]float32, n)
		t.Dequantize(out, 0)
		metrics.RecordTensorLoaded(kind.String())
		return out, nil
	default:
		return nil, fmt.Errorf("tensor %s: norm weights must be F32, F16 or BF16, got %s: %w", name, kind, tensor.ErrUnsupportedKind)
	}
}
