package engine

import (
	"fmt"

	"github.com/23skdu/llamadrama/internal/config"
	"github.com/23skdu/llamadrama/internal/gguf"
	"github.com/23skdu/llamadrama/internal/logger"
	"github.com/23skdu/llamadrama/internal/tensor"
	"github.com/23skdu/llamadrama/internal/tokenizer"
)

// DefaultBatchSize is the number of prompt positions processed per forward
// call during prefill.
const DefaultBatchSize = 16

type Options struct {
	BatchSize int

	// ContextLength lowers the trained maximum when positive.
	ContextLength int

	// Threads sizes the worker pool when Pool is nil. Zero means one
	// worker per physical core.
	Threads int
	Pool    *tensor.Pool

	HeaderCache *gguf.HeaderCache
}

// Model couples a configuration with its weights and the worker pool that
// runs the kernels. It is safe for concurrent use with distinct States.
type Model struct {
	cfg config.Model
	w   *Weights
	tok *tokenizer.Tokenizer

	pool     *tensor.Pool
	ownsPool bool
	batch    int
	file     *gguf.File
	log      *logger.Logger
}

// NewModel validates weights against cfg and prepares a model for in-memory
// weights.
func NewModel(cfg config.Model, w *Weights, opts Options) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}
	if err := w.Validate(&cfg); err != nil {
		return nil, err
	}

	m := &Model{
		cfg:   cfg,
		w:     w,
		pool:  opts.Pool,
		batch: opts.BatchSize,
		log:   logger.Log.With("component", "engine"),
	}
	if m.batch <= 0 {
		m.batch = DefaultBatchSize
	}
	if m.pool == nil {
		m.pool = tensor.NewPool(opts.Threads)
		m.ownsPool = true
	}
	m.log.Debug("model ready", "config", cfg.String(), "workers", m.pool.Size(), "batch", m.batch)
	return m, nil
}

func (m *Model) Config() config.Model { return m.cfg }

func (m *Model) Weights() *Weights { return m.w }

// Tokenizer is nil for models built with NewModel.
func (m *Model) Tokenizer() *tokenizer.Tokenizer { return m.tok }

// NewState allocates a fresh sequence state for this model.
func (m *Model) NewState() *State { return NewState(&m.cfg, m.batch) }

// Close stops an owned pool and unmaps the model file. Weights must not be
// used afterwards.
func (m *Model) Close() error {
	if m.ownsPool {
		m.pool.Close()
	}
	if m.file != nil {
		return m.file.Close()
	}
	return nil
}
