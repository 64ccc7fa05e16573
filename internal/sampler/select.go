package sampler

import (
	"errors"
	"fmt"
	"math"

	"github.com/23skdu/llamadrama/internal/metrics"
)

var ErrInvalidConfig = errors.New("invalid sampler config")

type Config struct {
	Temperature float32
	TopP        float32
	Seed        uint64
}

// New picks the sampler for cfg: greedy at temperature zero, otherwise
// temperature scaling followed by top-p or plain categorical sampling.
func New(cfg Config) (Sampler, error) {
	t := float64(cfg.Temperature)
	if math.IsNaN(t) || t < 0 {
		return nil, fmt.Errorf("%w: temperature %v must be >= 0", ErrInvalidConfig, cfg.Temperature)
	}
	metrics.RecordSampler(t, float64(cfg.TopP))

	if cfg.Temperature == 0 {
		return Argmax{}, nil
	}
	if !(cfg.TopP > 0 && cfg.TopP <= 1) {
		return nil, fmt.Errorf("%w: top-p %v must be in (0, 1]", ErrInvalidConfig, cfg.TopP)
	}

	rng := NewRand(cfg.Seed)
	var next Sampler
	if cfg.TopP == 1 {
		next = NewCategorical(rng)
	} else {
		next = NewTopP(cfg.TopP, rng)
	}
	return &Temperature{T: cfg.Temperature, Next: next}, nil
}
