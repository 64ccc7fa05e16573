package config

import (
	"errors"
	"fmt"

	"github.com/23skdu/llamadrama/internal/gguf"
)

// FromGGUF reads the hyperparameters of a llama-family model. Keys are
// prefixed with general.architecture. Missing optional keys keep the values
// from Default.
func FromGGUF(md gguf.Metadata) (Model, error) {
	cfg := Default()
	arch, err := md.String("general.architecture")
	if err != nil {
		return cfg, err
	}
	cfg.Architecture = arch
	key := func(name string) string { return arch + "." + name }

	required := []struct {
		name string
		dst  *int
	}{
		{"embedding_length", &cfg.Dim},
		{"feed_forward_length", &cfg.HiddenDim},
		{"block_count", &cfg.Layers},
		{"attention.head_count", &cfg.Heads},
		{"context_length", &cfg.ContextLength},
	}
	for _, r := range required {
		v, err := md.Uint(key(r.name))
		if err != nil {
			return cfg, err
		}
		*r.dst = int(v)
	}

	optionalInt := func(name string, dst *int) error {
		v, err := md.Uint(name)
		switch {
		case errors.Is(err, gguf.ErrMissingKey):
			return nil
		case err != nil:
			return err
		}
		*dst = int(v)
		return nil
	}
	optionalFloat := func(name string, dst *float32) error {
		v, err := md.Float(name)
		switch {
		case errors.Is(err, gguf.ErrMissingKey):
			return nil
		case err != nil:
			return err
		}
		*dst = float32(v)
		return nil
	}

	cfg.KVHeads = cfg.Heads
	if err := optionalInt(key("attention.head_count_kv"), &cfg.KVHeads); err != nil {
		return cfg, err
	}
	if err := optionalFloat(key("attention.layer_norm_rms_epsilon"), &cfg.Eps); err != nil {
		return cfg, err
	}
	if err := optionalFloat(key("rope.freq_base"), &cfg.RopeTheta); err != nil {
		return cfg, err
	}

	if md.Has(key("vocab_size")) {
		if err := optionalInt(key("vocab_size"), &cfg.VocabSize); err != nil {
			return cfg, err
		}
	} else {
		tokens, err := md.Strings("tokenizer.ggml.tokens")
		if err != nil {
			return cfg, fmt.Errorf("vocab size: %w", err)
		}
		cfg.VocabSize = len(tokens)
	}

	if md.Has(key("rope.scaling.factor")) {
		s := DefaultRopeScaling()
		if err := optionalFloat(key("rope.scaling.factor"), &s.Factor); err != nil {
			return cfg, err
		}
		if err := optionalFloat(key("rope.scaling.low_freq_factor"), &s.LowFreqFactor); err != nil {
			return cfg, err
		}
		if err := optionalFloat(key("rope.scaling.high_freq_factor"), &s.HighFreqFactor); err != nil {
			return cfg, err
		}
		if err := optionalInt(key("rope.scaling.original_context_length"), &s.OriginalContextLength); err != nil {
			return cfg, err
		}
		cfg.RopeScaling = &s
	}

	return cfg, cfg.Validate()
}
