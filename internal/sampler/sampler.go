// Package sampler picks the next token from a logits vector.
package sampler

import (
	"cmp"
	"math/rand/v2"

	heap "github.com/emirpasic/gods/v2/trees/binaryheap"

	"github.com/23skdu/llamadrama/internal/cpu"
)

// Sampler chooses a token id from logits. Implementations may modify logits
// in place and are not safe for concurrent use.
type Sampler interface {
	Sample(logits []float32) int
}

// NewRand returns a PCG source seeded the same way for every sampler.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9E3779B9))
}

// Argmax returns the index of the largest logit, the first on ties.
type Argmax struct{}

func (Argmax) Sample(logits []float32) int { return cpu.Argmax(logits) }

// Categorical draws from a probability vector by walking its CDF.
type Categorical struct {
	rng *rand.Rand
}

func NewCategorical(rng *rand.Rand) *Categorical {
	return &Categorical{rng: rng}
}

func (s *Categorical) Sample(probs []float32) int {
	r := s.rng.Float32()
	var cdf float32
	for i, p := range probs {
		cdf += p
		if r < cdf {
			return i
		}
	}
	// Rounding can leave the CDF just under 1.
	return len(probs) - 1
}

// TopP samples from the smallest set of most probable tokens whose
// cumulative probability reaches P.
type TopP struct {
	P   float32
	rng *rand.Rand
}

func NewTopP(p float32, rng *rand.Rand) *TopP {
	return &TopP{P: p, rng: rng}
}

type candidate struct {
	id   int
	prob float32
}

func (s *TopP) Sample(probs []float32) int {
	if s.P >= 1 {
		return NewCategorical(s.rng).Sample(probs)
	}
	if len(probs) < 2 {
		return len(probs) - 1
	}

	// Tokens below the cutoff can never be part of the nucleus.
	cutoff := (1 - s.P) / float32(len(probs)-1)
	nucleus := heap.NewWith(func(a, b candidate) int {
		if c := cmp.Compare(b.prob, a.prob); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	for i, p := range probs {
		if p >= cutoff {
			nucleus.Push(candidate{id: i, prob: p})
		}
	}
	if nucleus.Empty() {
		return cpu.Argmax(probs)
	}

	kept := make([]candidate, 0, 16)
	var cum float32
	for !nucleus.Empty() {
		c, _ := nucleus.Pop()
		kept = append(kept, c)
		cum += c.prob
		if cum >= s.P {
			break
		}
	}

	r := s.rng.Float32() * cum
	var cdf float32
	for _, c := range kept {
		cdf += c.prob
		if r < cdf {
			return c.id
		}
	}
	return kept[len(kept)-1].id
}

// Temperature divides logits by T, normalizes them with softmax and hands
// the probabilities to Next.
type Temperature struct {
	T    float32
	Next Sampler
}

func (s *Temperature) Sample(logits []float32) int {
	cpu.Scale(logits, 1/s.T)
	cpu.Softmax(logits)
	return s.Next.Sample(logits)
}
