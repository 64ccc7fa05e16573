// Package rope precomputes rotary position embedding coefficients.
package rope

import (
	"fmt"
	"math"

	"github.com/23skdu/llamadrama/internal/config"
)

// Table holds cos/sin coefficients indexed by pos*(headSize/2) + i/2.
type Table struct {
	HeadSize int
	Real     []float32
	Imag     []float32
}

// Frequencies returns the per-pair rotation frequency, with the long-context
// correction applied when scaling is non-nil.
func Frequencies(headSize int, theta float64, scaling *config.RopeScaling) []float64 {
	freqs := make([]float64, headSize/2)
	for i := 0; i < headSize; i += 2 {
		freq := 1.0 / math.Pow(theta, float64(i)/float64(headSize))
		if scaling != nil {
			freq = scale(freq, scaling)
		}
		freqs[i/2] = freq
	}
	return freqs
}

func scale(freq float64, s *config.RopeScaling) float64 {
	factor := float64(s.Factor)
	lo := float64(s.LowFreqFactor)
	hi := float64(s.HighFreqFactor)
	orig := float64(s.OriginalContextLength)

	loWavelen := orig / lo
	hiWavelen := orig / hi
	wavelen := 2 * math.Pi / freq
	switch {
	case wavelen < hiWavelen:
		return freq
	case wavelen > loWavelen:
		return freq / factor
	default:
		smooth := (orig/wavelen - lo) / (hi - lo)
		return (1-smooth)*freq/factor + smooth*freq
	}
}

// New precomputes the table for every position below contextLength.
func New(contextLength, headSize int, theta float64, scaling *config.RopeScaling) (Table, error) {
	if contextLength <= 0 {
		return Table{}, fmt.Errorf("invalid context length: %d (must be positive)", contextLength)
	}
	if headSize <= 0 || headSize%2 != 0 {
		return Table{}, fmt.Errorf("invalid head size: %d (must be positive and even)", headSize)
	}
	if !(theta > 0) {
		return Table{}, fmt.Errorf("invalid rope theta: %f (must be positive)", theta)
	}
	if scaling != nil {
		if err := scaling.Validate(); err != nil {
			return Table{}, err
		}
	}

	freqs := Frequencies(headSize, theta, scaling)
	half := headSize / 2
	t := Table{
		HeadSize: headSize,
		Real:     make([]float32, contextLength*half),
		Imag:     make([]float32, contextLength*half),
	}
	for pos := range contextLength {
		row := pos * half
		for i, f := range freqs {
			angle := float64(pos) * f
			t.Real[row+i] = float32(math.Cos(angle))
			t.Imag[row+i] = float32(math.Sin(angle))
		}
	}
	return t, nil
}

// ContextLength is the number of positions covered by the table.
func (t Table) ContextLength() int {
	if t.HeadSize == 0 {
		return 0
	}
	return len(t.Real) / (t.HeadSize / 2)
}

// Rotate applies the rotation for pos to every adjacent pair of v, treating v
// as a sequence of heads of HeadSize elements.
func (t Table) Rotate(v []float32, pos int) {
	half := t.HeadSize / 2
	row := pos * half
	for i := 0; i+1 < len(v); i += 2 {
		j := row + (i%t.HeadSize)/2
		fcr, fci := t.Real[j], t.Imag[j]
		v0, v1 := v[i], v[i+1]
		v[i] = v0*fcr - v1*fci
		v[i+1] = v0*fci + v1*fcr
	}
}
