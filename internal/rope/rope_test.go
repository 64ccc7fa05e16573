package rope

import (
	"math"
	"testing"

	"github.com/23skdu/llamadrama/internal/config"
)

func approx(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestPositionZeroIsIdentity(t *testing.T) {
	tab, err := New(4, 8, 10000, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if tab.Real[i] != 1 || tab.Imag[i] != 0 {
			t.Errorf("pos 0 pair %d: expected (1,0), got (%v,%v)", i, tab.Real[i], tab.Imag[i])
		}
	}
}

func TestTableValues(t *testing.T) {
	const headSize, theta = 8, 10000.0
	tab, err := New(16, headSize, theta, nil)
	if err != nil {
		t.Fatal(err)
	}
	if tab.ContextLength() != 16 {
		t.Fatalf("expected 16 positions, got %d", tab.ContextLength())
	}
	for pos := range 16 {
		for i := 0; i < headSize; i += 2 {
			freq := math.Pow(theta, -float64(i)/headSize)
			idx := pos*headSize/2 + i/2
			if !approx(float64(tab.Real[idx]), math.Cos(float64(pos)*freq), 1e-6) {
				t.Fatalf("cos mismatch at pos %d pair %d", pos, i/2)
			}
			if !approx(float64(tab.Imag[idx]), math.Sin(float64(pos)*freq), 1e-6) {
				t.Fatalf("sin mismatch at pos %d pair %d", pos, i/2)
			}
		}
	}
}

func TestScalingBands(t *testing.T) {
	s := config.DefaultRopeScaling()
	const headSize, theta = 128, 500000.0
	plain := Frequencies(headSize, theta, nil)
	scaled := Frequencies(headSize, theta, &s)

	hiWavelen := float64(s.OriginalContextLength) / float64(s.HighFreqFactor)
	loWavelen := float64(s.OriginalContextLength) / float64(s.LowFreqFactor)

	var sawKept, sawDivided, sawSmoothed bool
	for i, f := range plain {
		wavelen := 2 * math.Pi / f
		switch {
		case wavelen < hiWavelen:
			sawKept = true
			if scaled[i] != f {
				t.Errorf("pair %d: high frequency must be unchanged", i)
			}
		case wavelen > loWavelen:
			sawDivided = true
			if !approx(scaled[i], f/float64(s.Factor), 1e-12) {
				t.Errorf("pair %d: low frequency must be divided by factor", i)
			}
		default:
			sawSmoothed = true
			if scaled[i] > f || scaled[i] < f/float64(s.Factor) {
				t.Errorf("pair %d: smoothed frequency %v outside [%v, %v]", i, scaled[i], f/float64(s.Factor), f)
			}
		}
	}
	if !sawKept || !sawDivided || !sawSmoothed {
		t.Errorf("expected all three bands, got kept=%v divided=%v smoothed=%v", sawKept, sawDivided, sawSmoothed)
	}
}

func TestRotatePreservesNorm(t *testing.T) {
	tab, err := New(32, 4, 10000, nil)
	if err != nil {
		t.Fatal(err)
	}
	v := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	before := norm(v)
	tab.Rotate(v, 17)
	if !approx(before, norm(v), 1e-4) {
		t.Errorf("rotation changed norm: %v -> %v", before, norm(v))
	}
}

func TestRotateMatchesTable(t *testing.T) {
	tab, err := New(8, 4, 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	v := []float32{1, 0, 0, 1}
	tab.Rotate(v, 3)
	c0, s0 := tab.Real[3*2], tab.Imag[3*2]
	c1, s1 := tab.Real[3*2+1], tab.Imag[3*2+1]
	want := []float32{c0, s0, -s1, c1}
	for i := range v {
		if !approx(float64(v[i]), float64(want[i]), 1e-6) {
			t.Errorf("element %d: got %v want %v", i, v[i], want[i])
		}
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	bad := config.RopeScaling{Factor: 0, LowFreqFactor: 1, HighFreqFactor: 3, OriginalContextLength: 8192}
	tests := []struct {
		name     string
		ctx      int
		headSize int
		theta    float64
		scaling  *config.RopeScaling
	}{
		{"zero context", 0, 8, 10000, nil},
		{"odd head", 8, 7, 10000, nil},
		{"zero theta", 8, 8, 0, nil},
		{"bad scaling", 8, 8, 10000, &bad},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.ctx, tt.headSize, tt.theta, tt.scaling); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}
