package tensor

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"
)

func randomFloats(r *rand.Rand, n int, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = (r.Float32()*2 - 1) * scale
	}
	return out
}

func mustNew(t *testing.T, kind Kind, src []float32) *Tensor {
	t.Helper()
	data, err := Encode(kind, src)
	if err != nil {
		t.Fatalf("encode %s: %v", kind, err)
	}
	tt, err := New(kind, len(src), data)
	if err != nil {
		t.Fatalf("new %s: %v", kind, err)
	}
	return tt
}

func blockAbsMax(src []float32, i, blockSize int) float32 {
	start := i / blockSize * blockSize
	var m float32
	for _, v := range src[start : start+blockSize] {
		m = max(m, float32(math.Abs(float64(v))))
	}
	return m
}

func TestKindSizes(t *testing.T) {
	tests := []struct {
		kind      Kind
		n         int
		wantBytes int
		wantErr   bool
	}{
		{F32, 10, 40, false},
		{F16, 10, 20, false},
		{BF16, 10, 20, false},
		{Q8_0, 64, 68, false},
		{Q4_0, 64, 36, false},
		{Q8_0, 33, 0, true},
		{Kind(12), 256, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			got, err := tt.kind.ByteSize(tt.n)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ByteSize(%d) error = %v, wantErr %v", tt.n, err, tt.wantErr)
			}
			if got != tt.wantBytes {
				t.Errorf("ByteSize(%d) = %d, want %d", tt.n, got, tt.wantBytes)
			}
		})
	}
}

func TestNewRejectsUnsupportedKind(t *testing.T) {
	_, err := New(Kind(12), 256, make([]byte, 1024))
	if !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("expected ErrUnsupportedKind, got %v", err)
	}
}

func TestNewRejectsShortBuffer(t *testing.T) {
	if _, err := New(Q8_0, 64, make([]byte, 67)); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestF32GetSetRoundTrip(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	src := randomFloats(r, 100, 10)
	tt := mustNew(t, F32, src)
	for i, v := range src {
		if got := tt.Get(i); got != v {
			t.Fatalf("Get(%d) = %v, want %v", i, got, v)
		}
	}

	scratch := NewF32(len(src))
	for i, v := range src {
		scratch.Set(i, v)
	}
	for i, v := range src {
		if got := scratch.Get(i); got != v {
			t.Fatalf("scratch Get(%d) = %v, want %v", i, got, v)
		}
	}
}

func TestSetPanicsOnQuantized(t *testing.T) {
	tt := mustNew(t, Q8_0, make([]float32, QK))
	defer func() {
		if recover() == nil {
			t.Error("expected panic when writing to a Q8_0 tensor")
		}
	}()
	tt.Set(0, 1)
}

func TestRequantizeRoundTrip(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	src := randomFloats(r, 8*QK, 4)

	tests := []struct {
		kind  Kind
		bound func(i int) float32
	}{
		{F16, func(i int) float32 { return float32(math.Abs(float64(src[i]))) / 1024 }},
		{BF16, func(i int) float32 { return float32(math.Abs(float64(src[i]))) / 128 }},
		{Q8_0, func(i int) float32 { return blockAbsMax(src, i, QK) / 127 }},
		{Q4_0, func(i int) float32 { return blockAbsMax(src, i, QK) / 8 * 1.05 }},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			q := mustNew(t, tt.kind, src)
			for i, v := range src {
				got := q.Get(i)
				if diff := float32(math.Abs(float64(got - v))); diff > tt.bound(i)+1e-7 {
					t.Fatalf("element %d: got %v want %v (diff %v > %v)", i, got, v, diff, tt.bound(i))
				}
			}
		})
	}
}

func TestQ4NibbleLayout(t *testing.T) {
	// scale 1.0 as f16 is 0x3c00; byte j holds element j (low) and j+16 (high)
	data := make([]byte, q4BlockBytes)
	data[0], data[1] = 0x00, 0x3c
	for j := range QK / 2 {
		data[2+j] = byte(j%16) | byte(15-j%16)<<4
	}
	tt, err := New(Q4_0, QK, data)
	if err != nil {
		t.Fatal(err)
	}
	for j := range QK / 2 {
		if got, want := tt.Get(j), float32(j%16-8); got != want {
			t.Errorf("low nibble %d: got %v want %v", j, got, want)
		}
		if got, want := tt.Get(j+QK/2), float32(15-j%16-8); got != want {
			t.Errorf("high nibble %d: got %v want %v", j, got, want)
		}
	}
}

func TestQ8SignedCodes(t *testing.T) {
	data := make([]byte, q8BlockBytes)
	data[0], data[1] = 0x00, 0x38 // 0.5
	data[2] = 0xff                // -1
	data[3] = 0x80                // -128
	data[4] = 0x7f                // 127
	tt, err := New(Q8_0, QK, data)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{-0.5, -64, 63.5}
	for i, w := range want {
		if got := tt.Get(i); got != w {
			t.Errorf("element %d: got %v want %v", i, got, w)
		}
	}
}

func TestBF16ZeroExtends(t *testing.T) {
	tt, err := New(BF16, 2, []byte{0x80, 0x3f, 0x00, 0xc0})
	if err != nil {
		t.Fatal(err)
	}
	if got := tt.Get(0); got != 1 {
		t.Errorf("expected 1, got %v", got)
	}
	if got := tt.Get(1); got != -2 {
		t.Errorf("expected -2, got %v", got)
	}
}

func TestDotSimple(t *testing.T) {
	a := FromFloat32([]float32{1, 2, 3, 4})
	b := FromFloat32([]float32{2, 3, 4, 5})
	if got := a.Dot(0, b, 0, 4); got != 40 {
		t.Errorf("expected 40, got %v", got)
	}
	if got := a.Dot(1, b, 2, 2); got != 2*4+3*5 {
		t.Errorf("expected 23, got %v", got)
	}
}

func TestMatVecSimple(t *testing.T) {
	w := FromFloat32([]float32{1, 2, 3, 4})
	out := make([]float32, 2)
	MatVec(nil, w, out, []float32{5, 6}, 2, 2)
	if out[0] != 17 || out[1] != 39 {
		t.Errorf("expected [17 39], got %v", out)
	}
}

func refDot(w *Tensor, off int, x []float32) float64 {
	var s float64
	for i, v := range x {
		s += float64(w.Get(off+i)) * float64(v)
	}
	return s
}

func absDot(w *Tensor, off int, x []float32) float64 {
	var s float64
	for i, v := range x {
		s += math.Abs(float64(w.Get(off+i)) * float64(v))
	}
	return s
}

func TestDotMatchesReference(t *testing.T) {
	r := rand.New(rand.NewPCG(5, 6))
	const n = 16 * QK
	src := randomFloats(r, n, 2)
	x := randomFloats(r, n, 1)

	cases := []struct{ off, length int }{
		{0, n},
		{QK, 4 * QK},
		{7, 3*QK + 5},
		{QK - 1, 2},
		{3, 10},
		{5 * QK, QK},
		{n - 17, 17},
	}
	for _, kind := range []Kind{F32, F16, BF16, Q8_0, Q4_0} {
		w := mustNew(t, kind, src)
		for _, c := range cases {
			xs := x[:c.length]
			got := float64(w.DotF32(c.off, xs))
			want := refDot(w, c.off, xs)
			tol := 1e-2 * max(1, absDot(w, c.off, xs))
			if math.Abs(got-want) > tol {
				t.Errorf("%s off=%d n=%d: got %v want %v", kind, c.off, c.length, got, want)
			}
		}
	}
}

func TestDotMixedKinds(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 8))
	a := randomFloats(r, 4*QK, 1)
	b := randomFloats(r, 4*QK, 1)
	qa := mustNew(t, Q8_0, a)
	qb := mustNew(t, Q4_0, b)
	fb := FromFloat32(b)

	var want float64
	for i := range a {
		want += float64(qa.Get(i)) * float64(qb.Get(i))
	}
	if got := float64(qa.Dot(0, qb, 0, len(a))); math.Abs(got-want) > 1e-3 {
		t.Errorf("quantized x quantized: got %v want %v", got, want)
	}
	if got, want := fb.Dot(0, qa, 0, len(a)), qa.Dot(0, fb, 0, len(a)); got != want {
		t.Errorf("dot must be symmetric when one side is F32: %v vs %v", got, want)
	}
}

func TestQ8DotAgainstFullPrecision(t *testing.T) {
	r := rand.New(rand.NewPCG(9, 10))
	const n = 32 * QK
	src := randomFloats(r, n, 1)
	x := randomFloats(r, n, 1)
	w := mustNew(t, Q8_0, src)

	var want, mag float64
	for i := range src {
		want += float64(src[i]) * float64(x[i])
		mag += math.Abs(float64(src[i]) * float64(x[i]))
	}
	got := float64(w.DotF32(0, x))
	if math.Abs(got-want) > 1e-2*mag {
		t.Errorf("got %v want %v (mag %v)", got, want, mag)
	}
}

func TestMatMulMatchesReference(t *testing.T) {
	r := rand.New(rand.NewPCG(11, 12))
	const rows, cols, batch = 37, 4 * QK, 3
	pool := NewPool(4)
	defer pool.Close()

	for _, kind := range []Kind{Q8_0, Q4_0, F16} {
		w := mustNew(t, kind, randomFloats(r, rows*cols, 1))
		in := randomFloats(r, batch*cols, 1)
		out := make([]float32, batch*rows)
		MatMul(pool, w, out, in, batch, rows, cols)

		for b := range batch {
			for row := range rows {
				xs := in[b*cols : (b+1)*cols]
				want := refDot(w, row*cols, xs)
				tol := 1e-2 * max(1, absDot(w, row*cols, xs))
				if got := float64(out[b*rows+row]); math.Abs(got-want) > tol {
					t.Fatalf("%s batch %d row %d: got %v want %v", kind, b, row, got, want)
				}
			}
		}
	}
}

func TestDequantize(t *testing.T) {
	r := rand.New(rand.NewPCG(13, 14))
	src := randomFloats(r, 2*QK, 1)
	w := mustNew(t, Q8_0, src)
	dst := make([]float32, 10)
	w.Dequantize(dst, 20)
	for i, v := range dst {
		if v != w.Get(20+i) {
			t.Fatalf("element %d: got %v want %v", i, v, w.Get(20+i))
		}
	}
}

func TestUnalignedF32View(t *testing.T) {
	src := []float32{1.5, -2.25, 3}
	raw := append([]byte{0}, EncodeF32(src)...)
	tt, err := New(F32, 3, raw[1:])
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range src {
		if got := tt.Get(i); got != v {
			t.Errorf("element %d: got %v want %v", i, got, v)
		}
	}
}
