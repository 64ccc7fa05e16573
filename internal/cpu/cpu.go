// Package cpu holds the float32 vector kernels used by the forward pass.
package cpu

import "math"

// RMSNorm writes x / sqrt(mean(x^2) + eps) * w into out. out may alias x.
func RMSNorm(out, x, w []float32, eps float32) {
	n := len(x)
	var ss float32
	for _, v := range x {
		ss += v * v
	}
	ss = ss/float32(n) + eps
	inv := float32(1.0 / math.Sqrt(float64(ss)))
	out = out[:n]
	w = w[:n]
	for i := range out {
		out[i] = w[i] * (inv * x[i])
	}
}

// Softmax normalizes x in place after subtracting its maximum.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxVal := x[0]
	for _, v := range x[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float32
	for i, v := range x {
		e := float32(math.Exp(float64(v - maxVal)))
		x[i] = e
		sum += e
	}
	if sum > 0 {
		inv := 1 / sum
		for i := range x {
			x[i] *= inv
		}
	}
}

func Silu(z float32) float32 {
	return z / (1 + float32(math.Exp(float64(-z))))
}

// SwiGLU stores silu(gate[i]) * up[i] back into gate.
func SwiGLU(gate, up []float32) {
	up = up[:len(gate)]
	for i, g := range gate {
		gate[i] = Silu(g) * up[i]
	}
}

// Add accumulates src into dst.
func Add(dst, src []float32) {
	src = src[:len(dst)]
	for i := range dst {
		dst[i] += src[i]
	}
}

// Saxpy computes dst += a*x.
func Saxpy(dst []float32, a float32, x []float32) {
	x = x[:len(dst)]
	for i := range dst {
		dst[i] += a * x[i]
	}
}

func Scale(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

func Dot(a, b []float32) float32 {
	b = b[:len(a)]
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Argmax returns the index of the first maximum, or -1 for an empty slice.
func Argmax(x []float32) int {
	if len(x) == 0 {
		return -1
	}
	best := 0
	for i, v := range x[1:] {
		if v > x[best] {
			best = i + 1
		}
	}
	return best
}
