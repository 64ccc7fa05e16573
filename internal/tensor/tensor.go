// Package tensor provides read-only typed views over packed weight buffers
// and the dot/matvec kernels that consume them.
package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"
)

// Tensor is a flat, kind-tagged view over a packed byte region. The region is
// borrowed; whoever mapped it must keep it alive for the tensor's lifetime.
type Tensor struct {
	kind Kind
	size int
	raw  []byte
	f32  []float32
}

var littleEndian = func() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()

// New wraps data as a tensor of size elements. The kind and the buffer length
// are checked up front so compute never meets an unknown layout.
func New(kind Kind, size int, data []byte) (*Tensor, error) {
	if size < 0 {
		return nil, fmt.Errorf("invalid tensor size: %d", size)
	}
	nbytes, err := kind.ByteSize(size)
	if err != nil {
		return nil, err
	}
	if len(data) < nbytes {
		return nil, fmt.Errorf("%s tensor of %d elements needs %d bytes, got %d", kind, size, nbytes, len(data))
	}
	t := &Tensor{kind: kind, size: size, raw: data[:nbytes:nbytes]}
	if kind == F32 {
		t.f32 = f32View(t.raw, size)
	}
	return t, nil
}

// FromFloat32 wraps v as an F32 tensor without copying.
func FromFloat32(v []float32) *Tensor {
	return &Tensor{kind: F32, size: len(v), f32: v}
}

// NewF32 allocates a zeroed F32 tensor, typically used as scratch.
func NewF32(size int) *Tensor {
	return FromFloat32(make([]float32, size))
}

func f32View(b []byte, n int) []float32 {
	if n == 0 {
		return []float32{}
	}
	p := unsafe.Pointer(unsafe.SliceData(b))
	if littleEndian && uintptr(p)%4 == 0 {
		return unsafe.Slice((*float32)(p), n)
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

func (t *Tensor) Kind() Kind { return t.kind }

func (t *Tensor) Size() int { return t.size }

// Bytes returns the packed region. It is nil for tensors built with FromFloat32.
func (t *Tensor) Bytes() []byte { return t.raw }

// Floats returns the backing slice of an F32 tensor and nil for every other kind.
func (t *Tensor) Floats() []float32 { return t.f32 }

// Get dequantizes element i.
func (t *Tensor) Get(i int) float32 {
	switch t.kind {
	case F32:
		return t.f32[i]
	case F16:
		return f16ToF32(binary.LittleEndian.Uint16(t.raw[2*i:]))
	case BF16:
		return bf16ToF32(binary.LittleEndian.Uint16(t.raw[2*i:]))
	case Q8_0:
		return q8At(t.raw, i)
	case Q4_0:
		return q4At(t.raw, i)
	}
	panic("tensor: get on " + t.kind.String())
}

// Set stores v at element i. Only F32 tensors are writable.
func (t *Tensor) Set(i int, v float32) {
	if t.kind != F32 {
		panic("tensor: set on read-only " + t.kind.String() + " tensor")
	}
	t.f32[i] = v
}

// Dequantize writes elements [off, off+len(dst)) into dst.
func (t *Tensor) Dequantize(dst []float32, off int) {
	if t.kind == F32 {
		copy(dst, t.f32[off:off+len(dst)])
		return
	}
	for i := range dst {
		dst[i] = t.Get(off + i)
	}
}

// Dot returns the inner product of t[off:off+n] and other[otherOff:otherOff+n].
func (t *Tensor) Dot(off int, other *Tensor, otherOff, n int) float32 {
	switch {
	case other.kind == F32:
		return t.DotF32(off, other.f32[otherOff:otherOff+n])
	case t.kind == F32:
		return other.DotF32(otherOff, t.f32[off:off+n])
	}
	var sum float32
	for i := 0; i < n; i++ {
		sum += t.Get(off+i) * other.Get(otherOff+i)
	}
	return sum
}

// DotF32 returns the inner product of t[off:off+len(x)] and x.
func (t *Tensor) DotF32(off int, x []float32) float32 {
	switch t.kind {
	case F32:
		return dotF32(t.f32[off:off+len(x)], x)
	case F16:
		return dotF16(t.raw[2*off:], x)
	case BF16:
		return dotBF16(t.raw[2*off:], x)
	case Q8_0:
		return dotQ8_0(t.raw, off, x)
	case Q4_0:
		return dotQ4_0(t.raw, off, x)
	}
	panic("tensor: dot on " + t.kind.String())
}
