package tensor

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

var f16Table [1 << 16]float32

func init() {
	for i := range f16Table {
		f16Table[i] = float16.Frombits(uint16(i)).Float32()
	}
}

func f16ToF32(h uint16) float32 { return f16Table[h] }

func bf16ToF32(h uint16) float32 { return math.Float32frombits(uint32(h) << 16) }

func dotF32(a, b []float32) float32 {
	b = b[:len(a)]
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+4 <= len(a); i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		s0 += a[i] * b[i]
	}
	return s0 + s1 + s2 + s3
}

func dotF16(raw []byte, x []float32) float32 {
	raw = raw[:2*len(x)]
	var sum float32
	for i, v := range x {
		sum += f16Table[binary.LittleEndian.Uint16(raw[2*i:])] * v
	}
	return sum
}

func dotBF16(raw []byte, x []float32) float32 {
	raw = raw[:2*len(x)]
	var sum float32
	for i, v := range x {
		sum += bf16ToF32(binary.LittleEndian.Uint16(raw[2*i:])) * v
	}
	return sum
}

func q8At(raw []byte, i int) float32 {
	b := i / QK * q8BlockBytes
	scale := f16ToF32(binary.LittleEndian.Uint16(raw[b:]))
	return float32(int8(raw[b+2+i%QK])) * scale
}

func q4At(raw []byte, i int) float32 {
	b := i / QK * q4BlockBytes
	scale := f16ToF32(binary.LittleEndian.Uint16(raw[b:]))
	j := i % QK
	var q byte
	if j < QK/2 {
		q = raw[b+2+j] & 0x0F
	} else {
		q = raw[b+2+j-QK/2] >> 4
	}
	return float32(int(q)-8) * scale
}

// dotQ8_0 handles a possibly unaligned head element by element, then whole
// blocks, then the tail.
func dotQ8_0(raw []byte, off int, x []float32) float32 {
	n := len(x)
	var result float32
	j := 0
	if r := off % QK; r != 0 {
		head := min(QK-r, n)
		for ; j < head; j++ {
			result += q8At(raw, off+j) * x[j]
		}
	}
	for ; j+QK <= n; j += QK {
		b := (off + j) / QK * q8BlockBytes
		block := raw[b : b+q8BlockBytes]
		scale := f16ToF32(binary.LittleEndian.Uint16(block))
		qs := block[2 : 2+QK]
		xs := x[j : j+QK]
		var sum float32
		for k := range QK {
			sum += float32(int8(qs[k])) * xs[k]
		}
		result += sum * scale
	}
	for ; j < n; j++ {
		result += q8At(raw, off+j) * x[j]
	}
	return result
}

func dotQ4_0(raw []byte, off int, x []float32) float32 {
	n := len(x)
	var result float32
	j := 0
	if r := off % QK; r != 0 {
		head := min(QK-r, n)
		for ; j < head; j++ {
			result += q4At(raw, off+j) * x[j]
		}
	}
	for ; j+QK <= n; j += QK {
		b := (off + j) / QK * q4BlockBytes
		block := raw[b : b+q4BlockBytes]
		scale := f16ToF32(binary.LittleEndian.Uint16(block))
		qs := block[2 : 2+QK/2]
		lo := x[j : j+QK/2]
		hi := x[j+QK/2 : j+QK]
		var sum float32
		for k := range QK / 2 {
			q := qs[k]
			sum += float32(int(q&0x0F)-8)*lo[k] + float32(int(q>>4)-8)*hi[k]
		}
		result += sum * scale
	}
	for ; j < n; j++ {
		result += q4At(raw, off+j) * x[j]
	}
	return result
}
