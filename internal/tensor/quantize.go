package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Encode packs src into kind's layout. Q8_0 and Q4_0 need len(src) to be a
// multiple of QK.
func Encode(kind Kind, src []float32) ([]byte, error) {
	if _, err := kind.ByteSize(len(src)); err != nil {
		return nil, err
	}
	switch kind {
	case F32:
		return EncodeF32(src), nil
	case F16:
		return EncodeF16(src), nil
	case BF16:
		return EncodeBF16(src), nil
	case Q8_0:
		return QuantizeQ8_0(src), nil
	case Q4_0:
		return QuantizeQ4_0(src), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
}

func EncodeF32(src []float32) []byte {
	out := make([]byte, 4*len(src))
	for i, v := range src {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func EncodeF16(src []float32) []byte {
	out := make([]byte, 2*len(src))
	for i, v := range src {
		binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(v).Bits())
	}
	return out
}

// EncodeBF16 truncates each value to its high 16 bits.
func EncodeBF16(src []float32) []byte {
	return bfloat16.EncodeFloat32(src)
}

// QuantizeQ8_0 uses the symmetric scale amax/127 per block.
func QuantizeQ8_0(src []float32) []byte {
	nb := len(src) / QK
	out := make([]byte, nb*q8BlockBytes)
	for b := range nb {
		xs := src[b*QK : (b+1)*QK]
		var amax float32
		for _, v := range xs {
			amax = max(amax, float32(math.Abs(float64(v))))
		}
		d := amax / 127
		var id float32
		if d != 0 {
			id = 1 / d
		}
		block := out[b*q8BlockBytes:]
		binary.LittleEndian.PutUint16(block, float16.Fromfloat32(d).Bits())
		for j, v := range xs {
			block[2+j] = byte(int8(math.Round(float64(v * id))))
		}
	}
	return out
}

// QuantizeQ4_0 picks the scale so that the value of largest magnitude maps to
// code 0, keeping its sign.
func QuantizeQ4_0(src []float32) []byte {
	nb := len(src) / QK
	out := make([]byte, nb*q4BlockBytes)
	for b := range nb {
		xs := src[b*QK : (b+1)*QK]
		var amax, mx float32
		for _, v := range xs {
			if a := float32(math.Abs(float64(v))); a > amax {
				amax, mx = a, v
			}
		}
		d := mx / -8
		var id float32
		if d != 0 {
			id = 1 / d
		}
		block := out[b*q4BlockBytes:]
		binary.LittleEndian.PutUint16(block, float16.Fromfloat32(d).Bits())
		for j := range QK / 2 {
			lo := min(15, int(xs[j]*id+8.5))
			hi := min(15, int(xs[j+QK/2]*id+8.5))
			block[2+j] = byte(lo) | byte(hi)<<4
		}
	}
	return out
}
