package tensor

import (
	"errors"
	"fmt"
)

// Kind is the quantization format of a tensor. Values match the GGML type ids
// used in GGUF files.
type Kind uint32

const (
	F32  Kind = 0
	F16  Kind = 1
	Q4_0 Kind = 2
	Q8_0 Kind = 8
	BF16 Kind = 30
)

// QK is the number of elements in one Q4_0/Q8_0 block.
const QK = 32

const (
	q8BlockBytes = 2 + QK
	q4BlockBytes = 2 + QK/2
)

var ErrUnsupportedKind = errors.New("unsupported quantization kind")

func (k Kind) String() string {
	switch k {
	case F32:
		return "F32"
	case F16:
		return "F16"
	case BF16:
		return "BF16"
	case Q8_0:
		return "Q8_0"
	case Q4_0:
		return "Q4_0"
	default:
		return fmt.Sprintf("Kind(%d)", uint32(k))
	}
}

func (k Kind) Supported() bool {
	switch k {
	case F32, F16, BF16, Q8_0, Q4_0:
		return true
	}
	return false
}

// BlockSize is the number of elements sharing one block header.
func (k Kind) BlockSize() int {
	switch k {
	case Q8_0, Q4_0:
		return QK
	default:
		return 1
	}
}

// TypeSize is the number of bytes in one block.
func (k Kind) TypeSize() int {
	switch k {
	case F32:
		return 4
	case F16, BF16:
		return 2
	case Q8_0:
		return q8BlockBytes
	case Q4_0:
		return q4BlockBytes
	default:
		return 0
	}
}

// ByteSize returns the packed size of n elements.
func (k Kind) ByteSize(n int) (int, error) {
	if !k.Supported() {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedKind, k)
	}
	bs := k.BlockSize()
	if n%bs != 0 {
		return 0, fmt.Errorf("%s element count %d is not a multiple of block size %d", k, n, bs)
	}
	return n / bs * k.TypeSize(), nil
}
