package gguf

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
)

const (
	GGUFMagic        = 0x46554747 // "GGUF"
	GGUFVersion      = 3
	DefaultAlignment = 32
)

type GGMLType uint32

const (
	GGMLTypeF32  GGMLType = 0
	GGMLTypeF16  GGMLType = 1
	GGMLTypeQ4_0 GGMLType = 2
	GGMLTypeQ4_1 GGMLType = 3
	GGMLTypeQ5_0 GGMLType = 6
	GGMLTypeQ5_1 GGMLType = 7
	GGMLTypeQ8_0 GGMLType = 8
	GGMLTypeQ8_1 GGMLType = 9
	GGMLTypeQ2_K GGMLType = 10
	GGMLTypeQ3_K GGMLType = 11
	GGMLTypeQ4_K GGMLType = 12
	GGMLTypeQ5_K GGMLType = 13
	GGMLTypeQ6_K GGMLType = 14
	GGMLTypeQ8_K GGMLType = 15
	GGMLTypeI8   GGMLType = 24
	GGMLTypeI16  GGMLType = 25
	GGMLTypeI32  GGMLType = 26
	GGMLTypeI64  GGMLType = 27
	GGMLTypeF64  GGMLType = 28
	GGMLTypeBF16 GGMLType = 30
)

type typeTraits struct {
	name      string
	blockSize uint64
	typeSize  uint64
}

var ggmlTypes = map[GGMLType]typeTraits{
	GGMLTypeF32:  {"F32", 1, 4},
	GGMLTypeF16:  {"F16", 1, 2},
	GGMLTypeQ4_0: {"Q4_0", 32, 18},
	GGMLTypeQ4_1: {"Q4_1", 32, 20},
	GGMLTypeQ5_0: {"Q5_0", 32, 22},
	GGMLTypeQ5_1: {"Q5_1", 32, 24},
	GGMLTypeQ8_0: {"Q8_0", 32, 34},
	GGMLTypeQ8_1: {"Q8_1", 32, 36},
	GGMLTypeQ2_K: {"Q2_K", 256, 84},
	GGMLTypeQ3_K: {"Q3_K", 256, 110},
	GGMLTypeQ4_K: {"Q4_K", 256, 144},
	GGMLTypeQ5_K: {"Q5_K", 256, 176},
	GGMLTypeQ6_K: {"Q6_K", 256, 210},
	GGMLTypeQ8_K: {"Q8_K", 256, 292},
	GGMLTypeI8:   {"I8", 1, 1},
	GGMLTypeI16:  {"I16", 1, 2},
	GGMLTypeI32:  {"I32", 1, 4},
	GGMLTypeI64:  {"I64", 1, 8},
	GGMLTypeF64:  {"F64", 1, 8},
	GGMLTypeBF16: {"BF16", 1, 2},
}

func (t GGMLType) String() string {
	if tr, ok := ggmlTypes[t]; ok {
		return tr.name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
}

type GGUFMetadataValueType uint32

const (
	ValueTypeUint8   GGUFMetadataValueType = 0
	ValueTypeInt8    GGUFMetadataValueType = 1
	ValueTypeUint16  GGUFMetadataValueType = 2
	ValueTypeInt16   GGUFMetadataValueType = 3
	ValueTypeUint32  GGUFMetadataValueType = 4
	ValueTypeInt32   GGUFMetadataValueType = 5
	ValueTypeFloat32 GGUFMetadataValueType = 6
	ValueTypeBool    GGUFMetadataValueType = 7
	ValueTypeString  GGUFMetadataValueType = 8
	ValueTypeArray   GGUFMetadataValueType = 9
	ValueTypeUint64  GGUFMetadataValueType = 10
	ValueTypeInt64   GGUFMetadataValueType = 11
	ValueTypeFloat64 GGUFMetadataValueType = 12
)

// TensorInfo describes one tensor. Offset is relative to the start of the
// data section; Data is bound to the mapping when the file is opened.
type TensorInfo struct {
	Name       string
	Dimensions []uint64 // ne (number of elements) in each dimension
	Type       GGMLType
	Offset     uint64
	Data       []byte
}

// Elements saturates at math.MaxUint64 when the dimensions overflow.
func (t *TensorInfo) Elements() uint64 {
	n := uint64(1)
	for _, d := range t.Dimensions {
		hi, lo := bits.Mul64(n, d)
		if hi != 0 {
			return math.MaxUint64
		}
		n = lo
	}
	return n
}

// SizeBytes returns the packed size, or 0 for unknown types. Like Elements
// it saturates on overflow.
func (t *TensorInfo) SizeBytes() uint64 {
	tr, ok := ggmlTypes[t.Type]
	if !ok {
		return 0
	}
	hi, lo := bits.Mul64(t.Elements()/tr.blockSize, tr.typeSize)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}

// Header is everything parsed from the file before the data section. It
// holds no references to the mapping, so it can outlive it and be cached.
type Header struct {
	Version    uint32
	Metadata   Metadata
	Tensors    []TensorInfo
	Alignment  uint64
	DataOffset uint64
}

var ErrTruncated = errors.New("gguf: truncated file")

type ErrInvalidMagic struct{ Magic uint32 }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("invalid GGUF magic: %x", e.Magic)
}

type ErrUnsupportedVersion struct{ Version uint32 }

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported GGUF version: %d", e.Version)
}
