package gguf

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
)

// File is an opened, memory-mapped GGUF file. Tensor data slices point into
// the mapping and become invalid after Close.
type File struct {
	*Header
	Path    string
	Data    mmap.MMap
	tensors []*TensorInfo
	byName  map[string]*TensorInfo
}

// Open maps path read-only and binds tensor data. When cache is non-nil the
// parsed header is looked up there first and stored after a miss.
func Open(path string, cache *HeaderCache) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close() // the mapping stays valid after the descriptor is closed
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < 24 {
		return nil, fmt.Errorf("%s: %w", path, ErrTruncated)
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	key := cacheKey(path, info)
	hdr, ok := cache.Get(key)
	if !ok {
		hdr, err = ParseHeader(data)
		if err != nil {
			_ = data.Unmap()
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		cache.Add(key, hdr)
	}

	file, err := bind(hdr, data)
	if err != nil {
		_ = data.Unmap()
		return nil, err
	}
	file.Path = path
	return file, nil
}

func bind(hdr *Header, data mmap.MMap) (*File, error) {
	file := &File{
		Header:  hdr,
		Data:    data,
		tensors: make([]*TensorInfo, len(hdr.Tensors)),
		byName:  make(map[string]*TensorInfo, len(hdr.Tensors)),
	}
	for i := range hdr.Tensors {
		t := hdr.Tensors[i]
		start, c1 := bits.Add64(hdr.DataOffset, t.Offset, 0)
		end, c2 := bits.Add64(start, t.SizeBytes(), 0)
		if c1|c2 != 0 || end > uint64(len(data)) {
			return nil, fmt.Errorf("tensor %s: data [%d, %d) out of bounds (file is %d bytes): %w", t.Name, start, end, len(data), ErrTruncated)
		}
		t.Data = data[start:end:end]
		file.tensors[i] = &t
		file.byName[t.Name] = &t
	}
	return file, nil
}

// Tensors returns the bound tensor descriptors in file order.
func (f *File) Tensors() []*TensorInfo { return f.tensors }

func (f *File) Tensor(name string) (*TensorInfo, bool) {
	t, ok := f.byName[name]
	return t, ok
}

func (f *File) Close() error {
	if f.Data == nil {
		return nil
	}
	err := f.Data.Unmap()
	f.Data = nil
	return err
}

// ParseHeader decodes the header, metadata and tensor table of a GGUF image.
func ParseHeader(data []byte) (*Header, error) {
	c := &cursor{data: data}

	magic, err := c.u32()
	if err != nil {
		return nil, err
	}
	if magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: magic}
	}

	hdr := &Header{Metadata: Metadata{}}
	if hdr.Version, err = c.u32(); err != nil {
		return nil, err
	}
	if hdr.Version < 2 || hdr.Version > 3 {
		return nil, ErrUnsupportedVersion{Version: hdr.Version}
	}

	tensorCount, err := c.u64()
	if err != nil {
		return nil, err
	}
	kvCount, err := c.u64()
	if err != nil {
		return nil, err
	}

	for i := uint64(0); i < kvCount; i++ {
		k, err := c.str()
		if err != nil {
			return nil, err
		}
		typ, err := c.u32()
		if err != nil {
			return nil, err
		}
		v, err := c.value(GGUFMetadataValueType(typ))
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", k, err)
		}
		hdr.Metadata[k] = v
	}

	// Every tensor info needs at least 24 bytes, which bounds the allocation.
	if tensorCount > uint64(len(data))/24 {
		return nil, fmt.Errorf("tensor count %d exceeds file size: %w", tensorCount, ErrTruncated)
	}
	hdr.Tensors = make([]TensorInfo, 0, tensorCount)
	for i := uint64(0); i < tensorCount; i++ {
		var t TensorInfo
		if t.Name, err = c.str(); err != nil {
			return nil, err
		}
		nd, err := c.u32()
		if err != nil {
			return nil, err
		}
		if nd > 4 {
			return nil, fmt.Errorf("tensor %s: %d dimensions (max 4)", t.Name, nd)
		}
		t.Dimensions = make([]uint64, nd)
		for j := range t.Dimensions {
			if t.Dimensions[j], err = c.u64(); err != nil {
				return nil, err
			}
		}
		typ, err := c.u32()
		if err != nil {
			return nil, err
		}
		t.Type = GGMLType(typ)
		if t.Offset, err = c.u64(); err != nil {
			return nil, err
		}
		hdr.Tensors = append(hdr.Tensors, t)
	}

	hdr.Alignment = DefaultAlignment
	if a, err := hdr.Metadata.Uint("general.alignment"); err == nil && a > 0 {
		hdr.Alignment = a
	}
	hdr.DataOffset = alignUp(c.off, hdr.Alignment)
	return hdr, nil
}

func alignUp(n, a uint64) uint64 {
	return (n + a - 1) / a * a
}

type cursor struct {
	data []byte
	off  uint64
}

func (c *cursor) take(n uint64) ([]byte, error) {
	if n > uint64(len(c.data)) || c.off > uint64(len(c.data))-n {
		return nil, ErrTruncated
	}
	b := c.data[c.off : c.off+n]
	c.off += n
	return b, nil
}

func (c *cursor) u8() (uint8, error) {
	b, err := c.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) u16() (uint16, error) {
	b, err := c.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c *cursor) u32() (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *cursor) u64() (uint64, error) {
	b, err := c.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (c *cursor) str() (string, error) {
	n, err := c.u64()
	if err != nil {
		return "", err
	}
	b, err := c.take(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *cursor) value(typ GGUFMetadataValueType) (any, error) {
	switch typ {
	case ValueTypeUint8:
		return c.u8()
	case ValueTypeInt8:
		v, err := c.u8()
		return int8(v), err
	case ValueTypeUint16:
		return c.u16()
	case ValueTypeInt16:
		v, err := c.u16()
		return int16(v), err
	case ValueTypeUint32:
		return c.u32()
	case ValueTypeInt32:
		v, err := c.u32()
		return int32(v), err
	case ValueTypeFloat32:
		v, err := c.u32()
		return math.Float32frombits(v), err
	case ValueTypeBool:
		v, err := c.u8()
		return v != 0, err
	case ValueTypeString:
		return c.str()
	case ValueTypeUint64:
		return c.u64()
	case ValueTypeInt64:
		v, err := c.u64()
		return int64(v), err
	case ValueTypeFloat64:
		v, err := c.u64()
		return math.Float64frombits(v), err
	case ValueTypeArray:
		return c.array()
	default:
		return nil, fmt.Errorf("unsupported metadata type: %d", typ)
	}
}

func (c *cursor) array() (any, error) {
	typ, err := c.u32()
	if err != nil {
		return nil, err
	}
	n, err := c.u64()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(c.data)) {
		return nil, fmt.Errorf("array length %d exceeds file size: %w", n, ErrTruncated)
	}

	switch et := GGUFMetadataValueType(typ); et {
	case ValueTypeString:
		return readArray(n, c.str)
	case ValueTypeInt32:
		return readArray(n, func() (int32, error) { v, err := c.u32(); return int32(v), err })
	case ValueTypeUint32:
		return readArray(n, c.u32)
	case ValueTypeFloat32:
		return readArray(n, func() (float32, error) { v, err := c.u32(); return math.Float32frombits(v), err })
	case ValueTypeUint8:
		return readArray(n, c.u8)
	case ValueTypeInt64:
		return readArray(n, func() (int64, error) { v, err := c.u64(); return int64(v), err })
	default:
		return readArray(n, func() (any, error) { return c.value(et) })
	}
}

func readArray[T any](n uint64, next func() (T, error)) ([]T, error) {
	out := make([]T, 0, min(n, 1<<20))
	for i := uint64(0); i < n; i++ {
		v, err := next()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
