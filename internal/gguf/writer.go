package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// Writer assembles a GGUF v3 image. Keys and tensors are emitted in the order
// they were added.
type Writer struct {
	keys    []string
	values  map[string]any
	tensors []writerTensor
}

type writerTensor struct {
	info TensorInfo
	data []byte
}

func NewWriter() *Writer {
	return &Writer{values: map[string]any{}}
}

// Set records a metadata value. Supported types are the scalar wire types,
// string, and slices of string, int32, uint32 and float32.
func (w *Writer) Set(key string, v any) {
	if _, ok := w.values[key]; !ok {
		w.keys = append(w.keys, key)
	}
	w.values[key] = v
}

// AddTensor appends a tensor. data must already be packed for typ.
func (w *Writer) AddTensor(name string, typ GGMLType, dims []uint64, data []byte) error {
	t := TensorInfo{Name: name, Dimensions: dims, Type: typ}
	if want := t.SizeBytes(); uint64(len(data)) != want {
		return fmt.Errorf("tensor %s: %s with dims %v needs %d bytes, got %d", name, typ, dims, want, len(data))
	}
	w.tensors = append(w.tensors, writerTensor{info: t, data: data})
	return nil
}

func (w *Writer) alignment() uint64 {
	if a, err := Metadata(w.values).Uint("general.alignment"); err == nil && a > 0 {
		return a
	}
	return DefaultAlignment
}

// WriteTo encodes the image into out.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	bw := bufio.NewWriter(out)
	cw := &countingWriter{w: bw}
	e := &encoder{w: cw}

	e.u32(GGUFMagic)
	e.u32(GGUFVersion)
	e.u64(uint64(len(w.tensors)))
	e.u64(uint64(len(w.keys)))
	for _, k := range w.keys {
		e.str(k)
		e.value(w.values[k])
	}

	align := w.alignment()
	var offset uint64
	for _, t := range w.tensors {
		e.str(t.info.Name)
		e.u32(uint32(len(t.info.Dimensions)))
		for _, d := range t.info.Dimensions {
			e.u64(d)
		}
		e.u32(uint32(t.info.Type))
		e.u64(offset)
		offset = alignUp(offset+uint64(len(t.data)), align)
	}

	e.pad(align)
	for _, t := range w.tensors {
		e.bytes(t.data)
		e.pad(align)
	}

	if e.err != nil {
		return cw.n, e.err
	}
	return cw.n, bw.Flush()
}

// WriteFile writes the image to path.
func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := w.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type encoder struct {
	w   *countingWriter
	err error
	buf [8]byte
}

func (e *encoder) bytes(b []byte) {
	if e.err == nil {
		_, e.err = e.w.Write(b)
	}
}

func (e *encoder) u8(v uint8) { e.bytes([]byte{v}) }

func (e *encoder) u16(v uint16) {
	binary.LittleEndian.PutUint16(e.buf[:], v)
	e.bytes(e.buf[:2])
}

func (e *encoder) u32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[:], v)
	e.bytes(e.buf[:4])
}

func (e *encoder) u64(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[:], v)
	e.bytes(e.buf[:8])
}

func (e *encoder) str(s string) {
	e.u64(uint64(len(s)))
	e.bytes([]byte(s))
}

func (e *encoder) pad(align uint64) {
	n := uint64(e.w.n)
	if p := alignUp(n, align) - n; p > 0 {
		e.bytes(make([]byte, p))
	}
}

func (e *encoder) value(v any) {
	switch x := v.(type) {
	case uint8:
		e.u32(uint32(ValueTypeUint8))
		e.u8(x)
	case int8:
		e.u32(uint32(ValueTypeInt8))
		e.u8(uint8(x))
	case uint16:
		e.u32(uint32(ValueTypeUint16))
		e.u16(x)
	case int16:
		e.u32(uint32(ValueTypeInt16))
		e.u16(uint16(x))
	case uint32:
		e.u32(uint32(ValueTypeUint32))
		e.u32(x)
	case int32:
		e.u32(uint32(ValueTypeInt32))
		e.u32(uint32(x))
	case float32:
		e.u32(uint32(ValueTypeFloat32))
		e.u32(math.Float32bits(x))
	case bool:
		e.u32(uint32(ValueTypeBool))
		if x {
			e.u8(1)
		} else {
			e.u8(0)
		}
	case string:
		e.u32(uint32(ValueTypeString))
		e.str(x)
	case uint64:
		e.u32(uint32(ValueTypeUint64))
		e.u64(x)
	case int64:
		e.u32(uint32(ValueTypeInt64))
		e.u64(uint64(x))
	case float64:
		e.u32(uint32(ValueTypeFloat64))
		e.u64(math.Float64bits(x))
	case []string:
		e.arrayHeader(ValueTypeString, len(x))
		for _, s := range x {
			e.str(s)
		}
	case []int32:
		e.arrayHeader(ValueTypeInt32, len(x))
		for _, n := range x {
			e.u32(uint32(n))
		}
	case []uint32:
		e.arrayHeader(ValueTypeUint32, len(x))
		for _, n := range x {
			e.u32(n)
		}
	case []float32:
		e.arrayHeader(ValueTypeFloat32, len(x))
		for _, f := range x {
			e.u32(math.Float32bits(f))
		}
	default:
		if e.err == nil {
			e.err = fmt.Errorf("gguf writer: unsupported metadata value %T", v)
		}
	}
}

func (e *encoder) arrayHeader(typ GGUFMetadataValueType, n int) {
	e.u32(uint32(ValueTypeArray))
	e.u32(uint32(typ))
	e.u64(uint64(n))
}
