package gguf

import (
	"errors"
	"fmt"
	"sort"
)

var ErrMissingKey = errors.New("missing metadata key")

// Metadata is the decoded key/value section. Scalar values keep their wire
// type; arrays of common element types decode to typed slices.
type Metadata map[string]any

func (m Metadata) Has(key string) bool {
	_, ok := m[key]
	return ok
}

func (m Metadata) lookup(key string) (any, error) {
	v, ok := m[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingKey, key)
	}
	return v, nil
}

func (m Metadata) String(key string) (string, error) {
	v, err := m.lookup(key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("metadata %s: expected string, got %T", key, v)
	}
	return s, nil
}

// Uint returns any non-negative integer value widened to uint64.
func (m Metadata) Uint(key string) (uint64, error) {
	v, err := m.lookup(key)
	if err != nil {
		return 0, err
	}
	var n int64
	switch x := v.(type) {
	case uint8:
		return uint64(x), nil
	case uint16:
		return uint64(x), nil
	case uint32:
		return uint64(x), nil
	case uint64:
		return x, nil
	case int8:
		n = int64(x)
	case int16:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	default:
		return 0, fmt.Errorf("metadata %s: expected integer, got %T", key, v)
	}
	if n < 0 {
		return 0, fmt.Errorf("metadata %s: expected non-negative integer, got %d", key, n)
	}
	return uint64(n), nil
}

func (m Metadata) Float(key string) (float64, error) {
	v, err := m.lookup(key)
	if err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	default:
		return 0, fmt.Errorf("metadata %s: expected float, got %T", key, v)
	}
}

func (m Metadata) Strings(key string) ([]string, error) {
	v, err := m.lookup(key)
	if err != nil {
		return nil, err
	}
	s, ok := v.([]string)
	if !ok {
		return nil, fmt.Errorf("metadata %s: expected string array, got %T", key, v)
	}
	return s, nil
}

func (m Metadata) Int32s(key string) ([]int32, error) {
	v, err := m.lookup(key)
	if err != nil {
		return nil, err
	}
	s, ok := v.([]int32)
	if !ok {
		return nil, fmt.Errorf("metadata %s: expected int32 array, got %T", key, v)
	}
	return s, nil
}

// Keys returns the keys in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Summary renders a value for display, eliding long arrays.
func Summary(v any) string {
	switch x := v.(type) {
	case []string:
		return summarize(x)
	case []int32:
		return summarize(x)
	case []uint32:
		return summarize(x)
	case []float32:
		return summarize(x)
	case []uint8:
		return summarize(x)
	case []int64:
		return summarize(x)
	case []any:
		return summarize(x)
	case string:
		if len(x) > 80 {
			return fmt.Sprintf("%q...", x[:80])
		}
		return fmt.Sprintf("%q", x)
	default:
		return fmt.Sprint(x)
	}
}

func summarize[T any](s []T) string {
	if len(s) <= 8 {
		return fmt.Sprint(s)
	}
	return fmt.Sprintf("%v ... (%d items)", s[:8], len(s))
}
