package engine

import "errors"

var (
	// ErrContextExhausted means a position would fall outside the KV cache.
	ErrContextExhausted = errors.New("context exhausted")
	ErrTokenOutOfRange  = errors.New("token id out of range")
	ErrShapeMismatch    = errors.New("tensor shape mismatch")
	ErrMissingTensor    = errors.New("missing tensor")
)
