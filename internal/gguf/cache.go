package gguf

import (
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/23skdu/llamadrama/internal/metrics"
)

// HeaderCache keeps parsed headers so reopening a model skips metadata and
// tensor-table parsing. Entries are keyed by file base name, size and
// modification time. A nil cache is valid and never hits.
type HeaderCache struct {
	lru *lru.Cache[string, *Header]
}

func NewHeaderCache(size int) (*HeaderCache, error) {
	c, err := lru.New[string, *Header](size)
	if err != nil {
		return nil, fmt.Errorf("header cache: %w", err)
	}
	return &HeaderCache{lru: c}, nil
}

func cacheKey(path string, info os.FileInfo) string {
	return fmt.Sprintf("%s:%d:%d", filepath.Base(path), info.Size(), info.ModTime().UnixNano())
}

func (c *HeaderCache) Get(key string) (*Header, bool) {
	if c == nil {
		return nil, false
	}
	h, ok := c.lru.Get(key)
	metrics.RecordHeaderCache(ok)
	return h, ok
}

func (c *HeaderCache) Add(key string, h *Header) {
	if c == nil {
		return
	}
	c.lru.Add(key, h)
}

func (c *HeaderCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

// Preload parses the header of path into the cache without keeping the file
// mapped.
func (c *HeaderCache) Preload(path string) error {
	f, err := Open(path, c)
	if err != nil {
		return err
	}
	return f.Close()
}
