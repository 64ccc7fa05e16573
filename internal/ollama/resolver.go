// Package ollama finds GGUF blobs in a local Ollama model store so that a
// model can be named the way `ollama pull` names it.
package ollama

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultHost      = "registry.ollama.ai"
	DefaultNamespace = "library"
	DefaultTag       = "latest"

	MediaTypeModel = "application/vnd.ollama.image.model"
)

var (
	ErrInvalidName   = errors.New("invalid model name")
	ErrModelNotFound = errors.New("model not found")
)

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// Name is a parsed [host/][namespace/]model[:tag] reference.
type Name struct {
	Host      string
	Namespace string
	Model     string
	Tag       string
}

// ParseName fills missing parts with the public registry defaults.
func ParseName(s string) (Name, error) {
	n := Name{Host: DefaultHost, Namespace: DefaultNamespace, Tag: DefaultTag}
	if s == "" {
		return n, fmt.Errorf("%w: empty", ErrInvalidName)
	}
	path := s
	if i := strings.LastIndexByte(s, ':'); i > strings.LastIndexByte(s, '/') {
		path, n.Tag = s[:i], s[i+1:]
		if n.Tag == "" {
			return n, fmt.Errorf("%w: %q has an empty tag", ErrInvalidName, s)
		}
	}
	parts := strings.Split(path, "/")
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return n, fmt.Errorf("%w: %q", ErrInvalidName, s)
		}
	}
	switch len(parts) {
	case 1:
		n.Model = parts[0]
	case 2:
		n.Namespace, n.Model = parts[0], parts[1]
	case 3:
		n.Host, n.Namespace, n.Model = parts[0], parts[1], parts[2]
	default:
		return n, fmt.Errorf("%w: %q has too many path segments", ErrInvalidName, s)
	}
	return n, nil
}

func (n Name) String() string {
	return fmt.Sprintf("%s/%s/%s:%s", n.Host, n.Namespace, n.Model, n.Tag)
}

// ModelsDir is $OLLAMA_MODELS, or ~/.ollama/models when unset.
func ModelsDir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// Resolver maps model names to blob paths inside one store.
type Resolver struct {
	Dir string
}

func NewResolver() (*Resolver, error) {
	dir, err := ModelsDir()
	if err != nil {
		return nil, err
	}
	return &Resolver{Dir: dir}, nil
}

func (r *Resolver) manifestPath(n Name) string {
	return filepath.Join(r.Dir, "manifests", n.Host, n.Namespace, n.Model, n.Tag)
}

// blobPath turns "sha256:<hex>" into blobs/sha256-<hex>.
func (r *Resolver) blobPath(digest string) (string, error) {
	algo, hex, ok := strings.Cut(digest, ":")
	if !ok || algo == "" || hex == "" || strings.ContainsAny(hex, `/\`) {
		return "", fmt.Errorf("malformed digest %q", digest)
	}
	return filepath.Join(r.Dir, "blobs", algo+"-"+hex), nil
}

// ReadManifest loads the manifest of n.
func (r *Resolver) ReadManifest(n Name) (*Manifest, error) {
	data, err := os.ReadFile(r.manifestPath(n))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, n)
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", n, err)
	}
	return &m, nil
}

// Resolve returns the path of the GGUF weights layer of name.
func (r *Resolver) Resolve(name string) (string, error) {
	n, err := ParseName(name)
	if err != nil {
		return "", err
	}
	m, err := r.ReadManifest(n)
	if err != nil {
		return "", err
	}
	for _, l := range m.Layers {
		if l.MediaType != MediaTypeModel {
			continue
		}
		path, err := r.blobPath(l.Digest)
		if err != nil {
			return "", fmt.Errorf("manifest %s: %w", n, err)
		}
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%w: blob for %s: %v", ErrModelNotFound, n, err)
		}
		return path, nil
	}
	return "", fmt.Errorf("%w: %s has no model layer", ErrModelNotFound, n)
}

// ResolveModelPath accepts either a file path or a model name. Existing
// files are returned unchanged; anything else is looked up in the store.
func ResolveModelPath(model string) (string, error) {
	if info, err := os.Stat(model); err == nil && !info.IsDir() {
		return model, nil
	}
	r, err := NewResolver()
	if err != nil {
		return "", err
	}
	return r.Resolve(model)
}
