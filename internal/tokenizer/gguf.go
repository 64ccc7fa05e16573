package tokenizer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/23skdu/llamadrama/internal/gguf"
)

// llama3BaseTokens is the size of the Llama 3 ordinary vocabulary; every id
// from here up is a special token.
const llama3BaseTokens = 128000

const tokenTypeControl = 3

// ErrUnsupportedFamily is returned for GGUF tokenizers other than byte-level
// BPE.
var ErrUnsupportedFamily = errors.New("unsupported tokenizer family")

// FromGGUF builds a tokenizer from the tokenizer.ggml.* metadata keys.
func FromGGUF(md gguf.Metadata) (*Tokenizer, error) {
	model, err := md.String("tokenizer.ggml.model")
	if err != nil {
		return nil, err
	}
	if model != "gpt2" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFamily, model)
	}

	tokens, err := md.Strings("tokenizer.ggml.tokens")
	if err != nil {
		return nil, err
	}

	base := len(tokens)
	specials := make(map[string]int)
	if len(tokens) > llama3BaseTokens {
		base = llama3BaseTokens
		for id := base; id < len(tokens); id++ {
			specials[tokens[id]] = id
		}
	} else if md.Has("tokenizer.ggml.token_type") {
		types, err := md.Int32s("tokenizer.ggml.token_type")
		if err != nil {
			return nil, err
		}
		for id, typ := range types {
			if typ == tokenTypeControl && id < len(tokens) {
				specials[tokens[id]] = id
			}
		}
	}
	vocab := NewVocabulary(tokens, base)

	var merges [][2]int
	if md.Has("tokenizer.ggml.merges") {
		lines, err := md.Strings("tokenizer.ggml.merges")
		if err != nil {
			return nil, err
		}
		merges = make([][2]int, 0, len(lines))
		for i, line := range lines {
			left, right, ok := strings.Cut(line, " ")
			if !ok {
				return nil, fmt.Errorf("merge %d: malformed entry %q", i, line)
			}
			l, lok := vocab.Index(left)
			r, rok := vocab.Index(right)
			if !lok || !rok {
				return nil, fmt.Errorf("merge %d: %q references unknown token", i, line)
			}
			merges = append(merges, [2]int{l, r})
		}
	}

	return New(vocab, merges, pretokenizer(md), specials)
}

// FromFile opens a GGUF file and reads its tokenizer.
func FromFile(path string, cache *gguf.HeaderCache) (*Tokenizer, error) {
	f, err := gguf.Open(path, cache)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return FromGGUF(f.Metadata)
}

func pretokenizer(md gguf.Metadata) string {
	pre, _ := md.String("tokenizer.ggml.pre")
	switch pre {
	case "gpt2", "gpt-2":
		return GPT2Pattern
	default:
		return Llama3Pattern
	}
}
