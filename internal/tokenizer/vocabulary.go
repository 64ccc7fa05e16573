package tokenizer

// Vocabulary maps token strings to stable ids and back. Ids at or above
// BaseTokens are reserved for special tokens.
type Vocabulary struct {
	tokens     []string
	index      map[string]int
	baseTokens int
}

// NewVocabulary indexes tokens. A baseTokens outside (0, len(tokens)] means
// the vocabulary has no reserved special range.
func NewVocabulary(tokens []string, baseTokens int) *Vocabulary {
	if baseTokens <= 0 || baseTokens > len(tokens) {
		baseTokens = len(tokens)
	}
	index := make(map[string]int, len(tokens))
	for i, tok := range tokens {
		if _, dup := index[tok]; !dup {
			index[tok] = i
		}
	}
	return &Vocabulary{tokens: tokens, index: index, baseTokens: baseTokens}
}

func (v *Vocabulary) Size() int { return len(v.tokens) }

func (v *Vocabulary) BaseTokens() int { return v.baseTokens }

// Get returns the string of id, or "" when id is out of range.
func (v *Vocabulary) Get(id int) string {
	if id < 0 || id >= len(v.tokens) {
		return ""
	}
	return v.tokens[id]
}

func (v *Vocabulary) Index(token string) (int, bool) {
	id, ok := v.index[token]
	return id, ok
}

// Tokens returns the token strings. Callers must not modify the slice.
func (v *Vocabulary) Tokens() []string { return v.tokens }
