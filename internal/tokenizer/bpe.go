package tokenizer

import (
	"cmp"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	heap "github.com/emirpasic/gods/v2/trees/binaryheap"

	"github.com/23skdu/llamadrama/internal/metrics"
)

// Llama3Pattern is the pre-tokenizer split pattern used by Llama 3 models.
const Llama3Pattern = `(?i:'s|'t|'re|'ve|'m|'ll|'d)|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+(?!\S)|\s+`

// GPT2Pattern is the original byte-level pre-tokenizer pattern.
const GPT2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

// EncodeError reports a chunk whose bytes are not all present in the
// vocabulary. Piece is the first missing single-character token.
type EncodeError struct {
	Chunk string
	Piece string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("Token or special token %q not present, failed on %q", e.Chunk, e.Piece)
}

// ErrUnknownSpecial is returned when an allowed special token is not part of
// the tokenizer.
var ErrUnknownSpecial = errors.New("unknown special token")

type mergeRule struct {
	rank int
	id   int
}

// Tokenizer is a byte-level BPE tokenizer. It is safe for concurrent use.
type Tokenizer struct {
	vocab       *Vocabulary
	merges      map[[2]int]mergeRule
	pattern     *regexp2.Regexp
	specials    map[string]int
	specialByID map[int]string
}

// New builds a tokenizer. merges holds (left, right) id pairs in priority
// order; the merged token must exist in the vocabulary.
func New(vocab *Vocabulary, merges [][2]int, pattern string, specials map[string]int) (*Tokenizer, error) {
	re, err := regexp2.Compile(pattern, regexp2.Unicode|regexp2.RE2)
	if err != nil {
		return nil, fmt.Errorf("compile pre-tokenizer pattern: %w", err)
	}

	t := &Tokenizer{
		vocab:       vocab,
		merges:      make(map[[2]int]mergeRule, len(merges)),
		pattern:     re,
		specials:    make(map[string]int, len(specials)),
		specialByID: make(map[int]string, len(specials)),
	}
	for rank, m := range merges {
		left, right := vocab.Get(m[0]), vocab.Get(m[1])
		if left == "" || right == "" {
			return nil, fmt.Errorf("merge %d references unknown token (%d, %d)", rank, m[0], m[1])
		}
		id, ok := vocab.Index(left + right)
		if !ok {
			return nil, fmt.Errorf("merge %d: %q is not in the vocabulary", rank, left+right)
		}
		if _, dup := t.merges[m]; !dup {
			t.merges[m] = mergeRule{rank: rank, id: id}
		}
	}
	for s, id := range specials {
		t.specials[s] = id
		t.specialByID[id] = s
	}
	return t, nil
}

func (t *Tokenizer) Vocabulary() *Vocabulary { return t.vocab }

func (t *Tokenizer) IsSpecial(id int) bool {
	_, ok := t.specialByID[id]
	return ok
}

// SpecialToken returns the id of a special token string.
func (t *Tokenizer) SpecialToken(s string) (int, bool) {
	id, ok := t.specials[s]
	return id, ok
}

// SpecialTokens returns a copy of the special token table.
func (t *Tokenizer) SpecialTokens() map[string]int {
	out := make(map[string]int, len(t.specials))
	for k, v := range t.specials {
		out[k] = v
	}
	return out
}

// Encode tokenizes text. Occurrences of special tokens listed in allowed are
// emitted as their ids; all other text, including disallowed special token
// strings, is encoded as ordinary text.
func (t *Tokenizer) Encode(text string, allowed map[string]struct{}) ([]int, error) {
	start := time.Now()
	ids, err := t.encode(text, allowed)
	metrics.RecordEncode(len(ids), time.Since(start), err)
	return ids, err
}

// EncodeOrdinary tokenizes text without recognising any special tokens.
func (t *Tokenizer) EncodeOrdinary(text string) ([]int, error) {
	return t.Encode(text, nil)
}

// EncodeAll tokenizes text with every special token allowed.
func (t *Tokenizer) EncodeAll(text string) ([]int, error) {
	allowed := make(map[string]struct{}, len(t.specials))
	for s := range t.specials {
		allowed[s] = struct{}{}
	}
	return t.Encode(text, allowed)
}

func (t *Tokenizer) encode(text string, allowed map[string]struct{}) ([]int, error) {
	var candidates []string
	for s := range allowed {
		if _, ok := t.specials[s]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSpecial, s)
		}
		if s != "" {
			candidates = append(candidates, s)
		}
	}
	// Longest first so a special that prefixes another never shadows it.
	sort.Slice(candidates, func(i, j int) bool {
		if len(candidates[i]) != len(candidates[j]) {
			return len(candidates[i]) > len(candidates[j])
		}
		return candidates[i] < candidates[j]
	})

	ids := make([]int, 0, len(text)/3+1)
	for text != "" {
		at, special := nextSpecial(text, candidates)
		if at < 0 {
			return t.appendOrdinary(ids, text)
		}
		var err error
		if ids, err = t.appendOrdinary(ids, text[:at]); err != nil {
			return nil, err
		}
		ids = append(ids, t.specials[special])
		text = text[at+len(special):]
	}
	return ids, nil
}

// nextSpecial finds the leftmost occurrence of any candidate.
func nextSpecial(text string, candidates []string) (int, string) {
	at, found := -1, ""
	for _, s := range candidates {
		if i := strings.Index(text, s); i >= 0 && (at < 0 || i < at) {
			at, found = i, s
		}
	}
	return at, found
}

func (t *Tokenizer) appendOrdinary(ids []int, text string) ([]int, error) {
	if text == "" {
		return ids, nil
	}
	runes := []rune(text)
	m, err := t.pattern.FindRunesMatch(runes)
	for ; m != nil; m, err = t.pattern.FindNextMatch(m) {
		if ids, err = t.appendChunk(ids, m.String()); err != nil {
			return nil, err
		}
	}
	if err != nil {
		return nil, fmt.Errorf("pre-tokenize: %w", err)
	}
	return ids, nil
}

type symbol struct {
	id   int
	next int
	prev int
}

type candidate struct {
	rank  int
	id    int
	left  int
	right int
	ids   [2]int
}

// appendChunk converts chunk to single-character tokens and applies merges,
// lowest rank first and leftmost first on equal rank.
func (t *Tokenizer) appendChunk(ids []int, chunk string) ([]int, error) {
	chars := encodeBytes(chunk)
	syms := make([]symbol, len(chars))
	for i, r := range chars {
		id, ok := t.vocab.Index(string(r))
		if !ok {
			return nil, &EncodeError{Chunk: chunk, Piece: string(r)}
		}
		syms[i] = symbol{id: id, prev: i - 1, next: i + 1}
	}
	if len(syms) > 0 {
		syms[len(syms)-1].next = -1
	}

	pairs := heap.NewWith(func(a, b *candidate) int {
		if c := cmp.Compare(a.rank, b.rank); c != 0 {
			return c
		}
		return cmp.Compare(a.left, b.left)
	})
	push := func(left, right int) {
		if left < 0 || right < 0 {
			return
		}
		key := [2]int{syms[left].id, syms[right].id}
		if rule, ok := t.merges[key]; ok {
			pairs.Push(&candidate{rank: rule.rank, id: rule.id, left: left, right: right, ids: key})
		}
	}
	for i := 0; i+1 < len(syms); i++ {
		push(i, i+1)
	}

	// Pairs created by a merge wait in pending until every occurrence of
	// the current rule has been applied.
	var pending [][2]int
	for !pairs.Empty() {
		p, _ := pairs.Pop()
		left, right := &syms[p.left], &syms[p.right]
		if left.next == p.right && left.id == p.ids[0] && right.id == p.ids[1] {
			left.id = p.id
			left.next = right.next
			if right.next >= 0 {
				syms[right.next].prev = p.left
			}
			right.id = -1
			right.next, right.prev = -1, -1
			pending = append(pending, [2]int{left.prev, p.left}, [2]int{p.left, left.next})
		}
		if next, ok := pairs.Peek(); ok && next.rank == p.rank {
			continue
		}
		for _, lr := range pending {
			if lr[0] >= 0 && syms[lr[0]].next == lr[1] {
				push(lr[0], lr[1])
			}
		}
		pending = pending[:0]
	}

	for i := 0; len(syms) > 0 && i >= 0; i = syms[i].next {
		ids = append(ids, syms[i].id)
	}
	return ids, nil
}

// appendTokenBytes appends the raw bytes a token id stands for.
func (t *Tokenizer) appendTokenBytes(dst []byte, id int) []byte {
	if s, ok := t.specialByID[id]; ok {
		return append(dst, s...)
	}
	return appendDecoded(dst, t.vocab.Get(id))
}

// DecodeBytes concatenates the raw bytes of ids.
func (t *Tokenizer) DecodeBytes(ids []int) []byte {
	var out []byte
	for _, id := range ids {
		out = t.appendTokenBytes(out, id)
	}
	return out
}

// Decode returns the text of ids. Invalid UTF-8 sequences are replaced with
// U+FFFD.
func (t *Tokenizer) Decode(ids []int) string {
	return strings.ToValidUTF8(string(t.DecodeBytes(ids)), "\uFFFD")
}

// DecodeToken returns the raw text of a single token.
func (t *Tokenizer) DecodeToken(id int) string {
	return string(t.appendTokenBytes(nil, id))
}
