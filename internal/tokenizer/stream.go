package tokenizer

import (
	"strings"
	"unicode/utf8"
)

// StreamDecoder turns a token stream into text, holding back bytes of a
// multi-byte character until it is complete.
type StreamDecoder struct {
	tok     *Tokenizer
	pending []byte
}

func NewStreamDecoder(t *Tokenizer) *StreamDecoder {
	return &StreamDecoder{tok: t}
}

// Next appends id and returns whatever text is complete.
func (d *StreamDecoder) Next(id int) string {
	d.pending = d.tok.appendTokenBytes(d.pending, id)
	p := d.pending

	cut := len(p)
	for j := len(p) - 1; j >= 0 && j > len(p)-utf8.UTFMax; j-- {
		if utf8.RuneStart(p[j]) {
			if !utf8.FullRune(p[j:]) {
				cut = j
			}
			break
		}
	}
	out := strings.ToValidUTF8(string(p[:cut]), "\uFFFD")
	n := copy(d.pending, p[cut:])
	d.pending = d.pending[:n]
	return out
}

// Flush returns any held bytes and resets the decoder.
func (d *StreamDecoder) Flush() string {
	out := strings.ToValidUTF8(string(d.pending), "\uFFFD")
	d.pending = d.pending[:0]
	return out
}
