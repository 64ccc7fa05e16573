package tokenizer

import (
	"fmt"
	"strings"
	"unicode"
)

// byteEncoder maps every byte to a printable rune; byteDecoder inverts it.
// This is the fixed GPT-2 table: printable Latin-1 bytes map to themselves
// and the rest are shifted past 0xFF in byte order.
var (
	byteEncoder [256]rune
	byteDecoder = make(map[rune]byte, 256)
)

func init() {
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	n := 0
	for b := range 256 {
		r := rune(b)
		if !printable(b) {
			r = rune(256 + n)
			n++
		}
		byteEncoder[b] = r
		byteDecoder[r] = byte(b)
	}
}

// ByteToRune returns the printable surrogate of b.
func ByteToRune(b byte) rune { return byteEncoder[b] }

// RuneToByte inverts ByteToRune.
func RuneToByte(r rune) (byte, bool) {
	b, ok := byteDecoder[r]
	return b, ok
}

func encodeBytes(s string) []rune {
	out := make([]rune, len(s))
	for i := range len(s) {
		out[i] = byteEncoder[s[i]]
	}
	return out
}

// appendDecoded reverses the byte mapping of a token string. Runes outside
// the table are kept as their UTF-8 encoding.
func appendDecoded(dst []byte, token string) []byte {
	for _, r := range token {
		if b, ok := byteDecoder[r]; ok {
			dst = append(dst, b)
			continue
		}
		dst = append(dst, string(r)...)
	}
	return dst
}

// ReplaceControlCharacters renders control runes other than tab, newline and
// carriage return as \uXXXX escapes.
func ReplaceControlCharacters(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) && r != '\t' && r != '\n' && r != '\r' {
			fmt.Fprintf(&sb, "\\u%04x", r)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
