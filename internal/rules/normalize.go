package rules

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// typographic punctuation that speech-to-text engines emit interchangeably
// with the ASCII forms.
var punctuation = map[rune]rune{
	'‘': '\'', '’': '\'', '‛': '\'', '′': '\'',
	'“': '"', '”': '"', '‟': '"', '″': '"',
	'‐': '-', '‑': '-', '‒': '-', '–': '-', '—': '-',
}

// Normalized is case-folded NFKC text with a byte map back to its source.
type Normalized struct {
	Text string

	src  string
	offs []int // offs[i] is the source byte offset of Text[i]
}

// Normalize folds s for matching. Each source rune is normalized on its own so
// every output byte maps to exactly one source rune.
func Normalize(s string) Normalized {
	fold := cases.Fold()
	var sb strings.Builder
	sb.Grow(len(s))
	offs := make([]int, 0, len(s)+1)

	for i, r := range s {
		if m, ok := punctuation[r]; ok {
			r = m
		}
		out := fold.String(norm.NFKC.String(string(r)))
		sb.WriteString(out)
		for range len(out) {
			offs = append(offs, i)
		}
	}
	return Normalized{Text: sb.String(), src: s, offs: offs}
}

// Source maps a normalized byte range back to a source byte range. A range
// ending inside the expansion of one source rune covers that whole rune.
func (n Normalized) Source(start, end int) (int, int) {
	if len(n.offs) == 0 || end <= start {
		if start < len(n.offs) {
			return n.offs[start], n.offs[start]
		}
		return len(n.src), len(n.src)
	}
	srcStart := n.offs[start]
	last := n.offs[end-1]
	_, size := utf8.DecodeRuneInString(n.src[last:])
	return srcStart, last + size
}
