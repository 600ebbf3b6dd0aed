// Package retrieval chunks reference compliance documents, embeds them and
// serves nearest-neighbour search for semantic rules.
package retrieval

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

const (
	longSection   = 1000 // sections longer than this are re-split by sentence
	maxChunkChars = 800
	minChunkChars = 50
)

var sectionHeading = regexp.MustCompile(`^(?:Section \d+|\d+\.\s+[A-Z])`)

// Document is one reference text, identified by its source name.
type Document struct {
	Source string
	Text   string
}

// Chunk is a retrievable passage of a document.
type Chunk struct {
	ID     string `json:"chunk_id"`
	Source string `json:"source"`
	Index  int    `json:"index"`
	Text   string `json:"text"`
}

// ChunkDocument splits a document on blank lines and section headings,
// re-splits long sections by sentence, and drops fragments too short to
// carry meaning.
func ChunkDocument(doc Document) []Chunk {
	var chunks []Chunk
	for i, section := range splitSections(doc.Text) {
		text := strings.TrimSpace(section)
		if len(text) <= minChunkChars {
			continue
		}
		chunks = append(chunks, Chunk{
			ID:     fmt.Sprintf("%s_chunk_%d", doc.Source, i),
			Source: doc.Source,
			Index:  i,
			Text:   text,
		})
	}
	return chunks
}

func splitSections(text string) []string {
	var sections []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			sections = append(sections, cur.String())
			cur.Reset()
		}
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if sectionHeading.MatchString(strings.TrimSpace(line)) {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	flush()

	var out []string
	for _, s := range sections {
		if len(s) <= longSection {
			out = append(out, s)
			continue
		}
		var acc strings.Builder
		for _, sent := range Sentences(s) {
			if acc.Len()+len(sent.Text) >= maxChunkChars && acc.Len() > 0 {
				out = append(out, strings.TrimSpace(acc.String()))
				acc.Reset()
			}
			acc.WriteString(sent.Text)
			acc.WriteByte(' ')
		}
		if acc.Len() > 0 {
			out = append(out, strings.TrimSpace(acc.String()))
		}
	}
	return out
}

// Sentence is a sentence of a larger text with its byte range.
type Sentence struct {
	Text  string
	Start int
	End   int
}

// Sentences splits text after '.', '!' or '?' followed by whitespace.
// Surrounding whitespace is excluded from each range.
func Sentences(text string) []Sentence {
	var out []Sentence
	start := 0
	emit := func(end int) {
		s, e := start, end
		for s < e && unicode.IsSpace(rune(text[s])) {
			s++
		}
		for e > s && unicode.IsSpace(rune(text[e-1])) {
			e--
		}
		if e > s {
			out = append(out, Sentence{Text: text[s:e], Start: s, End: e})
		}
	}

	for i := 0; i < len(text)-1; i++ {
		switch text[i] {
		case '.', '!', '?':
			if unicode.IsSpace(rune(text[i+1])) {
				emit(i + 1)
				start = i + 1
			}
		}
	}
	emit(len(text))
	return out
}
