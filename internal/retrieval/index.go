package retrieval

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultTopK is how many passages a search returns unless asked otherwise.
const DefaultTopK = 3

//go:embed corpus/*.txt
var sampleCorpus embed.FS

// Hit is a scored search result.
type Hit struct {
	Chunk Chunk
	Score float64
}

// Searcher finds the passages nearest to a query vector. When sources is
// non-empty only chunks from those sources are considered.
type Searcher interface {
	Search(ctx context.Context, vec []float32, k int, sources []string) ([]Hit, error)
}

// Index is an in-memory vector index. It is immutable after BuildIndex and
// safe for concurrent searches.
type Index struct {
	chunks  []Chunk
	vectors [][]float32
}

// BuildIndex chunks and embeds docs.
func BuildIndex(ctx context.Context, emb Embedder, docs []Document) (*Index, error) {
	var chunks []Chunk
	for _, d := range docs {
		chunks = append(chunks, ChunkDocument(d)...)
	}
	if len(chunks) == 0 {
		return &Index{}, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := emb.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed corpus: %w", err)
	}
	if len(vecs) != len(chunks) {
		return nil, fmt.Errorf("embed corpus: got %d vectors for %d chunks", len(vecs), len(chunks))
	}
	return &Index{chunks: chunks, vectors: vecs}, nil
}

// Len returns the number of indexed chunks.
func (ix *Index) Len() int {
	return len(ix.chunks)
}

// Chunks returns the indexed chunks with their vectors, in index order.
func (ix *Index) Chunks() ([]Chunk, [][]float32) {
	return ix.chunks, ix.vectors
}

func (ix *Index) Search(ctx context.Context, vec []float32, k int, sources []string) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = DefaultTopK
	}
	allowed := make(map[string]bool, len(sources))
	for _, s := range sources {
		allowed[s] = true
	}

	var hits []Hit
	for i, c := range ix.chunks {
		if len(allowed) > 0 && !allowed[c.Source] {
			continue
		}
		hits = append(hits, Hit{Chunk: c, Score: Cosine(vec, ix.vectors[i])})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// SampleDocuments returns the built-in reference corpus.
func SampleDocuments() ([]Document, error) {
	return readDocs(sampleCorpus, "corpus")
}

// LoadDir reads every .txt and .md file under dir as a document.
func LoadDir(dir string) ([]Document, error) {
	return readDocs(os.DirFS(dir), ".")
}

func readDocs(fsys fs.FS, root string) ([]Document, error) {
	var docs []Document
	err := fs.WalkDir(fsys, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".txt", ".md":
		default:
			return nil
		}
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		docs = append(docs, Document{Source: d.Name(), Text: string(data)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load corpus: %w", err)
	}
	return docs, nil
}
