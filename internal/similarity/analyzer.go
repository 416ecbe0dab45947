// Package similarity flags likely duplicate documents before ingestion. The
// report is advisory; it never blocks the pipeline.
package similarity

import (
	"context"
	"log"
	"sort"

	"github.com/contextd/contextd/internal/index"
	"github.com/contextd/contextd/internal/store"
	"github.com/contextd/contextd/internal/vec"
)

type searchAPI interface {
	Search(ctx context.Context, vector []float32, topK int, filter store.SearchFilter) (index.SearchResult, error)
}

type docAPI interface {
	GetDocument(ctx context.Context, id string) (store.Document, bool, error)
}

// Match is one existing document resembling the candidate, with the
// token-weighted similarity of its matching chunks.
type Match struct {
	DocumentID     string  `json:"document_id"`
	Filename       string  `json:"filename"`
	Format         string  `json:"format"`
	Score          float64 `json:"score"`
	MatchingChunks int     `json:"matching_chunks"`
}

// Analyzer compares a candidate document against the indexed corpus.
type Analyzer struct {
	search searchAPI
	docs   docAPI
	topK   int
	floor  float64
	logger *log.Logger
}

// New builds an Analyzer. floor is the minimum document-level similarity
// worth reporting; documents below it are dropped from the result.
func New(search searchAPI, docs docAPI, topK int, floor float64, logger *log.Logger) *Analyzer {
	if logger == nil {
		logger = log.New(log.Writer(), "[SIMILAR] ", log.LstdFlags)
	}
	if topK <= 0 {
		topK = 20
	}
	return &Analyzer{search: search, docs: docs, topK: topK, floor: floor, logger: logger}
}

// Analyze pools the candidate's chunk vectors into a document embedding,
// searches the index with it, and aggregates chunk hits back to document
// scores. Chunks belonging to excludeDocID are ignored so a re-ingested
// document does not report itself. An empty result means nothing cleared
// the floor.
func (a *Analyzer) Analyze(ctx context.Context, chunks []store.ChunkRecord, excludeDocID string) ([]Match, error) {
	vectors := make([][]float32, 0, len(chunks))
	weights := make([]float64, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Vector) == 0 {
			continue
		}
		vectors = append(vectors, c.Vector)
		weights = append(weights, float64(c.TokenCount))
	}
	docVector := vec.WeightedMean(vectors, weights)
	if docVector == nil {
		return nil, nil
	}

	res, err := a.search.Search(ctx, docVector, a.topK, store.SearchFilter{})
	if err != nil {
		return nil, err
	}

	type agg struct {
		weighted float64
		tokens   float64
		chunks   int
	}
	byDoc := map[string]*agg{}
	for _, h := range res.Hits {
		if h.DocumentID == excludeDocID {
			continue
		}
		entry := byDoc[h.DocumentID]
		if entry == nil {
			entry = &agg{}
			byDoc[h.DocumentID] = entry
		}
		tokens := float64(h.TokenCount)
		if tokens <= 0 {
			tokens = 1
		}
		entry.weighted += h.Score * tokens
		entry.tokens += tokens
		entry.chunks++
	}

	matches := make([]Match, 0, len(byDoc))
	for docID, entry := range byDoc {
		score := entry.weighted / entry.tokens
		if score < a.floor {
			continue
		}
		m := Match{DocumentID: docID, Score: score, MatchingChunks: entry.chunks}
		if a.docs != nil {
			if doc, ok, err := a.docs.GetDocument(ctx, docID); err == nil && ok {
				m.Filename = doc.Filename
				m.Format = doc.Format
			}
		}
		matches = append(matches, m)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].DocumentID < matches[j].DocumentID
	})
	return matches, nil
}
