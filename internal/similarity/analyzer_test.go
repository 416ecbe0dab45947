package similarity

import (
	"context"
	"errors"
	"testing"

	"github.com/contextd/contextd/internal/index"
	"github.com/contextd/contextd/internal/store"
)

type stubSearch struct {
	hits []store.SearchHit
	err  error
}

func (s *stubSearch) Search(ctx context.Context, vector []float32, topK int, filter store.SearchFilter) (index.SearchResult, error) {
	if s.err != nil {
		return index.SearchResult{}, s.err
	}
	return index.SearchResult{Hits: s.hits, Source: index.SourceRemote}, nil
}

type stubDocs struct {
	docs map[string]store.Document
}

func (s *stubDocs) GetDocument(ctx context.Context, id string) (store.Document, bool, error) {
	doc, ok := s.docs[id]
	return doc, ok, nil
}

func candidateChunks() []store.ChunkRecord {
	return []store.ChunkRecord{
		{ChunkID: "new:0000", DocumentID: "new", TokenCount: 30, Vector: []float32{1, 0}},
		{ChunkID: "new:0001", DocumentID: "new", TokenCount: 10, Vector: []float32{0, 1}},
	}
}

func TestAnalyzeAggregatesByDocument(t *testing.T) {
	search := &stubSearch{hits: []store.SearchHit{
		{ChunkID: "d1:0000", DocumentID: "d1", Score: 0.9, TokenCount: 100},
		{ChunkID: "d1:0001", DocumentID: "d1", Score: 0.7, TokenCount: 100},
		{ChunkID: "d2:0000", DocumentID: "d2", Score: 0.5, TokenCount: 50},
	}}
	docs := &stubDocs{docs: map[string]store.Document{
		"d1": {ID: "d1", Filename: "a.md", Format: "md"},
		"d2": {ID: "d2", Filename: "b.txt", Format: "txt"},
	}}
	a := New(search, docs, 10, 0.0, nil)

	matches, err := a.Analyze(context.Background(), candidateChunks(), "new")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].DocumentID != "d1" || matches[0].Filename != "a.md" {
		t.Fatalf("unexpected top match: %+v", matches[0])
	}
	// Token-weighted average of 0.9 and 0.7 over equal-sized chunks.
	if matches[0].Score < 0.79 || matches[0].Score > 0.81 {
		t.Fatalf("expected weighted score ~0.8, got %v", matches[0].Score)
	}
	if matches[0].MatchingChunks != 2 {
		t.Fatalf("expected 2 matching chunks, got %d", matches[0].MatchingChunks)
	}
}

func TestAnalyzeExcludesCandidateAndFloor(t *testing.T) {
	search := &stubSearch{hits: []store.SearchHit{
		{ChunkID: "new:0000", DocumentID: "new", Score: 0.99, TokenCount: 30},
		{ChunkID: "d2:0000", DocumentID: "d2", Score: 0.3, TokenCount: 50},
	}}
	a := New(search, nil, 10, 0.5, nil)

	matches, err := a.Analyze(context.Background(), candidateChunks(), "new")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected empty advisory report, got %+v", matches)
	}
}

func TestAnalyzeEmptyCandidate(t *testing.T) {
	a := New(&stubSearch{}, nil, 10, 0.5, nil)
	matches, err := a.Analyze(context.Background(), nil, "new")
	if err != nil || matches != nil {
		t.Fatalf("expected nil report for empty candidate, got %v %v", matches, err)
	}
}

func TestAnalyzeSearchErrorPropagates(t *testing.T) {
	a := New(&stubSearch{err: errors.New("down")}, nil, 10, 0.5, nil)
	_, err := a.Analyze(context.Background(), candidateChunks(), "new")
	if err == nil {
		t.Fatalf("expected error from failed search")
	}
}
