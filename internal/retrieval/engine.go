// Package retrieval turns a question into a token-budgeted, cited context
// bundle: expand the query, search each variant, merge, rerank, collapse
// near-duplicates, trim to budget and assemble citations.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/contextd/contextd/config"
	"github.com/contextd/contextd/internal/index"
	"github.com/contextd/contextd/internal/store"
	"github.com/contextd/contextd/internal/vec"
)

// ErrNoCandidates reports an empty result set: either the corpus is empty or
// every candidate fell below the similarity floor. Callers decide whether to
// answer without context.
var ErrNoCandidates = errors.New("retrieval: no candidates above similarity floor")

// ErrUnavailable is the fatal per-query case: every variant search failed on
// both the remote and fallback paths.
var ErrUnavailable = errors.New("retrieval: vector store unavailable")

type searcher interface {
	Search(ctx context.Context, vector []float32, topK int, filter store.SearchFilter) (index.SearchResult, error)
}

type queryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

type expander interface {
	Completion(ctx context.Context, system, user string) (string, error)
}

// Candidate is one merged chunk with its ranking signals. BestScore is the
// maximum similarity across variants; HitCount is how many variants surfaced
// the chunk.
type Candidate struct {
	Hit        store.SearchHit
	BestScore  float64
	HitCount   int
	FinalScore float64
}

// Citation labels one included chunk for inline references.
type Citation struct {
	Label      string
	ChunkID    string
	DocumentID string
	PageRef    string
}

// ContextBundle is the assembled retrieval result.
type ContextBundle struct {
	Text       string
	Chunks     []Candidate
	Citations  []Citation
	TokensUsed int
	Truncated  bool
	Degraded   bool
	Source     string
}

// Engine runs the retrieval pipeline against the vector store manager.
type Engine struct {
	search searcher
	embed  queryEmbedder
	llm    expander
	cfg    config.RetrievalConfig
	logger *log.Logger

	queries      otelmetric.Int64Counter
	expansionErr otelmetric.Int64Counter
	latency      otelmetric.Float64Histogram
}

// New builds an Engine. llm may be nil, which disables query expansion.
func New(search searcher, embed queryEmbedder, llm expander, cfg config.RetrievalConfig, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[RETRIEVE] ", log.LstdFlags)
	}
	e := &Engine{
		search: search,
		embed:  embed,
		llm:    llm,
		cfg:    cfg.Normalize(),
		logger: logger,
	}
	meter := otel.Meter("retrieval/engine")
	var err error
	e.queries, err = meter.Int64Counter("retrieval_queries")
	if err != nil {
		logger.Printf("otel counter retrieval_queries: %v", err)
	}
	e.expansionErr, err = meter.Int64Counter("retrieval_expansion_failures")
	if err != nil {
		logger.Printf("otel counter retrieval_expansion_failures: %v", err)
	}
	e.latency, err = meter.Float64Histogram("retrieval_latency_ms", otelmetric.WithUnit("ms"))
	if err != nil {
		logger.Printf("otel histogram retrieval_latency_ms: %v", err)
	}
	return e
}

// Retrieve runs the full pipeline for one question. It returns ErrNoCandidates
// when nothing clears the similarity floor, ErrUnavailable when every variant
// search failed on both paths, and the context error on cancellation.
func (e *Engine) Retrieve(ctx context.Context, question string, filter store.SearchFilter) (*ContextBundle, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("retrieve: empty question")
	}
	start := time.Now()
	if e.queries != nil {
		e.queries.Add(ctx, 1)
	}
	defer func() {
		if e.latency != nil {
			e.latency.Record(ctx, float64(time.Since(start).Milliseconds()))
		}
	}()

	variants := e.expand(ctx, question)
	results, degraded, err := e.gather(ctx, variants, filter)
	if err != nil {
		return nil, err
	}

	candidates := e.merge(results)
	candidates = e.rerank(candidates)
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	candidates = e.dedupe(candidates)

	bundle := e.assemble(candidates)
	bundle.Degraded = degraded
	if degraded {
		bundle.Source = index.SourceFallback
	} else {
		bundle.Source = index.SourceRemote
	}
	return bundle, nil
}

const expansionSystemPrompt = `You rewrite search queries. Given a question, produce short paraphrases or sub-questions that could retrieve relevant passages. Output one variant per line, no numbering, no commentary.`

// expand returns the raw question plus up to MaxExpansions LLM paraphrases.
// Expansion failures never block retrieval; the raw query alone proceeds.
func (e *Engine) expand(ctx context.Context, question string) []string {
	variants := []string{question}
	if e.llm == nil || e.cfg.MaxExpansions <= 0 {
		return variants
	}
	out, err := e.llm.Completion(ctx, expansionSystemPrompt,
		fmt.Sprintf("Question: %s\nProduce up to %d variants.", question, e.cfg.MaxExpansions))
	if err != nil {
		if e.expansionErr != nil {
			e.expansionErr.Add(ctx, 1)
		}
		e.logger.Printf("warn: query expansion failed, using raw query only: %v", err)
		return variants
	}
	seen := map[string]bool{normalizeVariant(question): true}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line == "" || seen[normalizeVariant(line)] {
			continue
		}
		seen[normalizeVariant(line)] = true
		variants = append(variants, line)
		if len(variants) > e.cfg.MaxExpansions {
			break
		}
	}
	return variants
}

func normalizeVariant(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// gather embeds and searches every variant in parallel. Per-variant failures
// are isolated; the query fails only when no variant produced a result and at
// least one hit the unavailable path, or on cancellation.
func (e *Engine) gather(ctx context.Context, variants []string, filter store.SearchFilter) ([]index.SearchResult, bool, error) {
	var (
		mu          sync.Mutex
		results     []index.SearchResult
		unavailable int
		failed      int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, variant := range variants {
		variant := variant
		g.Go(func() error {
			vector, err := e.embed.EmbedQuery(gctx, variant)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				mu.Lock()
				failed++
				mu.Unlock()
				e.logger.Printf("warn: variant embedding failed: %v", err)
				return nil
			}
			res, err := e.search.Search(gctx, vector, e.cfg.TopKPerVariant, filter)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				mu.Lock()
				failed++
				if errors.Is(err, index.ErrUnavailable) {
					unavailable++
				}
				mu.Unlock()
				e.logger.Printf("warn: variant search failed: %v", err)
				return nil
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}
	if len(results) == 0 {
		if unavailable > 0 {
			return nil, false, ErrUnavailable
		}
		if failed == len(variants) {
			return nil, false, fmt.Errorf("retrieve: all %d variant searches failed", failed)
		}
	}
	degraded := false
	for _, res := range results {
		if res.Degraded {
			degraded = true
		}
	}
	return results, degraded, nil
}

// merge unions candidates across variants by chunk id, keeping the maximum
// similarity score and counting how many variants surfaced each chunk. Merge
// order does not matter; max and count are commutative.
func (e *Engine) merge(results []index.SearchResult) []Candidate {
	byID := make(map[string]*Candidate)
	for _, res := range results {
		for _, hit := range res.Hits {
			if hit.Score < e.cfg.MinSimilarity {
				continue
			}
			if cand, ok := byID[hit.ChunkID]; ok {
				cand.HitCount++
				if hit.Score > cand.BestScore {
					cand.BestScore = hit.Score
					cand.Hit = hit
				}
				continue
			}
			byID[hit.ChunkID] = &Candidate{Hit: hit, BestScore: hit.Score, HitCount: 1}
		}
	}
	out := make([]Candidate, 0, len(byID))
	for _, cand := range byID {
		out = append(out, *cand)
	}
	return out
}

// rerank scores candidates with the configured weights and sorts them. Ties
// break by earliest document ingestion, then chunk id, for determinism.
func (e *Engine) rerank(candidates []Candidate) []Candidate {
	if len(candidates) == 0 {
		return candidates
	}
	maxHits := 1
	for _, cand := range candidates {
		if cand.HitCount > maxHits {
			maxHits = cand.HitCount
		}
	}
	w := e.cfg.Weights.Normalize()
	now := time.Now()
	for i := range candidates {
		cand := &candidates[i]
		consensus := float64(cand.HitCount) / float64(maxHits)
		cand.FinalScore = w.Similarity*cand.BestScore +
			w.Consensus*consensus +
			w.Metadata*e.metadataBoost(cand.Hit, now)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].FinalScore != candidates[j].FinalScore {
			return candidates[i].FinalScore > candidates[j].FinalScore
		}
		if !candidates[i].Hit.IngestedAt.Equal(candidates[j].Hit.IngestedAt) {
			return candidates[i].Hit.IngestedAt.Before(candidates[j].Hit.IngestedAt)
		}
		return candidates[i].Hit.ChunkID < candidates[j].Hit.ChunkID
	})
	return candidates
}

// metadataBoost is a recency signal with a configured half-life. A chunk
// ingested now scores 1; one ingested a half-life ago scores 0.5.
func (e *Engine) metadataBoost(hit store.SearchHit, now time.Time) float64 {
	if hit.IngestedAt.IsZero() || e.cfg.RecencyHalfing <= 0 {
		return 0
	}
	age := now.Sub(hit.IngestedAt)
	if age < 0 {
		age = 0
	}
	return math.Pow(0.5, age.Hours()/e.cfg.RecencyHalfing.Hours())
}

// dedupe collapses near-duplicate chunks by vector similarity, keeping the
// higher-ranked instance of each cluster. Input must already be rank-sorted.
func (e *Engine) dedupe(candidates []Candidate) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, cand := range candidates {
		dup := false
		for _, kept := range out {
			if len(cand.Hit.Vector) == 0 || len(kept.Hit.Vector) == 0 {
				continue
			}
			if vec.Dot(cand.Hit.Vector, kept.Hit.Vector) >= e.cfg.DedupThreshold {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, cand)
		}
	}
	return out
}

// assemble trims to the token budget and renders the numbered context text
// plus the citation list. A chunk that would overflow the budget is skipped
// whole, never truncated mid-text.
func (e *Engine) assemble(candidates []Candidate) *ContextBundle {
	bundle := &ContextBundle{}
	var blocks []string
	for _, cand := range candidates {
		if bundle.TokensUsed+cand.Hit.TokenCount > e.cfg.ContextBudget {
			bundle.Truncated = true
			continue
		}
		label := citationLabel(cand.Hit)
		n := len(bundle.Chunks) + 1
		blocks = append(blocks, fmt.Sprintf("[%d] %s\n%s", n, label, cand.Hit.Text))
		bundle.Chunks = append(bundle.Chunks, cand)
		bundle.Citations = append(bundle.Citations, Citation{
			Label:      label,
			ChunkID:    cand.Hit.ChunkID,
			DocumentID: cand.Hit.DocumentID,
			PageRef:    cand.Hit.PageRef,
		})
		bundle.TokensUsed += cand.Hit.TokenCount
	}
	bundle.Text = strings.Join(blocks, "\n\n")
	return bundle
}

func citationLabel(hit store.SearchHit) string {
	page := hit.PageRef
	if page == "" {
		page = "1"
	}
	return fmt.Sprintf("[doc:%s page:%s]", hit.DocumentID, page)
}
