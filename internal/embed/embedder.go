// Package embed batches texts through the embedding provider, caches vectors
// by content hash, and L2-normalizes everything before storage so cosine
// similarity reduces to a dot product on every search path.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/contextd/contextd/config"
	"github.com/contextd/contextd/internal/vec"
	"github.com/contextd/contextd/provider"
)

// BatchFailure records one embedding batch that failed after retries.
// Failures are isolated per batch; unrelated batches still complete.
type BatchFailure struct {
	Start int
	End   int
	Err   error
}

// Embedder converts texts into normalized dense vectors.
type Embedder struct {
	provider   provider.Provider
	cache      *redis.Client
	batchSize  int
	workers    int
	retries    int
	backoff    time.Duration
	cacheTTL   time.Duration
	dimensions int
	logger     *log.Logger
}

// New builds an Embedder. The Redis cache is optional; pass nil to disable it.
func New(p provider.Provider, cache *redis.Client, cfg config.IngestConfig, logger *log.Logger) *Embedder {
	if logger == nil {
		logger = log.New(log.Writer(), "[EMBED] ", log.LstdFlags)
	}
	cfg = cfg.Normalize()
	return &Embedder{
		provider:   p,
		cache:      cache,
		batchSize:  cfg.EmbedBatchSize,
		workers:    cfg.EmbedWorkers,
		retries:    3,
		backoff:    500 * time.Millisecond,
		cacheTTL:   cfg.EmbedCacheTTL,
		dimensions: cfg.EmbeddingDimensions,
		logger:     logger,
	}
}

// EmbedTexts embeds texts in parallel batches. The returned slice is aligned
// with the input; positions belonging to a failed batch hold nil vectors and
// the batch is reported in the failure list. The error return is reserved for
// cancellation and whole-call failures.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, []BatchFailure, error) {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil, nil
	}

	// Resolve cache hits first so unchanged chunks never hit the provider.
	missing := make([]int, 0, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue // data-quality skip; caller counts nil vectors
		}
		if vec := e.cacheGet(ctx, text); vec != nil {
			out[i] = vec
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return out, nil, nil
	}

	var (
		mu       sync.Mutex
		failures []BatchFailure
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for start := 0; start < len(missing); start += e.batchSize {
		end := start + e.batchSize
		if end > len(missing) {
			end = len(missing)
		}
		batch := missing[start:end]
		g.Go(func() error {
			inputs := make([]string, len(batch))
			for j, idx := range batch {
				inputs[j] = texts[idx]
			}
			vecs, err := e.embedBatch(gctx, inputs)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				mu.Lock()
				failures = append(failures, BatchFailure{Start: batch[0], End: batch[len(batch)-1], Err: err})
				mu.Unlock()
				e.logger.Printf("warn: embedding batch [%d,%d] failed: %v", batch[0], batch[len(batch)-1], err)
				return nil
			}
			mu.Lock()
			for j, idx := range batch {
				out[idx] = vecs[j]
			}
			mu.Unlock()
			for j, idx := range batch {
				e.cacheSet(ctx, texts[idx], vecs[j])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return out, failures, nil
}

// EmbedQuery embeds a single query string.
func (e *Embedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("embed query: %w", provider.ErrInvalidInput)
	}
	if vec := e.cacheGet(ctx, query); vec != nil {
		return vec, nil
	}
	vecs, err := e.embedBatch(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	e.cacheSet(ctx, query, vecs[0])
	return vecs[0], nil
}

// embedBatch calls the provider with bounded retries and exponential backoff.
// Rate limits and transient errors retry; invalid input does not.
func (e *Embedder) embedBatch(ctx context.Context, inputs []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= e.retries; attempt++ {
		vecs, err := e.provider.CreateEmbedding(ctx, inputs)
		if err == nil {
			if len(vecs) != len(inputs) {
				return nil, fmt.Errorf("embed batch: expected %d vectors, got %d", len(inputs), len(vecs))
			}
			for i := range vecs {
				if e.dimensions > 0 && len(vecs[i]) != e.dimensions {
					return nil, fmt.Errorf("embed batch: dimensions mismatch (got %d want %d)", len(vecs[i]), e.dimensions)
				}
				vecs[i] = vec.Normalize(vecs[i])
			}
			return vecs, nil
		}
		if errors.Is(err, provider.ErrInvalidInput) {
			return nil, err
		}
		lastErr = err
		if attempt < e.retries {
			select {
			case <-time.After(e.backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("embed batch after %d attempts: %w", e.retries+1, lastErr)
}

func (e *Embedder) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("ctxd:emb:%d:%s", e.dimensions, hex.EncodeToString(sum[:]))
}

func (e *Embedder) cacheGet(ctx context.Context, text string) []float32 {
	if e.cache == nil {
		return nil
	}
	raw, err := e.cache.Get(ctx, e.cacheKey(text)).Bytes()
	if err != nil {
		return nil
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		return nil
	}
	return vec
}

func (e *Embedder) cacheSet(ctx context.Context, text string, vec []float32) {
	if e.cache == nil || len(vec) == 0 {
		return
	}
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, e.cacheKey(text), raw, e.cacheTTL).Err(); err != nil {
		e.logger.Printf("warn: embedding cache write failed: %v", err)
	}
}
