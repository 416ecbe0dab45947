package index

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/contextd/contextd/config"
	"github.com/contextd/contextd/internal/store"
)

// Search result sources. Callers must not assume identical recall between
// them; fallback covers only what the cache has seen.
const (
	SourceRemote   = "remote"
	SourceFallback = "fallback"
)

// ErrUnavailable reports that the remote index failed and the fallback holds
// no data to serve the request.
var ErrUnavailable = errors.New("vector store unavailable")

type remoteAPI interface {
	UpsertChunks(ctx context.Context, records []store.ChunkRecord) error
	SearchChunks(ctx context.Context, vector []float32, topK int, filter store.SearchFilter) ([]store.SearchHit, error)
	DeleteDocumentChunks(ctx context.Context, documentID string) (int64, error)
}

// WriteReport describes the outcome of an upsert. Degraded means the remote
// write failed but entries are locally searchable and queued for retry.
type WriteReport struct {
	Indexed   int
	Degraded  bool
	RemoteErr error
}

// SearchResult carries ranked hits plus the path that produced them.
type SearchResult struct {
	Hits     []store.SearchHit
	Source   string
	Degraded bool
}

// DeleteReport describes a document delete across both index sides. Partial
// means the local side was cleared but the remote delete failed; the
// document must not be considered gone until a repair pass succeeds.
type DeleteReport struct {
	RemoteRemoved int64
	LocalRemoved  int
	Partial       bool
	RemoteErr     error
}

// Manager fronts the remote vector index with the fallback cache, applying
// the consistency policy: remote is the source of truth, fallback is a
// best-effort mirror populated by writes and remote read results.
type Manager struct {
	remote   remoteAPI
	fallback *FallbackIndex
	cfg      config.FallbackConfig
	logger   *log.Logger

	// deleted holds tombstones for removed document ids so that in-flight
	// remote reads and queued degraded-write retries cannot reinsert their
	// chunks. A later explicit Upsert for a document id lifts its tombstone.
	mu      sync.Mutex
	deleted map[string]struct{}

	wg   sync.WaitGroup
	done chan struct{}

	searches       *prometheus.CounterVec
	degradedWrites prometheus.Counter
	retryDrops     prometheus.Counter
	searchLatency  otelmetric.Float64Histogram
	upsertChunks   otelmetric.Int64Counter
}

// NewManager builds a Manager over the remote store. reg may be nil to skip
// Prometheus registration (tests); logger may be nil.
func NewManager(remote remoteAPI, cfg config.FallbackConfig, reg prometheus.Registerer, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(log.Writer(), "[INDEX] ", log.LstdFlags)
	}
	cfg = cfg.Normalize()
	m := &Manager{
		remote:   remote,
		fallback: NewFallbackIndex(cfg.Capacity, cfg.Freshness),
		cfg:      cfg,
		logger:   logger,
		deleted:  make(map[string]struct{}),
		done:     make(chan struct{}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contextd_index_searches_total",
			Help: "Similarity searches served, labelled by source path.",
		}, []string{"source"}),
		degradedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "contextd_index_degraded_writes_total",
			Help: "Upserts that fell back to the local index after a remote failure.",
		}),
		retryDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "contextd_index_retry_drops_total",
			Help: "Degraded write batches abandoned after exhausting retries.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.searches, m.degradedWrites, m.retryDrops)
	}
	meter := otel.Meter("index/manager")
	var err error
	m.searchLatency, err = meter.Float64Histogram("index_search_latency_ms", otelmetric.WithUnit("ms"))
	if err != nil {
		logger.Printf("otel histogram index_search_latency_ms: %v", err)
	}
	m.upsertChunks, err = meter.Int64Counter("index_upsert_chunks")
	if err != nil {
		logger.Printf("otel counter index_upsert_chunks: %v", err)
	}
	return m
}

// Fallback exposes the local index for callers that need its size.
func (m *Manager) Fallback() *FallbackIndex { return m.fallback }

// Upsert writes entries to the remote store and mirrors them into the
// fallback index. A remote failure does not fail the call: entries stay
// locally searchable, a background retry is queued, and the report is
// marked degraded. Only cancellation is returned as an error.
func (m *Manager) Upsert(ctx context.Context, records []store.ChunkRecord) (WriteReport, error) {
	if len(records) == 0 {
		return WriteReport{}, nil
	}
	// An explicit write supersedes any earlier delete of the same document.
	m.mu.Lock()
	for _, rec := range records {
		delete(m.deleted, rec.DocumentID)
	}
	m.mu.Unlock()
	err := m.remote.UpsertChunks(ctx, records)
	// Local availability is preserved on either path, unless the document
	// was deleted while the remote write was in flight.
	m.putLive(records)
	if m.upsertChunks != nil {
		m.upsertChunks.Add(ctx, int64(len(records)))
	}
	if err == nil {
		return WriteReport{Indexed: len(records)}, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return WriteReport{}, err
	}
	m.degradedWrites.Inc()
	m.logger.Printf("warn: degraded write of %d chunks, remote upsert failed: %v", len(records), err)
	m.wg.Add(1)
	go m.retryUpsert(records)
	return WriteReport{Indexed: len(records), Degraded: true, RemoteErr: err}, nil
}

// retryUpsert replays a failed remote write with exponential backoff until it
// lands or the retry budget runs out.
func (m *Manager) retryUpsert(records []store.ChunkRecord) {
	defer m.wg.Done()
	for attempt := 0; attempt < m.cfg.RetryLimit; attempt++ {
		select {
		case <-time.After(m.cfg.RetryBackoff * time.Duration(1<<attempt)):
		case <-m.done:
			return
		}
		records = m.liveRecords(records)
		if len(records) == 0 {
			// Every document in the batch was deleted while queued.
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.LatencyBudget*4)
		err := m.remote.UpsertChunks(ctx, records)
		cancel()
		if err == nil {
			m.logger.Printf("degraded write of %d chunks recovered on attempt %d", len(records), attempt+1)
			return
		}
		m.logger.Printf("warn: retry %d for %d chunks failed: %v", attempt+1, len(records), err)
	}
	m.retryDrops.Inc()
	m.logger.Printf("warn: dropping retry of %d chunks after %d attempts", len(records), m.cfg.RetryLimit)
}

// Search queries the remote index under the latency budget, falling back to
// an exhaustive scan of the local cache when the remote call fails or times
// out. Remote hits are mirrored into the fallback index on the way out.
func (m *Manager) Search(ctx context.Context, vector []float32, topK int, filter store.SearchFilter) (SearchResult, error) {
	start := time.Now()
	rctx, cancel := context.WithTimeout(ctx, m.cfg.LatencyBudget)
	hits, err := m.remote.SearchChunks(rctx, vector, topK, filter)
	cancel()
	if m.searchLatency != nil {
		m.searchLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	if err == nil {
		m.searches.WithLabelValues(SourceRemote).Inc()
		// A remote read started before a delete may still carry the deleted
		// document's chunks; drop them so neither the caller nor the mirror
		// sees them.
		hits = m.liveHits(hits)
		m.putLive(hitsToRecords(hits))
		return SearchResult{Hits: hits, Source: SourceRemote}, nil
	}
	if ctx.Err() != nil {
		// The caller's context expired, not just the remote budget.
		return SearchResult{}, ctx.Err()
	}
	if m.fallback.Len() == 0 {
		return SearchResult{}, fmt.Errorf("%w: remote search failed with empty fallback: %v", ErrUnavailable, err)
	}
	m.searches.WithLabelValues(SourceFallback).Inc()
	m.logger.Printf("warn: degraded search, remote failed (%v), serving from fallback", err)
	return SearchResult{
		Hits:     m.fallback.Search(vector, topK, filter),
		Source:   SourceFallback,
		Degraded: true,
	}, nil
}

// Delete removes a document's chunks from both sides. The local side is
// cleared first so a deleted document can never resurface through fallback
// search; a remote failure is reported as partial, not hidden.
func (m *Manager) Delete(ctx context.Context, documentID string) (DeleteReport, error) {
	// The tombstone and the local clear happen under the same lock as the
	// mirror writes, so an in-flight remote read cannot slip its results in
	// between them.
	m.mu.Lock()
	m.deleted[documentID] = struct{}{}
	report := DeleteReport{LocalRemoved: m.fallback.DeleteDocument(documentID)}
	m.mu.Unlock()
	n, err := m.remote.DeleteDocumentChunks(ctx, documentID)
	if err != nil {
		report.Partial = true
		report.RemoteErr = err
		m.logger.Printf("warn: partial delete of %s: local cleared, remote failed: %v", documentID, err)
		return report, nil
	}
	report.RemoteRemoved = n
	return report, nil
}

// Close stops background retries and waits for them to settle.
func (m *Manager) Close() {
	close(m.done)
	m.wg.Wait()
}

// putLive mirrors records into the fallback index, dropping any whose
// document has a tombstone. Check and insert share the Manager lock so a
// concurrent Delete cannot interleave between them.
func (m *Manager) putLive(records []store.ChunkRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.deleted) > 0 {
		filtered := make([]store.ChunkRecord, 0, len(records))
		for _, rec := range records {
			if _, gone := m.deleted[rec.DocumentID]; gone {
				continue
			}
			filtered = append(filtered, rec)
		}
		records = filtered
	}
	m.fallback.Put(records...)
}

// liveRecords drops records whose document has been deleted since the batch
// was built.
func (m *Manager) liveRecords(records []store.ChunkRecord) []store.ChunkRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.deleted) == 0 {
		return records
	}
	out := make([]store.ChunkRecord, 0, len(records))
	for _, rec := range records {
		if _, gone := m.deleted[rec.DocumentID]; gone {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// liveHits drops hits belonging to deleted documents.
func (m *Manager) liveHits(hits []store.SearchHit) []store.SearchHit {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.deleted) == 0 {
		return hits
	}
	out := make([]store.SearchHit, 0, len(hits))
	for _, h := range hits {
		if _, gone := m.deleted[h.DocumentID]; gone {
			continue
		}
		out = append(out, h)
	}
	return out
}

func hitsToRecords(hits []store.SearchHit) []store.ChunkRecord {
	records := make([]store.ChunkRecord, 0, len(hits))
	for _, h := range hits {
		if len(h.Vector) == 0 {
			continue
		}
		records = append(records, store.ChunkRecord{
			ChunkID:    h.ChunkID,
			DocumentID: h.DocumentID,
			Seq:        h.Seq,
			Text:       h.Text,
			TokenCount: h.TokenCount,
			PageRef:    h.PageRef,
			Format:     h.Format,
			Vector:     h.Vector,
			Metadata:   h.Metadata,
			IngestedAt: h.IngestedAt,
		})
	}
	return records
}
