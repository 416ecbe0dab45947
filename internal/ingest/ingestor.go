// Package ingest drives the document pipeline: extract text, chunk it, embed
// the chunks and upsert them through the vector store manager, tracking the
// document lifecycle in the primary store.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/contextd/contextd/config"
	"github.com/contextd/contextd/internal/chunker"
	"github.com/contextd/contextd/internal/embed"
	"github.com/contextd/contextd/internal/extract"
	"github.com/contextd/contextd/internal/index"
	"github.com/contextd/contextd/internal/similarity"
	"github.com/contextd/contextd/internal/store"
)

// Ingestion outcomes reported per document.
const (
	StatusIndexed = "indexed"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

type storeAPI interface {
	CreateDocument(ctx context.Context, doc store.Document) error
	GetDocument(ctx context.Context, id string) (store.Document, bool, error)
	FindDocumentByHash(ctx context.Context, hash string) (store.Document, bool, error)
	FindDocumentByFilename(ctx context.Context, filename string) (store.Document, bool, error)
	SetDocumentStatus(ctx context.Context, id, status string, chunkCount int) error
	ListDocuments(ctx context.Context) ([]store.Document, error)
}

type indexAPI interface {
	Upsert(ctx context.Context, records []store.ChunkRecord) (index.WriteReport, error)
	Delete(ctx context.Context, documentID string) (index.DeleteReport, error)
}

type embedAPI interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, []embed.BatchFailure, error)
}

type analyzerAPI interface {
	Analyze(ctx context.Context, chunks []store.ChunkRecord, excludeDocID string) ([]similarity.Match, error)
}

// Summary is the per-document ingestion report.
type Summary struct {
	DocumentID    string             `json:"document_id"`
	Filename      string             `json:"filename"`
	Format        string             `json:"format"`
	Status        string             `json:"status"`
	ChunksIndexed int                `json:"chunks_indexed"`
	ChunksSkipped int                `json:"chunks_skipped"`
	ChunksFailed  int                `json:"chunks_failed"`
	Degraded      bool               `json:"degraded,omitempty"`
	ReplacedDocID string             `json:"replaced_doc_id,omitempty"`
	SimilarDocs   []similarity.Match `json:"similar_docs,omitempty"`
	Failures      []string           `json:"failures,omitempty"`
}

// Ingestor owns the document pipeline.
type Ingestor struct {
	store      storeAPI
	idx        indexAPI
	embedder   embedAPI
	analyzer   analyzerAPI
	extractors []extract.Extractor
	cfg        config.IngestConfig
	logger     *log.Logger

	docsIngested otelmetric.Int64Counter
	chunksFailed otelmetric.Int64Counter
	latency      otelmetric.Float64Histogram
}

// New builds an Ingestor. analyzer may be nil to skip the duplicate advisory.
func New(st storeAPI, idx indexAPI, embedder embedAPI, analyzer analyzerAPI, cfg config.IngestConfig, logger *log.Logger) *Ingestor {
	if logger == nil {
		logger = log.New(log.Writer(), "[INGEST] ", log.LstdFlags)
	}
	ing := &Ingestor{
		store:      st,
		idx:        idx,
		embedder:   embedder,
		analyzer:   analyzer,
		extractors: []extract.Extractor{extract.NewTextExtractor()},
		cfg:        cfg.Normalize(),
		logger:     logger,
	}
	meter := otel.Meter("ingest")
	var err error
	ing.docsIngested, err = meter.Int64Counter("ingest_documents")
	if err != nil {
		logger.Printf("otel counter ingest_documents: %v", err)
	}
	ing.chunksFailed, err = meter.Int64Counter("ingest_chunk_failures")
	if err != nil {
		logger.Printf("otel counter ingest_chunk_failures: %v", err)
	}
	ing.latency, err = meter.Float64Histogram("ingest_latency_ms", otelmetric.WithUnit("ms"))
	if err != nil {
		logger.Printf("otel histogram ingest_latency_ms: %v", err)
	}
	return ing
}

// RegisterExtractor adds an extractor ahead of the built-in plain-text one.
func (ing *Ingestor) RegisterExtractor(e extract.Extractor) {
	ing.extractors = append([]extract.Extractor{e}, ing.extractors...)
}

// Ingest runs the pipeline for one file. An unchanged document (same content
// hash) is skipped; a same-named document with different content is replaced.
// Per-chunk failures are isolated and reported in the summary rather than
// aborting the document.
func (ing *Ingestor) Ingest(ctx context.Context, filename string, data []byte, meta map[string]string) (Summary, error) {
	start := time.Now()
	defer func() {
		if ing.latency != nil {
			ing.latency.Record(ctx, float64(time.Since(start).Milliseconds()))
		}
	}()

	format := extract.FormatForFilename(filename)
	summary := Summary{Filename: filename, Format: format}

	sum := sha256.Sum256(data)
	contentHash := hex.EncodeToString(sum[:])

	// Idempotence: the same bytes under any name are already indexed. A
	// pending or failed predecessor with the same content is a stale row
	// from an aborted run; clear it and ingest fresh.
	if prev, ok, err := ing.store.FindDocumentByHash(ctx, contentHash); err != nil {
		return summary, fmt.Errorf("lookup content hash: %w", err)
	} else if ok {
		if prev.Status == store.DocumentStatusIndexed {
			summary.DocumentID = prev.ID
			summary.Status = StatusSkipped
			summary.ChunksSkipped = prev.ChunkCount
			ing.logger.Printf("skipping %s: content already indexed as %s", filename, prev.ID)
			return summary, nil
		}
		report, err := ing.idx.Delete(ctx, prev.ID)
		if err != nil {
			return summary, fmt.Errorf("replace %s: %w", prev.ID, err)
		}
		if report.Partial {
			summary.Failures = append(summary.Failures,
				fmt.Sprintf("replace: remote delete of %s failed: %v", prev.ID, report.RemoteErr))
		}
		summary.ReplacedDocID = prev.ID
		ing.logger.Printf("replacing stale %s document %s for %s", prev.Status, prev.ID, filename)
	}

	// Replace-on-reingest: same filename, different content.
	if prev, ok, err := ing.store.FindDocumentByFilename(ctx, filename); err != nil {
		return summary, fmt.Errorf("lookup filename: %w", err)
	} else if ok && prev.ContentHash != contentHash {
		report, err := ing.idx.Delete(ctx, prev.ID)
		if err != nil {
			return summary, fmt.Errorf("replace %s: %w", prev.ID, err)
		}
		if report.Partial {
			summary.Failures = append(summary.Failures,
				fmt.Sprintf("replace: remote delete of %s failed: %v", prev.ID, report.RemoteErr))
		}
		summary.ReplacedDocID = prev.ID
		ing.logger.Printf("replacing %s (was %s)", filename, prev.ID)
	}

	units, err := ing.extractUnits(data, format)
	if err != nil {
		summary.Status = StatusFailed
		return summary, err
	}

	docID := uuid.NewString()
	summary.DocumentID = docID
	chunks, err := chunker.Split(docID, toChunkerUnits(units), ing.cfg.MaxChunkTokens, ing.cfg.OverlapTokens)
	if err != nil {
		summary.Status = StatusFailed
		return summary, fmt.Errorf("chunk %s: %w", filename, err)
	}

	if err := ing.store.CreateDocument(ctx, store.Document{
		ID:          docID,
		Filename:    filename,
		Format:      format,
		ContentHash: contentHash,
		Status:      store.DocumentStatusPending,
	}); err != nil {
		summary.Status = StatusFailed
		return summary, err
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, batchFailures, err := ing.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		_ = ing.store.SetDocumentStatus(ctx, docID, store.DocumentStatusFailed, 0)
		summary.Status = StatusFailed
		return summary, fmt.Errorf("embed %s: %w", filename, err)
	}
	for _, bf := range batchFailures {
		summary.Failures = append(summary.Failures,
			fmt.Sprintf("embedding batch [%d,%d]: %v", bf.Start, bf.End, bf.Err))
	}

	records := ing.buildRecords(docID, filename, format, contentHash, len(data), len(units), chunks, vectors, meta, &summary)
	if len(records) == 0 {
		_ = ing.store.SetDocumentStatus(ctx, docID, store.DocumentStatusFailed, 0)
		summary.Status = StatusFailed
		if ing.chunksFailed != nil {
			ing.chunksFailed.Add(ctx, int64(summary.ChunksFailed))
		}
		return summary, fmt.Errorf("ingest %s: no embeddable chunks", filename)
	}

	if ing.analyzer != nil {
		if matches, err := ing.analyzer.Analyze(ctx, records, docID); err != nil {
			ing.logger.Printf("warn: duplicate advisory failed for %s: %v", filename, err)
		} else {
			summary.SimilarDocs = matches
		}
	}

	report, err := ing.idx.Upsert(ctx, records)
	if err != nil {
		_ = ing.store.SetDocumentStatus(ctx, docID, store.DocumentStatusFailed, 0)
		summary.Status = StatusFailed
		return summary, fmt.Errorf("index %s: %w", filename, err)
	}
	summary.ChunksIndexed = report.Indexed
	summary.Degraded = report.Degraded
	if report.Degraded {
		summary.Failures = append(summary.Failures,
			fmt.Sprintf("degraded write: %v", report.RemoteErr))
	}

	if err := ing.store.SetDocumentStatus(ctx, docID, store.DocumentStatusIndexed, report.Indexed); err != nil {
		return summary, err
	}
	summary.Status = StatusIndexed
	if ing.docsIngested != nil {
		ing.docsIngested.Add(ctx, 1)
	}
	if ing.chunksFailed != nil && summary.ChunksFailed > 0 {
		ing.chunksFailed.Add(ctx, int64(summary.ChunksFailed))
	}
	ing.logger.Printf("indexed %s as %s: %d chunks (%d failed)", filename, docID, summary.ChunksIndexed, summary.ChunksFailed)
	return summary, nil
}

// Delete removes a document from both index sides and the document table.
func (ing *Ingestor) Delete(ctx context.Context, documentID string) (index.DeleteReport, error) {
	if _, ok, err := ing.store.GetDocument(ctx, documentID); err != nil {
		return index.DeleteReport{}, err
	} else if !ok {
		return index.DeleteReport{}, fmt.Errorf("document %s not found", documentID)
	}
	return ing.idx.Delete(ctx, documentID)
}

// List returns all live documents, newest first.
func (ing *Ingestor) List(ctx context.Context) ([]store.Document, error) {
	return ing.store.ListDocuments(ctx)
}

func (ing *Ingestor) extractUnits(data []byte, format string) ([]extract.Unit, error) {
	for _, e := range ing.extractors {
		if e.Supports(format) {
			return e.Extract(data, format)
		}
	}
	return nil, fmt.Errorf("%w: %s", extract.ErrUnsupportedFormat, format)
}

// buildRecords pairs chunks with their vectors, skipping chunks whose
// embedding failed and enriching metadata with file-level fields.
func (ing *Ingestor) buildRecords(docID, filename, format, contentHash string, fileSize, pages int,
	chunks []chunker.Chunk, vectors [][]float32, meta map[string]string, summary *Summary) []store.ChunkRecord {

	records := make([]store.ChunkRecord, 0, len(chunks))
	for i, c := range chunks {
		if i >= len(vectors) || len(vectors[i]) == 0 {
			summary.ChunksFailed++
			continue
		}
		m := map[string]string{
			"filename":     filename,
			"content_hash": contentHash,
			"file_size":    strconv.Itoa(fileSize),
			"pages":        strconv.Itoa(pages),
		}
		for k, v := range meta {
			m[k] = v
		}
		records = append(records, store.ChunkRecord{
			ChunkID:     c.ID,
			DocumentID:  docID,
			Seq:         c.Seq,
			Text:        c.Text,
			TokenCount:  c.TokenCount,
			PageRef:     c.PageRef,
			Format:      format,
			ContentHash: c.ContentHash,
			Vector:      vectors[i],
			Metadata:    m,
		})
	}
	return records
}

func toChunkerUnits(units []extract.Unit) []chunker.Unit {
	out := make([]chunker.Unit, len(units))
	for i, u := range units {
		out[i] = chunker.Unit{Text: u.Text, PageRef: u.PageRef}
	}
	return out
}
