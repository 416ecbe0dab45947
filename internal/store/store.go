package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Store wraps the Postgres-backed remote vector index. It is the source of
// truth for documents and their chunk embeddings; the in-process fallback
// index only mirrors what passes through it.
type Store struct {
	DB *sql.DB
}

// Document statuses persisted through the ingestion lifecycle.
const (
	DocumentStatusPending = "pending"
	DocumentStatusIndexed = "indexed"
	DocumentStatusFailed  = "failed"
	DocumentStatusDeleted = "deleted"
)

// DefaultEmbeddingDimensions indicates the expected length of vectors stored in pgvector columns.
const DefaultEmbeddingDimensions = 1536

// Document represents a source document owned by the ingestion pipeline.
type Document struct {
	ID          string
	Filename    string
	Format      string
	ContentHash string
	Status      string
	ChunkCount  int
	IngestedAt  time.Time
}

// ChunkRecord is the persisted form of a chunk in the vector index.
type ChunkRecord struct {
	ChunkID     string
	DocumentID  string
	Seq         int
	Text        string
	TokenCount  int
	PageRef     string
	Format      string
	ContentHash string
	Vector      []float32
	Metadata    map[string]string
	IngestedAt  time.Time
}

// SearchHit is a single similarity search result. Score is cosine similarity
// in [0,1]; the vector is returned so callers can mirror hits into the
// fallback index.
type SearchHit struct {
	ChunkID    string
	DocumentID string
	Seq        int
	Text       string
	TokenCount int
	PageRef    string
	Format     string
	Score      float64
	Vector     []float32
	Metadata   map[string]string
	IngestedAt time.Time
}

// SearchFilter restricts a similarity search to a metadata subset.
type SearchFilter struct {
	DocumentIDs   []string
	Format        string
	IngestedAfter time.Time
}

// New constructs the Store from DATABASE_URL or discrete POSTGRES_* env vars.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// CreateDocument inserts a new document row in pending state.
func (s *Store) CreateDocument(ctx context.Context, doc Document) error {
	if strings.TrimSpace(doc.ID) == "" {
		return fmt.Errorf("document id required")
	}
	if strings.TrimSpace(doc.Filename) == "" {
		return fmt.Errorf("document filename required")
	}
	status := doc.Status
	if status == "" {
		status = DocumentStatusPending
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO documents (id, filename, format, content_hash, status, ingested_at)
VALUES ($1,$2,$3,$4,$5,NOW())
`, doc.ID, doc.Filename, doc.Format, doc.ContentHash, status)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocument fetches a single document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (Document, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, filename, format, content_hash, status, chunk_count, ingested_at
FROM documents
WHERE id=$1
`, id)
	return scanDocument(row)
}

// FindDocumentByHash returns the live document with the given content hash, if any.
func (s *Store) FindDocumentByHash(ctx context.Context, hash string) (Document, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, filename, format, content_hash, status, chunk_count, ingested_at
FROM documents
WHERE content_hash=$1 AND status <> $2
ORDER BY ingested_at DESC
LIMIT 1
`, hash, DocumentStatusDeleted)
	return scanDocument(row)
}

// FindDocumentByFilename returns the live document with the given origin filename, if any.
func (s *Store) FindDocumentByFilename(ctx context.Context, filename string) (Document, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, filename, format, content_hash, status, chunk_count, ingested_at
FROM documents
WHERE filename=$1 AND status <> $2
ORDER BY ingested_at DESC
LIMIT 1
`, filename, DocumentStatusDeleted)
	return scanDocument(row)
}

func scanDocument(row *sql.Row) (Document, bool, error) {
	var doc Document
	err := row.Scan(&doc.ID, &doc.Filename, &doc.Format, &doc.ContentHash, &doc.Status, &doc.ChunkCount, &doc.IngestedAt)
	if err == sql.ErrNoRows {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	return doc, true, nil
}

// SetDocumentStatus updates a document's lifecycle status and chunk count.
func (s *Store) SetDocumentStatus(ctx context.Context, id, status string, chunkCount int) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE documents SET status=$2, chunk_count=$3 WHERE id=$1
`, id, status, chunkCount)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("document %s not found", id)
	}
	return nil
}

// ListDocuments returns all non-deleted documents, newest first.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, filename, format, content_hash, status, chunk_count, ingested_at
FROM documents
WHERE status <> $1
ORDER BY ingested_at DESC
`, DocumentStatusDeleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.Filename, &doc.Format, &doc.ContentHash, &doc.Status, &doc.ChunkCount, &doc.IngestedAt); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// UpsertChunks writes chunk embeddings in a single transaction. Re-ingesting
// an unchanged document produces identical chunk ids, so the upsert is
// idempotent by construction.
func (s *Store) UpsertChunks(ctx context.Context, records []ChunkRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO chunk_index (chunk_id, document_id, seq, text, token_count, page_ref, format, content_hash, embedding, metadata, ingested_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::vector,$10,NOW())
ON CONFLICT (chunk_id) DO UPDATE SET
  text = EXCLUDED.text,
  token_count = EXCLUDED.token_count,
  page_ref = EXCLUDED.page_ref,
  content_hash = EXCLUDED.content_hash,
  embedding = EXCLUDED.embedding,
  metadata = EXCLUDED.metadata;
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		if rec.ChunkID == "" {
			return fmt.Errorf("chunk_id required")
		}
		if rec.DocumentID == "" {
			return fmt.Errorf("document_id required for chunk %s", rec.ChunkID)
		}
		vectorLiteral, err := encodeVectorLiteral(rec.Vector)
		if err != nil {
			return fmt.Errorf("chunk %s: %w", rec.ChunkID, err)
		}
		meta := rec.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		metaBytes, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal metadata for chunk %s: %w", rec.ChunkID, err)
		}
		if _, err := stmt.ExecContext(ctx, rec.ChunkID, rec.DocumentID, rec.Seq, rec.Text, rec.TokenCount,
			rec.PageRef, rec.Format, rec.ContentHash, vectorLiteral, metaBytes); err != nil {
			return err
		}
	}
	return nil
}

// SearchChunks returns the top-k chunks by cosine similarity to the supplied
// vector. Stored vectors are L2-normalized at embed time, so pgvector's
// cosine distance and the fallback index's dot product rank identically.
func (s *Store) SearchChunks(ctx context.Context, vector []float32, topK int, filter SearchFilter) ([]SearchHit, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if topK <= 0 {
		topK = 10
	}
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}

	where := []string{"TRUE"}
	args := []interface{}{vecLiteral, topK}
	if len(filter.DocumentIDs) > 0 {
		args = append(args, pq.Array(filter.DocumentIDs))
		where = append(where, fmt.Sprintf("document_id = ANY($%d)", len(args)))
	}
	if filter.Format != "" {
		args = append(args, filter.Format)
		where = append(where, fmt.Sprintf("format = $%d", len(args)))
	}
	if !filter.IngestedAfter.IsZero() {
		args = append(args, filter.IngestedAfter)
		where = append(where, fmt.Sprintf("ingested_at >= $%d", len(args)))
	}

	query := fmt.Sprintf(`
SELECT chunk_id, document_id, seq, text, token_count, page_ref, format, metadata, ingested_at,
       embedding::text, 1 - (embedding <=> $1::vector) AS score
FROM chunk_index
WHERE %s
ORDER BY embedding <=> $1::vector
LIMIT $2
`, strings.Join(where, " AND "))

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var (
			hit        SearchHit
			metaBytes  []byte
			vecLiteral string
		)
		if err := rows.Scan(&hit.ChunkID, &hit.DocumentID, &hit.Seq, &hit.Text, &hit.TokenCount,
			&hit.PageRef, &hit.Format, &metaBytes, &hit.IngestedAt, &vecLiteral, &hit.Score); err != nil {
			return nil, err
		}
		if len(metaBytes) > 0 {
			_ = json.Unmarshal(metaBytes, &hit.Metadata)
		}
		if vec, err := decodeVectorLiteral(vecLiteral); err == nil {
			hit.Vector = vec
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// DeleteDocumentChunks removes all chunk embeddings owned by a document and
// marks the document deleted. Returns the number of chunks removed.
func (s *Store) DeleteDocumentChunks(ctx context.Context, documentID string) (n int64, err error) {
	if documentID == "" {
		return 0, fmt.Errorf("document id required")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM chunk_index WHERE document_id=$1`, documentID)
	if err != nil {
		return 0, fmt.Errorf("delete chunks: %w", err)
	}
	n, _ = res.RowsAffected()
	if _, err = tx.ExecContext(ctx, `
UPDATE documents SET status=$2, chunk_count=0 WHERE id=$1
`, documentID, DocumentStatusDeleted); err != nil {
		return 0, fmt.Errorf("mark document deleted: %w", err)
	}
	return n, nil
}

// CountChunks reports the number of indexed chunks, optionally per document.
func (s *Store) CountChunks(ctx context.Context, documentID string) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM chunk_index WHERE ($1 = '' OR document_id = $1)
`, documentID).Scan(&n)
	return n, err
}
