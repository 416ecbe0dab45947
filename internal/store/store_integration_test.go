package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/contextd/contextd/internal/index"
	"github.com/contextd/contextd/internal/store"
	"github.com/contextd/contextd/internal/vec"
)

// Spins up a pgvector Postgres, indexes a small corpus, and checks that the
// remote cosine ranking and the fallback index's dot-product ranking agree
// when both hold identical data.
func TestRemoteFallbackRankingConsistency(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "contextd",
			"POSTGRES_PASSWORD": "contextd",
			"POSTGRES_DB":       "contextd",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(2 * time.Minute),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://contextd:contextd@%s:%s/contextd?sslmode=disable", host, port.Port())

	if err := store.Migrate("file://../../migrations", dsn, "up", 0); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer st.DB.Close()

	if err := st.CreateDocument(ctx, store.Document{
		ID: "doc-1", Filename: "a.txt", Format: "txt", ContentHash: "h1",
	}); err != nil {
		t.Fatalf("create document: %v", err)
	}

	records := make([]store.ChunkRecord, 3)
	vectors := [][]float32{
		padVector([]float32{1, 0, 0}),
		padVector([]float32{0.8, 0.6, 0}),
		padVector([]float32{0, 0, 1}),
	}
	fallback := index.NewFallbackIndex(10, 0)
	for i, v := range vectors {
		records[i] = store.ChunkRecord{
			ChunkID:    fmt.Sprintf("doc-1:%04d", i),
			DocumentID: "doc-1",
			Seq:        i,
			Text:       fmt.Sprintf("chunk %d", i),
			TokenCount: 2,
			PageRef:    "1",
			Format:     "txt",
			Vector:     vec.Normalize(v),
		}
	}
	if err := st.UpsertChunks(ctx, records); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	fallback.Put(records...)

	query := vec.Normalize(padVector([]float32{0.9, 0.4, 0}))
	remoteHits, err := st.SearchChunks(ctx, query, 3, store.SearchFilter{})
	if err != nil {
		t.Fatalf("remote search: %v", err)
	}
	localHits := fallback.Search(query, 3, store.SearchFilter{})

	if len(remoteHits) != 3 || len(localHits) != 3 {
		t.Fatalf("expected 3 hits on both paths, got %d remote / %d local", len(remoteHits), len(localHits))
	}
	for i := range remoteHits {
		if remoteHits[i].ChunkID != localHits[i].ChunkID {
			t.Fatalf("ranking disagreement at %d: remote=%s local=%s",
				i, remoteHits[i].ChunkID, localHits[i].ChunkID)
		}
		if diff := remoteHits[i].Score - localHits[i].Score; diff > 0.001 || diff < -0.001 {
			t.Fatalf("score disagreement for %s: remote=%v local=%v",
				remoteHits[i].ChunkID, remoteHits[i].Score, localHits[i].Score)
		}
	}

	// Deletion completeness: after the cascade, nothing on either path.
	if _, err := st.DeleteDocumentChunks(ctx, "doc-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	fallback.DeleteDocument("doc-1")
	remoteHits, err = st.SearchChunks(ctx, query, 3, store.SearchFilter{})
	if err != nil {
		t.Fatalf("search after delete: %v", err)
	}
	if len(remoteHits) != 0 || len(fallback.Search(query, 3, store.SearchFilter{})) != 0 {
		t.Fatalf("deleted document leaked back into search results")
	}
}

// padVector widens a toy vector to the schema's embedding dimensionality.
func padVector(v []float32) []float32 {
	out := make([]float32, store.DefaultEmbeddingDimensions)
	copy(out, v)
	return out
}
