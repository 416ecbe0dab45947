package embed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/contextd/contextd/config"
	"github.com/contextd/contextd/provider"
)

type fakeProvider struct {
	mu       sync.Mutex
	calls    int
	failText string // batches containing this text fail
	failN    int    // first N calls fail with a transient error
	dims     int
}

func (f *fakeProvider) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	failN := f.failN
	if f.failN > 0 {
		f.failN--
	}
	f.mu.Unlock()
	if failN > 0 {
		return nil, provider.ErrRateLimited
	}
	dims := f.dims
	if dims == 0 {
		dims = 4
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if f.failText != "" && strings.Contains(text, f.failText) {
			return nil, errors.New("bad batch")
		}
		v := make([]float32, dims)
		v[0] = float32(len(text))
		out[i] = v
	}
	return out, nil
}

func (f *fakeProvider) Completion(ctx context.Context, system, user string) (string, error) {
	return "", nil
}

func testEmbedder(p provider.Provider, batchSize int) *Embedder {
	e := New(p, nil, config.IngestConfig{
		EmbeddingDimensions: 4,
		EmbedBatchSize:      batchSize,
		EmbedWorkers:        2,
	}, nil)
	e.backoff = 0
	return e
}

func TestEmbedTextsAligned(t *testing.T) {
	e := testEmbedder(&fakeProvider{}, 2)
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, failures, err := e.EmbedTexts(context.Background(), texts)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %+v", failures)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("misaligned output: %d vectors for %d texts", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if len(v) != 4 {
			t.Fatalf("vector %d has wrong dimensions: %d", i, len(v))
		}
	}
}

func TestEmbedTextsNormalized(t *testing.T) {
	e := testEmbedder(&fakeProvider{}, 2)
	vecs, _, err := e.EmbedTexts(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	var sum float64
	for _, x := range vecs[0] {
		sum += float64(x) * float64(x)
	}
	if sum < 0.999 || sum > 1.001 {
		t.Fatalf("vector not unit length: %v", sum)
	}
}

func TestEmbedTextsSkipsEmpty(t *testing.T) {
	e := testEmbedder(&fakeProvider{}, 2)
	vecs, failures, err := e.EmbedTexts(context.Background(), []string{"text", "   ", ""})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(failures) != 0 {
		t.Fatalf("empty inputs are skips, not failures: %+v", failures)
	}
	if vecs[0] == nil || vecs[1] != nil || vecs[2] != nil {
		t.Fatalf("empty positions must stay nil: %+v", vecs)
	}
}

func TestEmbedTextsBatchFailureIsolated(t *testing.T) {
	e := testEmbedder(&fakeProvider{failText: "poison"}, 1)
	texts := []string{"good one", "poison pill", "good two"}
	vecs, failures, err := e.EmbedTexts(context.Background(), texts)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(failures) != 1 {
		t.Fatalf("expected 1 batch failure, got %d", len(failures))
	}
	if failures[0].Start != 1 || failures[0].End != 1 {
		t.Fatalf("failure range wrong: %+v", failures[0])
	}
	if vecs[0] == nil || vecs[2] == nil {
		t.Fatalf("unrelated batches must still complete")
	}
	if vecs[1] != nil {
		t.Fatalf("failed position must be nil")
	}
}

func TestEmbedBatchRetriesTransient(t *testing.T) {
	p := &fakeProvider{failN: 2}
	e := testEmbedder(p, 4)
	vecs, failures, err := e.EmbedTexts(context.Background(), []string{"x"})
	if err != nil || len(failures) != 0 {
		t.Fatalf("expected retry to succeed, err=%v failures=%+v", err, failures)
	}
	if vecs[0] == nil {
		t.Fatalf("expected vector after retries")
	}
	if p.calls != 3 {
		t.Fatalf("expected 3 provider calls, got %d", p.calls)
	}
}

func TestEmbedQueryRejectsEmpty(t *testing.T) {
	e := testEmbedder(&fakeProvider{}, 2)
	if _, err := e.EmbedQuery(context.Background(), "   "); !errors.Is(err, provider.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestEmbedDimensionMismatch(t *testing.T) {
	e := testEmbedder(&fakeProvider{dims: 8}, 2)
	_, failures, err := e.EmbedTexts(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("dimension mismatch is a batch failure, not a call failure: %v", err)
	}
	if len(failures) != 1 {
		t.Fatalf("expected dimension mismatch failure, got %+v", failures)
	}
}
