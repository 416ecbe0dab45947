package openai_provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/contextd/contextd/config"
)

func testClient(url string, retries int) *Client {
	return NewClient(config.LLMProvider{
		APIKey:     "test-key",
		BaseURL:    url,
		MaxRetries: retries,
	})
}

func TestCreateEmbedding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing auth header, got %q", got)
		}
		var req struct {
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		// Return vectors out of order; the client must realign by index.
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"index": 1, "embedding": []float32{0, 1}},
				{"index": 0, "embedding": []float32{1, 0}},
			},
		})
	}))
	defer srv.Close()

	c := testClient(srv.URL, 0)
	vecs, err := c.CreateEmbedding(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("CreateEmbedding: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Fatalf("vectors not realigned by index: %+v", vecs)
	}
}

func TestCreateEmbeddingRejectsEmptyText(t *testing.T) {
	c := testClient("http://unused", 0)
	if _, err := c.CreateEmbedding(context.Background(), []string{"ok", "  "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRateLimitRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"index": 0, "embedding": []float32{1}}},
		})
	}))
	defer srv.Close()

	c := testClient(srv.URL, 3)
	c.httpClient = srv.Client()
	if _, err := c.CreateEmbedding(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("expected retry to recover: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRateLimitExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient(srv.URL, 1)
	if _, err := c.CreateEmbedding(context.Background(), []string{"a"}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited after exhausted retries, got %v", err)
	}
}

func TestBadRequestNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := testClient(srv.URL, 3)
	if _, err := c.CreateEmbedding(context.Background(), []string{"a"}); err == nil {
		t.Fatal("expected error for 400 response")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("client errors must not retry, got %d calls", calls)
	}
}

func TestCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "paraphrase one\nparaphrase two"}},
			},
		})
	}))
	defer srv.Close()

	c := testClient(srv.URL, 0)
	out, err := c.Completion(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if out != "paraphrase one\nparaphrase two" {
		t.Fatalf("unexpected completion: %q", out)
	}
}
