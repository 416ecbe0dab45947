package openai_provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/contextd/contextd/config"
)

const defaultBaseURL = "https://api.openai.com/v1"

// ErrRateLimited is returned when the API answers 429; retryable with backoff.
var ErrRateLimited = errors.New("provider rate limited")

// ErrInvalidInput is returned for requests the API can never accept, e.g. empty text.
var ErrInvalidInput = errors.New("invalid provider input")

// Client talks to the OpenAI embeddings and chat completion endpoints.
type Client struct {
	apiKey          string
	baseURL         string
	embeddingModel  string
	completionModel string
	maxRetries      int
	httpClient      *http.Client
}

// NewClient creates an OpenAI client from provider configuration.
func NewClient(cfg config.LLMProvider) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = "text-embedding-3-small"
	}
	completionModel := cfg.CompletionModel
	if completionModel == "" {
		completionModel = "gpt-4o-mini"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		apiKey:          cfg.APIKey,
		baseURL:         baseURL,
		embeddingModel:  embeddingModel,
		completionModel: completionModel,
		maxRetries:      retries,
		httpClient:      &http.Client{Timeout: timeout},
	}
}

// CreateEmbedding generates embeddings for the given texts.
func (c *Client) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for _, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("embed batch contains empty text: %w", ErrInvalidInput)
		}
	}

	body := map[string]interface{}{
		"model": c.embeddingModel,
		"input": texts,
	}
	var resp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := c.postJSON(ctx, "/embeddings", body, &resp); err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("create embedding: expected %d vectors, got %d", len(texts), len(resp.Data))
	}
	vecs := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("create embedding: vector index %d out of range", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completion sends a system/user prompt pair and returns the model's reply.
func (c *Client) Completion(ctx context.Context, system, user string) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: user})

	body := map[string]interface{}{
		"model":    c.completionModel,
		"messages": messages,
	}
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := c.postJSON(ctx, "/chat/completions", body, &resp); err != nil {
		return "", fmt.Errorf("completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// postJSON sends a JSON request, retrying transient failures with exponential backoff.
func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			lastErr = c.decode(resp, out)
			if lastErr == nil {
				return nil
			}
			if !retryable(lastErr) {
				return lastErr
			}
		}

		if attempt < c.maxRetries {
			select {
			case <-time.After(300 * time.Millisecond * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func (c *Client) decode(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode >= 500:
		return fmt.Errorf("API returned status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	return strings.Contains(err.Error(), "API returned status 5")
}
