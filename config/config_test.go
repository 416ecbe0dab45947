package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
storage:
  postgres:
    host: localhost
    dbname: contextd
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Ingest.MaxChunkTokens != 200 {
		t.Fatalf("expected default max_chunk_tokens 200, got %d", cfg.Ingest.MaxChunkTokens)
	}
	if cfg.Retrieval.TopKPerVariant != 10 || cfg.Retrieval.MaxExpansions != 3 {
		t.Fatalf("retrieval defaults not applied: %+v", cfg.Retrieval)
	}
	if cfg.Fallback.Capacity != 10000 || cfg.Fallback.LatencyBudget != 2*time.Second {
		t.Fatalf("fallback defaults not applied: %+v", cfg.Fallback)
	}
	w := cfg.Retrieval.Weights
	if sum := w.Similarity + w.Consensus + w.Metadata; sum < 0.999 || sum > 1.001 {
		t.Fatalf("weights must normalize to 1, got %v", sum)
	}
}

func TestLoadConfigRejectsBadOverlap(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+`
ingest:
  max_chunk_tokens: 50
  overlap_tokens: 50
`))
	if err == nil {
		t.Fatal("expected error for overlap >= max tokens")
	}
}

func TestLoadConfigRequiresPostgres(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
general:
  debug: true
`))
	if err == nil {
		t.Fatal("expected error for missing postgres settings")
	}
}

func TestRerankWeightsNormalize(t *testing.T) {
	w := RerankWeights{Similarity: 2, Consensus: 1, Metadata: 1}.Normalize()
	if w.Similarity != 0.5 || w.Consensus != 0.25 || w.Metadata != 0.25 {
		t.Fatalf("unexpected normalization: %+v", w)
	}
	def := RerankWeights{}.Normalize()
	if def.Similarity != 0.6 || def.Consensus != 0.25 || def.Metadata != 0.15 {
		t.Fatalf("unexpected defaults: %+v", def)
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", User: "u", Password: "p", DBName: "ctx"}
	want := "postgres://u:p@db:5432/ctx?sslmode=disable"
	if got := p.DSN(); got != want {
		t.Fatalf("DSN = %q, want %q", got, want)
	}
	p.URL = "postgres://explicit"
	if p.DSN() != "postgres://explicit" {
		t.Fatalf("explicit url must win")
	}
}
