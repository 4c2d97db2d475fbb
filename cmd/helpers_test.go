package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/strain-refinery/internal/config"
	"github.com/sells-group/strain-refinery/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(dir, "refinery.db")},
		Anthropic: config.AnthropicConfig{
			Model:               "claude-haiku-4-5-20251001",
			MaxTokens:           2048,
			MaxBatchSize:        100,
			SmallBatchThreshold: 3,
		},
		Pipeline: config.PipelineConfig{
			Workers:               2,
			SanitizeMaxChars:      3000,
			IncompleteThreshold:   0.2,
			CompletenessThreshold: 0.5,
			RoundNumberMargin:     0.35,
			RoundNumberMinValues:  4,
		},
		Retry:  config.RetryConfig{MaxAttempts: 3, InitialBackoffMs: 1, MaxBackoffMs: 5, Multiplier: 2},
		DLQ:    config.DLQConfig{MaxRetries: 3},
		Cache:  config.CacheConfig{ExtractionTTLHours: 1},
		Output: config.OutputConfig{GoldPath: filepath.Join(dir, "gold.jsonl"), FailuresPath: filepath.Join(dir, "failures.jsonl")},
		Server: config.ServerConfig{Port: 8080},
		Log:    config.LogConfig{Level: "info", Format: "json"},
	}
}

func testStore(t *testing.T) store.Store {
	t.Helper()
	st, err := initStore(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	return st
}
