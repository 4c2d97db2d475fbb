package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/strain-refinery/internal/config"
	"github.com/sells-group/strain-refinery/internal/model"
	"github.com/sells-group/strain-refinery/internal/registry"
	"github.com/sells-group/strain-refinery/internal/resilience"
	"github.com/sells-group/strain-refinery/internal/store"
	"github.com/sells-group/strain-refinery/pkg/anthropic"
)

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func testTable(t *testing.T) *model.AttributeTable {
	t.Helper()
	table, err := registry.LoadDefault()
	require.NoError(t, err)
	return table
}

func descriptor(t *testing.T, table *model.AttributeTable, name string) *model.AttributeDescriptor {
	t.Helper()
	d := table.ByName(name)
	require.NotNil(t, d, "attribute %s", name)
	return d
}

// fastPolicy retries quickly so retry paths finish in milliseconds.
func fastPolicy() resilience.Policy {
	return resilience.Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: ":memory:"},
		Anthropic: config.AnthropicConfig{
			Model:               "claude-haiku-4-5-20251001",
			MaxTokens:           2048,
			MaxBatchSize:        100,
			SmallBatchThreshold: 3,
			NoBatch:             true,
		},
		Pipeline: config.PipelineConfig{
			Workers:               4,
			SanitizeMaxChars:      3000,
			IncompleteThreshold:   0.2,
			CompletenessThreshold: 0.5,
			RoundNumberMargin:     0.35,
			RoundNumberMinValues:  4,
		},
		Retry: config.RetryConfig{
			MaxAttempts:      3,
			InitialBackoffMs: 1,
			MaxBackoffMs:     5,
			Multiplier:       2,
		},
		DLQ:   config.DLQConfig{MaxRetries: 3},
		Cache: config.CacheConfig{ExtractionTTLHours: 1},
	}
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "refinery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func textResponse(body string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content:    []anthropic.ContentBlock{{Type: "text", Text: body}},
		StopReason: "end_turn",
		Usage:      anthropic.TokenUsage{InputTokens: 1000, OutputTokens: 200},
	}
}

// forListing matches a CreateMessage request carrying text as the user turn.
func forListing(text string) any {
	return mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return len(req.Messages) == 1 && req.Messages[0].Content == text
	})
}

func rangeAttr(name string, lo, hi float64) *model.StandardizedAttribute {
	return &model.StandardizedAttribute{
		Name:     name,
		Kind:     model.KindRange,
		ValueMin: &lo,
		ValueMax: &hi,
	}
}

func pointAttr(name string, v float64) *model.StandardizedAttribute {
	return &model.StandardizedAttribute{
		Name:           name,
		Kind:           model.KindPoint,
		CanonicalValue: &v,
	}
}

func bronzeRecord(id string, fields map[string]string, sources map[string]string) model.BronzeRecord {
	return model.BronzeRecord{
		ID:                  id,
		StrainName:          "Strain " + id,
		SourceURL:           "https://breeder.example/strains/" + id,
		ExtractionTimestamp: "2026-03-01T10:00:00Z",
		RawFields:           fields,
		RawSources:          sources,
	}
}
