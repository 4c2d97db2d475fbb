package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/strain-refinery/pkg/anthropic"
)

// --- Anthropic Mock ---

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func (m *mockAnthropicClient) CreateBatch(ctx context.Context, req anthropic.BatchRequest) (*anthropic.BatchResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.BatchResponse), args.Error(1)
}

func (m *mockAnthropicClient) GetBatch(ctx context.Context, batchID string) (*anthropic.BatchResponse, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.BatchResponse), args.Error(1)
}

func (m *mockAnthropicClient) GetBatchResults(ctx context.Context, batchID string) (anthropic.BatchResultIterator, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(anthropic.BatchResultIterator), args.Error(1)
}

// --- Batch Result Iterator Mock ---

type mockBatchResultIterator struct {
	items []anthropic.BatchResultItem
	idx   int
}

func newMockBatchIterator(items []anthropic.BatchResultItem) *mockBatchResultIterator {
	return &mockBatchResultIterator{items: items, idx: -1}
}

func (m *mockBatchResultIterator) Next() bool {
	m.idx++
	return m.idx < len(m.items)
}

func (m *mockBatchResultIterator) Item() anthropic.BatchResultItem {
	return m.items[m.idx]
}

func (m *mockBatchResultIterator) Err() error {
	return nil
}

func (m *mockBatchResultIterator) Close() error {
	return nil
}

// --- Extraction Cache ---

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (c *memCache) GetExtraction(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[key], nil
}

func (c *memCache) SetExtraction(_ context.Context, key string, data []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = append([]byte(nil), data...)
	c.sets++
	return nil
}

// --- Ensure interface compliance ---
var (
	_ anthropic.Client              = (*mockAnthropicClient)(nil)
	_ anthropic.BatchResultIterator = (*mockBatchResultIterator)(nil)
	_ ExtractionCache               = (*memCache)(nil)
)
