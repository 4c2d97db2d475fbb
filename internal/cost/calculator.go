// Package cost prices extraction token usage.
package cost

import (
	"sync"

	"github.com/sells-group/strain-refinery/pkg/anthropic"
)

// Rates holds per-model pricing configuration.
type Rates struct {
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	BatchDiscount float64 `yaml:"batch_discount" mapstructure:"batch_discount"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost of one call. Unknown models cost 0.
func (c *Calculator) Claude(model string, isBatch bool, u anthropic.TokenUsage) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}

	mul := 1.0
	if isBatch && rate.BatchDiscount > 0 {
		mul = rate.BatchDiscount
	}

	perTok := func(n int64, price float64) float64 {
		return (float64(n) / 1e6) * price * mul
	}
	return perTok(u.InputTokens, rate.Input) +
		perTok(u.OutputTokens, rate.Output) +
		perTok(u.CacheCreationInputTokens, rate.Input*rate.CacheWriteMul) +
		perTok(u.CacheReadInputTokens, rate.Input*rate.CacheReadMul)
}

// Ledger accumulates usage and cost across concurrent extraction calls.
type Ledger struct {
	calc  *Calculator
	mu    sync.Mutex
	usage anthropic.TokenUsage
	usd   float64
	calls int
}

// NewLedger creates an empty Ledger priced by calc.
func NewLedger(calc *Calculator) *Ledger {
	return &Ledger{calc: calc}
}

// Record adds one call's usage and returns its cost.
func (l *Ledger) Record(model string, isBatch bool, u anthropic.TokenUsage) float64 {
	usd := l.calc.Claude(model, isBatch, u)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.usage.Add(u)
	l.usd += usd
	l.calls++
	return usd
}

// Totals returns the accumulated usage, cost and call count.
func (l *Ledger) Totals() (anthropic.TokenUsage, float64, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usage, l.usd, l.calls
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 1.00, Output: 5.00,
				BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
	}
}
