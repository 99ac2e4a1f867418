package ai

import (
	"context"
	"math"
	"time"
	"unicode/utf8"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completion is one generated reply plus what it cost to produce.
type Completion struct {
	Text             string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	Latency          time.Duration
}

func (c *Completion) TokenCount() int64 { return c.PromptTokens + c.CompletionTokens }

type Provider interface {
	Chat(ctx context.Context, messages []Message) (*Completion, error)
}

// Embedder is optional; providers that can embed text implement it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EstimateTokens approximates a token count at four characters per token, for
// providers that do not report usage.
func EstimateTokens(s string) int64 {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return int64(math.Ceil(float64(n) / 4))
}

func estimateUsage(c *Completion, messages []Message) {
	if c.PromptTokens == 0 {
		for _, m := range messages {
			c.PromptTokens += EstimateTokens(m.Content)
		}
	}
	if c.CompletionTokens == 0 {
		c.CompletionTokens = EstimateTokens(c.Text)
	}
}
