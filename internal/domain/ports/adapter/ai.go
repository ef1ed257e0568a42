package adapter

import (
	"context"

	"grading-orchestrator/internal/domain/model"
)

// Message is one chat turn. Images are attached to user turns only; an image
// with Data is sent inline, otherwise by its remote reference.
type Message struct {
	Role    string        `json:"role"` // "user", "assistant", "system"
	Content string        `json:"content"`
	Images  []model.Image `json:"-"`
}

// Usage for a single chat call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// AIServiceAdapter is the port for the reasoning service.
type AIServiceAdapter interface {
	Name() string

	// CountTokens returns prompt tokens for the provided messages
	// (provider-specific counting; best-effort when exact isn't available).
	CountTokens(ctx context.Context, model string, messages []Message) (int, error)

	// ChatWithUsage returns assistant text + usage as reported by the provider.
	ChatWithUsage(ctx context.Context, model string, messages []Message) (string, Usage, error)
}
