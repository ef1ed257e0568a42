// File: internal/infra/adapters/ai/multi_adapter.go
package ai

import (
	"context"
	"errors"
	"strings"

	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/ports/adapter"
)

var _ adapter.AIServiceAdapter = (*MultiAIAdapter)(nil)

// MultiAIAdapter routes each call to a provider by model name. When the
// routed provider is unavailable or exhausted, the call fails over once to
// the other providers with their default model.
type MultiAIAdapter struct {
	defaultProvider string // e.g., "openai" or "gemini"
	byProvider      map[string]adapter.AIServiceAdapter
	modelToProvider map[string]string // model -> provider ("openai" | "gemini")
	order           []string
}

// NewMultiAIAdapter does not inject any default model; it only knows a default provider.
// Each provider adapter is responsible for its own default model.
func NewMultiAIAdapter(
	defaultProvider string,
	byProvider map[string]adapter.AIServiceAdapter,
	modelToProvider map[string]string,
) *MultiAIAdapter {
	m := &MultiAIAdapter{
		defaultProvider: strings.ToLower(defaultProvider),
		byProvider:      byProvider,
		modelToProvider: modelToProvider,
	}
	// Deterministic failover order: default first, then the rest by name.
	if byProvider[m.defaultProvider] != nil {
		m.order = append(m.order, m.defaultProvider)
	}
	for _, p := range []string{"gemini", "openai"} {
		if p != m.defaultProvider && byProvider[p] != nil {
			m.order = append(m.order, p)
		}
	}
	for p, a := range byProvider {
		if a != nil && p != m.defaultProvider && p != "gemini" && p != "openai" {
			m.order = append(m.order, p)
		}
	}
	return m
}

func (m *MultiAIAdapter) Name() string { return "multi" }

func (m *MultiAIAdapter) resolveProvider(model string) string {
	if p := m.modelToProvider[model]; p != "" {
		return strings.ToLower(p)
	}
	l := strings.ToLower(model)
	switch {
	case strings.HasPrefix(l, "gemini"):
		return "gemini"
	case strings.HasPrefix(l, "gpt"), strings.HasPrefix(l, "o1"), strings.HasPrefix(l, "o3"), strings.HasPrefix(l, "o4"):
		return "openai"
	default:
		return m.defaultProvider
	}
}

func (m *MultiAIAdapter) pick(model string) (string, adapter.AIServiceAdapter) {
	prov := m.resolveProvider(model)
	if a := m.byProvider[prov]; a != nil {
		return prov, a
	}
	// last resort: first available
	if len(m.order) > 0 {
		return m.order[0], m.byProvider[m.order[0]]
	}
	return "", nil
}

var errNoProvider = errors.New("no reasoning provider configured")

func (m *MultiAIAdapter) CountTokens(ctx context.Context, model string, messages []adapter.Message) (int, error) {
	_, a := m.pick(model)
	if a == nil {
		return 0, domain.E(domain.KindInternal, "multi", errNoProvider)
	}
	return a.CountTokens(ctx, model, messages)
}

func (m *MultiAIAdapter) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message) (string, adapter.Usage, error) {
	prov, a := m.pick(model)
	if a == nil {
		return "", adapter.Usage{}, domain.E(domain.KindInternal, "multi", errNoProvider)
	}
	reply, u, err := a.ChatWithUsage(ctx, model, messages)
	if err == nil || !failover(err) {
		return reply, u, err
	}
	for _, p := range m.order {
		if p == prov {
			continue
		}
		// The other provider does not know this model name; use its default.
		if r, u2, err2 := m.byProvider[p].ChatWithUsage(ctx, "", messages); err2 == nil {
			return r, u2, nil
		}
	}
	return reply, u, err
}

func failover(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindTransient, domain.KindResourceExhausted:
		return !errors.Is(err, context.Canceled)
	}
	return false
}
