//go:build !integration

package ai_test

import (
	"context"
	"errors"
	"testing"

	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/ports/adapter"
	ai "grading-orchestrator/internal/infra/adapters/ai"
)

type stubAI struct {
	name         string
	err          error
	ctN          int
	cwuN         int
	lastModelCT  string
	lastModelCWU string
}

func (s *stubAI) Name() string { return s.name }

func (s *stubAI) CountTokens(ctx context.Context, model string, messages []adapter.Message) (int, error) {
	s.ctN++
	s.lastModelCT = model
	return 1, nil
}

func (s *stubAI) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message) (string, adapter.Usage, error) {
	s.cwuN++
	s.lastModelCWU = model
	if s.err != nil {
		return "", adapter.Usage{}, s.err
	}
	return s.name, adapter.Usage{PromptTokens: 1, CompletionTokens: 1}, nil
}

func TestRouting_ExplicitMap_Heuristics_And_Fallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	open := &stubAI{name: "openai"}
	gem := &stubAI{name: "gemini"}

	m := ai.NewMultiAIAdapter(
		"openai",
		map[string]adapter.AIServiceAdapter{"openai": open, "gemini": gem},
		map[string]string{"custom-x": "gemini"},
	)

	// explicit map wins
	_, _ = m.CountTokens(ctx, "custom-x", nil)
	if gem.ctN != 1 || open.ctN != 0 {
		t.Fatalf("explicit map should route to gemini, got open:%d gem:%d", open.ctN, gem.ctN)
	}
	open.ctN, gem.ctN = 0, 0

	// gpt-* -> openai
	_, _, _ = m.ChatWithUsage(ctx, "gpt-4o-mini", nil)
	if open.cwuN != 1 || gem.cwuN != 0 {
		t.Fatalf("heuristic gpt-* should go openai")
	}
	open.cwuN, gem.cwuN = 0, 0

	// gemini-* -> gemini
	_, _, _ = m.ChatWithUsage(ctx, "gemini-1.5-flash", nil)
	if gem.cwuN != 1 || open.cwuN != 0 {
		t.Fatalf("heuristic gemini-* should go gemini")
	}

	// unknown -> default provider (openai)
	open.ctN, gem.ctN = 0, 0
	_, _ = m.CountTokens(ctx, "unknown", nil)
	if open.ctN != 1 || gem.ctN != 0 {
		t.Fatalf("unknown model should go to default provider (openai)")
	}
}

func TestFailover(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("transient fails over with the default model", func(t *testing.T) {
		open := &stubAI{name: "openai", err: domain.Transient("openai", errors.New("502"))}
		gem := &stubAI{name: "gemini"}
		m := ai.NewMultiAIAdapter("openai", map[string]adapter.AIServiceAdapter{"openai": open, "gemini": gem}, nil)

		reply, _, err := m.ChatWithUsage(ctx, "gpt-4o", nil)
		if err != nil || reply != "gemini" {
			t.Fatalf("got %q %v", reply, err)
		}
		if gem.lastModelCWU != "" {
			t.Fatalf("failover passed model %q", gem.lastModelCWU)
		}
	})

	t.Run("internal errors do not fail over", func(t *testing.T) {
		open := &stubAI{name: "openai", err: domain.E(domain.KindInternal, "openai", errors.New("400"))}
		gem := &stubAI{name: "gemini"}
		m := ai.NewMultiAIAdapter("openai", map[string]adapter.AIServiceAdapter{"openai": open, "gemini": gem}, nil)

		if _, _, err := m.ChatWithUsage(ctx, "gpt-4o", nil); err == nil {
			t.Fatal("want error")
		}
		if gem.cwuN != 0 {
			t.Fatal("failed over on a non-retryable error")
		}
	})

	t.Run("original error when every provider fails", func(t *testing.T) {
		busy := domain.Exhausted("openai", errors.New("429"), 0)
		open := &stubAI{name: "openai", err: busy}
		gem := &stubAI{name: "gemini", err: domain.Transient("gemini", errors.New("503"))}
		m := ai.NewMultiAIAdapter("openai", map[string]adapter.AIServiceAdapter{"openai": open, "gemini": gem}, nil)

		_, _, err := m.ChatWithUsage(ctx, "", nil)
		if !domain.IsKind(err, domain.KindResourceExhausted) {
			t.Fatalf("got %v", err)
		}
	})
}
