// File: internal/infra/adapters/ai/gemini_adapter.go
package ai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/ports/adapter"
	"grading-orchestrator/internal/infra/metrics"
)

var _ adapter.AIServiceAdapter = (*GeminiAdapter)(nil)

type GeminiAdapter struct {
	client       *genai.Client
	defaultModel string
	temperature  float32
	maxOut       int
}

// NewGeminiAdapter creates a Gemini adapter using the official SDK.
func NewGeminiAdapter(ctx context.Context, apiKey, baseURL, defaultModel string, temperature float64, maxOut int) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: baseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	return &GeminiAdapter{client: c, defaultModel: defaultModel, temperature: float32(temperature), maxOut: maxOut}, nil
}

func (g *GeminiAdapter) Name() string { return "gemini" }

func (g *GeminiAdapter) CountTokens(ctx context.Context, model string, messages []adapter.Message) (int, error) {
	system, contents := toGenAIContents(messages)
	if system != nil {
		// CountTokens has no system slot on the Gemini API; count it as a turn.
		contents = append([]*genai.Content{{Role: genai.RoleUser, Parts: system.Parts}}, contents...)
	}
	resp, err := g.client.Models.CountTokens(ctx, modelOrDefault(model, g.defaultModel), contents, nil)
	if err != nil {
		return 0, classifyGemini(err)
	}
	return int(resp.TotalTokens), nil
}

func (g *GeminiAdapter) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message) (string, adapter.Usage, error) {
	if len(messages) == 0 {
		return "", adapter.Usage{}, domain.E(domain.KindInternal, "gemini", errors.New("no messages"))
	}
	model = modelOrDefault(model, g.defaultModel)
	system, contents := toGenAIContents(messages)

	temp := g.temperature
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Temperature:       &temp,
		ResponseMIMEType:  "application/json",
	}
	if g.maxOut > 0 {
		cfg.MaxOutputTokens = int32(g.maxOut)
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, model, contents, cfg)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		err = classifyGemini(err)
		metrics.ObserveChatUsage(g.Name(), model, 0, 0, latency, false)
		metrics.IncAICallError(g.Name(), domain.KindOf(err).String())
		return "", adapter.Usage{}, err
	}

	u := adapter.Usage{}
	if resp.UsageMetadata != nil {
		u.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		u.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		u.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	metrics.ObserveChatUsage(g.Name(), model, u.PromptTokens, u.CompletionTokens, latency, true)

	text := resp.Text()
	if text == "" {
		return "", u, domain.Malformed("gemini", errors.New("empty candidate"))
	}
	return text, u, nil
}

// toGenAIContents lifts system turns into the system instruction; Gemini has
// no system role in the conversation itself.
func toGenAIContents(msgs []adapter.Message) (*genai.Content, []*genai.Content) {
	var system *genai.Content
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "system":
			if system == nil {
				system = &genai.Content{}
			}
			system.Parts = append(system.Parts, genai.NewPartFromText(m.Content))
			continue
		case "assistant", "model":
			out = append(out, genai.NewContentFromText(m.Content, genai.RoleModel))
			continue
		}
		parts := []*genai.Part{genai.NewPartFromText(m.Content)}
		for _, img := range m.Images {
			mime := img.ContentType
			if img.HasData() {
				if mime == "" {
					mime = http.DetectContentType(img.Data)
				}
				parts = append(parts, genai.NewPartFromBytes(img.Data, mime))
				continue
			}
			if mime == "" {
				mime = "image/jpeg"
			}
			parts = append(parts, genai.NewPartFromURI(img.Ref, mime))
		}
		out = append(out, genai.NewContentFromParts(parts, genai.RoleUser))
	}
	return system, out
}

func classifyGemini(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus("gemini", apiErr.Code, nil, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return classifyStatus("gemini", apiErrPtr.Code, nil, err)
	}
	return domain.Transient("gemini", err)
}
