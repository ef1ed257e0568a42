package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/pkoukk/tiktoken-go"

	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/ports/adapter"
	"grading-orchestrator/internal/infra/metrics"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.AIServiceAdapter = (*OpenAIAdapter)(nil)

// OpenAIAdapter talks to any OpenAI-compatible Chat Completions endpoint.
// Retries are disabled in the SDK; the guarded wrapper owns retry policy.
type OpenAIAdapter struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int

	encMu sync.Mutex
	encs  map[string]*tiktoken.Tiktoken
}

type OpenAIOptions struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	HTTPClient  *http.Client
}

func NewOpenAIAdapter(o OpenAIOptions) (*OpenAIAdapter, error) {
	if o.APIKey == "" {
		return nil, errors.New("openai api key empty")
	}
	if o.Model == "" {
		o.Model = "gpt-4o-mini"
	}
	opts := []option.RequestOption{option.WithAPIKey(o.APIKey), option.WithMaxRetries(0)}
	if o.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(o.BaseURL))
	}
	if o.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(o.HTTPClient))
	}
	return &OpenAIAdapter{
		client:      openai.NewClient(opts...),
		model:       o.Model,
		temperature: o.Temperature,
		maxTokens:   o.MaxTokens,
		encs:        make(map[string]*tiktoken.Tiktoken),
	}, nil
}

func (o *OpenAIAdapter) Name() string { return "openai" }

// CountTokens uses the model's tiktoken encoding, falling back to
// cl100k_base for models tiktoken does not know. Images are not counted.
func (o *OpenAIAdapter) CountTokens(_ context.Context, model string, messages []adapter.Message) (int, error) {
	enc, err := o.encoding(modelOrDefault(model, o.model))
	if err != nil {
		return 0, err
	}
	// Per-message framing overhead of the chat format.
	n := 3
	for _, m := range messages {
		n += 4 + len(enc.Encode(m.Role, nil, nil)) + len(enc.Encode(m.Content, nil, nil))
	}
	return n, nil
}

func (o *OpenAIAdapter) encoding(model string) (*tiktoken.Tiktoken, error) {
	o.encMu.Lock()
	defer o.encMu.Unlock()
	if e, ok := o.encs[model]; ok {
		return e, nil
	}
	e, err := tiktoken.EncodingForModel(model)
	if err != nil {
		e, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("tiktoken: %w", err)
		}
	}
	o.encs[model] = e
	return e, nil
}

func (o *OpenAIAdapter) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message) (string, adapter.Usage, error) {
	model = modelOrDefault(model, o.model)
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: toOpenAIMessages(messages),
	}
	params.Temperature = openai.Float(o.temperature)
	if o.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(o.maxTokens))
	}

	start := time.Now()
	resp, err := o.client.Chat.Completions.New(ctx, params)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		err = classifyOpenAI(err)
		metrics.ObserveChatUsage(o.Name(), model, 0, 0, latency, false)
		metrics.IncAICallError(o.Name(), domain.KindOf(err).String())
		return "", adapter.Usage{}, err
	}

	u := adapter.Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}
	metrics.ObserveChatUsage(o.Name(), model, u.PromptTokens, u.CompletionTokens, latency, true)
	for _, c := range resp.Choices {
		if c.Message.Content != "" {
			return c.Message.Content, u, nil
		}
	}
	return "", u, domain.Malformed("openai", errors.New("no choice content"))
}

func toOpenAIMessages(msgs []adapter.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			if len(m.Images) == 0 {
				out = append(out, openai.UserMessage(m.Content))
				continue
			}
			parts := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(m.Content)}
			for _, img := range m.Images {
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: imageURL(img.Ref, img.ContentType, img.Data),
				}))
			}
			out = append(out, openai.UserMessage(parts))
		}
	}
	return out
}

// imageURL sends fetched bytes inline; only a bare remote reference is passed through.
func imageURL(ref, contentType string, data []byte) string {
	if len(data) == 0 {
		return ref
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// classifyOpenAI maps SDK errors onto the domain taxonomy.
func classifyOpenAI(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return classifyStatus("openai", apiErr.StatusCode, apiErr.Response, err)
	}
	// Connection-level failures and deadlines.
	return domain.Transient("openai", err)
}

// classifyStatus is shared by the HTTP-speaking adapters.
func classifyStatus(op string, status int, resp *http.Response, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return domain.Exhausted(op, err, retryAfterHeader(resp))
	case status == http.StatusRequestTimeout || status >= 500:
		return domain.Transient(op, err)
	default:
		return domain.E(domain.KindInternal, op, err)
	}
}

func retryAfterHeader(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v + "s"); err == nil {
		return d
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

func modelOrDefault(model, def string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return def
}
