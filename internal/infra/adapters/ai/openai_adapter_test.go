//go:build !integration

package ai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/domain/ports/adapter"
)

const completionBody = `{
  "id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
  "choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "{\"score\": 4}"}}],
  "usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
}`

func newTestOpenAI(t *testing.T, h http.HandlerFunc) *OpenAIAdapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	a, err := NewOpenAIAdapter(OpenAIOptions{APIKey: "test", BaseURL: srv.URL + "/v1/", Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return a
}

func TestOpenAIAdapter_Chat(t *testing.T) {
	var got map[string]any
	a := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completionBody)
	})

	msgs := []adapter.Message{
		{Role: "system", Content: "grade"},
		{Role: "user", Content: "answer", Images: []model.Image{{Ref: "s3://b/k.png", ContentType: "image/png", Data: []byte("png")}}},
	}
	reply, u, err := a.ChatWithUsage(context.Background(), "", msgs)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if reply != `{"score": 4}` || u.PromptTokens != 12 || u.TotalTokens != 17 {
		t.Fatalf("reply %q usage %+v", reply, u)
	}
	if got["model"] != "gpt-4o-mini" {
		t.Fatalf("model: %v", got["model"])
	}
	raw, _ := json.Marshal(got["messages"])
	if !strings.Contains(string(raw), "data:image/png;base64,") {
		t.Fatalf("image not inlined: %s", raw)
	}
}

func TestOpenAIAdapter_ErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		header map[string]string
		kind   domain.Kind
		retry  time.Duration
	}{
		{"rate limited", http.StatusTooManyRequests, map[string]string{"Retry-After": "7"}, domain.KindResourceExhausted, 7 * time.Second},
		{"server error", http.StatusBadGateway, nil, domain.KindTransient, 0},
		{"timeout", http.StatusRequestTimeout, nil, domain.KindTransient, 0},
		{"bad request", http.StatusBadRequest, nil, domain.KindInternal, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, `{"error": {"message": "nope", "type": "test"}}`)
			})
			_, _, err := a.ChatWithUsage(context.Background(), "", []adapter.Message{{Role: "user", Content: "x"}})
			if domain.KindOf(err) != tc.kind {
				t.Fatalf("kind: want %v, got %v (%v)", tc.kind, domain.KindOf(err), err)
			}
			if tc.retry > 0 && domain.RetryAfter(err, 0) != tc.retry {
				t.Fatalf("retry after: %v", domain.RetryAfter(err, 0))
			}
		})
	}
}

func TestOpenAIAdapter_CountTokens(t *testing.T) {
	a, err := NewOpenAIAdapter(OpenAIOptions{APIKey: "test", Model: "not-a-known-model"})
	if err != nil {
		t.Fatal(err)
	}
	short, err := a.CountTokens(context.Background(), "", []adapter.Message{{Role: "user", Content: "hello"}})
	if err != nil {
		// The BPE ranks are fetched on first use.
		t.Skipf("encoding unavailable: %v", err)
	}
	long, _ := a.CountTokens(context.Background(), "", []adapter.Message{{Role: "user", Content: strings.Repeat("hello world ", 50)}})
	if short <= 0 || long <= short {
		t.Fatalf("counts: short %d long %d", short, long)
	}
}
