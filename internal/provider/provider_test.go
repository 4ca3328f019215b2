package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestNewUnknownProvider(t *testing.T) {
	if _, err := New(Config{Provider: "palm"}); err == nil {
		t.Error("unknown provider must be rejected")
	}
}

func TestNewVariants(t *testing.T) {
	for _, p := range []string{"openai", "groq", "ollama", "anthropic"} {
		if _, err := New(Config{Provider: p, Model: "m"}); err != nil {
			t.Errorf("New(%q): %v", p, err)
		}
	}
}

func chatCompletion(content string) string {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{
			"message": map[string]any{"content": content},
		}},
	})
	return string(body)
}

func TestOpenAIInvoke(t *testing.T) {
	var gotAuth string
	var gotReq chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Write([]byte(chatCompletion("  hello back  ")))
	}))
	defer srv.Close()

	inv, err := New(Config{
		Provider: "openai", Model: "gpt-4o-mini", APIKey: "sk-test",
		Endpoint: srv.URL, Temperature: 0.3, MaxTokens: 256,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text, err := inv.Invoke(context.Background(), []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if text != "hello back" {
		t.Errorf("reply not trimmed: %q", text)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("missing bearer auth: %q", gotAuth)
	}
	if gotReq.Model != "gpt-4o-mini" || gotReq.Temperature != 0.3 || gotReq.MaxTokens != 256 {
		t.Errorf("request config not carried: %+v", gotReq)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Errorf("messages not forwarded: %+v", gotReq.Messages)
	}
}

func TestOpenAIRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(chatCompletion("after retry")))
	}))
	defer srv.Close()

	inv, _ := New(Config{Provider: "openai", Model: "m", Endpoint: srv.URL})
	text, err := inv.Invoke(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if text != "after retry" {
		t.Errorf("unexpected reply %q", text)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 1 retry, got %d calls", calls.Load())
	}
}

func TestOpenAIGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	inv, _ := New(Config{Provider: "openai", Model: "m", Endpoint: srv.URL})
	_, err := inv.Invoke(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("expected rate limit error, got %v", err)
	}
	if calls.Load() != maxRetries {
		t.Errorf("expected %d attempts, got %d", maxRetries, calls.Load())
	}
}

func TestOpenAINoRetryOnOtherErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	inv, _ := New(Config{Provider: "openai", Model: "m", Endpoint: srv.URL})
	_, err := inv.Invoke(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("non-429 errors must not retry, got %d calls", calls.Load())
	}
}

func TestAnthropicHoistsSystem(t *testing.T) {
	var gotReq anthropicRequest
	var gotKey, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Write([]byte(`{"content": [{"type": "text", "text": "claude says hi"}]}`))
	}))
	defer srv.Close()

	inv, _ := New(Config{Provider: "anthropic", Model: "claude", APIKey: "ak-test", Endpoint: srv.URL})
	text, err := inv.Invoke(context.Background(), []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if text != "claude says hi" {
		t.Errorf("unexpected reply %q", text)
	}
	if gotKey != "ak-test" || gotVersion != anthropicVersion {
		t.Errorf("missing auth headers: %q / %q", gotKey, gotVersion)
	}
	if gotReq.System != "be brief" {
		t.Errorf("system not hoisted: %q", gotReq.System)
	}
	for _, m := range gotReq.Messages {
		if m.Role == "system" {
			t.Error("system message leaked into the messages array")
		}
	}
	if len(gotReq.Messages) != 2 {
		t.Errorf("expected 2 chat messages, got %d", len(gotReq.Messages))
	}
}

func TestAnthropicEmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content": []}`))
	}))
	defer srv.Close()

	inv, _ := New(Config{Provider: "anthropic", Model: "claude", Endpoint: srv.URL})
	if _, err := inv.Invoke(context.Background(), []Message{{Role: "user", Content: "hi"}}); err == nil {
		t.Error("empty content must be an error")
	}
}
