package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIInvoke(t *testing.T) {
	var captured oaRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization = %q, want bearer test-key", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "verdict text"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 42, "completion_tokens": 7}
		}`))
	}))
	defer server.Close()

	provider, err := NewOpenAI(ProviderOptions{BaseURL: server.URL, APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewOpenAI returned error: %v", err)
	}

	resp, err := provider.Invoke(context.Background(), Request{
		Model:     "gpt-test",
		System:    "be terse",
		Payload:   "summarize",
		MaxTokens: 700,
	})
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}

	if resp.Content != "verdict text" {
		t.Errorf("content = %q, want %q", resp.Content, "verdict text")
	}
	if resp.FinishReason != FinishComplete {
		t.Errorf("finish reason = %q, want %q", resp.FinishReason, FinishComplete)
	}
	if resp.Usage.InputTokens != 42 || resp.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v, want 42/7", resp.Usage)
	}

	if captured.Model != "gpt-test" || captured.MaxTokens != 700 {
		t.Errorf("request = %+v, want model gpt-test with 700 max tokens", captured)
	}
	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" || captured.Messages[1].Role != "user" {
		t.Errorf("messages = %+v, want system then user", captured.Messages)
	}
}

func TestOpenAITruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "cut off"}, "finish_reason": "length"}]}`))
	}))
	defer server.Close()

	provider, err := NewOpenAI(ProviderOptions{BaseURL: server.URL, APIKey: "k"})
	if err != nil {
		t.Fatalf("NewOpenAI returned error: %v", err)
	}

	resp, err := provider.Invoke(context.Background(), Request{Model: "m", Payload: "p"})
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}
	if resp.FinishReason != FinishTruncated {
		t.Errorf("finish reason = %q, want %q", resp.FinishReason, FinishTruncated)
	}
}

func TestOpenAIStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, ErrRateLimited},
		{"unauthorized", http.StatusUnauthorized, ErrAuth},
		{"forbidden", http.StatusForbidden, ErrAuth},
		{"server error", http.StatusInternalServerError, ErrUpstream},
		{"gateway timeout", http.StatusGatewayTimeout, ErrUpstream},
		{"request timeout", http.StatusRequestTimeout, ErrUpstream},
		{"bad request", http.StatusBadRequest, ErrBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "upstream says no", tt.status)
			}))
			defer server.Close()

			provider, err := NewOpenAI(ProviderOptions{BaseURL: server.URL, APIKey: "k"})
			if err != nil {
				t.Fatalf("NewOpenAI returned error: %v", err)
			}

			_, err = provider.Invoke(context.Background(), Request{Model: "m", Payload: "p"})
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestOpenAINoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	defer server.Close()

	provider, err := NewOpenAI(ProviderOptions{BaseURL: server.URL, APIKey: "k"})
	if err != nil {
		t.Fatalf("NewOpenAI returned error: %v", err)
	}

	_, err = provider.Invoke(context.Background(), Request{Model: "m", Payload: "p"})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("error = %v, want ErrEmptyResponse", err)
	}
}

func TestOpenAIMissingKey(t *testing.T) {
	_, err := NewOpenAI(ProviderOptions{})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("error = %v, want ErrAuth", err)
	}
}

func TestProviderKeyEnvPrecedence(t *testing.T) {
	t.Setenv("ARBITER_TEST_KEY", "from-env")

	opts := ProviderOptions{APIKey: "from-file", APIKeyEnv: "ARBITER_TEST_KEY"}
	if got := opts.key(); got != "from-env" {
		t.Errorf("key() = %q, want from-env", got)
	}

	opts.APIKeyEnv = "ARBITER_TEST_KEY_UNSET"
	if got := opts.key(); got != "from-file" {
		t.Errorf("key() with unset env = %q, want from-file", got)
	}
}

func TestGeminiInvoke(t *testing.T) {
	var captured gmRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-pro:generateContent" {
			t.Errorf("path = %q, want /models/gemini-pro:generateContent", r.URL.Path)
		}
		if got := r.Header.Get("x-goog-api-key"); got != "test-key" {
			t.Errorf("api key header = %q, want test-key", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}

		_, _ = w.Write([]byte(`{
			"candidates": [{
				"content": {"parts": [{"text": "two "}, {"text": "parts"}]},
				"finishReason": "STOP"
			}],
			"usageMetadata": {"promptTokenCount": 30, "candidatesTokenCount": 9}
		}`))
	}))
	defer server.Close()

	provider, err := NewGemini(ProviderOptions{BaseURL: server.URL, APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewGemini returned error: %v", err)
	}

	resp, err := provider.Invoke(context.Background(), Request{
		Model:   "gemini-pro",
		System:  "be terse",
		Payload: "summarize",
	})
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}

	if resp.Content != "two parts" {
		t.Errorf("content = %q, want %q", resp.Content, "two parts")
	}
	if resp.FinishReason != FinishComplete {
		t.Errorf("finish reason = %q, want %q", resp.FinishReason, FinishComplete)
	}
	if resp.Usage.InputTokens != 30 || resp.Usage.OutputTokens != 9 {
		t.Errorf("usage = %+v, want 30/9", resp.Usage)
	}

	if captured.SystemInstruction == nil {
		t.Error("system instruction not forwarded")
	}
}

func TestGeminiTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": "cut"}]}, "finishReason": "MAX_TOKENS"}]}`))
	}))
	defer server.Close()

	provider, err := NewGemini(ProviderOptions{BaseURL: server.URL, APIKey: "k"})
	if err != nil {
		t.Fatalf("NewGemini returned error: %v", err)
	}

	resp, err := provider.Invoke(context.Background(), Request{Model: "m", Payload: "p"})
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}
	if resp.FinishReason != FinishTruncated {
		t.Errorf("finish reason = %q, want %q", resp.FinishReason, FinishTruncated)
	}
}
