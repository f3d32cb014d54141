package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// ProviderOptions configures an HTTP model provider. APIKeyEnv takes
// precedence over APIKey so credentials stay out of config files.
type ProviderOptions struct {
	BaseURL      string            `toml:"base_url"`
	APIKey       string            `toml:"api_key"`
	APIKeyEnv    string            `toml:"api_key_env"`
	Timeout      string            `toml:"timeout"`
	ExtraHeaders map[string]string `toml:"extra_headers"`
}

func (o *ProviderOptions) key() string {
	if o.APIKeyEnv != "" {
		if v := os.Getenv(o.APIKeyEnv); v != "" {
			return v
		}
	}
	return o.APIKey
}

func (o *ProviderOptions) timeout() time.Duration {
	if d, err := time.ParseDuration(o.Timeout); err == nil && d > 0 {
		return d
	}
	return 120 * time.Second
}

type openAI struct {
	url     string
	apiKey  string
	headers map[string]string
	hc      *http.Client
}

// NewOpenAI creates a provider speaking the OpenAI chat-completions wire
// format. OpenRouter, Azure OpenAI, and self-hosted gateways all accept the
// same shape through base_url and extra_headers.
func NewOpenAI(opts ProviderOptions) (Provider, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	key := opts.key()
	if key == "" {
		return nil, fmt.Errorf("openai provider: %w: missing api key", ErrAuth)
	}

	return &openAI{
		url:     strings.TrimRight(opts.BaseURL, "/") + "/chat/completions",
		apiKey:  key,
		headers: opts.ExtraHeaders,
		hc:      &http.Client{Timeout: opts.timeout()},
	}, nil
}

func (p *openAI) Name() string { return "openai" }

type oaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaRequest struct {
	Model       string      `json:"model"`
	Messages    []oaMessage `json:"messages"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Temperature float64     `json:"temperature"`
}

type oaResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *openAI) Invoke(ctx context.Context, req Request) (*Response, error) {
	payload := oaRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.System != "" {
		payload.Messages = append(payload.Messages, oaMessage{Role: "system", Content: req.System})
	}
	payload.Messages = append(payload.Messages, oaMessage{Role: "user", Content: req.Payload})

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range p.headers {
		if k != "" {
			httpReq.Header.Set(k, v)
		}
	}

	resp, err := p.hc.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var decoded oaResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", ErrResponseInvalid)
	}
	if len(decoded.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	choice := decoded.Choices[0]
	return &Response{
		Content:      choice.Message.Content,
		FinishReason: mapOpenAIFinish(choice.FinishReason),
		Usage: Usage{
			InputTokens:  decoded.Usage.PromptTokens,
			OutputTokens: decoded.Usage.CompletionTokens,
		},
	}, nil
}

func mapOpenAIFinish(reason string) FinishReason {
	switch reason {
	case "stop":
		return FinishComplete
	case "length":
		return FinishTruncated
	default:
		return FinishOther
	}
}

// classifyStatus maps a non-2xx response to the package sentinels: 429 to
// rate limiting, 401/403 to auth, 408/5xx to upstream failure, remaining
// 4xx to request rejection. A short slice of the body rides along for
// operator logs.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}

	slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	msg := strings.TrimSpace(string(slurp))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode/100 == 5:
		return fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrBadRequest, resp.StatusCode, msg)
	}
}
