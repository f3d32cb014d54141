package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type gemini struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

// NewGemini creates a provider speaking the Gemini generateContent wire
// format.
func NewGemini(opts ProviderOptions) (Provider, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	key := opts.key()
	if key == "" {
		return nil, fmt.Errorf("gemini provider: %w: missing api key", ErrAuth)
	}

	return &gemini{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  key,
		hc:      &http.Client{Timeout: opts.timeout()},
	}, nil
}

func (p *gemini) Name() string { return "gemini" }

type gmPart struct {
	Text string `json:"text"`
}

type gmContent struct {
	Role  string   `json:"role,omitempty"`
	Parts []gmPart `json:"parts"`
}

type gmRequest struct {
	Contents          []gmContent `json:"contents"`
	SystemInstruction *gmContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
		Temperature     float64 `json:"temperature"`
	} `json:"generationConfig"`
}

type gmResponse struct {
	Candidates []struct {
		Content      gmContent `json:"content"`
		FinishReason string    `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (p *gemini) Invoke(ctx context.Context, req Request) (*Response, error) {
	payload := gmRequest{
		Contents: []gmContent{{Role: "user", Parts: []gmPart{{Text: req.Payload}}}},
	}
	if req.System != "" {
		payload.SystemInstruction = &gmContent{Parts: []gmPart{{Text: req.System}}}
	}
	payload.GenerationConfig.MaxOutputTokens = req.MaxTokens
	payload.GenerationConfig.Temperature = req.Temperature

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.hc.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var decoded gmResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", ErrResponseInvalid)
	}
	if len(decoded.Candidates) == 0 {
		return nil, ErrEmptyResponse
	}

	candidate := decoded.Candidates[0]
	var content strings.Builder
	for _, part := range candidate.Content.Parts {
		content.WriteString(part.Text)
	}

	return &Response{
		Content:      content.String(),
		FinishReason: mapGeminiFinish(candidate.FinishReason),
		Usage: Usage{
			InputTokens:  decoded.UsageMetadata.PromptTokenCount,
			OutputTokens: decoded.UsageMetadata.CandidatesTokenCount,
		},
	}, nil
}

func mapGeminiFinish(reason string) FinishReason {
	switch reason {
	case "STOP":
		return FinishComplete
	case "MAX_TOKENS":
		return FinishTruncated
	default:
		return FinishOther
	}
}
