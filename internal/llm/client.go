// Package llm invokes external model providers through a uniform interface,
// absorbing transient failures and truncated output behind bounded retries.
// Transient and truncation errors never escape Client.Invoke until the retry
// budget is exhausted; permanent errors surface immediately.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// FinishReason classifies how the provider ended its output.
type FinishReason string

const (
	FinishComplete  FinishReason = "complete"
	FinishTruncated FinishReason = "truncated"
	FinishOther     FinishReason = "other"
)

// Request is one model invocation.
type Request struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	System      string  `json:"system"`
	Payload     string  `json:"payload"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// Usage reports provider-metered token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
}

// Total returns combined input and output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Response is a provider's reply to a single request.
type Response struct {
	Content      string       `json:"content"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
}

// Attempt records one try at a request for audit history. Superseded
// responses live here and nowhere else.
type Attempt struct {
	Index        int          `json:"index"`
	MaxTokens    int          `json:"max_tokens"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Content      string       `json:"content,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// Invocation is the outcome of Invoke: the accepted response plus the full
// attempt history and accumulated cost.
type Invocation struct {
	Response Response  `json:"response"`
	Attempts []Attempt `json:"attempts"`
	Usage    Usage     `json:"usage"`
	Cost     float64   `json:"cost"`
}

// Retries returns how many attempts beyond the first were needed.
func (inv *Invocation) Retries() int {
	if len(inv.Attempts) == 0 {
		return 0
	}
	return len(inv.Attempts) - 1
}

// Provider executes a single request against one upstream model API.
// Implementations classify upstream failures with the package sentinels and
// never retry internally.
type Provider interface {
	Name() string
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// Invoker is the invocation surface the pipeline consumes.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Invocation, error)
}

// Options configures the retrying client.
type Options struct {
	// Retries is the attempt budget beyond the first call.
	Retries int
	// CallTimeout bounds each individual provider call.
	CallTimeout time.Duration
	// MaxTokensCeiling caps truncation-driven max-token growth.
	MaxTokensCeiling int
	// Pricing maps model id to per-million-token prices.
	Pricing map[string]Price
}

// Client retries transient failures with exponential backoff and truncated
// output with a raised max-token budget. It is safe for concurrent use.
type Client struct {
	providers map[string]Provider
	gate      *RateGate
	opts      Options
	logger    *slog.Logger

	// sleep is replaced in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a retrying client over the given providers. The rate
// gate may be nil when no token-per-minute limits are configured.
func NewClient(providers []Provider, gate *RateGate, opts Options, logger *slog.Logger) *Client {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}

	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 120 * time.Second
	}
	if opts.MaxTokensCeiling <= 0 {
		opts.MaxTokensCeiling = 8192
	}

	return &Client{
		providers: byName,
		gate:      gate,
		opts:      opts,
		logger:    logger.With("system", "llm"),
		sleep:     sleepContext,
	}
}

// Invoke executes req with retry, backoff, and truncation handling. The
// returned Invocation carries the accepted response; earlier truncated or
// failed tries are retained only in its attempt history. On error the
// Invocation is still returned when attempts were made, so dead-letter
// records keep the full retry history.
func (c *Client) Invoke(ctx context.Context, req Request) (*Invocation, error) {
	provider, ok := c.providers[req.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, req.Provider)
	}

	inv := &Invocation{}
	var lastErr error

	for attempt := 1; attempt <= c.opts.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if c.gate != nil {
			key := req.Provider + "/" + req.Model
			if err := c.gate.Wait(ctx, key, estimateRequest(req)); err != nil {
				return nil, err
			}
		}

		resp, err := c.call(ctx, provider, req)

		record := Attempt{Index: attempt, MaxTokens: req.MaxTokens}
		if resp != nil {
			record.FinishReason = resp.FinishReason
			record.Content = resp.Content
			inv.Usage.Add(resp.Usage)
		}
		if err != nil {
			record.Error = err.Error()
		}
		inv.Attempts = append(inv.Attempts, record)

		switch {
		case err == nil && resp.FinishReason != FinishTruncated:
			inv.Response = *resp
			inv.Cost = c.cost(req.Model, inv.Usage)
			return inv, nil

		case err == nil:
			// truncated output: raise the budget instead of repeating the
			// identical request
			lastErr = fmt.Errorf("%w at %d max tokens", ErrTruncated, req.MaxTokens)
			req.MaxTokens = c.raiseMaxTokens(req.MaxTokens)
			c.logger.InfoContext(ctx, "retrying truncated response",
				"attempt", attempt,
				"model", req.Model,
				"max_tokens", req.MaxTokens,
			)

		case Permanent(err):
			inv.Cost = c.cost(req.Model, inv.Usage)
			return inv, fmt.Errorf("invoke %s/%s: %w", req.Provider, req.Model, err)

		case Transient(err) && ctx.Err() == nil:
			lastErr = err
			if attempt == c.opts.Retries {
				continue
			}
			delay := backoff(attempt)
			c.logger.WarnContext(ctx, "retrying transient failure",
				"attempt", attempt,
				"model", req.Model,
				"delay", delay,
				"error", err,
			)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}

		default:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			inv.Cost = c.cost(req.Model, inv.Usage)
			return inv, fmt.Errorf("invoke %s/%s: %w", req.Provider, req.Model, err)
		}
	}

	inv.Cost = c.cost(req.Model, inv.Usage)
	return inv, fmt.Errorf("%w after %d attempts: %w", ErrRetryBudget, c.opts.Retries, lastErr)
}

// call runs one provider invocation under the per-call timeout.
func (c *Client) call(ctx context.Context, p Provider, req Request) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	resp, err := p.Invoke(callCtx, req)
	if err != nil {
		return nil, err
	}
	if resp.Content == "" {
		return nil, ErrEmptyResponse
	}
	return resp, nil
}

// raiseMaxTokens grows the output budget after truncation: half again as
// much, at least 256 more, never past the ceiling.
func (c *Client) raiseMaxTokens(current int) int {
	step := current / 2
	if step < 256 {
		step = 256
	}
	next := current + step
	if next > c.opts.MaxTokensCeiling {
		next = c.opts.MaxTokensCeiling
	}
	return next
}

func (c *Client) cost(model string, usage Usage) float64 {
	return c.opts.Pricing[model].Cost(usage)
}

// backoff returns the delay before the next attempt: 2^attempt seconds.
func backoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

// estimateRequest approximates tokens consumed by one call for rate
// admission, counting input at four runes per token plus the output budget.
func estimateRequest(req Request) int {
	est := (len(req.System)+len(req.Payload))/4 + req.MaxTokens
	if est < 1 {
		est = 1
	}
	return est
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
