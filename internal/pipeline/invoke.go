package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JaimeStill/arbiter/internal/cache"
	"github.com/JaimeStill/arbiter/internal/llm"
	"github.com/JaimeStill/arbiter/internal/stages"
)

// invocation aggregates what one validated model exchange consumed across
// cache hits, transport retries, and validation re-asks.
type invocation struct {
	raw       json.RawMessage
	usage     llm.Usage
	cost      float64
	retries   int
	fromCache bool
	attempts  []llm.Attempt
}

// invokeStage resolves instructions and routing for one stage call,
// consults the cache, and on a miss invokes the model with bounded
// validation retries: a malformed payload re-asks with the rejection folded
// into a stricter request. Only a validated payload is cached, and always
// under the original request's key so refined re-asks converge on the same
// entry.
func invokeStage[P any](ctx context.Context, p *Pipeline, profile string, stage stages.Stage, payload string, bypassCache bool) (P, *invocation, error) {
	var decoded P

	ins, err := p.rt.Instructions.Load(ctx, stage, profile)
	if err != nil {
		return decoded, nil, fmt.Errorf("load %s instructions: %w", stage, err)
	}

	ref := p.rt.Router.Route(string(stage), stage.Criticality())
	key := cache.Key{
		Fingerprint:        fingerprint(payload),
		InstructionVersion: ins.Version,
		Provider:           ref.Provider,
		Model:              ref.Model,
		Stage:              string(stage),
	}

	if p.rt.Cache != nil && !bypassCache {
		if raw, ok := p.rt.Cache.Get(key); ok {
			if stages.ValidatePayload(stage, raw) == nil {
				var cached P
				if err := json.Unmarshal(raw, &cached); err == nil {
					return cached, &invocation{raw: raw, fromCache: true}, nil
				}
			}
			p.logger.WarnContext(ctx, "cached payload no longer valid, treating as miss",
				"stage", stage,
				"fingerprint", key.Fingerprint,
			)
		}
	}

	inv := &invocation{}
	body := payload
	var lastErr error

	for try := 0; try <= p.opts.ValidationRetries; try++ {
		result, err := p.rt.Invoker.Invoke(ctx, llm.Request{
			Provider:    ref.Provider,
			Model:       ref.Model,
			System:      ins.Text,
			Payload:     body,
			MaxTokens:   p.maxTokens(stage),
			Temperature: p.opts.Temperature,
		})
		if result != nil {
			inv.usage.Add(result.Usage)
			inv.cost += result.Cost
			inv.retries += result.Retries()
			inv.attempts = append(inv.attempts, result.Attempts...)
		}
		if err != nil {
			return decoded, inv, err
		}

		parsed, raw, err := stages.Decode[P](stage, result.Response.Content)
		if err == nil {
			inv.raw = raw
			if p.rt.Cache != nil {
				if cerr := p.rt.Cache.Put(key, raw); cerr != nil {
					p.logger.WarnContext(ctx, "cache store failed", "stage", stage, "error", cerr)
				}
			}
			return parsed, inv, nil
		}

		lastErr = err
		p.logger.WarnContext(ctx, "response failed validation",
			"stage", stage,
			"try", try+1,
			"error", err,
		)
		if try < p.opts.ValidationRetries {
			inv.retries++
			body = strictNote(payload, err)
		}
	}

	return decoded, inv, lastErr
}

// strictNote reframes a request whose response failed validation: the
// original payload plus the rejection, demanding bare JSON.
func strictNote(payload string, err error) string {
	var b strings.Builder
	b.WriteString(payload)
	b.WriteString("\n\nThe previous response was rejected: ")
	b.WriteString(err.Error())
	b.WriteString("\nRespond again with a single valid JSON object and nothing else.")
	return b.String()
}

// fingerprint hashes payload content for the cache key.
func fingerprint(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
