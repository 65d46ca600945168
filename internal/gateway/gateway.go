package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"skillforge/internal/config"
	"skillforge/internal/logging"
)

// ErrAllProvidersFailed is returned when every provider in the fallback chain
// failed or was unavailable.
var ErrAllProvidersFailed = errors.New("all providers failed")

// Response is the outcome of one gateway call.
type Response struct {
	Content      string                 `json:"content"`
	Provider     string                 `json:"provider"`
	Model        string                 `json:"model"`
	Success      bool                   `json:"success"`
	TokensUsed   int                    `json:"tokens_used"`
	CostEstimate float64                `json:"cost_estimate"`
	DurationMs   int64                  `json:"duration_ms"`
	Error        string                 `json:"error,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// costRate holds per-1k-token pricing for one provider.
type costRate struct {
	inputPer1k  float64
	outputPer1k float64
}

var costRates = map[string]costRate{
	"anthropic": {inputPer1k: 0.003, outputPer1k: 0.015},
	"openai":    {inputPer1k: 0.00015, outputPer1k: 0.0006},
	"google":    {inputPer1k: 0.00015, outputPer1k: 0.0006},
}

// Token estimates used when a provider omits usage counts.
const (
	estimatedInputTokens  = 1000
	estimatedOutputTokens = 500
)

// Gateway iterates an ordered provider chain until one call succeeds. There
// is no per-provider retry; fallback is the retry mechanism.
type Gateway struct {
	providers map[string]Provider
	chain     []string
	events    *logging.EventLog
}

// New builds a gateway from the LLM settings, constructing one adapter per
// configured provider.
func New(cfg *config.Manager, events *logging.EventLog) *Gateway {
	providers := make(map[string]Provider)
	for name := range map[string]struct{}{"anthropic": {}, "openai": {}, "google": {}} {
		ps, ok := cfg.ProviderSettings(name)
		if !ok {
			continue
		}
		pc := ProviderConfig{
			APIKey:  ps.APIKey,
			Model:   ps.DefaultModel,
			Timeout: time.Duration(ps.TimeoutSeconds) * time.Second,
		}
		switch name {
		case "anthropic":
			providers[name] = NewAnthropicProvider(pc)
		case "openai":
			providers[name] = NewOpenAIProvider(pc)
		case "google":
			providers[name] = NewGeminiProvider(pc)
		}
	}
	return &Gateway{providers: providers, chain: cfg.FallbackChain(), events: events}
}

// NewWithProviders builds a gateway over explicit providers. Used by tests
// and by callers that construct adapters themselves.
func NewWithProviders(providers []Provider, chain []string, events *logging.EventLog) *Gateway {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Gateway{providers: m, chain: chain, events: events}
}

// ProviderStatus describes one provider's readiness.
type ProviderStatus struct {
	Name      string `json:"name"`
	Model     string `json:"model"`
	Available bool   `json:"available"`
}

// Status reports each chain provider's availability in chain order.
func (g *Gateway) Status() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(g.chain))
	for _, name := range g.chain {
		p, ok := g.providers[name]
		if !ok {
			out = append(out, ProviderStatus{Name: name})
			continue
		}
		out = append(out, ProviderStatus{Name: name, Model: p.Model(), Available: p.Available()})
	}
	return out
}

// Call walks the fallback chain until a provider returns non-empty sanitized
// content. Each provider is attempted at most once.
func (g *Gateway) Call(ctx context.Context, systemPrompt, userPrompt, phase string, pc config.PhaseLLMConfig) Response {
	log := logging.Get(logging.CategoryGateway)
	start := time.Now()
	var lastErr error

	for i, name := range g.chain {
		provider, ok := g.providers[name]
		if !ok || !provider.Available() {
			g.events.ProviderUnavailable(phase, name)
			log.Debug("Provider %s unavailable for phase %s", name, phase)
			continue
		}

		attemptStart := time.Now()
		content, inTokens, outTokens, err := provider.Complete(ctx, systemPrompt, userPrompt, pc.Temperature, pc.MaxTokens)
		if err == nil {
			content = SanitizeJSON(content)
			if content == "" {
				err = fmt.Errorf("empty content after sanitization")
			}
		}
		if err != nil {
			lastErr = fmt.Errorf("provider %s: %w", name, err)
			g.events.ProviderFailed(phase, name, err.Error())
			log.Warn("Provider %s failed for phase %s: %v", name, phase, err)
			continue
		}

		if inTokens == 0 && outTokens == 0 {
			inTokens, outTokens = estimatedInputTokens, estimatedOutputTokens
		}
		cost := estimateCost(name, inTokens, outTokens)
		durationMs := time.Since(attemptStart).Milliseconds()
		g.events.CallSucceeded(phase, name, i == 0, durationMs, inTokens+outTokens, cost)

		return Response{
			Content:      content,
			Provider:     name,
			Model:        provider.Model(),
			Success:      true,
			TokensUsed:   inTokens + outTokens,
			CostEstimate: cost,
			DurationMs:   time.Since(start).Milliseconds(),
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no providers available")
	}
	g.events.Errorf("LLMAggregateError", phase, lastErr, "all providers failed for phase %s", phase)
	return Response{
		Success:    false,
		Error:      fmt.Sprintf("%s: %s", ErrAllProvidersFailed, lastErr),
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// estimateCost converts token counts to dollars using the provider's rates.
func estimateCost(provider string, inputTokens, outputTokens int) float64 {
	rate, ok := costRates[provider]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000*rate.inputPer1k + float64(outputTokens)/1000*rate.outputPer1k
}

// SanitizeJSON strips a wrapping Markdown code fence from model output.
func SanitizeJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```json") {
		content = strings.TrimPrefix(content, "```json")
	} else if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```")
	}
	if strings.HasSuffix(content, "```") {
		content = strings.TrimSuffix(content, "```")
	}
	return strings.TrimSpace(content)
}
