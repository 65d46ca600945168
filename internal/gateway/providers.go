// Package gateway fans evaluation calls out to the configured generative
// providers with ordered fallback and response sanitization.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Provider is one LLM backend. Implementations are safe for concurrent use.
type Provider interface {
	Name() string
	Model() string
	Available() bool
	// Complete sends a system+user prompt pair and returns the raw text
	// content plus input/output token counts (0 when the API omits them).
	Complete(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int) (string, int, int, error)
}

// ProviderConfig holds the settings shared by every adapter.
type ProviderConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

func httpClientFor(cfg ProviderConfig) *http.Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// =============================================================================
// Anthropic
// =============================================================================

// AnthropicProvider calls the Anthropic messages API.
type AnthropicProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewAnthropicProvider creates an Anthropic adapter.
func NewAnthropicProvider(cfg ProviderConfig) *AnthropicProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	return &AnthropicProvider{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		model:      cfg.Model,
		httpClient: httpClientFor(cfg),
	}
}

func (p *AnthropicProvider) Name() string    { return "anthropic" }
func (p *AnthropicProvider) Model() string   { return p.model }
func (p *AnthropicProvider) Available() bool { return p.apiKey != "" }

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends a messages request.
func (p *AnthropicProvider) Complete(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int) (string, int, int, error) {
	if p.apiKey == "" {
		return "", 0, 0, fmt.Errorf("API key not configured")
	}

	reqBody := anthropicRequest{
		Model:       p.model,
		MaxTokens:   maxTokens,
		System:      systemPrompt,
		Messages:    []anthropicMessage{{Role: "user", Content: userPrompt}},
		Temperature: temperature,
	}
	body, err := postJSON(ctx, p.httpClient, p.baseURL+"/messages", reqBody, map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": "2023-06-01",
	})
	if err != nil {
		return "", 0, 0, err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", 0, 0, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Error != nil {
		return "", 0, 0, fmt.Errorf("API error: %s", resp.Error.Message)
	}
	if len(resp.Content) == 0 {
		return "", 0, 0, fmt.Errorf("no completion returned")
	}

	var sb strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	return strings.TrimSpace(sb.String()), resp.Usage.InputTokens, resp.Usage.OutputTokens, nil
}

// =============================================================================
// OpenAI
// =============================================================================

// OpenAIProvider calls the OpenAI chat completions API.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOpenAIProvider creates an OpenAI adapter.
func NewOpenAIProvider(cfg ProviderConfig) *OpenAIProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		model:      cfg.Model,
		httpClient: httpClientFor(cfg),
	}
}

func (p *OpenAIProvider) Name() string    { return "openai" }
func (p *OpenAIProvider) Model() string   { return p.model }
func (p *OpenAIProvider) Available() bool { return p.apiKey != "" }

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
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
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends a chat completion request.
func (p *OpenAIProvider) Complete(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int) (string, int, int, error) {
	if p.apiKey == "" {
		return "", 0, 0, fmt.Errorf("API key not configured")
	}

	messages := make([]openAIMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: userPrompt})

	reqBody := openAIRequest{
		Model:       p.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	body, err := postJSON(ctx, p.httpClient, p.baseURL+"/chat/completions", reqBody, map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	})
	if err != nil {
		return "", 0, 0, err
	}

	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", 0, 0, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Error != nil {
		return "", 0, 0, fmt.Errorf("API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", 0, 0, fmt.Errorf("no completion returned")
	}
	if resp.Choices[0].FinishReason == "content_filter" {
		return "", 0, 0, fmt.Errorf("content blocked by provider safety filter")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), resp.Usage.PromptTokens, resp.Usage.CompletionTokens, nil
}

// =============================================================================
// Google Gemini
// =============================================================================

// GeminiProvider calls the Gemini generateContent API.
type GeminiProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewGeminiProvider creates a Gemini adapter.
func NewGeminiProvider(cfg ProviderConfig) *GeminiProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &GeminiProvider{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		model:      cfg.Model,
		httpClient: httpClientFor(cfg),
	}
}

func (p *GeminiProvider) Name() string    { return "google" }
func (p *GeminiProvider) Model() string   { return p.model }
func (p *GeminiProvider) Available() bool { return p.apiKey != "" }

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  geminiGenConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// Complete sends a generateContent request. Safety blocks are reported as
// provider failures so the gateway falls back.
func (p *GeminiProvider) Complete(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int) (string, int, int, error) {
	if p.apiKey == "" {
		return "", 0, 0, fmt.Errorf("API key not configured")
	}

	reqBody := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: userPrompt}}},
		},
		GenerationConfig: geminiGenConfig{Temperature: temperature, MaxOutputTokens: maxTokens},
	}
	if systemPrompt != "" {
		reqBody.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, p.model, p.apiKey)
	body, err := postJSON(ctx, p.httpClient, url, reqBody, nil)
	if err != nil {
		return "", 0, 0, err
	}

	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", 0, 0, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Error != nil {
		return "", 0, 0, fmt.Errorf("API error: %s", resp.Error.Message)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", 0, 0, fmt.Errorf("content blocked: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return "", 0, 0, fmt.Errorf("no completion returned")
	}
	if resp.Candidates[0].FinishReason == "SAFETY" {
		return "", 0, 0, fmt.Errorf("content blocked by provider safety filter")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return strings.TrimSpace(sb.String()),
		resp.UsageMetadata.PromptTokenCount, resp.UsageMetadata.CandidatesTokenCount, nil
}

// postJSON issues a POST with a JSON body and returns the raw response bytes.
// Non-2xx statuses are errors carrying the response body.
func postJSON(ctx context.Context, client *http.Client, url string, reqBody interface{}, headers map[string]string) ([]byte, error) {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
