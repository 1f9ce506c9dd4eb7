package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// OpenAIProvider implements Provider against any OpenAI-compatible chat
// completions endpoint.
type OpenAIProvider struct {
	name       string
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// OpenAIConfig holds configuration for an OpenAI-compatible provider.
type OpenAIConfig struct {
	Name    string
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// NewOpenAIProvider creates a provider. Name defaults to "openai"; BaseURL
// defaults to the OpenAI API.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &OpenAIProvider{
		name:       cfg.Name,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return p.name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Seed        *int64        `json:"seed,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
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

// Generate implements Provider. A single HTTP round trip; the gateway owns
// retry.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*ProviderResponse, error) {
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:     p.model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Seed:      req.Seed,
		// Low temperature for structured output.
		Temperature: 0.1,
	})
	if err != nil {
		return nil, &ProviderError{Class: ClassBadRequest, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Class: ClassBadRequest, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &ProviderError{Class: ClassTimeout, Err: err}
		}
		return nil, &ProviderError{Class: ClassConnection, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Class: ClassConnection, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, p.classifyStatus(resp, raw)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &ProviderError{Class: ClassServer, Err: fmt.Errorf("unparseable response: %w", err)}
	}
	if parsed.Error != nil {
		return nil, &ProviderError{Class: ClassServer, Err: fmt.Errorf("API error: %s", parsed.Error.Message)}
	}
	if len(parsed.Choices) == 0 {
		return nil, &ProviderError{Class: ClassServer, Err: fmt.Errorf("no completion returned")}
	}

	return &ProviderResponse{
		Text: strings.TrimSpace(parsed.Choices[0].Message.Content),
		Usage: Usage{
			TokensIn:  parsed.Usage.PromptTokens,
			TokensOut: parsed.Usage.CompletionTokens,
		},
		FinishReason: parsed.Choices[0].FinishReason,
	}, nil
}

// Probe implements Provider.
func (p *OpenAIProvider) Probe(ctx context.Context) error {
	_, err := p.Generate(ctx, Request{Prompt: "ping", MaxTokens: 8})
	return err
}

func (p *OpenAIProvider) classifyStatus(resp *http.Response, body []byte) error {
	base := fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 200))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &ProviderError{Class: ClassAuth, Err: base}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ProviderError{Class: ClassRateLimit, RetryAfter: parseRetryAfter(resp), Err: base}
	case resp.StatusCode >= 500:
		return &ProviderError{Class: ClassServer, Err: base}
	default:
		return &ProviderError{Class: ClassBadRequest, Err: base}
	}
}

// parseRetryAfter reads a Retry-After header given in seconds.
func parseRetryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
