package gateway

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// GeminiProvider implements Provider over the Google GenAI SDK.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider creates a Gemini-backed provider.
func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiProvider{client: client, model: model}, nil
}

// Name implements Provider.
func (p *GeminiProvider) Name() string { return "gemini" }

// Generate implements Provider.
func (p *GeminiProvider) Generate(ctx context.Context, req Request) (*ProviderResponse, error) {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Seed != nil {
		seed := int32(*req.Seed)
		config.Seed = &seed
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(req.Prompt), config)
	if err != nil {
		return nil, classifyGenAIError(err)
	}
	if len(resp.Candidates) == 0 {
		return nil, &ProviderError{Class: ClassServer, Err: fmt.Errorf("no candidates returned")}
	}

	out := &ProviderResponse{Text: resp.Text()}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			TokensIn:  int(resp.UsageMetadata.PromptTokenCount),
			TokensOut: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	out.FinishReason = string(resp.Candidates[0].FinishReason)
	return out, nil
}

// Probe implements Provider with a minimal generation.
func (p *GeminiProvider) Probe(ctx context.Context) error {
	_, err := p.Generate(ctx, Request{Prompt: "ping", MaxTokens: 8})
	return err
}

// classifyGenAIError maps SDK errors onto the taxonomy.
func classifyGenAIError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401 || apiErr.Code == 403:
			return &ProviderError{Class: ClassAuth, Err: err}
		case apiErr.Code == 429:
			return &ProviderError{Class: ClassRateLimit, Err: err}
		case apiErr.Code >= 500:
			return &ProviderError{Class: ClassServer, Err: err}
		case apiErr.Code >= 400:
			return &ProviderError{Class: ClassBadRequest, Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Class: ClassTimeout, Err: err}
	}
	return &ProviderError{Class: ClassConnection, Err: err}
}
