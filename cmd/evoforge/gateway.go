package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"evoforge/internal/gateway"
)

// allPurposes is the lane set a provider joins when its config names none.
var allPurposes = []gateway.Purpose{
	gateway.PurposeCodegen,
	gateway.PurposeRepair,
	gateway.PurposeCritic,
	gateway.PurposeChat,
}

// buildGateway assembles providers and purpose lanes from the config.
func buildGateway(ctx context.Context, rt *runtime) (*gateway.Gateway, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no providers configured; add a providers section or set GEMINI_API_KEY and use the default config")
	}

	var providers []gateway.Provider
	lanes := map[gateway.Purpose][]gateway.ModelPreference{}

	for _, pc := range cfg.Providers {
		apiKey := ""
		if pc.APIKeyEnv != "" {
			apiKey = os.Getenv(pc.APIKeyEnv)
		}

		var (
			provider gateway.Provider
			err      error
		)
		switch pc.Kind {
		case "gemini":
			provider, err = gateway.NewGeminiProvider(ctx, apiKey, pc.Model)
		case "openai":
			provider, err = gateway.NewOpenAIProvider(gateway.OpenAIConfig{
				Name:    pc.Name,
				APIKey:  apiKey,
				BaseURL: pc.BaseURL,
				Model:   pc.Model,
			})
		default:
			err = fmt.Errorf("unknown provider kind %q", pc.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		providers = append(providers, provider)

		purposes := allPurposes
		if len(pc.Purposes) > 0 {
			purposes = purposes[:0:0]
			for _, p := range pc.Purposes {
				purposes = append(purposes, gateway.Purpose(p))
			}
		}
		for _, purpose := range purposes {
			lanes[purpose] = append(lanes[purpose], gateway.ModelPreference{
				Provider: pc.Name,
				Model:    pc.Model,
				Priority: pc.Priority,
			})
		}
	}

	policy := gateway.BuildPolicy(lanes, gateway.RetryConfig{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		BaseDelay:      time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond,
		CapDelay:       time.Duration(cfg.Retry.CapMS) * time.Millisecond,
		JitterFraction: cfg.Retry.JitterFraction,
	})
	return gateway.New(providers, policy, gateway.NewBudgetLedger(0, 0), logger, rt.metrics), nil
}
