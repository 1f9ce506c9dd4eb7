// Package gateway routes LLM calls by purpose lane, enforces structured
// output contracts, retries transient failures with jittered backoff, and
// tracks per-job token budgets. The fallback path across model preferences
// is deterministic: preferences are walked sequentially, never in parallel.
package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"evoforge/internal/metrics"
)

// Purpose is a routing lane mapping to an ordered list of model preferences.
type Purpose string

const (
	PurposeCodegen Purpose = "CODEGEN"
	PurposeRepair  Purpose = "REPAIR"
	PurposeCritic  Purpose = "CRITIC"
	PurposeChat    Purpose = "CHAT"
)

// ModelPreference is one entry in a purpose lane. Lower priority values are
// tried first.
type ModelPreference struct {
	Provider  string
	Model     string
	Priority  int
	MaxTokens int
	Seed      *int64
}

// RetryConfig governs callWithRetry.
type RetryConfig struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	CapDelay       time.Duration
	JitterFraction float64
}

// DefaultRetryConfig returns the stock retry policy: 5 attempts, 1s base, 30s
// cap, 0.5 jitter fraction.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		BaseDelay:      time.Second,
		CapDelay:       30 * time.Second,
		JitterFraction: 0.5,
	}
}

// Policy holds the lane tables. Lanes are sorted once at build time.
type Policy struct {
	Lanes map[Purpose][]ModelPreference
	Retry RetryConfig
}

// BuildPolicy sorts each lane by priority (stable, so equal priorities keep
// declaration order) and fills retry defaults.
func BuildPolicy(lanes map[Purpose][]ModelPreference, retry RetryConfig) Policy {
	sorted := make(map[Purpose][]ModelPreference, len(lanes))
	for purpose, prefs := range lanes {
		lane := make([]ModelPreference, len(prefs))
		copy(lane, prefs)
		sort.SliceStable(lane, func(i, j int) bool { return lane[i].Priority < lane[j].Priority })
		sorted[purpose] = lane
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = DefaultRetryConfig().BaseDelay
	}
	if retry.CapDelay <= 0 {
		retry.CapDelay = DefaultRetryConfig().CapDelay
	}
	if retry.JitterFraction <= 0 {
		retry.JitterFraction = DefaultRetryConfig().JitterFraction
	}
	return Policy{Lanes: sorted, Retry: retry}
}

// Request is a provider-agnostic generation request.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
	Seed      *int64
}

// Usage is token accounting for one response.
type Usage struct {
	TokensIn  int
	TokensOut int
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.TokensIn + u.TokensOut }

// ProviderResponse is what a provider returns on success.
type ProviderResponse struct {
	Text         string
	Usage        Usage
	FinishReason string
}

// Provider is the contract each backing model service implements. Errors
// must be *ProviderError so the gateway can classify them.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (*ProviderResponse, error)
	Probe(ctx context.Context) error
}

// OutputContract validates structured model output. SCHEMA_INVALID marks the
// whole preference as failed without retry.
type OutputContract interface {
	Validate(text string) error
}

// Attempt is the observability record emitted for every provider attempt.
type Attempt struct {
	Purpose      Purpose `json:"purpose"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Priority     int     `json:"priority"`
	Outcome      string  `json:"outcome"`
	AttemptIndex int     `json:"attempt_index"`
	LatencyMS    int64   `json:"latency_ms"`
	Tokens       int     `json:"tokens"`
}

// Result is a successful, contract-validated generation.
type Result struct {
	Text     string
	Provider string
	Model    string
	Usage    Usage
	Attempts []Attempt
}

// Gateway walks purpose lanes over registered providers.
type Gateway struct {
	providers map[string]Provider
	policy    Policy
	budgets   *BudgetLedger
	log       *zap.Logger
	metrics   *metrics.Set

	// sleep and jitter are injectable so retry behavior is testable and the
	// fallback path stays clock-independent.
	sleep  func(context.Context, time.Duration) error
	random *rand.Rand
	randMu sync.Mutex
}

// New creates a gateway over the given providers.
func New(providers []Provider, policy Policy, budgets *BudgetLedger, log *zap.Logger, m *metrics.Set) *Gateway {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Gateway{
		providers: byName,
		policy:    policy,
		budgets:   budgets,
		log:       log.Named("gateway"),
		metrics:   m,
		sleep:     sleepCtx,
		random:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Generate routes req through the purpose lane. The budget is checked before
// any provider call; schema-invalid output fails the preference without
// retry; exhausting every preference returns *AllModelsFailedError with the
// ordered attempt list.
func (g *Gateway) Generate(ctx context.Context, purpose Purpose, jobID string, req Request, contract OutputContract) (*Result, error) {
	lane, ok := g.policy.Lanes[purpose]
	if !ok || len(lane) == 0 {
		return nil, fmt.Errorf("no model preferences configured for lane %s", purpose)
	}

	estimate := req.MaxTokens
	if estimate <= 0 {
		estimate = defaultTokenEstimate
	}
	if err := g.budgets.Precheck(jobID, estimate); err != nil {
		g.log.Warn("budget pre-check failed", zap.String("job_id", jobID), zap.String("purpose", string(purpose)))
		return nil, err
	}

	var attempts []Attempt
	var summaries []AttemptSummary

	for _, pref := range lane {
		provider, ok := g.providers[pref.Provider]
		if !ok {
			summaries = append(summaries, AttemptSummary{Provider: pref.Provider, Model: pref.Model, LastErrorClass: ClassConnection})
			continue
		}

		callReq := req
		if callReq.MaxTokens <= 0 || (pref.MaxTokens > 0 && callReq.MaxTokens > pref.MaxTokens) {
			callReq.MaxTokens = pref.MaxTokens
		}
		if callReq.Seed == nil {
			callReq.Seed = pref.Seed
		}

		resp, prefAttempts, lastClass := g.callWithRetry(ctx, purpose, provider, pref, callReq)
		attempts = append(attempts, prefAttempts...)

		if resp == nil {
			summaries = append(summaries, AttemptSummary{Provider: pref.Provider, Model: pref.Model, LastErrorClass: lastClass})
			continue
		}

		if contract != nil {
			if err := contract.Validate(resp.Text); err != nil {
				// Schema failures are not retried against the same model; the
				// next preference gets its chance.
				attempts[len(attempts)-1].Outcome = string(ClassSchemaInvalid)
				g.observe(purpose, pref, string(ClassSchemaInvalid))
				g.log.Warn("structured output failed contract",
					zap.String("provider", pref.Provider),
					zap.String("model", pref.Model),
					zap.Error(err))
				summaries = append(summaries, AttemptSummary{Provider: pref.Provider, Model: pref.Model, LastErrorClass: ClassSchemaInvalid})
				continue
			}
		}

		g.budgets.Charge(jobID, resp.Usage.Total())
		return &Result{
			Text:     resp.Text,
			Provider: pref.Provider,
			Model:    pref.Model,
			Usage:    resp.Usage,
			Attempts: attempts,
		}, nil
	}

	return nil, &AllModelsFailedError{Purpose: purpose, Attempts: summaries}
}

// callWithRetry tries one preference up to Retry.MaxAttempts times.
// Transient classes back off with min(base*2^attempt, cap) plus uniform
// jitter; a retry-after hint replaces the computed delay; permanent classes
// fail immediately.
func (g *Gateway) callWithRetry(ctx context.Context, purpose Purpose, provider Provider, pref ModelPreference, req Request) (*ProviderResponse, []Attempt, ErrorClass) {
	var attempts []Attempt
	lastClass := ClassConnection

	for attempt := 0; attempt < g.policy.Retry.MaxAttempts; attempt++ {
		start := time.Now()
		resp, err := provider.Generate(ctx, req)
		latency := time.Since(start).Milliseconds()

		record := Attempt{
			Purpose:      purpose,
			Provider:     pref.Provider,
			Model:        pref.Model,
			Priority:     pref.Priority,
			AttemptIndex: attempt,
			LatencyMS:    latency,
		}

		if err == nil {
			record.Outcome = "success"
			record.Tokens = resp.Usage.Total()
			attempts = append(attempts, record)
			g.observe(purpose, pref, "success")
			g.log.Debug("provider call succeeded",
				zap.String("provider", pref.Provider),
				zap.String("model", pref.Model),
				zap.Int("attempt", attempt),
				zap.Int64("latency_ms", latency),
				zap.Int("tokens", record.Tokens))
			return resp, attempts, ""
		}

		class, retryAfter := Classify(err)
		lastClass = class
		record.Outcome = string(class)
		attempts = append(attempts, record)
		g.observe(purpose, pref, string(class))
		g.log.Warn("provider call failed",
			zap.String("provider", pref.Provider),
			zap.String("model", pref.Model),
			zap.Int("attempt", attempt),
			zap.String("class", string(class)),
			zap.Error(err))

		if !Transient(class) {
			break
		}
		if attempt == g.policy.Retry.MaxAttempts-1 {
			break
		}

		delay := g.backoffDelay(attempt, retryAfter)
		if err := g.sleep(ctx, delay); err != nil {
			// Cancellation stops in-flight retries.
			return nil, attempts, class
		}
	}
	return nil, attempts, lastClass
}

// backoffDelay computes min(base*2^attempt, cap) + uniform(0, jitter*delay),
// unless the provider supplied a retry-after hint.
func (g *Gateway) backoffDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	delay := g.policy.Retry.BaseDelay << uint(attempt)
	if delay > g.policy.Retry.CapDelay || delay <= 0 {
		delay = g.policy.Retry.CapDelay
	}
	g.randMu.Lock()
	jitter := time.Duration(g.random.Float64() * g.policy.Retry.JitterFraction * float64(delay))
	g.randMu.Unlock()
	return delay + jitter
}

func (g *Gateway) observe(purpose Purpose, pref ModelPreference, outcome string) {
	if g.metrics != nil {
		g.metrics.GatewayAttempts.WithLabelValues(string(purpose), pref.Provider, outcome).Inc()
	}
}

const defaultTokenEstimate = 1024

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
