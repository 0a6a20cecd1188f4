package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/taskpilot/internal/metrics"
	"github.com/agentoven/taskpilot/internal/telemetry"
	"github.com/agentoven/taskpilot/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Strategy decides the order in which providers are tried.
type Strategy string

const (
	// StrategyFallback tries providers in configured order.
	StrategyFallback Strategy = "fallback"
	// StrategyLatency tries the provider with the lowest rolling latency first.
	StrategyLatency Strategy = "latency-optimized"
)

// Router sends each call to the first provider that answers.
type Router struct {
	providers []Provider
	strategy  Strategy
	metrics   *metrics.Recorder

	// Latency tracking: provider name → rolling avg ms
	latencyMu sync.RWMutex
	latencies map[string]int64
}

// RouterOption configures a Router.
type RouterOption func(*Router)

func WithStrategy(s Strategy) RouterOption {
	return func(r *Router) { r.strategy = s }
}

func WithMetrics(m *metrics.Recorder) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// NewRouter creates a router over providers, in fallback order.
func NewRouter(providers []Provider, opts ...RouterOption) *Router {
	r := &Router{
		providers: providers,
		strategy:  StrategyFallback,
		latencies: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Providers returns the configured provider names in fallback order.
func (r *Router) Providers() []string {
	names := make([]string, len(r.providers))
	for i, p := range r.providers {
		names[i] = p.Name()
	}
	return names
}

// Invoke implements Client.
func (r *Router) Invoke(ctx context.Context, system string, messages []models.ChatMessage, tools []models.ToolDefinition) (*Response, error) {
	if len(r.providers) == 0 {
		return nil, ErrNoProviders
	}

	var lastErr error
	for _, p := range r.ordered() {
		resp, err := r.call(ctx, p, system, messages, tools)
		if err == nil {
			return resp, nil
		}
		// The caller gave up; trying the next provider would fail the same way.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn().
			Str("provider", p.Name()).
			Err(err).
			Msg("Provider call failed, trying next")
		lastErr = err
	}
	return nil, fmt.Errorf("all providers failed, last error: %w", lastErr)
}

func (r *Router) call(ctx context.Context, p Provider, system string, messages []models.ChatMessage, tools []models.ToolDefinition) (*Response, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "llm.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", p.Name()),
		attribute.Int("llm.messages", len(messages)),
		attribute.Int("llm.tools", len(tools)),
	)

	start := time.Now()
	resp, err := p.Invoke(ctx, system, messages, tools)
	elapsed := time.Since(start)
	r.metrics.ObserveLLMCall(p.Name(), err == nil, elapsed)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	resp.LatencyMs = elapsed.Milliseconds()
	if resp.Provider == "" {
		resp.Provider = p.Name()
	}
	span.SetAttributes(
		attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
		attribute.Int64("llm.total_tokens", resp.Usage.TotalTokens),
	)

	r.latencyMu.Lock()
	prev := r.latencies[p.Name()]
	if prev == 0 {
		r.latencies[p.Name()] = resp.LatencyMs
	} else {
		// Exponential moving average
		r.latencies[p.Name()] = (prev*7 + resp.LatencyMs*3) / 10
	}
	r.latencyMu.Unlock()

	return resp, nil
}

func (r *Router) ordered() []Provider {
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	if r.strategy != StrategyLatency {
		return out
	}

	r.latencyMu.RLock()
	defer r.latencyMu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		li := r.latencies[out[i].Name()]
		lj := r.latencies[out[j].Name()]
		if li == 0 {
			li = 1000 // default 1s for unknown
		}
		if lj == 0 {
			lj = 1000
		}
		return li < lj
	})
	return out
}

// Latency returns the rolling average latency for a provider in ms.
func (r *Router) Latency(provider string) int64 {
	r.latencyMu.RLock()
	defer r.latencyMu.RUnlock()
	return r.latencies[provider]
}
