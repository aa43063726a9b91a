package model

import (
	"context"
	"log/slog"
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petitionlabs/gavel/pkg/cache"
	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/logger"
)

// Metrics counts router activity.
type Metrics struct {
	requests  *prometheus.CounterVec
	tokens    prometheus.Counter
	cost      prometheus.Counter
	fallbacks prometheus.Counter
}

// NewMetrics builds the collectors and registers them when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gavel",
			Subsystem: "model",
			Name:      "requests_total",
			Help:      "Model requests by provider and outcome.",
		}, []string{"provider", "outcome"}),
		tokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gavel",
			Subsystem: "model",
			Name:      "tokens_total",
			Help:      "Total tokens consumed.",
		}),
		cost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gavel",
			Subsystem: "model",
			Name:      "cost_dollars_total",
			Help:      "Cumulative model spend.",
		}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gavel",
			Subsystem: "model",
			Name:      "fallbacks_total",
			Help:      "Requests that fell back to a secondary provider.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.tokens, m.cost, m.fallbacks)
	}
	return m
}

// Router selects a provider per request: cache first, then the cheapest
// capable provider within budget, falling back down the cost ordering on
// provider failure.
type Router struct {
	providers []Provider
	budget    *Budget
	cache     *cache.ResponseCache
	estimator *TokenEstimator
	metrics   *Metrics
	log       *slog.Logger
}

// NewRouter builds the router. Providers are consulted in ascending cost
// order. respCache may be nil.
func NewRouter(providers []Provider, budget *Budget, respCache *cache.ResponseCache, metrics *Metrics) (*Router, error) {
	if len(providers) == 0 {
		return nil, errors.New(errors.KindInvalidState, "model", "NewRouter", "at least one provider is required")
	}
	for _, p := range providers {
		if p.Client == nil {
			return nil, errors.Newf(errors.KindInvalidState, "model", "NewRouter", "provider %s has no client", p.ID)
		}
	}
	if budget == nil {
		budget = NewBudget(0, 0, 0)
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	sorted := append([]Provider(nil), providers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CostPerToken < sorted[j].CostPerToken
	})

	return &Router{
		providers: sorted,
		budget:    budget,
		cache:     respCache,
		estimator: NewTokenEstimator(),
		metrics:   metrics,
		log:       logger.Get("router"),
	}, nil
}

// Budget exposes the tracker for stats surfaces.
func (r *Router) Budget() *Budget {
	return r.budget
}

// Generate routes one request. Cached responses cost nothing and bypass the
// budget gate entirely.
func (r *Router) Generate(ctx context.Context, req Request) (Response, error) {
	candidates := r.capable(CapabilityChat)
	if len(candidates) == 0 {
		return Response{}, errors.New(errors.KindProviderUnavailable, "model", "Generate", "no chat-capable provider")
	}

	if r.cache != nil {
		for _, p := range candidates {
			if entry, layer, ok := r.cache.Get(ctx, req.Prompt, p.ID, req.Temperature); ok {
				r.metrics.requests.WithLabelValues(p.ID, "cached").Inc()
				return Response{
					Text:       entry.Response,
					ModelID:    p.ID,
					TokensUsed: entry.TokensUsed,
					Cached:     true,
					CacheLayer: string(layer),
				}, nil
			}
		}
	}

	if r.budget.Degraded() && !req.Essential {
		return Response{}, errors.New(errors.KindBudgetExceeded, "model", "Generate",
			"non-essential requests are disabled while the budget is low")
	}

	promptTokens := r.estimator.Estimate(req.Prompt)
	var lastErr error
	for i, p := range candidates {
		estimated := float64(promptTokens+req.MaxTokens) * p.CostPerToken
		if err := r.budget.Check(estimated); err != nil {
			r.metrics.requests.WithLabelValues(p.ID, "budget_exceeded").Inc()
			return Response{}, err
		}
		if p.TokenLimit > 0 && promptTokens > p.TokenLimit {
			lastErr = errors.Newf(errors.KindInvalidState, "model", "Generate",
				"prompt of %d tokens exceeds %s limit %d", promptTokens, p.ID, p.TokenLimit)
			continue
		}

		resp, err := p.Client.Generate(ctx, req)
		if err != nil {
			lastErr = err
			r.metrics.requests.WithLabelValues(p.ID, "error").Inc()
			if i+1 < len(candidates) {
				r.metrics.fallbacks.Inc()
				r.log.Warn("provider failed, falling back",
					"provider", p.ID, "next", candidates[i+1].ID, "error", err)
			}
			continue
		}

		resp.Cost = float64(resp.TokensUsed) * p.CostPerToken
		r.budget.Charge(resp.Cost)
		r.metrics.requests.WithLabelValues(p.ID, "ok").Inc()
		r.metrics.tokens.Add(float64(resp.TokensUsed))
		r.metrics.cost.Add(resp.Cost)

		if r.cache != nil {
			if err := r.cache.Put(ctx, req.Prompt, p.ID, req.Temperature, resp.Text, resp.TokensUsed, p.CostPerToken); err != nil {
				r.log.Warn("failed to cache response", "provider", p.ID, "error", err)
			}
		}
		return resp, nil
	}

	if lastErr != nil {
		return Response{}, errors.Wrap(errors.KindRetryExhausted, "model", "Generate",
			"every capable provider failed", lastErr)
	}
	return Response{}, errors.New(errors.KindProviderUnavailable, "model", "Generate", "no usable provider")
}

func (r *Router) capable(capability string) []Provider {
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		if p.supports(capability) {
			out = append(out, p)
		}
	}
	return out
}
