// Package engine runs the fraud rule evaluators over incoming events
// and applies the per-account alert quota.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"payout-guardian/internal/quota"
	"payout-guardian/internal/rules"
	"payout-guardian/internal/schema"
)

// ContextLoader assembles the bounded look-back history for an event.
type ContextLoader interface {
	LoadContext(ctx context.Context, event *schema.Event) (*rules.Context, error)
}

// Result is the outcome of evaluating one event.
type Result struct {
	Candidates []rules.Candidate
	Suppressed int
}

// Engine evaluates events against the configured rule evaluators.
// Evaluators run in a fixed order and are isolated from each other:
// one failing or panicking never stops the rest.
type Engine struct {
	loader     ContextLoader
	resolver   *rules.Resolver
	limiter    quota.Limiter
	evaluators []rules.Evaluator
	logger     *slog.Logger
}

// New creates an engine with the standard evaluator ordering. The core
// per-account rules always run; the platform-wide supplemental rules
// run only when enabled. limiter may be nil, which disables quota
// capping.
func New(loader ContextLoader, resolver *rules.Resolver, limiter quota.Limiter, platform rules.PlatformRules, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	evaluators := []rules.Evaluator{
		rules.NewVelocityEvaluator(),
		rules.NewBankSwapEvaluator(),
		rules.NewGeoMismatchEvaluator(),
	}
	if platform.PayoutDisable.Enabled {
		evaluators = append(evaluators, rules.NewPayoutDisableEvaluator())
	}
	if platform.Burst.Enabled {
		evaluators = append(evaluators, rules.NewFailedChargeBurstEvaluator(platform.Burst))
	}
	if platform.HighRiskReview.Enabled {
		evaluators = append(evaluators, rules.NewHighRiskReviewEvaluator())
	}
	return &Engine{
		loader:     loader,
		resolver:   resolver,
		limiter:    limiter,
		evaluators: evaluators,
		logger:     logger,
	}
}

// Evaluate runs every evaluator over the event and returns the surviving
// candidates plus the count suppressed by the account quota.
func (e *Engine) Evaluate(ctx context.Context, event *schema.Event) (*Result, error) {
	if event.AccountID == "" {
		// Nothing to correlate against; skip the context load entirely.
		return &Result{}, nil
	}

	evalCtx, err := e.loader.LoadContext(ctx, event)
	if err != nil {
		e.logger.Warn("context load failed, skipping evaluation",
			"event_id", event.ID,
			"account_id", event.AccountID,
			"error", err,
		)
		return &Result{}, nil
	}

	set := e.resolver.Resolve(ctx, event.AccountID)

	var candidates []rules.Candidate
	for _, ev := range e.evaluators {
		got, err := e.runEvaluator(ev, event, evalCtx, set)
		if err != nil {
			e.logger.Warn("rule evaluator failed",
				"rule", ev.Name(),
				"event_id", event.ID,
				"error", err,
			)
			continue
		}
		candidates = append(candidates, got...)
	}

	if e.limiter == nil || len(candidates) == 0 {
		return &Result{Candidates: candidates}, nil
	}

	allowed, err := e.limiter.Allow(ctx, event.AccountID, len(candidates))
	if err != nil {
		// Quota is advisory. A broken limiter must not drop alerts.
		e.logger.Warn("quota check failed, allowing all candidates",
			"account_id", event.AccountID,
			"error", err,
		)
		return &Result{Candidates: candidates}, nil
	}

	suppressed := len(candidates) - allowed
	if suppressed > 0 {
		e.logger.Info("alert quota reached, suppressing candidates",
			"account_id", event.AccountID,
			"suppressed", suppressed,
		)
		candidates = candidates[:allowed]
	}

	return &Result{Candidates: candidates, Suppressed: suppressed}, nil
}

// runEvaluator isolates a single evaluator, converting panics to errors.
func (e *Engine) runEvaluator(ev rules.Evaluator, event *schema.Event, evalCtx *rules.Context, set *rules.RuleSet) (got []rules.Candidate, err error) {
	defer func() {
		if r := recover(); r != nil {
			got = nil
			err = fmt.Errorf("evaluator panicked: %v", r)
		}
	}()
	return ev.Evaluate(event, evalCtx, set)
}
