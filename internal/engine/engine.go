// Package engine is the provider routing and resilience core. Dispatch
// walks the routed candidate chain sequentially, gating each attempt on
// budget, bounding it with a timeout, retrying transient failures with
// backoff, and falling back to the next candidate until one succeeds or
// the chain is exhausted. Every attempt leaves exactly one ledger
// record.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/relaylabs/llm-relay/internal/cache"
	"github.com/relaylabs/llm-relay/internal/ledger"
	"github.com/relaylabs/llm-relay/internal/provider"
	"github.com/relaylabs/llm-relay/internal/request"
	"github.com/relaylabs/llm-relay/internal/routing"
	"github.com/relaylabs/llm-relay/internal/usage"
)

type Options struct {
	// AttemptTimeout bounds every single provider call. Mandatory: a
	// hung upstream must never starve fallback.
	AttemptTimeout time.Duration
	// MaxRetries is the number of extra tries on the same candidate
	// after a retryable failure. Used as given: zero means a single
	// try per candidate. Defaults live in the config layer.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (o Options) withDefaults() Options {
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 30 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 200 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
	return o
}

// TokenCounter estimates token counts for normalization and for stream
// accounting, where the provider never reports usage.
type TokenCounter interface {
	request.Counter
	Count(text string) int
}

type Deps struct {
	Registry *provider.Registry
	Planner  *routing.Planner
	Cache    *cache.Cache
	Ledger   *ledger.Ledger
	Usage    *usage.Aggregator
	Tokens   TokenCounter
	Logger   *zap.Logger
	Tracer   trace.Tracer
}

type Engine struct {
	registry *provider.Registry
	planner  *routing.Planner
	cache    *cache.Cache
	ledger   *ledger.Ledger
	usage    *usage.Aggregator
	tokens   TokenCounter
	logger   *zap.Logger
	tracer   trace.Tracer
	opts     Options
}

func New(deps Deps, opts Options) *Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.GetTracerProvider().Tracer("llm-relay")
	}
	return &Engine{
		registry: deps.Registry,
		planner:  deps.Planner,
		cache:    deps.Cache,
		ledger:   deps.Ledger,
		usage:    deps.Usage,
		tokens:   deps.Tokens,
		logger:   deps.Logger,
		tracer:   deps.Tracer,
		opts:     opts.withDefaults(),
	}
}

// Dispatch normalizes, consults the cache, and runs the resilience
// loop. Identical concurrent requests share a single provider call via
// the cache's single-flight lease.
func (e *Engine) Dispatch(ctx context.Context, in request.Input) (*provider.Response, error) {
	req, err := request.Normalize(in, e.tokens)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "engine.dispatch", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
		attribute.String("llm.fingerprint", req.Fingerprint),
	))
	defer span.End()

	for tries := 0; ; tries++ {
		lease, entry, err := e.cache.Begin(ctx, req.Fingerprint)
		if err != nil {
			if errors.Is(err, cache.ErrComputeAborted) && tries < 2 {
				// The holder failed; the slot is free again.
				continue
			}
			if errors.Is(err, cache.ErrComputeAborted) {
				// Repeatedly aborted; compute without caching
				// rather than looping forever.
				resp, _, derr := e.run(ctx, req)
				return resp, derr
			}
			return nil, err
		}
		if entry != nil {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			resp := entry.Response
			return &resp, nil
		}

		resp, cost, derr := e.run(ctx, req)
		if derr != nil {
			lease.Abort()
			span.RecordError(derr)
			return nil, derr
		}
		_ = lease.Commit(ctx, &cache.Entry{Response: *resp, CostUSD: cost})
		return resp, nil
	}
}

// UsageSnapshot returns the aggregator's current totals.
func (e *Engine) UsageSnapshot() []usage.Totals {
	return e.usage.Snapshot()
}

// run executes the candidate chain for an already-normalized request.
func (e *Engine) run(ctx context.Context, req *request.Request) (*provider.Response, float64, error) {
	plan := e.planner.Plan(req)
	if len(plan) == 0 {
		return nil, 0, ErrNoProviderAvailable
	}

	attempted := make([]bool, len(plan))
	defer e.releaseUnusedProbes(plan, attempted)

	var attempts []Attempt
	for i, cand := range plan {
		if ctx.Err() != nil {
			return nil, 0, fmt.Errorf("dispatch cancelled: %w", ctx.Err())
		}

		// The budget gate is the only purely local rejection path:
		// no network call, zero cost, recorded for observability.
		if skip, att := e.gateBudget(ctx, cand); skip {
			attempts = append(attempts, att)
			continue
		}

		attempted[i] = true
		resp, failure := e.tryCandidate(ctx, req, cand)
		if failure == nil {
			actual := e.ledger.Estimate(cand.Provider, cand.Model, resp.InputTokens, resp.OutputTokens)
			_ = e.ledger.Commit(ctx, &ledger.Record{
				Provider:     cand.Provider,
				Model:        cand.Model,
				InputTokens:  resp.InputTokens,
				OutputTokens: resp.OutputTokens,
				CostUSD:      actual,
				Outcome:      ledger.OutcomeSuccess,
			})
			return resp, actual, nil
		}

		_ = e.ledger.Commit(ctx, &ledger.Record{
			Provider:    cand.Provider,
			Model:       cand.Model,
			Outcome:     ledger.OutcomeFailure,
			FailureKind: string(failure.Kind),
		})
		attempts = append(attempts, Attempt{
			Provider: cand.Provider,
			Model:    cand.Model,
			Kind:     string(failure.Kind),
			Detail:   failure.Error(),
		})
	}

	if ctx.Err() != nil {
		return nil, 0, fmt.Errorf("dispatch cancelled: %w", ctx.Err())
	}
	return nil, 0, &AggregateError{Attempts: attempts}
}

// tryCandidate invokes one candidate with a bounded timeout, retrying
// retryable failures with exponential backoff. Each try reports its
// outcome to the availability state machine.
func (e *Engine) tryCandidate(ctx context.Context, req *request.Request, cand routing.Candidate) (*provider.Response, *provider.Failure) {
	adapter, err := e.registry.Resolve(cand.Provider)
	if err != nil {
		return nil, provider.NewFailure(provider.KindFatal, cand.Provider, err)
	}
	preq := req.ToProviderRequest(cand.Model)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.opts.InitialBackoff
	bo.MaxInterval = e.opts.MaxBackoff

	var failure *provider.Failure
	for try := 0; try <= e.opts.MaxRetries; try++ {
		start := time.Now()
		cctx, cancel := context.WithTimeout(ctx, e.opts.AttemptTimeout)
		resp, err := adapter.Complete(cctx, preq)
		cancel()
		if err == nil {
			resp.LatencyMs = time.Since(start).Milliseconds()
			if resp.Provider == "" {
				resp.Provider = cand.Provider
			}
			e.registry.ReportSuccess(cand.Provider)
			return resp, nil
		}

		failure = e.classify(err, cand)
		e.registry.ReportFailure(cand.Provider, failure.Kind)
		e.logger.Warn("provider attempt failed",
			zap.String("provider", cand.Provider),
			zap.String("model", cand.Model),
			zap.String("kind", string(failure.Kind)),
			zap.Int("try", try),
			zap.Error(err))

		if ctx.Err() != nil || !failure.Retryable() || try == e.opts.MaxRetries {
			return nil, failure
		}

		wait := bo.NextBackOff()
		if failure.Kind == provider.KindRateLimited && failure.RetryAfter > wait {
			wait = failure.RetryAfter
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, failure
		}
	}
	return nil, failure
}

// classify maps an arbitrary adapter error to the failure taxonomy.
// Context deadlines become timeouts; everything untagged is transient.
func (e *Engine) classify(err error, cand routing.Candidate) *provider.Failure {
	if f, ok := provider.AsFailure(err); ok {
		if f.Model == "" {
			f.Model = cand.Model
		}
		return f
	}
	kind := provider.KindTransient
	if errors.Is(err, context.DeadlineExceeded) {
		kind = provider.KindTimeout
	}
	return &provider.Failure{Kind: kind, Provider: cand.Provider, Model: cand.Model, Cause: err}
}

func (e *Engine) releaseUnusedProbes(plan []routing.Candidate, attempted []bool) {
	for i, cand := range plan {
		if !attempted[i] && cand.State == provider.StateProbation {
			e.registry.ReleaseProbe(cand.Provider)
		}
	}
}
