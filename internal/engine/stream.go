package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/relaylabs/llm-relay/internal/ledger"
	"github.com/relaylabs/llm-relay/internal/provider"
	"github.com/relaylabs/llm-relay/internal/request"
	"github.com/relaylabs/llm-relay/internal/routing"
)

// StreamDispatch applies the same routing, budget, and fallback
// semantics as Dispatch, but only until the first chunk is chosen.
// Once a provider has started streaming there is no mid-stream
// switching: a later failure surfaces to the consumer as a terminal
// error chunk. Streamed responses are not cached.
func (e *Engine) StreamDispatch(ctx context.Context, in request.Input) (<-chan *provider.Chunk, error) {
	req, err := request.Normalize(in, e.tokens)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "engine.stream_dispatch", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
	))

	plan := e.planner.Plan(req)
	if len(plan) == 0 {
		span.End()
		return nil, ErrNoProviderAvailable
	}

	// Probation trials claimed by the planner but never attempted must
	// be returned on every exit path, including candidate exhaustion.
	attempted := make([]bool, len(plan))
	defer e.releaseUnusedProbes(plan, attempted)

	var attempts []Attempt
	for i, cand := range plan {
		if ctx.Err() != nil {
			span.End()
			return nil, fmt.Errorf("dispatch cancelled: %w", ctx.Err())
		}

		if skip, att := e.gateBudget(ctx, cand); skip {
			attempts = append(attempts, att)
			continue
		}

		attempted[i] = true
		ch, first, cancel, failure := e.openStream(ctx, req, cand)
		if failure == nil {
			out := make(chan *provider.Chunk)
			go e.forward(ctx, span, req, cand, first, ch, cancel, out)
			return out, nil
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

	span.End()
	return nil, &AggregateError{Attempts: attempts}
}

// gateBudget applies the pre-dispatch budget check for one candidate,
// committing the synthetic skip record when blocked.
func (e *Engine) gateBudget(ctx context.Context, cand routing.Candidate) (bool, Attempt) {
	switch e.ledger.CheckBudget(cand.EstCost) {
	case ledger.Block:
		_ = e.ledger.Commit(ctx, &ledger.Record{
			Provider: cand.Provider,
			Model:    cand.Model,
			Outcome:  ledger.OutcomeBudgetSkipped,
		})
		return true, Attempt{
			Provider: cand.Provider,
			Model:    cand.Model,
			Kind:     KindBudgetBlocked,
			Detail:   fmt.Sprintf("estimated $%.6f over budget", cand.EstCost),
		}
	case ledger.Warn:
		e.logger.Warn("budget threshold crossed, allowing per policy",
			zap.String("provider", cand.Provider),
			zap.String("model", cand.Model),
			zap.Float64("estimated_cost_usd", cand.EstCost))
	}
	return false, Attempt{}
}

// openStream opens a stream on one candidate and waits for its first
// chunk, retrying retryable failures with backoff. The returned cancel
// func tears down the underlying stream and must be called by the
// consumer of the channel.
func (e *Engine) openStream(ctx context.Context, req *request.Request, cand routing.Candidate) (<-chan *provider.Chunk, *provider.Chunk, context.CancelFunc, *provider.Failure) {
	adapter, err := e.registry.Resolve(cand.Provider)
	if err != nil {
		return nil, nil, nil, provider.NewFailure(provider.KindFatal, cand.Provider, err)
	}
	preq := req.ToProviderRequest(cand.Model)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.opts.InitialBackoff
	bo.MaxInterval = e.opts.MaxBackoff

	var failure *provider.Failure
	for try := 0; try <= e.opts.MaxRetries; try++ {
		sctx, cancel := context.WithCancel(ctx)
		ch, serr := adapter.StreamComplete(sctx, preq)
		if serr == nil {
			timer := time.NewTimer(e.opts.AttemptTimeout)
			select {
			case first, ok := <-ch:
				timer.Stop()
				switch {
				case !ok:
					serr = provider.NewFailure(provider.KindTransient, cand.Provider,
						errors.New("stream closed before first chunk"))
				case first.Err != nil:
					serr = first.Err
				default:
					e.registry.ReportSuccess(cand.Provider)
					return ch, first, cancel, nil
				}
			case <-timer.C:
				serr = context.DeadlineExceeded
			case <-ctx.Done():
				timer.Stop()
				cancel()
				return nil, nil, nil, &provider.Failure{
					Kind: provider.KindTransient, Provider: cand.Provider, Cause: ctx.Err(),
				}
			}
		}
		cancel()

		failure = e.classify(serr, cand)
		e.registry.ReportFailure(cand.Provider, failure.Kind)
		e.logger.Warn("stream attempt failed",
			zap.String("provider", cand.Provider),
			zap.String("model", cand.Model),
			zap.String("kind", string(failure.Kind)),
			zap.Int("try", try),
			zap.Error(serr))

		if ctx.Err() != nil || !failure.Retryable() || try == e.opts.MaxRetries {
			return nil, nil, nil, failure
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
			return nil, nil, nil, failure
		}
	}
	return nil, nil, nil, failure
}

// forward relays chunks to the consumer, accumulating output text so
// the ledger commit after stream completion carries a token estimate.
func (e *Engine) forward(ctx context.Context, span trace.Span, req *request.Request, cand routing.Candidate,
	first *provider.Chunk, ch <-chan *provider.Chunk, cancel context.CancelFunc, out chan<- *provider.Chunk) {
	defer close(out)
	defer cancel()
	defer span.End()

	// Commits must land even when the caller's context is gone.
	commitCtx := context.WithoutCancel(ctx)
	var sb strings.Builder

	emit := func(c *provider.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	commitFailure := func(kind string) {
		_ = e.ledger.Commit(commitCtx, &ledger.Record{
			Provider:     cand.Provider,
			Model:        cand.Model,
			InputTokens:  req.InputTokens,
			OutputTokens: e.countText(sb.String()),
			Outcome:      ledger.OutcomeFailure,
			FailureKind:  kind,
		})
	}
	commitSuccess := func() {
		outTokens := e.countText(sb.String())
		_ = e.ledger.Commit(commitCtx, &ledger.Record{
			Provider:     cand.Provider,
			Model:        cand.Model,
			InputTokens:  req.InputTokens,
			OutputTokens: outTokens,
			CostUSD:      e.ledger.Estimate(cand.Provider, cand.Model, req.InputTokens, outTokens),
			Outcome:      ledger.OutcomeSuccess,
		})
	}

	sb.WriteString(first.Delta)
	if !emit(first) {
		commitFailure("cancelled")
		return
	}
	if first.Done {
		commitSuccess()
		return
	}

	for {
		select {
		case c, ok := <-ch:
			if !ok {
				// Closed without an explicit Done: complete.
				commitSuccess()
				return
			}
			if c.Err != nil {
				f := e.classify(c.Err, cand)
				e.registry.ReportFailure(cand.Provider, f.Kind)
				commitFailure(string(f.Kind))
				emit(&provider.Chunk{Err: c.Err})
				return
			}
			sb.WriteString(c.Delta)
			if !emit(c) {
				commitFailure("cancelled")
				return
			}
			if c.Done {
				commitSuccess()
				return
			}
		case <-ctx.Done():
			commitFailure("cancelled")
			return
		}
	}
}

func (e *Engine) countText(text string) int {
	if text == "" {
		return 0
	}
	if e.tokens != nil {
		return e.tokens.Count(text)
	}
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}
