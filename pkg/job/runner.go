// Package job runs generation requests end to end: preflight, cost
// reservation, ledger rows, resolution, and evidence.
package job

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zen-systems/gengate/pkg/config"
	"github.com/zen-systems/gengate/pkg/cost"
	"github.com/zen-systems/gengate/pkg/evidence"
	"github.com/zen-systems/gengate/pkg/ledger"
	"github.com/zen-systems/gengate/pkg/poller"
	"github.com/zen-systems/gengate/pkg/provider"
	"github.com/zen-systems/gengate/pkg/selector"
	"golang.org/x/sync/errgroup"
)

// Outcome is what happened to one request.
type Outcome struct {
	ID       string           `json:"id"`
	RecordID string           `json:"record_id,omitempty"`
	Request  provider.Request `json:"request"`
	Result   *poller.Result   `json:"result,omitempty"`
	CostUSD  float64          `json:"cost_usd"`
	// Err is set when the request was rejected before submission.
	Err error `json:"-"`
	// SyncErr is set when the terminal result did not reach the ledger.
	SyncErr error `json:"-"`
}

// Succeeded reports whether the request produced an artifact.
func (o *Outcome) Succeeded() bool {
	return o != nil && o.Err == nil && o.Result.Succeeded()
}

// Runner ties the selector, polling engine, cost tracker, ledger and
// evidence journal together.
type Runner struct {
	selector    *selector.Selector
	engine      *poller.Engine
	costs       *cost.Tracker
	routing     *config.RoutingConfig
	ledger      *ledger.Synchronizer
	evidence    *evidence.Writer
	logger      zerolog.Logger
	concurrency int
}

// Option configures a Runner.
type Option func(*Runner)

// WithLedger writes every request to the review ledger.
func WithLedger(s *ledger.Synchronizer) Option {
	return func(r *Runner) {
		r.ledger = s
	}
}

// WithEvidence writes per-request records to an evidence run directory.
func WithEvidence(w *evidence.Writer) Option {
	return func(r *Runner) {
		r.evidence = w
	}
}

// WithRouting sets the retry, polling and fallback configuration.
func WithRouting(cfg *config.RoutingConfig) Option {
	return func(r *Runner) {
		r.routing = cfg
	}
}

// WithLogger sets the runner logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// WithConcurrency caps concurrent requests in GenerateBatch.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		r.concurrency = n
	}
}

// NewRunner creates a runner over sel. Costs are tracked in costs, which
// may be shared across runners.
func NewRunner(sel *selector.Selector, costs *cost.Tracker, opts ...Option) *Runner {
	r := &Runner{
		selector: sel,
		costs:    costs,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.routing == nil {
		r.routing = config.DefaultRoutingConfig()
	}
	if r.concurrency <= 0 {
		r.concurrency = r.routing.Batch.Concurrency
	}
	if r.concurrency <= 0 {
		r.concurrency = 1
	}
	r.engine = poller.New(sel, poller.WithLogger(r.logger))
	return r
}

// Generate runs one request to a terminal result. The error is reserved for
// requests rejected before submission (selection, capability, credentials,
// pricing, budget, ledger row creation); everything after that is reported
// in the Outcome.
func (r *Runner) Generate(ctx context.Context, req Request) (*Outcome, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	preq := req.Request.Clone()
	preq.Model = r.selector.ResolveModel(preq.Model)
	out := &Outcome{ID: req.ID, Request: preq}
	log := r.logger.With().Str("request_id", req.ID).Str("model", preq.Model).Logger()

	primary, err := r.preflight(preq)
	if err != nil {
		out.Err = err
		return out, err
	}
	estimate, err := r.costs.Estimate(preq.Model)
	if err != nil {
		out.Err = err
		return out, err
	}
	reservation, err := r.costs.Reserve(preq.Model)
	if err != nil {
		out.Err = err
		return out, err
	}

	if r.ledger != nil {
		recordID, err := r.ledger.RecordSubmitted(ctx, preq, primary.Name(), estimate)
		if err != nil {
			reservation.Release()
			out.Err = err
			return out, err
		}
		out.RecordID = recordID
		log = log.With().Str("record_id", recordID).Logger()
	}

	policy := poller.PolicyFromConfig(r.routing, preq.Kind)
	if r.ledger != nil {
		recordID := out.RecordID
		policy.OnSubmitted = func(ctx context.Context, h provider.Handle) {
			if err := r.ledger.MarkGenerating(ctx, recordID, h); err != nil {
				log.Warn().Err(err).Str("task_id", h.TaskID).Msg("failed to mark ledger row generating")
			}
		}
	}

	res, err := r.engine.Resolve(ctx, preq, policy)
	if err != nil {
		// preflight passed, so only a registry change between the two
		// checks lands here.
		res = &poller.Result{
			Outcome:  poller.OutcomeFailed,
			Kind:     preq.Kind,
			Model:    preq.Model,
			Reason:   err.Error(),
			Provider: primary.Name(),
			Err:      err,
		}
	}
	out.Result = res

	// A timed-out job may still finish and be billed.
	switch res.Outcome {
	case poller.OutcomeSucceeded, poller.OutcomeTimedOut:
		reservation.Commit()
		out.CostUSD = estimate
	default:
		reservation.Release()
	}

	if r.ledger != nil {
		if err := r.ledger.RecordResult(ctx, out.RecordID, res); err != nil {
			out.SyncErr = err
		}
	}
	r.writeEvidence(out)

	event := log.Info()
	if !res.Succeeded() {
		event = log.Warn()
	}
	event.Str("outcome", string(res.Outcome)).
		Str("provider", res.Provider).
		Str("artifact", res.ArtifactURL).
		Str("reason", res.Reason).
		Int("attempts", len(res.Attempts)).
		Dur("elapsed", res.Elapsed).
		Msg("request finished")
	return out, nil
}

// GenerateBatch runs every request of m concurrently, at most the configured
// concurrency at a time. Outcomes are returned in manifest order; a failing
// request never stops its siblings.
func (r *Runner) GenerateBatch(ctx context.Context, m *Manifest) ([]*Outcome, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	outcomes := make([]*Outcome, len(m.Requests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, req := range m.Requests {
		g.Go(func() error {
			out, err := r.Generate(gctx, req)
			if err != nil {
				r.logger.Warn().Err(err).Str("request_id", req.ID).Msg("request rejected")
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, err
	}

	if r.evidence != nil {
		run := evidence.RunRecord{
			ID:             m.Name,
			Timestamp:      start.UTC(),
			Manifest:       m.Name,
			Requests:       len(m.Requests),
			Concurrency:    r.concurrency,
			MaxBudgetUSD:   r.routing.Batch.MaxBudgetUSD,
			TotalCostUSD:   r.costs.RunningTotal(),
			Outcomes:       Tally(outcomes),
			DurationMillis: time.Since(start).Milliseconds(),
		}
		if err := r.evidence.WriteRun(run); err != nil {
			r.logger.Warn().Err(err).Msg("failed to write run evidence")
		}
	}
	return outcomes, nil
}

// Await resumes polling of a handle from an earlier run, typically one that
// timed out, and records the result against recordID when one is given.
func (r *Runner) Await(ctx context.Context, h provider.Handle, recordID string) (*Outcome, error) {
	p, ok := r.selector.Provider(h.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: provider %q is not configured", provider.ErrUnsupportedCombination, h.Provider)
	}
	res, err := r.engine.Await(ctx, p, h, poller.PolicyFromConfig(r.routing, h.Kind))
	if err != nil {
		return nil, err
	}
	out := &Outcome{
		ID:       h.String(),
		RecordID: recordID,
		Request:  provider.Request{Kind: h.Kind, Model: h.Model},
		Result:   res,
	}
	if r.ledger != nil && recordID != "" {
		if err := r.ledger.RecordResult(ctx, recordID, res); err != nil {
			out.SyncErr = err
		}
	}
	return out, nil
}

// Tally counts outcomes by result; rejected requests count as "rejected".
func Tally(outcomes []*Outcome) map[string]int {
	counts := make(map[string]int)
	for _, o := range outcomes {
		switch {
		case o == nil:
		case o.Err != nil || o.Result == nil:
			counts["rejected"]++
		default:
			counts[string(o.Result.Outcome)]++
		}
	}
	return counts
}

// preflight runs the checks that must pass before a ledger row exists.
func (r *Runner) preflight(req provider.Request) (provider.Provider, error) {
	p, err := r.selector.Select(req.Kind, req.Model, req.ProviderOverride)
	if err != nil {
		return nil, err
	}
	if err := provider.Validate(p, req); err != nil {
		return nil, err
	}
	if !p.HasCredentials() {
		return nil, fmt.Errorf("%w: %s has no credentials configured", provider.ErrMissingCredential, p.Name())
	}
	return p, nil
}

func (r *Runner) writeEvidence(out *Outcome) {
	if r.evidence == nil {
		return
	}
	record := evidence.NewRequestRecord(out.ID, out.Request, out.Result)
	record.RecordID = out.RecordID
	record.CostUSD = out.CostUSD
	record.LedgerSynced = r.ledger != nil && out.SyncErr == nil
	if out.SyncErr != nil {
		record.LedgerError = out.SyncErr.Error()
	}
	if err := r.evidence.WriteRequest(record); err != nil {
		r.logger.Warn().Err(err).Str("request_id", out.ID).Msg("failed to write request evidence")
	}
}
