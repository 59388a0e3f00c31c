// Package poller drives one logical generation request to a terminal
// result: submit, poll with bounded exponential backoff, resubmit on
// retryable failures, and fail over along the fallback chain.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zen-systems/gengate/pkg/provider"
)

// ErrHandleBusy is returned by Await for a handle that is already being polled.
var ErrHandleBusy = errors.New("handle is already being polled")

// Router picks the primary provider and its fallbacks.
type Router interface {
	Select(kind provider.AssetKind, model, override string) (provider.Provider, error)
	FallbackChain(kind provider.AssetKind, model, primary string) []provider.Provider
}

type modelResolver interface {
	ResolveModel(model string) string
}

// Engine resolves requests. It keeps no per-request state besides the set of
// handles currently being polled.
type Engine struct {
	router Router
	logger zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an engine that selects providers through router.
func New(router Router, opts ...Option) *Engine {
	e := &Engine{
		router:   router,
		logger:   zerolog.Nop(),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resolve blocks until req reaches a terminal outcome. The returned error is
// reserved for requests rejected before any submission (selection,
// capability, credentials); every other ending is a Result.
func (e *Engine) Resolve(ctx context.Context, req provider.Request, policy Policy) (*Result, error) {
	req = req.Clone()
	policy = policy.withDefaults()
	if r, ok := e.router.(modelResolver); ok {
		req.Model = r.ResolveModel(req.Model)
	}

	primary, err := e.router.Select(req.Kind, req.Model, req.ProviderOverride)
	if err != nil {
		return nil, err
	}
	if err := checkProvider(primary, req); err != nil {
		return nil, err
	}

	targets := []provider.Provider{primary}
	if policy.AllowFallback {
		targets = append(targets, e.router.FallbackChain(req.Kind, req.Model, primary.Name())...)
	}

	start := time.Now()
	deadline := start.Add(policy.MaxWait)
	res := &Result{Kind: req.Kind, Model: req.Model}
	finish := func(outcome Outcome) (*Result, error) {
		res.Outcome = outcome
		res.Elapsed = time.Since(start)
		return res, nil
	}
	lastReason := ""

	for idx, p := range targets {
		fallback := idx > 0
		log := e.logger.With().Str("provider", p.Name()).Str("model", req.Model).Logger()

		if fallback {
			if err := checkProvider(p, req); err != nil {
				log.Warn().Err(err).Msg("skipping fallback provider")
				res.Attempts = append(res.Attempts, Attempt{
					Provider:  p.Name(),
					Fallback:  true,
					Outcome:   OutcomeFailed,
					Reason:    "skipped: " + err.Error(),
					StartedAt: time.Now(),
				})
				continue
			}
			log.Warn().Str("previous", res.Provider).Str("reason", lastReason).Msg("falling back")
		}

		for attempt := 0; attempt <= policy.MaxRetriesSameProvider; attempt++ {
			if attempt > 0 {
				wait := computeBackoff(policy.ResubmitBackoff, policy.MaxResubmitBackoff, attempt-1)
				if err := sleepWithContext(ctx, min(wait, max(time.Until(deadline), 0))); err != nil {
					res.Reason = "cancelled before resubmission"
					return finish(OutcomeCancelled)
				}
			}
			// No job is outstanding here, so an expired deadline is a
			// failure rather than an unknown outcome.
			if (idx > 0 || attempt > 0) && !time.Now().Before(deadline) {
				log.Warn().Dur("max_wait", policy.MaxWait).Msg("deadline reached, not resubmitting")
				res.Reason = fmt.Sprintf("gave up after %s without resubmitting, last provider %s: %s", policy.MaxWait, res.Provider, lastReason)
				res.Retryable = true
				return finish(OutcomeFailed)
			}

			res.Provider = p.Name()
			a := Attempt{Provider: p.Name(), Attempt: attempt + 1, Fallback: fallback, StartedAt: time.Now()}

			h, err := provider.Submit(ctx, p, req)
			if err != nil {
				a.Duration = time.Since(a.StartedAt)
				a.Reason = err.Error()
				if ctx.Err() != nil {
					a.Outcome = OutcomeCancelled
					res.Attempts = append(res.Attempts, a)
					res.Reason = "cancelled during submission"
					return finish(OutcomeCancelled)
				}
				a.Outcome = OutcomeFailed
				res.Attempts = append(res.Attempts, a)
				res.Err = err
				lastReason = err.Error()
				if !provider.IsTransient(err) {
					log.Error().Err(err).Msg("submission rejected")
					res.Reason = err.Error()
					res.Retryable = false
					return finish(OutcomeFailed)
				}
				log.Warn().Err(err).Int("attempt", attempt+1).Msg("transient submission error")
				continue
			}

			a.TaskID = h.TaskID
			res.Handle = h
			res.Err = nil
			log.Info().Str("task_id", h.TaskID).Int("attempt", attempt+1).Bool("fallback", fallback).Msg("submitted")
			if policy.OnSubmitted != nil {
				policy.OnSubmitted(ctx, h)
			}

			po := e.poll(ctx, p, h, policy, deadline)
			a.Outcome = po.outcome
			a.Reason = po.reason
			a.Polls = po.polls
			a.Duration = time.Since(a.StartedAt)
			res.Attempts = append(res.Attempts, a)

			switch po.outcome {
			case OutcomeSucceeded:
				res.ArtifactURL = po.status.ArtifactURL
				res.Reason = ""
				log.Info().Str("task_id", h.TaskID).Str("artifact", res.ArtifactURL).Msg("generation succeeded")
				return finish(OutcomeSucceeded)
			case OutcomeTimedOut, OutcomeCancelled:
				res.Reason = po.reason
				return finish(po.outcome)
			}

			lastReason = po.reason
			if !po.retryable {
				log.Warn().Str("task_id", h.TaskID).Str("reason", po.reason).Msg("generation failed")
				res.Reason = po.reason
				res.Retryable = false
				return finish(OutcomeFailed)
			}
			log.Warn().Str("task_id", h.TaskID).Str("reason", po.reason).Msg("retryable failure")
		}
	}

	res.Reason = fmt.Sprintf("all attempts exhausted, last provider %s: %s", res.Provider, lastReason)
	res.Retryable = true
	return finish(OutcomeFailed)
}

// Await polls an existing handle until it is terminal or policy.MaxWait
// elapses. It never resubmits.
func (e *Engine) Await(ctx context.Context, p provider.Provider, h provider.Handle, policy Policy) (*Result, error) {
	policy = policy.withDefaults()
	if !e.acquire(h) {
		return nil, fmt.Errorf("%w: %s", ErrHandleBusy, h)
	}
	defer e.release(h)

	start := time.Now()
	po := e.pollLocked(ctx, p, h, policy, start.Add(policy.MaxWait))
	res := &Result{
		Outcome:   po.outcome,
		Kind:      h.Kind,
		Model:     h.Model,
		Reason:    po.reason,
		Retryable: po.retryable,
		Elapsed:   time.Since(start),
		Provider:  p.Name(),
		Handle:    h,
		Attempts: []Attempt{{
			Provider:  p.Name(),
			TaskID:    h.TaskID,
			Attempt:   1,
			Outcome:   po.outcome,
			Reason:    po.reason,
			Polls:     po.polls,
			StartedAt: start,
			Duration:  time.Since(start),
		}},
	}
	if po.outcome == OutcomeSucceeded {
		res.ArtifactURL = po.status.ArtifactURL
		res.Reason = ""
	}
	return res, nil
}

type pollOutcome struct {
	outcome   Outcome
	status    provider.Status
	reason    string
	retryable bool
	polls     int
}

// poll runs the loop for a handle this engine just submitted.
func (e *Engine) poll(ctx context.Context, p provider.Provider, h provider.Handle, policy Policy, deadline time.Time) pollOutcome {
	if !e.acquire(h) {
		return pollOutcome{outcome: OutcomeFailed, reason: ErrHandleBusy.Error()}
	}
	defer e.release(h)
	return e.pollLocked(ctx, p, h, policy, deadline)
}

// pollLocked polls h sequentially until a terminal state or deadline. The
// caller holds the handle.
func (e *Engine) pollLocked(ctx context.Context, p provider.Provider, h provider.Handle, policy Policy, deadline time.Time) pollOutcome {
	log := e.logger.With().Str("provider", h.Provider).Str("task_id", h.TaskID).Logger()
	interval := policy.PollInterval
	var (
		polls      int
		notFound   int
		pollErrors int
	)

	for {
		status, err := provider.Poll(ctx, p, h)
		polls++
		if ctx.Err() != nil {
			return pollOutcome{outcome: OutcomeCancelled, reason: "cancelled while polling", polls: polls}
		}

		if err != nil {
			pollErrors++
			log.Debug().Err(err).Int("consecutive", pollErrors).Msg("poll error")
			if pollErrors > policy.MaxPollErrors {
				return pollOutcome{
					outcome:   OutcomeFailed,
					reason:    fmt.Sprintf("status check failed %d times: %v", pollErrors, err),
					retryable: true,
					polls:     polls,
				}
			}
		} else {
			pollErrors = 0
			log.Debug().Str("state", string(status.State)).Int("poll", polls).Msg("polled")
			switch status.State {
			case provider.StateSucceeded:
				if status.ArtifactURL == "" {
					return pollOutcome{outcome: OutcomeFailed, status: status, reason: "succeeded without an artifact URL", polls: polls}
				}
				return pollOutcome{outcome: OutcomeSucceeded, status: status, polls: polls}
			case provider.StateFailed:
				reason := status.Reason
				if reason == "" {
					reason = "provider reported failure"
				}
				return pollOutcome{
					outcome:   OutcomeFailed,
					status:    status,
					reason:    reason,
					retryable: policy.retryable(p, status),
					polls:     polls,
				}
			case provider.StateNotFound:
				notFound++
				if notFound > policy.MaxNotFound {
					return pollOutcome{
						outcome:   OutcomeFailed,
						status:    status,
						reason:    fmt.Sprintf("task %s not found after %d polls", h.TaskID, notFound),
						retryable: true,
						polls:     polls,
					}
				}
			default:
				notFound = 0
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return pollOutcome{
				outcome: OutcomeTimedOut,
				reason:  fmt.Sprintf("no terminal status after %s; task %s may still complete, check manually", policy.MaxWait, h),
				polls:   polls,
			}
		}
		if err := sleepWithContext(ctx, min(interval, remaining)); err != nil {
			return pollOutcome{outcome: OutcomeCancelled, reason: "cancelled while polling", polls: polls}
		}
		interval = nextInterval(interval, policy.MaxPollInterval)
	}
}

func (e *Engine) acquire(h provider.Handle) bool {
	key := h.String()
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[key]; busy {
		return false
	}
	e.inflight[key] = struct{}{}
	return true
}

func (e *Engine) release(h provider.Handle) {
	e.mu.Lock()
	delete(e.inflight, h.String())
	e.mu.Unlock()
}

// checkProvider runs the pre-submission checks that make a provider unusable
// for req: capability and credentials.
func checkProvider(p provider.Provider, req provider.Request) error {
	if err := provider.Validate(p, req); err != nil {
		return err
	}
	if !p.HasCredentials() {
		return fmt.Errorf("%w: %s has no credentials configured", provider.ErrMissingCredential, p.Name())
	}
	return nil
}
