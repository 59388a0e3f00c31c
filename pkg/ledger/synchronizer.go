package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/zen-systems/gengate/pkg/poller"
	"github.com/zen-systems/gengate/pkg/provider"
)

// Journal persists results whose ledger write failed, so a later process
// can replay them.
type Journal interface {
	Park(recordID string, res *poller.Result) error
	Unpark(recordID string) error
	Parked() (map[string]*poller.Result, error)
}

// Synchronizer maps generation lifecycle events onto ledger rows.
type Synchronizer struct {
	store           Store
	journal         Journal
	logger          zerolog.Logger
	initialInterval time.Duration
	maxElapsed      time.Duration
	detachedTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*poller.Result
}

// SyncOption configures a Synchronizer.
type SyncOption func(*Synchronizer)

// WithJournal parks unsynced results on disk as well as in memory.
func WithJournal(j Journal) SyncOption {
	return func(s *Synchronizer) {
		s.journal = j
	}
}

// WithLogger sets the synchronizer logger.
func WithLogger(l zerolog.Logger) SyncOption {
	return func(s *Synchronizer) {
		s.logger = l
	}
}

// WithRetry bounds store write retries.
func WithRetry(initial, maxElapsed time.Duration) SyncOption {
	return func(s *Synchronizer) {
		s.initialInterval = initial
		s.maxElapsed = maxElapsed
	}
}

// WithDetachedTimeout bounds writes made after the caller's context ended.
func WithDetachedTimeout(d time.Duration) SyncOption {
	return func(s *Synchronizer) {
		s.detachedTimeout = d
	}
}

// NewSynchronizer creates a synchronizer writing to store.
func NewSynchronizer(store Store, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{
		store:           store,
		logger:          zerolog.Nop(),
		initialInterval: 250 * time.Millisecond,
		maxElapsed:      30 * time.Second,
		detachedTimeout: 15 * time.Second,
		pending:         make(map[string]*poller.Result),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordSubmitted creates the Pending row for req and returns its id.
func (s *Synchronizer) RecordSubmitted(ctx context.Context, req provider.Request, providerName string, estimate float64) (string, error) {
	rec := &Record{
		Kind:         string(req.Kind),
		Model:        req.Model,
		Provider:     providerName,
		Status:       StatusPending,
		CostEstimate: estimate,
		Prompt:       req.Prompt,
	}
	err := s.retry(ctx, func(ctx context.Context) error {
		return s.store.Create(ctx, rec)
	})
	if err != nil {
		return "", &SyncError{Op: "create", Cause: err}
	}
	s.logger.Debug().Str("record_id", rec.ID).Str("model", req.Model).Msg("ledger row created")
	return rec.ID, nil
}

// MarkGenerating moves a Pending row to Generating and stores the handle.
// Later handles of the same request (resubmissions, fallbacks) replace the
// provider and task id. Rows already past Generating are left alone.
func (s *Synchronizer) MarkGenerating(ctx context.Context, recordID string, h provider.Handle) error {
	err := s.retry(ctx, func(ctx context.Context) error {
		rec, err := s.store.Get(ctx, recordID)
		if err != nil {
			return err
		}
		if !rec.Status.CanTransition(StatusGenerating) {
			return nil
		}
		if rec.Status == StatusGenerating && rec.Provider == h.Provider && rec.TaskID == h.TaskID {
			return nil
		}
		rec.Status = StatusGenerating
		rec.Provider = h.Provider
		rec.TaskID = h.TaskID
		return s.store.Update(ctx, rec)
	})
	if err != nil {
		return &SyncError{RecordID: recordID, Op: "mark generating", Cause: err}
	}
	return nil
}

// RecordResult writes the terminal result. It is idempotent per record and
// never moves a row out of Ready, Approved or Rejected. When the write
// fails after retries the result is parked for RetryPending.
func (s *Synchronizer) RecordResult(ctx context.Context, recordID string, res *poller.Result) error {
	if res == nil {
		return errors.New("ledger: nil result")
	}
	if ctx.Err() != nil || res.Outcome == poller.OutcomeCancelled {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), s.detachedTimeout)
		defer cancel()
	}

	if err := s.apply(ctx, recordID, res); err != nil {
		s.park(recordID, res)
		s.logger.Warn().Err(err).Str("record_id", recordID).Msg("ledger sync failed, result kept for retry")
		return &SyncError{RecordID: recordID, Op: "record result", Cause: err}
	}
	s.unpark(recordID)
	return nil
}

// RetryPending replays every parked result, including those found in the
// journal, and returns how many were written.
func (s *Synchronizer) RetryPending(ctx context.Context) (int, error) {
	if s.journal != nil {
		parked, err := s.journal.Parked()
		if err != nil {
			return 0, err
		}
		s.mu.Lock()
		for id, res := range parked {
			if _, ok := s.pending[id]; !ok {
				s.pending[id] = res
			}
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	pending := maps.Clone(s.pending)
	s.mu.Unlock()

	var (
		synced int
		errs   []error
	)
	for _, id := range slices.Sorted(maps.Keys(pending)) {
		if err := s.apply(ctx, id, pending[id]); err != nil {
			errs = append(errs, &SyncError{RecordID: id, Op: "retry", Cause: err})
			continue
		}
		s.unpark(id)
		synced++
	}
	return synced, errors.Join(errs...)
}

// Pending lists record ids whose result has not reached the ledger.
func (s *Synchronizer) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.pending))
}

func (s *Synchronizer) apply(ctx context.Context, recordID string, res *poller.Result) error {
	return s.retry(ctx, func(ctx context.Context) error {
		rec, err := s.store.Get(ctx, recordID)
		if err != nil {
			return err
		}
		next := withResult(*rec, res)
		if sameOutcome(*rec, next) {
			return nil
		}
		if !rec.CanMoveTo(next.Status) {
			s.logger.Info().
				Str("record_id", recordID).
				Str("status", string(rec.Status)).
				Str("result", string(next.Status)).
				Msg("ledger row already settled, result not applied")
			return nil
		}
		return s.store.Update(ctx, &next)
	})
}

func (s *Synchronizer) retry(ctx context.Context, op func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialInterval
	b.MaxElapsedTime = s.maxElapsed

	return backoff.RetryNotify(func() error {
		err := op(ctx)
		if errors.Is(err, ErrRecordNotFound) || errors.Is(err, ErrRejected) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		s.logger.Debug().Err(err).Dur("next", next).Msg("ledger write failed, retrying")
	})
}

func (s *Synchronizer) park(recordID string, res *poller.Result) {
	s.mu.Lock()
	s.pending[recordID] = res
	s.mu.Unlock()
	if s.journal != nil {
		if err := s.journal.Park(recordID, res); err != nil {
			s.logger.Error().Err(err).Str("record_id", recordID).Msg("failed to journal unsynced result")
		}
	}
}

func (s *Synchronizer) unpark(recordID string) {
	s.mu.Lock()
	_, parked := s.pending[recordID]
	delete(s.pending, recordID)
	s.mu.Unlock()
	if s.journal != nil && parked {
		if err := s.journal.Unpark(recordID); err != nil {
			s.logger.Warn().Err(err).Str("record_id", recordID).Msg("failed to clear journal entry")
		}
	}
}

// withResult returns rec updated with the terminal result.
func withResult(rec Record, res *poller.Result) Record {
	switch res.Outcome {
	case poller.OutcomeSucceeded:
		rec.Status = StatusReady
		rec.ArtifactURL = res.ArtifactURL
		rec.Reason = ""
		rec.TimedOut = false
	case poller.OutcomeTimedOut:
		rec.Status = StatusFailed
		rec.TimedOut = true
		rec.Reason = "outcome unknown, timed out waiting for provider: " + res.Reason
	case poller.OutcomeCancelled:
		rec.Status = StatusCancelled
		rec.TimedOut = false
		rec.Reason = res.Reason
		if rec.Reason == "" {
			rec.Reason = "cancelled"
		}
	default:
		rec.Status = StatusFailed
		rec.Reason = res.Reason
		rec.TimedOut = false
	}
	if res.Provider != "" {
		rec.Provider = res.Provider
	}
	if res.Handle.TaskID != "" {
		rec.TaskID = res.Handle.TaskID
	}
	if len(res.Attempts) > 0 {
		if data, err := json.Marshal(res.Attempts); err == nil {
			rec.Attempts = string(data)
		}
	}
	return rec
}

func sameOutcome(a, b Record) bool {
	return a.Status == b.Status &&
		a.ArtifactURL == b.ArtifactURL &&
		a.Reason == b.Reason &&
		a.Provider == b.Provider &&
		a.TaskID == b.TaskID &&
		a.TimedOut == b.TimedOut &&
		a.Attempts == b.Attempts
}
