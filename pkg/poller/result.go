package poller

import (
	"time"

	"github.com/zen-systems/gengate/pkg/provider"
)

// Outcome is the terminal classification of a logical request. TimedOut
// means the provider-side job may still complete: the result is unknown,
// not failed.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

// Attempt records one submission and its polling.
type Attempt struct {
	Provider string `json:"provider"`
	TaskID   string `json:"task_id,omitempty"`
	// Attempt is 1-based per provider.
	Attempt   int           `json:"attempt"`
	Fallback  bool          `json:"fallback"`
	Outcome   Outcome       `json:"outcome"`
	Reason    string        `json:"reason,omitempty"`
	Polls     int           `json:"polls"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Result is the terminal answer for one logical request.
type Result struct {
	Outcome     Outcome            `json:"outcome"`
	Kind        provider.AssetKind `json:"kind"`
	Model       string             `json:"model"`
	ArtifactURL string             `json:"artifact_url,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	// Retryable is set on Failed results the provider classified as transient.
	Retryable bool          `json:"retryable,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	// Provider is the last provider tried.
	Provider string          `json:"provider"`
	Handle   provider.Handle `json:"handle"`
	Attempts []Attempt       `json:"attempts"`
	// Err is the typed cause of a Failed result, when there is one.
	Err error `json:"-"`
}

// Succeeded reports whether the request produced an artifact.
func (r *Result) Succeeded() bool {
	return r != nil && r.Outcome == OutcomeSucceeded
}

// UsedFallback reports whether the final attempt ran on a fallback provider.
func (r *Result) UsedFallback() bool {
	if r == nil || len(r.Attempts) == 0 {
		return false
	}
	return r.Attempts[len(r.Attempts)-1].Fallback
}
