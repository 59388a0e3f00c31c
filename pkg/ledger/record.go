// Package ledger keeps the human-facing review sheet in step with generation
// results. Rows are created before the first poll so abandoned jobs stay
// visible, and are never deleted.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRecordNotFound is returned by stores for unknown record ids.
	ErrRecordNotFound = errors.New("ledger record not found")
	// ErrRejected marks writes the backend refused outright; they are not retried.
	ErrRejected = errors.New("ledger write rejected")
)

// Status is the review status of a ledger row.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusGenerating Status = "Generating"
	StatusReady      Status = "Ready"
	StatusApproved   Status = "Approved"
	StatusRejected   Status = "Rejected"
	StatusFailed     Status = "Failed"
	StatusCancelled  Status = "Cancelled"
)

// transitions lists the moves this package may make. Ready -> Approved and
// Ready -> Rejected belong to reviewers and are listed only so stores accept
// them. Failed -> Ready is only taken by rows that failed on a timeout; see
// Record.CanMoveTo.
var transitions = map[Status][]Status{
	StatusPending:    {StatusGenerating, StatusReady, StatusFailed, StatusCancelled},
	StatusGenerating: {StatusGenerating, StatusReady, StatusFailed, StatusCancelled},
	StatusFailed:     {StatusReady},
	StatusReady:      {StatusApproved, StatusRejected},
}

// CanTransition reports whether a row may move from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Reviewed reports whether the row is owned by reviewers now.
func (s Status) Reviewed() bool {
	return s == StatusReady || s == StatusApproved || s == StatusRejected
}

// CanMoveTo reports whether the row may take next's status. A Failed row
// only becomes Ready when it failed by timing out.
func (r Record) CanMoveTo(next Status) bool {
	if r.Status == StatusFailed && next == StatusReady {
		return r.TimedOut
	}
	return r.Status.CanTransition(next)
}

// Record is one row of the review ledger.
type Record struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	Status       Status    `json:"status"`
	ArtifactURL  string    `json:"artifact_url,omitempty"`
	CostEstimate float64   `json:"cost_estimate"`
	Prompt       string    `json:"prompt"`
	Reason       string    `json:"reason,omitempty"`
	TaskID       string    `json:"task_id,omitempty"`
	Attempts     string    `json:"attempts,omitempty"`
	// TimedOut marks a Failed row whose provider job may still complete.
	TimedOut     bool      `json:"timed_out,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store is the review ledger backend. Create assigns rec.ID.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, rec *Record) error
}

// SyncError reports a ledger write that failed after all retries. The
// generation result it carried is kept for RetryPending.
type SyncError struct {
	RecordID string
	Op       string
	Cause    error
}

func (e *SyncError) Error() string {
	if e.RecordID == "" {
		return fmt.Sprintf("ledger %s failed: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("ledger %s for record %s failed: %v", e.Op, e.RecordID, e.Cause)
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}
