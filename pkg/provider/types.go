package provider

import (
	"fmt"
	"strings"
	"time"
)

// AssetKind identifies what a generation job produces.
type AssetKind string

const (
	KindImage AssetKind = "image"
	KindVideo AssetKind = "video"
)

// ParseKind normalizes free-form input into an AssetKind.
func ParseKind(s string) (AssetKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(KindImage):
		return KindImage, nil
	case string(KindVideo):
		return KindVideo, nil
	default:
		return "", fmt.Errorf("unknown asset kind %q", s)
	}
}

// Request is a single logical generation request.
type Request struct {
	Kind          AssetKind `json:"kind" yaml:"kind"`
	Model         string    `json:"model" yaml:"model"`
	Prompt        string    `json:"prompt" yaml:"prompt"`
	ReferenceURLs []string  `json:"reference_urls,omitempty" yaml:"references,omitempty"`
	AspectRatio   string    `json:"aspect_ratio,omitempty" yaml:"aspect_ratio,omitempty"`
	// Duration is in seconds and only applies to video.
	Duration   int    `json:"duration,omitempty" yaml:"duration,omitempty"`
	Resolution string `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	// Mode selects a quality tier on backends that offer one (kling: std/pro).
	Mode             string `json:"mode,omitempty" yaml:"mode,omitempty"`
	ProviderOverride string `json:"provider_override,omitempty" yaml:"provider,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate a submitted request.
func (r Request) Clone() Request {
	out := r
	if r.ReferenceURLs != nil {
		out.ReferenceURLs = append([]string(nil), r.ReferenceURLs...)
	}
	return out
}

// FirstReference returns the first reference URL, or "".
func (r Request) FirstReference() string {
	if len(r.ReferenceURLs) == 0 {
		return ""
	}
	return r.ReferenceURLs[0]
}

// Handle identifies one provider-side job.
type Handle struct {
	Provider    string    `json:"provider"`
	TaskID      string    `json:"task_id"`
	PollURL     string    `json:"poll_url,omitempty"`
	Kind        AssetKind `json:"kind"`
	Model       string    `json:"model"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func (h Handle) String() string {
	return h.Provider + "/" + h.TaskID
}

// State is the normalized provider job state.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateNotFound  State = "not_found"
)

// IsTerminal reports whether polling must stop after this state.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Status is the result of a single poll.
type Status struct {
	State       State  `json:"state"`
	ArtifactURL string `json:"artifact_url,omitempty"`
	Reason      string `json:"reason,omitempty"`
	// Code is the provider's raw failure code, when it reports one.
	Code string `json:"code,omitempty"`
}

// Succeeded builds a terminal success status.
func Succeeded(url string) Status {
	return Status{State: StateSucceeded, ArtifactURL: url}
}

// Failed builds a terminal failure status.
func Failed(code, reason string) Status {
	return Status{State: StateFailed, Code: code, Reason: reason}
}
