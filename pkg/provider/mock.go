package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter is a scripted provider for local runs and tests. Every
// submission replays the same poll script; the last entry repeats.
type MockAdapter struct {
	mu          sync.Mutex
	name        string
	models      map[AssetKind][]string
	credentials bool
	script      []Status
	submitErrs  []error
	jobs        map[string]int
	submits     int
	polls       int
}

// NewMockAdapter creates a mock that succeeds after one queued and one running poll.
func NewMockAdapter(name string) *MockAdapter {
	if name == "" {
		name = "mock"
	}
	return &MockAdapter{
		name: name,
		models: map[AssetKind][]string{
			KindImage: {"mock-image"},
			KindVideo: {"mock-video"},
		},
		credentials: true,
		script: []Status{
			{State: StateQueued},
			{State: StateRunning},
			{State: StateSucceeded},
		},
		jobs: make(map[string]int),
	}
}

// Serve replaces the models declared for kind.
func (m *MockAdapter) Serve(kind AssetKind, models ...string) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models[kind] = models
	return m
}

// Script replaces the poll sequence.
func (m *MockAdapter) Script(statuses ...Status) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = statuses
	return m
}

// FailSubmissions queues errors returned by the next submissions, in order.
func (m *MockAdapter) FailSubmissions(errs ...error) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErrs = append(m.submitErrs, errs...)
	return m
}

// WithoutCredentials makes the mock behave as if its secret were unset.
func (m *MockAdapter) WithoutCredentials() *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials = false
	return m
}

// Name returns the adapter identifier.
func (m *MockAdapter) Name() string {
	return m.name
}

// Models returns the models served for kind.
func (m *MockAdapter) Models(kind AssetKind) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.models[kind]...)
}

// HasCredentials reports whether the mock pretends to have a secret.
func (m *MockAdapter) HasCredentials() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credentials
}

// Retryable treats every failure carrying code "retry" as transient.
func (m *MockAdapter) Retryable(status Status) bool {
	return status.Code == "retry"
}

// Submissions returns how many submit calls were made.
func (m *MockAdapter) Submissions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submits
}

// Polls returns how many poll calls were made.
func (m *MockAdapter) Polls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls
}

// SubmitImage records a scripted image job.
func (m *MockAdapter) SubmitImage(ctx context.Context, req Request) (Handle, error) {
	return m.submit(ctx, req)
}

// PollImage advances the script for an image job.
func (m *MockAdapter) PollImage(ctx context.Context, h Handle) (Status, error) {
	return m.poll(ctx, h)
}

// SubmitVideo records a scripted video job.
func (m *MockAdapter) SubmitVideo(ctx context.Context, req Request) (Handle, error) {
	return m.submit(ctx, req)
}

// PollVideo advances the script for a video job.
func (m *MockAdapter) PollVideo(ctx context.Context, h Handle) (Status, error) {
	return m.poll(ctx, h)
}

func (m *MockAdapter) submit(ctx context.Context, req Request) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	if !Supports(m, req.Kind, req.Model) {
		return Handle{}, unsupportedModel(m.name, req.Kind, req.Model)
	}
	if !m.HasCredentials() {
		return Handle{}, missingCredential(m.name, "MOCK_API_KEY")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.submits++
	if len(m.submitErrs) > 0 {
		err := m.submitErrs[0]
		m.submitErrs = m.submitErrs[1:]
		if err != nil {
			return Handle{}, err
		}
	}
	id := fmt.Sprintf("%s-%d", m.name, m.submits)
	m.jobs[id] = 0
	return Handle{
		Provider:    m.name,
		TaskID:      id,
		Kind:        req.Kind,
		Model:       req.Model,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

func (m *MockAdapter) poll(ctx context.Context, h Handle) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
	step, ok := m.jobs[h.TaskID]
	if !ok || len(m.script) == 0 {
		return Status{State: StateNotFound}, nil
	}
	if step >= len(m.script) {
		step = len(m.script) - 1
	}
	m.jobs[h.TaskID] = step + 1
	status := m.script[step]
	if status.State == StateSucceeded && status.ArtifactURL == "" {
		status.ArtifactURL = fmt.Sprintf("mock://%s/%s", m.name, h.TaskID)
	}
	return status, nil
}
