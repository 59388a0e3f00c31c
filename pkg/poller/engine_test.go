package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zen-systems/gengate/pkg/config"
	"github.com/zen-systems/gengate/pkg/provider"
	"github.com/zen-systems/gengate/pkg/selector"
)

func testPolicy() Policy {
	return Policy{
		PollInterval:           time.Millisecond,
		MaxPollInterval:        4 * time.Millisecond,
		MaxWait:                time.Second,
		MaxRetriesSameProvider: 0,
		AllowFallback:          true,
		MaxNotFound:            2,
		MaxPollErrors:          2,
		ResubmitBackoff:        time.Millisecond,
		MaxResubmitBackoff:     2 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T, providers ...*provider.MockAdapter) *Engine {
	t.Helper()
	names := make([]string, 0, len(providers))
	list := make([]provider.Provider, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name())
		list = append(list, p)
	}
	registry, err := selector.NewRegistry(map[string]map[string]config.ModelRoute{
		"image": {"mock-image": {Default: names[0], Providers: names}},
		"video": {"mock-video": {Default: names[0], Providers: names}},
	})
	require.NoError(t, err)
	return New(selector.New(registry, list))
}

func imageRequest() provider.Request {
	return provider.Request{Kind: provider.KindImage, Model: "mock-image", Prompt: "a lighthouse at dusk"}
}

func TestResolveSuccessWithoutFallback(t *testing.T) {
	a := provider.NewMockAdapter("a")
	b := provider.NewMockAdapter("b")
	e := newTestEngine(t, a, b)

	res, err := e.Resolve(context.Background(), imageRequest(), testPolicy())
	require.NoError(t, err)

	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, "mock://a/a-1", res.ArtifactURL)
	assert.Equal(t, "a", res.Provider)
	assert.Equal(t, "a-1", res.Handle.TaskID)
	assert.False(t, res.UsedFallback())
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, 3, res.Attempts[0].Polls)
	assert.Equal(t, 1, a.Submissions())
	assert.Zero(t, b.Submissions())
}

func TestResolveFallsBackOnRetryableFailure(t *testing.T) {
	a := provider.NewMockAdapter("a").Script(provider.Failed("retry", "capacity"))
	b := provider.NewMockAdapter("b")
	e := newTestEngine(t, a, b)

	res, err := e.Resolve(context.Background(), imageRequest(), testPolicy())
	require.NoError(t, err)

	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, "b", res.Provider)
	assert.True(t, res.UsedFallback())
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, OutcomeFailed, res.Attempts[0].Outcome)
	assert.Equal(t, "capacity", res.Attempts[0].Reason)
	assert.True(t, res.Attempts[1].Fallback)
}

func TestResolveRetriesSameProviderBeforeFallback(t *testing.T) {
	a := provider.NewMockAdapter("a").Script(provider.Failed("retry", "capacity"))
	b := provider.NewMockAdapter("b")
	e := newTestEngine(t, a, b)
	policy := testPolicy()
	policy.MaxRetriesSameProvider = 2

	res, err := e.Resolve(context.Background(), imageRequest(), policy)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, 3, a.Submissions())
	assert.Equal(t, 1, b.Submissions())
	require.Len(t, res.Attempts, 4)
	assert.Equal(t, 3, res.Attempts[2].Attempt)
}

func TestResolveNonRetryableFailureStops(t *testing.T) {
	a := provider.NewMockAdapter("a").Script(provider.Failed("content_policy", "prompt rejected"))
	b := provider.NewMockAdapter("b")
	e := newTestEngine(t, a, b)
	policy := testPolicy()
	policy.MaxRetriesSameProvider = 3

	res, err := e.Resolve(context.Background(), imageRequest(), policy)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.False(t, res.Retryable)
	assert.Equal(t, "prompt rejected", res.Reason)
	assert.Equal(t, 1, a.Submissions())
	assert.Zero(t, b.Submissions())
}

func TestResolveFallbackDisabled(t *testing.T) {
	a := provider.NewMockAdapter("a").Script(provider.Failed("retry", "capacity"))
	b := provider.NewMockAdapter("b")
	e := newTestEngine(t, a, b)
	policy := testPolicy()
	policy.AllowFallback = false

	res, err := e.Resolve(context.Background(), imageRequest(), policy)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, res.Retryable)
	assert.Contains(t, res.Reason, "capacity")
	assert.Zero(t, b.Submissions())
}

func TestResolveCustomRetryableClassifier(t *testing.T) {
	a := provider.NewMockAdapter("a").Script(provider.Failed("", "upstream overloaded"))
	b := provider.NewMockAdapter("b")
	e := newTestEngine(t, a, b)

	routing := config.DefaultRoutingConfig()
	routing.RetryableReasons = map[string][]string{"a": {"Overloaded"}}
	policy := testPolicy()
	policy.Retryable = PolicyFromConfig(routing, provider.KindImage).Retryable

	res, err := e.Resolve(context.Background(), imageRequest(), policy)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, "b", res.Provider)
}

func TestResolveNonTransientSubmissionError(t *testing.T) {
	a := provider.NewMockAdapter("a").FailSubmissions(&provider.SubmissionError{Provider: "a", Status: 422})
	b := provider.NewMockAdapter("b")
	e := newTestEngine(t, a, b)
	policy := testPolicy()
	policy.MaxRetriesSameProvider = 2

	res, err := e.Resolve(context.Background(), imageRequest(), policy)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	var subErr *provider.SubmissionError
	require.ErrorAs(t, res.Err, &subErr)
	assert.Equal(t, 422, subErr.Status)
	assert.Zero(t, a.Polls(), "no polling after a rejected submission")
	assert.Equal(t, 1, a.Submissions())
	assert.Zero(t, b.Submissions())
}

func TestResolveTransientSubmissionErrorRetried(t *testing.T) {
	a := provider.NewMockAdapter("a").FailSubmissions(&provider.SubmissionError{Provider: "a", Status: 503})
	e := newTestEngine(t, a)
	policy := testPolicy()
	policy.MaxRetriesSameProvider = 1

	res, err := e.Resolve(context.Background(), imageRequest(), policy)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, 2, a.Submissions())
	require.Len(t, res.Attempts, 2)
	assert.Empty(t, res.Attempts[0].TaskID)
	assert.NoError(t, res.Err)
}

func TestResolveTransientSubmissionErrorFallsBack(t *testing.T) {
	a := provider.NewMockAdapter("a").FailSubmissions(&provider.SubmissionError{Provider: "a", Status: 502})
	b := provider.NewMockAdapter("b")
	e := newTestEngine(t, a, b)

	res, err := e.Resolve(context.Background(), imageRequest(), testPolicy())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, "b", res.Provider)
}

func TestResolveTimesOutWithoutFallback(t *testing.T) {
	a := provider.NewMockAdapter("a").Script(provider.Status{State: provider.StateRunning})
	b := provider.NewMockAdapter("b")
	e := newTestEngine(t, a, b)
	policy := testPolicy()
	policy.MaxWait = 30 * time.Millisecond

	start := time.Now()
	res, err := e.Resolve(context.Background(), imageRequest(), policy)
	require.NoError(t, err)

	assert.Equal(t, OutcomeTimedOut, res.Outcome)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "a-1", res.Handle.TaskID, "handle kept so the job can be checked later")
	assert.Contains(t, res.Reason, "a/a-1")
	assert.Zero(t, b.Submissions(), "a timed out job may still complete")
	assert.Greater(t, a.Polls(), 1)
}

func TestResolveExhaustsChainOfTwo(t *testing.T) {
	a := provider.NewMockAdapter("a").Script(provider.Failed("retry", "capacity"))
	b := provider.NewMockAdapter("b").Script(provider.Failed("retry", "overloaded"))
	e := newTestEngine(t, a, b)
	policy := testPolicy()
	policy.MaxRetriesSameProvider = 2

	res, err := e.Resolve(context.Background(), imageRequest(), policy)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, res.Retryable)
	assert.Equal(t, "b", res.Provider)
	assert.Contains(t, res.Reason, "last provider b")
	assert.Contains(t, res.Reason, "overloaded")
	assert.Equal(t, 3, a.Submissions())
	assert.Equal(t, 3, b.Submissions())
	require.Len(t, res.Attempts, 6)
	for i, attempt := range res.Attempts {
		assert.Equal(t, OutcomeFailed, attempt.Outcome)
		assert.Equal(t, i >= 3, attempt.Fallback)
	}
}

func TestResolveMaxWaitCoversWholeRequest(t *testing.T) {
	script := make([]provider.Status, 0, 26)
	for range 25 {
		script = append(script, provider.Status{State: provider.StateRunning})
	}
	script = append(script, provider.Failed("retry", "capacity"))
	a := provider.NewMockAdapter("a").Script(script...)
	b := provider.NewMockAdapter("b").Script(script...)
	e := newTestEngine(t, a, b)
	policy := testPolicy()
	policy.MaxRetriesSameProvider = 2
	policy.MaxWait = 40 * time.Millisecond

	res, err := e.Resolve(context.Background(), imageRequest(), policy)
	require.NoError(t, err)

	assert.Equal(t, OutcomeTimedOut, res.Outcome)
	assert.Less(t, res.Elapsed, 500*time.Millisecond)
	assert.Equal(t, 1, a.Submissions())
	assert.Zero(t, b.Submissions())
	require.Len(t, res.Attempts, 1)
}

func TestResolveDeadlineStopsResubmission(t *testing.T) {
	a := provider.NewMockAdapter("a").Script(provider.Failed("retry", "capacity"))
	b := provider.NewMockAdapter("b")
	e := newTestEngine(t, a, b)
	policy := testPolicy()
	policy.MaxRetriesSameProvider = 2
	policy.MaxWait = 20 * time.Millisecond
	policy.ResubmitBackoff = 200 * time.Millisecond
	policy.MaxResubmitBackoff = 200 * time.Millisecond

	res, err := e.Resolve(context.Background(), imageRequest(), policy)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, res.Outcome, "nothing is outstanding, so the outcome is known")
	assert.True(t, res.Retryable)
	assert.Contains(t, res.Reason, "without resubmitting")
	assert.Less(t, res.Elapsed, 150*time.Millisecond)
	assert.Equal(t, 1, a.Submissions())
	assert.Zero(t, b.Submissions())
}

func TestResolveNotFoundLimit(t *testing.T) {
	a := provider.NewMockAdapter("a").Script(provider.Status{State: provider.StateNotFound})
	e := newTestEngine(t, a)

	res, err := e.Resolve(context.Background(), imageRequest(), testPolicy())
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, res.Retryable)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, 3, res.Attempts[0].Polls)
	assert.Contains(t, res.Attempts[0].Reason, "not found")
}

func TestResolveNotFoundRecovers(t *testing.T) {
	a := provider.NewMockAdapter("a").Script(
		provider.Status{State: provider.StateNotFound},
		provider.Status{State: provider.StateNotFound},
		provider.Status{State: provider.StateRunning},
		provider.Succeeded("https://cdn.example/a.png"),
	)
	e := newTestEngine(t, a)

	res, err := e.Resolve(context.Background(), imageRequest(), testPolicy())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, "https://cdn.example/a.png", res.ArtifactURL)
}

func TestResolveCancellation(t *testing.T) {
	a := provider.NewMockAdapter("a").Script(provider.Status{State: provider.StateRunning})
	b := provider.NewMockAdapter("b")
	e := newTestEngine(t, a, b)
	policy := testPolicy()
	policy.MaxWait = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := e.Resolve(ctx, imageRequest(), policy)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Zero(t, b.Submissions())
}

func TestResolveCancelledBeforeSubmission(t *testing.T) {
	a := provider.NewMockAdapter("a")
	e := newTestEngine(t, a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := e.Resolve(ctx, imageRequest(), testPolicy())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Zero(t, a.Submissions())
}

func TestResolvePreconditionErrors(t *testing.T) {
	a := provider.NewMockAdapter("a").WithoutCredentials()
	e := newTestEngine(t, a)

	_, err := e.Resolve(context.Background(), imageRequest(), testPolicy())
	assert.True(t, errors.Is(err, provider.ErrMissingCredential))

	b := provider.NewMockAdapter("b")
	e = newTestEngine(t, b)

	_, err = e.Resolve(context.Background(), provider.Request{Kind: provider.KindImage, Model: "nope", Prompt: "p"}, testPolicy())
	assert.ErrorIs(t, err, provider.ErrUnknownModel)

	_, err = e.Resolve(context.Background(), provider.Request{Kind: provider.KindImage, Model: "mock-image"}, testPolicy())
	assert.ErrorIs(t, err, provider.ErrInvalidRequest)

	req := imageRequest()
	req.Duration = 5
	_, err = e.Resolve(context.Background(), req, testPolicy())
	assert.ErrorIs(t, err, provider.ErrUnsupportedFeature)
	assert.Zero(t, b.Submissions())
}

func TestResolveSkipsUnusableFallback(t *testing.T) {
	a := provider.NewMockAdapter("a").Script(provider.Failed("retry", "capacity"))
	b := provider.NewMockAdapter("b").WithoutCredentials()
	c := provider.NewMockAdapter("c")
	e := newTestEngine(t, a, b, c)

	res, err := e.Resolve(context.Background(), imageRequest(), testPolicy())
	require.NoError(t, err)

	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, "c", res.Provider)
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, "b", res.Attempts[1].Provider)
	assert.Contains(t, res.Attempts[1].Reason, "skipped")
	assert.Zero(t, b.Submissions())
}

func TestResolveOnSubmittedHook(t *testing.T) {
	a := provider.NewMockAdapter("a").Script(provider.Failed("retry", "capacity"))
	b := provider.NewMockAdapter("b")
	e := newTestEngine(t, a, b)

	var (
		mu      sync.Mutex
		handles []string
	)
	policy := testPolicy()
	policy.OnSubmitted = func(_ context.Context, h provider.Handle) {
		mu.Lock()
		defer mu.Unlock()
		handles = append(handles, h.String())
	}

	_, err := e.Resolve(context.Background(), imageRequest(), policy)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/a-1", "b/b-1"}, handles)
}

func TestResolveDoesNotMutateRequest(t *testing.T) {
	a := provider.NewMockAdapter("a")
	e := newTestEngine(t, a)
	req := provider.Request{Kind: provider.KindVideo, Model: "mock-video", Prompt: "p", ReferenceURLs: []string{"https://x/1.png"}}

	res, err := e.Resolve(context.Background(), req, testPolicy())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, provider.KindVideo, res.Kind)
	assert.Equal(t, []string{"https://x/1.png"}, req.ReferenceURLs)
}

func TestAwaitExistingHandle(t *testing.T) {
	a := provider.NewMockAdapter("a")
	e := newTestEngine(t, a)
	h, err := a.SubmitImage(context.Background(), imageRequest())
	require.NoError(t, err)

	res, err := e.Await(context.Background(), a, h, testPolicy())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, "mock://a/a-1", res.ArtifactURL)
	assert.Equal(t, 1, a.Submissions(), "await never resubmits")
}

func TestAwaitRejectsBusyHandle(t *testing.T) {
	a := provider.NewMockAdapter("a")
	e := newTestEngine(t, a)
	h := provider.Handle{Provider: "a", TaskID: "a-9", Kind: provider.KindImage, Model: "mock-image"}

	require.True(t, e.acquire(h))
	_, err := e.Await(context.Background(), a, h, testPolicy())
	assert.ErrorIs(t, err, ErrHandleBusy)

	e.release(h)
	res, err := e.Await(context.Background(), a, h, testPolicy())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome, "unknown task ends as not found")
}

func TestPollErrorsLimit(t *testing.T) {
	p := &flakyPoller{MockAdapter: provider.NewMockAdapter("flaky")}
	e := New(nil)
	h := provider.Handle{Provider: "flaky", TaskID: "t", Kind: provider.KindImage, Model: "mock-image"}

	res, err := e.Await(context.Background(), p, h, testPolicy())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, res.Retryable)
	assert.Equal(t, 3, p.calls)
}

func TestComputeBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, computeBackoff(100*time.Millisecond, time.Second, 0))
	assert.Equal(t, 400*time.Millisecond, computeBackoff(100*time.Millisecond, time.Second, 2))
	assert.Equal(t, time.Second, computeBackoff(100*time.Millisecond, time.Second, 10))
	assert.Equal(t, 2*time.Second, nextInterval(time.Second, 5*time.Second))
	assert.Equal(t, 5*time.Second, nextInterval(4*time.Second, 5*time.Second))
}

func TestDefaultPolicy(t *testing.T) {
	image := DefaultPolicy(provider.KindImage)
	video := DefaultPolicy(provider.KindVideo)

	assert.Equal(t, 3*time.Second, image.PollInterval)
	assert.Equal(t, 5*time.Minute, image.MaxWait)
	assert.Equal(t, 10*time.Minute, video.MaxWait)
	assert.True(t, video.AllowFallback)
	assert.Equal(t, 1, video.MaxRetriesSameProvider)
}

func TestPolicyFromConfigKeepsZeroLimits(t *testing.T) {
	cfg := config.DefaultRoutingConfig()
	cfg.Retry.MaxRetriesSameProvider = config.Int(0)
	cfg.Polling.MaxNotFound = config.Int(0)

	policy := PolicyFromConfig(cfg, provider.KindImage)
	assert.Zero(t, policy.MaxRetriesSameProvider)
	assert.Zero(t, policy.MaxNotFound)
	assert.Equal(t, 10, policy.MaxPollErrors)
}

// flakyPoller fails every status call with a transport error.
type flakyPoller struct {
	*provider.MockAdapter
	calls int
}

func (f *flakyPoller) PollImage(context.Context, provider.Handle) (provider.Status, error) {
	f.calls++
	return provider.Status{}, errors.New("connection reset")
}
