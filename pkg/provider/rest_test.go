package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingServer records every request and answers with handler.
func countingServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return server, &hits
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestReplicateTextToImageRejectsReferencesWithoutNetwork(t *testing.T) {
	server, hits := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"id": "x", "urls": map[string]string{"get": "/predictions/x"}})
	})
	a := NewReplicateAdapter("token", WithBaseURL(server.URL))

	for _, model := range []string{"flux-schnell", "flux-dev"} {
		_, err := a.SubmitImage(context.Background(), Request{
			Kind:          KindImage,
			Model:         model,
			Prompt:        "a cat",
			ReferenceURLs: []string{"https://example.com/ref.png"},
		})
		assert.ErrorIs(t, err, ErrUnsupportedFeature, model)
	}
	assert.Zero(t, hits.Load(), "no request may reach the provider")
}

func TestOpenAIRejectsReferencesWithoutNetwork(t *testing.T) {
	server, hits := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": []any{}})
	})
	a := NewOpenAIAdapter("key", WithBaseURL(server.URL))

	_, err := a.SubmitImage(context.Background(), Request{
		Kind:          KindImage,
		Model:         "gpt-image-1.5",
		Prompt:        "a cat",
		ReferenceURLs: []string{"https://example.com/ref.png"},
	})
	assert.ErrorIs(t, err, ErrUnsupportedFeature)
	assert.Zero(t, hits.Load())
}

func TestMissingCredentialBeforeNetwork(t *testing.T) {
	server, hits := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	ctx := context.Background()
	google, err := NewGoogleAdapter(ctx, "")
	require.NoError(t, err)

	cases := []struct {
		name string
		p    Provider
		req  Request
	}{
		{"replicate", NewReplicateAdapter("", WithBaseURL(server.URL)), Request{Kind: KindVideo, Model: "ltx-video", Prompt: "p"}},
		{"wavespeed", NewWaveSpeedAdapter("", WithBaseURL(server.URL)), Request{Kind: KindVideo, Model: "sora-2", Prompt: "p"}},
		{"kie", NewKieAdapter("", WithBaseURL(server.URL)), Request{Kind: KindImage, Model: "nano-banana", Prompt: "p"}},
		{"openai", NewOpenAIAdapter("", WithBaseURL(server.URL)), Request{Kind: KindImage, Model: "gpt-image-1.5", Prompt: "p"}},
		{"google", google, Request{Kind: KindVideo, Model: "veo-3.1", Prompt: "p"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.False(t, tc.p.HasCredentials())
			_, err := Submit(ctx, tc.p, tc.req)
			assert.ErrorIs(t, err, ErrMissingCredential)
		})
	}
	assert.Zero(t, hits.Load())
}

func TestReplicateSubmitAndPoll(t *testing.T) {
	var status atomic.Value
	status.Store("starting")
	var server *httptest.Server
	server, _ = countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/models/lightricks/ltx-video/predictions":
			assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
			var body struct {
				Input map[string]any `json:"input"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.EqualValues(t, 120, body.Input["num_frames"])
			assert.Equal(t, "https://example.com/frame.jpg", body.Input["image"])
			writeJSON(w, http.StatusCreated, map[string]any{
				"id":   "pred-1",
				"urls": map[string]string{"get": server.URL + "/predictions/pred-1"},
			})
		case r.Method == http.MethodGet && r.URL.Path == "/predictions/pred-1":
			switch s := status.Load().(string); s {
			case "succeeded":
				writeJSON(w, http.StatusOK, map[string]any{"status": s, "output": []string{"https://cdn/out.mp4"}})
			case "failed":
				writeJSON(w, http.StatusOK, map[string]any{"status": s, "error": "CUDA out of memory"})
			default:
				writeJSON(w, http.StatusOK, map[string]any{"status": s})
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	a := NewReplicateAdapter("token", WithBaseURL(server.URL), WithPollRate(1000, 10))
	ctx := context.Background()
	h, err := a.SubmitVideo(ctx, Request{
		Kind:          KindVideo,
		Model:         "ltx-video",
		Prompt:        "waves",
		Duration:      5,
		ReferenceURLs: []string{"https://example.com/frame.jpg"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pred-1", h.TaskID)

	expect := map[string]State{
		"starting":   StateQueued,
		"processing": StateRunning,
		"succeeded":  StateSucceeded,
		"failed":     StateFailed,
	}
	for raw, want := range expect {
		status.Store(raw)
		st, err := a.PollVideo(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, want, st.State, raw)
		if want == StateSucceeded {
			assert.Equal(t, "https://cdn/out.mp4", st.ArtifactURL)
		}
		if want == StateFailed {
			assert.True(t, a.Retryable(st), "oom is retryable")
		}
	}

	st, err := a.PollVideo(ctx, Handle{Provider: "replicate", TaskID: "gone", Kind: KindVideo})
	require.NoError(t, err)
	assert.Equal(t, StateNotFound, st.State)
}

func TestReplicateRetryable(t *testing.T) {
	a := NewReplicateAdapter("token")
	assert.False(t, a.Retryable(Failed("canceled", "timed out")))
	assert.False(t, a.Retryable(Failed("failed", "NSFW content detected")))
	assert.True(t, a.Retryable(Failed("failed", "Prediction interrupted; please retry")))
}

func TestSubmitStatusClassification(t *testing.T) {
	codes := map[int]bool{
		http.StatusUnauthorized:        false,
		http.StatusTooManyRequests:     false,
		http.StatusUnprocessableEntity: false,
		http.StatusBadGateway:          true,
	}
	for code, transient := range codes {
		server, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, code, map[string]string{"detail": "nope"})
		})
		a := NewWaveSpeedAdapter("key", WithBaseURL(server.URL))
		_, err := a.SubmitVideo(context.Background(), Request{Kind: KindVideo, Model: "sora-2", Prompt: "p"})

		var subErr *SubmissionError
		require.ErrorAs(t, err, &subErr)
		assert.Equal(t, code, subErr.Status)
		assert.Equal(t, transient, IsTransient(err), "status %d", code)
	}
}

func TestWaveSpeedSubmitAndPoll(t *testing.T) {
	var server *httptest.Server
	server, _ = countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/kwaivgi/kling-v3.0-std/image-to-video":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.EqualValues(t, 5, body["duration"])
			assert.Equal(t, true, body["sound"])
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
				"id":   "ws-1",
				"urls": map[string]string{"get": server.URL + "/api/v3/predictions/ws-1/result"},
			}})
		case "/api/v3/predictions/ws-1/result":
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
				"status":  "completed",
				"outputs": []string{"https://cdn/kling.mp4"},
			}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	a := NewWaveSpeedAdapter("key", WithBaseURL(server.URL), WithPollRate(1000, 10))
	ctx := context.Background()
	h, err := a.SubmitVideo(ctx, Request{Kind: KindVideo, Model: "kling-3.0", Prompt: "p", Mode: "std"})
	require.NoError(t, err)

	st, err := a.PollVideo(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, Succeeded("https://cdn/kling.mp4"), st)

	_, err = a.SubmitVideo(ctx, Request{Kind: KindVideo, Model: "sora-2", Prompt: "p", Mode: "std"})
	assert.ErrorIs(t, err, ErrUnsupportedFeature)
}

func TestKieEnvelope(t *testing.T) {
	server, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/jobs/createTask":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			if body["model"] == "google/nano-banana-edit" {
				writeJSON(w, http.StatusOK, map[string]any{"code": 402, "msg": "insufficient credits"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"code": 200, "data": map[string]string{"taskId": "kie-1"}})
		case "/api/v1/jobs/recordInfo":
			switch r.URL.Query().Get("taskId") {
			case "kie-1":
			case "unauthorized":
				writeJSON(w, http.StatusOK, map[string]any{"code": 401, "msg": "invalid api key"})
				return
			default:
				writeJSON(w, http.StatusOK, map[string]any{"code": 404, "msg": "record not found"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"code": 200, "data": map[string]any{
				"taskId":     "kie-1",
				"state":      "success",
				"resultJson": `{"resultUrls":["https://cdn/banana.png"]}`,
			}})
		}
	})

	a := NewKieAdapter("key", WithBaseURL(server.URL), WithPollRate(1000, 10))
	ctx := context.Background()

	_, err := a.SubmitImage(ctx, Request{Kind: KindImage, Model: "nano-banana", Prompt: "p", ReferenceURLs: []string{"https://x/ref.png"}})
	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, 402, subErr.Status)
	assert.False(t, IsTransient(err), "quota exhaustion is not transient")

	h, err := a.SubmitImage(ctx, Request{Kind: KindImage, Model: "nano-banana", Prompt: "p"})
	require.NoError(t, err)
	st, err := a.PollImage(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, Succeeded("https://cdn/banana.png"), st)

	st, err = a.PollImage(ctx, Handle{Provider: "kie", TaskID: "other", Kind: KindImage})
	require.NoError(t, err)
	assert.Equal(t, StateNotFound, st.State)

	_, err = a.PollImage(ctx, Handle{Provider: "kie", TaskID: "unauthorized", Kind: KindImage})
	require.Error(t, err, "an auth failure is a poll error, not a vanished job")
	assert.Contains(t, err.Error(), "code 401")
}

func TestPollTransportErrorIsReturned(t *testing.T) {
	server, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	a := NewReplicateAdapter("token", WithBaseURL(server.URL), WithPollRate(1000, 10))
	_, err := a.PollImage(context.Background(), Handle{Provider: "replicate", TaskID: "x", Kind: KindImage})
	assert.Error(t, err)
}

func TestPayloadHelpers(t *testing.T) {
	assert.Equal(t, 4, soraDuration(3))
	assert.Equal(t, 8, soraDuration(8))
	assert.Equal(t, 12, soraDuration(20))
	assert.Equal(t, int32(8), veoDuration(0))
	assert.Equal(t, int32(6), veoDuration(5))
	assert.Equal(t, "9:16", fluxAspectRatio("7:3"))
	assert.Equal(t, "landscape", soraOrientation("16:9"))
	assert.Equal(t, "image/png", imageMIMEType("https://x/a.PNG?sig=1"))

	input, err := replicateVideoInput(Request{Model: "cogvideox", Prompt: "p", Duration: 10})
	require.NoError(t, err)
	assert.Equal(t, 49, input["num_frames"])
}
