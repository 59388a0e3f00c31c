package provider

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryHost struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (h *memoryHost) Put(_ context.Context, key, _ string, data []byte) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.blobs == nil {
		h.blobs = make(map[string][]byte)
	}
	h.blobs[key] = data
	return "mem://" + key, nil
}

func TestCompletedJobsTakeOnce(t *testing.T) {
	jobs := newCompletedJobs()
	id := jobs.put(Succeeded("https://x"))

	assert.Equal(t, StateSucceeded, jobs.take(id).State)
	assert.Equal(t, StateNotFound, jobs.take(id).State)
}

func TestStoreArtifactRequiresHost(t *testing.T) {
	_, err := storeArtifact(context.Background(), nil, "google", "nano-banana", []byte("x"), "image/png")
	assert.Error(t, err)

	host := &memoryHost{}
	url, err := storeArtifact(context.Background(), host, "google", "nano-banana", []byte("x"), "image/png")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "mem://google/nano-banana/"))
	assert.True(t, strings.HasSuffix(url, ".png"))
}

func TestOpenAISynchronousImage(t *testing.T) {
	png := base64.StdEncoding.EncodeToString([]byte("\x89PNG fake"))
	server, hits := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/images/generations", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"created": 1,
			"data":    []map[string]string{{"b64_json": png}},
		})
	})
	host := &memoryHost{}
	a := NewOpenAIAdapter("key", WithBaseURL(server.URL), WithAssetHost(host))
	ctx := context.Background()

	h, err := a.SubmitImage(ctx, Request{Kind: KindImage, Model: "gpt-image-1.5", Prompt: "a fox", AspectRatio: "9:16"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load())

	st, err := a.PollImage(ctx, h)
	require.NoError(t, err)
	require.Equal(t, StateSucceeded, st.State)
	assert.True(t, strings.HasPrefix(st.ArtifactURL, "mem://openai/gpt-image-1.5/"))

	st, err = a.PollImage(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, StateNotFound, st.State, "a synchronous result is reported once")
	assert.EqualValues(t, 1, hits.Load(), "polls never reach the provider")
}

func TestSynchronousAdaptersNeedAssetHost(t *testing.T) {
	server, hits := countingServer(t, func(w http.ResponseWriter, r *http.Request) {})
	a := NewOpenAIAdapter("key", WithBaseURL(server.URL))
	_, err := a.SubmitImage(context.Background(), Request{Kind: KindImage, Model: "gpt-image-1.5", Prompt: "p"})

	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.False(t, IsTransient(err))
	assert.Zero(t, hits.Load())
}
