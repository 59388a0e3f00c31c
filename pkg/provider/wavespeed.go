package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const wavespeedBaseURL = "https://api.wavespeed.ai"

var wavespeedImageModels = map[string]string{
	"gpt-image-1.5": "openai/gpt-image-1.5/edit",
}

var wavespeedVideoModels = map[string]string{
	"kling-3.0":  "kwaivgi/kling-v3.0-pro/image-to-video",
	"sora-2":     "openai/sora-2/image-to-video",
	"sora-2-pro": "openai/sora-2/image-to-video-pro",
}

const wavespeedKlingStd = "kwaivgi/kling-v3.0-std/image-to-video"

var wavespeedRetryableReasons = []string{
	"timeout",
	"server busy",
	"internal error",
	"service unavailable",
}

// WaveSpeedAdapter generates GPT Image edits and Kling/Sora videos through
// the WaveSpeed REST API. Every job is asynchronous.
type WaveSpeedAdapter struct {
	rest *restBackend
}

// NewWaveSpeedAdapter creates a WaveSpeed adapter.
func NewWaveSpeedAdapter(apiKey string, opts ...Option) *WaveSpeedAdapter {
	o := buildOptions(wavespeedBaseURL, opts)
	return &WaveSpeedAdapter{rest: newRestBackend("wavespeed", apiKey, "Bearer", o)}
}

// Name returns the adapter identifier.
func (a *WaveSpeedAdapter) Name() string {
	return "wavespeed"
}

// Models returns the models served for kind.
func (a *WaveSpeedAdapter) Models(kind AssetKind) []string {
	switch kind {
	case KindImage:
		return sortedKeys(wavespeedImageModels)
	case KindVideo:
		return sortedKeys(wavespeedVideoModels)
	}
	return nil
}

// HasCredentials reports whether the API key is set.
func (a *WaveSpeedAdapter) HasCredentials() bool {
	return a.rest.apiKey != ""
}

// Validate enforces the single start frame accepted by the video models.
func (a *WaveSpeedAdapter) Validate(req Request) error {
	if req.Kind == KindVideo && len(req.ReferenceURLs) > 1 {
		return fmt.Errorf("%w: %s accepts a single start frame", ErrUnsupportedFeature, req.Model)
	}
	if req.Mode != "" && req.Model != "kling-3.0" {
		return fmt.Errorf("%w: mode is only supported by kling-3.0", ErrUnsupportedFeature)
	}
	return nil
}

// Retryable reports whether a failed task is worth resubmitting.
func (a *WaveSpeedAdapter) Retryable(status Status) bool {
	return containsAny(status.Reason, wavespeedRetryableReasons)
}

// SubmitImage starts a GPT Image task.
func (a *WaveSpeedAdapter) SubmitImage(ctx context.Context, req Request) (Handle, error) {
	modelID, ok := wavespeedImageModels[req.Model]
	if !ok {
		return Handle{}, unsupportedModel(a.Name(), KindImage, req.Model)
	}
	if err := a.preflight(req); err != nil {
		return Handle{}, err
	}

	payload := map[string]any{
		"prompt":         req.Prompt,
		"size":           gptImageSize(req.AspectRatio),
		"quality":        gptImageQuality(req.Resolution),
		"input_fidelity": "high",
		"output_format":  "jpeg",
	}
	if len(req.ReferenceURLs) > 0 {
		payload["images"] = req.ReferenceURLs
	}
	return a.submitTask(ctx, modelID, req, payload)
}

// PollImage reports the current state of an image task.
func (a *WaveSpeedAdapter) PollImage(ctx context.Context, h Handle) (Status, error) {
	return a.pollTask(ctx, h)
}

// SubmitVideo starts a Kling or Sora task.
func (a *WaveSpeedAdapter) SubmitVideo(ctx context.Context, req Request) (Handle, error) {
	modelID, ok := wavespeedVideoModels[req.Model]
	if !ok {
		return Handle{}, unsupportedModel(a.Name(), KindVideo, req.Model)
	}
	if err := a.preflight(req); err != nil {
		return Handle{}, err
	}
	if req.Model == "kling-3.0" && req.Mode == "std" {
		modelID = wavespeedKlingStd
	}

	duration := req.Duration
	if duration <= 0 {
		duration = 5
	}
	payload := map[string]any{"prompt": req.Prompt}
	if strings.HasPrefix(req.Model, "kling") {
		payload["duration"] = duration
		payload["cfg_scale"] = 0.5
		payload["sound"] = true
	} else {
		payload["duration"] = soraDuration(duration)
		if req.Model == "sora-2-pro" {
			payload["resolution"] = "1080p"
		}
	}
	if image := req.FirstReference(); image != "" {
		payload["image"] = image
	}
	return a.submitTask(ctx, modelID, req, payload)
}

// PollVideo reports the current state of a video task.
func (a *WaveSpeedAdapter) PollVideo(ctx context.Context, h Handle) (Status, error) {
	return a.pollTask(ctx, h)
}

func (a *WaveSpeedAdapter) preflight(req Request) error {
	if err := a.Validate(req); err != nil {
		return err
	}
	if !a.HasCredentials() {
		return missingCredential(a.Name(), "WAVESPEED_API_KEY")
	}
	return nil
}

func (a *WaveSpeedAdapter) submitTask(ctx context.Context, modelID string, req Request, payload map[string]any) (Handle, error) {
	body, err := a.rest.post(ctx, "/api/v3/"+modelID, payload)
	if err != nil {
		return Handle{}, err
	}
	id := gjson.GetBytes(body, "data.id").String()
	pollURL := gjson.GetBytes(body, "data.urls.get").String()
	if id == "" || pollURL == "" {
		msg := gjson.GetBytes(body, "message").String()
		if msg == "" {
			msg = truncate(string(body), 200)
		}
		return Handle{}, &SubmissionError{Provider: a.Name(), Err: fmt.Errorf("missing task id or poll URL: %s", msg)}
	}
	a.rest.logger.Debug().Str("task_id", id).Str("model", req.Model).Msg("task submitted")
	return Handle{
		Provider:    a.Name(),
		TaskID:      id,
		PollURL:     pollURL,
		Kind:        req.Kind,
		Model:       req.Model,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

func (a *WaveSpeedAdapter) pollTask(ctx context.Context, h Handle) (Status, error) {
	url := h.PollURL
	if url == "" {
		url = "/api/v3/predictions/" + h.TaskID + "/result"
	}
	body, found, err := a.rest.get(ctx, url, nil)
	if err != nil {
		return Status{}, err
	}
	if !found {
		return Status{State: StateNotFound}, nil
	}

	switch status := gjson.GetBytes(body, "data.status").String(); status {
	case "created":
		return Status{State: StateQueued}, nil
	case "processing":
		return Status{State: StateRunning}, nil
	case "completed":
		url := gjson.GetBytes(body, "data.outputs.0").String()
		if url == "" {
			return Failed("no_output", "task completed without outputs"), nil
		}
		return Succeeded(url), nil
	case "failed":
		reason := gjson.GetBytes(body, "data.error").String()
		if reason == "" {
			reason = "task failed"
		}
		return Failed(status, reason), nil
	default:
		return Status{State: StateRunning}, nil
	}
}

func gptImageSize(ratio string) string {
	switch ratio {
	case "9:16", "2:3":
		return "1024*1536"
	case "16:9", "3:2":
		return "1536*1024"
	case "1:1":
		return "1024*1024"
	default:
		return "auto"
	}
}

func gptImageQuality(resolution string) string {
	if resolution == "2K" || resolution == "4K" {
		return "high"
	}
	return "medium"
}

// soraDuration buckets a requested length into the 4/8/12 s clips Sora accepts.
func soraDuration(seconds int) int {
	switch {
	case seconds <= 5:
		return 4
	case seconds <= 10:
		return 8
	default:
		return 12
	}
}
