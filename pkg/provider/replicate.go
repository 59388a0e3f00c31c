package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const replicateBaseURL = "https://api.replicate.com/v1"

// Replicate model paths: "<owner>/<model-name>".
var replicateImageModels = map[string]string{
	"flux-schnell": "black-forest-labs/flux-schnell",
	"flux-dev":     "black-forest-labs/flux-dev",
}

var replicateVideoModels = map[string]string{
	"ltx-video":     "lightricks/ltx-video",
	"wan-2.1":       "wavespeed-ai/wan2.1-i2v-480p",
	"cogvideox":     "fofr/cogvideox-5b",
	"minimax-video": "minimax/video-01-live",
}

// Failure messages Replicate reports for jobs that can succeed on resubmit.
var replicateRetryableReasons = []string{
	"cuda out of memory",
	"prediction interrupted",
	"timed out",
	"internal server error",
	"worker failed to start",
}

// ReplicateAdapter generates FLUX images and several video models through
// Replicate's prediction API.
type ReplicateAdapter struct {
	rest *restBackend
}

// NewReplicateAdapter creates a Replicate adapter. An empty token is allowed;
// submissions then fail with ErrMissingCredential.
func NewReplicateAdapter(apiToken string, opts ...Option) *ReplicateAdapter {
	o := buildOptions(replicateBaseURL, opts)
	return &ReplicateAdapter{rest: newRestBackend("replicate", apiToken, "Bearer", o)}
}

// Name returns the adapter identifier.
func (a *ReplicateAdapter) Name() string {
	return "replicate"
}

// Models returns the models served for kind.
func (a *ReplicateAdapter) Models(kind AssetKind) []string {
	switch kind {
	case KindImage:
		return sortedKeys(replicateImageModels)
	case KindVideo:
		return sortedKeys(replicateVideoModels)
	}
	return nil
}

// HasCredentials reports whether the API token is set.
func (a *ReplicateAdapter) HasCredentials() bool {
	return a.rest.apiKey != ""
}

// Validate rejects reference images for the text-to-image FLUX models.
func (a *ReplicateAdapter) Validate(req Request) error {
	switch req.Kind {
	case KindImage:
		if len(req.ReferenceURLs) > 0 {
			return fmt.Errorf("%w: %s is text-to-image only and does not accept reference images", ErrUnsupportedFeature, req.Model)
		}
	case KindVideo:
		if len(req.ReferenceURLs) > 1 {
			return fmt.Errorf("%w: %s accepts a single start frame", ErrUnsupportedFeature, req.Model)
		}
	}
	return nil
}

// Retryable reports whether a failed prediction is worth resubmitting.
func (a *ReplicateAdapter) Retryable(status Status) bool {
	if status.Code == "canceled" {
		return false
	}
	return containsAny(status.Reason, replicateRetryableReasons)
}

// SubmitImage starts a FLUX prediction.
func (a *ReplicateAdapter) SubmitImage(ctx context.Context, req Request) (Handle, error) {
	path, ok := replicateImageModels[req.Model]
	if !ok {
		return Handle{}, unsupportedModel(a.Name(), KindImage, req.Model)
	}
	if err := a.preflight(req); err != nil {
		return Handle{}, err
	}

	quality := 80
	if req.Resolution == "2K" || req.Resolution == "4K" {
		quality = 90
	}
	input := map[string]any{
		"prompt":         req.Prompt,
		"aspect_ratio":   fluxAspectRatio(req.AspectRatio),
		"num_outputs":    1,
		"output_format":  "jpg",
		"output_quality": quality,
	}
	if req.Model == "flux-dev" {
		input["guidance"] = 3.5
	}
	return a.submitPrediction(ctx, path, req, input)
}

// PollImage reports the current state of an image prediction.
func (a *ReplicateAdapter) PollImage(ctx context.Context, h Handle) (Status, error) {
	return a.pollPrediction(ctx, h)
}

// SubmitVideo starts a video prediction.
func (a *ReplicateAdapter) SubmitVideo(ctx context.Context, req Request) (Handle, error) {
	path, ok := replicateVideoModels[req.Model]
	if !ok {
		return Handle{}, unsupportedModel(a.Name(), KindVideo, req.Model)
	}
	if err := a.preflight(req); err != nil {
		return Handle{}, err
	}
	input, err := replicateVideoInput(req)
	if err != nil {
		return Handle{}, err
	}
	return a.submitPrediction(ctx, path, req, input)
}

// PollVideo reports the current state of a video prediction.
func (a *ReplicateAdapter) PollVideo(ctx context.Context, h Handle) (Status, error) {
	return a.pollPrediction(ctx, h)
}

func (a *ReplicateAdapter) preflight(req Request) error {
	if err := a.Validate(req); err != nil {
		return err
	}
	if !a.HasCredentials() {
		return missingCredential(a.Name(), "REPLICATE_API_TOKEN")
	}
	return nil
}

func (a *ReplicateAdapter) submitPrediction(ctx context.Context, modelPath string, req Request, input map[string]any) (Handle, error) {
	body, err := a.rest.post(ctx, "/models/"+modelPath+"/predictions", map[string]any{"input": input})
	if err != nil {
		return Handle{}, err
	}
	id := gjson.GetBytes(body, "id").String()
	pollURL := gjson.GetBytes(body, "urls.get").String()
	if id == "" || pollURL == "" {
		return Handle{}, &SubmissionError{Provider: a.Name(), Err: fmt.Errorf("missing id or poll URL in response: %s", truncate(string(body), 200))}
	}
	a.rest.logger.Debug().Str("task_id", id).Str("model", req.Model).Msg("prediction submitted")
	return Handle{
		Provider:    a.Name(),
		TaskID:      id,
		PollURL:     pollURL,
		Kind:        req.Kind,
		Model:       req.Model,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

func (a *ReplicateAdapter) pollPrediction(ctx context.Context, h Handle) (Status, error) {
	url := h.PollURL
	if url == "" {
		url = "/predictions/" + h.TaskID
	}
	body, found, err := a.rest.get(ctx, url, nil)
	if err != nil {
		return Status{}, err
	}
	if !found {
		return Status{State: StateNotFound}, nil
	}

	status := gjson.GetBytes(body, "status").String()
	switch status {
	case "starting":
		return Status{State: StateQueued}, nil
	case "processing":
		return Status{State: StateRunning}, nil
	case "succeeded":
		output := gjson.GetBytes(body, "output")
		url := output.String()
		if output.IsArray() {
			items := output.Array()
			url = ""
			if len(items) > 0 {
				url = items[0].String()
			}
		}
		if url == "" {
			return Failed("no_output", "prediction succeeded without usable output"), nil
		}
		return Succeeded(url), nil
	case "failed", "canceled":
		reason := gjson.GetBytes(body, "error").String()
		if reason == "" {
			reason = status
		}
		return Failed(status, reason), nil
	default:
		return Status{State: StateRunning}, nil
	}
}

func replicateVideoInput(req Request) (map[string]any, error) {
	duration := req.Duration
	if duration <= 0 {
		duration = 5
	}
	image := req.FirstReference()
	input := map[string]any{"prompt": req.Prompt}

	switch req.Model {
	case "ltx-video":
		input["num_frames"] = min(duration*24, 257)
	case "wan-2.1":
		input["num_frames"] = min(duration*16, 81)
	case "cogvideox":
		input["num_frames"] = min(duration*8, 49)
	case "minimax-video":
		if image != "" {
			input["first_frame_image"] = image
		}
		return input, nil
	default:
		return nil, unsupportedModel("replicate", KindVideo, req.Model)
	}
	if image != "" {
		input["image"] = image
	}
	return input, nil
}

func fluxAspectRatio(ratio string) string {
	switch ratio {
	case "9:16", "16:9", "1:1", "2:3", "3:2", "4:5":
		return ratio
	default:
		return "9:16"
	}
}

func containsAny(s string, needles []string) bool {
	lower := strings.ToLower(s)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}
