package provider

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

const kieBaseURL = "https://api.kie.ai"

var kieImageModels = map[string]string{
	"nano-banana":     "google/nano-banana",
	"nano-banana-pro": "nano-banana-pro",
}

var kieVideoModels = map[string]string{
	"kling-3.0":  "kling-3.0/image-to-video",
	"sora-2-pro": "sora-2-pro-image-to-video",
}

// Kie failCodes for server-side faults; content and parameter rejections are final.
var kieRetryableCodes = map[string]bool{
	"500": true,
	"501": true,
	"502": true,
	"503": true,
}

// KieAdapter generates Nano Banana images and Kling/Sora videos through the
// Kie AI jobs API. Kie wraps every response in a {code,msg,data} envelope and
// reports errors in code even when the HTTP status is 200.
type KieAdapter struct {
	rest *restBackend
}

// NewKieAdapter creates a Kie AI adapter.
func NewKieAdapter(apiKey string, opts ...Option) *KieAdapter {
	o := buildOptions(kieBaseURL, opts)
	return &KieAdapter{rest: newRestBackend("kie", apiKey, "Bearer", o)}
}

// Name returns the adapter identifier.
func (a *KieAdapter) Name() string {
	return "kie"
}

// Models returns the models served for kind.
func (a *KieAdapter) Models(kind AssetKind) []string {
	switch kind {
	case KindImage:
		return sortedKeys(kieImageModels)
	case KindVideo:
		return sortedKeys(kieVideoModels)
	}
	return nil
}

// HasCredentials reports whether the API key is set.
func (a *KieAdapter) HasCredentials() bool {
	return a.rest.apiKey != ""
}

// Validate checks reference counts per model.
func (a *KieAdapter) Validate(req Request) error {
	if req.Kind == KindVideo && req.Model == "kling-3.0" && len(req.ReferenceURLs) > 1 {
		return fmt.Errorf("%w: %s accepts a single start frame", ErrUnsupportedFeature, req.Model)
	}
	if req.Kind == KindImage && len(req.ReferenceURLs) > 8 {
		return fmt.Errorf("%w: %s accepts at most 8 reference images", ErrUnsupportedFeature, req.Model)
	}
	return nil
}

// Retryable reports whether a failed task is worth resubmitting.
func (a *KieAdapter) Retryable(status Status) bool {
	return kieRetryableCodes[status.Code]
}

// SubmitImage starts a Nano Banana task.
func (a *KieAdapter) SubmitImage(ctx context.Context, req Request) (Handle, error) {
	model, ok := kieImageModels[req.Model]
	if !ok {
		return Handle{}, unsupportedModel(a.Name(), KindImage, req.Model)
	}
	if err := a.preflight(req); err != nil {
		return Handle{}, err
	}

	input := map[string]any{"prompt": req.Prompt}
	switch req.Model {
	case "nano-banana":
		input["output_format"] = "png"
		input["image_size"] = defaultString(req.AspectRatio, "9:16")
		if len(req.ReferenceURLs) > 0 {
			model = "google/nano-banana-edit"
			input["image_urls"] = req.ReferenceURLs
		}
	case "nano-banana-pro":
		input["aspect_ratio"] = defaultString(req.AspectRatio, "9:16")
		input["resolution"] = defaultString(req.Resolution, "1K")
		if len(req.ReferenceURLs) > 0 {
			input["image_input"] = req.ReferenceURLs
		}
	}
	return a.createTask(ctx, model, req, input)
}

// PollImage reports the current state of an image task.
func (a *KieAdapter) PollImage(ctx context.Context, h Handle) (Status, error) {
	return a.recordInfo(ctx, h)
}

// SubmitVideo starts a Kling or Sora task.
func (a *KieAdapter) SubmitVideo(ctx context.Context, req Request) (Handle, error) {
	model, ok := kieVideoModels[req.Model]
	if !ok {
		return Handle{}, unsupportedModel(a.Name(), KindVideo, req.Model)
	}
	if err := a.preflight(req); err != nil {
		return Handle{}, err
	}

	duration := req.Duration
	if duration <= 0 {
		duration = 5
	}
	input := map[string]any{"prompt": req.Prompt}
	switch req.Model {
	case "kling-3.0":
		if duration > 5 {
			duration = 10
		}
		input["duration"] = strconv.Itoa(duration)
		if image := req.FirstReference(); image != "" {
			input["image_url"] = image
		}
	case "sora-2-pro":
		frames := "10"
		if duration > 10 {
			frames = "15"
		}
		input["n_frames"] = frames
		input["size"] = "high"
		input["aspect_ratio"] = soraOrientation(req.AspectRatio)
		if len(req.ReferenceURLs) > 0 {
			input["image_urls"] = req.ReferenceURLs
		} else {
			model = "sora-2-pro-text-to-video"
		}
	}
	return a.createTask(ctx, model, req, input)
}

// PollVideo reports the current state of a video task.
func (a *KieAdapter) PollVideo(ctx context.Context, h Handle) (Status, error) {
	return a.recordInfo(ctx, h)
}

func (a *KieAdapter) preflight(req Request) error {
	if err := a.Validate(req); err != nil {
		return err
	}
	if !a.HasCredentials() {
		return missingCredential(a.Name(), "KIE_API_KEY")
	}
	return nil
}

func (a *KieAdapter) createTask(ctx context.Context, model string, req Request, input map[string]any) (Handle, error) {
	body, err := a.rest.post(ctx, "/api/v1/jobs/createTask", map[string]any{
		"model": model,
		"input": input,
	})
	if err != nil {
		return Handle{}, err
	}
	if code := gjson.GetBytes(body, "code").Int(); code != 200 {
		return Handle{}, &SubmissionError{
			Provider: a.Name(),
			Status:   int(code),
			Err:      fmt.Errorf("kie rejected task (code=%d): %s", code, gjson.GetBytes(body, "msg").String()),
		}
	}
	id := gjson.GetBytes(body, "data.taskId").String()
	if id == "" {
		return Handle{}, &SubmissionError{Provider: a.Name(), Err: fmt.Errorf("missing taskId in response: %s", truncate(string(body), 200))}
	}
	a.rest.logger.Debug().Str("task_id", id).Str("model", req.Model).Msg("task submitted")
	return Handle{
		Provider:    a.Name(),
		TaskID:      id,
		Kind:        req.Kind,
		Model:       req.Model,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

func (a *KieAdapter) recordInfo(ctx context.Context, h Handle) (Status, error) {
	body, found, err := a.rest.get(ctx, "/api/v1/jobs/recordInfo", map[string]string{"taskId": h.TaskID})
	if err != nil {
		return Status{}, err
	}
	code := gjson.GetBytes(body, "code").Int()
	if found && code != 200 && code != 404 {
		return Status{}, fmt.Errorf("kie recordInfo returned code %d: %s", code, gjson.GetBytes(body, "msg").String())
	}
	if !found || code == 404 || !gjson.GetBytes(body, "data.taskId").Exists() {
		return Status{State: StateNotFound}, nil
	}

	switch state := gjson.GetBytes(body, "data.state").String(); state {
	case "waiting", "queuing":
		return Status{State: StateQueued}, nil
	case "generating":
		return Status{State: StateRunning}, nil
	case "success":
		resultJSON := gjson.GetBytes(body, "data.resultJson").String()
		url := gjson.Get(resultJSON, "resultUrls.0").String()
		if url == "" {
			return Failed("no_output", "task succeeded without result URLs"), nil
		}
		return Succeeded(url), nil
	case "fail":
		reason := gjson.GetBytes(body, "data.failMsg").String()
		if reason == "" {
			reason = "task failed"
		}
		return Failed(gjson.GetBytes(body, "data.failCode").String(), reason), nil
	default:
		return Status{State: StateRunning}, nil
	}
}

func soraOrientation(ratio string) string {
	switch ratio {
	case "16:9", "3:2":
		return "landscape"
	default:
		return "portrait"
	}
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
