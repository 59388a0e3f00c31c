package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

var googleImageModels = map[string]string{
	"nano-banana":     "gemini-2.5-flash-image",
	"nano-banana-pro": "gemini-3-pro-image-preview",
}

var googleVideoModels = map[string]string{
	"veo-3.1": "veo-3.1-generate-preview",
}

// Operation error codes (google.rpc.Code) worth resubmitting: 4
// DEADLINE_EXCEEDED, 13 INTERNAL and 14 UNAVAILABLE. 8 RESOURCE_EXHAUSTED is
// a quota error and is not retried.
var googleRetryableCodes = map[string]bool{
	"4":        true,
	"13":       true,
	"14":       true,
	"no_image": true,
}

// GoogleAdapter generates Nano Banana images and Veo videos through the
// Gemini API. Image generation is synchronous: the submit call returns the
// image bytes, which are stored through the asset host and reported by the
// next poll. Veo runs as a long-running operation.
type GoogleAdapter struct {
	client    *genai.Client
	fetcher   *resty.Client
	assets    AssetHost
	completed *completedJobs
	limiter   *rate.Limiter
	logger    zerolog.Logger
}

// NewGoogleAdapter creates a Gemini adapter. With an empty key no client is
// built and every submission fails with ErrMissingCredential.
func NewGoogleAdapter(ctx context.Context, apiKey string, opts ...Option) (*GoogleAdapter, error) {
	o := buildOptions("", opts)
	a := &GoogleAdapter{
		fetcher:   resty.New().SetTimeout(o.timeout),
		assets:    o.assets,
		completed: newCompletedJobs(),
		limiter:   rate.NewLimiter(o.pollRate, o.pollBurst),
		logger:    o.logger.With().Str("provider", "google").Logger(),
	}
	if apiKey == "" {
		return a, nil
	}

	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: o.httpClient,
	}
	if o.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: o.baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}
	a.client = client
	return a, nil
}

// Name returns the adapter identifier.
func (a *GoogleAdapter) Name() string {
	return "google"
}

// Models returns the models served for kind.
func (a *GoogleAdapter) Models(kind AssetKind) []string {
	switch kind {
	case KindImage:
		return sortedKeys(googleImageModels)
	case KindVideo:
		return sortedKeys(googleVideoModels)
	}
	return nil
}

// HasCredentials reports whether a client was built from an API key.
func (a *GoogleAdapter) HasCredentials() bool {
	return a.client != nil
}

// Validate checks reference counts per kind.
func (a *GoogleAdapter) Validate(req Request) error {
	if req.Kind == KindVideo && len(req.ReferenceURLs) > 1 {
		return fmt.Errorf("%w: %s accepts a single start frame", ErrUnsupportedFeature, req.Model)
	}
	if req.Kind == KindImage && len(req.ReferenceURLs) > 14 {
		return fmt.Errorf("%w: %s accepts at most 14 reference images", ErrUnsupportedFeature, req.Model)
	}
	return nil
}

// Retryable reports whether a failed job is worth resubmitting.
func (a *GoogleAdapter) Retryable(status Status) bool {
	return googleRetryableCodes[status.Code]
}

// SubmitImage generates the image in one call and parks the result for PollImage.
func (a *GoogleAdapter) SubmitImage(ctx context.Context, req Request) (Handle, error) {
	modelID, ok := googleImageModels[req.Model]
	if !ok {
		return Handle{}, unsupportedModel(a.Name(), KindImage, req.Model)
	}
	if err := a.preflight(req); err != nil {
		return Handle{}, err
	}
	if a.assets == nil {
		return Handle{}, &SubmissionError{Provider: a.Name(), Err: errors.New("google image generation requires an asset host")}
	}

	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	for _, ref := range req.ReferenceURLs {
		parts = append(parts, genai.NewPartFromURI(ref, imageMIMEType(ref)))
	}
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
		ImageConfig:        &genai.ImageConfig{AspectRatio: defaultString(req.AspectRatio, "9:16")},
	}
	resp, err := a.client.Models.GenerateContent(ctx, modelID, []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, cfg)
	if err != nil {
		return Handle{}, googleSubmissionError(err)
	}

	status := a.imageStatus(ctx, req, resp)
	id := a.completed.put(status)
	a.logger.Debug().Str("task_id", id).Str("model", req.Model).Str("state", string(status.State)).Msg("image generated")
	return Handle{
		Provider:    a.Name(),
		TaskID:      id,
		Kind:        KindImage,
		Model:       req.Model,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// PollImage returns the parked result of a synchronous image call.
func (a *GoogleAdapter) PollImage(_ context.Context, h Handle) (Status, error) {
	return a.completed.take(h.TaskID), nil
}

// SubmitVideo starts a Veo long-running operation.
func (a *GoogleAdapter) SubmitVideo(ctx context.Context, req Request) (Handle, error) {
	modelID, ok := googleVideoModels[req.Model]
	if !ok {
		return Handle{}, unsupportedModel(a.Name(), KindVideo, req.Model)
	}
	if err := a.preflight(req); err != nil {
		return Handle{}, err
	}

	image, err := a.startFrame(ctx, req.FirstReference())
	if err != nil {
		return Handle{}, &SubmissionError{Provider: a.Name(), Err: err}
	}
	duration := veoDuration(req.Duration)
	cfg := &genai.GenerateVideosConfig{
		AspectRatio:     defaultString(req.AspectRatio, "9:16"),
		DurationSeconds: &duration,
		NumberOfVideos:  1,
	}
	op, err := a.client.Models.GenerateVideos(ctx, modelID, req.Prompt, image, cfg)
	if err != nil {
		return Handle{}, googleSubmissionError(err)
	}
	if op == nil || op.Name == "" {
		return Handle{}, &SubmissionError{Provider: a.Name(), Err: errors.New("operation name missing from response")}
	}
	a.logger.Debug().Str("task_id", op.Name).Str("model", req.Model).Msg("video operation started")
	return Handle{
		Provider:    a.Name(),
		TaskID:      op.Name,
		Kind:        KindVideo,
		Model:       req.Model,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// PollVideo fetches the Veo operation once.
func (a *GoogleAdapter) PollVideo(ctx context.Context, h Handle) (Status, error) {
	if a.client == nil {
		return Status{}, missingCredential(a.Name(), "GOOGLE_API_KEY")
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return Status{}, err
	}
	op, err := a.client.Operations.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: h.TaskID}, nil)
	if err != nil {
		if googleStatusCode(err) == http.StatusNotFound {
			return Status{State: StateNotFound}, nil
		}
		return Status{}, fmt.Errorf("google operation poll failed: %w", err)
	}
	if !op.Done {
		return Status{State: StateRunning}, nil
	}
	if op.Error != nil {
		code := fmt.Sprint(op.Error["code"])
		return Failed(code, fmt.Sprint(op.Error["message"])), nil
	}
	if op.Response == nil || len(op.Response.GeneratedVideos) == 0 || op.Response.GeneratedVideos[0].Video == nil {
		reason := "operation finished without a video"
		if op.Response != nil && len(op.Response.RAIMediaFilteredReasons) > 0 {
			reason = strings.Join(op.Response.RAIMediaFilteredReasons, "; ")
			return Failed("filtered", reason), nil
		}
		return Failed("no_output", reason), nil
	}

	video := op.Response.GeneratedVideos[0].Video
	if video.URI != "" {
		return Succeeded(video.URI), nil
	}
	url, err := storeArtifact(ctx, a.assets, a.Name(), h.Model, video.VideoBytes, defaultString(video.MIMEType, "video/mp4"))
	if err != nil {
		return Status{}, err
	}
	return Succeeded(url), nil
}

func (a *GoogleAdapter) preflight(req Request) error {
	if err := a.Validate(req); err != nil {
		return err
	}
	if !a.HasCredentials() {
		return missingCredential(a.Name(), "GOOGLE_API_KEY")
	}
	return nil
}

func (a *GoogleAdapter) imageStatus(ctx context.Context, req Request, resp *genai.GenerateContentResponse) Status {
	if resp == nil || len(resp.Candidates) == 0 {
		reason := "no candidates returned"
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return Failed("blocked", "prompt blocked: "+string(resp.PromptFeedback.BlockReason))
		}
		return Failed("no_image", reason)
	}
	candidate := resp.Candidates[0]
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			url, err := storeArtifact(ctx, a.assets, a.Name(), req.Model, part.InlineData.Data, defaultString(part.InlineData.MIMEType, "image/png"))
			if err != nil {
				return Failed("asset_store", err.Error())
			}
			return Succeeded(url)
		}
	}
	switch reason := string(candidate.FinishReason); reason {
	case "", "STOP":
		return Failed("no_image", "model returned no image part")
	default:
		return Failed(strings.ToLower(reason), "generation stopped: "+reason)
	}
}

// startFrame turns a reference URL into the image Veo expects.
func (a *GoogleAdapter) startFrame(ctx context.Context, ref string) (*genai.Image, error) {
	if ref == "" {
		return nil, nil
	}
	if strings.HasPrefix(ref, "gs://") {
		return &genai.Image{GCSURI: ref, MIMEType: imageMIMEType(ref)}, nil
	}
	resp, err := a.fetcher.R().SetContext(ctx).Get(ref)
	if err != nil {
		return nil, fmt.Errorf("fetch start frame: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch start frame: status %d", resp.StatusCode())
	}
	mimeType := resp.Header().Get("Content-Type")
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = imageMIMEType(ref)
	}
	return &genai.Image{ImageBytes: resp.Body(), MIMEType: mimeType}, nil
}

func googleSubmissionError(err error) error {
	return &SubmissionError{
		Provider:  "google",
		Status:    googleStatusCode(err),
		Transient: IsTransient(err),
		Err:       err,
	}
}

func googleStatusCode(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// veoDuration buckets a requested length into the 4/6/8 s clips Veo accepts.
func veoDuration(seconds int) int32 {
	switch {
	case seconds <= 0:
		return 8
	case seconds <= 4:
		return 4
	case seconds <= 6:
		return 6
	default:
		return 8
	}
}

func imageMIMEType(url string) string {
	lower := strings.ToLower(url)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	switch {
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
