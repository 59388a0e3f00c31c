package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
)

var openaiImageModels = map[string]string{
	"gpt-image-1.5": "gpt-image-1.5",
}

// OpenAIAdapter generates GPT Image pictures directly through the OpenAI
// Images API. The endpoint is text-to-image and synchronous: bytes are stored
// through the asset host and reported by the next poll.
type OpenAIAdapter struct {
	client    openai.Client
	apiKey    string
	assets    AssetHost
	completed *completedJobs
	logger    zerolog.Logger
}

// NewOpenAIAdapter creates an OpenAI images adapter.
func NewOpenAIAdapter(apiKey string, opts ...Option) *OpenAIAdapter {
	o := buildOptions("", opts)
	clientOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(o.timeout),
		option.WithMaxRetries(0),
	}
	if o.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(o.baseURL))
	}
	if o.httpClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(o.httpClient))
	}
	return &OpenAIAdapter{
		client:    openai.NewClient(clientOpts...),
		apiKey:    apiKey,
		assets:    o.assets,
		completed: newCompletedJobs(),
		logger:    o.logger.With().Str("provider", "openai").Logger(),
	}
}

// Name returns the adapter identifier.
func (a *OpenAIAdapter) Name() string {
	return "openai"
}

// Models returns the models served for kind.
func (a *OpenAIAdapter) Models(kind AssetKind) []string {
	if kind == KindImage {
		return sortedKeys(openaiImageModels)
	}
	return nil
}

// HasCredentials reports whether the API key is set.
func (a *OpenAIAdapter) HasCredentials() bool {
	return a.apiKey != ""
}

// Validate rejects reference images: the generations endpoint is text-to-image.
func (a *OpenAIAdapter) Validate(req Request) error {
	if len(req.ReferenceURLs) > 0 {
		return fmt.Errorf("%w: %s via openai is text-to-image only", ErrUnsupportedFeature, req.Model)
	}
	return nil
}

// Retryable treats empty responses as worth one more try.
func (a *OpenAIAdapter) Retryable(status Status) bool {
	return status.Code == "no_image"
}

// SubmitImage generates the image in one call and parks the result for PollImage.
func (a *OpenAIAdapter) SubmitImage(ctx context.Context, req Request) (Handle, error) {
	modelID, ok := openaiImageModels[req.Model]
	if !ok {
		return Handle{}, unsupportedModel(a.Name(), KindImage, req.Model)
	}
	if err := a.Validate(req); err != nil {
		return Handle{}, err
	}
	if !a.HasCredentials() {
		return Handle{}, missingCredential(a.Name(), "OPENAI_API_KEY")
	}
	if a.assets == nil {
		return Handle{}, &SubmissionError{Provider: a.Name(), Err: errors.New("openai image generation requires an asset host")}
	}

	resp, err := a.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:  req.Prompt,
		Model:   openai.ImageModel(modelID),
		Size:    openai.ImageGenerateParamsSize(openaiImageSize(req.AspectRatio)),
		Quality: openai.ImageGenerateParamsQuality(gptImageQuality(req.Resolution)),
		N:       openai.Int(1),
	})
	if err != nil {
		subErr := &SubmissionError{Provider: a.Name(), Transient: IsTransient(err), Err: err}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			subErr.Status = apiErr.StatusCode
		}
		return Handle{}, subErr
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
func (a *OpenAIAdapter) PollImage(_ context.Context, h Handle) (Status, error) {
	return a.completed.take(h.TaskID), nil
}

func (a *OpenAIAdapter) imageStatus(ctx context.Context, req Request, resp *openai.ImagesResponse) Status {
	if resp == nil || len(resp.Data) == 0 {
		return Failed("no_image", "openai returned no images")
	}
	image := resp.Data[0]
	if image.URL != "" {
		return Succeeded(image.URL)
	}
	data, err := base64.StdEncoding.DecodeString(image.B64JSON)
	if err != nil || len(data) == 0 {
		return Failed("no_image", "openai returned an undecodable image")
	}
	url, err := storeArtifact(ctx, a.assets, a.Name(), req.Model, data, "image/png")
	if err != nil {
		return Failed("asset_store", err.Error())
	}
	return Succeeded(url)
}

func openaiImageSize(ratio string) string {
	switch ratio {
	case "9:16", "2:3":
		return "1024x1536"
	case "16:9", "3:2":
		return "1536x1024"
	case "1:1":
		return "1024x1024"
	default:
		return "auto"
	}
}
