package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Option configures a provider adapter.
type Option func(*options)

type options struct {
	baseURL    string
	httpClient *http.Client
	pollRate   rate.Limit
	pollBurst  int
	timeout    time.Duration
	logger     zerolog.Logger
	assets     AssetHost
}

// WithBaseURL overrides the provider API root (tests, proxies).
func WithBaseURL(url string) Option {
	return func(o *options) {
		o.baseURL = url
	}
}

// WithHTTPClient sets the pooled HTTP client used for every call.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithPollRate throttles status calls across all handles of one adapter.
func WithPollRate(perSecond float64, burst int) Option {
	return func(o *options) {
		o.pollRate = rate.Limit(perSecond)
		o.pollBurst = burst
	}
}

// WithTimeout sets the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithLogger sets the adapter logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithAssetHost sets where synchronous backends store returned bytes.
func WithAssetHost(h AssetHost) Option {
	return func(o *options) {
		o.assets = h
	}
}

func buildOptions(defaultBaseURL string, opts []Option) options {
	o := options{
		baseURL:   defaultBaseURL,
		pollRate:  5,
		pollBurst: 5,
		timeout:   60 * time.Second,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// restBackend is the shared transport of the REST adapters.
type restBackend struct {
	name    string
	apiKey  string
	client  *resty.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func newRestBackend(name, apiKey, authScheme string, o options) *restBackend {
	var client *resty.Client
	if o.httpClient != nil {
		client = resty.NewWithClient(o.httpClient)
	} else {
		client = resty.New()
	}
	client.SetBaseURL(o.baseURL).
		SetTimeout(o.timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetAuthScheme(authScheme).SetAuthToken(apiKey)
	}
	return &restBackend{
		name:    name,
		apiKey:  apiKey,
		client:  client,
		limiter: rate.NewLimiter(o.pollRate, o.pollBurst),
		logger:  o.logger.With().Str("provider", name).Logger(),
	}
}

// post performs the single submit call and classifies failures.
func (b *restBackend) post(ctx context.Context, path string, payload any) ([]byte, error) {
	resp, err := b.client.R().SetContext(ctx).SetBody(payload).Post(path)
	if err != nil {
		return nil, &SubmissionError{Provider: b.name, Transient: IsTransient(err), Err: err}
	}
	if resp.IsError() {
		return nil, &SubmissionError{
			Provider: b.name,
			Status:   resp.StatusCode(),
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode(), truncate(resp.String(), 300)),
		}
	}
	return resp.Body(), nil
}

// get performs one throttled status call. A 404 is reported as found=false.
func (b *restBackend) get(ctx context.Context, url string, query map[string]string) (body []byte, found bool, err error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, false, err
	}
	req := b.client.R().SetContext(ctx)
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	resp, err := req.Get(url)
	if err != nil {
		return nil, false, fmt.Errorf("%s poll request failed: %w", b.name, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return resp.Body(), false, nil
	}
	if resp.IsError() {
		return nil, false, fmt.Errorf("%s poll returned status %d: %s", b.name, resp.StatusCode(), truncate(resp.String(), 200))
	}
	return resp.Body(), true, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
