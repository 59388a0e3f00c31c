package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

const defaultAirtableURL = "https://api.airtable.com/v0"

// Airtable column names of the review sheet.
const (
	fieldKind         = "Kind"
	fieldModel        = "Model"
	fieldProvider     = "Provider"
	fieldStatus       = "Status"
	fieldArtifactURL  = "Artifact URL"
	fieldCostEstimate = "Cost Estimate"
	fieldPrompt       = "Prompt"
	fieldReason       = "Reason"
	fieldTaskID       = "Task ID"
	fieldAttempts     = "Attempts"
	fieldTimedOut     = "Timed Out"
	fieldUpdatedAt    = "Updated At"
)

// AirtableStore writes ledger rows to an Airtable table.
type AirtableStore struct {
	client *resty.Client
	path   string
}

// AirtableConfig locates the review table.
type AirtableConfig struct {
	APIKey string
	BaseID string
	Table  string
	// BaseURL defaults to the public Airtable API.
	BaseURL string
	Timeout time.Duration
}

// NewAirtableStore creates a store for cfg.Table in cfg.BaseID.
func NewAirtableStore(cfg AirtableConfig) (*AirtableStore, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("airtable: AIRTABLE_API_KEY is required")
	}
	if cfg.BaseID == "" || cfg.Table == "" {
		return nil, errors.New("airtable: base and table are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAirtableURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json")

	return &AirtableStore{
		client: client,
		path:   "/" + url.PathEscape(cfg.BaseID) + "/" + url.PathEscape(cfg.Table),
	}, nil
}

func (a *AirtableStore) Create(ctx context.Context, rec *Record) error {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"fields": recordFields(rec), "typecast": true}).
		Post(a.path)
	if err := checkResponse(resp, err, ""); err != nil {
		return err
	}

	id := gjson.GetBytes(resp.Body(), "id").String()
	if id == "" {
		return fmt.Errorf("airtable: create response has no record id")
	}
	rec.ID = id
	if created := gjson.GetBytes(resp.Body(), "createdTime").Time(); !created.IsZero() {
		rec.CreatedAt = created
	}
	return nil
}

func (a *AirtableStore) Get(ctx context.Context, id string) (*Record, error) {
	resp, err := a.client.R().
		SetContext(ctx).
		Get(a.path + "/" + url.PathEscape(id))
	if err := checkResponse(resp, err, id); err != nil {
		return nil, err
	}
	return parseRecord(resp.Body()), nil
}

func (a *AirtableStore) Update(ctx context.Context, rec *Record) error {
	rec.UpdatedAt = time.Now().UTC()
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"fields": recordFields(rec), "typecast": true}).
		Patch(a.path + "/" + url.PathEscape(rec.ID))
	return checkResponse(resp, err, rec.ID)
}

func recordFields(rec *Record) map[string]any {
	return map[string]any{
		fieldKind:         rec.Kind,
		fieldModel:        rec.Model,
		fieldProvider:     rec.Provider,
		fieldStatus:       string(rec.Status),
		fieldArtifactURL:  rec.ArtifactURL,
		fieldCostEstimate: rec.CostEstimate,
		fieldPrompt:       rec.Prompt,
		fieldReason:       rec.Reason,
		fieldTaskID:       rec.TaskID,
		fieldAttempts:     rec.Attempts,
		fieldTimedOut:     rec.TimedOut,
		fieldUpdatedAt:    rec.UpdatedAt.Format(time.RFC3339),
	}
}

func parseRecord(body []byte) *Record {
	fields := gjson.GetBytes(body, "fields")
	field := func(name string) gjson.Result {
		return fields.Get(gjson.Escape(name))
	}
	return &Record{
		ID:           gjson.GetBytes(body, "id").String(),
		Kind:         field(fieldKind).String(),
		Model:        field(fieldModel).String(),
		Provider:     field(fieldProvider).String(),
		Status:       Status(field(fieldStatus).String()),
		ArtifactURL:  field(fieldArtifactURL).String(),
		CostEstimate: field(fieldCostEstimate).Float(),
		Prompt:       field(fieldPrompt).String(),
		Reason:       field(fieldReason).String(),
		TaskID:       field(fieldTaskID).String(),
		Attempts:     field(fieldAttempts).String(),
		TimedOut:     field(fieldTimedOut).Bool(),
		CreatedAt:    gjson.GetBytes(body, "createdTime").Time(),
		UpdatedAt:    field(fieldUpdatedAt).Time(),
	}
}

// checkResponse maps Airtable failures onto ledger errors. 429 and 5xx stay
// retryable; other client errors are rejections.
func checkResponse(resp *resty.Response, err error, id string) error {
	if err != nil {
		return fmt.Errorf("airtable request failed: %w", err)
	}
	if !resp.IsError() {
		return nil
	}
	msg := gjson.GetBytes(resp.Body(), "error.message").String()
	if msg == "" {
		msg = gjson.GetBytes(resp.Body(), "error").String()
	}
	switch status := resp.StatusCode(); {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("airtable returned status %d: %s", status, msg)
	default:
		return fmt.Errorf("%w: airtable status %d: %s", ErrRejected, status, msg)
	}
}
