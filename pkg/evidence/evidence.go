package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zen-systems/gengate/pkg/poller"
	"github.com/zen-systems/gengate/pkg/provider"
)

// RunRecord captures run-level metadata.
type RunRecord struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	Manifest       string         `json:"manifest,omitempty"`
	Requests       int            `json:"requests"`
	Concurrency    int            `json:"concurrency"`
	MaxBudgetUSD   float64        `json:"max_budget_usd,omitempty"`
	TotalCostUSD   float64        `json:"total_cost_usd"`
	Outcomes       map[string]int `json:"outcomes,omitempty"`
	DurationMillis int64          `json:"duration_ms"`
}

// RequestRecord captures evidence for one logical generation request.
type RequestRecord struct {
	ID             string          `json:"id"`
	RecordID       string          `json:"record_id,omitempty"`
	Kind           string          `json:"kind"`
	Model          string          `json:"model"`
	Provider       string          `json:"provider,omitempty"`
	PromptHash     string          `json:"prompt_hash"`
	Outcome        string          `json:"outcome"`
	ArtifactURL    string          `json:"artifact_url,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Retryable      bool            `json:"retryable,omitempty"`
	CostUSD        float64         `json:"cost_usd"`
	LedgerSynced   bool            `json:"ledger_synced"`
	LedgerError    string          `json:"ledger_error,omitempty"`
	DurationMillis int64           `json:"duration_ms"`
	Attempts       []AttemptRecord `json:"attempts,omitempty"`
}

// AttemptRecord captures each submission of a request.
type AttemptRecord struct {
	Provider       string `json:"provider"`
	TaskID         string `json:"task_id,omitempty"`
	Attempt        int    `json:"attempt"`
	Fallback       bool   `json:"fallback"`
	Outcome        string `json:"outcome"`
	Reason         string `json:"reason,omitempty"`
	Polls          int    `json:"polls"`
	DurationMillis int64  `json:"duration_ms"`
}

// NewRequestRecord summarizes a resolved request.
func NewRequestRecord(id string, req provider.Request, res *poller.Result) RequestRecord {
	rec := RequestRecord{
		ID:         id,
		Kind:       string(req.Kind),
		Model:      req.Model,
		PromptHash: HashPrompt(req.Prompt),
	}
	if res == nil {
		return rec
	}
	rec.Provider = res.Provider
	rec.Outcome = string(res.Outcome)
	rec.ArtifactURL = res.ArtifactURL
	rec.Reason = res.Reason
	rec.Retryable = res.Retryable
	rec.DurationMillis = res.Elapsed.Milliseconds()
	for _, a := range res.Attempts {
		rec.Attempts = append(rec.Attempts, AttemptRecord{
			Provider:       a.Provider,
			TaskID:         a.TaskID,
			Attempt:        a.Attempt,
			Fallback:       a.Fallback,
			Outcome:        string(a.Outcome),
			Reason:         a.Reason,
			Polls:          a.Polls,
			DurationMillis: a.Duration.Milliseconds(),
		})
	}
	return rec
}

// HashPrompt returns the hex sha256 of a prompt.
func HashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// Writer writes evidence bundles to disk.
type Writer struct {
	baseDir string
	runDir  string
}

// NewWriter creates a new evidence writer rooted at baseDir/runID.
func NewWriter(baseDir, runID string) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}

	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(filepath.Join(runDir, "requests"), 0700); err != nil {
		return nil, err
	}
	return &Writer{baseDir: baseDir, runDir: runDir}, nil
}

// RunDir returns the run directory path.
func (w *Writer) RunDir() string {
	return w.runDir
}

// WriteRun writes run metadata to run.json.
func (w *Writer) WriteRun(record RunRecord) error {
	return writeJSON(filepath.Join(w.runDir, "run.json"), record)
}

// WriteRequest writes a request record to requests/<id>.json.
func (w *Writer) WriteRequest(record RequestRecord) error {
	if record.ID == "" {
		return fmt.Errorf("request ID is required")
	}
	path := filepath.Join(w.runDir, "requests", fmt.Sprintf("%s.json", safeName(record.ID)))
	return writeJSON(path, record)
}

// writeJSON writes through a temp file so readers never see a partial record.
func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, value any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, value)
}

func safeName(id string) string {
	out := []rune(id)
	for i, r := range out {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
