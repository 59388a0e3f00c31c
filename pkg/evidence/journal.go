package evidence

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zen-systems/gengate/pkg/poller"
)

// Journal keeps results that have not reached the review ledger, one JSON
// file per ledger record, so `gengate sync` can replay them later.
type Journal struct {
	mu  sync.Mutex
	dir string
}

type parkedResult struct {
	RecordID string         `json:"record_id"`
	Result   *poller.Result `json:"result"`
}

// NewJournal opens (creating if needed) the journal under dir/pending.
func NewJournal(dir string) (*Journal, error) {
	if dir == "" {
		return nil, fmt.Errorf("journal directory is required")
	}
	pending := filepath.Join(dir, "pending")
	if err := os.MkdirAll(pending, 0700); err != nil {
		return nil, err
	}
	return &Journal{dir: pending}, nil
}

// Park stores res for recordID, replacing any earlier entry.
func (j *Journal) Park(recordID string, res *poller.Result) error {
	if recordID == "" {
		return fmt.Errorf("record ID is required")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return writeJSON(j.path(recordID), parkedResult{RecordID: recordID, Result: res})
}

// Unpark removes the entry for recordID; a missing entry is not an error.
func (j *Journal) Unpark(recordID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := os.Remove(j.path(recordID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Parked loads every entry keyed by record id.
func (j *Journal) Parked() (map[string]*poller.Result, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*poller.Result)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var parked parkedResult
		if err := readJSON(filepath.Join(j.dir, entry.Name()), &parked); err != nil {
			return nil, fmt.Errorf("failed to read journal entry %s: %w", entry.Name(), err)
		}
		if parked.RecordID == "" || parked.Result == nil {
			continue
		}
		out[parked.RecordID] = parked.Result
	}
	return out, nil
}

func (j *Journal) path(recordID string) string {
	return filepath.Join(j.dir, safeName(recordID)+".json")
}
