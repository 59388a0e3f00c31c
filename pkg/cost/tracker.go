// Package cost keeps the estimated spend of a run. Prices are per generated
// asset, loaded once at start, and never mutated afterwards.
package cost

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/zen-systems/gengate/pkg/config"
	"github.com/zen-systems/gengate/pkg/provider"
)

// ErrBudgetExceeded is returned when a reservation would push the run past
// its budget.
var ErrBudgetExceeded = errors.New("budget exceeded")

// DefaultPrices are rough USD estimates per generated asset. They are used
// for budgeting only; routing.yaml pricing overrides them per model.
func DefaultPrices() map[string]float64 {
	return map[string]float64{
		"nano-banana":     0.039,
		"nano-banana-pro": 0.134,
		"gpt-image-1.5":   0.07,
		"flux-schnell":    0.003,
		"flux-dev":        0.01,
		"kling-3.0":       0.50,
		"sora-2":          0.40,
		"sora-2-pro":      1.20,
		"veo-3.1":         3.20,
		"ltx-video":       0.04,
		"wan-2.1":         0.08,
		"cogvideox":       0.08,
		"minimax-video":   0.10,
		"mock-image":      0,
		"mock-video":      0,
	}
}

// Entry is the accumulated spend for one model.
type Entry struct {
	Model    string  `json:"model"`
	UnitCost float64 `json:"unit_cost"`
	Count    int     `json:"count"`
}

// Total returns UnitCost * Count.
func (e Entry) Total() float64 {
	return e.UnitCost * float64(e.Count)
}

// BudgetStatus reports the configured limit and whether it was hit.
type BudgetStatus struct {
	MaxAmount float64 `json:"max_amount"`
	Exceeded  bool    `json:"exceeded"`
	Reason    string  `json:"reason,omitempty"`
}

// Report is a snapshot of the tracker.
type Report struct {
	Currency    string        `json:"currency"`
	TotalAmount float64       `json:"total_amount"`
	Entries     []Entry       `json:"entries"`
	Budget      *BudgetStatus `json:"budget,omitempty"`
}

// Tracker is the single accumulation point for estimated spend. It is safe
// for concurrent use.
type Tracker struct {
	prices map[string]float64

	mu        sync.Mutex
	entries   map[string]*Entry
	total     float64
	reserved  float64
	maxBudget float64
	budget    *BudgetStatus
}

// NewTracker builds a tracker from the default prices overlaid with
// overrides. A maxBudgetUSD of zero disables the budget.
func NewTracker(overrides config.PricingConfig, maxBudgetUSD float64) *Tracker {
	prices := DefaultPrices()
	maps.Copy(prices, overrides)
	t := &Tracker{
		prices:    prices,
		entries:   make(map[string]*Entry),
		maxBudget: maxBudgetUSD,
	}
	if maxBudgetUSD > 0 {
		t.budget = &BudgetStatus{MaxAmount: maxBudgetUSD}
	}
	return t
}

// Estimate returns the unit cost of model.
func (t *Tracker) Estimate(model string) (float64, error) {
	price, ok := t.prices[model]
	if !ok {
		return 0, fmt.Errorf("%w: no price for %q", provider.ErrUnknownModel, model)
	}
	return price, nil
}

// Models returns the priced model ids, sorted.
func (t *Tracker) Models() []string {
	return slices.Sorted(maps.Keys(t.prices))
}

// Record adds one generated asset of model to the running total.
func (t *Tracker) Record(model string) error {
	price, err := t.Estimate(model)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.add(model, price)
	return nil
}

func (t *Tracker) add(model string, price float64) {
	entry, ok := t.entries[model]
	if !ok {
		entry = &Entry{Model: model, UnitCost: price}
		t.entries[model] = entry
	}
	entry.Count++
	t.total += price
}

// RunningTotal returns the recorded spend.
func (t *Tracker) RunningTotal() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Entries returns per-model totals sorted by model id.
func (t *Tracker) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.entries))
	for _, model := range slices.Sorted(maps.Keys(t.entries)) {
		out = append(out, *t.entries[model])
	}
	return out
}

// WouldExceed reports whether recording one more model asset would push the
// running total past limit. A non-positive limit never exceeds.
func (t *Tracker) WouldExceed(model string, limit float64) (bool, error) {
	price, err := t.Estimate(model)
	if err != nil {
		return false, err
	}
	if limit <= 0 {
		return false, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total+t.reserved+price > limit, nil
}

// Reservation holds budget for one in-flight request.
type Reservation struct {
	tracker *Tracker
	model   string
	price   float64
	once    sync.Once
}

// Reserve claims the estimated cost of model against the budget so that
// concurrent requests cannot overshoot it together.
func (t *Tracker) Reserve(model string) (*Reservation, error) {
	price, err := t.Estimate(model)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.maxBudget > 0 {
		projected := t.total + t.reserved + price
		if projected > t.maxBudget {
			reason := fmt.Sprintf("budget %.2f exceeded (projected total %.2f)", t.maxBudget, projected)
			t.budget.Exceeded = true
			t.budget.Reason = reason
			return nil, fmt.Errorf("%w: %s", ErrBudgetExceeded, reason)
		}
	}
	t.reserved += price
	return &Reservation{tracker: t, model: model, price: price}, nil
}

// Commit records the reserved asset. Only the first Commit or Release counts.
func (r *Reservation) Commit() {
	r.once.Do(func() {
		r.tracker.mu.Lock()
		defer r.tracker.mu.Unlock()
		r.tracker.reserved -= r.price
		r.tracker.add(r.model, r.price)
	})
}

// Release returns the reserved amount without recording anything.
func (r *Reservation) Release() {
	r.once.Do(func() {
		r.tracker.mu.Lock()
		defer r.tracker.mu.Unlock()
		r.tracker.reserved -= r.price
	})
}

// Report returns a snapshot for journals and CLI output.
func (t *Tracker) Report() Report {
	entries := t.Entries()
	t.mu.Lock()
	defer t.mu.Unlock()
	report := Report{Currency: "USD", TotalAmount: t.total, Entries: entries}
	if t.budget != nil {
		budget := *t.budget
		report.Budget = &budget
	}
	return report
}
