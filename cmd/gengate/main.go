package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/zen-systems/gengate/pkg/config"
	"github.com/zen-systems/gengate/pkg/cost"
	"github.com/zen-systems/gengate/pkg/job"
	"github.com/zen-systems/gengate/pkg/logging"
	"github.com/zen-systems/gengate/pkg/poller"
	"github.com/zen-systems/gengate/pkg/provider"
)

// Exit codes distinguish "failed" from "outcome unknown, check manually".
const (
	exitFailed    = 1
	exitTimedOut  = 3
	exitCancelled = 4
)

var (
	configFile  string
	ledgerFlag  string
	evidenceDir string
	logLevel    string
	logPretty   bool
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	return e.msg
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "gengate",
		Short: "Asynchronous image and video generation across providers",
		Long: `Gengate submits image and video generation jobs to third-party providers,
polls them to completion with retry and fallback, tracks estimated cost,
and records every job in a review ledger.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to routing config file")
	rootCmd.PersistentFlags().StringVar(&ledgerFlag, "ledger", "", "override ledger backend (memory, airtable, sqlite, postgres)")
	rootCmd.PersistentFlags().StringVar(&evidenceDir, "evidence-dir", "", "directory for run evidence (default ~/.gengate/runs)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level")
	rootCmd.PersistentFlags().BoolVar(&logPretty, "log-pretty", true, "human-readable log output")

	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(awaitCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(costsCmd())
	rootCmd.AddCommand(syncCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(exitFailed)
	}
}

func newLogger() zerolog.Logger {
	return logging.New(logLevel, logPretty)
}

func generateCmd() *cobra.Command {
	var (
		req          provider.Request
		kindFlag     string
		noFallback   bool
		maxBudgetUSD float64
	)

	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Generate one image or video",
		Long: `Submits one request to the model's default provider (or --provider),
polls until it finishes, and records it in the ledger.

Exit status is 1 when the request failed, 3 when it timed out and may
still complete on the provider side, and 4 when it was cancelled.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.Prompt = args[0]
			}
			kind, err := provider.ParseKind(kindFlag)
			if err != nil {
				return err
			}
			req.Kind = kind

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if noFallback {
				off := false
				cfg.Routing.Fallback.AllowFallback = &off
			}
			if maxBudgetUSD > 0 {
				cfg.Routing.Batch.MaxBudgetUSD = maxBudgetUSD
			}

			logger := newLogger()
			runID := time.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
			runner, costs, cleanup, err := buildRunner(cmd.Context(), cfg, logger, runID)
			if err != nil {
				return err
			}
			defer cleanup()

			out, err := runner.Generate(cmd.Context(), job.Request{ID: runID, Request: req})
			if err != nil {
				return err
			}
			printOutcomes([]*job.Outcome{out}, costs)
			return exitFor([]*job.Outcome{out})
		},
	}

	cmd.Flags().StringVar(&kindFlag, "kind", "image", "asset kind (image or video)")
	cmd.Flags().StringVar(&req.Model, "model", "", "model id or alias")
	cmd.Flags().StringVar(&req.Prompt, "prompt", "", "prompt text (or pass as argument)")
	cmd.Flags().StringArrayVar(&req.ReferenceURLs, "ref", nil, "reference image URL (repeatable)")
	cmd.Flags().StringVar(&req.AspectRatio, "aspect-ratio", "", "aspect ratio, e.g. 9:16")
	cmd.Flags().IntVar(&req.Duration, "duration", 0, "video duration in seconds")
	cmd.Flags().StringVar(&req.Resolution, "resolution", "", "output resolution, e.g. 720p")
	cmd.Flags().StringVar(&req.Mode, "mode", "", "quality mode where supported (std, pro)")
	cmd.Flags().StringVar(&req.ProviderOverride, "provider", "", "override provider")
	cmd.Flags().BoolVar(&noFallback, "no-fallback", false, "never fall back to another provider")
	cmd.Flags().Float64Var(&maxBudgetUSD, "max-budget-usd", 0, "refuse to submit beyond this estimated spend")
	_ = cmd.MarkFlagRequired("model")

	return cmd
}

func batchCmd() *cobra.Command {
	var (
		manifestFile string
		concurrency  int
		maxBudgetUSD float64
		validateOnly bool
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run every request of a batch manifest",
		Long: `Runs the requests listed in a YAML manifest concurrently.

Use --validate to check the manifest without submitting anything.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if manifestFile == "" {
				return fmt.Errorf("manifest file is required")
			}
			manifest, err := job.LoadManifest(manifestFile)
			if err != nil {
				return err
			}
			if err := manifest.Validate(); err != nil {
				return err
			}
			if validateOnly {
				fmt.Printf("Batch manifest is valid (%d requests).\n", len(manifest.Requests))
				return nil
			}

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if concurrency > 0 {
				cfg.Routing.Batch.Concurrency = concurrency
			}
			if maxBudgetUSD > 0 {
				cfg.Routing.Batch.MaxBudgetUSD = maxBudgetUSD
			}

			logger := newLogger()
			runID := manifest.Name + "-" + time.Now().UTC().Format("20060102-150405")
			runner, costs, cleanup, err := buildRunner(cmd.Context(), cfg, logger, runID)
			if err != nil {
				return err
			}
			defer cleanup()

			outcomes, err := runner.GenerateBatch(cmd.Context(), manifest)
			if err != nil {
				return err
			}
			printOutcomes(outcomes, costs)
			return exitFor(outcomes)
		},
	}

	cmd.Flags().StringVarP(&manifestFile, "file", "f", "", "batch manifest (YAML)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "max concurrent requests (default from routing.yaml)")
	cmd.Flags().Float64Var(&maxBudgetUSD, "max-budget-usd", 0, "refuse to submit beyond this estimated spend")
	cmd.Flags().BoolVar(&validateOnly, "validate", false, "validate the manifest and exit")

	return cmd
}

func awaitCmd() *cobra.Command {
	var (
		h        provider.Handle
		kindFlag string
		recordID string
	)

	cmd := &cobra.Command{
		Use:   "await",
		Short: "Resume polling a job that timed out",
		Long: `Polls an existing provider job without resubmitting it and, with --record,
writes the result to that ledger row.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := provider.ParseKind(kindFlag)
			if err != nil {
				return err
			}
			h.Kind = kind

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := newLogger()
			runner, costs, cleanup, err := buildRunner(cmd.Context(), cfg, logger, "await-"+uuid.NewString()[:8])
			if err != nil {
				return err
			}
			defer cleanup()

			out, err := runner.Await(cmd.Context(), h, recordID)
			if err != nil {
				return err
			}
			printOutcomes([]*job.Outcome{out}, costs)
			return exitFor([]*job.Outcome{out})
		},
	}

	cmd.Flags().StringVar(&h.Provider, "provider", "", "provider that owns the job")
	cmd.Flags().StringVar(&h.TaskID, "task", "", "provider task id")
	cmd.Flags().StringVar(&h.PollURL, "poll-url", "", "provider status URL, when the provider returned one")
	cmd.Flags().StringVar(&kindFlag, "kind", "image", "asset kind (image or video)")
	cmd.Flags().StringVar(&h.Model, "model", "", "model id")
	cmd.Flags().StringVar(&recordID, "record", "", "ledger record to update")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("task")

	return cmd
}

func modelsCmd() *cobra.Command {
	var aliasesFlag bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List registered models, providers, and credential status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			if aliasesFlag {
				fmt.Fprintln(w, "ALIAS\tMODEL")
				all := cfg.Aliases.ListAliases()
				for _, name := range sortedKeys(all) {
					fmt.Fprintf(w, "%s\t%s\n", name, all[name])
				}
				return w.Flush()
			}

			sel, err := createSelector(cmd.Context(), cfg, zerolog.Nop())
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "KIND\tMODEL\tPROVIDER\tDEFAULT\tSTATUS")
			for _, pair := range sel.Pairs() {
				status := "ready"
				switch {
				case !pair.Configured:
					status = "not configured"
				case !pair.Declared:
					status = "not declared"
				case !pair.Credentials:
					status = "no key"
				}
				def := ""
				if pair.Default {
					def = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", pair.Kind, pair.Model, pair.Provider, def, status)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&aliasesFlag, "aliases", false, "show model aliases")

	return cmd
}

func costsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "costs",
		Short: "Show estimated cost per model",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			tracker := cost.NewTracker(cfg.Routing.Pricing, 0)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tUSD PER ASSET")
			for _, model := range tracker.Models() {
				price, _ := tracker.Estimate(model)
				fmt.Fprintf(w, "%s\t%.3f\n", model, price)
			}
			return w.Flush()
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay results that did not reach the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			sync, cleanup, err := createSynchronizer(cfg, newLogger())
			if err != nil {
				return err
			}
			defer cleanup()

			synced, err := sync.RetryPending(cmd.Context())
			fmt.Printf("Synced %d result(s).\n", synced)
			if err != nil {
				return err
			}
			return nil
		},
	}
}

func buildRunner(ctx context.Context, cfg *config.Config, logger zerolog.Logger, runID string) (*job.Runner, *cost.Tracker, func(), error) {
	sel, err := createSelector(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	sync, cleanup, err := createSynchronizer(cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	writer, err := createEvidence(cfg, runID)
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("failed to create evidence writer: %w", err)
	}

	costs := cost.NewTracker(cfg.Routing.Pricing, cfg.Routing.Batch.MaxBudgetUSD)
	runner := job.NewRunner(sel, costs,
		job.WithRouting(cfg.Routing),
		job.WithLedger(sync),
		job.WithEvidence(writer),
		job.WithLogger(logger),
		job.WithConcurrency(cfg.Routing.Batch.Concurrency),
	)
	return runner, costs, cleanup, nil
}

func printOutcomes(outcomes []*job.Outcome, costs *cost.Tracker) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRECORD\tOUTCOME\tPROVIDER\tDETAIL")
	for _, o := range outcomes {
		if o == nil {
			continue
		}
		record := o.RecordID
		if record == "" {
			record = "-"
		}
		switch {
		case o.Err != nil:
			fmt.Fprintf(w, "%s\t%s\trejected\t-\t%v\n", o.ID, record, o.Err)
		default:
			res := o.Result
			detail := res.ArtifactURL
			if detail == "" {
				detail = res.Reason
			}
			if o.SyncErr != nil {
				detail += " (ledger not updated: run gengate sync)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", o.ID, record, res.Outcome, res.Provider, strings.TrimSpace(detail))
		}
	}
	w.Flush()
	fmt.Printf("\nEstimated cost: $%.2f\n", costs.RunningTotal())
}

// exitFor maps outcomes to the process exit status. Cancellation outranks
// timeouts, which outrank failures.
func exitFor(outcomes []*job.Outcome) error {
	code := 0
	for _, o := range outcomes {
		if o == nil {
			continue
		}
		c := 0
		switch {
		case o.Err != nil:
			c = exitFailed
		case o.Result.Outcome == poller.OutcomeCancelled:
			c = exitCancelled
		case o.Result.Outcome == poller.OutcomeTimedOut:
			c = exitTimedOut
		case o.Result.Outcome == poller.OutcomeFailed:
			c = exitFailed
		}
		if rank(c) > rank(code) {
			code = c
		}
	}
	switch code {
	case 0:
		return nil
	case exitTimedOut:
		return &exitError{code: code, msg: "generation timed out; the provider job may still complete, check manually"}
	case exitCancelled:
		return &exitError{code: code, msg: "generation cancelled"}
	default:
		return &exitError{code: code, msg: "generation failed"}
	}
}

func rank(code int) int {
	switch code {
	case exitCancelled:
		return 3
	case exitTimedOut:
		return 2
	case exitFailed:
		return 1
	default:
		return 0
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
