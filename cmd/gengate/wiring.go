package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/zen-systems/gengate/pkg/assethost"
	"github.com/zen-systems/gengate/pkg/config"
	"github.com/zen-systems/gengate/pkg/evidence"
	"github.com/zen-systems/gengate/pkg/ledger"
	"github.com/zen-systems/gengate/pkg/provider"
	"github.com/zen-systems/gengate/pkg/selector"
)

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.LoadWithRoutingFile(configFile)
	}
	return config.Load()
}

// createAssetHost returns where synchronous backends store returned bytes.
func createAssetHost(ctx context.Context, cfg *config.Config) (provider.AssetHost, error) {
	assets := cfg.Routing.Assets
	switch assets.Backend {
	case "", "local":
		dir := assets.LocalDir
		if dir == "" {
			dir = filepath.Join(cfg.ConfigDir, "assets")
		}
		return assethost.NewLocalHost(dir, assets.PublicURL)
	case "s3":
		region := assets.Region
		if region == "" {
			region = cfg.AWSRegion
		}
		return assethost.NewS3Host(ctx, assethost.S3Config{
			Bucket:          assets.Bucket,
			Prefix:          assets.Prefix,
			Region:          region,
			Endpoint:        assets.Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			PublicURL:       assets.PublicURL,
			PresignTTL:      assets.PresignTTL,
		})
	default:
		return nil, fmt.Errorf("unknown assets backend %q (expected local or s3)", assets.Backend)
	}
}

// createProviders builds every adapter. Adapters without a secret are still
// registered so selection reports a missing credential rather than an
// unknown provider.
func createProviders(ctx context.Context, cfg *config.Config, logger zerolog.Logger) ([]provider.Provider, error) {
	host, err := createAssetHost(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create asset host: %w", err)
	}

	rate := cfg.Routing.Polling.RatePerSecond
	burst := max(1, int(rate))
	opts := []provider.Option{
		provider.WithPollRate(rate, burst),
		provider.WithLogger(logger),
		provider.WithAssetHost(host),
	}

	google, err := provider.NewGoogleAdapter(ctx, cfg.Google(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create google adapter: %w", err)
	}

	return []provider.Provider{
		provider.NewReplicateAdapter(cfg.ReplicateAPIToken, opts...),
		provider.NewWaveSpeedAdapter(cfg.WaveSpeedAPIKey, opts...),
		provider.NewKieAdapter(cfg.KieAPIKey, opts...),
		provider.NewOpenAIAdapter(cfg.OpenAIAPIKey, opts...),
		google,
		provider.NewMockAdapter("mock").
			Serve(provider.KindImage, "mock-image").
			Serve(provider.KindVideo, "mock-video"),
	}, nil
}

func createSelector(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*selector.Selector, error) {
	registry, err := selector.NewRegistry(cfg.Routing.Models)
	if err != nil {
		return nil, err
	}
	providers, err := createProviders(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return selector.New(registry, providers,
		selector.WithAliases(cfg.Aliases),
		selector.WithLogger(logger),
	), nil
}

// createStore opens the configured ledger backend. The returned func
// releases it.
func createStore(cfg *config.Config) (ledger.Store, func(), error) {
	lc := cfg.Routing.Ledger
	backend := lc.Backend
	if ledgerFlag != "" {
		backend = ledgerFlag
	}

	switch backend {
	case "", "memory":
		return ledger.NewMemoryStore(), func() {}, nil
	case "airtable":
		store, err := ledger.NewAirtableStore(ledger.AirtableConfig{
			APIKey:  cfg.AirtableAPIKey,
			BaseID:  lc.AirtableBase,
			Table:   lc.Table,
			BaseURL: lc.AirtableURL,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case "sqlite":
		path := lc.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.ConfigDir, "ledger.db")
		}
		store, err := ledger.OpenSQLite(path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("postgres ledger requires GENGATE_DATABASE_URL")
		}
		store, err := ledger.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q (expected memory, airtable, sqlite or postgres)", backend)
	}
}

func createSynchronizer(cfg *config.Config, logger zerolog.Logger) (*ledger.Synchronizer, func(), error) {
	store, closeStore, err := createStore(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	journalDir := cfg.Routing.Ledger.JournalDir
	if journalDir == "" {
		journalDir = filepath.Join(cfg.ConfigDir, "journal")
	}
	journal, err := evidence.NewJournal(journalDir)
	if err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("failed to open journal: %w", err)
	}
	sync := ledger.NewSynchronizer(store,
		ledger.WithJournal(journal),
		ledger.WithLogger(logger),
		ledger.WithRetry(250*time.Millisecond, cfg.Routing.Ledger.MaxElapsed),
	)
	return sync, closeStore, nil
}

func createEvidence(cfg *config.Config, runID string) (*evidence.Writer, error) {
	dir := evidenceDir
	if dir == "" {
		dir = filepath.Join(cfg.ConfigDir, "runs")
	}
	return evidence.NewWriter(dir, runID)
}
