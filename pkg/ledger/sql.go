package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLStore keeps ledger rows in a SQL table through gorm.
type SQLStore struct {
	db *gorm.DB
}

// generationRow is the table schema. It mirrors Record so the exported type
// stays free of storage concerns.
type generationRow struct {
	ID           string `gorm:"primaryKey;size:64"`
	Kind         string `gorm:"size:16;not null"`
	Model        string `gorm:"size:64;not null"`
	Provider     string `gorm:"size:32"`
	Status       string `gorm:"size:16;not null;index"`
	ArtifactURL  string
	CostEstimate float64
	Prompt       string
	Reason       string
	TaskID       string `gorm:"size:128"`
	Attempts     string
	TimedOut     bool
	CreatedAt    int64 `gorm:"autoCreateTime:milli"`
	UpdatedAt    int64 `gorm:"autoUpdateTime:milli"`
}

func (generationRow) TableName() string {
	return "generations"
}

// OpenSQLite opens (creating if needed) a sqlite ledger at path.
func OpenSQLite(path string) (*SQLStore, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite ledger: %w", err)
	}
	return NewSQLStore(db)
}

// OpenPostgres connects to a shared postgres ledger.
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres ledger: %w", err)
	}
	return NewSQLStore(db)
}

// NewSQLStore wraps db and migrates the generations table.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&generationRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate ledger table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Create(ctx context.Context, rec *Record) error {
	row := toRow(rec)
	row.ID = uuid.NewString()
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("error creating ledger record: %w", err)
	}
	*rec = fromRow(row)
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Record, error) {
	var row generationRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		return nil, fmt.Errorf("error loading ledger record: %w", err)
	}
	rec := fromRow(row)
	return &rec, nil
}

func (s *SQLStore) Update(ctx context.Context, rec *Record) error {
	row := toRow(rec)
	result := s.db.WithContext(ctx).Model(&generationRow{ID: rec.ID}).Updates(map[string]any{
		"provider":      row.Provider,
		"status":        row.Status,
		"artifact_url":  row.ArtifactURL,
		"cost_estimate": row.CostEstimate,
		"reason":        row.Reason,
		"task_id":       row.TaskID,
		"attempts":      row.Attempts,
		"timed_out":     row.TimedOut,
	})
	if result.Error != nil {
		return fmt.Errorf("error updating ledger record: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, rec.ID)
	}
	return nil
}

// List returns rows with the given status, oldest first. An empty status
// lists every row.
func (s *SQLStore) List(ctx context.Context, status Status) ([]Record, error) {
	query := s.db.WithContext(ctx).Order("created_at")
	if status != "" {
		query = query.Where("status = ?", string(status))
	}
	var rows []generationRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("error listing ledger records: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(rec *Record) generationRow {
	return generationRow{
		ID:           rec.ID,
		Kind:         rec.Kind,
		Model:        rec.Model,
		Provider:     rec.Provider,
		Status:       string(rec.Status),
		ArtifactURL:  rec.ArtifactURL,
		CostEstimate: rec.CostEstimate,
		Prompt:       rec.Prompt,
		Reason:       rec.Reason,
		TaskID:       rec.TaskID,
		Attempts:     rec.Attempts,
		TimedOut:     rec.TimedOut,
	}
}

func fromRow(row generationRow) Record {
	return Record{
		ID:           row.ID,
		Kind:         row.Kind,
		Model:        row.Model,
		Provider:     row.Provider,
		Status:       Status(row.Status),
		ArtifactURL:  row.ArtifactURL,
		CostEstimate: row.CostEstimate,
		Prompt:       row.Prompt,
		Reason:       row.Reason,
		TaskID:       row.TaskID,
		Attempts:     row.Attempts,
		TimedOut:     row.TimedOut,
		CreatedAt:    time.UnixMilli(row.CreatedAt).UTC(),
		UpdatedAt:    time.UnixMilli(row.UpdatedAt).UTC(),
	}
}
