// Package store persists raw logs, runs, journeys and steps with gorm.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ethpandaops/journeyoor/pkg/config"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalid is returned for writes the resource does not accept.
	ErrInvalid = errors.New("invalid write")
)

// TabStepRow is one tab-load step used by the tab performance query.
type TabStepRow struct {
	TabName    string `gorm:"column:tab_name"`
	DurationMS int64  `gorm:"column:duration_ms"`
	Status     string `gorm:"column:status"`
}

// FailureRow is one failed step joined with its run.
type FailureRow struct {
	System        string    `gorm:"column:system"`
	ReadableRunID string    `gorm:"column:readable_run_id"`
	StepName      string    `gorm:"column:step_name"`
	ErrorType     string    `gorm:"column:error_type"`
	ErrorMessage  string    `gorm:"column:error_message"`
	DurationMS    int64     `gorm:"column:duration_ms"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

// Store provides persistence for ingested test results.
type Store interface {
	Start(ctx context.Context) error
	Stop() error
	Ping(ctx context.Context) error

	CreateRawLog(ctx context.Context, raw *RawLog) error
	CreateRuns(ctx context.Context, runs []*Run) error
	CreateJourneys(ctx context.Context, journeys []*Journey) error
	CreateSteps(ctx context.Context, steps []*Step) error

	// Get returns one row of resource by id.
	Get(ctx context.Context, resource Resource, id string) (any, error)
	// List returns a slice of rows of resource matching q.
	List(ctx context.Context, resource Resource, q Query) (any, error)
	// Patch updates the allowed columns of one row and returns it.
	Patch(
		ctx context.Context, resource Resource, id string, fields map[string]any,
	) (any, error)

	ListTabSteps(
		ctx context.Context, prefix, system string, since time.Time,
	) ([]TabStepRow, error)
	ListRecentFailures(
		ctx context.Context, systems []string, limit int,
	) ([]FailureRow, error)
	LatestRawLog(
		ctx context.Context, platform, defaultPlatform string, from, to time.Time,
	) (*RawLog, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.APIDatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.APIDatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger:  logger.Discard,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	// Every connection to an in-memory sqlite database is a new database.
	if s.cfg.Driver == "sqlite" && strings.Contains(s.cfg.SQLite.Path, ":memory:") {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&RawLog{},
		&Run{},
		&Journey{},
		&Step{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.PingContext(ctx)
}

// CreateRawLog stores a raw payload.
func (s *store) CreateRawLog(ctx context.Context, raw *RawLog) error {
	if err := s.db.WithContext(ctx).Create(raw).Error; err != nil {
		return fmt.Errorf("creating raw log: %w", err)
	}

	return nil
}

// CreateRuns inserts runs.
func (s *store) CreateRuns(ctx context.Context, runs []*Run) error {
	return createBatches(ctx, s.db, runs, "runs")
}

// CreateJourneys inserts journeys.
func (s *store) CreateJourneys(ctx context.Context, journeys []*Journey) error {
	return createBatches(ctx, s.db, journeys, "journeys")
}

// CreateSteps inserts steps in one transaction.
func (s *store) CreateSteps(ctx context.Context, steps []*Step) error {
	return createBatches(ctx, s.db, steps, "steps")
}

func createBatches[T any](ctx context.Context, db *gorm.DB, rows []*T, what string) error {
	if len(rows) == 0 {
		return nil
	}

	const batchSize = 100

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := 0; i < len(rows); i += batchSize {
			end := min(i+batchSize, len(rows))

			batch := rows[i:end]
			if err := tx.CreateInBatches(batch, len(batch)).Error; err != nil {
				return fmt.Errorf("inserting %s: %w", what, err)
			}
		}

		return nil
	})
}

// newRows returns a pointer to an empty slice of the resource's model.
func newRows(resource Resource) (any, error) {
	switch resource {
	case ResourceRawLogs:
		return &[]RawLog{}, nil
	case ResourceRuns:
		return &[]Run{}, nil
	case ResourceJourneys:
		return &[]Journey{}, nil
	case ResourceSteps:
		return &[]Step{}, nil
	default:
		return nil, fmt.Errorf("unknown resource %q", resource)
	}
}

// newRow returns a pointer to an empty model of the resource.
func newRow(resource Resource) (any, error) {
	switch resource {
	case ResourceRawLogs:
		return &RawLog{}, nil
	case ResourceRuns:
		return &Run{}, nil
	case ResourceJourneys:
		return &Journey{}, nil
	case ResourceSteps:
		return &Step{}, nil
	default:
		return nil, fmt.Errorf("unknown resource %q", resource)
	}
}

// Get returns one row by id.
func (s *store) Get(ctx context.Context, resource Resource, id string) (any, error) {
	row, err := newRow(resource)
	if err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Where("id = ?", id).First(row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting %s: %w", resource, err)
	}

	return row, nil
}

// List returns the rows of resource matching q.
func (s *store) List(ctx context.Context, resource Resource, q Query) (any, error) {
	rows, err := newRows(resource)
	if err != nil {
		return nil, err
	}

	db, err := q.apply(resource, s.db.WithContext(ctx))
	if err != nil {
		return nil, err
	}

	if err := db.Find(rows).Error; err != nil {
		return nil, fmt.Errorf("listing %s: %w", resource, err)
	}

	return rows, nil
}

// Patch updates the allowed columns of one row.
func (s *store) Patch(
	ctx context.Context, resource Resource, id string, fields map[string]any,
) (any, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: patch %s: no fields", ErrInvalid, resource)
	}

	updates := make(map[string]any, len(fields))

	for col, v := range fields {
		if _, ok := patchable[resource][col]; !ok {
			return nil, fmt.Errorf("%w: patch %s: column %q is not writable", ErrInvalid, resource, col)
		}

		coerced, err := coercePatch(columns[resource][col], v)
		if err != nil {
			return nil, fmt.Errorf("%w: patch %s.%s: %v", ErrInvalid, resource, col, err)
		}

		updates[col] = coerced
	}

	model, err := newRow(resource)
	if err != nil {
		return nil, err
	}

	result := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("patching %s: %w", resource, result.Error)
	}

	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}

	return s.Get(ctx, resource, id)
}

// ListTabSteps returns tab-load steps of runs tagged with system created
// since the given time.
func (s *store) ListTabSteps(
	ctx context.Context, prefix, system string, since time.Time,
) ([]TabStepRow, error) {
	var rows []TabStepRow
	if err := s.db.WithContext(ctx).
		Table(string(ResourceSteps)).
		Select("steps.tab_name, steps.duration_ms, steps.status").
		Joins("JOIN test_runs ON test_runs.id = steps.run_id").
		Where("steps.name LIKE ? AND test_runs.system = ? AND steps.created_at >= ?",
			prefix+"%", strings.ToLower(system), since.UTC()).
		Order("steps.created_at ASC").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing tab steps: %w", err)
	}

	return rows, nil
}

// ListRecentFailures returns the newest failed steps of runs tagged with
// one of systems.
func (s *store) ListRecentFailures(
	ctx context.Context, systems []string, limit int,
) ([]FailureRow, error) {
	lowered := make([]string, len(systems))
	for i, sys := range systems {
		lowered[i] = strings.ToLower(sys)
	}

	var rows []FailureRow
	if err := s.db.WithContext(ctx).
		Table(string(ResourceSteps)).
		Select("test_runs.system AS system, test_runs.readable_id AS readable_run_id, " +
			"steps.name AS step_name, steps.error_type, steps.error_message, " +
			"steps.duration_ms, steps.created_at").
		Joins("JOIN test_runs ON test_runs.id = steps.run_id").
		Where("steps.status = ? AND test_runs.system IN ?", "FAILED", lowered).
		Order("steps.created_at DESC").
		Limit(limit).
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing recent failures: %w", err)
	}

	return rows, nil
}

// LatestRawLog returns the newest raw log for platform within [from, to].
// Logs without a platform tag count as defaultPlatform.
func (s *store) LatestRawLog(
	ctx context.Context, platform, defaultPlatform string, from, to time.Time,
) (*RawLog, error) {
	platform = strings.ToLower(platform)

	db := s.db.WithContext(ctx).
		Where("created_at >= ? AND created_at <= ?", from.UTC(), to.UTC())

	if strings.EqualFold(platform, defaultPlatform) {
		db = db.Where("(platform = ? OR platform = '' OR platform IS NULL)", platform)
	} else {
		db = db.Where("platform = ?", platform)
	}

	var raw RawLog
	if err := db.Order("created_at DESC").First(&raw).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("finding latest raw log: %w", err)
	}

	return &raw, nil
}
