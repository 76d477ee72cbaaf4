package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/journeyoor/pkg/config"
	"github.com/ethpandaops/journeyoor/pkg/store"
)

const (
	// DefaultFailureLimit is used when no limit is requested.
	DefaultFailureLimit = 10
	// MaxFailureLimit caps the requested limit.
	MaxFailureLimit = 100
)

// ErrUnknownSystem is returned for a system tag outside the allow-list.
var ErrUnknownSystem = errors.New("unknown system")

// Service runs the dashboard queries against the store.
type Service struct {
	log   logrus.FieldLogger
	store store.Store
	cfg   config.APIQueryConfig
	now   func() time.Time
}

// NewService creates a query service. A nil now uses time.Now.
func NewService(
	log logrus.FieldLogger,
	s store.Store,
	cfg config.APIQueryConfig,
	now func() time.Time,
) *Service {
	if now == nil {
		now = time.Now
	}

	return &Service{
		log:   log.WithField("component", "report"),
		store: s,
		cfg:   cfg,
		now:   now,
	}
}

// TabPerformance aggregates tab loads of system over the last days days.
func (s *Service) TabPerformance(
	ctx context.Context, system string, days int,
) ([]TabPerformance, error) {
	if !s.cfg.HasSystem(system) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSystem, system)
	}

	if days <= 0 {
		days = s.cfg.DefaultDays
	}

	since := s.now().UTC().AddDate(0, 0, -days)

	rows, err := s.store.ListTabSteps(ctx, s.cfg.TabStepPrefix, strings.ToLower(system), since)
	if err != nil {
		return nil, fmt.Errorf("listing tab steps: %w", err)
	}

	return AggregateTabPerformance(TabSamples(rows)), nil
}

// RecentFailures returns the newest failed steps across allowed systems.
func (s *Service) RecentFailures(ctx context.Context, limit int) ([]Failure, error) {
	limit = ClampLimit(limit)

	systems := make([]string, 0, len(s.cfg.Systems))
	for _, sys := range s.cfg.Systems {
		systems = append(systems, strings.ToLower(sys))
	}

	rows, err := s.store.ListRecentFailures(ctx, systems, limit)
	if err != nil {
		return nil, fmt.Errorf("listing failures: %w", err)
	}

	return RecentFailures(rows), nil
}

// Snapshot returns the latest results of platform within Window. A miss
// yields ErrNoData, or the placeholder when configured.
func (s *Service) Snapshot(ctx context.Context, platform string) (*Snapshot, error) {
	platform = strings.ToLower(platform)
	now := s.now()
	from, to := Window(now)

	raw, err := s.store.LatestRawLog(ctx, platform, strings.ToLower(s.cfg.DefaultPlatform), from, to)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("loading latest raw log: %w", err)
		}

		if s.cfg.PlaceholderOnMiss {
			s.log.WithField("platform", platform).Debug("Serving placeholder snapshot")

			return PlaceholderSnapshot(platform, now), nil
		}

		return nil, ErrNoData
	}

	snap, err := BuildSnapshot([]byte(raw.Payload), raw.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("building snapshot from %s: %w", raw.ID, err)
	}

	snap.Platform = platform

	return snap, nil
}

// ClampLimit applies the default and maximum failure limit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultFailureLimit
	case limit > MaxFailureLimit:
		return MaxFailureLimit
	default:
		return limit
	}
}
