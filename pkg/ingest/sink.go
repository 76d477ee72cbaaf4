// Package ingest writes recorded runs to the result store, either
// incrementally while the suite runs or in one batch from a raw payload.
package ingest

import (
	"context"
	"fmt"

	"github.com/ethpandaops/journeyoor/pkg/store"
)

// Sink is a transport to the result store. Store rows double as the wire
// shape, so every implementation speaks the same column names.
type Sink interface {
	CreateRun(ctx context.Context, run *store.Run) (*store.Run, error)
	PatchRun(ctx context.Context, id string, fields map[string]any) error
	CreateJourney(ctx context.Context, journey *store.Journey) (*store.Journey, error)
	InsertSteps(ctx context.Context, steps []*store.Step) error
	CreateRawLog(ctx context.Context, raw *store.RawLog) (*store.RawLog, error)
	UpdateRawLog(ctx context.Context, id string, fields map[string]any) error
	ListRawLogs(ctx context.Context, q store.Query) ([]store.RawLog, error)
}

// Compile-time interface check.
var _ Sink = (*storeSink)(nil)

type storeSink struct {
	store store.Store
}

// NewStoreSink writes straight to a local store. The API server uses it to
// process raw logs without a network hop.
func NewStoreSink(s store.Store) Sink {
	return &storeSink{store: s}
}

func (s *storeSink) CreateRun(ctx context.Context, run *store.Run) (*store.Run, error) {
	if err := s.store.CreateRuns(ctx, []*store.Run{run}); err != nil {
		return nil, err
	}

	return run, nil
}

func (s *storeSink) PatchRun(ctx context.Context, id string, fields map[string]any) error {
	_, err := s.store.Patch(ctx, store.ResourceRuns, id, fields)

	return err
}

func (s *storeSink) CreateJourney(
	ctx context.Context, journey *store.Journey,
) (*store.Journey, error) {
	if err := s.store.CreateJourneys(ctx, []*store.Journey{journey}); err != nil {
		return nil, err
	}

	return journey, nil
}

func (s *storeSink) InsertSteps(ctx context.Context, steps []*store.Step) error {
	return s.store.CreateSteps(ctx, steps)
}

func (s *storeSink) CreateRawLog(ctx context.Context, raw *store.RawLog) (*store.RawLog, error) {
	if err := s.store.CreateRawLog(ctx, raw); err != nil {
		return nil, err
	}

	return raw, nil
}

func (s *storeSink) UpdateRawLog(ctx context.Context, id string, fields map[string]any) error {
	_, err := s.store.Patch(ctx, store.ResourceRawLogs, id, fields)

	return err
}

func (s *storeSink) ListRawLogs(ctx context.Context, q store.Query) ([]store.RawLog, error) {
	rows, err := s.store.List(ctx, store.ResourceRawLogs, q)
	if err != nil {
		return nil, err
	}

	logs, ok := rows.(*[]store.RawLog)
	if !ok {
		return nil, fmt.Errorf("unexpected rows type %T", rows)
	}

	return *logs, nil
}
