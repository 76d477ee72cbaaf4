package report_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/journeyoor/pkg/config"
	"github.com/ethpandaops/journeyoor/pkg/report"
	"github.com/ethpandaops/journeyoor/pkg/store"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	s := store.NewStore(quietLogger(), &config.APIDatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func queryConfig() config.APIQueryConfig {
	return config.APIQueryConfig{
		Systems:         []string{"storefront", "checkout"},
		Platforms:       []string{"desktop", "mobile"},
		DefaultPlatform: "desktop",
		TabStepPrefix:   config.DefaultTabStepPrefix,
		DefaultDays:     7,
	}
}

func seedSteps(t *testing.T, s store.Store, system string, steps ...*store.Step) {
	t.Helper()

	ctx := context.Background()

	run := &store.Run{Environment: "qa", System: system}
	require.NoError(t, s.CreateRuns(ctx, []*store.Run{run}))

	journey := &store.Journey{RunID: run.ID, Name: "Browse"}
	require.NoError(t, s.CreateJourneys(ctx, []*store.Journey{journey}))

	for i, st := range steps {
		st.RunID = run.ID
		st.JourneyID = journey.ID
		st.StepNumber = i + 1
	}

	require.NoError(t, s.CreateSteps(ctx, steps))
}

func TestService_TabPerformance(t *testing.T) {
	s := setupTestStore(t)

	seedSteps(t, s, "storefront",
		&store.Step{Name: "Navigation: Open Tab Orders", TabName: "X", DurationMS: 100, Status: "PASSED"},
		&store.Step{Name: "Navigation: Open Tab Orders", TabName: "X", DurationMS: 300, Status: "FAILED"},
		&store.Step{Name: "Search: Enter Query", TabName: "X", DurationMS: 5000, Status: "PASSED"},
	)
	seedSteps(t, s, "checkout",
		&store.Step{Name: "Navigation: Open Tab Basket", TabName: "X", DurationMS: 9000, Status: "PASSED"},
	)

	svc := report.NewService(quietLogger(), s, queryConfig(), nil)

	got, err := svc.TabPerformance(context.Background(), "StoreFront", 0)
	require.NoError(t, err)
	assert.Equal(t, []report.TabPerformance{{
		TabName: "X", TestCount: 2,
		AvgLoadTimeMS: 200, MinLoadTimeMS: 100, MaxLoadTimeMS: 300,
		PassedCount: 1, FailedCount: 1, SuccessRate: "50.00",
	}}, got)

	_, err = svc.TabPerformance(context.Background(), "unknown", 7)
	require.ErrorIs(t, err, report.ErrUnknownSystem)

	// A month later the one-day window no longer covers them.
	later := report.NewService(quietLogger(), s, queryConfig(),
		func() time.Time { return time.Now().AddDate(0, 0, 30) })

	got, err = later.TabPerformance(context.Background(), "storefront", 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestService_RecentFailures(t *testing.T) {
	s := setupTestStore(t)

	seedSteps(t, s, "checkout",
		&store.Step{Name: "Pay", Status: "FAILED", ErrorType: "Error", ErrorMessage: "declined"},
		&store.Step{Name: "Receipt", Status: "PASSED"},
	)
	seedSteps(t, s, "other",
		&store.Step{Name: "Elsewhere", Status: "FAILED"},
	)

	svc := report.NewService(quietLogger(), s, queryConfig(), nil)

	got, err := svc.RecentFailures(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "checkout", got[0].System)
	assert.Equal(t, "Pay", got[0].StepName)
	assert.Equal(t, "declined", got[0].ErrorMessage)
	assert.Contains(t, got[0].ReadableRunID, "qa-")
}

func TestService_Snapshot(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	cfg := queryConfig()
	svc := report.NewService(quietLogger(), s, cfg, nil)

	_, err := svc.Snapshot(ctx, "mobile")
	require.ErrorIs(t, err, report.ErrNoData)

	cfg.PlaceholderOnMiss = true
	placeholder, err := report.NewService(quietLogger(), s, cfg, nil).Snapshot(ctx, "mobile")
	require.NoError(t, err)
	assert.True(t, placeholder.Placeholder)

	// An untagged payload counts as the default platform.
	require.NoError(t, s.CreateRawLog(ctx, &store.RawLog{
		Source:  "ci",
		Payload: store.JSON(`{"journeys":[{"name":"Search","steps":[{"name":"Open","status":"PASSED"}]}]}`),
	}))

	snap, err := svc.Snapshot(ctx, "Desktop")
	require.NoError(t, err)
	assert.Equal(t, "desktop", snap.Platform)
	assert.Equal(t, 1, snap.Total)
	assert.Equal(t, 1, snap.PassedSteps)
	assert.False(t, snap.Placeholder)

	_, err = svc.Snapshot(ctx, "mobile")
	require.ErrorIs(t, err, report.ErrNoData)
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, report.DefaultFailureLimit},
		{-5, report.DefaultFailureLimit},
		{25, 25},
		{1000, report.MaxFailureLimit},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, report.ClampLimit(tt.in))
	}
}
