package ingest_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ethpandaops/journeyoor/pkg/api"
	"github.com/ethpandaops/journeyoor/pkg/config"
	"github.com/ethpandaops/journeyoor/pkg/execution"
	"github.com/ethpandaops/journeyoor/pkg/ingest"
	"github.com/ethpandaops/journeyoor/pkg/store"
)

const testAPIKey = "service-role-key"

// startRESTServer serves the ingestion surface over HTTP, backed by s.
func startRESTServer(t *testing.T, s store.Store) string {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := &config.APIConfig{
		Auth: config.APIAuthConfig{Keys: []config.APIKeyConfig{{Name: "ci", Hash: string(hash)}}},
		Query: config.APIQueryConfig{
			Systems:   config.DefaultSystems,
			Platforms: config.DefaultPlatforms,
		},
	}

	apiServer := api.NewServer(quietLogger(), cfg, api.WithStore(s))
	srv := httptest.NewServer(apiServer.Handler())

	t.Cleanup(func() {
		srv.Close()
		_ = apiServer.Stop()
	})

	return srv.URL
}

func TestRESTSink_IncrementalRun(t *testing.T) {
	s := setupTestStore(t)
	url := startRESTServer(t, s)
	ctx := context.Background()

	l := ingest.NewLogger(quietLogger(), &config.StoreConfig{
		URL:        url,
		APIKey:     testAPIKey,
		Timeout:    5 * time.Second,
		MaxRetries: 2,
	}, ingest.WithClock(func() time.Time { return loggerNow }))
	require.True(t, l.Enabled())

	runID := l.StartTestRun(ctx, ingest.RunInfo{
		RunConfig: execution.RunConfig{Framework: "chromedp", Environment: "qa", System: "Checkout"},
		StartedAt: loggerNow,
	})
	require.NotEmpty(t, runID)

	require.True(t, l.LogJourney(ctx, checkoutJourney()))
	require.True(t, l.CompleteTestRun(ctx, execution.Summary{
		TotalJourneys: 1, FailedJourneys: 1, TotalSteps: 2, PassedSteps: 1, FailedSteps: 1,
		SuccessRate: 50, DurationMS: 1000,
	}, execution.Extra{}))

	got, err := s.Get(ctx, store.ResourceRuns, runID)
	require.NoError(t, err)

	run := got.(*store.Run)
	assert.Equal(t, "checkout", run.System)
	assert.Equal(t, "qa-20260504-091500", run.ReadableID)
	assert.Equal(t, 2, run.TotalSteps)
	require.NotNil(t, run.CompletedAt)

	steps := listRows[store.Step](t, s, store.ResourceSteps, store.Query{Order: "step_number"})
	require.Len(t, steps, 2)
	assert.Equal(t, runID, steps[0].RunID)
	assert.Equal(t, "Orders", steps[0].TabName)
}

func TestRESTSink_IngestRawLog(t *testing.T) {
	s := setupTestStore(t)
	url := startRESTServer(t, s)
	ctx := context.Background()

	l := ingest.NewLogger(quietLogger(), &config.StoreConfig{
		URL: url, APIKey: testAPIKey, Timeout: 5 * time.Second, MaxRetries: 1,
	})

	id, ok := l.Ingest(ctx, []byte(`{"platform":"mobile","metadata":{"system":"storefront"},
		"journeys":[{"name":"Browse","steps":[{"name":"Home","status":"PASSED","duration":10}]}]}`), "nightly")
	require.NotEmpty(t, id)
	require.True(t, ok)

	got, err := s.Get(ctx, store.ResourceRawLogs, id)
	require.NoError(t, err)

	raw := got.(*store.RawLog)
	assert.True(t, raw.Processed)
	assert.Equal(t, "mobile", raw.Platform)
	require.NotNil(t, raw.ProcessedAt)

	sink := ingest.NewRESTSink(quietLogger(), &config.StoreConfig{URL: url, APIKey: testAPIKey})

	pending, err := sink.ListRawLogs(ctx, store.Query{
		Filters: []store.Filter{{Column: "processed", Op: store.OpIs, Value: "false"}},
	})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRESTSink_RejectedKey(t *testing.T) {
	s := setupTestStore(t)
	url := startRESTServer(t, s)

	l := ingest.NewLogger(quietLogger(), &config.StoreConfig{
		URL: url, APIKey: "wrong", Timeout: 5 * time.Second, MaxRetries: 2,
	})
	require.True(t, l.Enabled())

	assert.Empty(t, l.StartTestRun(context.Background(), ingest.RunInfo{}))
	assert.Empty(t, listRows[store.Run](t, s, store.ResourceRuns, store.Query{}))
}
