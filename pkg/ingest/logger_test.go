package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/journeyoor/pkg/config"
	"github.com/ethpandaops/journeyoor/pkg/execution"
	"github.com/ethpandaops/journeyoor/pkg/ingest"
	"github.com/ethpandaops/journeyoor/pkg/store"
)

var loggerNow = time.Date(2026, 5, 4, 9, 15, 0, 0, time.UTC)

func checkoutJourney() execution.Journey {
	return execution.Journey{
		JourneyNumber:  1,
		JourneyName:    "Checkout Flow",
		Status:         execution.StatusFailed,
		StartTime:      "2026-05-04T09:15:00.000Z",
		EndTime:        "2026-05-04T09:15:01.000Z",
		DurationMS:     1000,
		FailureReason:  "Required page element was not found",
		FailureType:    "Error",
		FailureMessage: "Element not found",
		Steps: []execution.Step{
			{
				StepNumber: 1, StepName: "Navigation: Open Tab", Status: execution.StatusPassed,
				StartTime: "2026-05-04T09:15:00.000Z", EndTime: "2026-05-04T09:15:00.300Z",
				DurationMS: 300, Metadata: map[string]any{"tab_name": "Orders"},
				APICalls: []execution.APICall{{URL: "/api/orders", Method: "GET", Status: 200}},
			},
			{
				StepNumber: 2, StepName: "Checkout: Place Order", Status: execution.StatusFailed,
				StartTime: "2026-05-04T09:15:00.300Z", EndTime: "2026-05-04T09:15:01.000Z",
				DurationMS: 700, ErrorType: "Error", ErrorMessage: "Element not found",
			},
		},
	}
}

func TestLogger_DisabledIsNoop(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	for name, cfg := range map[string]*config.StoreConfig{
		"nothing":      {},
		"url only":     {URL: "http://localhost:54321"},
		"api key only": {APIKey: "anon"},
	} {
		t.Run(name, func(t *testing.T) {
			hook.Reset()

			l := ingest.NewLogger(log, cfg)
			ctx := context.Background()

			assert.False(t, l.Enabled())
			assert.Empty(t, l.StartTestRun(ctx, ingest.RunInfo{}))
			assert.False(t, l.LogJourney(ctx, checkoutJourney()))
			assert.False(t, l.LogSteps(ctx, "journey", checkoutJourney().Steps))
			assert.False(t, l.CompleteTestRun(ctx, execution.Summary{}, execution.Extra{}))
			assert.Empty(t, l.IngestRawLog(ctx, []byte(`{}`), "ci"))
			assert.False(t, l.ProcessRawLog(ctx, "raw", []byte(`{}`)))

			id, ok := l.Ingest(ctx, []byte(`{}`), "ci")
			assert.Empty(t, id)
			assert.False(t, ok)

			entries := hook.AllEntries()
			require.Len(t, entries, 1)
			assert.Equal(t, logrus.InfoLevel, entries[0].Level)
			assert.Contains(t, entries[0].Message, "disabled")
		})
	}
}

func TestLogger_IncrementalRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	l := ingest.NewLogger(quietLogger(), testStoreConfig(),
		ingest.WithSink(ingest.NewStoreSink(s)),
		ingest.WithClock(func() time.Time { return loggerNow }))

	require.True(t, l.Enabled())

	runID := l.StartTestRun(ctx, ingest.RunInfo{
		RunConfig: execution.RunConfig{
			Framework: "chromedp", Environment: "qa", Platform: "desktop",
			System: "Storefront", BuildNumber: "42",
		},
		StartedAt: loggerNow,
	})
	require.NotEmpty(t, runID)
	assert.Equal(t, runID, l.RunID())

	require.True(t, l.LogJourney(ctx, checkoutJourney()))

	summary := execution.Summary{
		TotalJourneys: 1, FailedJourneys: 1,
		TotalSteps: 2, PassedSteps: 1, FailedSteps: 1, SuccessRate: 50, DurationMS: 1000,
	}
	require.True(t, l.CompleteTestRun(ctx, summary, execution.Extra{ReportURL: "https://ci/report"}))
	assert.Empty(t, l.RunID())

	got, err := s.Get(ctx, store.ResourceRuns, runID)
	require.NoError(t, err)

	run := got.(*store.Run)
	assert.Equal(t, "storefront", run.System)
	assert.Equal(t, "qa-20260504-091500", run.ReadableID)
	assert.Equal(t, "42", run.BuildNumber)
	require.NotNil(t, run.CompletedAt)
	assert.True(t, run.CompletedAt.Equal(loggerNow))
	assert.Equal(t, 2, run.TotalSteps)
	assert.Equal(t, 50.0, run.SuccessRate)
	assert.Equal(t, "https://ci/report", run.ReportURL)

	journeys := listRows[store.Journey](t, s, store.ResourceJourneys, store.Query{})
	require.Len(t, journeys, 1)
	assert.Equal(t, runID, journeys[0].RunID)
	assert.Equal(t, "Checkout Flow", journeys[0].Name)
	assert.Equal(t, "FAILED", journeys[0].Status)
	assert.Equal(t, "Required page element was not found", journeys[0].FailureReason)

	steps := listRows[store.Step](t, s, store.ResourceSteps, store.Query{Order: "step_number"})
	require.Len(t, steps, 2)
	assert.Equal(t, journeys[0].ID, steps[0].JourneyID)
	assert.Equal(t, "Orders", steps[0].TabName)
	assert.Equal(t, int64(300), steps[0].DurationMS)
	assert.JSONEq(t, `[{"url":"/api/orders","method":"GET","status":200,"status_text":"","timestamp":""}]`,
		string(steps[0].APICalls))
	assert.True(t, steps[1].StartedAt.Equal(loggerNow.Add(300*time.Millisecond)))
	assert.Equal(t, "Element not found", steps[1].ErrorMessage)

	// A second completion has nothing to complete.
	assert.False(t, l.CompleteTestRun(ctx, summary, execution.Extra{}))
}

func TestLogger_JourneyWithoutRun(t *testing.T) {
	s := setupTestStore(t)

	l := ingest.NewLogger(quietLogger(), testStoreConfig(), ingest.WithSink(ingest.NewStoreSink(s)))

	assert.False(t, l.LogJourney(context.Background(), checkoutJourney()))
	assert.Empty(t, listRows[store.Journey](t, s, store.ResourceJourneys, store.Query{}))
}

func TestLogger_RetriesStoreWrites(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		wantRun   bool
		wantCalls int
	}{
		{name: "recovers after transient failures", failures: 2, wantRun: true, wantCalls: 3},
		{name: "gives up after max attempts", failures: 10, wantRun: false, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestStore(t)
			sink := newFlakySink(ingest.NewStoreSink(s), tt.failures)

			l := ingest.NewLogger(quietLogger(), testStoreConfig(), ingest.WithSink(sink))

			runID := l.StartTestRun(context.Background(), ingest.RunInfo{})
			assert.Equal(t, tt.wantRun, runID != "")
			assert.Equal(t, tt.wantCalls, sink.count("CreateRun"))
		})
	}
}

func TestLogger_StepInsertFailureIsReported(t *testing.T) {
	s := setupTestStore(t)
	sink := newFlakySink(ingest.NewStoreSink(s), 0)

	l := ingest.NewLogger(quietLogger(), testStoreConfig(), ingest.WithSink(sink))
	ctx := context.Background()

	require.NotEmpty(t, l.StartTestRun(ctx, ingest.RunInfo{}))

	sink.failures = 100

	assert.False(t, l.LogJourney(ctx, checkoutJourney()))
	assert.Equal(t, 3, sink.count("InsertSteps"))
}

func TestLogger_IngestAndProcessRawLog(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	l := ingest.NewLogger(quietLogger(), testStoreConfig(),
		ingest.WithSink(ingest.NewStoreSink(s)),
		ingest.WithClock(func() time.Time { return loggerNow }))

	payload := []byte(`{
		"framework": "chromedp",
		"environment": "prod",
		"platform": "Tablet",
		"metadata": {"system": "checkout"},
		"startTime": 1777886100000,
		"journeys": [{
			"name": "Checkout Flow",
			"steps": [
				{"name": "Navigation: Open Tab", "status": "PASSED", "timestamp": 1777886100,
				 "duration": 120, "metadata": {"tab_name": "Basket"}},
				{"name": "Checkout: Place Order", "status": "FAILED", "timestamp": 1777886101,
				 "duration": 80, "error_message": "timed out"}
			]
		}]
	}`)

	id, ok := l.Ingest(ctx, payload, "nightly")
	require.NotEmpty(t, id)
	require.True(t, ok)

	got, err := s.Get(ctx, store.ResourceRawLogs, id)
	require.NoError(t, err)

	raw := got.(*store.RawLog)
	assert.True(t, raw.Processed)
	assert.Nil(t, raw.ProcessingError)
	assert.Equal(t, "nightly", raw.Source)
	assert.Equal(t, "tablet", raw.Platform)
	assert.JSONEq(t, string(payload), string(raw.Payload))

	runs := listRows[store.Run](t, s, store.ResourceRuns, store.Query{})
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].RawLogID)
	assert.Equal(t, id, *runs[0].RawLogID)
	assert.Equal(t, "checkout", runs[0].System)
	assert.Equal(t, 2, runs[0].TotalSteps)
	assert.Equal(t, 50.0, runs[0].SuccessRate)
	assert.True(t, runs[0].StartedAt.Equal(time.UnixMilli(1777886100000)))

	steps := listRows[store.Step](t, s, store.ResourceSteps, store.Query{Order: "step_number"})
	require.Len(t, steps, 2)
	assert.Equal(t, "Basket", steps[0].TabName)
	assert.True(t, steps[1].StartedAt.Equal(time.Unix(1777886101, 0)))
	assert.Equal(t, "FAILED", steps[1].Status)
}

func TestLogger_ProcessingFailureKeepsRawLog(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	l := ingest.NewLogger(quietLogger(), testStoreConfig(), ingest.WithSink(ingest.NewStoreSink(s)))

	id, ok := l.Ingest(ctx, []byte(`{"journeys": "not a list"}`), "ci")
	require.NotEmpty(t, id)
	assert.False(t, ok)

	got, err := s.Get(ctx, store.ResourceRawLogs, id)
	require.NoError(t, err)

	raw := got.(*store.RawLog)
	assert.False(t, raw.Processed)
	require.NotNil(t, raw.ProcessingError)
	assert.Contains(t, *raw.ProcessingError, "journeys")
	require.NotNil(t, raw.ProcessedAt)

	assert.Empty(t, listRows[store.Run](t, s, store.ResourceRuns, store.Query{}))

	// Invalid JSON is refused before anything is stored.
	assert.Empty(t, l.IngestRawLog(ctx, []byte(`{not json`), "ci"))
	assert.Len(t, listRows[store.RawLog](t, s, store.ResourceRawLogs, store.Query{}), 1)
}
