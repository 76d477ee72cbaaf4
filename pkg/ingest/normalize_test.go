package ingest_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/journeyoor/pkg/execution"
	"github.com/ethpandaops/journeyoor/pkg/ingest"
)

var normalizeNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func TestNormalize_StepTimestampVariants(t *testing.T) {
	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC).UnixMilli()

	tests := []struct {
		name         string
		step         string
		wantStart    int64
		wantEnd      int64
		wantDuration int64
	}{
		{
			name:         "iso start and duration_ms",
			step:         `{"start_time":"2026-05-04T10:00:00.000Z","duration_ms":250}`,
			wantStart:    base,
			wantEnd:      base + 250,
			wantDuration: 250,
		},
		{
			name:         "camelCase epoch millis",
			step:         `{"startTime":` + strconv.FormatInt(base, 10) + `,"duration":100}`,
			wantStart:    base,
			wantEnd:      base + 100,
			wantDuration: 100,
		},
		{
			name:         "timestamp in epoch seconds",
			step:         `{"timestamp":` + strconv.FormatInt(base/1000, 10) + `}`,
			wantStart:    base,
			wantEnd:      base,
			wantDuration: 0,
		},
		{
			name:         "numeric string",
			step:         `{"start_time":"` + strconv.FormatInt(base, 10) + `","duration_ms":5}`,
			wantStart:    base,
			wantEnd:      base + 5,
			wantDuration: 5,
		},
		{
			name:         "end and duration only",
			step:         `{"end_time":"2026-05-04T10:00:01.000Z","duration_ms":1000}`,
			wantStart:    base,
			wantEnd:      base + 1000,
			wantDuration: 1000,
		},
		{
			name:         "start and end without duration",
			step:         `{"start_time":"2026-05-04T10:00:00.000Z","end_time":"2026-05-04T10:00:00.400Z"}`,
			wantStart:    base,
			wantEnd:      base + 400,
			wantDuration: 400,
		},
		{
			name:         "start_time wins over startTime",
			step:         `{"start_time":"2026-05-04T10:00:00.000Z","startTime":1}`,
			wantStart:    base,
			wantEnd:      base,
			wantDuration: 0,
		},
		{
			name:         "nothing falls back to now",
			step:         `{"duration_ms":30}`,
			wantStart:    normalizeNow.UnixMilli(),
			wantEnd:      normalizeNow.UnixMilli() + 30,
			wantDuration: 30,
		},
		{
			name:         "unparsable string falls back to now",
			step:         `{"start_time":"yesterday"}`,
			wantStart:    normalizeNow.UnixMilli(),
			wantEnd:      normalizeNow.UnixMilli(),
			wantDuration: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := `{"journeys":[{"name":"J","steps":[` + tt.step + `]}]}`

			doc, err := ingest.Normalize([]byte(payload), normalizeNow)
			require.NoError(t, err)
			require.Len(t, doc.Journeys, 1)
			require.Len(t, doc.Journeys[0].Steps, 1)

			step := doc.Journeys[0].Steps[0]
			assert.Equal(t, tt.wantStart, step.StartMS)
			assert.Equal(t, tt.wantEnd, step.EndMS)
			assert.Equal(t, tt.wantDuration, step.DurationMS)
		})
	}
}

func TestNormalize_JourneyDerivesFromSteps(t *testing.T) {
	payload := `{
		"environment": "qa",
		"metadata": {"system": "Storefront", "platform": "Mobile"},
		"journeys": [{
			"journey_name": "Checkout Flow",
			"steps": [
				{"step_name": "a", "status": "passed", "start_time": "2026-05-04T10:00:00.000Z", "duration_ms": 100},
				{"step_name": "b", "status": "failed", "error_type": "TimeoutError",
				 "error_message": "Timeout 30000ms exceeded", "start_time": "2026-05-04T10:00:00.100Z", "duration_ms": 200},
				{"step_name": "c", "status": "failed", "error_message": "Element not found",
				 "start_time": "2026-05-04T10:00:00.300Z", "duration_ms": 50}
			]
		}]
	}`

	doc, err := ingest.Normalize([]byte(payload), normalizeNow)
	require.NoError(t, err)

	assert.Equal(t, "storefront", doc.System)
	assert.Equal(t, "mobile", doc.Platform)
	assert.Equal(t, "qa", doc.Environment)

	require.Len(t, doc.Journeys, 1)
	j := doc.Journeys[0]

	assert.Equal(t, 1, j.Number)
	assert.Equal(t, execution.StatusFailed, j.Status)
	assert.Equal(t, "TimeoutError", j.FailureType)
	assert.Equal(t, "Timeout 30000ms exceeded", j.FailureMessage)
	assert.Equal(t, "Page or element took too long to respond", j.FailureReason)
	assert.Equal(t, int64(350), j.DurationMS)
	assert.Equal(t, []int{1, 2, 3}, []int{j.Steps[0].Number, j.Steps[1].Number, j.Steps[2].Number})

	assert.Equal(t, 1, doc.Summary.TotalJourneys)
	assert.Equal(t, 1, doc.Summary.FailedJourneys)
	assert.Equal(t, 3, doc.Summary.TotalSteps)
	assert.Equal(t, 2, doc.Summary.FailedSteps)
	assert.InDelta(t, 33.33, doc.Summary.SuccessRate, 0.001)
}

func TestNormalize_StatusSpellings(t *testing.T) {
	tests := []struct {
		status string
		extra  string
		want   execution.Status
	}{
		{status: "PASSED", want: execution.StatusPassed},
		{status: "pass", want: execution.StatusPassed},
		{status: "Failed", want: execution.StatusFailed},
		{status: "error", want: execution.StatusFailed},
		{status: "skipped", want: execution.StatusSkipped},
		{status: "pending", want: execution.StatusSkipped},
		{status: "", want: execution.StatusPassed},
		{status: "", extra: `,"error_message":"boom"`, want: execution.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.status+tt.extra, func(t *testing.T) {
			payload := `{"journeys":[{"steps":[{"status":"` + tt.status + `"` + tt.extra + `}]}]}`

			doc, err := ingest.Normalize([]byte(payload), normalizeNow)
			require.NoError(t, err)
			assert.Equal(t, tt.want, doc.Journeys[0].Steps[0].Status)
		})
	}
}

func TestNormalize_SummaryWeaklyTyped(t *testing.T) {
	payload := `{
		"summary": {"totalJourneys": "2", "passedJourneys": 1, "failedJourneys": "1",
		            "total_steps": 4, "passed_steps": "3", "failed_steps": 1,
		            "success_rate": "75"},
		"journeys": []
	}`

	doc, err := ingest.Normalize([]byte(payload), normalizeNow)
	require.NoError(t, err)

	assert.Equal(t, 2, doc.Summary.TotalJourneys)
	assert.Equal(t, 1, doc.Summary.FailedJourneys)
	assert.Equal(t, 3, doc.Summary.PassedSteps)
	assert.InDelta(t, 75.0, doc.Summary.SuccessRate, 0.001)
}

func TestNormalize_RejectsMalformed(t *testing.T) {
	for name, payload := range map[string]string{
		"not json":          `{"journeys": [`,
		"array root":        `[1, 2]`,
		"scalar root":       `42`,
		"journeys not list": `{"journeys": "checkout"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ingest.Normalize([]byte(payload), normalizeNow)
			require.Error(t, err)
		})
	}
}

func TestNormalize_ExportedDocument(t *testing.T) {
	c := newCollector(t)

	c.InitializeTestRun(execution.RunConfig{
		Framework: "chromedp", Environment: "qa", Platform: "desktop", System: "checkout",
	})
	c.StartJourney("guest checkout")
	c.AddStep(execution.StepRecord{
		Number: 1, Name: "Checkout: Place Order", Status: execution.StatusPassed,
		StartTime: normalizeNow.UnixMilli(), DurationMS: 120,
	}, nil)
	c.CompleteJourney()

	data := c.ExecutionData(execution.Extra{})
	payload := mustJSON(t, data)

	doc, err := ingest.Normalize(payload, normalizeNow)
	require.NoError(t, err)

	assert.Equal(t, "checkout", doc.System)
	assert.Equal(t, data.Summary, doc.Summary)
	require.Len(t, doc.Journeys, 1)
	assert.Equal(t, "Guest Checkout Flow", doc.Journeys[0].Name)
	assert.Equal(t, normalizeNow.UnixMilli(), doc.Journeys[0].Steps[0].StartMS)
	assert.Equal(t, int64(120), doc.Journeys[0].Steps[0].DurationMS)
}

func TestNormalize_ComputedSummaryMatchesCollector(t *testing.T) {
	payload := `{"journeys":[
		{"name":"Browse","steps":[{"name":"Home","status":"PASSED","duration":10},
		                          {"name":"Deals","status":"PASSED","duration":20}]},
		{"name":"Checkout","steps":[{"name":"Cart","status":"PASSED","duration":5},
		                            {"name":"Pay","status":"FAILED","duration":7},
		                            {"name":"Confirm","status":"SKIPPED"}]}
	]}`

	doc, err := ingest.Normalize([]byte(payload), normalizeNow)
	require.NoError(t, err)

	journeys := make([]execution.Journey, 0, len(doc.Journeys))

	for _, j := range doc.Journeys {
		ej := execution.Journey{Status: j.Status}
		for _, s := range j.Steps {
			ej.Steps = append(ej.Steps, execution.Step{Status: s.Status})
		}

		journeys = append(journeys, ej)
	}

	want := execution.Summarize(journeys)
	want.DurationMS = doc.Summary.DurationMS

	assert.Equal(t, want, doc.Summary)
	assert.Equal(t, 1, doc.Summary.FailedJourneys)
	assert.Equal(t, 5, doc.Summary.TotalSteps)
	assert.InDelta(t, 60.0, doc.Summary.SuccessRate, 0.001)
}
