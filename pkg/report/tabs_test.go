package report_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ethpandaops/journeyoor/pkg/report"
	"github.com/ethpandaops/journeyoor/pkg/store"
)

func TestAggregateTabPerformance(t *testing.T) {
	tests := []struct {
		name    string
		samples []report.TabSample
		want    []report.TabPerformance
	}{
		{
			name:    "empty",
			samples: nil,
			want:    []report.TabPerformance{},
		},
		{
			name: "one pass one fail",
			samples: []report.TabSample{
				{TabName: "X", LoadTimeMS: 100, Status: "PASSED"},
				{TabName: "X", LoadTimeMS: 300, Status: "FAILED"},
			},
			want: []report.TabPerformance{{
				TabName: "X", TestCount: 2,
				AvgLoadTimeMS: 200, MinLoadTimeMS: 100, MaxLoadTimeMS: 300,
				PassedCount: 1, FailedCount: 1, SuccessRate: "50.00",
			}},
		},
		{
			name: "grouped and sorted, untagged skipped",
			samples: []report.TabSample{
				{TabName: "Orders", LoadTimeMS: 10, Status: "passed"},
				{TabName: "", LoadTimeMS: 9999, Status: "PASSED"},
				{TabName: "Basket", LoadTimeMS: 5, Status: "PASSED"},
				{TabName: "Orders", LoadTimeMS: 11, Status: "PASSED"},
				{TabName: "Orders", LoadTimeMS: 11, Status: "SKIPPED"},
			},
			want: []report.TabPerformance{
				{
					TabName: "Basket", TestCount: 1,
					AvgLoadTimeMS: 5, MinLoadTimeMS: 5, MaxLoadTimeMS: 5,
					PassedCount: 1, SuccessRate: "100.00",
				},
				{
					TabName: "Orders", TestCount: 3,
					AvgLoadTimeMS: 11, MinLoadTimeMS: 10, MaxLoadTimeMS: 11,
					PassedCount: 2, SuccessRate: "66.67",
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, report.AggregateTabPerformance(tt.samples))
		})
	}
}

func TestTabSamples(t *testing.T) {
	got := report.TabSamples([]store.TabStepRow{{TabName: "X", DurationMS: 42, Status: "PASSED"}})

	assert.Equal(t, []report.TabSample{{TabName: "X", LoadTimeMS: 42, Status: "PASSED"}}, got)
}

func TestRecentFailures_NewestFirst(t *testing.T) {
	base := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	got := report.RecentFailures([]store.FailureRow{
		{System: "checkout", StepName: "old", CreatedAt: base},
		{System: "checkout", StepName: "new", ReadableRunID: "qa-20260504-090000",
			ErrorType: "Error", ErrorMessage: "boom", DurationMS: 12, CreatedAt: base.Add(time.Hour)},
	})

	assert.Equal(t, []report.Failure{
		{
			System: "checkout", ReadableRunID: "qa-20260504-090000", StepName: "new",
			ErrorType: "Error", ErrorMessage: "boom", DurationMS: 12,
			CreatedAt: "2026-05-04T10:00:00.000Z",
		},
		{System: "checkout", StepName: "old", CreatedAt: "2026-05-04T09:00:00.000Z"},
	}, got)
}
