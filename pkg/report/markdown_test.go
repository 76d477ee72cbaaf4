package report

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ethpandaops/journeyoor/pkg/execution"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{0, "0s"},
		{500 * time.Millisecond, "500ms"},
		{5 * time.Second, "5s"},
		{65 * time.Second, "1m 5s"},
		{3661 * time.Second, "1h 1m 1s"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.input))
		})
	}
}

func markdownData(failedSteps int) *execution.Data {
	steps := []execution.Step{{StepNumber: 1, StepName: "Open", Status: execution.StatusPassed}}

	for i := 0; i < failedSteps; i++ {
		steps = append(steps, execution.Step{
			StepNumber:   i + 2,
			StepName:     "Pay | card",
			Status:       execution.StatusFailed,
			ErrorMessage: "declined\nstack line",
		})
	}

	return &execution.Data{
		Framework:   "chromedp",
		SuiteName:   "Storefront",
		Environment: "qa",
		Platform:    "desktop",
		BuildNumber: "42",
		BuildURL:    "https://ci/42",
		StartTime:   "2026-05-04T09:00:00.000Z",
		Metadata:    map[string]any{"system": "storefront", "browser": "chrome"},
		Summary: execution.Summary{
			TotalJourneys: 1, FailedJourneys: 1,
			TotalSteps: len(steps), PassedSteps: 1, FailedSteps: failedSteps,
			SuccessRate: 50, DurationMS: 65000,
		},
		Journeys: []execution.Journey{{
			JourneyNumber: 1, JourneyName: "Checkout Flow",
			Status: execution.StatusFailed, DurationMS: 65000, Steps: steps,
		}},
	}
}

func TestRenderMarkdown(t *testing.T) {
	md := RenderMarkdown(markdownData(1), 0)

	assert.True(t, strings.HasPrefix(md, "# Journey Run: Storefront (qa)\n"))
	assert.Contains(t, md, "| Build | [42](https://ci/42) |")
	assert.Contains(t, md, "| System | storefront |")
	assert.Contains(t, md, "| Started | 2026-05-04 09:00:00 UTC |")
	assert.Contains(t, md, "| Duration | 1m 5s |")
	assert.Contains(t, md, "| Steps | 2 | 1 | 1 | 0 |")
	assert.Contains(t, md, "**Success rate:** 50.00%")
	assert.Contains(t, md, "| 1 | Checkout Flow | ❌ failed | 2 | 1m 5s |")
	assert.Contains(t, md, "| browser | chrome |")
	assert.Contains(t, md, "| Checkout Flow | Pay \\| card | declined |")
	assert.NotContains(t, md, "stack line")
}

func TestRenderMarkdown_Truncates(t *testing.T) {
	const maxChars = 1500

	md := RenderMarkdown(markdownData(50), maxChars)

	assert.LessOrEqual(t, len(md), maxChars)
	assert.Contains(t, md, "more failed step(s) not shown (output truncated at 1500 chars)")
}
