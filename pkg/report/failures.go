package report

import (
	"sort"

	"github.com/ethpandaops/journeyoor/pkg/execution"
	"github.com/ethpandaops/journeyoor/pkg/store"
)

// Failure is one recently failed step.
type Failure struct {
	System        string `json:"system"`
	ReadableRunID string `json:"readable_run_id"`
	StepName      string `json:"step_name"`
	ErrorType     string `json:"error_type"`
	ErrorMessage  string `json:"error_message"`
	DurationMS    int64  `json:"duration_ms"`
	CreatedAt     string `json:"created_at"`
}

// RecentFailures shapes failure rows, newest first.
func RecentFailures(rows []store.FailureRow) []Failure {
	sorted := make([]store.FailureRow, len(rows))
	copy(sorted, rows)

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	out := make([]Failure, 0, len(sorted))

	for _, r := range sorted {
		out = append(out, Failure{
			System:        r.System,
			ReadableRunID: r.ReadableRunID,
			StepName:      r.StepName,
			ErrorType:     r.ErrorType,
			ErrorMessage:  r.ErrorMessage,
			DurationMS:    r.DurationMS,
			CreatedAt:     execution.FormatTime(r.CreatedAt),
		})
	}

	return out
}
