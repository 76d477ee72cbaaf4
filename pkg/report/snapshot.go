package report

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/journeyoor/pkg/execution"
	"github.com/ethpandaops/journeyoor/pkg/ingest"
)

// ErrNoData is returned when no payload exists for the requested window.
var ErrNoData = errors.New("no test results for platform in window")

// ModuleStep is one step of a Module.
type ModuleStep struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Duration int64  `json:"duration"`
	Error    string `json:"error,omitempty"`
}

// Module is one journey reshaped for the dashboard.
type Module struct {
	Name     string       `json:"name"`
	Status   string       `json:"status"`
	Passed   int          `json:"passed"`
	Failed   int          `json:"failed"`
	Duration int64        `json:"duration"`
	Steps    []ModuleStep `json:"steps"`
}

// Snapshot is the latest results of one platform.
type Snapshot struct {
	Platform    string   `json:"platform,omitempty"`
	Total       int      `json:"total"`
	Passed      int      `json:"passed"`
	Failed      int      `json:"failed"`
	Skipped     int      `json:"skipped"`
	Duration    int64    `json:"duration"`
	LastRun     string   `json:"lastRun"`
	Modules     []Module `json:"modules"`
	TotalSteps  int      `json:"totalSteps"`
	PassedSteps int      `json:"passedSteps"`
	FailedSteps int      `json:"failedSteps"`
	Placeholder bool     `json:"placeholder,omitempty"`
}

// BuildSnapshot reshapes a raw run payload received at ranAt.
func BuildSnapshot(payload []byte, ranAt time.Time) (*Snapshot, error) {
	doc, err := ingest.Normalize(payload, ranAt)
	if err != nil {
		return nil, fmt.Errorf("normalizing payload: %w", err)
	}

	snap := &Snapshot{
		Platform: doc.Platform,
		LastRun:  execution.FormatTime(ranAt),
		Modules:  make([]Module, 0, len(doc.Journeys)),
	}

	for _, j := range doc.Journeys {
		m := Module{
			Name:     j.Name,
			Status:   string(j.Status),
			Duration: j.DurationMS,
			Steps:    make([]ModuleStep, 0, len(j.Steps)),
		}

		for _, s := range j.Steps {
			m.Steps = append(m.Steps, ModuleStep{
				Name:     s.Name,
				Status:   string(s.Status),
				Duration: s.DurationMS,
				Error:    s.ErrorMessage,
			})

			switch s.Status {
			case execution.StatusPassed:
				m.Passed++
			case execution.StatusFailed:
				m.Failed++
			}
		}

		snap.Total++
		snap.Duration += j.DurationMS
		snap.TotalSteps += len(j.Steps)
		snap.PassedSteps += m.Passed
		snap.FailedSteps += m.Failed

		switch j.Status {
		case execution.StatusPassed:
			snap.Passed++
		case execution.StatusFailed:
			snap.Failed++
		case execution.StatusSkipped:
			snap.Skipped++
		}

		snap.Modules = append(snap.Modules, m)
	}

	return snap, nil
}

// PlaceholderSnapshot returns fixed synthetic statistics, flagged as such.
func PlaceholderSnapshot(platform string, now time.Time) *Snapshot {
	return &Snapshot{
		Platform:    platform,
		Total:       10,
		Passed:      9,
		Failed:      1,
		Skipped:     0,
		Duration:    300000,
		LastRun:     execution.FormatTime(now),
		Modules:     []Module{},
		TotalSteps:  50,
		PassedSteps: 48,
		FailedSteps: 2,
		Placeholder: true,
	}
}

// Window returns the start of yesterday and the end of today, in UTC.
func Window(now time.Time) (from, to time.Time) {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	return today.AddDate(0, 0, -1), today.AddDate(0, 0, 1).Add(-time.Nanosecond)
}
