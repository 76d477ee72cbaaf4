// Package report answers the dashboard queries: tab performance, recent
// failures and the per-platform results snapshot.
package report

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ethpandaops/journeyoor/pkg/execution"
	"github.com/ethpandaops/journeyoor/pkg/store"
)

// TabSample is one observed tab load.
type TabSample struct {
	TabName    string
	LoadTimeMS int64
	Status     string
}

// TabPerformance summarizes the loads of one tab.
type TabPerformance struct {
	TabName       string `json:"tab_name"`
	TestCount     int    `json:"test_count"`
	AvgLoadTimeMS int64  `json:"avg_load_time_ms"`
	MinLoadTimeMS int64  `json:"min_load_time_ms"`
	MaxLoadTimeMS int64  `json:"max_load_time_ms"`
	PassedCount   int    `json:"passed_count"`
	FailedCount   int    `json:"failed_count"`
	SuccessRate   string `json:"success_rate"`
}

// TabSamples converts stored tab steps to samples.
func TabSamples(rows []store.TabStepRow) []TabSample {
	samples := make([]TabSample, 0, len(rows))

	for _, r := range rows {
		samples = append(samples, TabSample{
			TabName:    r.TabName,
			LoadTimeMS: r.DurationMS,
			Status:     r.Status,
		})
	}

	return samples
}

// AggregateTabPerformance groups samples by tab name, sorted by name.
// Samples without a tab name are skipped.
func AggregateTabPerformance(samples []TabSample) []TabPerformance {
	type acc struct {
		perf TabPerformance
		sum  int64
	}

	groups := make(map[string]*acc, len(samples))

	for _, s := range samples {
		name := strings.TrimSpace(s.TabName)
		if name == "" {
			continue
		}

		g, ok := groups[name]
		if !ok {
			g = &acc{perf: TabPerformance{
				TabName:       name,
				MinLoadTimeMS: s.LoadTimeMS,
				MaxLoadTimeMS: s.LoadTimeMS,
			}}
			groups[name] = g
		}

		g.perf.TestCount++
		g.sum += s.LoadTimeMS
		g.perf.MinLoadTimeMS = min(g.perf.MinLoadTimeMS, s.LoadTimeMS)
		g.perf.MaxLoadTimeMS = max(g.perf.MaxLoadTimeMS, s.LoadTimeMS)

		switch execution.Status(strings.ToUpper(s.Status)) {
		case execution.StatusPassed:
			g.perf.PassedCount++
		case execution.StatusFailed:
			g.perf.FailedCount++
		}
	}

	out := make([]TabPerformance, 0, len(groups))

	for _, g := range groups {
		g.perf.AvgLoadTimeMS = int64(math.Round(float64(g.sum) / float64(g.perf.TestCount)))
		g.perf.SuccessRate = formatRate(g.perf.PassedCount, g.perf.TestCount)
		out = append(out, g.perf)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].TabName < out[j].TabName
	})

	return out
}

func formatRate(passed, total int) string {
	if total == 0 {
		return "0.00"
	}

	return fmt.Sprintf("%.2f", float64(passed)*100/float64(total))
}
