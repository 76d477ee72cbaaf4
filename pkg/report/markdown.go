package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethpandaops/journeyoor/pkg/execution"
)

// RenderMarkdown renders a run document as a CI step summary. The output is
// capped at maxChars characters (0 means no cap).
func RenderMarkdown(data *execution.Data, maxChars int) string {
	var sb strings.Builder

	sb.Grow(4096)

	writeTitle(&sb, data)
	writeOverview(&sb, data)
	writeResults(&sb, &data.Summary)
	writeJourneys(&sb, data.Journeys)
	writeMetadata(&sb, data.Metadata)

	// Failed steps are last so truncation only affects them.
	writeFailedSteps(&sb, collectFailedSteps(data.Journeys), maxChars)

	return sb.String()
}

type failedStepInfo struct {
	Journey string
	Step    string
	Error   string
}

func writeTitle(sb *strings.Builder, data *execution.Data) {
	name := data.SuiteName
	if name == "" {
		name = "UI Journeys"
	}

	if data.Environment != "" {
		fmt.Fprintf(sb, "# Journey Run: %s (%s)\n\n", name, data.Environment)

		return
	}

	fmt.Fprintf(sb, "# Journey Run: %s\n\n", name)
}

func writeOverview(sb *strings.Builder, data *execution.Data) {
	sb.WriteString("## Overview\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")

	if data.Framework != "" {
		fmt.Fprintf(sb, "| Framework | %s |\n", data.Framework)
	}

	if data.Platform != "" {
		fmt.Fprintf(sb, "| Platform | %s |\n", data.Platform)
	}

	if system := data.System(); system != "" {
		fmt.Fprintf(sb, "| System | %s |\n", system)
	}

	if data.BuildNumber != "" {
		if data.BuildURL != "" {
			fmt.Fprintf(sb, "| Build | [%s](%s) |\n", data.BuildNumber, data.BuildURL)
		} else {
			fmt.Fprintf(sb, "| Build | %s |\n", data.BuildNumber)
		}
	}

	if data.JobName != "" {
		fmt.Fprintf(sb, "| Job | %s |\n", data.JobName)
	}

	if t, err := execution.ParseTime(data.StartTime); err == nil {
		fmt.Fprintf(sb, "| Started | %s |\n", t.UTC().Format("2006-01-02 15:04:05 UTC"))
	}

	fmt.Fprintf(sb, "| Duration | %s |\n",
		formatDuration(time.Duration(data.Summary.DurationMS)*time.Millisecond))

	if data.ReportURL != "" {
		fmt.Fprintf(sb, "| Report | %s |\n", data.ReportURL)
	}

	sb.WriteByte('\n')
}

func writeResults(sb *strings.Builder, s *execution.Summary) {
	sb.WriteString("## Results\n\n")
	sb.WriteString("| | Total | Passed | Failed | Skipped |\n")
	sb.WriteString("|---|---|---|---|---|\n")
	fmt.Fprintf(sb, "| Journeys | %d | %d | %d | %d |\n",
		s.TotalJourneys, s.PassedJourneys, s.FailedJourneys, s.SkippedJourneys)
	fmt.Fprintf(sb, "| Steps | %d | %d | %d | %d |\n\n",
		s.TotalSteps, s.PassedSteps, s.FailedSteps, s.SkippedSteps)
	fmt.Fprintf(sb, "**Success rate:** %.2f%%\n\n", s.SuccessRate)
}

func writeJourneys(sb *strings.Builder, journeys []execution.Journey) {
	if len(journeys) == 0 {
		return
	}

	sb.WriteString("## Journeys\n\n")
	sb.WriteString("| # | Journey | Status | Steps | Duration |\n")
	sb.WriteString("|---|---|---|---|---|\n")

	for _, j := range journeys {
		fmt.Fprintf(sb, "| %d | %s | %s | %d | %s |\n",
			j.JourneyNumber,
			escapeCell(j.JourneyName),
			statusIcon(j.Status),
			len(j.Steps),
			formatDuration(time.Duration(j.DurationMS)*time.Millisecond),
		)
	}

	sb.WriteByte('\n')
}

func writeMetadata(sb *strings.Builder, md map[string]any) {
	if len(md) == 0 {
		return
	}

	sb.WriteString("## Metadata\n\n")
	sb.WriteString("| Label | Value |\n")
	sb.WriteString("|---|---|\n")

	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(sb, "| %s | %v |\n", k, md[k])
	}

	sb.WriteByte('\n')
}

func writeFailedSteps(
	sb *strings.Builder,
	failed []failedStepInfo,
	maxChars int,
) {
	if len(failed) == 0 {
		return
	}

	sb.WriteString("## Failed Steps\n\n")
	sb.WriteString("| Journey | Step | Error |\n")
	sb.WriteString("|---|---|---|\n")

	// Reserve space for the truncation message.
	const reserveChars = 100

	for i, fs := range failed {
		row := fmt.Sprintf("| %s | %s | %s |\n",
			escapeCell(fs.Journey), escapeCell(fs.Step), escapeCell(fs.Error))

		if maxChars > 0 && sb.Len()+len(row)+reserveChars > maxChars {
			fmt.Fprintf(sb,
				"\n*%d more failed step(s) not shown "+
					"(output truncated at %d chars)*\n",
				len(failed)-i, maxChars)

			return
		}

		sb.WriteString(row)
	}
}

func collectFailedSteps(journeys []execution.Journey) []failedStepInfo {
	failed := make([]failedStepInfo, 0)

	for _, j := range journeys {
		for _, s := range j.Steps {
			if s.Status != execution.StatusFailed {
				continue
			}

			failed = append(failed, failedStepInfo{
				Journey: j.JourneyName,
				Step:    s.StepName,
				Error:   firstLine(s.ErrorMessage),
			})
		}
	}

	return failed
}

func statusIcon(s execution.Status) string {
	switch s {
	case execution.StatusPassed:
		return "✅ passed"
	case execution.StatusFailed:
		return "❌ failed"
	case execution.StatusSkipped:
		return "⏭️ skipped"
	default:
		return string(s)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}

	return s
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

// formatDuration formats a time.Duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.String()
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}

	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}

	return fmt.Sprintf("%ds", seconds)
}
