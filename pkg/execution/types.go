package execution

import (
	"time"
)

// Status is the outcome of a step or journey.
type Status string

const (
	StatusPassed  Status = "PASSED"
	StatusFailed  Status = "FAILED"
	StatusSkipped Status = "SKIPPED"
)

// timeLayout is the ISO-8601 form used for every timestamp in the document.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t as UTC ISO-8601 with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// FormatMillis renders epoch milliseconds as FormatTime does.
func FormatMillis(ms int64) string {
	return FormatTime(time.UnixMilli(ms))
}

// ParseTime parses a timestamp produced by FormatTime or any RFC 3339 form.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// APICall is one HTTP response observed while a step was open.
type APICall struct {
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Status       int               `json:"status"`
	StatusText   string            `json:"status_text"`
	Timestamp    string            `json:"timestamp"`
	Headers      map[string]string `json:"headers,omitempty"`
	ResponseBody any               `json:"response_body,omitempty"`
}

// StepRecord is a finalized step as produced by the step recorder.
type StepRecord struct {
	Number       int
	Name         string
	RawText      string
	Status       Status
	StartTime    int64 // epoch ms
	DurationMS   int64
	ErrorType    string
	ErrorMessage string
	ErrorStack   string
	Metadata     map[string]any
}

// Step is one step in the exported document.
type Step struct {
	StepNumber   int            `json:"step_number"`
	StepName     string         `json:"step_name"`
	RawText      string         `json:"raw_text,omitempty"`
	Status       Status         `json:"status"`
	StartTime    string         `json:"start_time"`
	EndTime      string         `json:"end_time"`
	DurationMS   int64          `json:"duration_ms"`
	ErrorType    string         `json:"error_type,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorStack   string         `json:"error_stack,omitempty"`
	APICalls     []APICall      `json:"api_calls,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Journey is one scenario in the exported document.
type Journey struct {
	JourneyNumber      int            `json:"journey_number"`
	JourneyName        string         `json:"journey_name"`
	JourneyDescription string         `json:"journey_description"`
	Status             Status         `json:"status"`
	StartTime          string         `json:"start_time"`
	EndTime            string         `json:"end_time,omitempty"`
	DurationMS         int64          `json:"duration_ms"`
	FailureReason      string         `json:"failure_reason,omitempty"`
	FailureType        string         `json:"failure_type,omitempty"`
	FailureMessage     string         `json:"failure_message,omitempty"`
	FailureStack       string         `json:"failure_stack,omitempty"`
	Steps              []Step         `json:"steps"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// Summary holds the aggregate counts of a run.
type Summary struct {
	TotalJourneys   int     `json:"total_journeys"`
	PassedJourneys  int     `json:"passed_journeys"`
	FailedJourneys  int     `json:"failed_journeys"`
	SkippedJourneys int     `json:"skipped_journeys"`
	TotalSteps      int     `json:"total_steps"`
	PassedSteps     int     `json:"passed_steps"`
	FailedSteps     int     `json:"failed_steps"`
	SkippedSteps    int     `json:"skipped_steps"`
	SuccessRate     float64 `json:"success_rate"`
	DurationMS      int64   `json:"duration_ms"`
}

// RunConfig is the run-level metadata captured at initialization.
type RunConfig struct {
	Framework   string
	SuiteName   string
	Environment string
	Platform    string
	System      string
	BuildNumber string
	BuildURL    string
	JobName     string
	Headless    bool
	Metadata    map[string]any
}

// Extra carries values only known once the run has finished.
type Extra struct {
	ReportURL        string
	NotificationSent bool
}

// Data is the single exportable document for one run.
type Data struct {
	Framework        string         `json:"framework"`
	SuiteName        string         `json:"suite_name"`
	Environment      string         `json:"environment"`
	Platform         string         `json:"platform"`
	BuildNumber      string         `json:"build_number,omitempty"`
	BuildURL         string         `json:"build_url,omitempty"`
	JobName          string         `json:"job_name,omitempty"`
	StartTime        string         `json:"start_time"`
	EndTime          string         `json:"end_time"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Summary          Summary        `json:"summary"`
	Journeys         []Journey      `json:"journeys"`
	ReportURL        string         `json:"report_url,omitempty"`
	NotificationSent bool           `json:"notification_sent"`
}

// System returns the system tag stored in the run metadata.
func (d *Data) System() string {
	s, _ := d.Metadata["system"].(string)

	return s
}
