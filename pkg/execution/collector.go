// Package execution owns the in-memory tree of one test run and produces the
// exportable run document.
package execution

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/journeyoor/pkg/naming"
)

// DefaultMaxAPICallsPerStep caps the API calls kept on a step.
const DefaultMaxAPICallsPerStep = 20

// Sanitizer redacts sensitive values from captured API calls.
type Sanitizer interface {
	Headers(headers map[string]string) map[string]string
	Body(v any) any
}

// Collector accumulates journeys and steps for one run. It is not safe for
// concurrent use; lifecycle hooks drive it sequentially.
type Collector struct {
	log       logrus.FieldLogger
	names     *naming.Table
	sanitizer Sanitizer
	now       func() time.Time
	maxCalls  int

	run          RunConfig
	startTime    time.Time
	journeys     []Journey
	open         *Journey
	openStart    time.Time
	journeyCount int
}

// Option configures a Collector.
type Option func(*Collector)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		c.now = now
	}
}

// WithMaxAPICallsPerStep caps the API calls kept per step.
func WithMaxAPICallsPerStep(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.maxCalls = n
		}
	}
}

// NewCollector creates a new execution data collector.
func NewCollector(
	log logrus.FieldLogger,
	names *naming.Table,
	sanitizer Sanitizer,
	opts ...Option,
) *Collector {
	c := &Collector{
		log:       log.WithField("component", "collector"),
		names:     names,
		sanitizer: sanitizer,
		now:       time.Now,
		maxCalls:  DefaultMaxAPICallsPerStep,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.startTime = c.now()

	return c
}

// InitializeTestRun resets all state and records the run metadata.
func (c *Collector) InitializeTestRun(cfg RunConfig) {
	c.run = cfg
	c.run.Metadata = copyMetadata(cfg.Metadata)
	c.startTime = c.now()
	c.journeys = nil
	c.open = nil
	c.journeyCount = 0

	c.log.WithFields(logrus.Fields{
		"suite":       cfg.SuiteName,
		"environment": cfg.Environment,
		"platform":    cfg.Platform,
	}).Info("Test run initialized")
}

// StartJourney opens a journey for a scenario. A journey left open is
// completed first.
func (c *Collector) StartJourney(scenario string) {
	if c.open != nil {
		c.log.WithField("journey", c.open.JourneyName).
			Warn("Journey still open when the next one started, completing it")
		c.CompleteJourney()
	}

	c.journeyCount++
	c.openStart = c.now()
	c.open = &Journey{
		JourneyNumber:      c.journeyCount,
		JourneyName:        c.names.JourneyName(scenario),
		JourneyDescription: scenario,
		Status:             StatusPassed,
		StartTime:          FormatTime(c.openStart),
		Steps:              []Step{},
	}
}

// AddStep appends a finalized step and its API calls to the open journey.
// Without an open journey it logs a warning and does nothing.
func (c *Collector) AddStep(rec StepRecord, calls []APICall) {
	if c.open == nil {
		c.log.WithField("step", rec.Name).Warn("Step added without an open journey, ignoring")

		return
	}

	start := rec.StartTime
	if start == 0 {
		start = c.now().UnixMilli() - rec.DurationMS
	}

	step := Step{
		StepNumber:   len(c.open.Steps) + 1,
		StepName:     rec.Name,
		RawText:      rec.RawText,
		Status:       rec.Status,
		StartTime:    FormatMillis(start),
		EndTime:      FormatMillis(start + rec.DurationMS),
		DurationMS:   rec.DurationMS,
		ErrorType:    rec.ErrorType,
		ErrorMessage: rec.ErrorMessage,
		ErrorStack:   rec.ErrorStack,
		APICalls:     c.prepareCalls(calls),
		Metadata:     copyMetadata(rec.Metadata),
	}

	if step.Status == "" {
		step.Status = StatusPassed
	}

	if step.Status == StatusFailed {
		c.open.Status = StatusFailed

		if c.open.FailureReason == "" {
			errType := step.ErrorType
			if errType == "" {
				errType = "Error"
			}

			c.open.FailureReason = FailureReason(step.ErrorMessage, step.StepName, errType)
			c.open.FailureType = errType
			c.open.FailureMessage = step.ErrorMessage
			c.open.FailureStack = step.ErrorStack
		}
	}

	c.open.Steps = append(c.open.Steps, step)
}

// CompleteJourney closes the open journey and returns a copy of it, or nil
// when no journey is open.
func (c *Collector) CompleteJourney() *Journey {
	if c.open == nil {
		c.log.Debug("No open journey to complete")

		return nil
	}

	end := c.now()
	c.open.EndTime = FormatTime(end)
	c.open.DurationMS = max(end.Sub(c.openStart).Milliseconds(), 0)
	c.open.Status = journeyStatus(c.open.Steps)

	done := copyJourney(*c.open)
	c.journeys = append(c.journeys, done)
	c.open = nil

	out := copyJourney(done)

	return &out
}

// HasOpenJourney reports whether a journey is open.
func (c *Collector) HasOpenJourney() bool {
	return c.open != nil
}

// ExecutionData builds the run document. Journeys still open are not
// included.
func (c *Collector) ExecutionData(extra Extra) *Data {
	end := c.now()

	metadata := copyMetadata(c.run.Metadata)
	if metadata == nil {
		metadata = make(map[string]any, 2)
	}

	if c.run.System != "" {
		metadata["system"] = c.run.System
	}

	metadata["headless"] = c.run.Headless

	journeys := make([]Journey, len(c.journeys))
	for i, j := range c.journeys {
		journeys[i] = copyJourney(j)
	}

	summary := Summarize(journeys)
	summary.DurationMS = max(end.Sub(c.startTime).Milliseconds(), 0)

	return &Data{
		Framework:        c.run.Framework,
		SuiteName:        c.run.SuiteName,
		Environment:      c.run.Environment,
		Platform:         c.run.Platform,
		BuildNumber:      c.run.BuildNumber,
		BuildURL:         c.run.BuildURL,
		JobName:          c.run.JobName,
		StartTime:        FormatTime(c.startTime),
		EndTime:          FormatTime(end),
		Metadata:         metadata,
		Summary:          summary,
		Journeys:         journeys,
		ReportURL:        extra.ReportURL,
		NotificationSent: extra.NotificationSent,
	}
}

// Export builds the run document and writes it to path.
func (c *Collector) Export(path string, extra Extra) (*Data, error) {
	data := c.ExecutionData(extra)

	if err := WriteFile(path, data); err != nil {
		return nil, err
	}

	return data, nil
}

// Summarize counts journeys and steps by status. DurationMS is left zero.
func Summarize(journeys []Journey) Summary {
	var s Summary

	for _, j := range journeys {
		s.CountJourney(j.Status)

		for _, st := range j.Steps {
			s.CountStep(st.Status)
		}
	}

	s.SuccessRate = SuccessRate(s.PassedSteps, s.TotalSteps)

	return s
}

// CountJourney adds one journey with status to the journey counts.
func (s *Summary) CountJourney(status Status) {
	s.TotalJourneys++

	switch status {
	case StatusPassed:
		s.PassedJourneys++
	case StatusFailed:
		s.FailedJourneys++
	case StatusSkipped:
		s.SkippedJourneys++
	}
}

// CountStep adds one step with status to the step counts.
func (s *Summary) CountStep(status Status) {
	s.TotalSteps++

	switch status {
	case StatusPassed:
		s.PassedSteps++
	case StatusFailed:
		s.FailedSteps++
	case StatusSkipped:
		s.SkippedSteps++
	}
}

// SuccessRate returns passed/total as a percentage rounded to two decimals,
// or 0 when total is 0.
func SuccessRate(passed, total int) float64 {
	if total == 0 {
		return 0
	}

	return math.Round(float64(passed)*100/float64(total)*100) / 100
}

// WriteFile writes the document as indented JSON.
func WriteFile(path string, data *Data) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating export directory: %w", err)
		}
	}

	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling run document: %w", err)
	}

	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return fmt.Errorf("writing run document: %w", err)
	}

	return nil
}

// ReadFile loads a document written by WriteFile.
func ReadFile(path string) (*Data, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading run document: %w", err)
	}

	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parsing run document: %w", err)
	}

	return &data, nil
}

func (c *Collector) prepareCalls(calls []APICall) []APICall {
	if len(calls) == 0 {
		return nil
	}

	if len(calls) > c.maxCalls {
		c.log.WithField("dropped", len(calls)-c.maxCalls).Debug("Capping API calls on step")
		calls = calls[:c.maxCalls]
	}

	out := make([]APICall, len(calls))

	for i, call := range calls {
		call.Headers = c.sanitizer.Headers(call.Headers)
		call.ResponseBody = c.sanitizer.Body(call.ResponseBody)
		out[i] = call
	}

	return out
}

func journeyStatus(steps []Step) Status {
	if len(steps) == 0 {
		return StatusPassed
	}

	skipped := 0

	for _, s := range steps {
		switch s.Status {
		case StatusFailed:
			return StatusFailed
		case StatusSkipped:
			skipped++
		}
	}

	if skipped == len(steps) {
		return StatusSkipped
	}

	return StatusPassed
}

func copyJourney(j Journey) Journey {
	j.Metadata = copyMetadata(j.Metadata)

	steps := make([]Step, len(j.Steps))
	for i, s := range j.Steps {
		s.Metadata = copyMetadata(s.Metadata)

		if s.APICalls != nil {
			s.APICalls = append([]APICall(nil), s.APICalls...)
		}

		steps[i] = s
	}

	j.Steps = steps

	return j
}

func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}
