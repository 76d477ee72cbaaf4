// Package steps times the currently executing automation step and groups
// finished steps into scenarios.
package steps

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/journeyoor/pkg/execution"
	"github.com/ethpandaops/journeyoor/pkg/naming"
)

// MaxStackLines is the number of stack lines kept on a failed step.
const MaxStackLines = 5

// StepError is a typed step failure. Kind becomes the step's error type.
type StepError struct {
	Kind    string
	Message string
	Stack   string
}

func (e *StepError) Error() string {
	return e.Message
}

// Listener receives every finalized step, implicit or explicit.
type Listener func(rec execution.StepRecord)

// ScenarioResult is a completed scenario.
type ScenarioResult struct {
	Name       string
	Status     execution.Status
	StartTime  time.Time
	EndTime    time.Time
	DurationMS int64
	Steps      []execution.StepRecord
}

type openStep struct {
	name     string
	raw      string
	start    time.Time
	metadata map[string]any
}

type scenario struct {
	name  string
	start time.Time
	steps []execution.StepRecord
}

// Recorder tracks at most one open step inside at most one open scenario.
// It performs no I/O and never fails.
type Recorder struct {
	log      logrus.FieldLogger
	names    *naming.Table
	now      func() time.Time
	listener Listener

	current  *openStep
	scenario *scenario
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

// WithListener registers a callback for finalized steps.
func WithListener(l Listener) Option {
	return func(r *Recorder) {
		r.listener = l
	}
}

// NewRecorder creates a new step recorder.
func NewRecorder(log logrus.FieldLogger, names *naming.Table, opts ...Option) *Recorder {
	r := &Recorder{
		log:   log.WithField("component", "step-recorder"),
		names: names,
		now:   time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// StartScenario opens a scenario. An already open scenario is completed
// first with a passing status.
func (r *Recorder) StartScenario(name string) {
	if r.scenario != nil {
		r.log.WithField("scenario", r.scenario.name).
			Debug("Scenario still open, completing it implicitly")
		r.CompleteScenario(execution.StatusPassed, nil)
	}

	r.scenario = &scenario{name: name, start: r.now()}
}

// StartStep opens a step. An open step is finalized first as PASSED: only
// explicit failures are recorded as failures.
func (r *Recorder) StartStep(raw string) {
	if r.current != nil {
		r.CompleteCurrentStep(execution.StatusPassed, nil)
	}

	if r.scenario == nil {
		r.log.WithField("step", raw).Debug("Step started outside a scenario")
		r.scenario = &scenario{start: r.now()}
	}

	label, captured := r.names.Step(raw)

	var metadata map[string]any
	if len(captured) > 0 {
		metadata = make(map[string]any, len(captured))
		for k, v := range captured {
			metadata[k] = v
		}
	}

	r.current = &openStep{
		name:     label,
		raw:      raw,
		start:    r.now(),
		metadata: metadata,
	}
}

// CurrentStep returns the label of the open step, or "" when none is open.
func (r *Recorder) CurrentStep() string {
	if r.current == nil {
		return ""
	}

	return r.current.name
}

// CompleteCurrentStep finalizes the open step. It returns nil when no step
// is open.
func (r *Recorder) CompleteCurrentStep(
	status execution.Status, err error,
) *execution.StepRecord {
	if r.current == nil {
		r.log.Debug("No open step to complete")

		return nil
	}

	duration := r.now().Sub(r.current.start).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	rec := execution.StepRecord{
		Number:     len(r.scenario.steps) + 1,
		Name:       r.current.name,
		RawText:    r.current.raw,
		Status:     status,
		StartTime:  r.current.start.UnixMilli(),
		DurationMS: duration,
		Metadata:   r.current.metadata,
	}

	if status == execution.StatusFailed && err != nil {
		rec.ErrorType, rec.ErrorMessage, rec.ErrorStack = describeError(err)
	}

	r.scenario.steps = append(r.scenario.steps, rec)
	r.current = nil

	if r.listener != nil {
		r.listener(rec)
	}

	return &rec
}

// CompleteScenario finalizes any open step with the scenario status and
// closes the scenario.
func (r *Recorder) CompleteScenario(status execution.Status, err error) *ScenarioResult {
	if r.scenario == nil {
		r.log.Debug("No open scenario to complete")

		return nil
	}

	if r.current != nil {
		r.CompleteCurrentStep(status, err)
	}

	end := r.now()
	result := &ScenarioResult{
		Name:       r.scenario.name,
		StartTime:  r.scenario.start,
		EndTime:    end,
		DurationMS: max(end.Sub(r.scenario.start).Milliseconds(), 0),
		Steps:      r.scenario.steps,
		Status:     scenarioStatus(status, r.scenario.steps),
	}

	r.scenario = nil

	return result
}

func scenarioStatus(status execution.Status, steps []execution.StepRecord) execution.Status {
	for _, s := range steps {
		if s.Status == execution.StatusFailed {
			return execution.StatusFailed
		}
	}

	switch status {
	case execution.StatusFailed, execution.StatusSkipped:
		return status
	default:
		return execution.StatusPassed
	}
}

// describeError extracts the type tag, message and top stack lines.
func describeError(err error) (kind, message, stack string) {
	var se *StepError
	if errors.As(err, &se) {
		kind = se.Kind
		message = se.Message
		stack = se.Stack
	} else {
		kind = fmt.Sprintf("%T", err)
		message = err.Error()

		// Errors that carry a stack print it with %+v.
		if verbose := fmt.Sprintf("%+v", err); verbose != message {
			stack = verbose
		}
	}

	if kind == "" {
		kind = "Error"
	}

	return kind, message, TopLines(stack, MaxStackLines)
}

// TopLines returns at most n leading non-empty lines of s.
func TopLines(s string, n int) string {
	if s == "" {
		return ""
	}

	lines := make([]string, 0, n)

	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}

		lines = append(lines, line)
		if len(lines) == n {
			break
		}
	}

	return strings.Join(lines, "\n")
}
