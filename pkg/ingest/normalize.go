package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/tidwall/gjson"

	"github.com/ethpandaops/journeyoor/pkg/execution"
)

// epochSecondsLimit separates epoch seconds from epoch milliseconds.
// 1e11 seconds is year 5138, 1e11 milliseconds is 1973.
const epochSecondsLimit = 1e11

// Field-name variants accepted at the boundary, in order of preference.
var (
	startKeys    = []string{"start_time", "startTime", "started_at", "startedAt", "timestamp"}
	endKeys      = []string{"end_time", "endTime", "ended_at", "endedAt", "completed_at"}
	durationKeys = []string{"duration_ms", "durationMs", "duration"}
)

// ErrInvalidPayload is returned for payloads that are not a JSON object.
var ErrInvalidPayload = errors.New("payload is not a JSON object")

// Document is a run payload in canonical form. Every timestamp is epoch
// milliseconds.
type Document struct {
	Framework   string
	SuiteName   string
	Environment string
	Platform    string
	System      string
	BuildNumber string
	BuildURL    string
	JobName     string
	ReportURL   string
	StartMS     int64
	EndMS       int64
	Metadata    map[string]any
	Summary     execution.Summary
	Journeys    []JourneyDoc
}

// JourneyDoc is one journey of a Document.
type JourneyDoc struct {
	Number         int
	Name           string
	Description    string
	Status         execution.Status
	StartMS        int64
	EndMS          int64
	DurationMS     int64
	FailureReason  string
	FailureType    string
	FailureMessage string
	FailureStack   string
	Metadata       map[string]any
	Steps          []StepDoc
}

// StepDoc is one step of a JourneyDoc.
type StepDoc struct {
	Number       int
	Name         string
	RawText      string
	Status       execution.Status
	StartMS      int64
	EndMS        int64
	DurationMS   int64
	ErrorType    string
	ErrorMessage string
	ErrorStack   string
	APICalls     json.RawMessage
	Metadata     map[string]any
}

// Normalize translates an external run payload into a Document. Missing
// timestamps fall back to now.
func Normalize(payload []byte, now time.Time) (*Document, error) {
	if !gjson.ValidBytes(payload) {
		return nil, ErrInvalidPayload
	}

	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return nil, ErrInvalidPayload
	}

	journeys := root.Get("journeys")
	if journeys.Exists() && !journeys.IsArray() {
		return nil, fmt.Errorf("journeys: expected an array, got %s", journeys.Type)
	}

	doc := &Document{
		Framework:   first(root, "framework"),
		SuiteName:   first(root, "suite_name", "suiteName", "suite"),
		Environment: first(root, "environment", "env"),
		Platform:    strings.ToLower(first(root, "platform", "metadata.platform")),
		System:      strings.ToLower(first(root, "system", "metadata.system")),
		BuildNumber: first(root, "build_number", "buildNumber"),
		BuildURL:    first(root, "build_url", "buildUrl"),
		JobName:     first(root, "job_name", "jobName"),
		ReportURL:   first(root, "report_url", "reportUrl"),
		Metadata:    objectValue(root.Get("metadata")),
	}

	for i, j := range journeys.Array() {
		doc.Journeys = append(doc.Journeys, NormalizeJourney(j, i+1, now))
	}

	doc.StartMS, doc.EndMS, _ = window(root, now)

	if len(doc.Journeys) > 0 {
		if _, ok := millis(root, startKeys...); !ok {
			doc.StartMS = doc.Journeys[0].StartMS
		}

		if _, ok := millis(root, endKeys...); !ok {
			doc.EndMS = doc.Journeys[len(doc.Journeys)-1].EndMS
		}
	}

	summary, err := decodeSummary(root.Get("summary"))
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}

	if summary == nil {
		computed := doc.summarize()
		summary = &computed
	}

	doc.Summary = *summary

	return doc, nil
}

// NormalizeJourney translates one journey object. number is used when the
// journey carries none.
func NormalizeJourney(j gjson.Result, number int, now time.Time) JourneyDoc {
	doc := JourneyDoc{
		Number:         intOr(j, number, "journey_number", "journeyNumber", "number"),
		Name:           first(j, "journey_name", "journeyName", "name", "scenario"),
		Description:    first(j, "journey_description", "journeyDescription", "description"),
		FailureReason:  first(j, "failure_reason", "failureReason"),
		FailureType:    first(j, "failure_type", "failureType"),
		FailureMessage: first(j, "failure_message", "failureMessage"),
		FailureStack:   first(j, "failure_stack", "failureStack"),
		Metadata:       objectValue(j.Get("metadata")),
	}

	for i, s := range j.Get("steps").Array() {
		doc.Steps = append(doc.Steps, normalizeStep(s, i+1, now))
	}

	doc.StartMS, doc.EndMS, doc.DurationMS = window(j, now)

	if len(doc.Steps) > 0 {
		if _, ok := millis(j, startKeys...); !ok {
			doc.StartMS = doc.Steps[0].StartMS
		}

		if _, ok := millis(j, endKeys...); !ok {
			doc.EndMS = doc.Steps[len(doc.Steps)-1].EndMS
		}

		if _, ok := millis(j, durationKeys...); !ok {
			doc.DurationMS = max(doc.EndMS-doc.StartMS, 0)
		}
	}

	if raw := first(j, "status"); raw != "" || len(doc.Steps) == 0 {
		doc.Status = parseStatus(raw, doc.FailureMessage != "")
	} else {
		doc.Status = stepsStatus(doc.Steps)
	}

	if doc.FailureMessage == "" && doc.FailureReason == "" {
		for _, s := range doc.Steps {
			if s.Status != execution.StatusFailed {
				continue
			}

			doc.FailureType = s.ErrorType
			doc.FailureMessage = s.ErrorMessage
			doc.FailureStack = s.ErrorStack
			doc.FailureReason = execution.FailureReason(s.ErrorMessage, s.Name, s.ErrorType)

			break
		}
	}

	return doc
}

// stepsStatus is FAILED if any step failed, SKIPPED if every step was
// skipped, PASSED otherwise.
func stepsStatus(steps []StepDoc) execution.Status {
	skipped := 0

	for _, s := range steps {
		switch s.Status {
		case execution.StatusFailed:
			return execution.StatusFailed
		case execution.StatusSkipped:
			skipped++
		}
	}

	if skipped == len(steps) {
		return execution.StatusSkipped
	}

	return execution.StatusPassed
}

func normalizeStep(s gjson.Result, number int, now time.Time) StepDoc {
	doc := StepDoc{
		Number:       intOr(s, number, "step_number", "stepNumber", "number"),
		Name:         first(s, "step_name", "stepName", "name", "step"),
		RawText:      first(s, "raw_text", "rawText", "text"),
		ErrorType:    first(s, "error_type", "errorType"),
		ErrorMessage: first(s, "error_message", "errorMessage", "error"),
		ErrorStack:   first(s, "error_stack", "errorStack", "stack"),
		Metadata:     objectValue(s.Get("metadata")),
	}

	if calls := s.Get("api_calls"); calls.IsArray() {
		doc.APICalls = json.RawMessage(calls.Raw)
	} else if calls := s.Get("apiCalls"); calls.IsArray() {
		doc.APICalls = json.RawMessage(calls.Raw)
	}

	doc.StartMS, doc.EndMS, doc.DurationMS = window(s, now)
	doc.Status = parseStatus(first(s, "status"), doc.ErrorMessage != "")

	return doc
}

// window resolves start, end and duration from whichever fields are
// present. Start falls back to end minus duration, then to now.
func window(obj gjson.Result, now time.Time) (start, end, duration int64) {
	start, hasStart := millis(obj, startKeys...)
	end, hasEnd := millis(obj, endKeys...)
	duration, hasDuration := durationMillis(obj)

	switch {
	case hasStart:
	case hasEnd && hasDuration:
		start = end - duration
	case hasEnd:
		start = end
	default:
		start = now.UnixMilli()
	}

	if !hasEnd {
		end = start + duration
	}

	if !hasDuration {
		duration = max(end-start, 0)
	}

	return start, end, duration
}

// millis reads the first present timestamp among keys. Strings are parsed
// as RFC 3339 or as a number; numbers below epochSecondsLimit are seconds.
func millis(obj gjson.Result, keys ...string) (int64, bool) {
	for _, key := range keys {
		v := obj.Get(key)

		switch v.Type {
		case gjson.Number:
			return epochMillis(v.Float()), true
		case gjson.String:
			if t, err := time.Parse(time.RFC3339Nano, v.Str); err == nil {
				return t.UnixMilli(), true
			}

			if n := gjson.Parse(v.Str); n.Type == gjson.Number {
				return epochMillis(n.Float()), true
			}
		}
	}

	return 0, false
}

func epochMillis(n float64) int64 {
	if n < epochSecondsLimit {
		return int64(n * 1000)
	}

	return int64(n)
}

func durationMillis(obj gjson.Result) (int64, bool) {
	for _, key := range durationKeys {
		v := obj.Get(key)
		if v.Type == gjson.Number {
			return max(v.Int(), 0), true
		}
	}

	return 0, false
}

func first(obj gjson.Result, keys ...string) string {
	for _, key := range keys {
		if v := obj.Get(key); v.Exists() && v.Type != gjson.Null {
			if s := v.String(); s != "" {
				return s
			}
		}
	}

	return ""
}

func intOr(obj gjson.Result, fallback int, keys ...string) int {
	for _, key := range keys {
		if v := obj.Get(key); v.Type == gjson.Number {
			return int(v.Int())
		}
	}

	return fallback
}

func objectValue(v gjson.Result) map[string]any {
	if !v.IsObject() {
		return nil
	}

	m, _ := v.Value().(map[string]any)

	return m
}

// parseStatus maps the status spellings in the wild onto PASSED, FAILED or
// SKIPPED. A missing status is FAILED when an error was recorded.
func parseStatus(raw string, hasError bool) execution.Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PASSED", "PASS", "OK", "SUCCESS":
		return execution.StatusPassed
	case "FAILED", "FAIL", "ERROR", "BROKEN":
		return execution.StatusFailed
	case "SKIPPED", "SKIP", "PENDING", "UNDEFINED", "AMBIGUOUS":
		return execution.StatusSkipped
	case "":
		if hasError {
			return execution.StatusFailed
		}

		return execution.StatusPassed
	default:
		return execution.StatusFailed
	}
}

// decodeSummary reads the summary block with weak typing so string or
// camelCase counts are accepted. It returns nil when the block is absent.
func decodeSummary(v gjson.Result) (*execution.Summary, error) {
	if !v.IsObject() {
		return nil, nil
	}

	raw, _ := v.Value().(map[string]any)
	normalized := make(map[string]any, len(raw))

	for k, val := range raw {
		normalized[snakeCase(k)] = val
	}

	var summary execution.Summary

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		TagName:          "json",
		Result:           &summary,
	})
	if err != nil {
		return nil, fmt.Errorf("creating decoder: %w", err)
	}

	if err := decoder.Decode(normalized); err != nil {
		return nil, err
	}

	if summary.TotalSteps > 0 && summary.SuccessRate == 0 && summary.PassedSteps > 0 {
		summary.SuccessRate = execution.SuccessRate(summary.PassedSteps, summary.TotalSteps)
	}

	return &summary, nil
}

func snakeCase(s string) string {
	var b strings.Builder

	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}

			b.WriteRune(r + ('a' - 'A'))

			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}

func (d *Document) summarize() execution.Summary {
	var s execution.Summary

	for _, j := range d.Journeys {
		s.CountJourney(j.Status)

		for _, st := range j.Steps {
			s.CountStep(st.Status)
		}

		s.DurationMS += j.DurationMS
	}

	s.SuccessRate = execution.SuccessRate(s.PassedSteps, s.TotalSteps)

	return s
}
