package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/ethpandaops/journeyoor/pkg/config"
	"github.com/ethpandaops/journeyoor/pkg/execution"
	"github.com/ethpandaops/journeyoor/pkg/store"
)

// ErrDisabled is returned internally when no store is configured.
var ErrDisabled = errors.New("remote logging disabled")

// RunInfo describes a run as it starts.
type RunInfo struct {
	execution.RunConfig
	StartedAt time.Time
}

// Option configures a Logger.
type Option func(*Logger)

// WithSink sets the transport, enabling the logger regardless of the
// store configuration.
func WithSink(s Sink) Option {
	return func(l *Logger) {
		l.sink = s
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		l.now = now
	}
}

// Logger writes runs, journeys and steps to the result store. A disabled
// Logger turns every method into a no-op returning a zero value. Store
// failures are logged and reported as "" or false, never returned.
type Logger struct {
	log      logrus.FieldLogger
	sink     Sink
	attempts int
	delay    time.Duration
	now      func() time.Time

	mu    sync.Mutex
	runID string
}

// NewLogger creates a Logger. Without a sink option the REST sink is used
// when cfg has both a URL and an API key; otherwise the Logger is disabled.
func NewLogger(log logrus.FieldLogger, cfg *config.StoreConfig, opts ...Option) *Logger {
	l := &Logger{
		log:      log.WithField("component", "remote-logger"),
		attempts: cfg.MaxRetries,
		delay:    cfg.RetryDelay,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.sink == nil && cfg.Enabled() {
		l.sink = NewRESTSink(log, cfg)
	}

	if l.sink == nil {
		l.log.Info("Result store not configured, remote logging disabled")
	}

	return l
}

// Enabled reports whether the logger writes anywhere.
func (l *Logger) Enabled() bool {
	return l.sink != nil
}

// RunID returns the id of the run started by StartTestRun, if any.
func (l *Logger) RunID() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.runID
}

// StartTestRun creates a run row and remembers its id.
func (l *Logger) StartTestRun(ctx context.Context, info RunInfo) string {
	if !l.Enabled() {
		return ""
	}

	startedAt := info.StartedAt
	if startedAt.IsZero() {
		startedAt = l.now()
	}

	metadata := make(map[string]any, len(info.Metadata)+2)
	for k, v := range info.Metadata {
		metadata[k] = v
	}

	if info.System != "" {
		metadata["system"] = info.System
	}

	metadata["headless"] = info.Headless

	row := &store.Run{
		Framework:   info.Framework,
		SuiteName:   info.SuiteName,
		Environment: info.Environment,
		Platform:    info.Platform,
		System:      info.System,
		StartedAt:   startedAt.UTC(),
		BuildNumber: info.BuildNumber,
		BuildURL:    info.BuildURL,
		JobName:     info.JobName,
		Metadata:    store.MustJSON(metadata),
	}

	run, err := l.createRun(ctx, row)
	if err != nil {
		l.log.WithError(err).Error("Failed to create test run")

		return ""
	}

	l.mu.Lock()
	l.runID = run.ID
	l.mu.Unlock()

	l.log.WithFields(logrus.Fields{
		"run_id":      run.ID,
		"readable_id": run.ReadableID,
	}).Info("Test run started")

	return run.ID
}

// LogJourney creates a journey row under the current run, then its steps.
func (l *Logger) LogJourney(ctx context.Context, journey execution.Journey) bool {
	if !l.Enabled() {
		return false
	}

	runID := l.RunID()
	if runID == "" {
		l.log.WithField("journey", journey.JourneyName).
			Warn("No active test run, journey not logged")

		return false
	}

	doc, err := journeyDoc(journey, l.now())
	if err != nil {
		l.log.WithError(err).Error("Failed to encode journey")

		return false
	}

	row, err := l.createJourney(ctx, journeyRow(runID, doc))
	if err != nil {
		l.log.WithError(err).
			WithField("journey", journey.JourneyName).
			Error("Failed to create journey")

		return false
	}

	return l.insertSteps(ctx, runID, row.ID, doc.Steps)
}

// LogSteps bulk-inserts steps under journeyID of the current run.
func (l *Logger) LogSteps(ctx context.Context, journeyID string, steps []execution.Step) bool {
	if !l.Enabled() {
		return false
	}

	runID := l.RunID()
	if runID == "" {
		l.log.Warn("No active test run, steps not logged")

		return false
	}

	docs := make([]StepDoc, 0, len(steps))
	now := l.now()

	for i, s := range steps {
		b, err := json.Marshal(s)
		if err != nil {
			l.log.WithError(err).Error("Failed to encode step")

			return false
		}

		docs = append(docs, normalizeStep(gjson.ParseBytes(b), i+1, now))
	}

	return l.insertSteps(ctx, runID, journeyID, docs)
}

// CompleteTestRun patches the current run with the final summary and
// forgets it.
func (l *Logger) CompleteTestRun(
	ctx context.Context, summary execution.Summary, extra execution.Extra,
) bool {
	if !l.Enabled() {
		return false
	}

	l.mu.Lock()
	runID := l.runID
	l.runID = ""
	l.mu.Unlock()

	if runID == "" {
		l.log.Warn("No active test run to complete")

		return false
	}

	fields := summaryFields(summary)
	fields["completed_at"] = execution.FormatTime(l.now())

	if extra.ReportURL != "" {
		fields["report_url"] = extra.ReportURL
	}

	if err := Retry(ctx, l.log, l.attempts, l.delay, func() error {
		return l.sink.PatchRun(ctx, runID, fields)
	}); err != nil {
		l.log.WithError(err).WithField("run_id", runID).Error("Failed to complete test run")

		return false
	}

	l.log.WithFields(logrus.Fields{
		"run_id":       runID,
		"success_rate": summary.SuccessRate,
	}).Info("Test run completed")

	return true
}

// IngestRawLog stores payload verbatim and returns the raw log id.
func (l *Logger) IngestRawLog(ctx context.Context, payload []byte, source string) string {
	if !l.Enabled() {
		return ""
	}

	if !json.Valid(payload) {
		l.log.WithField("source", source).Error("Raw log payload is not valid JSON")

		return ""
	}

	raw, err := retryValue(ctx, l.log, l.attempts, l.delay, func() (*store.RawLog, error) {
		return l.sink.CreateRawLog(ctx, &store.RawLog{
			Source:  source,
			Payload: store.JSON(payload),
		})
	})
	if err != nil {
		l.log.WithError(err).WithField("source", source).Error("Failed to store raw log")

		return ""
	}

	l.log.WithFields(logrus.Fields{
		"raw_log_id": raw.ID,
		"source":     source,
		"bytes":      len(payload),
	}).Info("Raw log stored")

	return raw.ID
}

// ProcessRawLog builds run, journey and step rows from a stored raw log
// and marks it processed, or records why it could not be.
func (l *Logger) ProcessRawLog(ctx context.Context, rawLogID string, payload []byte) bool {
	if !l.Enabled() {
		return false
	}

	log := l.log.WithField("raw_log_id", rawLogID)

	procErr := l.processPayload(ctx, rawLogID, payload)

	fields := map[string]any{
		"processed":    procErr == nil,
		"processed_at": execution.FormatTime(l.now()),
	}

	if procErr != nil {
		fields["processing_error"] = procErr.Error()
	} else {
		fields["processing_error"] = nil
	}

	if err := Retry(ctx, l.log, l.attempts, l.delay, func() error {
		return l.sink.UpdateRawLog(ctx, rawLogID, fields)
	}); err != nil {
		log.WithError(err).Error("Failed to update raw log status")

		return false
	}

	if procErr != nil {
		log.WithError(procErr).Warn("Raw log processing failed")

		return false
	}

	log.Info("Raw log processed")

	return true
}

// Ingest stores payload and processes it. It returns the raw log id, which
// is set even when processing failed.
func (l *Logger) Ingest(ctx context.Context, payload []byte, source string) (string, bool) {
	id := l.IngestRawLog(ctx, payload, source)
	if id == "" {
		return "", false
	}

	return id, l.ProcessRawLog(ctx, id, payload)
}

func (l *Logger) processPayload(ctx context.Context, rawLogID string, payload []byte) error {
	doc, err := Normalize(payload, l.now())
	if err != nil {
		return fmt.Errorf("normalizing payload: %w", err)
	}

	row := runRow(doc)
	if rawLogID != "" {
		row.RawLogID = &rawLogID
	}

	run, err := l.createRun(ctx, row)
	if err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	for _, j := range doc.Journeys {
		journey, err := l.createJourney(ctx, journeyRow(run.ID, j))
		if err != nil {
			return fmt.Errorf("creating journey %q: %w", j.Name, err)
		}

		rows := stepRows(run.ID, journey.ID, j.Steps)
		if err := Retry(ctx, l.log, l.attempts, l.delay, func() error {
			return l.sink.InsertSteps(ctx, rows)
		}); err != nil {
			return fmt.Errorf("inserting steps of %q: %w", j.Name, err)
		}
	}

	return nil
}

func (l *Logger) insertSteps(ctx context.Context, runID, journeyID string, steps []StepDoc) bool {
	if len(steps) == 0 {
		return true
	}

	rows := stepRows(runID, journeyID, steps)

	if err := Retry(ctx, l.log, l.attempts, l.delay, func() error {
		return l.sink.InsertSteps(ctx, rows)
	}); err != nil {
		l.log.WithError(err).WithFields(logrus.Fields{
			"journey_id": journeyID,
			"steps":      len(rows),
		}).Error("Failed to insert steps")

		return false
	}

	return true
}

func (l *Logger) createRun(ctx context.Context, row *store.Run) (*store.Run, error) {
	return retryValue(ctx, l.log, l.attempts, l.delay, func() (*store.Run, error) {
		return l.sink.CreateRun(ctx, row)
	})
}

func (l *Logger) createJourney(ctx context.Context, row *store.Journey) (*store.Journey, error) {
	return retryValue(ctx, l.log, l.attempts, l.delay, func() (*store.Journey, error) {
		return l.sink.CreateJourney(ctx, row)
	})
}

// journeyDoc passes a recorded journey through the same boundary adapter
// as raw payloads.
func journeyDoc(j execution.Journey, now time.Time) (JourneyDoc, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return JourneyDoc{}, err
	}

	return NormalizeJourney(gjson.ParseBytes(b), j.JourneyNumber, now), nil
}

func runRow(doc *Document) *store.Run {
	metadata := make(map[string]any, len(doc.Metadata)+1)
	for k, v := range doc.Metadata {
		metadata[k] = v
	}

	if doc.System != "" {
		metadata["system"] = doc.System
	}

	run := &store.Run{
		Framework:       doc.Framework,
		SuiteName:       doc.SuiteName,
		Environment:     doc.Environment,
		Platform:        doc.Platform,
		System:          doc.System,
		StartedAt:       time.UnixMilli(doc.StartMS).UTC(),
		TotalJourneys:   doc.Summary.TotalJourneys,
		PassedJourneys:  doc.Summary.PassedJourneys,
		FailedJourneys:  doc.Summary.FailedJourneys,
		SkippedJourneys: doc.Summary.SkippedJourneys,
		TotalSteps:      doc.Summary.TotalSteps,
		PassedSteps:     doc.Summary.PassedSteps,
		FailedSteps:     doc.Summary.FailedSteps,
		SkippedSteps:    doc.Summary.SkippedSteps,
		SuccessRate:     doc.Summary.SuccessRate,
		DurationMS:      doc.Summary.DurationMS,
		BuildNumber:     doc.BuildNumber,
		BuildURL:        doc.BuildURL,
		JobName:         doc.JobName,
		ReportURL:       doc.ReportURL,
		Metadata:        store.MustJSON(metadata),
	}

	if doc.EndMS > 0 {
		completed := time.UnixMilli(doc.EndMS).UTC()
		run.CompletedAt = &completed
	}

	return run
}

func journeyRow(runID string, j JourneyDoc) *store.Journey {
	ended := time.UnixMilli(j.EndMS).UTC()

	return &store.Journey{
		RunID:          runID,
		JourneyNumber:  j.Number,
		Name:           j.Name,
		Description:    j.Description,
		Status:         string(j.Status),
		StartedAt:      time.UnixMilli(j.StartMS).UTC(),
		EndedAt:        &ended,
		DurationMS:     j.DurationMS,
		FailureReason:  j.FailureReason,
		FailureType:    j.FailureType,
		FailureMessage: j.FailureMessage,
		FailureStack:   j.FailureStack,
		Metadata:       store.MustJSON(j.Metadata),
	}
}

func stepRows(runID, journeyID string, steps []StepDoc) []*store.Step {
	rows := make([]*store.Step, 0, len(steps))

	for _, s := range steps {
		ended := time.UnixMilli(s.EndMS).UTC()

		row := &store.Step{
			RunID:        runID,
			JourneyID:    journeyID,
			StepNumber:   s.Number,
			Name:         s.Name,
			Status:       string(s.Status),
			StartedAt:    time.UnixMilli(s.StartMS).UTC(),
			EndedAt:      &ended,
			DurationMS:   s.DurationMS,
			ErrorType:    s.ErrorType,
			ErrorMessage: s.ErrorMessage,
			ErrorStack:   s.ErrorStack,
			Metadata:     store.MustJSON(s.Metadata),
		}

		if tab, ok := s.Metadata["tab_name"].(string); ok {
			row.TabName = tab
		}

		if len(s.APICalls) > 0 {
			row.APICalls = store.JSON(s.APICalls)
		}

		rows = append(rows, row)
	}

	return rows
}

func summaryFields(s execution.Summary) map[string]any {
	return map[string]any{
		"total_journeys":   s.TotalJourneys,
		"passed_journeys":  s.PassedJourneys,
		"failed_journeys":  s.FailedJourneys,
		"skipped_journeys": s.SkippedJourneys,
		"total_steps":      s.TotalSteps,
		"passed_steps":     s.PassedSteps,
		"failed_steps":     s.FailedSteps,
		"skipped_steps":    s.SkippedSteps,
		"success_rate":     s.SuccessRate,
		"duration_ms":      s.DurationMS,
	}
}
