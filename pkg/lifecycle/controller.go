// Package lifecycle drives the step recorder, API call tracker, execution
// collector and remote logger from automation framework hooks.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/journeyoor/pkg/apicalls"
	"github.com/ethpandaops/journeyoor/pkg/browser"
	"github.com/ethpandaops/journeyoor/pkg/config"
	"github.com/ethpandaops/journeyoor/pkg/execution"
	"github.com/ethpandaops/journeyoor/pkg/ingest"
	"github.com/ethpandaops/journeyoor/pkg/naming"
	"github.com/ethpandaops/journeyoor/pkg/steps"
)

// Option configures a Controller.
type Option func(*options)

type options struct {
	now  func() time.Time
	sink ingest.Sink
}

// WithClock sets the time source of every tracking component.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithSink sends remote logging to s instead of the configured store.
func WithSink(s ingest.Sink) Option {
	return func(o *options) {
		o.sink = s
	}
}

// Controller owns the tracking components of one process. Hooks are
// expected to be called sequentially; RecordResponse may be called from
// any goroutine. No method returns pipeline errors to the automation.
type Controller struct {
	log       logrus.FieldLogger
	cfg       *config.Config
	recorder  *steps.Recorder
	tracker   *apicalls.Tracker
	collector *execution.Collector
	remote    *ingest.Logger

	mu          sync.Mutex
	initialized bool
}

// New builds a Controller from the configuration. It fails only when a
// configured naming rules file cannot be loaded.
func New(log logrus.FieldLogger, cfg *config.Config, opts ...Option) (*Controller, error) {
	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	names, err := naming.Load(cfg.Tracking.NamingRulesFile)
	if err != nil {
		return nil, fmt.Errorf("loading naming rules: %w", err)
	}

	sanitizer := apicalls.NewSanitizer(cfg.Tracking.SensitiveKeys)

	c := &Controller{
		log: log.WithField("component", "lifecycle"),
		cfg: cfg,
		tracker: apicalls.NewTracker(log, sanitizer,
			apicalls.WithClock(o.now),
			apicalls.WithBodyCaps(cfg.Tracking.BodyCap, cfg.Tracking.SuccessBodyCap)),
		collector: execution.NewCollector(log, names, sanitizer,
			execution.WithClock(o.now),
			execution.WithMaxAPICallsPerStep(cfg.Tracking.MaxAPICallsPerStep)),
	}

	c.recorder = steps.NewRecorder(log, names,
		steps.WithClock(o.now),
		steps.WithListener(c.onStep))

	loggerOpts := []ingest.Option{ingest.WithClock(o.now)}
	if o.sink != nil {
		loggerOpts = append(loggerOpts, ingest.WithSink(o.sink))
	}

	c.remote = ingest.NewLogger(log, &cfg.Store, loggerOpts...)

	return c, nil
}

// AttachBrowser records the API calls a chromedp browser context makes.
func (c *Controller) AttachBrowser(ctx context.Context) error {
	return browser.NewNetworkRecorder(c.log, c.tracker).Attach(ctx)
}

// RecordResponse hands an observed response to the tracker.
func (c *Controller) RecordResponse(resp apicalls.Response, body apicalls.BodyFunc) *apicalls.Pending {
	return c.tracker.RecordAPIResponse(resp, body)
}

// BeforeScenario initializes the run on first use, then opens the scenario
// and its journey.
func (c *Controller) BeforeScenario(ctx context.Context, name string) {
	c.ensureRun(ctx)

	c.recorder.StartScenario(name)
	c.collector.StartJourney(name)
	c.tracker.StopStepTracking()
}

// BeforeStep opens a step, passing any step still open, and starts
// tracking its API calls.
func (c *Controller) BeforeStep(_ context.Context, raw string) {
	c.recorder.StartStep(raw)
	c.tracker.StartStepTracking(c.recorder.CurrentStep())
}

// AfterStep completes the open step with status.
func (c *Controller) AfterStep(_ context.Context, status execution.Status, err error) {
	c.recorder.CompleteCurrentStep(status, err)
}

// AfterScenario completes the scenario and its journey and logs the
// journey remotely.
func (c *Controller) AfterScenario(ctx context.Context, status execution.Status, err error) {
	result := c.recorder.CompleteScenario(status, err)

	journey := c.collector.CompleteJourney()
	if journey == nil {
		return
	}

	if result != nil && result.Status != journey.Status {
		c.log.WithFields(logrus.Fields{
			"journey":         journey.JourneyName,
			"scenario_status": result.Status,
			"journey_status":  journey.Status,
		}).Debug("Scenario and journey status differ")
	}

	c.remote.LogJourney(ctx, *journey)
}

// Finish builds the run document, completes the remote run and writes the
// export file when one is configured. A journey left open is completed
// first. The next BeforeScenario starts a new run.
func (c *Controller) Finish(ctx context.Context, extra execution.Extra) *execution.Data {
	if c.collector.HasOpenJourney() {
		c.log.Warn("Journey still open at finish, completing it")
		c.AfterScenario(ctx, execution.StatusPassed, nil)
	}

	if extra.ReportURL == "" {
		extra.ReportURL = c.cfg.Run.ReportURL
	}

	data := c.collector.ExecutionData(extra)

	c.remote.CompleteTestRun(ctx, data.Summary, extra)

	if path := c.cfg.Run.ExportPath; path != "" {
		if err := execution.WriteFile(path, data); err != nil {
			c.log.WithError(err).WithField("path", path).Error("Failed to export run document")
		} else {
			c.log.WithField("path", path).Info("Run document exported")
		}
	}

	c.mu.Lock()
	c.initialized = false
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"journeys":     data.Summary.TotalJourneys,
		"steps":        data.Summary.TotalSteps,
		"success_rate": data.Summary.SuccessRate,
	}).Info("Run finished")

	return data
}

// APICalls returns the archived API calls of every completed step of the
// current run.
func (c *Controller) APICalls() []apicalls.Entry {
	return c.tracker.AllAPICalls()
}

// FailedStepAPICalls returns the calls of the most recent failed step.
func (c *Controller) FailedStepAPICalls() *apicalls.Entry {
	return c.tracker.FailedStepAPICalls()
}

// RunID returns the remote run id, or "" when remote logging is disabled
// or the run could not be created.
func (c *Controller) RunID() string {
	return c.remote.RunID()
}

func (c *Controller) ensureRun(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return
	}

	c.initialized = true
	c.tracker.Reset()

	run := runConfig(&c.cfg.Run)
	c.collector.InitializeTestRun(run)
	c.remote.StartTestRun(ctx, ingest.RunInfo{RunConfig: run})
}

// onStep moves a finalized step and its API calls into the collector.
func (c *Controller) onStep(rec execution.StepRecord) {
	calls := c.tracker.CompleteStepTracking(rec.Name, rec.Status)
	c.collector.AddStep(rec, calls)
}

func runConfig(cfg *config.RunConfig) execution.RunConfig {
	var metadata map[string]any
	if len(cfg.Metadata) > 0 {
		metadata = make(map[string]any, len(cfg.Metadata))
		for k, v := range cfg.Metadata {
			metadata[k] = v
		}
	}

	return execution.RunConfig{
		Framework:   cfg.Framework,
		SuiteName:   cfg.SuiteName,
		Environment: cfg.Environment,
		Platform:    cfg.Platform,
		System:      cfg.System,
		BuildNumber: cfg.BuildNumber,
		BuildURL:    cfg.BuildURL,
		JobName:     cfg.JobName,
		Headless:    cfg.Headless,
		Metadata:    metadata,
	}
}
