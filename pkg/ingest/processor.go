package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/journeyoor/pkg/config"
	"github.com/ethpandaops/journeyoor/pkg/execution"
	"github.com/ethpandaops/journeyoor/pkg/store"
)

// passBatchSize caps the raw logs picked up by one pass.
const passBatchSize = 500

// PassResult counts the outcome of one processing pass.
type PassResult struct {
	Processed int64
	Failed    int64
}

// Processor periodically turns unprocessed raw logs into run, journey and
// step rows.
type Processor interface {
	Start(ctx context.Context) error
	Stop() error
	// RunOnce executes a single pass and returns its counts.
	RunOnce(ctx context.Context) (PassResult, error)
}

// Compile-time interface check.
var _ Processor = (*processor)(nil)

type processor struct {
	log    logrus.FieldLogger
	logger *Logger
	cfg    config.APIProcessingConfig
	now    func() time.Time
	notify func(PassResult)
	done   chan struct{}
	wg     sync.WaitGroup
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*processor)

// WithPassHook is called after every pass with its counts.
func WithPassHook(fn func(PassResult)) ProcessorOption {
	return func(p *processor) {
		p.notify = fn
	}
}

// WithProcessorClock sets the time source used for the grace period.
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *processor) {
		p.now = now
	}
}

// NewProcessor creates a raw log processor writing through logger.
func NewProcessor(
	log logrus.FieldLogger,
	logger *Logger,
	cfg config.APIProcessingConfig,
	opts ...ProcessorOption,
) Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = config.DefaultProcessingConcurrency
	}

	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultProcessingInterval
	}

	p := &processor{
		log:    log.WithField("component", "raw-log-processor"),
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
		done:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start runs one pass immediately and then one per interval, in the
// background.
func (p *processor) Start(ctx context.Context) error {
	if !p.logger.Enabled() {
		return ErrDisabled
	}

	p.log.WithFields(logrus.Fields{
		"interval":       p.cfg.Interval.String(),
		"grace_period":   p.cfg.GracePeriod.String(),
		"concurrency":    p.cfg.Concurrency,
		"include_failed": p.cfg.IncludeFailed,
	}).Info("Starting raw log processor")

	p.wg.Add(1)

	go func() {
		defer p.wg.Done()

		p.runPass(ctx)

		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.runPass(ctx)
			case <-p.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the processor goroutine to stop and waits for it.
func (p *processor) Stop() error {
	close(p.done)
	p.wg.Wait()

	p.log.Info("Raw log processor stopped")

	return nil
}

func (p *processor) runPass(ctx context.Context) {
	if _, err := p.RunOnce(ctx); err != nil {
		p.log.WithError(err).Warn("Raw log processing pass failed")
	}
}

// RunOnce processes every raw log older than the grace period that has not
// been processed yet.
func (p *processor) RunOnce(ctx context.Context) (PassResult, error) {
	var result PassResult

	if !p.logger.Enabled() {
		return result, ErrDisabled
	}

	start := time.Now()
	q := UnprocessedQuery(p.now().Add(-p.cfg.GracePeriod), p.cfg.IncludeFailed, passBatchSize)

	logs, err := p.logger.sink.ListRawLogs(ctx, q)
	if err != nil {
		return result, fmt.Errorf("listing unprocessed raw logs: %w", err)
	}

	if len(logs) == 0 {
		p.log.Debug("No raw logs to process")

		return result, nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	var processed, failed atomic.Int64

	for _, raw := range logs {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			case <-p.done:
				return nil
			default:
			}

			if p.logger.ProcessRawLog(gCtx, raw.ID, raw.Payload) {
				processed.Add(1)
			} else {
				failed.Add(1)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return result, fmt.Errorf("processing raw logs: %w", err)
	}

	result = PassResult{Processed: processed.Load(), Failed: failed.Load()}

	p.log.WithFields(logrus.Fields{
		"processed": result.Processed,
		"failed":    result.Failed,
		"duration":  time.Since(start).Round(time.Millisecond),
	}).Info("Raw log processing pass completed")

	if p.notify != nil {
		p.notify(result)
	}

	return result, nil
}

// UnprocessedQuery selects raw logs still waiting for processing, oldest
// first. Logs that already failed are included only with includeFailed.
func UnprocessedQuery(olderThan time.Time, includeFailed bool, limit int) store.Query {
	q := store.Query{
		Filters: []store.Filter{
			{Column: "processed", Op: store.OpEq, Value: "false"},
			{Column: "created_at", Op: store.OpLte, Value: execution.FormatTime(olderThan)},
		},
		Order: "created_at",
		Limit: limit,
	}

	if !includeFailed {
		q.Filters = append(q.Filters, store.Filter{
			Column: "processing_error", Op: store.OpIs, Value: "null",
		})
	}

	return q
}
