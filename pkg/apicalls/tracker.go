// Package apicalls associates HTTP responses observed during browser
// automation with the step that was open when they completed.
package apicalls

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/journeyoor/pkg/execution"
)

const (
	// UnparsableBody is recorded when a response body cannot be captured.
	UnparsableBody = "Unable to parse response body"

	defaultErrorBodyCap   = 1000
	defaultSuccessBodyCap = 500
	defaultCaptureTimeout = 10 * time.Second
	defaultSettleTimeout  = 2 * time.Second
)

// Response is the observed part of an HTTP response.
type Response struct {
	URL         string
	Method      string
	Status      int
	StatusText  string
	Headers     map[string]string
	ContentType string
}

// BodyFunc fetches a response body on demand.
type BodyFunc func(ctx context.Context) ([]byte, error)

// Entry is the archived set of calls for one step.
type Entry struct {
	Step      string              `json:"step"`
	Status    execution.Status    `json:"status"`
	Calls     []execution.APICall `json:"calls"`
	Timestamp string              `json:"timestamp"`
}

// Pending is an in-flight body capture.
type Pending struct {
	done chan struct{}
}

// Wait blocks until the capture has been merged into its record.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tracker buffers the calls of the open step and archives them on
// completion. Body captures run on goroutines and patch their record in
// place, so all state is guarded by mu.
type Tracker struct {
	log       logrus.FieldLogger
	sanitizer *Sanitizer
	now       func() time.Time

	errorBodyCap   int
	successBodyCap int
	captureTimeout time.Duration
	settleTimeout  time.Duration

	mu      sync.Mutex
	active  bool
	step    string
	buffer  []*execution.APICall
	history []Entry
	pending map[*Pending]struct{}
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithBodyCaps sets the body length caps for error (status >= 400) and
// successful responses.
func WithBodyCaps(errorCap, successCap int) Option {
	return func(t *Tracker) {
		if errorCap > 0 {
			t.errorBodyCap = errorCap
		}

		if successCap > 0 {
			t.successBodyCap = successCap
		}
	}
}

// WithSettleTimeout bounds how long step completion waits for body captures.
func WithSettleTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		t.settleTimeout = d
	}
}

// NewTracker creates a new API call tracker.
func NewTracker(log logrus.FieldLogger, sanitizer *Sanitizer, opts ...Option) *Tracker {
	t := &Tracker{
		log:            log.WithField("component", "api-tracker"),
		sanitizer:      sanitizer,
		now:            time.Now,
		errorBodyCap:   defaultErrorBodyCap,
		successBodyCap: defaultSuccessBodyCap,
		captureTimeout: defaultCaptureTimeout,
		settleTimeout:  defaultSettleTimeout,
		pending:        make(map[*Pending]struct{}),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// StartStepTracking clears the buffer and starts recording for step.
func (t *Tracker) StartStepTracking(step string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active = true
	t.step = step
	t.buffer = nil
}

// RecordAPIResponse appends a record for resp when tracking is active and,
// for JSON or text responses, captures the body in the background. It
// returns nil when nothing was recorded.
func (t *Tracker) RecordAPIResponse(resp Response, body BodyFunc) *Pending {
	t.mu.Lock()

	if !t.active {
		t.mu.Unlock()

		return nil
	}

	call := &execution.APICall{
		URL:        DisplayURL(resp.URL),
		Method:     strings.ToUpper(resp.Method),
		Status:     resp.Status,
		StatusText: resp.StatusText,
		Timestamp:  execution.FormatTime(t.now()),
		Headers:    t.sanitizer.Headers(resp.Headers),
	}
	t.buffer = append(t.buffer, call)

	p := &Pending{done: make(chan struct{})}

	if body == nil || !capturable(resp.ContentType) {
		t.mu.Unlock()
		close(p.done)

		return p
	}

	t.pending[p] = struct{}{}
	t.mu.Unlock()

	go func() {
		defer close(p.done)

		ctx, cancel := context.WithTimeout(context.Background(), t.captureTimeout)
		defer cancel()

		captured := t.captureBody(ctx, resp, body)

		t.mu.Lock()
		call.ResponseBody = captured
		delete(t.pending, p)
		t.mu.Unlock()
	}()

	return p
}

// Wait blocks until every body capture started before the call has
// completed.
func (t *Tracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	outstanding := make([]*Pending, 0, len(t.pending))

	for p := range t.pending {
		outstanding = append(outstanding, p)
	}
	t.mu.Unlock()

	for _, p := range outstanding {
		if err := p.Wait(ctx); err != nil {
			return err
		}
	}

	return nil
}

// CompleteStepTracking archives the buffered calls, if any, and returns
// them. Outstanding body captures get a short window to finish first.
func (t *Tracker) CompleteStepTracking(step string, status execution.Status) []execution.APICall {
	ctx, cancel := context.WithTimeout(context.Background(), t.settleTimeout)
	defer cancel()

	if err := t.Wait(ctx); err != nil {
		t.log.WithField("step", step).Debug("Body captures still pending at step completion")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	calls := t.snapshot()
	t.buffer = nil
	t.active = false

	if len(calls) == 0 {
		return nil
	}

	t.history = append(t.history, Entry{
		Step:      step,
		Status:    status,
		Calls:     calls,
		Timestamp: execution.FormatTime(t.now()),
	})

	return calls
}

// FailedStepAPICalls returns the most recent archived entry for a failed
// step, or nil.
func (t *Tracker) FailedStepAPICalls() *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := len(t.history) - 1; i >= 0; i-- {
		if t.history[i].Status == execution.StatusFailed {
			e := t.history[i]
			e.Calls = copyCalls(e.Calls)

			return &e
		}
	}

	return nil
}

// CurrentStepAPICalls returns a copy of the live buffer.
func (t *Tracker) CurrentStepAPICalls() []execution.APICall {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.snapshot()
}

// AllAPICalls returns a copy of the archived history.
func (t *Tracker) AllAPICalls() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, len(t.history))
	for i, e := range t.history {
		e.Calls = copyCalls(e.Calls)
		out[i] = e
	}

	return out
}

// StopStepTracking drops the live buffer and stops recording. The archived
// history is kept.
func (t *Tracker) StopStepTracking() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active = false
	t.step = ""
	t.buffer = nil
}

// Reset drops all buffered and archived calls.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active = false
	t.step = ""
	t.buffer = nil
	t.history = nil
}

// snapshot copies the buffer. Callers hold mu.
func (t *Tracker) snapshot() []execution.APICall {
	if len(t.buffer) == 0 {
		return nil
	}

	out := make([]execution.APICall, len(t.buffer))
	for i, c := range t.buffer {
		out[i] = copyCall(*c)
	}

	return out
}

func (t *Tracker) captureBody(ctx context.Context, resp Response, body BodyFunc) (result any) {
	defer func() {
		if r := recover(); r != nil {
			t.log.WithField("url", resp.URL).Debugf("Body capture panicked: %v", r)
			result = UnparsableBody
		}
	}()

	data, err := body(ctx)
	if err != nil {
		t.log.WithError(err).WithField("url", resp.URL).Debug("Failed to fetch response body")

		return UnparsableBody
	}

	limit := t.successBodyCap
	if resp.Status >= 400 {
		limit = t.errorBodyCap
	}

	if !isJSON(resp.ContentType) {
		return truncate(string(data), limit)
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return UnparsableBody
	}

	sanitized := t.sanitizer.Body(decoded)

	encoded, err := json.Marshal(sanitized)
	if err != nil {
		return UnparsableBody
	}

	if len([]rune(string(encoded))) <= limit {
		return sanitized
	}

	return truncate(string(encoded), limit)
}

// DisplayURL strips the query string and fragment.
func DisplayURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.IndexAny(raw, "?#"); i >= 0 {
			return raw[:i]
		}

		return raw
	}

	u.RawQuery = ""
	u.Fragment = ""
	u.ForceQuery = false

	return u.String()
}

func capturable(contentType string) bool {
	return isJSON(contentType) || strings.HasPrefix(strings.ToLower(contentType), "text/")
}

func isJSON(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "json")
}

// truncate caps s at limit runes, marking the cut.
func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}

	return fmt.Sprintf("%s...", string(r[:limit]))
}

func copyCall(c execution.APICall) execution.APICall {
	if c.Headers != nil {
		h := make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			h[k] = v
		}

		c.Headers = h
	}

	return c
}

func copyCalls(calls []execution.APICall) []execution.APICall {
	if calls == nil {
		return nil
	}

	out := make([]execution.APICall, len(calls))
	for i, c := range calls {
		out[i] = copyCall(c)
	}

	return out
}
