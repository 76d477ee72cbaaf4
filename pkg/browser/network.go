// Package browser feeds responses observed by a chromedp-driven browser into
// the API call tracker.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/journeyoor/pkg/apicalls"
)

// ResponseRecorder receives observed responses.
type ResponseRecorder interface {
	RecordAPIResponse(resp apicalls.Response, body apicalls.BodyFunc) *apicalls.Pending
}

// BodyFetcher loads a response body by request id.
type BodyFetcher func(ctx context.Context, id network.RequestID) ([]byte, error)

// ErrLoadingFailed is returned for the body of a response whose loading
// failed after its headers arrived.
var ErrLoadingFailed = errors.New("response loading failed")

// recordedTypes are the resource types worth attaching to a step.
var recordedTypes = map[network.ResourceType]struct{}{
	network.ResourceTypeXHR:      {},
	network.ResourceTypeFetch:    {},
	network.ResourceTypeDocument: {},
}

// NetworkRecorder listens to CDP network events on a browser context.
type NetworkRecorder struct {
	log      logrus.FieldLogger
	recorder ResponseRecorder
	fetch    BodyFetcher

	mu      sync.Mutex
	methods map[network.RequestID]string
	loads   map[network.RequestID]*load
}

// load tracks a recorded response until its body has fully arrived.
type load struct {
	done chan struct{}
	err  error
}

// Option configures a NetworkRecorder.
type Option func(*NetworkRecorder)

// WithBodyFetcher overrides how response bodies are fetched.
func WithBodyFetcher(f BodyFetcher) Option {
	return func(n *NetworkRecorder) {
		n.fetch = f
	}
}

// NewNetworkRecorder creates a recorder forwarding to recorder.
func NewNetworkRecorder(
	log logrus.FieldLogger, recorder ResponseRecorder, opts ...Option,
) *NetworkRecorder {
	n := &NetworkRecorder{
		log:      log.WithField("component", "network-recorder"),
		recorder: recorder,
		methods:  make(map[network.RequestID]string, 64),
		loads:    make(map[network.RequestID]*load, 64),
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

// Attach enables the network domain on the browser context and subscribes
// to its events. Bodies are fetched through the same context.
func (n *NetworkRecorder) Attach(ctx context.Context) error {
	if n.fetch == nil {
		n.fetch = func(fetchCtx context.Context, id network.RequestID) ([]byte, error) {
			return fetchBody(ctx, fetchCtx, id)
		}
	}

	chromedp.ListenTarget(ctx, n.HandleEvent)

	if err := chromedp.Run(ctx, network.Enable()); err != nil {
		return fmt.Errorf("enabling network domain: %w", err)
	}

	n.log.Debug("Network capture attached")

	return nil
}

// HandleEvent processes one CDP event. It never blocks on the browser.
// A response is recorded when its headers arrive so it attaches to the
// step open at that moment; its body is fetched once loading finished.
func (n *NetworkRecorder) HandleEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Request == nil {
			return
		}

		n.mu.Lock()
		n.methods[e.RequestID] = e.Request.Method
		n.mu.Unlock()
	case *network.EventResponseReceived:
		n.handleResponse(e)
	case *network.EventLoadingFinished:
		n.finish(e.RequestID, nil)
	case *network.EventLoadingFailed:
		n.forget(e.RequestID)
		n.finish(e.RequestID, fmt.Errorf("%w: %s", ErrLoadingFailed, e.ErrorText))
	}
}

func (n *NetworkRecorder) handleResponse(e *network.EventResponseReceived) {
	method := n.forget(e.RequestID)

	if _, ok := recordedTypes[e.Type]; !ok || e.Response == nil {
		return
	}

	if method == "" {
		method = "GET"
	}

	resp := apicalls.Response{
		URL:         e.Response.URL,
		Method:      method,
		Status:      int(e.Response.Status),
		StatusText:  e.Response.StatusText,
		Headers:     flattenHeaders(e.Response.Headers),
		ContentType: e.Response.MimeType,
	}

	var body apicalls.BodyFunc

	if n.fetch != nil {
		id := e.RequestID
		l := &load{done: make(chan struct{})}

		n.mu.Lock()
		n.loads[id] = l
		n.mu.Unlock()

		body = func(ctx context.Context) ([]byte, error) {
			select {
			case <-l.done:
			case <-ctx.Done():
				n.drop(id, l)

				return nil, ctx.Err()
			}

			if l.err != nil {
				return nil, l.err
			}

			return n.fetch(ctx, id)
		}
	}

	n.recorder.RecordAPIResponse(resp, body)
}

// forget drops and returns the remembered method for id.
func (n *NetworkRecorder) forget(id network.RequestID) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	method := n.methods[id]
	delete(n.methods, id)

	return method
}

// finish releases the body fetch waiting on id.
func (n *NetworkRecorder) finish(id network.RequestID, err error) {
	n.mu.Lock()
	l, ok := n.loads[id]
	delete(n.loads, id)
	n.mu.Unlock()

	if !ok {
		return
	}

	l.err = err
	close(l.done)
}

// drop forgets l when it is still the load registered for id.
func (n *NetworkRecorder) drop(id network.RequestID, l *load) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.loads[id] == l {
		delete(n.loads, id)
	}
}

// fetchBody runs getResponseBody on the browser context, cancelled when
// either the browser context or ctx is done.
func fetchBody(browserCtx, ctx context.Context, id network.RequestID) ([]byte, error) {
	runCtx, cancel := context.WithCancel(browserCtx)
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var body []byte

	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(c context.Context) error {
		var err error

		body, err = network.GetResponseBody(id).Do(c)

		return err
	}))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("getting response body: %w", err)
	}

	return body, nil
}

func flattenHeaders(h network.Headers) map[string]string {
	if len(h) == 0 {
		return nil
	}

	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = fmt.Sprint(v)
	}

	return out
}
