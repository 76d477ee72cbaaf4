package apicalls_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/journeyoor/pkg/apicalls"
	"github.com/ethpandaops/journeyoor/pkg/config"
	"github.com/ethpandaops/journeyoor/pkg/execution"
)

func newTracker(t *testing.T, opts ...apicalls.Option) *apicalls.Tracker {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	opts = append([]apicalls.Option{apicalls.WithClock(func() time.Time { return fixed })}, opts...)

	return apicalls.NewTracker(log, apicalls.NewSanitizer(config.DefaultSensitiveKeys), opts...)
}

func staticBody(body string) apicalls.BodyFunc {
	return func(context.Context) ([]byte, error) {
		return []byte(body), nil
	}
}

func TestTracker_IgnoresWhenInactive(t *testing.T) {
	tr := newTracker(t)

	p := tr.RecordAPIResponse(apicalls.Response{URL: "https://shop.example.com/api/cart", Status: 200}, nil)
	assert.Nil(t, p)
	assert.Empty(t, tr.CurrentStepAPICalls())
}

func TestTracker_RecordsStubAndBody(t *testing.T) {
	tr := newTracker(t)
	tr.StartStepTracking("Cart Management: Add Product to Cart")

	p := tr.RecordAPIResponse(apicalls.Response{
		URL:         "https://shop.example.com/api/cart?session=abc#top",
		Method:      "post",
		Status:      201,
		StatusText:  "Created",
		ContentType: "application/json; charset=utf-8",
		Headers: map[string]string{
			"Authorization": "Bearer secret",
			"Content-Type":  "application/json",
		},
	}, staticBody(`{"items":[{"sku":"A1","qty":1}],"user":{"password":"hunter2"}}`))
	require.NotNil(t, p)
	require.NoError(t, p.Wait(context.Background()))

	calls := tr.CurrentStepAPICalls()
	require.Len(t, calls, 1)

	call := calls[0]
	assert.Equal(t, "https://shop.example.com/api/cart", call.URL)
	assert.Equal(t, "POST", call.Method)
	assert.Equal(t, 201, call.Status)
	assert.Equal(t, "2026-03-01T10:00:00.000Z", call.Timestamp)
	assert.Equal(t, apicalls.Redacted, call.Headers["Authorization"])
	assert.Equal(t, "application/json", call.Headers["Content-Type"])

	body, ok := call.ResponseBody.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, apicalls.Redacted, body["user"].(map[string]any)["password"])
}

func TestTracker_BodyCaps(t *testing.T) {
	long := `"` + strings.Repeat("x", 2000) + `"`

	tests := []struct {
		name    string
		status  int
		ctype   string
		body    string
		wantLen int
	}{
		{name: "success json capped at 500", status: 200, ctype: "application/json", body: long, wantLen: 503},
		{name: "error json capped at 1000", status: 500, ctype: "application/json", body: long, wantLen: 1003},
		{name: "success text capped", status: 200, ctype: "text/html", body: strings.Repeat("y", 800), wantLen: 503},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTracker(t)
			tr.StartStepTracking("step")

			p := tr.RecordAPIResponse(apicalls.Response{
				URL: "https://x", Status: tt.status, ContentType: tt.ctype,
			}, staticBody(tt.body))
			require.NoError(t, p.Wait(context.Background()))

			calls := tr.CurrentStepAPICalls()
			require.Len(t, calls, 1)

			s, ok := calls[0].ResponseBody.(string)
			require.True(t, ok)
			assert.Len(t, []rune(s), tt.wantLen)
			assert.True(t, strings.HasSuffix(s, "..."))
		})
	}
}

func TestTracker_BodyFailuresUseSentinel(t *testing.T) {
	tests := []struct {
		name string
		body apicalls.BodyFunc
	}{
		{
			name: "fetch error",
			body: func(context.Context) ([]byte, error) { return nil, errors.New("no resource with given identifier") },
		},
		{
			name: "invalid json",
			body: staticBody("{not json"),
		},
		{
			name: "panic",
			body: func(context.Context) ([]byte, error) { panic("target closed") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTracker(t)
			tr.StartStepTracking("step")

			p := tr.RecordAPIResponse(apicalls.Response{
				URL: "https://x", Status: 200, ContentType: "application/json",
			}, tt.body)
			require.NoError(t, p.Wait(context.Background()))

			calls := tr.CurrentStepAPICalls()
			require.Len(t, calls, 1)
			assert.Equal(t, apicalls.UnparsableBody, calls[0].ResponseBody)
		})
	}
}

func TestTracker_SkipsBinaryBodies(t *testing.T) {
	tr := newTracker(t)
	tr.StartStepTracking("step")

	called := false
	p := tr.RecordAPIResponse(apicalls.Response{
		URL: "https://x/img.png", Status: 200, ContentType: "image/png",
	}, func(context.Context) ([]byte, error) {
		called = true

		return nil, nil
	})
	require.NoError(t, p.Wait(context.Background()))

	assert.False(t, called)
	assert.Nil(t, tr.CurrentStepAPICalls()[0].ResponseBody)
}

func TestTracker_CompleteStepTrackingWaitsForBodies(t *testing.T) {
	tr := newTracker(t)
	tr.StartStepTracking("step")

	release := make(chan struct{})
	tr.RecordAPIResponse(apicalls.Response{
		URL: "https://x", Status: 404, ContentType: "text/plain",
	}, func(context.Context) ([]byte, error) {
		<-release

		return []byte("not found"), nil
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	calls := tr.CompleteStepTracking("step", execution.StatusFailed)
	require.Len(t, calls, 1)
	assert.Equal(t, "not found", calls[0].ResponseBody)
}

func TestTracker_WaitHonoursContext(t *testing.T) {
	tr := newTracker(t)
	tr.StartStepTracking("step")

	release := make(chan struct{})
	defer close(release)

	tr.RecordAPIResponse(apicalls.Response{URL: "https://x", Status: 200, ContentType: "text/plain"},
		func(context.Context) ([]byte, error) {
			<-release

			return nil, nil
		})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, tr.Wait(ctx), context.DeadlineExceeded)
}

func TestTracker_ArchiveAndFailedLookup(t *testing.T) {
	tr := newTracker(t)

	record := func(step string, status execution.Status, url string) {
		tr.StartStepTracking(step)
		tr.RecordAPIResponse(apicalls.Response{URL: url, Status: 200}, nil)
		tr.CompleteStepTracking(step, status)
	}

	assert.Nil(t, tr.FailedStepAPICalls())

	record("one", execution.StatusFailed, "https://x/1")
	record("two", execution.StatusPassed, "https://x/2")
	record("three", execution.StatusFailed, "https://x/3")

	// Empty buffers are not archived.
	tr.StartStepTracking("four")
	assert.Nil(t, tr.CompleteStepTracking("four", execution.StatusFailed))

	all := tr.AllAPICalls()
	require.Len(t, all, 3)
	assert.Equal(t, "two", all[1].Step)

	failed := tr.FailedStepAPICalls()
	require.NotNil(t, failed)
	assert.Equal(t, "three", failed.Step)
	assert.Equal(t, "https://x/3", failed.Calls[0].URL)

	// Returned values are copies.
	failed.Calls[0].URL = "mutated"
	assert.Equal(t, "https://x/3", tr.FailedStepAPICalls().Calls[0].URL)

	tr.Reset()
	assert.Empty(t, tr.AllAPICalls())
}

func TestTracker_StartClearsBuffer(t *testing.T) {
	tr := newTracker(t)
	tr.StartStepTracking("a")
	tr.RecordAPIResponse(apicalls.Response{URL: "https://x", Status: 200}, nil)
	tr.StartStepTracking("b")

	assert.Empty(t, tr.CurrentStepAPICalls())
}

func TestTracker_StopKeepsHistory(t *testing.T) {
	tr := newTracker(t)
	tr.StartStepTracking("a")
	tr.RecordAPIResponse(apicalls.Response{URL: "https://x/a", Status: 500}, nil)
	tr.CompleteStepTracking("a", execution.StatusFailed)

	tr.StartStepTracking("b")
	tr.RecordAPIResponse(apicalls.Response{URL: "https://x/b", Status: 200}, nil)
	tr.StopStepTracking()

	assert.Empty(t, tr.CurrentStepAPICalls())
	assert.Nil(t, tr.RecordAPIResponse(apicalls.Response{URL: "https://x/c", Status: 200}, nil))
	require.Len(t, tr.AllAPICalls(), 1)
	require.NotNil(t, tr.FailedStepAPICalls())
	assert.Equal(t, "a", tr.FailedStepAPICalls().Step)
}

func TestDisplayURL(t *testing.T) {
	assert.Equal(t, "https://x.io/a/b", apicalls.DisplayURL("https://x.io/a/b?token=1&x=2"))
	assert.Equal(t, "https://x.io/a", apicalls.DisplayURL("https://x.io/a#frag"))
	assert.Equal(t, "/relative", apicalls.DisplayURL("/relative?q=1"))
}
