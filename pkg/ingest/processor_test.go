package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/journeyoor/pkg/config"
	"github.com/ethpandaops/journeyoor/pkg/ingest"
	"github.com/ethpandaops/journeyoor/pkg/store"
)

const goodPayload = `{"environment":"qa","journeys":[{"name":"Search","steps":[{"name":"s","status":"PASSED"}]}]}`

func TestProcessor_RunOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	l := ingest.NewLogger(quietLogger(), testStoreConfig(), ingest.WithSink(ingest.NewStoreSink(s)))

	good := l.IngestRawLog(ctx, []byte(goodPayload), "ci")
	bad := l.IngestRawLog(ctx, []byte(`{"journeys":{}}`), "ci")
	require.NotEmpty(t, good)
	require.NotEmpty(t, bad)

	later := func() time.Time { return time.Now().Add(time.Minute) }

	var hooked []ingest.PassResult

	p := ingest.NewProcessor(quietLogger(), l, config.APIProcessingConfig{Concurrency: 2},
		ingest.WithProcessorClock(later),
		ingest.WithPassHook(func(r ingest.PassResult) { hooked = append(hooked, r) }))

	result, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ingest.PassResult{Processed: 1, Failed: 1}, result)
	assert.Equal(t, []ingest.PassResult{result}, hooked)

	runs := listRows[store.Run](t, s, store.ResourceRuns, store.Query{})
	require.Len(t, runs, 1)
	assert.Equal(t, good, *runs[0].RawLogID)

	// Processed and failed logs are not picked up again.
	result, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ingest.PassResult{}, result)

	retry := ingest.NewProcessor(quietLogger(), l, config.APIProcessingConfig{IncludeFailed: true},
		ingest.WithProcessorClock(later))

	result, err = retry.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ingest.PassResult{Failed: 1}, result)
}

func TestProcessor_GracePeriod(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	l := ingest.NewLogger(quietLogger(), testStoreConfig(), ingest.WithSink(ingest.NewStoreSink(s)))
	require.NotEmpty(t, l.IngestRawLog(ctx, []byte(goodPayload), "ci"))

	p := ingest.NewProcessor(quietLogger(), l, config.APIProcessingConfig{GracePeriod: time.Hour})

	result, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ingest.PassResult{}, result)
	assert.Empty(t, listRows[store.Run](t, s, store.ResourceRuns, store.Query{}))
}

func TestProcessor_StartStop(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	l := ingest.NewLogger(quietLogger(), testStoreConfig(), ingest.WithSink(ingest.NewStoreSink(s)))
	id := l.IngestRawLog(ctx, []byte(goodPayload), "ci")
	require.NotEmpty(t, id)

	passes := make(chan ingest.PassResult, 4)

	p := ingest.NewProcessor(quietLogger(), l,
		config.APIProcessingConfig{Interval: time.Hour},
		ingest.WithProcessorClock(func() time.Time { return time.Now().Add(time.Minute) }),
		ingest.WithPassHook(func(r ingest.PassResult) { passes <- r }))

	require.NoError(t, p.Start(ctx))

	select {
	case r := <-passes:
		assert.Equal(t, int64(1), r.Processed)
	case <-time.After(5 * time.Second):
		t.Fatal("first pass did not run")
	}

	require.NoError(t, p.Stop())

	got, err := s.Get(ctx, store.ResourceRawLogs, id)
	require.NoError(t, err)
	assert.True(t, got.(*store.RawLog).Processed)
}

func TestProcessor_DisabledLogger(t *testing.T) {
	l := ingest.NewLogger(quietLogger(), &config.StoreConfig{})
	p := ingest.NewProcessor(quietLogger(), l, config.APIProcessingConfig{})

	_, err := p.RunOnce(context.Background())
	require.ErrorIs(t, err, ingest.ErrDisabled)
	require.ErrorIs(t, p.Start(context.Background()), ingest.ErrDisabled)
}

func TestUnprocessedQuery(t *testing.T) {
	cutoff := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	q := ingest.UnprocessedQuery(cutoff, false, 10)
	assert.Equal(t, "processed=eq.false&created_at=lte.2026-05-04T12:00:00.000Z&processing_error=is.null&order=created_at.asc&limit=10",
		"processed="+q.Values().Get("processed")+
			"&created_at="+q.Values().Get("created_at")+
			"&processing_error="+q.Values().Get("processing_error")+
			"&order="+q.Values().Get("order")+
			"&limit="+q.Values().Get("limit"))

	q = ingest.UnprocessedQuery(cutoff, true, 0)
	assert.Empty(t, q.Values().Get("processing_error"))

	_, err := store.ParseQuery(store.ResourceRawLogs, q.Values())
	require.NoError(t, err)
}
