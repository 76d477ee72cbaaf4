package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/journeyoor/pkg/apicalls"
	"github.com/ethpandaops/journeyoor/pkg/config"
	"github.com/ethpandaops/journeyoor/pkg/execution"
	"github.com/ethpandaops/journeyoor/pkg/ingest"
	"github.com/ethpandaops/journeyoor/pkg/naming"
	"github.com/ethpandaops/journeyoor/pkg/store"
)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return log
}

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	s := store.NewStore(quietLogger(), &config.APIDatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func testStoreConfig() *config.StoreConfig {
	return &config.StoreConfig{MaxRetries: 3}
}

func newCollector(t *testing.T) *execution.Collector {
	t.Helper()

	return execution.NewCollector(quietLogger(), naming.Default(),
		apicalls.NewSanitizer(config.DefaultSensitiveKeys))
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()

	b, err := json.Marshal(v)
	require.NoError(t, err)

	return b
}

func listRows[T any](t *testing.T, s store.Store, resource store.Resource, q store.Query) []T {
	t.Helper()

	rows, err := s.List(context.Background(), resource, q)
	require.NoError(t, err)

	out, ok := rows.(*[]T)
	require.True(t, ok)

	return *out
}

// flakySink fails the first failures calls of every method, then delegates.
type flakySink struct {
	ingest.Sink

	mu       sync.Mutex
	failures int
	calls    map[string]int
}

var errFlaky = errors.New("store unavailable")

func newFlakySink(inner ingest.Sink, failures int) *flakySink {
	return &flakySink{Sink: inner, failures: failures, calls: map[string]int{}}
}

func (f *flakySink) fail(method string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[method]++

	return f.calls[method] <= f.failures
}

func (f *flakySink) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[method]
}

func (f *flakySink) CreateRun(ctx context.Context, run *store.Run) (*store.Run, error) {
	if f.fail("CreateRun") {
		return nil, errFlaky
	}

	return f.Sink.CreateRun(ctx, run)
}

func (f *flakySink) InsertSteps(ctx context.Context, steps []*store.Step) error {
	if f.fail("InsertSteps") {
		return errFlaky
	}

	return f.Sink.InsertSteps(ctx, steps)
}
