package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ethpandaops/journeyoor/pkg/ingest"
)

// metrics holds the server's Prometheus collectors on a private registry.
type metrics struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	ingestedRows *prometheus.CounterVec
	processed    *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &metrics{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "journeyoor_http_requests_total",
			Help: "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "status"}),
		ingestedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "journeyoor_ingested_rows_total",
			Help: "Rows created through the REST surface by resource.",
		}, []string{"resource"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "journeyoor_raw_logs_processed_total",
			Help: "Raw logs handled by the background processor by outcome.",
		}, []string{"outcome"}),
	}

	registry.MustRegister(m.requests)
	registry.MustRegister(m.ingestedRows)
	registry.MustRegister(m.processed)

	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// instrument counts requests by matched route pattern.
func (m *metrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
	})
}

func (m *metrics) observePass(result ingest.PassResult) {
	m.processed.WithLabelValues("processed").Add(float64(result.Processed))
	m.processed.WithLabelValues("failed").Add(float64(result.Failed))
}
