package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/journeyoor/pkg/report"
)

// noDataResponse is returned when a platform has no results in the window.
type noDataResponse struct {
	Error  string `json:"error"`
	NoData bool   `json:"no_data"`
}

// intParam parses an optional positive integer query parameter. Absent
// parameters yield 0.
func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New(name + " must be a positive integer")
	}

	return n, nil
}

// handleTabPerformance aggregates tab load times for one system.
func (s *server) handleTabPerformance(w http.ResponseWriter, r *http.Request) {
	system := chi.URLParam(r, "system")

	days, err := intParam(r, "days")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	tabs, err := s.queries.TabPerformance(r.Context(), system, days)
	if err != nil {
		if errors.Is(err, report.ErrUnknownSystem) {
			writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

			return
		}

		s.log.WithError(err).WithField("system", system).
			Error("Tab performance query failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, tabs)
}

// handleRecentFailures lists the newest failed steps.
func (s *server) handleRecentFailures(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	failures, err := s.queries.RecentFailures(r.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("Recent failures query failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, failures)
}

// handleTestResults returns the latest results snapshot of one platform.
func (s *server) handleTestResults(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	if !s.cfg.Query.HasPlatform(platform) {
		writeJSON(w, http.StatusBadRequest, errorResponse{"unknown platform: " + platform})

		return
	}

	snap, err := s.queries.Snapshot(r.Context(), platform)
	if err != nil {
		if errors.Is(err, report.ErrNoData) {
			writeJSON(w, http.StatusNotFound, noDataResponse{Error: err.Error(), NoData: true})

			return
		}

		s.log.WithError(err).WithField("platform", platform).
			Error("Test results query failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, snap)
}
