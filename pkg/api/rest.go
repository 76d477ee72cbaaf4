package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/journeyoor/pkg/store"
)

const maxBodyBytes = 16 << 20

// resourceParam resolves the {resource} route parameter, writing a 404
// when it is unknown.
func resourceParam(w http.ResponseWriter, r *http.Request) (store.Resource, bool) {
	resource, ok := store.ParseResource(chi.URLParam(r, "resource"))
	if !ok {
		writeJSON(w, http.StatusNotFound,
			errorResponse{fmt.Sprintf("unknown resource %q", chi.URLParam(r, "resource"))})
	}

	return resource, ok
}

// handleListRows lists rows filtered by col=op.value parameters.
func (s *server) handleListRows(w http.ResponseWriter, r *http.Request) {
	resource, ok := resourceParam(w, r)
	if !ok {
		return
	}

	q, err := store.ParseQuery(resource, r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	rows, err := s.store.List(r.Context(), resource, q)
	if err != nil {
		s.log.WithError(err).WithField("resource", resource).
			Error("Failed to list rows")
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, rows)
}

// handleCreateRows inserts one object or an array of objects and returns
// the created rows as an array.
func (s *server) handleCreateRows(w http.ResponseWriter, r *http.Request) {
	resource, ok := resourceParam(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{"request body too large"})

		return
	}

	created, n, err := s.createRows(r, resource, asArray(body))
	if err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError

		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

			return
		}

		s.log.WithError(err).WithField("resource", resource).
			Error("Failed to create rows")
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})

		return
	}

	s.metrics.ingestedRows.WithLabelValues(string(resource)).Add(float64(n))

	writeJSON(w, http.StatusCreated, created)
}

func (s *server) createRows(
	r *http.Request, resource store.Resource, body []byte,
) (any, int, error) {
	ctx := r.Context()

	switch resource {
	case store.ResourceRawLogs:
		var rows []*store.RawLog
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, 0, err
		}

		for _, raw := range rows {
			if err := s.store.CreateRawLog(ctx, raw); err != nil {
				return nil, 0, err
			}
		}

		return rows, len(rows), nil
	case store.ResourceRuns:
		var rows []*store.Run
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, 0, err
		}

		return rows, len(rows), s.store.CreateRuns(ctx, rows)
	case store.ResourceJourneys:
		var rows []*store.Journey
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, 0, err
		}

		return rows, len(rows), s.store.CreateJourneys(ctx, rows)
	case store.ResourceSteps:
		var rows []*store.Step
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, 0, err
		}

		return rows, len(rows), s.store.CreateSteps(ctx, rows)
	default:
		return nil, 0, fmt.Errorf("unknown resource %q", resource)
	}
}

// handlePatchRow updates one row selected by id=eq.<id>.
func (s *server) handlePatchRow(w http.ResponseWriter, r *http.Request) {
	resource, ok := resourceParam(w, r)
	if !ok {
		return
	}

	id, ok := strings.CutPrefix(r.URL.Query().Get("id"), "eq.")
	if !ok || id == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"patch requires an id=eq.<id> filter"})

		return
	}

	var fields map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&fields); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid JSON object"})

		return
	}

	row, err := s.store.Patch(r.Context(), resource, id, fields)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
		case errors.Is(err, store.ErrInvalid):
			writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
		default:
			s.log.WithError(err).WithField("resource", resource).
				Error("Failed to patch row")
			writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})
		}

		return
	}

	writeJSON(w, http.StatusOK, []any{row})
}

// asArray wraps a single JSON object in an array.
func asArray(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		out := make([]byte, 0, len(trimmed)+2)
		out = append(out, '[')
		out = append(out, trimmed...)

		return append(out, ']')
	}

	return trimmed
}
