package api

import (
	"net/http"
	"strings"
	"time"
)

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// optionsOK answers every OPTIONS request that is not a CORS preflight with
// an empty 200.
func optionsOK(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireKey checks the apikey header or Bearer token against the
// configured ingestion keys. With no keys configured every request passes.
func (s *server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.keys.open() {
			next.ServeHTTP(w, r)

			return
		}

		token := r.Header.Get("apikey")
		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			token = authHeader[7:]
		}

		if token == "" {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"api key required"})

			return
		}

		name, ok := s.keys.verify(token)
		if !ok {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"invalid api key"})

			return
		}

		s.log.WithField("key", name).
			WithField("path", r.URL.Path).
			Debug("Ingestion request authorized")

		next.ServeHTTP(w, r)
	})
}
