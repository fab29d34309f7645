package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/fleet-agent/internal/auth"
)

// executionAuth validates the bearer execution token against the
// {executionID} path parameter before any handler runs.
func (s *Server) executionAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		executionID := chi.URLParam(r, "executionID")

		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := s.tokens.Validate(token, executionID)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, auth.ErrTokenMismatch) {
				status = http.StatusForbidden
			}
			s.logger.Warn("rejected execution token", "execution_id", executionID, "error", err)
			s.writeError(w, status, err.Error())
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}
