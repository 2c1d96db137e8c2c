package api

import (
	"net/http"

	"github.com/mattjoyce/snapsvc/internal/auth"
	"github.com/mattjoyce/snapsvc/internal/component"
)

// authMiddleware resolves the bearer token to a principal.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		principal, ok := s.keys.Authenticate(token)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// requireScope rejects principals lacking any permission in scope.
func (s *Server) requireScope(scope auth.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := auth.PrincipalFromContext(r.Context())
			if !principal.Scope.Has(scope) {
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// reachable writes 403 and reports false when the caller's token is limited
// to other workers.
func (s *Server) reachable(w http.ResponseWriter, r *http.Request, key component.Key) bool {
	principal, _ := auth.PrincipalFromContext(r.Context())
	if !principal.CanReach(key) {
		s.writeError(w, http.StatusForbidden, "token may not address worker "+string(key))
		return false
	}
	return true
}

func canReach(r *http.Request, key component.Key) bool {
	principal, _ := auth.PrincipalFromContext(r.Context())
	return principal.CanReach(key)
}
