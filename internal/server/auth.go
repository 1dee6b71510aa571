package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/sirupsen/logrus"

	"sitepush/internal/domain"
	"sitepush/internal/session"
)

// principal is the resolved session together with the token that named it.
type principal struct {
	Session domain.Session
	Token   string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (principal, bool) {
	p, ok := ctx.Value(principalKey{}).(principal)
	return p, ok
}

func sessionFromContext(ctx context.Context) (domain.Session, bool) {
	p, ok := principalFromContext(ctx)
	return p.Session, ok
}

func requireSession(ctx context.Context) (domain.Session, huma.StatusError) {
	if s, ok := sessionFromContext(ctx); ok && s.ID != "" {
		return s, nil
	}
	return domain.Session{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// protectedPath reports whether path needs a session before reaching its
// handler. /auth/me answers anonymous callers itself.
func protectedPath(path string) bool {
	return strings.HasPrefix(path, "/api/") || path == "/auth/logout"
}

func newAuthMiddleware(sessions *session.Manager, log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			token := sessions.TokenFromRequest(req)
			if token != "" {
				s, err := sessions.Resolve(req.Context(), token)
				switch {
				case err == nil:
					next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal{Session: s, Token: token})))
					return
				case !errors.Is(err, session.ErrUnauthenticated):
					log.WithError(err).Error("resolve session")
					respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil))
					return
				}
			}
			if protectedPath(req.URL.Path) {
				code := "unauthorized"
				if token != "" {
					code = "invalid_credentials"
				}
				respondStatusError(w, newAPIError(http.StatusUnauthorized, code, "authentication required", nil))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
