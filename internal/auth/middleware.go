package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/stewardhq/steward/internal/shared"
)

// Middleware resolves bearer tokens to callers.
type Middleware struct {
	Sessions *shared.SessionManager
	Logger   *slog.Logger
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Authenticate requires a valid session and stores the caller plus the
// transport source context for downstream audit events.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		caller, err := m.Sessions.Resolve(r.Context(), token)
		if err != nil {
			if m.Logger != nil && err != shared.ErrSessionNotFound {
				m.Logger.Error("resolve session", slog.Any("error", err))
			}
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication required"}`))
			return
		}
		ctx := shared.ContextWithCaller(r.Context(), caller)
		ctx = shared.ContextWithSource(ctx, shared.SourceContext{
			IP:        r.RemoteAddr,
			UserAgent: r.UserAgent(),
			RequestID: middleware.GetReqID(ctx),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
