package core

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"subvalidator/internal/types"
)

// CallerSourceHeader lets internal clients name themselves for logs
// ("ingestion", "dashboard", "cachectl").
const CallerSourceHeader = "X-Caller-Source"

// AuthMiddleware enforces the shared service key on API routes.
//
// The key is read from "Authorization: Bearer <key>". Missing credentials get
// auth_token_missing and a mismatched key gets auth_token_invalid, both 401.
// When no SERVICE_API_KEY is configured the caller is recorded as anonymous
// and the request proceeds, which keeps local development friction-free.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	var expected []byte
	if s.Config != nil && s.Config.Security.ServiceAPIKey.IsSet() {
		expected = []byte(s.Config.Security.ServiceAPIKey.Unmask())
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		source := r.Header.Get(CallerSourceHeader)

		if expected == nil {
			ctx := types.WithCaller(r.Context(), types.Caller{ID: "anonymous", Type: types.CallerAnonymous, Source: source})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authorization header is required")
			return
		}

		token := extractBearerToken(authHeader)
		if token == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			s.Logger.Warn("authentication failed: service key mismatch",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("source", source),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid service key")
			return
		}

		ctx := types.WithCaller(r.Context(), types.Caller{ID: "service", Type: types.CallerServiceKey, Source: source})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractBearerToken returns the token from "Bearer <token>" with a
// case-insensitive scheme (RFC 7235), or "" if the header has another form.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="subscription"`)
	Error(w, r, types.NewAppError(code, message, nil))
}
