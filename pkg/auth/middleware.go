package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// PublicPaths never require a token.
var PublicPaths = []string{
	"/health",
	"/metrics",
	"/.well-known/",
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Middleware rejects requests without a valid bearer token. Requests to
// PublicPaths and to any of excluded (exact path or prefix ending in "/")
// pass through unauthenticated.
func Middleware(v TokenValidator, excluded ...string) func(http.Handler) http.Handler {
	skip := append(append([]string(nil), PublicPaths...), excluded...)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isExcluded(r.URL.Path, skip) {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				unauthorized(w, "missing Authorization header")
				return
			}
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				unauthorized(w, "invalid Authorization format, expected: Bearer <token>")
				return
			}

			claims, err := v.ValidateToken(r.Context(), token)
			if err != nil {
				slog.Debug("Rejected token", "path", r.URL.Path, "error", err)
				unauthorized(w, "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}

func isExcluded(path string, excluded []string) bool {
	for _, p := range excluded {
		if path == p || (strings.HasSuffix(p, "/") && strings.HasPrefix(path, p)) {
			return true
		}
	}
	return false
}

func unauthorized(w http.ResponseWriter, msg string) {
	var body errorBody
	body.Error.Code = "UNAUTHORIZED"
	body.Error.Message = msg
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="a2abridge"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(body)
}
