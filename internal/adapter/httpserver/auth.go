package httpserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

type apiKeyCtx struct{}

// KeyFrom returns the authenticated key attached by RequireAPIKey.
func KeyFrom(ctx context.Context) (domain.APIKey, bool) {
	k, ok := ctx.Value(apiKeyCtx{}).(domain.APIKey)
	return k, ok
}

// keyMaterial extracts the presented credential: X-API-Key wins, then
// Authorization: Bearer.
func keyMaterial(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// RequireAPIKey resolves the presented key material and attaches the key
// record to the request context. Missing or unknown material is a 401;
// the store's constant-time comparison keeps timing silent.
func (s *Server) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		material := keyMaterial(r)
		if material == "" {
			writeError(w, r, domain.Codef(domain.CodeUnauthorized, domain.ErrUnauthorized,
				"op=http.auth: api key required"), nil)
			return
		}
		key, err := s.Keys.Resolve(r.Context(), material)
		if err != nil {
			writeError(w, r, domain.Codef(domain.CodeUnauthorized, domain.ErrUnauthorized,
				"op=http.auth: invalid api key"), nil)
			return
		}
		ctx := context.WithValue(r.Context(), apiKeyCtx{}, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
