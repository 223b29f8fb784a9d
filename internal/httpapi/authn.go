package httpapi

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"campusgate.org/internal/access"
	"campusgate.org/internal/audit"
	"campusgate.org/internal/ids"
)

// campusOverrideHeader names the campus a privileged caller wants a request
// scoped to. Ignored for everyone else.
const campusOverrideHeader = "X-Campus-ID"

type authClaims struct {
	Role     string   `json:"role"`
	Campus   string   `json:"campus"`
	Campuses []string `json:"campuses,omitempty"`
	jwt.RegisteredClaims
}

func isPublicPath(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics", "/v1/info":
		return true
	}
	return false
}

// authenticate verifies the bearer token and stashes the resulting actor,
// the requested campus override and a request id on the context.
func authenticate(secret string, next http.Handler) http.Handler {
	key := []byte(secret)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "missing bearer token"))
			return
		}
		raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))

		var claims authClaims
		_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "invalid bearer token"))
			return
		}

		role, ok := access.ParseRole(claims.Role)
		if !ok {
			writeJSON(w, http.StatusForbidden, errorBody("unknown_role", "token carries an unknown role"))
			return
		}
		if claims.Subject == "" || claims.Campus == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "token is missing subject or campus"))
			return
		}

		actor := access.Actor{
			ID:                  claims.Subject,
			Role:                role,
			HomeCampusID:        claims.Campus,
			AccessibleCampusIDs: claims.Campuses,
		}

		ctx := access.ContextWithActor(r.Context(), actor)
		ctx = access.ContextWithOverride(ctx, r.Header.Get(campusOverrideHeader))
		ctx = audit.WithRequestID(ctx, ids.New())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
