package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/atmx/settlement-engine/internal/apperr"
	"github.com/atmx/settlement-engine/internal/httpx"
	"github.com/atmx/settlement-engine/internal/model"
)

// Identity is the verified caller.
type Identity struct {
	UserID string
	Role   model.Role
}

// IsAdmin reports whether the caller has the admin role.
func (id Identity) IsAdmin() bool { return id.Role == model.RoleAdmin }

type ctxKey int

const identityKey ctxKey = 1

// FromContext returns the identity attached by Authenticate.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// WithIdentity attaches id to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// Authenticate rejects requests without a valid bearer token.
func Authenticate(j JWT) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := bearerToken(r.Header.Get("Authorization"))
			if tok == "" {
				httpx.WriteError(w, r, apperr.New(apperr.Unauthorized, "missing bearer token"))
				return
			}
			claims, err := j.Verify(tok)
			if err != nil {
				httpx.WriteError(w, r, apperr.Wrap(apperr.Unauthorized, err, "invalid token"))
				return
			}
			id := Identity{UserID: claims.Subject, Role: claims.Role}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireAdmin rejects authenticated callers without the admin role.
// It must run after Authenticate.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, apperr.New(apperr.Unauthorized, "authentication required"))
			return
		}
		if !id.IsAdmin() {
			httpx.WriteError(w, r, apperr.New(apperr.Forbidden, "admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	parts := strings.SplitN(v, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
