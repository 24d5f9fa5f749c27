package httpx

import (
	"context"
	"net/http"
	"strings"

	"github.com/drewstone/docker-builder-platform/pkg/jwt"
)

// TokenVerifier validates bearer tokens. A nil verifier leaves the API open.
type TokenVerifier interface {
	Verify(token string) (*jwt.Claims, error)
}

// principal is the authenticated caller.
type principal struct {
	UserID   string
	Operator bool
}

type principalKey struct{}

type contextSetter interface {
	SetContext(context.Context)
}

// authenticate resolves the caller from its token before invoking next.
func (r *Router) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.tokens == nil {
			next(w, req)
			return
		}
		raw := credentials(req)
		if raw == "" {
			r.logger.Warn("request without credentials", "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		claims, err := r.tokens.Verify(raw)
		if err != nil {
			r.logger.Warn("token rejected", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		ctx := context.WithValue(req.Context(), principalKey{}, principal{
			UserID:   claims.UserID(),
			Operator: claims.Operator(),
		})
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// allowOperator writes 403 and returns false unless the caller holds the operator role.
func (r *Router) allowOperator(w http.ResponseWriter, req *http.Request) bool {
	if r.tokens == nil {
		return true
	}
	if p, ok := principalFrom(req.Context()); ok && p.Operator {
		return true
	}
	writeError(w, http.StatusForbidden, "operator role required")
	return false
}

func principalFrom(ctx context.Context) (principal, bool) {
	p, ok := ctx.Value(principalKey{}).(principal)
	return p, ok
}

// credentials reads the bearer token. Browsers cannot set headers on event streams or
// websockets, so the access_token query parameter is accepted as well.
func credentials(req *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(req.Header.Get("Authorization")), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(req.URL.Query().Get("access_token"))
}
