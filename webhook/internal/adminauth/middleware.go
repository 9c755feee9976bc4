package adminauth

import (
	"context"
	"errors"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ticketdesk/boxoffice/common/httputil"
	"github.com/ticketdesk/boxoffice/common/logging"
)

type contextKey string

const claimsKey contextKey = "admin_claims"

// ClaimsFromContext returns the claims stored by RequireRole.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}

// RequireRole rejects requests without a valid bearer token carrying role.
// Missing or bad tokens get 401, a valid token without the role gets 403.
func RequireRole(tokens *Tokens, role string, logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokens == nil {
				httputil.WriteErrorCode(w, http.StatusServiceUnavailable, "admin_disabled", ErrNoSecret.Error())
				return
			}

			raw := httputil.BearerToken(r)
			if raw == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="boxoffice"`)
				httputil.WriteErrorCode(w, http.StatusUnauthorized, "unauthorized", ErrMissingBearer.Error())
				return
			}

			claims, err := tokens.Validate(raw)
			if err != nil {
				msg := "invalid or expired token"
				if errors.Is(err, jwt.ErrTokenExpired) {
					msg = "token expired"
				}
				logger.SecurityContext(r.Context(), "admin token rejected",
					logging.Path(r.URL.Path), logging.Error(err))
				w.Header().Set("WWW-Authenticate", `Bearer realm="boxoffice", error="invalid_token"`)
				httputil.WriteErrorCode(w, http.StatusUnauthorized, "unauthorized", msg)
				return
			}

			if !claims.HasRole(role) {
				logger.SecurityContext(r.Context(), "admin token lacks role",
					logging.Path(r.URL.Path), "subject", claims.Subject, "role", role)
				httputil.WriteErrorCode(w, http.StatusForbidden, "forbidden", ErrMissingRole.Error())
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
