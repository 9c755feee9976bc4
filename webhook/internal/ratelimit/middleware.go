package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/ticketdesk/boxoffice/common/httputil"
	"github.com/ticketdesk/boxoffice/common/logging"
)

// Header names written on every limited response.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// SetHeaders writes the X-RateLimit-* headers, and Retry-After when d refused
// the request.
func SetHeaders(w http.ResponseWriter, d Decision) {
	h := w.Header()
	h.Set(HeaderLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		h.Set(HeaderReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if !d.Allowed {
		secs := int(d.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		h.Set(HeaderRetryAfter, strconv.Itoa(secs))
	}
}

// Middleware enforces policy p on every request passing through it.
func Middleware(l Limiter, p Policy, keyFn KeyFunc, logger *logging.Logger) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = ClientRouteKey(false)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := l.Admit(r.Context(), keyFn(r), p)
			if err != nil {
				logger.ErrorContext(r.Context(), "rate limit policy invalid",
					logging.Policy(p.Name), logging.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			SetHeaders(w, d)
			if !d.Allowed {
				httputil.WriteErrorCode(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
