package ratelimit

import (
	"net/http"

	"github.com/ticketdesk/boxoffice/common/httputil"
	"github.com/ticketdesk/boxoffice/webhook/internal/models"
)

// KeyFunc derives the identity key for a request.
type KeyFunc func(r *http.Request) string

// ClientRouteKey keys on the client IP plus the request path.
func ClientRouteKey(trustProxy bool) KeyFunc {
	return func(r *http.Request) string {
		return httputil.ClientIP(r, trustProxy) + ":" + r.URL.Path
	}
}

// SourceKey is the key for webhook ingestion from one provider.
func SourceKey(source models.Source) string {
	return "webhook:" + string(source)
}
