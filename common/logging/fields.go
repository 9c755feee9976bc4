package logging

import "log/slog"

// Common field names for consistent logging across the service and CLI.
const (
	FieldService   = "service"
	FieldRequestID = "request_id"
	FieldIP        = "ip"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
	FieldSource    = "source"
	FieldEventID   = "event_id"
	FieldEventType = "event_type"
	FieldReason    = "reason"
	FieldKey       = "key"
	FieldPolicy    = "policy"
	FieldResource  = "resource_id"
	FieldTier      = "tier"
	FieldQuantity  = "quantity"
	FieldAvailable = "available"
	FieldToken     = "idempotency_token"
	FieldSeverity  = "severity"
	FieldSecurity  = "security"
)

// SeverityCritical marks entries that must page someone.
const SeverityCritical = "critical"

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// IP returns a slog attribute for the client IP address.
func IP(ip string) slog.Attr {
	return slog.String(FieldIP, ip)
}

// Method returns a slog attribute for the HTTP method.
func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

// Path returns a slog attribute for the HTTP path.
func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error. A nil error yields an empty value.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

// Source returns a slog attribute for the webhook provider.
func Source(source string) slog.Attr {
	return slog.String(FieldSource, source)
}

// EventID returns a slog attribute for a provider event ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// EventType returns a slog attribute for a provider event type.
func EventType(t string) slog.Attr {
	return slog.String(FieldEventType, t)
}

// Reason returns a slog attribute for a rejection reason.
func Reason(reason string) slog.Attr {
	return slog.String(FieldReason, reason)
}

// Key returns a slog attribute for a rate-limit or idempotency key.
func Key(key string) slog.Attr {
	return slog.String(FieldKey, key)
}

// Policy returns a slog attribute for a rate-limit policy name.
func Policy(name string) slog.Attr {
	return slog.String(FieldPolicy, name)
}

// Resource returns a slog attribute for an inventory resource ID.
func Resource(id string) slog.Attr {
	return slog.String(FieldResource, id)
}

// Tier returns a slog attribute for an inventory tier.
func Tier(tier string) slog.Attr {
	return slog.String(FieldTier, tier)
}

// Quantity returns a slog attribute for a requested quantity.
func Quantity(n int) slog.Attr {
	return slog.Int(FieldQuantity, n)
}

// Available returns a slog attribute for an available count.
func Available(n int) slog.Attr {
	return slog.Int(FieldAvailable, n)
}

// Token returns a slog attribute for an idempotency token.
func Token(token string) slog.Attr {
	return slog.String(FieldToken, token)
}
