package gate

import (
	"errors"
	"net/http"
)

// Reason classifies why the gate refused an envelope.
type Reason string

const (
	ReasonMissingSignature        Reason = "missing_signature"
	ReasonBadFormat               Reason = "bad_format"
	ReasonSignatureMismatch       Reason = "signature_mismatch"
	ReasonTimestampOutOfTolerance Reason = "timestamp_out_of_tolerance"
	ReasonReplay                  Reason = "replay"
	ReasonSecretNotConfigured     Reason = "secret_not_configured"
)

// Rejection is returned by Verify when an envelope must not proceed.
// Its message never contains the secret or the computed signature.
type Rejection struct {
	Reason Reason
	detail string
}

func (r *Rejection) Error() string {
	if r.detail == "" {
		return "webhook rejected: " + string(r.Reason)
	}
	return "webhook rejected: " + string(r.Reason) + ": " + r.detail
}

// Is matches any Rejection with the same reason, so callers can write
// errors.Is(err, gate.ErrReplay).
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Reason == r.Reason
}

// HTTPStatus maps the rejection to a response code: 403 for replays,
// 401 for everything else.
func (r *Rejection) HTTPStatus() int {
	if r.Reason == ReasonReplay {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

func reject(reason Reason, detail string) *Rejection {
	return &Rejection{Reason: reason, detail: detail}
}

// Sentinels for errors.Is comparisons.
var (
	ErrMissingSignature        = &Rejection{Reason: ReasonMissingSignature}
	ErrBadFormat               = &Rejection{Reason: ReasonBadFormat}
	ErrSignatureMismatch       = &Rejection{Reason: ReasonSignatureMismatch}
	ErrTimestampOutOfTolerance = &Rejection{Reason: ReasonTimestampOutOfTolerance}
	ErrReplay                  = &Rejection{Reason: ReasonReplay}
	ErrSecretNotConfigured     = &Rejection{Reason: ReasonSecretNotConfigured}
)

// ErrReplayCacheUnavailable means the replay check could not run. It is not
// a rejection: the provider should redeliver later.
var ErrReplayCacheUnavailable = errors.New("replay cache unavailable")

// AsRejection unwraps err into a *Rejection if it is one.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
