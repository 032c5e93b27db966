// Package denial holds the reason codes returned to callers when a consent
// operation is refused. Messages are safe to show to end users: they never
// reveal key material, which check failed first, or whether an id exists.
package denial

import (
	"errors"
	"fmt"
	"time"
)

type Reason string

const (
	InvalidScope          Reason = "invalid_scope"
	InvalidSignature      Reason = "invalid_signature"
	TokenExpired          Reason = "token_expired"
	TokenRevoked          Reason = "token_revoked"
	ScopeMismatch         Reason = "scope_mismatch"
	ScopeExceeded         Reason = "scope_exceeded"
	OwnerScopeRestricted  Reason = "owner_scope_restricted"
	SubjectMismatch       Reason = "subject_mismatch"
	AuthenticationFailed  Reason = "authentication_failed"
	RateLimitExceeded     Reason = "rate_limit_exceeded"
	AuditStoreUnavailable Reason = "audit_store_unavailable"
	LimiterUnavailable    Reason = "limiter_unavailable"
)

var messages = map[Reason]string{
	InvalidScope:          "the requested scope is not recognized",
	InvalidSignature:      "the credential could not be verified",
	TokenExpired:          "the credential has expired",
	TokenRevoked:          "the credential has been revoked",
	ScopeMismatch:         "the credential does not grant the required scope",
	ScopeExceeded:         "the requested scope exceeds what the delegator holds",
	OwnerScopeRestricted:  "this scope can only be granted through the owner login",
	SubjectMismatch:       "the credential was issued for a different user",
	AuthenticationFailed:  "the data could not be decrypted",
	RateLimitExceeded:     "too many requests",
	AuditStoreUnavailable: "the request could not be recorded, try again later",
	LimiterUnavailable:    "the request could not be admitted, try again later",
}

// Message is the human readable text for r.
func (r Reason) Message() string {
	if m, ok := messages[r]; ok {
		return m
	}
	return "the request was denied"
}

// Infrastructure reports whether r comes from a backend fault rather than
// from the credential itself.
func (r Reason) Infrastructure() bool {
	return r == AuditStoreUnavailable || r == LimiterUnavailable
}

func (r Reason) String() string { return string(r) }

// Denial is a refused operation. It is the error type returned by issue,
// delegate and decrypt paths.
type Denial struct {
	Reason     Reason
	Message    string
	RetryAfter time.Duration
	// Limit describes the rate limit that was hit, e.g. "10 requests per 1m0s".
	Limit string
	// Err is the underlying infrastructure error, if any. It is not part of
	// the user facing message.
	Err error
}

func New(r Reason) *Denial {
	return &Denial{Reason: r, Message: r.Message()}
}

// Wrap builds a denial for r that keeps cause for errors.Is/As.
func Wrap(r Reason, cause error) *Denial {
	return &Denial{Reason: r, Message: r.Message(), Err: cause}
}

// RateLimited builds a rate_limit_exceeded denial with retry information.
func RateLimited(retryAfter time.Duration, limit string) *Denial {
	msg := RateLimitExceeded.Message()
	if limit != "" {
		msg = fmt.Sprintf("%s (limit: %s)", msg, limit)
	}
	return &Denial{Reason: RateLimitExceeded, Message: msg, RetryAfter: retryAfter, Limit: limit}
}

func (d *Denial) Error() string {
	if d.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s, retry after %s", d.Reason, d.Message, d.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("%s: %s", d.Reason, d.Message)
}

func (d *Denial) Unwrap() error { return d.Err }

// Is matches any *Denial with the same reason.
func (d *Denial) Is(target error) bool {
	var t *Denial
	if errors.As(target, &t) {
		return t.Reason == d.Reason
	}
	return false
}

// As extracts a *Denial from err's chain.
func As(err error) (*Denial, bool) {
	var d *Denial
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// ReasonOf returns the denial reason carried by err, or "" when err is not a denial.
func ReasonOf(err error) Reason {
	if d, ok := As(err); ok {
		return d.Reason
	}
	return ""
}
