// Package audit is the append-only record of every consent token and trust
// link lifecycle event: issuance, validation, denial and revocation.
//
// Events are grouped in streams keyed by the credential id (tok_... or
// lnk_...). Within a stream events come back in append order. Each event is
// sealed with a keyed BLAKE3 MAC over its canonical CBOR form so rows
// altered at rest are detected when read back.
package audit

import (
	"errors"
	"fmt"
	"time"
)

type EventType string

const (
	EventIssued    EventType = "ISSUED"
	EventValidated EventType = "VALIDATED"
	EventRevoked   EventType = "REVOKED"
	EventDenied    EventType = "DENIED"
)

func (t EventType) Valid() bool {
	switch t {
	case EventIssued, EventValidated, EventRevoked, EventDenied:
		return true
	}
	return false
}

// Well-known Detail keys.
const (
	DetailSubject    = "subject"
	DetailAgent      = "agent"
	DetailScope      = "scope"
	DetailExpiresAt  = "expires_at"
	DetailReason     = "reason"
	DetailRootToken  = "root_token_id"
	DetailDelegator  = "delegator"
	DetailDelegate   = "delegate"
	DetailExpected   = "expected_scope"
	DetailRevokeNote = "note"
)

// Event is one immutable audit record.
type Event struct {
	ID        string            `json:"id" cbor:"id"`
	Type      EventType         `json:"type" cbor:"type"`
	SubjectID string            `json:"subject_id" cbor:"subject_id"`
	Actor     string            `json:"actor" cbor:"actor"`
	Timestamp time.Time         `json:"timestamp" cbor:"ts"`
	Detail    map[string]string `json:"detail,omitempty" cbor:"detail,omitempty"`
	Seal      []byte            `json:"seal,omitempty" cbor:"seal,omitempty"`
}

func (e Event) clone() Event {
	if e.Detail != nil {
		d := make(map[string]string, len(e.Detail))
		for k, v := range e.Detail {
			d[k] = v
		}
		e.Detail = d
	}
	if e.Seal != nil {
		e.Seal = append([]byte(nil), e.Seal...)
	}
	return e
}

var (
	// ErrStoreUnavailable wraps every backend failure surfaced by Log.
	ErrStoreUnavailable = errors.New("audit: store unavailable")
	// ErrTampered is yielded by History when a stored event fails its seal check.
	ErrTampered = errors.New("audit: event seal mismatch")

	ErrInvalidEvent = errors.New("audit: invalid event")
	ErrClosed       = errors.New("audit: store closed")
)

func validate(e Event) error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: type %q", ErrInvalidEvent, e.Type)
	}
	if e.SubjectID == "" {
		return fmt.Errorf("%w: empty subject id", ErrInvalidEvent)
	}
	return nil
}
