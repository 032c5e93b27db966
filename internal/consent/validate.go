package consent

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/consentvault/internal/audit"
	"github.com/dropDatabas3/consentvault/internal/denial"
	"github.com/dropDatabas3/consentvault/internal/metrics"
	"github.com/dropDatabas3/consentvault/internal/observability/logger"
	"github.com/dropDatabas3/consentvault/internal/rate"
	"github.com/dropDatabas3/consentvault/internal/scope"
)

// Outcome is the result of a validation. OK is true only when every check
// passed and the VALIDATED event was recorded.
type Outcome struct {
	OK         bool
	Reason     denial.Reason
	Message    string
	RetryAfter time.Duration
	// Limit describes the rate limit that was hit, e.g. "3 requests per 1m0s".
	Limit string
	// Token is set once the signature has been verified, also on denials.
	Token *Token
}

// Err returns the outcome as a *denial.Denial, or nil when OK.
func (o Outcome) Err() error {
	if o.OK {
		return nil
	}
	return &denial.Denial{Reason: o.Reason, Message: o.Message, RetryAfter: o.RetryAfter, Limit: o.Limit}
}

func allow(t *Token) Outcome { return Outcome{OK: true, Token: t} }

func deny(r denial.Reason, t *Token) Outcome {
	return Outcome{Reason: r, Message: r.Message(), Token: t}
}

func fromDenial(d *denial.Denial, t *Token) Outcome {
	return Outcome{Reason: d.Reason, Message: d.Message, RetryAfter: d.RetryAfter, Limit: d.Limit, Token: t}
}

// Validate checks raw against the expected scope.
//
// Checks run in this order: structure, signature, rate limit, expiry, scope,
// subject (ValidateFor only), revocation. Failures after the signature check
// are recorded as DENIED. The returned error is non-nil only for
// infrastructure faults, in which case the outcome is a denial too.
//
// A credential that fails the signature check is charged to a separate
// budget (rate.BadSignatureKey), so forged credentials naming a subject never
// consume that subject's validation budget.
func (s *Service) Validate(ctx context.Context, raw string, expected scope.Scope) (Outcome, error) {
	return s.ValidateAny(ctx, raw, expected)
}

// ValidateAny is Validate where any one of expected suffices. The rate limit
// is keyed by the first expected scope.
func (s *Service) ValidateAny(ctx context.Context, raw string, expected ...scope.Scope) (Outcome, error) {
	return s.ValidateFor(ctx, raw, "", expected...)
}

// ValidateFor is ValidateAny for a resource owned by subject. A token issued
// for another subject is denied with subject_mismatch and recorded as DENIED.
// An empty subject accepts any.
func (s *Service) ValidateFor(ctx context.Context, raw, subject string, expected ...scope.Scope) (Outcome, error) {
	out, err := s.validate(ctx, raw, subject, expected)
	result := "ok"
	if !out.OK {
		result = string(out.Reason)
	}
	metrics.Validations.WithLabelValues("consent", result).Inc()
	return out, err
}

func (s *Service) validate(ctx context.Context, raw, subject string, expected []scope.Scope) (Outcome, error) {
	lg := logger.FromOr(ctx, s.log).With(logger.Component("consent"), logger.Op("validate"))

	if len(expected) == 0 {
		return deny(denial.InvalidScope, nil), nil
	}
	for _, e := range expected {
		if !e.Valid() {
			return deny(denial.InvalidScope, nil), nil
		}
	}

	c, kid, err := decodeUnverified(raw)
	if err != nil {
		lg.Debug("validate denied: malformed credential", logger.Err(err))
		return deny(denial.InvalidSignature, nil), nil
	}

	t, err := verify(s.keys, raw, kid)
	if err != nil {
		lg.Info("validate denied: signature", logger.Subject(c.Subject))
		if d := s.gate(ctx, rate.BadSignatureKey(c.Subject, string(expected[0])), s.checkRate); d != nil {
			return s.rejected(lg, d, nil)
		}
		return deny(denial.InvalidSignature, nil), nil
	}
	lg = lg.With(logger.TokenID(t.ID), logger.Subject(t.Subject), logger.Agent(t.Agent))

	if d := s.gate(ctx, rate.SubjectScopeKey(t.Subject, string(expected[0])), s.checkRate); d != nil {
		return s.rejected(lg, d, t)
	}

	now := s.clock.Now()
	if t.Expired(now) {
		return s.denied(ctx, lg, t, denial.TokenExpired, expected)
	}
	if !grants(t.Scope, expected) {
		return s.denied(ctx, lg, t, denial.ScopeMismatch, expected)
	}
	if subject != "" && t.Subject != subject {
		return s.denied(ctx, lg, t, denial.SubjectMismatch, expected)
	}
	revoked, err := s.audit.HasRevocation(ctx, t.ID)
	if err != nil {
		lg.Error("validate failed: revocation lookup", logger.Err(err))
		return deny(denial.AuditStoreUnavailable, t), err
	}
	if revoked {
		return s.denied(ctx, lg, t, denial.TokenRevoked, expected)
	}

	if _, err := s.audit.Append(ctx, audit.Event{
		Type:      audit.EventValidated,
		SubjectID: t.ID,
		Actor:     t.Agent,
		Detail: map[string]string{
			audit.DetailExpected: joinScopes(expected),
			audit.DetailScope:    string(t.Scope),
		},
	}); err != nil {
		lg.Error("validate failed: audit append", logger.Err(err))
		return deny(denial.AuditStoreUnavailable, t), err
	}
	lg.Debug("token validated", logger.Scope(string(t.Scope)))
	return allow(t), nil
}

// rejected turns a rate gate denial into an outcome. Limiter faults return
// their cause.
func (s *Service) rejected(lg *zap.Logger, d *denial.Denial, t *Token) (Outcome, error) {
	lg.Info("validate denied", logger.Reason(string(d.Reason)), logger.RetryAfter(d.RetryAfter))
	if d.Reason.Infrastructure() {
		return fromDenial(d, t), d.Err
	}
	return fromDenial(d, t), nil
}

// denied records a DENIED event for a verified token. If the record cannot be
// written the outcome keeps its reason and the audit error is returned.
func (s *Service) denied(ctx context.Context, lg *zap.Logger, t *Token, r denial.Reason, expected []scope.Scope) (Outcome, error) {
	lg.Info("validate denied", logger.Reason(string(r)))
	_, err := s.audit.Append(ctx, audit.Event{
		Type:      audit.EventDenied,
		SubjectID: t.ID,
		Actor:     t.Agent,
		Detail: map[string]string{
			audit.DetailReason:   string(r),
			audit.DetailExpected: joinScopes(expected),
		},
	})
	if err != nil {
		lg.Error("denied event not recorded", logger.Err(err))
		return deny(r, t), err
	}
	return deny(r, t), nil
}

func grants(held scope.Scope, expected []scope.Scope) bool {
	for _, e := range expected {
		if scope.IsSubset(e, held) {
			return true
		}
	}
	return false
}

func joinScopes(ss []scope.Scope) string {
	parts := make([]string, len(ss))
	for i, s := range ss {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

// IsInfrastructure reports whether err came from a backend fault.
func IsInfrastructure(err error) bool {
	return errors.Is(err, audit.ErrStoreUnavailable) || errors.Is(err, rate.ErrBackend) ||
		denial.ReasonOf(err).Infrastructure()
}
