// Package trustlink lets an agent holding a consent token delegate part of
// its authority to another agent.
//
// A link never outlives its root token (plus the policy extension) and never
// carries more scope than the root token held when the link was issued.
// Revoking the root token invalidates every link derived from it.
package trustlink

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dropDatabas3/consentvault/internal/audit"
	"github.com/dropDatabas3/consentvault/internal/clock"
	"github.com/dropDatabas3/consentvault/internal/consent"
	"github.com/dropDatabas3/consentvault/internal/denial"
	"github.com/dropDatabas3/consentvault/internal/metrics"
	"github.com/dropDatabas3/consentvault/internal/observability/logger"
	"github.com/dropDatabas3/consentvault/internal/rate"
	"github.com/dropDatabas3/consentvault/internal/scope"
	"github.com/dropDatabas3/consentvault/internal/security/signing"
	"github.com/dropDatabas3/consentvault/internal/security/token"
)

var ErrInvalidArgument = errors.New("trustlink: invalid argument")

// Config wires a Service. Tokens, Keyring, Audit and Limiter are required.
type Config struct {
	Tokens  *consent.Service
	Keyring *signing.Keyring
	Audit   *audit.Log
	Limiter rate.Limiter
	Clock   clock.Clock
	Policy  scope.Policy

	// Extension is how far past the root token's expiry a link may live.
	Extension    time.Duration
	ValidateRate rate.Policy

	Logger *zap.Logger
}

type Service struct {
	tokens    *consent.Service
	keys      *signing.Keyring
	audit     *audit.Log
	limiter   rate.Limiter
	clock     clock.Clock
	policy    scope.Policy
	extension time.Duration
	checkRate rate.Policy

	revokes singleflight.Group
	log     *zap.Logger
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Tokens == nil || cfg.Keyring == nil || cfg.Audit == nil || cfg.Limiter == nil {
		return nil, errors.New("trustlink: tokens, keyring, audit log and limiter are required")
	}
	if cfg.Extension < 0 {
		return nil, fmt.Errorf("trustlink: negative extension %s", cfg.Extension)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = cfg.Tokens.Clock()
	}
	lg := cfg.Logger
	if lg == nil {
		lg = logger.Named("trustlink")
	}
	return &Service{
		tokens:    cfg.Tokens,
		keys:      cfg.Keyring,
		audit:     cfg.Audit,
		limiter:   cfg.Limiter,
		clock:     clk,
		policy:    cfg.Policy,
		extension: cfg.Extension,
		checkRate: cfg.ValidateRate,
		log:       lg,
	}, nil
}

type DelegateRequest struct {
	// DelegatorToken is the raw consent token of the delegating agent.
	DelegatorToken string
	Delegate       string
	Scope          string
	// TTL <= 0 lets the link live as long as the root token allows.
	TTL time.Duration
}

// Delegate issues a link granting req.Scope to req.Delegate. The delegator
// token is validated against the requested scope first, so the delegator must
// currently hold it.
func (s *Service) Delegate(ctx context.Context, req DelegateRequest) (*Link, error) {
	lg := logger.FromOr(ctx, s.log).With(logger.Component("trustlink"), logger.Op("delegate"),
		logger.Delegate(req.Delegate), logger.Scope(req.Scope))

	if req.Delegate == "" || req.DelegatorToken == "" {
		return nil, fmt.Errorf("%w: delegator token and delegate are required", ErrInvalidArgument)
	}
	sc, err := scope.Parse(req.Scope)
	if err != nil {
		return nil, denial.Wrap(denial.InvalidScope, err)
	}
	if !s.policy.CanDelegate(sc) {
		lg.Warn("delegate denied", logger.Reason(string(denial.OwnerScopeRestricted)))
		return nil, denial.New(denial.OwnerScopeRestricted)
	}

	out, err := s.tokens.Validate(ctx, req.DelegatorToken, sc)
	if !out.OK {
		r := out.Reason
		if r == denial.ScopeMismatch {
			r = denial.ScopeExceeded
		}
		lg.Info("delegate denied", logger.Reason(string(r)))
		d := &denial.Denial{Reason: r, Message: r.Message(), RetryAfter: out.RetryAfter, Err: err}
		if r == denial.RateLimitExceeded {
			d.Message, d.Limit = out.Message, out.Limit
		}
		return nil, d
	}
	root := out.Token
	if root.Agent == req.Delegate {
		return nil, fmt.Errorf("%w: agent %q cannot delegate to itself", ErrInvalidArgument, req.Delegate)
	}

	now := s.clock.Now().UTC().Truncate(time.Second)
	exp := root.ExpiresAt.Add(s.extension)
	if req.TTL > 0 {
		if byTTL := now.Add(req.TTL).Truncate(time.Second); byTTL.Before(exp) {
			exp = byTTL
		}
	}
	if !exp.After(now) {
		exp = now.Add(time.Second)
	}

	id, err := token.NewLinkID()
	if err != nil {
		return nil, err
	}
	l := &Link{
		ID:          id,
		Delegator:   root.Agent,
		Delegate:    req.Delegate,
		Scope:       sc,
		Subject:     root.Subject,
		RootTokenID: root.ID,
		IssuedAt:    now,
		ExpiresAt:   exp,
	}
	if err := encode(s.keys, l); err != nil {
		return nil, fmt.Errorf("trustlink: sign: %w", err)
	}

	if _, err := s.audit.Append(ctx, audit.Event{
		Type:      audit.EventIssued,
		SubjectID: l.ID,
		Actor:     l.Delegator,
		Detail: map[string]string{
			audit.DetailRootToken: l.RootTokenID,
			audit.DetailDelegator: l.Delegator,
			audit.DetailDelegate:  l.Delegate,
			audit.DetailScope:     string(l.Scope),
			audit.DetailSubject:   l.Subject,
			audit.DetailExpiresAt: l.ExpiresAt.Format(time.RFC3339),
		},
	}); err != nil {
		lg.Error("delegate failed: audit append", logger.Err(err))
		return nil, denial.Wrap(denial.AuditStoreUnavailable, err)
	}

	metrics.LinksDelegated.WithLabelValues(string(sc)).Inc()
	lg.Info("link issued", logger.LinkID(l.ID), logger.TokenID(l.RootTokenID), logger.Agent(l.Delegator))
	return l, nil
}

// Outcome is the result of a link validation.
type Outcome struct {
	OK         bool
	Reason     denial.Reason
	Message    string
	RetryAfter time.Duration
	// Limit describes the rate limit that was hit.
	Limit string
	Link  *Link
}

func (o Outcome) Err() error {
	if o.OK {
		return nil
	}
	return &denial.Denial{Reason: o.Reason, Message: o.Message, RetryAfter: o.RetryAfter, Limit: o.Limit}
}

func deny(r denial.Reason, l *Link) Outcome {
	return Outcome{Reason: r, Message: r.Message(), Link: l}
}

// Validate checks raw against expected. Besides the link's own signature,
// expiry, scope and revocation, the root token must not have been revoked.
// Rate limiting follows consent tokens: the (subject, scope) budget is charged
// only after the signature verifies, and shared with the subject's tokens.
func (s *Service) Validate(ctx context.Context, raw string, expected scope.Scope) (Outcome, error) {
	return s.ValidateAny(ctx, raw, expected)
}

// ValidateAny is Validate where any one of expected suffices.
func (s *Service) ValidateAny(ctx context.Context, raw string, expected ...scope.Scope) (Outcome, error) {
	return s.ValidateFor(ctx, raw, "", expected...)
}

// ValidateFor is ValidateAny for a resource owned by subject. A link for
// another subject is denied with subject_mismatch and recorded as DENIED.
// An empty subject accepts any.
func (s *Service) ValidateFor(ctx context.Context, raw, subject string, expected ...scope.Scope) (Outcome, error) {
	out, err := s.validate(ctx, raw, subject, expected)
	result := "ok"
	if !out.OK {
		result = string(out.Reason)
	}
	metrics.Validations.WithLabelValues("link", result).Inc()
	return out, err
}

func (s *Service) validate(ctx context.Context, raw, subject string, expected []scope.Scope) (Outcome, error) {
	lg := logger.FromOr(ctx, s.log).With(logger.Component("trustlink"), logger.Op("validate"))

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
		lg.Debug("validate denied: malformed link", logger.Err(err))
		return deny(denial.InvalidSignature, nil), nil
	}

	l, err := verify(s.keys, raw, kid)
	if err != nil {
		lg.Info("validate denied: signature", logger.Subject(c.Subject))
		if out, limited, err := s.gate(ctx, lg, rate.BadSignatureKey(c.Subject, string(expected[0])), nil); limited {
			return out, err
		}
		return deny(denial.InvalidSignature, nil), nil
	}
	lg = lg.With(logger.LinkID(l.ID), logger.TokenID(l.RootTokenID), logger.Delegate(l.Delegate))

	if out, limited, err := s.gate(ctx, lg, rate.SubjectScopeKey(l.Subject, string(expected[0])), l); limited {
		return out, err
	}

	if l.Expired(s.clock.Now()) {
		return s.denied(ctx, lg, l, denial.TokenExpired, expected)
	}
	if !grants(l.Scope, expected) {
		return s.denied(ctx, lg, l, denial.ScopeMismatch, expected)
	}
	if subject != "" && l.Subject != subject {
		return s.denied(ctx, lg, l, denial.SubjectMismatch, expected)
	}
	for _, id := range []string{l.ID, l.RootTokenID} {
		revoked, err := s.audit.HasRevocation(ctx, id)
		if err != nil {
			lg.Error("validate failed: revocation lookup", logger.Err(err))
			return deny(denial.AuditStoreUnavailable, l), err
		}
		if revoked {
			return s.denied(ctx, lg, l, denial.TokenRevoked, expected)
		}
	}

	if _, err := s.audit.Append(ctx, audit.Event{
		Type:      audit.EventValidated,
		SubjectID: l.ID,
		Actor:     l.Delegate,
		Detail: map[string]string{
			audit.DetailExpected:  joinScopes(expected),
			audit.DetailScope:     string(l.Scope),
			audit.DetailRootToken: l.RootTokenID,
		},
	}); err != nil {
		lg.Error("validate failed: audit append", logger.Err(err))
		return deny(denial.AuditStoreUnavailable, l), err
	}
	return Outcome{OK: true, Link: l}, nil
}

// gate charges key against the validation policy. limited is true when the
// call must stop with out (and err for limiter faults).
func (s *Service) gate(ctx context.Context, lg *zap.Logger, key string, l *Link) (out Outcome, limited bool, err error) {
	p := s.checkRate
	if !p.Enabled() {
		return Outcome{}, false, nil
	}
	res, err := s.limiter.CheckAndIncrement(ctx, key, p.Window, p.Limit)
	if err != nil {
		lg.Error("validate failed: limiter", logger.Err(err))
		return deny(denial.LimiterUnavailable, l), true, err
	}
	if !res.Allowed {
		d := denial.RateLimited(res.RetryAfter, res.Describe())
		lg.Info("validate denied", logger.Reason(string(d.Reason)), logger.RetryAfter(d.RetryAfter))
		return Outcome{Reason: d.Reason, Message: d.Message, RetryAfter: d.RetryAfter, Limit: d.Limit, Link: l}, true, nil
	}
	return Outcome{}, false, nil
}

func (s *Service) denied(ctx context.Context, lg *zap.Logger, l *Link, r denial.Reason, expected []scope.Scope) (Outcome, error) {
	lg.Info("validate denied", logger.Reason(string(r)))
	if _, err := s.audit.Append(ctx, audit.Event{
		Type:      audit.EventDenied,
		SubjectID: l.ID,
		Actor:     l.Delegate,
		Detail: map[string]string{
			audit.DetailReason:   string(r),
			audit.DetailExpected: joinScopes(expected),
		},
	}); err != nil {
		lg.Error("denied event not recorded", logger.Err(err))
		return deny(r, l), err
	}
	return deny(r, l), nil
}

// Revoke records a revocation for linkID. Same rules as consent tokens:
// idempotent, unknown ids are revoked, foreign ids are ignored, and a caller
// whose ctx ends first gets ctx.Err() while the revocation completes.
func (s *Service) Revoke(ctx context.Context, linkID, actor, reason string) error {
	if linkID == "" {
		return fmt.Errorf("%w: empty link id", ErrInvalidArgument)
	}
	if !token.IsLinkID(linkID) {
		return nil
	}
	// The shared revocation outlives any single caller's ctx; the audit log
	// bounds it with its own OpTimeout.
	ctx, waitCtx := context.WithoutCancel(ctx), ctx
	ch := s.revokes.DoChan(linkID, func() (any, error) {
		lg := logger.FromOr(ctx, s.log).With(logger.Component("trustlink"), logger.Op("revoke"), logger.LinkID(linkID))
		already, err := s.audit.HasRevocation(ctx, linkID)
		if err != nil {
			lg.Error("revoke failed: revocation lookup", logger.Err(err))
			return nil, denial.Wrap(denial.AuditStoreUnavailable, err)
		}
		if already {
			return nil, nil
		}
		detail := map[string]string{}
		if reason != "" {
			detail[audit.DetailRevokeNote] = reason
		}
		if _, err := s.audit.Append(ctx, audit.Event{
			Type:      audit.EventRevoked,
			SubjectID: linkID,
			Actor:     actor,
			Detail:    detail,
		}); err != nil {
			lg.Error("revoke failed: audit append", logger.Err(err))
			return nil, denial.Wrap(denial.AuditStoreUnavailable, err)
		}
		metrics.Revocations.WithLabelValues("link").Inc()
		lg.Info("link revoked", zap.String("actor", actor))
		return nil, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-waitCtx.Done():
		return waitCtx.Err()
	}
}

// History returns the audit stream of linkID in append order.
func (s *Service) History(ctx context.Context, linkID string) iter.Seq2[audit.Event, error] {
	return s.audit.History(ctx, linkID)
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
