// Package consent issues, validates and revokes consent tokens: signed,
// scoped, time-bounded grants from a user to an agent.
//
// Every issuance, validation, denial and revocation is written to the audit
// log before the caller sees the result. When the audit log or the rate
// limiter cannot answer, the operation is denied.
package consent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dropDatabas3/consentvault/internal/audit"
	"github.com/dropDatabas3/consentvault/internal/clock"
	"github.com/dropDatabas3/consentvault/internal/denial"
	"github.com/dropDatabas3/consentvault/internal/metrics"
	"github.com/dropDatabas3/consentvault/internal/observability/logger"
	"github.com/dropDatabas3/consentvault/internal/rate"
	"github.com/dropDatabas3/consentvault/internal/scope"
	"github.com/dropDatabas3/consentvault/internal/security/signing"
	"github.com/dropDatabas3/consentvault/internal/security/token"
)

const (
	DefaultTTL = time.Hour
	MaxTTL     = 30 * 24 * time.Hour
)

var ErrInvalidArgument = errors.New("consent: invalid argument")

// Config wires a Service. Keyring, Audit and Limiter are required.
type Config struct {
	Keyring *signing.Keyring
	Audit   *audit.Log
	Limiter rate.Limiter
	Clock   clock.Clock
	Policy  scope.Policy

	DefaultTTL time.Duration
	MaxTTL     time.Duration

	// IssueRate is keyed by agent, ValidateRate by (subject, expected scope).
	// A zero policy disables the gate.
	IssueRate    rate.Policy
	ValidateRate rate.Policy

	Logger *zap.Logger
}

type Service struct {
	keys    *signing.Keyring
	audit   *audit.Log
	limiter rate.Limiter
	clock   clock.Clock
	policy  scope.Policy

	defaultTTL time.Duration
	maxTTL     time.Duration
	issueRate  rate.Policy
	checkRate  rate.Policy

	revokes singleflight.Group
	log     *zap.Logger
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Keyring == nil || cfg.Audit == nil || cfg.Limiter == nil {
		return nil, errors.New("consent: keyring, audit log and limiter are required")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = MaxTTL
	}
	if cfg.DefaultTTL > cfg.MaxTTL {
		return nil, fmt.Errorf("consent: default ttl %s exceeds max ttl %s", cfg.DefaultTTL, cfg.MaxTTL)
	}
	lg := cfg.Logger
	if lg == nil {
		lg = logger.Named("consent")
	}
	return &Service{
		keys:       cfg.Keyring,
		audit:      cfg.Audit,
		limiter:    cfg.Limiter,
		clock:      clock.OrReal(cfg.Clock),
		policy:     cfg.Policy,
		defaultTTL: cfg.DefaultTTL,
		maxTTL:     cfg.MaxTTL,
		issueRate:  cfg.IssueRate,
		checkRate:  cfg.ValidateRate,
		log:        lg,
	}, nil
}

// Clock returns the service clock.
func (s *Service) Clock() clock.Clock { return s.clock }

// IssueRequest asks for a token granting Scope over Subject's vault to Agent.
type IssueRequest struct {
	Subject string
	Agent   string
	Scope   string
	// TTL defaults to the service default and is capped at its maximum.
	TTL time.Duration
}

// Issue mints a token. Denials are returned as *denial.Denial.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Token, error) {
	lg := logger.FromOr(ctx, s.log).With(logger.Component("consent"), logger.Op("issue"),
		logger.Subject(req.Subject), logger.Agent(req.Agent), logger.Scope(req.Scope))

	if req.Subject == "" || req.Agent == "" {
		return nil, fmt.Errorf("%w: subject and agent are required", ErrInvalidArgument)
	}
	sc, err := scope.Parse(req.Scope)
	if err != nil {
		lg.Info("issue denied", logger.Reason(string(denial.InvalidScope)))
		return nil, denial.Wrap(denial.InvalidScope, err)
	}
	if !s.policy.CanIssue(req.Agent, sc) {
		lg.Warn("issue denied", logger.Reason(string(denial.OwnerScopeRestricted)))
		return nil, denial.New(denial.OwnerScopeRestricted)
	}
	if d := s.gate(ctx, rate.AgentKey(req.Agent), s.issueRate); d != nil {
		lg.Info("issue denied", logger.Reason(string(d.Reason)), logger.RetryAfter(d.RetryAfter))
		return nil, d
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if ttl > s.maxTTL {
		ttl = s.maxTTL
	}
	now := s.clock.Now().UTC().Truncate(time.Second)
	exp := now.Add(ttl).Truncate(time.Second)
	if !exp.After(now) {
		exp = now.Add(time.Second)
	}

	id, err := token.NewConsentID()
	if err != nil {
		return nil, err
	}
	t := &Token{ID: id, Subject: req.Subject, Agent: req.Agent, Scope: sc, IssuedAt: now, ExpiresAt: exp}
	if err := encode(s.keys, t); err != nil {
		return nil, fmt.Errorf("consent: sign: %w", err)
	}

	_, err = s.audit.Append(ctx, audit.Event{
		Type:      audit.EventIssued,
		SubjectID: t.ID,
		Actor:     req.Agent,
		Detail: map[string]string{
			audit.DetailSubject:   t.Subject,
			audit.DetailAgent:     t.Agent,
			audit.DetailScope:     string(t.Scope),
			audit.DetailExpiresAt: t.ExpiresAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		lg.Error("issue failed: audit append", logger.Err(err))
		return nil, denial.Wrap(denial.AuditStoreUnavailable, err)
	}

	metrics.TokensIssued.WithLabelValues(string(sc)).Inc()
	lg.Info("token issued", logger.TokenID(t.ID), zap.Time("expires_at", t.ExpiresAt))
	return t, nil
}

// gate applies a rate policy. It returns nil when the call may proceed.
func (s *Service) gate(ctx context.Context, key string, p rate.Policy) *denial.Denial {
	if !p.Enabled() {
		return nil
	}
	res, err := s.limiter.CheckAndIncrement(ctx, key, p.Window, p.Limit)
	if err != nil {
		return denial.Wrap(denial.LimiterUnavailable, err)
	}
	if !res.Allowed {
		return denial.RateLimited(res.RetryAfter, res.Describe())
	}
	return nil
}

// Revoke records a revocation for tokenID. It is idempotent: revoking an
// already revoked token appends nothing. Unknown ids are revoked like known
// ones. Ids that are not consent token ids are ignored. A caller whose ctx
// ends first gets ctx.Err(), but the revocation already under way completes.
func (s *Service) Revoke(ctx context.Context, tokenID, actor, reason string) error {
	if tokenID == "" {
		return fmt.Errorf("%w: empty token id", ErrInvalidArgument)
	}
	if !token.IsConsentID(tokenID) {
		return nil
	}
	// The shared revocation outlives any single caller's ctx; the audit log
	// bounds it with its own OpTimeout.
	ch := s.revokes.DoChan(tokenID, func() (any, error) {
		return nil, s.revoke(context.WithoutCancel(ctx), tokenID, actor, reason)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) revoke(ctx context.Context, tokenID, actor, reason string) error {
	lg := logger.FromOr(ctx, s.log).With(logger.Component("consent"), logger.Op("revoke"), logger.TokenID(tokenID))

	already, err := s.audit.HasRevocation(ctx, tokenID)
	if err != nil {
		lg.Error("revoke failed: revocation lookup", logger.Err(err))
		return denial.Wrap(denial.AuditStoreUnavailable, err)
	}
	if already {
		return nil
	}
	detail := map[string]string{}
	if reason != "" {
		detail[audit.DetailRevokeNote] = reason
	}
	if _, err := s.audit.Append(ctx, audit.Event{
		Type:      audit.EventRevoked,
		SubjectID: tokenID,
		Actor:     actor,
		Detail:    detail,
	}); err != nil {
		lg.Error("revoke failed: audit append", logger.Err(err))
		return denial.Wrap(denial.AuditStoreUnavailable, err)
	}
	metrics.Revocations.WithLabelValues("consent").Inc()
	lg.Info("token revoked", zap.String("actor", actor))
	return nil
}

// IsRevoked reports whether tokenID has been revoked.
func (s *Service) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	return s.audit.HasRevocation(ctx, tokenID)
}

// History returns the audit stream of tokenID in append order.
func (s *Service) History(ctx context.Context, tokenID string) iter.Seq2[audit.Event, error] {
	return s.audit.History(ctx, tokenID)
}
