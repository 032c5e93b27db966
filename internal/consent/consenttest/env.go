// Package consenttest builds a consent.Service over in-memory backends for
// tests in dependent packages.
package consenttest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/consentvault/internal/audit"
	"github.com/dropDatabas3/consentvault/internal/audit/audittest"
	"github.com/dropDatabas3/consentvault/internal/clock"
	"github.com/dropDatabas3/consentvault/internal/consent"
	"github.com/dropDatabas3/consentvault/internal/rate"
	"github.com/dropDatabas3/consentvault/internal/scope"
	"github.com/dropDatabas3/consentvault/internal/security/signing"
)

// PrimaryIssuer is the agent id allowed to mint vault.owner in Env.
const PrimaryIssuer = "login.primary"

var Epoch = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type Env struct {
	Clock   *clock.FakeClock
	Keyring *signing.Keyring
	Store   *audittest.Flaky
	Log     *audit.Log
	Limiter rate.Limiter
	Policy  scope.Policy
	Service *consent.Service
}

// Option tweaks the consent.Config before the service is built.
type Option func(*consent.Config)

func WithLimiter(l rate.Limiter) Option {
	return func(c *consent.Config) { c.Limiter = l }
}

func WithValidateRate(limit int64, window time.Duration) Option {
	return func(c *consent.Config) { c.ValidateRate = rate.Policy{Limit: limit, Window: window} }
}

func WithIssueRate(limit int64, window time.Duration) Option {
	return func(c *consent.Config) { c.IssueRate = rate.Policy{Limit: limit, Window: window} }
}

func New(t *testing.T, opts ...Option) *Env {
	t.Helper()
	clk := clock.Fake(Epoch)
	kr, err := signing.NewKeyring("k1", map[string][]byte{"k1": bytes.Repeat([]byte{0x42}, signing.MinSecretSize)})
	require.NoError(t, err)

	store := audittest.NewFlaky(audit.NewMemoryStore())
	sealer, err := audit.NewSealer(bytes.Repeat([]byte{0x24}, audit.SealKeySize))
	require.NoError(t, err)
	log, err := audit.NewLog(store, audit.Options{Clock: clk, Sealer: sealer})
	require.NoError(t, err)

	policy := scope.Policy{PrimaryIssuer: PrimaryIssuer, WildcardAgents: []string{"internal.indexer"}}
	cfg := consent.Config{
		Keyring: kr,
		Audit:   log,
		Limiter: rate.NewMemoryLimiter(clk),
		Clock:   clk,
		Policy:  policy,
	}
	for _, o := range opts {
		o(&cfg)
	}
	svc, err := consent.NewService(cfg)
	require.NoError(t, err)

	return &Env{Clock: clk, Keyring: kr, Store: store, Log: log, Limiter: cfg.Limiter, Policy: policy, Service: svc}
}

// Issue mints a token or fails the test.
func (e *Env) Issue(t *testing.T, subject, agent, sc string, ttl time.Duration) *consent.Token {
	t.Helper()
	tok, err := e.Service.Issue(context.Background(), consent.IssueRequest{Subject: subject, Agent: agent, Scope: sc, TTL: ttl})
	require.NoError(t, err)
	return tok
}

// EventTypes returns the audit stream of id as a list of event types.
func (e *Env) EventTypes(t *testing.T, id string) []audit.EventType {
	t.Helper()
	events, err := e.Log.Events(context.Background(), id)
	require.NoError(t, err)
	out := make([]audit.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}
