package consent_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/consentvault/internal/audit"
	"github.com/dropDatabas3/consentvault/internal/consent"
	"github.com/dropDatabas3/consentvault/internal/consent/consenttest"
	"github.com/dropDatabas3/consentvault/internal/denial"
	"github.com/dropDatabas3/consentvault/internal/rate"
	"github.com/dropDatabas3/consentvault/internal/scope"
	"github.com/dropDatabas3/consentvault/internal/security/signing"
	"github.com/dropDatabas3/consentvault/internal/security/token"
)

var (
	foodRead    = scope.MustParse("vault.read.food")
	financeRead = scope.MustParse("vault.read.finance")
)

func TestIssue_ThenValidate(t *testing.T) {
	env := consenttest.New(t)
	ctx := context.Background()

	tok := env.Issue(t, "usr_1", "agent_food", "vault.read.food", 0)
	require.True(t, strings.HasPrefix(tok.Raw, consent.Prefix))
	require.True(t, token.IsConsentID(tok.ID))
	require.Equal(t, "k1", tok.KID)
	require.Equal(t, consenttest.Epoch, tok.IssuedAt)
	require.Equal(t, consenttest.Epoch.Add(consent.DefaultTTL), tok.ExpiresAt)
	require.NotEmpty(t, tok.Signature)

	out, err := env.Service.Validate(ctx, tok.Raw, foodRead)
	require.NoError(t, err)
	require.True(t, out.OK)
	require.NoError(t, out.Err())
	require.Equal(t, tok.ID, out.Token.ID)
	require.Equal(t, "usr_1", out.Token.Subject)
	require.Equal(t, "agent_food", out.Token.Agent)
	require.Equal(t, foodRead, out.Token.Scope)
	require.True(t, out.Token.ExpiresAt.Equal(tok.ExpiresAt))

	require.Equal(t, []audit.EventType{audit.EventIssued, audit.EventValidated}, env.EventTypes(t, tok.ID))
}

func TestIssue_AuditDetail(t *testing.T) {
	env := consenttest.New(t)
	tok := env.Issue(t, "usr_1", "agent_food", "vault.read.food", time.Hour)

	events, err := env.Log.Events(context.Background(), tok.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	e := events[0]
	require.Equal(t, audit.EventIssued, e.Type)
	require.Equal(t, "agent_food", e.Actor)
	require.Equal(t, "usr_1", e.Detail[audit.DetailSubject])
	require.Equal(t, "vault.read.food", e.Detail[audit.DetailScope])
	require.Equal(t, tok.ExpiresAt.Format(time.RFC3339), e.Detail[audit.DetailExpiresAt])
	require.NotContains(t, e.Detail, "raw")
	for _, v := range e.Detail {
		require.NotContains(t, v, tok.Raw)
	}
}

func TestValidate_ScopeMismatchIsRecorded(t *testing.T) {
	env := consenttest.New(t)
	tok := env.Issue(t, "usr_1", "agent_food", "vault.read.food", 0)

	out, err := env.Service.Validate(context.Background(), tok.Raw, financeRead)
	require.NoError(t, err)
	require.False(t, out.OK)
	require.Equal(t, denial.ScopeMismatch, out.Reason)
	require.Equal(t, denial.ScopeMismatch.Message(), out.Message)
	require.Equal(t, denial.ScopeMismatch, denial.ReasonOf(out.Err()))

	require.Equal(t, []audit.EventType{audit.EventIssued, audit.EventDenied}, env.EventTypes(t, tok.ID))
	events, err := env.Log.Events(context.Background(), tok.ID)
	require.NoError(t, err)
	require.Equal(t, string(denial.ScopeMismatch), events[1].Detail[audit.DetailReason])
}

func TestValidate_ExpiryBoundary(t *testing.T) {
	env := consenttest.New(t)
	ctx := context.Background()
	tok := env.Issue(t, "usr_1", "agent_food", "vault.read.food", 10*time.Minute)

	env.Clock.Set(tok.ExpiresAt.Add(-time.Second))
	out, err := env.Service.Validate(ctx, tok.Raw, foodRead)
	require.NoError(t, err)
	require.True(t, out.OK)

	env.Clock.Set(tok.ExpiresAt)
	out, err = env.Service.Validate(ctx, tok.Raw, foodRead)
	require.NoError(t, err)
	require.Equal(t, denial.TokenExpired, out.Reason)
}

func TestIssue_TTLDefaultsAndCap(t *testing.T) {
	env := consenttest.New(t)
	tok := env.Issue(t, "usr_1", "agent_food", "vault.read.food", 365*24*time.Hour)
	require.Equal(t, consenttest.Epoch.Add(consent.MaxTTL), tok.ExpiresAt)

	tok = env.Issue(t, "usr_1", "agent_food", "vault.read.food", 1500*time.Millisecond)
	require.Equal(t, consenttest.Epoch.Add(time.Second), tok.ExpiresAt, "second resolution")
}

func TestIssue_InvalidScope(t *testing.T) {
	env := consenttest.New(t)
	for _, sc := range []string{"vault.read.unknown", "VAULT.OWNER", "", "vault.read.food "} {
		_, err := env.Service.Issue(context.Background(), consent.IssueRequest{Subject: "usr_1", Agent: "a", Scope: sc})
		require.Equal(t, denial.InvalidScope, denial.ReasonOf(err), sc)
		var ise *scope.InvalidScopeError
		require.True(t, errors.As(err, &ise), sc)
	}
}

func TestIssue_RequiresSubjectAndAgent(t *testing.T) {
	env := consenttest.New(t)
	_, err := env.Service.Issue(context.Background(), consent.IssueRequest{Agent: "a", Scope: "vault.read.food"})
	require.ErrorIs(t, err, consent.ErrInvalidArgument)
	_, err = env.Service.Issue(context.Background(), consent.IssueRequest{Subject: "u", Scope: "vault.read.food"})
	require.ErrorIs(t, err, consent.ErrInvalidArgument)
}

func TestIssue_OwnerScopeRestricted(t *testing.T) {
	env := consenttest.New(t)
	ctx := context.Background()

	_, err := env.Service.Issue(ctx, consent.IssueRequest{Subject: "usr_1", Agent: "agent_food", Scope: "vault.owner"})
	require.Equal(t, denial.OwnerScopeRestricted, denial.ReasonOf(err))

	_, err = env.Service.Issue(ctx, consent.IssueRequest{Subject: "usr_1", Agent: "agent_food", Scope: "*"})
	require.Equal(t, denial.OwnerScopeRestricted, denial.ReasonOf(err))

	owner := env.Issue(t, "usr_1", consenttest.PrimaryIssuer, "vault.owner", 0)
	out, err := env.Service.Validate(ctx, owner.Raw, scope.VaultOwner)
	require.NoError(t, err)
	require.True(t, out.OK)

	// vault.owner is atomic: it does not imply vault.read.*
	out, err = env.Service.Validate(ctx, owner.Raw, foodRead)
	require.NoError(t, err)
	require.Equal(t, denial.ScopeMismatch, out.Reason)
}

func TestValidate_WildcardGrantsEveryScope(t *testing.T) {
	env := consenttest.New(t)
	ctx := context.Background()
	tok := env.Issue(t, "usr_1", "internal.indexer", "*", 0)

	for _, sc := range []scope.Scope{foodRead, financeRead, scope.AgentKaiAnalyze, scope.VaultOwner} {
		out, err := env.Service.Validate(ctx, tok.Raw, sc)
		require.NoError(t, err)
		require.True(t, out.OK, sc)
	}
}

func TestValidateAny(t *testing.T) {
	env := consenttest.New(t)
	ctx := context.Background()
	tok := env.Issue(t, "usr_1", "agent_food", "vault.read.food", 0)

	out, err := env.Service.ValidateAny(ctx, tok.Raw, financeRead, foodRead)
	require.NoError(t, err)
	require.True(t, out.OK)

	out, err = env.Service.ValidateAny(ctx, tok.Raw)
	require.NoError(t, err)
	require.Equal(t, denial.InvalidScope, out.Reason)

	out, err = env.Service.Validate(ctx, tok.Raw, scope.Scope("vault.read.nope"))
	require.NoError(t, err)
	require.Equal(t, denial.InvalidScope, out.Reason)
}

func TestValidate_TamperedAndMalformed(t *testing.T) {
	env := consenttest.New(t)
	ctx := context.Background()
	tok := env.Issue(t, "usr_1", "agent_food", "vault.read.food", 0)

	// Re-sign the same claims with a different key: structurally valid, wrong signature.
	other, err := signing.NewKeyring("k1", map[string][]byte{"k1": []byte(strings.Repeat("z", signing.MinSecretSize))})
	require.NoError(t, err)
	forged := forge(t, other, tok, scope.MustParse("vault.read.finance"))

	// Swap the payload of the real token for one granting a wider scope.
	parts := strings.Split(strings.TrimPrefix(tok.Raw, consent.Prefix), ".")
	forgedParts := strings.Split(strings.TrimPrefix(forged, consent.Prefix), ".")
	spliced := consent.Prefix + parts[0] + "." + forgedParts[1] + "." + parts[2]

	for name, raw := range map[string]string{
		"forged":     forged,
		"spliced":    spliced,
		"empty":      "",
		"no prefix":  strings.TrimPrefix(tok.Raw, consent.Prefix),
		"garbage":    consent.Prefix + "not.a.jwt",
		"link typed": "cvl_" + strings.TrimPrefix(tok.Raw, consent.Prefix),
	} {
		out, err := env.Service.Validate(ctx, raw, foodRead)
		require.NoError(t, err, name)
		require.False(t, out.OK, name)
		require.Equal(t, denial.InvalidSignature, out.Reason, name)
		require.Nil(t, out.Token, name)
	}

	// Nothing after ISSUED: unauthenticated attempts are not recorded on the stream.
	require.Equal(t, []audit.EventType{audit.EventIssued}, env.EventTypes(t, tok.ID))
}

func TestValidate_UnknownKID(t *testing.T) {
	env := consenttest.New(t)
	other, err := signing.NewKeyring("k9", map[string][]byte{"k9": []byte(strings.Repeat("q", signing.MinSecretSize))})
	require.NoError(t, err)
	tok := env.Issue(t, "usr_1", "agent_food", "vault.read.food", 0)
	forged := forge(t, other, tok, foodRead)

	out, err := env.Service.Validate(context.Background(), forged, foodRead)
	require.NoError(t, err)
	require.Equal(t, denial.InvalidSignature, out.Reason)
}

func TestValidate_KeyRotation(t *testing.T) {
	env := consenttest.New(t)
	ctx := context.Background()
	old := env.Issue(t, "usr_1", "agent_food", "vault.read.food", 0)

	require.NoError(t, env.Keyring.Rotate("k2", []byte(strings.Repeat("r", signing.MinSecretSize))))
	fresh := env.Issue(t, "usr_1", "agent_food", "vault.read.food", 0)
	require.Equal(t, "k2", fresh.KID)

	for _, tok := range []*consent.Token{old, fresh} {
		out, err := env.Service.Validate(ctx, tok.Raw, foodRead)
		require.NoError(t, err)
		require.True(t, out.OK, tok.KID)
	}

	require.NoError(t, env.Keyring.Remove("k1"))
	out, err := env.Service.Validate(ctx, old.Raw, foodRead)
	require.NoError(t, err)
	require.Equal(t, denial.InvalidSignature, out.Reason)
}

func TestRevoke(t *testing.T) {
	env := consenttest.New(t)
	ctx := context.Background()
	tok := env.Issue(t, "usr_1", "agent_food", "vault.read.food", 0)

	require.NoError(t, env.Service.Revoke(ctx, tok.ID, "usr_1", "user request"))
	require.NoError(t, env.Service.Revoke(ctx, tok.ID, "usr_1", "again"))

	out, err := env.Service.Validate(ctx, tok.Raw, foodRead)
	require.NoError(t, err)
	require.Equal(t, denial.TokenRevoked, out.Reason)
	require.Equal(t, []audit.EventType{audit.EventIssued, audit.EventRevoked, audit.EventDenied}, env.EventTypes(t, tok.ID))

	revoked, err := env.Service.IsRevoked(ctx, tok.ID)
	require.NoError(t, err)
	require.True(t, revoked)

	events, err := env.Log.Events(ctx, tok.ID)
	require.NoError(t, err)
	require.Equal(t, "usr_1", events[1].Actor)
	require.Equal(t, "user request", events[1].Detail[audit.DetailRevokeNote])
}

func TestRevoke_UnknownAndForeignIDs(t *testing.T) {
	env := consenttest.New(t)
	ctx := context.Background()

	unknown, err := token.NewConsentID()
	require.NoError(t, err)
	require.NoError(t, env.Service.Revoke(ctx, unknown, "ops", ""))
	require.Equal(t, []audit.EventType{audit.EventRevoked}, env.EventTypes(t, unknown))

	link, err := token.NewLinkID()
	require.NoError(t, err)
	require.NoError(t, env.Service.Revoke(ctx, link, "ops", ""))
	require.Empty(t, env.EventTypes(t, link))
	require.NoError(t, env.Service.Revoke(ctx, "tok_short", "ops", ""))
	require.Empty(t, env.EventTypes(t, "tok_short"))

	require.ErrorIs(t, env.Service.Revoke(ctx, "", "ops", ""), consent.ErrInvalidArgument)
}

func TestInspect(t *testing.T) {
	env := consenttest.New(t)
	tok := env.Issue(t, "usr_1", "agent_food", "vault.read.food", 0)
	got, err := consent.Inspect(tok.Raw)
	require.NoError(t, err)
	require.Equal(t, tok.ID, got.ID)
	require.Equal(t, "k1", got.KID)

	_, err = consent.Inspect("cvt_nope")
	require.ErrorIs(t, err, signing.ErrMalformed)
}

func TestNewService_RequiresCollaborators(t *testing.T) {
	_, err := consent.NewService(consent.Config{})
	require.Error(t, err)

	env := consenttest.New(t)
	_, err = consent.NewService(consent.Config{
		Keyring: env.Keyring, Audit: env.Log, Limiter: rate.NewMemoryLimiter(nil),
		DefaultTTL: 2 * time.Hour, MaxTTL: time.Hour,
	})
	require.Error(t, err)
}
