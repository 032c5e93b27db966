package consent_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dropDatabas3/consentvault/internal/consent"
	"github.com/dropDatabas3/consentvault/internal/consent/consenttest"
	"github.com/dropDatabas3/consentvault/internal/observability/logger"
)

// Los logs llevan ids y reason codes, nunca la credencial serializada.
func TestLogs_NeverCarryRawCredential(t *testing.T) {
	env := consenttest.New(t)
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := logger.ToContext(context.Background(), zap.New(core))

	tok, err := env.Service.Issue(ctx, consent.IssueRequest{Subject: "usr_1", Agent: "agent_food", Scope: "vault.read.food"})
	require.NoError(t, err)
	_, err = env.Service.Validate(ctx, tok.Raw, foodRead)
	require.NoError(t, err)
	_, err = env.Service.Validate(ctx, tok.Raw, financeRead)
	require.NoError(t, err)
	require.NoError(t, env.Service.Revoke(ctx, tok.ID, "usr_1", "user request"))

	require.NotZero(t, logs.Len())
	var sawID bool
	for _, e := range logs.All() {
		require.NotContains(t, e.Message, tok.Raw)
		for k, v := range e.ContextMap() {
			s, ok := v.(string)
			if !ok {
				continue
			}
			require.False(t, strings.Contains(s, tok.Signature), "field %s carries the signature", k)
			if s == tok.ID {
				sawID = true
			}
		}
	}
	require.True(t, sawID)
}
