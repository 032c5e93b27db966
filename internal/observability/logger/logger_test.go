package logger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	require.Equal(t, zapcore.WarnLevel, parseLevel(" warning "))
	require.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	require.Equal(t, zapcore.InfoLevel, parseLevel(""))
	require.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestBuild_LevelAndService(t *testing.T) {
	out := filepath.Join(t.TempDir(), "log.json")
	l := build(Config{Env: "prod", Level: "warn", ServiceName: "consentctl", Output: []string{out}})
	require.False(t, l.Core().Enabled(zapcore.InfoLevel))
	require.True(t, l.Core().Enabled(zapcore.WarnLevel))
}

func TestFrom_ContextLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ctx := ToContext(context.Background(), zap.New(core))

	From(ctx).Info("token validated", TokenID("tok_x"), Scope("vault.read.food"), Err(errors.New("boom")))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	require.Equal(t, "tok_x", fields["token_id"])
	require.Equal(t, "vault.read.food", fields["scope"])
	require.Equal(t, "boom", fields["error"])
}

func TestFrom_FallsBackToGlobal(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	restore := Replace(zap.New(core))
	defer restore()

	From(context.Background()).Info("hello")
	Named("audit").Warn("append failed", Reason("audit_store_unavailable"))

	require.Equal(t, 2, logs.Len())
	require.Equal(t, "audit", logs.All()[1].LoggerName)
	require.Equal(t, "audit_store_unavailable", logs.All()[1].ContextMap()["reason"])
}

func TestFromOr(t *testing.T) {
	ownCore, own := observer.New(zapcore.InfoLevel)
	ctxCore, scoped := observer.New(zapcore.InfoLevel)
	fallback := zap.New(ownCore)

	FromOr(context.Background(), fallback).Info("uses fallback")
	FromOr(ToContext(context.Background(), zap.New(ctxCore)), fallback).Info("uses context")

	require.Equal(t, 1, own.Len())
	require.Equal(t, 1, scoped.Len())
	require.Equal(t, "uses context", scoped.All()[0].Message)
}
