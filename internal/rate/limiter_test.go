package rate

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	rdb "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/consentvault/internal/clock"
	"github.com/dropDatabas3/consentvault/internal/security/token"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func TestMemoryLimiter_FixedWindow(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(t0.Add(15 * time.Second))
	l := NewMemoryLimiter(clk)
	key := SubjectScopeKey("usr_1", "vault.read.food")

	for i := int64(1); i <= 3; i++ {
		res, err := l.CheckAndIncrement(ctx, key, time.Minute, 3)
		require.NoError(t, err)
		require.True(t, res.Allowed)
		require.Equal(t, 3-i, res.Remaining)
		require.Equal(t, i, res.Hits)
	}

	res, err := l.CheckAndIncrement(ctx, key, time.Minute, 3)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, int64(0), res.Remaining)
	require.Equal(t, 45*time.Second, res.RetryAfter)
	require.Equal(t, "3 requests per 1m0s", res.Describe())

	clk.Advance(45 * time.Second)
	res, err = l.CheckAndIncrement(ctx, key, time.Minute, 3)
	require.NoError(t, err)
	require.True(t, res.Allowed, "new window must reset the counter")
}

func TestMemoryLimiter_KeysIsolated(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLimiter(clock.Fake(t0))
	_, err := l.CheckAndIncrement(ctx, AgentKey("a"), time.Minute, 1)
	require.NoError(t, err)
	res, err := l.CheckAndIncrement(ctx, AgentKey("b"), time.Minute, 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestMemoryLimiter_ConcurrentNeverExceedsLimit(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLimiter(clock.Fake(t0))
	const limit = 10

	var allowed atomic.Int64
	var g errgroup.Group
	for i := 0; i < 200; i++ {
		g.Go(func() error {
			res, err := l.CheckAndIncrement(ctx, "hot", time.Minute, limit)
			if err != nil {
				return err
			}
			if res.Allowed {
				allowed.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int64(limit), allowed.Load())
}

func TestMemoryLimiter_InvalidPolicy(t *testing.T) {
	l := NewMemoryLimiter(nil)
	_, err := l.CheckAndIncrement(context.Background(), "k", 0, 1)
	require.Error(t, err)
	_, err = l.CheckAndIncrement(context.Background(), "k", time.Second, 0)
	require.Error(t, err)
}

func TestMemoryLimiter_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryLimiter(nil).CheckAndIncrement(ctx, "k", time.Second, 1)
	require.ErrorIs(t, err, ErrBackend)
}

type failingLimiter struct{}

func (failingLimiter) CheckAndIncrement(context.Context, string, time.Duration, int64) (Result, error) {
	return Result{}, errors.New("down")
}

func TestInstrumented_PassesThrough(t *testing.T) {
	ctx := context.Background()
	in := Instrumented{Limiter: NewMemoryLimiter(clock.Fake(t0)), Driver: "memory"}
	res, err := in.CheckAndIncrement(ctx, "k", time.Minute, 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	_, err = Instrumented{Limiter: failingLimiter{}, Driver: "broken"}.CheckAndIncrement(ctx, "k", time.Minute, 1)
	require.Error(t, err)
}

func TestKeys(t *testing.T) {
	require.Equal(t, "validate:usr_1:vault.read.food", SubjectScopeKey("usr_1", "vault.read.food"))
	require.Equal(t, "issue:agent+a%3Ab", AgentKey("agent a:b"))
	require.NotEqual(t, SubjectScopeKey("usr_1", "vault.read.food"), BadSignatureKey("usr_1", "vault.read.food"))

	subjects := []string{"user:1", "user_1", "user 1", "user+1", "user%3A1"}
	seen := map[string]string{}
	for _, s := range subjects {
		k := SubjectScopeKey(s, "vault.read.food")
		prev, dup := seen[k]
		require.False(t, dup, "%q and %q share key %q", prev, s, k)
		seen[k] = s
	}
	// El separador no se puede falsificar desde el subject.
	require.NotEqual(t, SubjectScopeKey("a:b", "c"), SubjectScopeKey("a", "b:c"))
	require.True(t, Policy{Limit: 1, Window: time.Second}.Enabled())
	require.False(t, Policy{}.Enabled())
}

func TestMemoryLimiter_SubjectsDoNotShareBudget(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLimiter(clock.Fake(t0))
	for i := 0; i < 3; i++ {
		res, err := l.CheckAndIncrement(ctx, SubjectScopeKey("user:1", "vault.read.food"), time.Minute, 3)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := l.CheckAndIncrement(ctx, SubjectScopeKey("user:1", "vault.read.food"), time.Minute, 3)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	for _, other := range []string{"user_1", "user 1"} {
		res, err := l.CheckAndIncrement(ctx, SubjectScopeKey(other, "vault.read.food"), time.Minute, 3)
		require.NoError(t, err)
		require.True(t, res.Allowed, other)
		require.EqualValues(t, 2, res.Remaining, other)
	}
}

func TestRedisLimiter(t *testing.T) {
	addr := os.Getenv("CONSENTVAULT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CONSENTVAULT_TEST_REDIS_ADDR not set")
	}
	client := rdb.NewClient(&rdb.Options{Addr: addr})
	defer client.Close()

	prefix, err := token.GenerateOpaque(6)
	require.NoError(t, err)
	l := NewRedisLimiter(client, "cvtest:"+prefix+":")
	l.Clock = clock.Fake(t0.Add(30 * time.Second))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.CheckAndIncrement(ctx, "k", time.Minute, 2)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := l.CheckAndIncrement(ctx, "k", time.Minute, 2)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 30*time.Second, res.RetryAfter)
}
