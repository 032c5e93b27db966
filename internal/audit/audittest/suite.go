// Package audittest holds the conformance suite every audit.Store backend
// runs in its own tests.
package audittest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/consentvault/internal/audit"
	"github.com/dropDatabas3/consentvault/internal/security/token"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewEvent builds an event with a fresh id and a timestamp offset from a
// fixed base by step microseconds.
func NewEvent(t audit.EventType, subjectID string, step int) audit.Event {
	return audit.Event{
		ID:        uuid.NewString(),
		Type:      t,
		SubjectID: subjectID,
		Actor:     "agent_test",
		Timestamp: base.Add(time.Duration(step) * time.Microsecond),
		Detail:    map[string]string{"step": fmt.Sprint(step)},
		Seal:      []byte{byte(step), 0xCA, 0xFE},
	}
}

// StreamID returns a fresh token id so suites never collide on shared backends.
func StreamID(t *testing.T) string {
	id, err := token.NewConsentID()
	require.NoError(t, err)
	return id
}

// RequireSameEvent compares two events field by field.
func RequireSameEvent(t *testing.T, want, got audit.Event) {
	t.Helper()
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.Type, got.Type)
	require.Equal(t, want.SubjectID, got.SubjectID)
	require.Equal(t, want.Actor, got.Actor)
	require.True(t, want.Timestamp.Equal(got.Timestamp), "timestamp %s != %s", want.Timestamp, got.Timestamp)
	if len(want.Detail) == 0 {
		require.Empty(t, got.Detail)
	} else {
		require.Equal(t, want.Detail, got.Detail)
	}
	require.Equal(t, want.Seal, got.Seal)
}

// Run exercises s against the Store contract. s must be empty or only hold
// streams unrelated to the ids generated here.
func Run(t *testing.T, s audit.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("append_and_history_in_order", func(t *testing.T) {
		id := StreamID(t)
		var want []audit.Event
		for i, typ := range []audit.EventType{audit.EventIssued, audit.EventValidated, audit.EventDenied} {
			e := NewEvent(typ, id, i)
			require.NoError(t, s.Append(ctx, e))
			want = append(want, e)
		}
		got, err := audit.Collect(s.History(ctx, id))
		require.NoError(t, err)
		require.Len(t, got, len(want))
		for i := range want {
			RequireSameEvent(t, want[i], got[i])
		}
	})

	t.Run("revocation_visible_after_append", func(t *testing.T) {
		id := StreamID(t)
		require.NoError(t, s.Append(ctx, NewEvent(audit.EventIssued, id, 0)))
		revoked, err := s.HasRevocation(ctx, id)
		require.NoError(t, err)
		require.False(t, revoked)

		require.NoError(t, s.Append(ctx, NewEvent(audit.EventRevoked, id, 1)))
		revoked, err = s.HasRevocation(ctx, id)
		require.NoError(t, err)
		require.True(t, revoked)
	})

	t.Run("streams_are_isolated", func(t *testing.T) {
		a, b := StreamID(t), StreamID(t)
		require.NoError(t, s.Append(ctx, NewEvent(audit.EventRevoked, a, 0)))
		require.NoError(t, s.Append(ctx, NewEvent(audit.EventIssued, b, 0)))

		revoked, err := s.HasRevocation(ctx, b)
		require.NoError(t, err)
		require.False(t, revoked)

		got, err := audit.Collect(s.History(ctx, b))
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, audit.EventIssued, got[0].Type)
	})

	t.Run("empty_stream", func(t *testing.T) {
		got, err := audit.Collect(s.History(ctx, StreamID(t)))
		require.NoError(t, err)
		require.Empty(t, got)
		revoked, err := s.HasRevocation(ctx, StreamID(t))
		require.NoError(t, err)
		require.False(t, revoked)
	})

	t.Run("early_break", func(t *testing.T) {
		id := StreamID(t)
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Append(ctx, NewEvent(audit.EventValidated, id, i)))
		}
		n := 0
		for _, err := range s.History(ctx, id) {
			require.NoError(t, err)
			n++
			if n == 2 {
				break
			}
		}
		require.Equal(t, 2, n)
	})

	t.Run("concurrent_appends", func(t *testing.T) {
		id := StreamID(t)
		const n = 32
		var g errgroup.Group
		for i := 0; i < n; i++ {
			i := i
			g.Go(func() error {
				return s.Append(ctx, NewEvent(audit.EventValidated, id, i))
			})
		}
		require.NoError(t, g.Wait())
		got, err := audit.Collect(s.History(ctx, id))
		require.NoError(t, err)
		require.Len(t, got, n)
	})

	t.Run("ping", func(t *testing.T) {
		require.NoError(t, s.Ping(ctx))
	})
}
