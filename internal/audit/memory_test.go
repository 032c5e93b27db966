package audit_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/consentvault/internal/audit"
	"github.com/dropDatabas3/consentvault/internal/audit/audittest"
)

func TestMemoryStore_Contract(t *testing.T) {
	audittest.Run(t, audit.NewMemoryStore())
}

func TestMemoryStore_RejectsInvalid(t *testing.T) {
	s := audit.NewMemoryStore()
	ctx := context.Background()
	require.ErrorIs(t, s.Append(ctx, audit.Event{Type: "BOGUS", SubjectID: "tok_x"}), audit.ErrInvalidEvent)
	require.ErrorIs(t, s.Append(ctx, audit.Event{Type: audit.EventIssued}), audit.ErrInvalidEvent)
}

func TestMemoryStore_HistoryIsSnapshot(t *testing.T) {
	s := audit.NewMemoryStore()
	ctx := context.Background()
	id := audittest.StreamID(t)
	require.NoError(t, s.Append(ctx, audittest.NewEvent(audit.EventIssued, id, 0)))

	n := 0
	for e, err := range s.History(ctx, id) {
		require.NoError(t, err)
		e.Detail["step"] = "mutated"
		require.NoError(t, s.Append(ctx, audittest.NewEvent(audit.EventValidated, id, 1)))
		n++
	}
	require.Equal(t, 1, n)

	got, err := audit.Collect(s.History(ctx, id))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "0", got[0].Detail["step"])
}

func TestMemoryStore_EventsAndReset(t *testing.T) {
	s := audit.NewMemoryStore()
	ctx := context.Background()
	a, b := audittest.StreamID(t), audittest.StreamID(t)
	require.NoError(t, s.Append(ctx, audittest.NewEvent(audit.EventIssued, a, 0)))
	require.NoError(t, s.Append(ctx, audittest.NewEvent(audit.EventRevoked, b, 1)))
	require.NoError(t, s.Append(ctx, audittest.NewEvent(audit.EventValidated, a, 2)))

	all := s.Events()
	require.Len(t, all, 3)

	other := audit.NewMemoryStore()
	other.Reset(all)
	require.Equal(t, 3, other.Len())
	revoked, err := other.HasRevocation(ctx, b)
	require.NoError(t, err)
	require.True(t, revoked)
	got, err := audit.Collect(other.History(ctx, a))
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestMemoryStore_Closed(t *testing.T) {
	s := audit.NewMemoryStore()
	require.NoError(t, s.Close())
	ctx := context.Background()
	require.ErrorIs(t, s.Append(ctx, audittest.NewEvent(audit.EventIssued, "tok_x", 0)), audit.ErrClosed)
	_, err := s.HasRevocation(ctx, "tok_x")
	require.ErrorIs(t, err, audit.ErrClosed)
	require.ErrorIs(t, s.Ping(ctx), audit.ErrClosed)
}
