package keyprovider

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/consentvault/internal/security/secretbox"
)

func TestStatic(t *testing.T) {
	ctx := context.Background()
	s := NewStatic()
	key := bytes.Repeat([]byte{1}, secretbox.KeySize)
	require.NoError(t, s.Put("usr_1", key))
	require.Error(t, s.Put("usr_2", []byte("short")))

	got, err := s.Key(ctx, "usr_1")
	require.NoError(t, err)
	require.Equal(t, key, got)

	secretbox.Wipe(got)
	again, err := s.Key(ctx, "usr_1")
	require.NoError(t, err)
	require.Equal(t, key, again, "caller wipes must not affect stored key")

	_, err = s.Key(ctx, "usr_2")
	require.ErrorIs(t, err, ErrNoKey)
}

func TestDerived(t *testing.T) {
	ctx := context.Background()
	d, err := NewDerived(bytes.Repeat([]byte{7}, 32), []byte("salt"))
	require.NoError(t, err)

	a1, err := d.Key(ctx, "usr_a")
	require.NoError(t, err)
	a2, err := d.Key(ctx, "usr_a")
	require.NoError(t, err)
	b, err := d.Key(ctx, "usr_b")
	require.NoError(t, err)

	require.Len(t, a1, secretbox.KeySize)
	require.Equal(t, a1, a2)
	require.NotEqual(t, a1, b)

	_, err = d.Key(ctx, "")
	require.ErrorIs(t, err, ErrNoKey)

	_, err = NewDerived([]byte("tiny"), nil)
	require.ErrorIs(t, err, secretbox.ErrInvalidKey)
}
