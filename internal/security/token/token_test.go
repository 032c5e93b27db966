package token

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewID_Unique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id, err := NewConsentID()
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(id, ConsentPrefix))
		require.True(t, IsConsentID(id))
		require.False(t, IsLinkID(id))
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestIsLinkID(t *testing.T) {
	id, err := NewLinkID()
	require.NoError(t, err)
	require.True(t, IsLinkID(id))

	for _, bad := range []string{"", "lnk_", "lnk_short", "tok_" + id[4:], "lnk_!!!!!!!!!!!!!!!!!!!!!!"} {
		require.False(t, IsLinkID(bad), bad)
	}
}

func TestGenerateOpaque_Length(t *testing.T) {
	v, err := GenerateOpaque(32)
	require.NoError(t, err)
	require.Len(t, v, 43)
}
