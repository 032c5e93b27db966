package signing

import (
	"bytes"
	"encoding/base64"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func secret(seed byte) []byte {
	return bytes.Repeat([]byte{seed}, MinSecretSize)
}

func TestKeyring_ActiveAndLookup(t *testing.T) {
	kr, err := NewKeyring("k1", map[string][]byte{"k1": secret(1), "k0": secret(2)})
	require.NoError(t, err)

	kid, key, err := kr.Active(PurposeConsentToken)
	require.NoError(t, err)
	require.Equal(t, "k1", kid)
	require.Len(t, key, 32)

	again, err := kr.Lookup("k1", PurposeConsentToken)
	require.NoError(t, err)
	require.Equal(t, key, again)

	link, err := kr.Lookup("k1", PurposeTrustLink)
	require.NoError(t, err)
	require.NotEqual(t, key, link, "purposes must derive distinct keys")
	require.NotEqual(t, secret(1), key, "raw secret must not be used directly")

	_, err = kr.Lookup("nope", PurposeConsentToken)
	require.ErrorIs(t, err, ErrUnknownKID)

	st, ok := kr.Status("k0")
	require.True(t, ok)
	require.Equal(t, StatusRetiring, st)
}

func TestKeyring_Rotate(t *testing.T) {
	kr, err := NewKeyring("k1", map[string][]byte{"k1": secret(1)})
	require.NoError(t, err)
	old, err := kr.Lookup("k1", PurposeConsentToken)
	require.NoError(t, err)

	require.NoError(t, kr.Rotate("k2", secret(9)))
	kid, _, err := kr.Active(PurposeConsentToken)
	require.NoError(t, err)
	require.Equal(t, "k2", kid)

	still, err := kr.Lookup("k1", PurposeConsentToken)
	require.NoError(t, err)
	require.Equal(t, old, still)
	require.Equal(t, []string{"k2", "k1"}, kr.KIDs())

	require.Error(t, kr.Remove("k2"))
	require.NoError(t, kr.Remove("k1"))
	_, err = kr.Lookup("k1", PurposeConsentToken)
	require.ErrorIs(t, err, ErrUnknownKID)

	require.ErrorIs(t, kr.Rotate("k2", secret(3)), ErrDuplicateKID)
}

func TestKeyring_RemoveDoesNotWipeHandedOutKeys(t *testing.T) {
	kr, err := NewKeyring("k1", map[string][]byte{"k1": secret(1), "k0": secret(2)})
	require.NoError(t, err)

	held, err := kr.Lookup("k0", PurposeConsentToken)
	require.NoError(t, err)
	want := bytes.Clone(held)

	require.NoError(t, kr.Remove("k0"))
	require.Equal(t, want, held)
	require.NotEqual(t, make([]byte, len(held)), held)

	_, err = kr.Lookup("k0", PurposeConsentToken)
	require.ErrorIs(t, err, ErrUnknownKID)
}

func TestKeyring_LookupReturnsCopies(t *testing.T) {
	kr, err := NewKeyring("k1", map[string][]byte{"k1": secret(1)})
	require.NoError(t, err)

	_, key, err := kr.Active(PurposeTrustLink)
	require.NoError(t, err)
	want := bytes.Clone(key)
	for i := range key {
		key[i] = 0
	}

	again, err := kr.Lookup("k1", PurposeTrustLink)
	require.NoError(t, err)
	require.Equal(t, want, again)
}

func TestKeyring_Validation(t *testing.T) {
	_, err := NewKeyring("missing", map[string][]byte{"k1": secret(1)})
	require.ErrorIs(t, err, ErrNoActiveKey)

	_, err = NewKeyring("k1", map[string][]byte{"k1": []byte("short")})
	require.ErrorIs(t, err, ErrWeakSecret)

	_, err = NewKeyring("a:b", map[string][]byte{"a:b": secret(1)})
	require.ErrorIs(t, err, ErrInvalidKeys)
}

func TestKeyring_ConcurrentLookup(t *testing.T) {
	kr, err := NewKeyring("k1", map[string][]byte{"k1": secret(5)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]byte, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k, err := kr.Lookup("k1", PurposeTrustLink)
			if err == nil {
				results[i] = k
			}
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		require.Equal(t, results[0], r)
	}
}

func TestParseKeys(t *testing.T) {
	b64 := base64.StdEncoding.EncodeToString(secret(7))
	keys, err := ParseKeys("k1:" + b64 + ", k2:" + b64)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Equal(t, secret(7), keys["k2"])

	for _, bad := range []string{"", "k1", "k1:short", "k1:" + b64 + ",k1:" + b64} {
		_, err := ParseKeys(bad)
		require.Error(t, err, bad)
	}
}

func TestGenerateKID(t *testing.T) {
	a, err := GenerateKID()
	require.NoError(t, err)
	b, err := GenerateKID()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Contains(t, a, "k_")
}
