package consent_test

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/consentvault/internal/consent"
	"github.com/dropDatabas3/consentvault/internal/scope"
	"github.com/dropDatabas3/consentvault/internal/security/signing"
)

// forge signs tok's claims, with sc as scope, using kr instead of the
// service keyring.
func forge(t *testing.T, kr *signing.Keyring, tok *consent.Token, sc scope.Scope) string {
	t.Helper()
	claims := jwt.MapClaims{
		"jti": tok.ID,
		"sub": tok.Subject,
		"agt": tok.Agent,
		"scp": string(sc),
		"iat": tok.IssuedAt.Unix(),
		"exp": tok.ExpiresAt.Unix(),
	}
	compact, _, _, err := kr.Sign(signing.PurposeConsentToken, "consent+jwt", claims)
	require.NoError(t, err)
	return consent.Prefix + compact
}
