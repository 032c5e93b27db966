package consent

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dropDatabas3/consentvault/internal/scope"
	"github.com/dropDatabas3/consentvault/internal/security/signing"
	"github.com/dropDatabas3/consentvault/internal/security/token"
)

const (
	// Prefix marks a serialized consent token.
	Prefix    = "cvt_"
	tokenType = "consent+jwt"
)

// Token is a signed, scoped, time-bounded grant from a user to an agent.
type Token struct {
	ID        string
	Subject   string
	Agent     string
	Scope     scope.Scope
	IssuedAt  time.Time
	ExpiresAt time.Time
	KID       string
	Signature string
	// Raw is the wire form handed to the agent.
	Raw string
}

// Expired reports whether the token is expired at now. A token is expired at
// exactly its expiry instant.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

type claims struct {
	Agent string `json:"agt"`
	Scope string `json:"scp"`
	jwt.RegisteredClaims
}

func (c *claims) wellFormed() error {
	switch {
	case !token.IsConsentID(c.ID):
		return fmt.Errorf("%w: bad jti", signing.ErrMalformed)
	case c.Subject == "" || c.Agent == "" || c.Scope == "":
		return fmt.Errorf("%w: missing claims", signing.ErrMalformed)
	case c.IssuedAt == nil || c.ExpiresAt == nil:
		return fmt.Errorf("%w: missing iat/exp", signing.ErrMalformed)
	}
	return nil
}

func (c *claims) toToken(raw, kid string) *Token {
	return &Token{
		ID:        c.ID,
		Subject:   c.Subject,
		Agent:     c.Agent,
		Scope:     scope.Scope(c.Scope),
		IssuedAt:  c.IssuedAt.Time.UTC(),
		ExpiresAt: c.ExpiresAt.Time.UTC(),
		KID:       kid,
		Signature: raw[strings.LastIndexByte(raw, '.')+1:],
		Raw:       raw,
	}
}

func encode(kr *signing.Keyring, t *Token) error {
	c := claims{
		Agent: t.Agent,
		Scope: string(t.Scope),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        t.ID,
			Subject:   t.Subject,
			IssuedAt:  jwt.NewNumericDate(t.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(t.ExpiresAt),
		},
	}
	compact, kid, sig, err := kr.Sign(signing.PurposeConsentToken, tokenType, &c)
	if err != nil {
		return err
	}
	t.Raw = Prefix + compact
	t.KID = kid
	t.Signature = sig
	return nil
}

// decodeUnverified parses the wire form without checking the signature.
func decodeUnverified(raw string) (*claims, string, error) {
	compact, ok := strings.CutPrefix(raw, Prefix)
	if !ok {
		return nil, "", fmt.Errorf("%w: missing prefix", signing.ErrMalformed)
	}
	var c claims
	kid, err := signing.ParseUnverified(compact, tokenType, &c)
	if err != nil {
		return nil, "", err
	}
	if err := c.wellFormed(); err != nil {
		return nil, "", err
	}
	return &c, kid, nil
}

func verify(kr *signing.Keyring, raw, kid string) (*Token, error) {
	compact := strings.TrimPrefix(raw, Prefix)
	var c claims
	if err := kr.Verify(compact, signing.PurposeConsentToken, tokenType, &c); err != nil {
		return nil, err
	}
	if err := c.wellFormed(); err != nil {
		return nil, err
	}
	return c.toToken(raw, kid), nil
}

// Inspect decodes a token without verifying it. For diagnostics only: the
// result must not be trusted.
func Inspect(raw string) (*Token, error) {
	c, kid, err := decodeUnverified(raw)
	if err != nil {
		return nil, err
	}
	return c.toToken(raw, kid), nil
}
