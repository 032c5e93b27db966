package trustlink

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
	// Prefix marks a serialized trust link.
	Prefix   = "cvl_"
	linkType = "trustlink+jwt"
)

// Link lets Delegate act with Scope on Subject's vault on behalf of
// Delegator, for as long as the root token stays valid.
type Link struct {
	ID          string
	Delegator   string
	Delegate    string
	Scope       scope.Scope
	Subject     string
	RootTokenID string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	KID         string
	Signature   string
	Raw         string
}

// Expired reports whether the link is expired at now.
func (l *Link) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

type claims struct {
	Delegator string `json:"dlg"`
	Delegate  string `json:"dte"`
	Scope     string `json:"scp"`
	Root      string `json:"rtk"`
	jwt.RegisteredClaims
}

func (c *claims) wellFormed() error {
	switch {
	case !token.IsLinkID(c.ID):
		return fmt.Errorf("%w: bad jti", signing.ErrMalformed)
	case !token.IsConsentID(c.Root):
		return fmt.Errorf("%w: bad root token", signing.ErrMalformed)
	case c.Subject == "" || c.Delegator == "" || c.Delegate == "" || c.Scope == "":
		return fmt.Errorf("%w: missing claims", signing.ErrMalformed)
	case c.IssuedAt == nil || c.ExpiresAt == nil:
		return fmt.Errorf("%w: missing iat/exp", signing.ErrMalformed)
	}
	return nil
}

func (c *claims) toLink(raw, kid string) *Link {
	return &Link{
		ID:          c.ID,
		Delegator:   c.Delegator,
		Delegate:    c.Delegate,
		Scope:       scope.Scope(c.Scope),
		Subject:     c.Subject,
		RootTokenID: c.Root,
		IssuedAt:    c.IssuedAt.Time.UTC(),
		ExpiresAt:   c.ExpiresAt.Time.UTC(),
		KID:         kid,
		Signature:   raw[strings.LastIndexByte(raw, '.')+1:],
		Raw:         raw,
	}
}

func encode(kr *signing.Keyring, l *Link) error {
	c := claims{
		Delegator: l.Delegator,
		Delegate:  l.Delegate,
		Scope:     string(l.Scope),
		Root:      l.RootTokenID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        l.ID,
			Subject:   l.Subject,
			IssuedAt:  jwt.NewNumericDate(l.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(l.ExpiresAt),
		},
	}
	compact, kid, sig, err := kr.Sign(signing.PurposeTrustLink, linkType, &c)
	if err != nil {
		return err
	}
	l.Raw = Prefix + compact
	l.KID = kid
	l.Signature = sig
	return nil
}

func decodeUnverified(raw string) (*claims, string, error) {
	compact, ok := strings.CutPrefix(raw, Prefix)
	if !ok {
		return nil, "", fmt.Errorf("%w: missing prefix", signing.ErrMalformed)
	}
	var c claims
	kid, err := signing.ParseUnverified(compact, linkType, &c)
	if err != nil {
		return nil, "", err
	}
	if err := c.wellFormed(); err != nil {
		return nil, "", err
	}
	return &c, kid, nil
}

func verify(kr *signing.Keyring, raw, kid string) (*Link, error) {
	var c claims
	if err := kr.Verify(strings.TrimPrefix(raw, Prefix), signing.PurposeTrustLink, linkType, &c); err != nil {
		return nil, err
	}
	if err := c.wellFormed(); err != nil {
		return nil, err
	}
	return c.toLink(raw, kid), nil
}

// Inspect decodes a link without verifying it.
func Inspect(raw string) (*Link, error) {
	c, kid, err := decodeUnverified(raw)
	if err != nil {
		return nil, err
	}
	return c.toLink(raw, kid), nil
}
