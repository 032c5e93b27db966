// Package token genera identificadores opacos con prefijo (tok_, lnk_).
package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	ConsentPrefix = "tok_"
	LinkPrefix    = "lnk_"

	// idBytes: 128 bits de entropía.
	idBytes = 16
)

// GenerateOpaque genera un valor aleatorio (base64url sin padding) de nBytes.
func GenerateOpaque(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("token: random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewID devuelve prefix + 128 bits aleatorios.
func NewID(prefix string) (string, error) {
	v, err := GenerateOpaque(idBytes)
	if err != nil {
		return "", err
	}
	return prefix + v, nil
}

// NewConsentID devuelve un id de consent token (tok_...).
func NewConsentID() (string, error) { return NewID(ConsentPrefix) }

// NewLinkID devuelve un id de trust link (lnk_...).
func NewLinkID() (string, error) { return NewID(LinkPrefix) }

// IsConsentID reporta si id tiene forma de id de consent token.
func IsConsentID(id string) bool { return wellFormed(id, ConsentPrefix) }

// IsLinkID reporta si id tiene forma de id de trust link.
func IsLinkID(id string) bool { return wellFormed(id, LinkPrefix) }

func wellFormed(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok || rest == "" {
		return false
	}
	b, err := base64.RawURLEncoding.DecodeString(rest)
	return err == nil && len(b) == idBytes
}
