// Package keyprovider supplies the per-user VaultKey used by the vault.
// Key distribution is outside this module: providers here either hold keys
// handed over by the caller or derive them from an operator master secret.
package keyprovider

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/dropDatabas3/consentvault/internal/security/secretbox"
)

var ErrNoKey = errors.New("keyprovider: no key for user")

// Provider returns the 32-byte VaultKey for userID. The returned slice is owned
// by the caller, who should wipe it after use.
type Provider interface {
	Key(ctx context.Context, userID string) ([]byte, error)
}

// Static holds explicit keys per user.
type Static struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

func NewStatic() *Static {
	return &Static{keys: map[string][]byte{}}
}

// Put stores a copy of key for userID.
func (s *Static) Put(userID string, key []byte) error {
	if len(key) != secretbox.KeySize {
		return fmt.Errorf("%w: %d bytes", secretbox.ErrInvalidKey, len(key))
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	s.mu.Lock()
	if old, ok := s.keys[userID]; ok {
		secretbox.Wipe(old)
	}
	s.keys[userID] = cp
	s.mu.Unlock()
	return nil
}

func (s *Static) Key(_ context.Context, userID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[userID]
	if !ok {
		return nil, ErrNoKey
	}
	cp := make([]byte, len(k))
	copy(cp, k)
	return cp, nil
}

// Derived derives per-user keys from a master secret with HKDF-SHA256,
// using the user id as info.
type Derived struct {
	master []byte
	salt   []byte
}

const derivedInfoPrefix = "consentvault/vault-key/v1:"

func NewDerived(master, salt []byte) (*Derived, error) {
	if len(master) < secretbox.KeySize {
		return nil, fmt.Errorf("%w: master secret de %d bytes", secretbox.ErrInvalidKey, len(master))
	}
	m := make([]byte, len(master))
	copy(m, master)
	return &Derived{master: m, salt: append([]byte(nil), salt...)}, nil
}

func (d *Derived) Key(ctx context.Context, userID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, ErrNoKey
	}
	out := make([]byte, secretbox.KeySize)
	r := hkdf.New(sha256.New, d.master, d.salt, []byte(derivedInfoPrefix+userID))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("keyprovider: hkdf: %w", err)
	}
	return out, nil
}
