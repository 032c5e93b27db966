// Package signing mantiene las claves HMAC que firman consent tokens y trust
// links. Una sola clave está activa (firma); las retiradas sólo verifican.
//
// Cada credencial usa una sub-clave derivada con HKDF-SHA256 por propósito,
// así una firma de consent token nunca verifica como trust link.
package signing

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/dropDatabas3/consentvault/internal/security/secretbox"
	"github.com/dropDatabas3/consentvault/internal/security/token"
)

const (
	PurposeConsentToken = "consent-token/v1"
	PurposeTrustLink    = "trust-link/v1"

	MinSecretSize  = 32
	derivedKeySize = 32
)

var (
	ErrNoActiveKey  = errors.New("signing: no active signing key")
	ErrUnknownKID   = errors.New("signing: kid not found")
	ErrWeakSecret   = errors.New("signing: secret too short")
	ErrInvalidKeys  = errors.New("signing: invalid key list")
	ErrDuplicateKID = errors.New("signing: duplicate kid")
)

type Status string

const (
	StatusActive   Status = "active"
	StatusRetiring Status = "retiring"
)

type keyEntry struct {
	secret  []byte
	status  Status
	derived map[string][]byte // purpose -> sub-clave
}

// Keyring es seguro para uso concurrente.
type Keyring struct {
	mu     sync.RWMutex
	keys   map[string]*keyEntry
	active string
}

// NewKeyring crea un keyring con activeKID como clave de firma; el resto de
// secrets quedan en estado retiring.
func NewKeyring(activeKID string, secrets map[string][]byte) (*Keyring, error) {
	if _, ok := secrets[activeKID]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoActiveKey, activeKID)
	}
	k := &Keyring{keys: make(map[string]*keyEntry, len(secrets))}
	for kid, s := range secrets {
		if err := k.add(kid, s, StatusRetiring); err != nil {
			return nil, err
		}
	}
	k.keys[activeKID].status = StatusActive
	k.active = activeKID
	return k, nil
}

func (k *Keyring) add(kid string, secret []byte, st Status) error {
	if kid == "" || strings.ContainsAny(kid, ",: ") {
		return fmt.Errorf("%w: kid %q", ErrInvalidKeys, kid)
	}
	if len(secret) < MinSecretSize {
		return fmt.Errorf("%w: kid %q tiene %d bytes (mínimo %d)", ErrWeakSecret, kid, len(secret), MinSecretSize)
	}
	if _, dup := k.keys[kid]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateKID, kid)
	}
	cp := make([]byte, len(secret))
	copy(cp, secret)
	k.keys[kid] = &keyEntry{secret: cp, status: st, derived: map[string][]byte{}}
	return nil
}

// Active devuelve el kid activo y su sub-clave para purpose.
func (k *Keyring) Active(purpose string) (string, []byte, error) {
	k.mu.RLock()
	kid := k.active
	k.mu.RUnlock()
	if kid == "" {
		return "", nil, ErrNoActiveKey
	}
	key, err := k.Lookup(kid, purpose)
	if err != nil {
		return "", nil, err
	}
	return kid, key, nil
}

// Lookup devuelve la sub-clave de verificación para kid (active o retiring).
// El slice devuelto es una copia: Remove borra las sub-claves cacheadas y el
// llamador puede seguir usando la suya.
func (k *Keyring) Lookup(kid, purpose string) ([]byte, error) {
	k.mu.RLock()
	e, ok := k.keys[kid]
	if ok {
		if d, hit := e.derived[purpose]; hit {
			out := bytes.Clone(d)
			k.mu.RUnlock()
			return out, nil
		}
	}
	k.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownKID
	}

	// Derivamos bajo el lock de escritura: Remove puede estar borrando e.secret.
	k.mu.Lock()
	defer k.mu.Unlock()
	cur, ok := k.keys[kid]
	if !ok {
		return nil, ErrUnknownKID
	}
	if prev, hit := cur.derived[purpose]; hit {
		return bytes.Clone(prev), nil
	}
	d, err := derive(cur.secret, purpose)
	if err != nil {
		return nil, err
	}
	cur.derived[purpose] = d
	return bytes.Clone(d), nil
}

// Rotate instala una nueva clave activa. La anterior pasa a retiring y sigue
// verificando credenciales ya emitidas.
func (k *Keyring) Rotate(kid string, secret []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.add(kid, secret, StatusActive); err != nil {
		return err
	}
	if prev, ok := k.keys[k.active]; ok {
		prev.status = StatusRetiring
	}
	k.active = kid
	return nil
}

// Remove borra una clave retiring. Las credenciales firmadas con ella dejan
// de verificar.
func (k *Keyring) Remove(kid string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.keys[kid]
	if !ok {
		return ErrUnknownKID
	}
	if kid == k.active {
		return fmt.Errorf("signing: no se puede borrar la clave activa %q", kid)
	}
	secretbox.Wipe(e.secret)
	for _, d := range e.derived {
		secretbox.Wipe(d)
	}
	delete(k.keys, kid)
	return nil
}

// KIDs lista los kids conocidos; la activa primero.
func (k *Keyring) KIDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.keys))
	for kid := range k.keys {
		out = append(out, kid)
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i] == k.active) != (out[j] == k.active) {
			return out[i] == k.active
		}
		return out[i] < out[j]
	})
	return out
}

// Status devuelve el estado de kid.
func (k *Keyring) Status(kid string) (Status, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, ok := k.keys[kid]
	if !ok {
		return "", false
	}
	return e.status, true
}

func derive(secret []byte, purpose string) ([]byte, error) {
	out := make([]byte, derivedKeySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(purpose))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("signing: hkdf: %w", err)
	}
	return out, nil
}

// ParseKeys parsea "kid1:secret1,kid2:secret2". Cada secret acepta los mismos
// formatos que secretbox.ParseKey (base64, hex o crudo de 32 bytes).
func ParseKeys(s string) (map[string][]byte, error) {
	out := map[string][]byte{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kid, raw, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("%w: se esperaba kid:secret", ErrInvalidKeys)
		}
		kid = strings.TrimSpace(kid)
		if _, dup := out[kid]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKID, kid)
		}
		secret, err := secretbox.ParseKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: kid %q: %v", ErrInvalidKeys, kid, err)
		}
		out[kid] = secret
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: vacío", ErrInvalidKeys)
	}
	return out, nil
}

// GenerateKID devuelve un kid aleatorio corto ("k_...").
func GenerateKID() (string, error) {
	v, err := token.GenerateOpaque(6)
	if err != nil {
		return "", err
	}
	return "k_" + v, nil
}
