// Package secretbox cifra y descifra payloads del vault con AES-256-GCM.
//
// Cada llamada usa un nonce aleatorio de 96 bits; el tag de 128 bits viaja
// separado del ciphertext para que el payload se pueda intercambiar como tres
// campos base64 (ciphertext, iv, tag).
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dropDatabas3/consentvault/internal/denial"
)

const (
	NonceSize = 12 // AES-GCM nonce recomendado (96 bits)
	TagSize   = 16 // tag GCM (128 bits)
	KeySize   = 32 // 32 bytes => AES-256
)

var (
	// ErrAuthenticationFailed: clave incorrecta o payload alterado. Ambos casos
	// son indistinguibles para el caller.
	ErrAuthenticationFailed = errors.New("secretbox: authentication failed")

	ErrInvalidKey     = errors.New("secretbox: invalid key")
	ErrInvalidPayload = errors.New("secretbox: invalid payload")
)

// Payload es el resultado de Encrypt/Seal.
type Payload struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
}

// Encrypt cifra plaintext con key (32 bytes).
func Encrypt(plaintext, key []byte) (Payload, error) {
	return Seal(plaintext, key, nil)
}

// Seal cifra plaintext y autentica associatedData (puede ser nil).
func Seal(plaintext, key, associatedData []byte) (Payload, error) {
	aead, err := newGCM(key)
	if err != nil {
		return Payload{}, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Payload{}, fmt.Errorf("secretbox: nonce random: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, associatedData)
	split := len(sealed) - TagSize

	return Payload{
		Ciphertext: sealed[:split:split],
		IV:         nonce,
		Tag:        sealed[split:],
	}, nil
}

// Decrypt descifra p con key.
func Decrypt(p Payload, key []byte) ([]byte, error) {
	return Open(p, key, nil)
}

// Open descifra p verificando associatedData. Cualquier falla de
// autenticación devuelve un *denial.Denial (authentication_failed) que
// envuelve ErrAuthenticationFailed.
func Open(p Payload, key, associatedData []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(p.IV) != NonceSize || len(p.Tag) != TagSize {
		return nil, authFailed()
	}

	sealed := make([]byte, 0, len(p.Ciphertext)+TagSize)
	sealed = append(sealed, p.Ciphertext...)
	sealed = append(sealed, p.Tag...)

	pt, err := aead.Open(nil, p.IV, sealed, associatedData)
	if err != nil {
		return nil, authFailed()
	}
	return pt, nil
}

func authFailed() error {
	return denial.Wrap(denial.AuthenticationFailed, ErrAuthenticationFailed)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: %d bytes (requiere %d)", ErrInvalidKey, len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return aead, nil
}

// Encoded es la forma de intercambio: tres campos de texto base64.
type Encoded struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
}

func (p Payload) Encode() Encoded {
	return Encoded{
		Ciphertext: base64.StdEncoding.EncodeToString(p.Ciphertext),
		IV:         base64.StdEncoding.EncodeToString(p.IV),
		Tag:        base64.StdEncoding.EncodeToString(p.Tag),
	}
}

func (e Encoded) Decode() (Payload, error) {
	ct, err := base64.StdEncoding.DecodeString(e.Ciphertext)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: decode ciphertext: %v", ErrInvalidPayload, err)
	}
	iv, err := base64.StdEncoding.DecodeString(e.IV)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: decode iv: %v", ErrInvalidPayload, err)
	}
	tag, err := base64.StdEncoding.DecodeString(e.Tag)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: decode tag: %v", ErrInvalidPayload, err)
	}
	if len(iv) != NonceSize {
		return Payload{}, fmt.Errorf("%w: iv esperado %d bytes, obtuvo %d", ErrInvalidPayload, NonceSize, len(iv))
	}
	if len(tag) != TagSize {
		return Payload{}, fmt.Errorf("%w: tag esperado %d bytes, obtuvo %d", ErrInvalidPayload, TagSize, len(tag))
	}
	return Payload{Ciphertext: ct, IV: iv, Tag: tag}, nil
}

// ParseKey acepta una clave en base64 (std o raw), hex (64 chars) o 32 bytes crudos.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)

	// 1. Base64 (Std)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == KeySize {
		return b, nil
	}
	// 1.5. Base64 (Raw/NoPadding)
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil && len(b) == KeySize {
		return b, nil
	}
	// 2. Hex
	if len(s) == 2*KeySize {
		if h, err := hex.DecodeString(s); err == nil {
			return h, nil
		}
	}
	// 3. Fallback a raw
	if len(s) == KeySize {
		return []byte(s), nil
	}
	return nil, fmt.Errorf("%w: formato no reconocido (%d chars)", ErrInvalidKey, len(s))
}

// GenerateKey devuelve una clave AES-256 aleatoria.
func GenerateKey() ([]byte, error) {
	k := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return nil, fmt.Errorf("secretbox: key random: %w", err)
	}
	return k, nil
}

// Wipe pone b en cero.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
