package signing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMalformed: la credencial no es un JWT compacto bien formado.
	ErrMalformed = errors.New("signing: malformed credential")
	// ErrBadSignature: kid desconocido, typ/alg inesperado o firma inválida.
	ErrBadSignature = errors.New("signing: signature verification failed")
)

// parser valida sólo estructura y firma; exp/iat se chequean en los
// servicios con su propio reloj y orden de checks.
var parser = jwt.NewParser(
	jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	jwt.WithoutClaimsValidation(),
)

// Sign firma claims con la clave activa derivada para purpose. Devuelve el
// JWT compacto, el kid usado y el segmento de firma.
func (k *Keyring) Sign(purpose, typ string, claims jwt.Claims) (compact, kid, signature string, err error) {
	kid, key, err := k.Active(purpose)
	if err != nil {
		return "", "", "", err
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	t.Header["kid"] = kid
	t.Header["typ"] = typ
	compact, err = t.SignedString(key)
	if err != nil {
		return "", "", "", fmt.Errorf("signing: sign: %w", err)
	}
	return compact, kid, compact[strings.LastIndexByte(compact, '.')+1:], nil
}

// ParseUnverified decodifica header y claims sin verificar la firma.
func ParseUnverified(compact, typ string, claims jwt.Claims) (kid string, err error) {
	t, _, err := parser.ParseUnverified(compact, claims)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if h, _ := t.Header["typ"].(string); h != typ {
		return "", fmt.Errorf("%w: unexpected typ", ErrMalformed)
	}
	kid, _ = t.Header["kid"].(string)
	if kid == "" {
		return "", fmt.Errorf("%w: missing kid", ErrMalformed)
	}
	return kid, nil
}

// Verify chequea typ, kid y firma de compact y decodifica claims.
func (k *Keyring) Verify(compact, purpose, typ string, claims jwt.Claims) error {
	_, err := parser.ParseWithClaims(compact, claims, func(t *jwt.Token) (interface{}, error) {
		if h, _ := t.Header["typ"].(string); h != typ {
			return nil, errors.New("unexpected typ")
		}
		kid, _ := t.Header["kid"].(string)
		return k.Lookup(kid, purpose)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}
