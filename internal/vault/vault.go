// Package vault owns the user's encrypted data. Every seal and unseal is
// authorized by a consent token or trust link for the user and domain.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/consentvault/internal/consent"
	"github.com/dropDatabas3/consentvault/internal/denial"
	"github.com/dropDatabas3/consentvault/internal/metrics"
	"github.com/dropDatabas3/consentvault/internal/observability/logger"
	"github.com/dropDatabas3/consentvault/internal/scope"
	"github.com/dropDatabas3/consentvault/internal/security/keyprovider"
	"github.com/dropDatabas3/consentvault/internal/security/secretbox"
	"github.com/dropDatabas3/consentvault/internal/trustlink"
)

var ErrInvalidArgument = errors.New("vault: invalid argument")

type Config struct {
	Tokens *consent.Service
	// Links is optional. Without it trust links are rejected.
	Links  *trustlink.Service
	Keys   keyprovider.Provider
	Logger *zap.Logger
}

type Vault struct {
	tokens *consent.Service
	links  *trustlink.Service
	keys   keyprovider.Provider
	log    *zap.Logger
}

func New(cfg Config) (*Vault, error) {
	if cfg.Tokens == nil || cfg.Keys == nil {
		return nil, errors.New("vault: tokens and key provider are required")
	}
	lg := cfg.Logger
	if lg == nil {
		lg = logger.Named("vault")
	}
	return &Vault{tokens: cfg.Tokens, links: cfg.Links, keys: cfg.Keys, log: lg}, nil
}

// Seal encrypts plaintext for userID's domain. credential must grant
// vault.write.<domain> or vault.owner for userID.
func (v *Vault) Seal(ctx context.Context, credential, userID, domain string, plaintext []byte) (secretbox.Encoded, error) {
	enc, err := v.seal(ctx, credential, userID, domain, plaintext)
	observe("seal", err)
	return enc, err
}

func (v *Vault) seal(ctx context.Context, credential, userID, domain string, plaintext []byte) (secretbox.Encoded, error) {
	need, err := scope.VaultWrite(domain)
	if err != nil {
		return secretbox.Encoded{}, denial.Wrap(denial.InvalidScope, err)
	}
	if err := v.authorize(ctx, credential, userID, need); err != nil {
		return secretbox.Encoded{}, err
	}
	key, err := v.keys.Key(ctx, userID)
	if err != nil {
		return secretbox.Encoded{}, fmt.Errorf("vault: key: %w", err)
	}
	defer secretbox.Wipe(key)

	p, err := secretbox.Seal(plaintext, key, aad(userID, domain))
	if err != nil {
		return secretbox.Encoded{}, err
	}
	return p.Encode(), nil
}

// Unseal decrypts enc for userID's domain. credential must grant
// vault.read.<domain> or vault.owner for userID. A wrong key, a payload
// sealed for another user or domain, and a tampered payload all fail with
// authentication_failed.
func (v *Vault) Unseal(ctx context.Context, credential, userID, domain string, enc secretbox.Encoded) ([]byte, error) {
	pt, err := v.unseal(ctx, credential, userID, domain, enc)
	observe("unseal", err)
	return pt, err
}

func (v *Vault) unseal(ctx context.Context, credential, userID, domain string, enc secretbox.Encoded) ([]byte, error) {
	need, err := scope.VaultRead(domain)
	if err != nil {
		return nil, denial.Wrap(denial.InvalidScope, err)
	}
	if err := v.authorize(ctx, credential, userID, need); err != nil {
		return nil, err
	}
	p, err := enc.Decode()
	if err != nil {
		return nil, err
	}
	key, err := v.keys.Key(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("vault: key: %w", err)
	}
	defer secretbox.Wipe(key)

	return secretbox.Open(p, key, aad(userID, domain))
}

// authorize validates credential for need (or vault.owner) on behalf of
// userID. The subject is checked by the issuing service, so a credential for
// another user is recorded as DENIED, never as VALIDATED.
func (v *Vault) authorize(ctx context.Context, credential, userID string, need scope.Scope) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidArgument)
	}
	lg := logger.FromOr(ctx, v.log).With(logger.Component("vault"), logger.Scope(string(need)))
	if d, ok := need.Domain(); ok {
		lg = lg.With(logger.Domain(d))
	}

	var (
		ok     bool
		reason denial.Reason
		msg    string
		retry  time.Duration
		limit  string
		err    error
	)
	switch {
	case strings.HasPrefix(credential, consent.Prefix):
		var out consent.Outcome
		out, err = v.tokens.ValidateFor(ctx, credential, userID, need, scope.VaultOwner)
		ok, reason, msg, retry, limit = out.OK, out.Reason, out.Message, out.RetryAfter, out.Limit
	case strings.HasPrefix(credential, trustlink.Prefix) && v.links != nil:
		var out trustlink.Outcome
		out, err = v.links.ValidateFor(ctx, credential, userID, need, scope.VaultOwner)
		ok, reason, msg, retry, limit = out.OK, out.Reason, out.Message, out.RetryAfter, out.Limit
	default:
		reason, msg = denial.InvalidSignature, denial.InvalidSignature.Message()
	}
	if !ok {
		lg.Info("vault access denied", logger.Reason(string(reason)))
		return &denial.Denial{Reason: reason, Message: msg, RetryAfter: retry, Limit: limit, Err: err}
	}
	return nil
}

func aad(userID, domain string) []byte {
	return []byte(userID + "|" + domain)
}

func observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		if r := denial.ReasonOf(err); r != "" {
			result = string(r)
		}
	}
	metrics.VaultOps.WithLabelValues(op, result).Inc()
}
