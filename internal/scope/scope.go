// Package scope is the closed registry of permission scopes a consent token or
// trust link can carry.
//
// Scopes are atomic: granting one never implies another, except for the
// Wildcard scope, which subsumes every atomic scope and is reserved for
// internally registered trusted callers (see Policy).
package scope

import (
	"fmt"
	"regexp"
	"strings"
)

// RegistryVersion changes whenever a scope is added or removed.
const RegistryVersion = 1

// Scope is a named permission from the registry.
type Scope string

// Kind classifies a scope. Consumers switch over Kind exhaustively so a new
// kind cannot be handled by accident.
type Kind int

const (
	KindUnknown Kind = iota
	KindOwner
	KindVaultRead
	KindVaultWrite
	KindAgent
	KindExternal
	KindWildcard
)

func (k Kind) String() string {
	switch k {
	case KindOwner:
		return "owner"
	case KindVaultRead:
		return "vault_read"
	case KindVaultWrite:
		return "vault_write"
	case KindAgent:
		return "agent"
	case KindExternal:
		return "external"
	case KindWildcard:
		return "wildcard"
	default:
		return "unknown"
	}
}

const (
	// Wildcard subsumes every atomic scope.
	Wildcard Scope = "*"
	// VaultOwner is the owner-master scope; only the primary login issuer mints it.
	VaultOwner Scope = "vault.owner"

	AgentKaiAnalyze        Scope = "agent.kai.analyze"
	AgentKaiRead           Scope = "agent.kai.read"
	AgentFoodRecommend     Scope = "agent.food.recommend"
	AgentProfessionalParse Scope = "agent.professional.parse"
	ExternalSECFilings     Scope = "external.sec.filings"
	ExternalMarketQuotes   Scope = "external.market.quotes"
)

const (
	vaultReadPrefix  = "vault.read."
	vaultWritePrefix = "vault.write."
)

// Domains are the vault domains with read/write scopes, in registry order.
var Domains = []string{"food", "finance", "professional", "health", "identity", "preferences"}

// Scope names: dot-delimited lowercase tokens, max 64 chars.
// Valid: vault.read.finance, agent.kai.analyze. Invalid: Vault.Read, vault..read, "vault.read ".
var nameRe = regexp.MustCompile(`^[a-z0-9]+(?:\.[a-z0-9_]+)*$`)

const maxNameLen = 64

var (
	ordered  []Scope
	registry map[Scope]Kind
)

func init() {
	ordered = append(ordered, VaultOwner)
	for _, d := range Domains {
		ordered = append(ordered, Scope(vaultReadPrefix+d))
	}
	for _, d := range Domains {
		ordered = append(ordered, Scope(vaultWritePrefix+d))
	}
	ordered = append(ordered,
		AgentKaiAnalyze, AgentKaiRead, AgentFoodRecommend, AgentProfessionalParse,
		ExternalSECFilings, ExternalMarketQuotes,
		Wildcard,
	)

	registry = make(map[Scope]Kind, len(ordered))
	for _, s := range ordered {
		registry[s] = classify(s)
	}
}

func classify(s Scope) Kind {
	str := string(s)
	switch {
	case s == Wildcard:
		return KindWildcard
	case s == VaultOwner:
		return KindOwner
	case strings.HasPrefix(str, vaultReadPrefix):
		return KindVaultRead
	case strings.HasPrefix(str, vaultWritePrefix):
		return KindVaultWrite
	case strings.HasPrefix(str, "agent."):
		return KindAgent
	case strings.HasPrefix(str, "external."):
		return KindExternal
	default:
		return KindUnknown
	}
}

// InvalidScopeError is returned when a string is not in the registry.
type InvalidScopeError struct {
	Candidate string
}

func (e *InvalidScopeError) Error() string {
	return fmt.Sprintf("scope: unknown scope %q", e.Candidate)
}

// List returns every registered scope in registry order.
func List() []Scope {
	out := make([]Scope, len(ordered))
	copy(out, ordered)
	return out
}

// ValidName reports whether name follows the scope grammar. It says nothing
// about registry membership.
func ValidName(name string) bool {
	return len(name) <= maxNameLen && nameRe.MatchString(name)
}

// IsValid reports whether candidate is a registered scope.
func IsValid(candidate string) bool {
	_, ok := registry[Scope(candidate)]
	return ok
}

// Parse returns the registered scope for candidate. Unknown strings are never
// coerced (no trimming, no case folding).
func Parse(candidate string) (Scope, error) {
	if candidate != string(Wildcard) && !ValidName(candidate) {
		return "", &InvalidScopeError{Candidate: candidate}
	}
	if _, ok := registry[Scope(candidate)]; !ok {
		return "", &InvalidScopeError{Candidate: candidate}
	}
	return Scope(candidate), nil
}

// MustParse is Parse for compile-time constants; it panics on unknown scopes.
func MustParse(candidate string) Scope {
	s, err := Parse(candidate)
	if err != nil {
		panic(err)
	}
	return s
}

// Valid reports whether s is registered.
func (s Scope) Valid() bool {
	_, ok := registry[s]
	return ok
}

// Kind returns the classification of s, KindUnknown for unregistered values.
func (s Scope) Kind() Kind {
	return registry[s]
}

// Domain returns the vault domain of a vault read/write scope.
func (s Scope) Domain() (string, bool) {
	switch s.Kind() {
	case KindVaultRead:
		return strings.TrimPrefix(string(s), vaultReadPrefix), true
	case KindVaultWrite:
		return strings.TrimPrefix(string(s), vaultWritePrefix), true
	case KindOwner, KindAgent, KindExternal, KindWildcard, KindUnknown:
		return "", false
	}
	return "", false
}

func (s Scope) String() string { return string(s) }

// IsSubset reports whether granting a implies no permission beyond b.
func IsSubset(a, b Scope) bool {
	if !a.Valid() || !b.Valid() {
		return false
	}
	if b == Wildcard {
		return true
	}
	return a == b
}

// VaultRead returns the read scope for a vault domain.
func VaultRead(domain string) (Scope, error) {
	return Parse(vaultReadPrefix + domain)
}

// VaultWrite returns the write scope for a vault domain.
func VaultWrite(domain string) (Scope, error) {
	return Parse(vaultWritePrefix + domain)
}
