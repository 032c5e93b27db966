package scope

// Policy decides who may hold the privileged scopes. It is an input to the
// consent and trust link services, loaded from configuration.
type Policy struct {
	// PrimaryIssuer is the agent id of the primary-credential login path.
	// It is the only issuer of VaultOwner.
	PrimaryIssuer string

	// WildcardAgents are internally registered trusted callers that may be
	// issued Wildcard tokens. The primary issuer may also issue Wildcard.
	WildcardAgents []string
}

// CanIssue reports whether agent may issue a token carrying s.
func (p Policy) CanIssue(agent string, s Scope) bool {
	switch s.Kind() {
	case KindOwner:
		return p.isPrimary(agent)
	case KindWildcard:
		if p.isPrimary(agent) {
			return true
		}
		for _, a := range p.WildcardAgents {
			if a != "" && a == agent {
				return true
			}
		}
		return false
	case KindVaultRead, KindVaultWrite, KindAgent, KindExternal:
		return true
	case KindUnknown:
		return false
	}
	return false
}

// CanDelegate reports whether s may be passed on through a trust link.
// The owner scope and the wildcard never leave their original holder.
func (p Policy) CanDelegate(s Scope) bool {
	switch s.Kind() {
	case KindOwner, KindWildcard, KindUnknown:
		return false
	case KindVaultRead, KindVaultWrite, KindAgent, KindExternal:
		return true
	}
	return false
}

func (p Policy) isPrimary(agent string) bool {
	return p.PrimaryIssuer != "" && agent == p.PrimaryIssuer
}
