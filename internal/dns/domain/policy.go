package domain

import (
	"fmt"
	"strings"
)

// Policy states what a rule list contributes to the blocklist.
type Policy uint8

const (
	// PolicyDeny blocks every host listed by the source.
	PolicyDeny Policy = iota
	// PolicyAllow removes listed hosts from the blocklist built so far.
	PolicyAllow
	// PolicyIgnore disables the source entirely.
	PolicyIgnore
)

// String returns the textual representation of the Policy.
func (p Policy) String() string {
	switch p {
	case PolicyDeny:
		return "deny"
	case PolicyAllow:
		return "allow"
	case PolicyIgnore:
		return "ignore"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", p)
	}
}

// IsValid reports whether p is one of the known policies.
func (p Policy) IsValid() bool {
	return p <= PolicyIgnore
}

// ParsePolicy converts a policy name into a Policy. "block" is accepted as an
// alias for deny.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "deny", "block":
		return PolicyDeny, nil
	case "allow":
		return PolicyAllow, nil
	case "ignore":
		return PolicyIgnore, nil
	default:
		return PolicyIgnore, fmt.Errorf("unknown policy %q", s)
	}
}
