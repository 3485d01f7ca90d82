// Package guard is the capability table gating every mutating pipeline
// operation. It is pure: no storage, no I/O, nothing but the table below.
package guard

import "fmt"

// DeniedError indicates the acting tier lacks the capability.
type DeniedError struct {
	Tier   string
	Action string
}

func (e DeniedError) Error() string {
	return fmt.Sprintf("tier %s may not %s", e.Tier, e.Action)
}

// capabilities maps tier to the actions it may perform. Grants are
// cumulative from limited upward. Anything not listed is denied, so an
// unknown tier or a typo'd action fails closed.
var capabilities = map[string]map[string]bool{
	"anonymous": {},
	"limited": {
		"submit":   true,
		"vote":     true,
		"feedback": true,
	},
	"promoted": {
		"submit":   true,
		"vote":     true,
		"feedback": true,
		"approve":  true,
		"reject":   true,
		"promote":  true,
	},
	"admin": {
		"submit":         true,
		"vote":           true,
		"feedback":       true,
		"approve":        true,
		"reject":         true,
		"promote":        true,
		"admin_override": true,
	},
}

// Allow returns nil when tier grants action and DeniedError otherwise.
func Allow(tier, action string) error {
	if capabilities[tier][action] {
		return nil
	}
	return DeniedError{Tier: tier, Action: action}
}

// Can reports whether tier grants action.
func Can(tier, action string) bool {
	return capabilities[tier][action]
}

// ValidTier reports whether tier is one of the known permission classes.
func ValidTier(tier string) bool {
	_, ok := capabilities[tier]
	return ok
}
