package secgw

import (
	"fmt"
	"strings"
)

// AccessRule maps a path pattern to whether callers must present an
// authenticated client identity.
//
// Patterns are slash-separated. A literal segment matches itself, "*"
// matches exactly one segment and "**" matches zero or more segments, so
// "/gateway/**" covers "/gateway" as well as everything below it.
type AccessRule struct {
	Pattern      string
	RequiresAuth bool
}

// Decision is the outcome of an access check.
type Decision struct {
	Allowed bool
	Reason  string
	Rule    AccessRule
}

// AccessPolicy is an ordered list of rules; the first matching rule wins.
// It is immutable after construction.
type AccessPolicy struct {
	rules []compiledRule
}

type compiledRule struct {
	AccessRule
	segments []string
}

// CatchAllPattern matches every path.
const CatchAllPattern = "/**"

// NewAccessPolicy validates rules and returns a policy. A permissive
// catch-all rule is appended unless one of the rules already matches every
// path, so every path resolves to some rule.
func NewAccessPolicy(rules ...AccessRule) (*AccessPolicy, error) {
	p := &AccessPolicy{}
	hasCatchAll := false
	for _, r := range rules {
		if err := validatePattern(r.Pattern); err != nil {
			return nil, err
		}
		if r.Pattern == CatchAllPattern {
			hasCatchAll = true
		}
		p.rules = append(p.rules, compiledRule{AccessRule: r, segments: splitPath(r.Pattern)})
	}
	if !hasCatchAll {
		p.rules = append(p.rules, compiledRule{
			AccessRule: AccessRule{Pattern: CatchAllPattern},
			segments:   splitPath(CatchAllPattern),
		})
	}
	return p, nil
}

// DefaultAccessPolicy protects the forwarding prefix and leaves every other
// path public.
func DefaultAccessPolicy(prefix string) *AccessPolicy {
	p, err := NewAccessPolicy(AccessRule{Pattern: strings.TrimSuffix(prefix, "/") + "/**", RequiresAuth: true})
	if err != nil {
		panic(err)
	}
	return p
}

// Rules returns a copy of the effective rule list, including the implicit
// catch-all.
func (p *AccessPolicy) Rules() []AccessRule {
	out := make([]AccessRule, len(p.rules))
	for i, r := range p.rules {
		out[i] = r.AccessRule
	}
	return out
}

// Authorize evaluates path for id. A rule requiring authentication denies
// anonymous identities.
func (p *AccessPolicy) Authorize(path string, id ClientIdentity) Decision {
	segs := splitPath(path)
	for _, r := range p.rules {
		if !matchSegments(r.segments, segs) {
			continue
		}
		if r.RequiresAuth && !id.Authenticated {
			return Decision{Reason: MsgAuthRequired, Rule: r.AccessRule}
		}
		return Decision{Allowed: true, Rule: r.AccessRule}
	}
	// Unreachable while the catch-all is present.
	return Decision{Allowed: true}
}

func validatePattern(pattern string) error {
	if !strings.HasPrefix(pattern, "/") {
		return fmt.Errorf("access rule pattern %q must start with /", pattern)
	}
	for _, s := range splitPath(pattern) {
		if s != "**" && strings.Contains(s, "**") {
			return fmt.Errorf("access rule pattern %q: ** must be a whole segment", pattern)
		}
	}
	return nil
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegments(pattern, path []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "**":
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(path); i++ {
				if matchSegments(rest, path[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(path) == 0 {
				return false
			}
		default:
			if len(path) == 0 || path[0] != pattern[0] {
				return false
			}
		}
		pattern, path = pattern[1:], path[1:]
	}
	return len(path) == 0
}
