package security

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// Rule allows Client to call Service.Method. Each part may use path.Match
// wildcards, so "*" matches anything.
type Rule struct {
	Client  string
	Service string
	Method  string
}

// ParseRule reads "client:Service.method".
func ParseRule(s string) (Rule, error) {
	client, target, ok := strings.Cut(s, ":")
	if !ok {
		return Rule{}, fmt.Errorf("security: rule %q: missing client", s)
	}
	service, method, ok := strings.Cut(target, ".")
	if !ok || client == "" || service == "" || method == "" {
		return Rule{}, fmt.Errorf("security: rule %q is not client:Service.method", s)
	}
	for _, part := range []string{client, service, method} {
		if _, err := path.Match(part, ""); err != nil {
			return Rule{}, fmt.Errorf("security: rule %q: %w", s, err)
		}
	}
	return Rule{Client: client, Service: service, Method: method}, nil
}

func (r Rule) matches(client, service, method string) bool {
	return match(r.Client, client) && match(r.Service, service) && match(r.Method, method)
}

func match(pattern, s string) bool {
	ok, _ := path.Match(pattern, s)
	return ok
}

// ACL allows a call when any rule matches and denies it otherwise.
type ACL struct {
	rules []Rule
}

func NewACL(rules ...Rule) *ACL {
	return &ACL{rules: rules}
}

// ParseACL builds an ACL from "client:Service.method" strings.
func ParseACL(entries []string) (*ACL, error) {
	rules := make([]Rule, 0, len(entries))
	for _, s := range entries {
		r, err := ParseRule(s)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return NewACL(rules...), nil
}

func (a *ACL) Authorize(_ context.Context, session Session, service, method string) Decision {
	for _, r := range a.rules {
		if r.matches(session.ClientID, service, method) {
			return Decision{Allowed: true}
		}
	}
	return Decision{Reason: "no matching allow rule"}
}
