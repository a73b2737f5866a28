// Package urn provides parsing and validation for organization identifiers.
//
// URN format: urn:[namespace]:[name]
//
// Examples:
//
//	urn:coop:sunrise-bakery
//	urn:coop:river-housing
//
// The namespace groups members of one federation (e.g. "coop"). The name is
// the organization's identifier within it and may itself contain colons.
// Comparison is exact: the node treats a URN as an opaque key once parsed.
package urn

import (
	"fmt"
	"strings"
)

const scheme = "urn"

// URN represents a parsed organization URN.
type URN struct {
	Namespace string // e.g. "coop"
	Name      string // e.g. "sunrise-bakery"
}

// Parse parses a urn:namespace:name string.
func Parse(raw string) (*URN, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid URN %q: expected urn:namespace:name", raw)
	}
	if parts[0] != scheme {
		return nil, fmt.Errorf("unsupported scheme %q: expected %q", parts[0], scheme)
	}
	if err := validateNamespace(parts[1]); err != nil {
		return nil, err
	}
	if err := validateName(parts[2]); err != nil {
		return nil, err
	}
	return &URN{Namespace: parts[1], Name: parts[2]}, nil
}

// Valid reports whether raw parses as a URN.
func Valid(raw string) bool {
	_, err := Parse(raw)
	return err == nil
}

// String returns the urn:namespace:name form.
func (u *URN) String() string {
	return fmt.Sprintf("%s:%s:%s", scheme, u.Namespace, u.Name)
}

// MustParse parses a URN and panics on error. Useful in tests and init blocks.
func MustParse(raw string) *URN {
	u, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// validateNamespace allows letters, digits and hyphens, not leading with a hyphen.
func validateNamespace(ns string) error {
	if ns == "" {
		return fmt.Errorf("namespace must not be empty")
	}
	if len(ns) > 32 {
		return fmt.Errorf("namespace %q longer than 32 characters", ns)
	}
	if ns[0] == '-' {
		return fmt.Errorf("namespace %q must not start with a hyphen", ns)
	}
	for _, r := range ns {
		if !isAlnum(r) && r != '-' {
			return fmt.Errorf("namespace %q contains invalid character %q", ns, r)
		}
	}
	return nil
}

// validateName rejects whitespace, path and query characters.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if strings.ContainsAny(name, " \t\r\n/\\?#") {
		return fmt.Errorf("name %q contains invalid characters", name)
	}
	return nil
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
