package types

import (
	"fmt"
	"strings"
)

// JID is a parsed protocol address: local@domain/resource.
type JID struct {
	Local    string
	Domain   string
	Resource string
}

// ParseJID splits an address. The domain part is required.
func ParseJID(s string) (JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return JID{}, fmt.Errorf("empty address")
	}

	var j JID
	rest := s
	if i := strings.Index(rest, "/"); i >= 0 {
		j.Resource = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.Index(rest, "@"); i >= 0 {
		j.Local = rest[:i]
		rest = rest[i+1:]
		if j.Local == "" {
			return JID{}, fmt.Errorf("empty local part in %q", s)
		}
	}
	if rest == "" {
		return JID{}, fmt.Errorf("missing domain in %q", s)
	}
	j.Domain = strings.ToLower(rest)
	return j, nil
}

// Bare returns the address without its resource.
func (j JID) Bare() string {
	if j.Local == "" {
		return j.Domain
	}
	return j.Local + "@" + j.Domain
}

func (j JID) String() string {
	if j.Resource == "" {
		return j.Bare()
	}
	return j.Bare() + "/" + j.Resource
}

// BareJID returns the bare form of s, or "" when s is not a valid address.
func BareJID(s string) string {
	j, err := ParseJID(s)
	if err != nil {
		return ""
	}
	return j.Bare()
}

// SameBare reports whether two addresses share a bare address.
func SameBare(a, b string) bool {
	ba, bb := BareJID(a), BareJID(b)
	return ba != "" && strings.EqualFold(ba, bb)
}
