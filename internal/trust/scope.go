package trust

import (
	"fmt"
	"strings"
)

// Permission is the access level a scope grants over its partition prefix.
type Permission string

const (
	PermissionRead      Permission = "read"
	PermissionWrite     Permission = "write"
	PermissionReadWrite Permission = "read-write"
)

// Valid reports whether the permission is one of the known levels.
func (p Permission) Valid() bool {
	switch p {
	case PermissionRead, PermissionWrite, PermissionReadWrite:
		return true
	}
	return false
}

// Implies reports whether holding p satisfies a request for q.
// Write implies read: a peer allowed to write a partition may also read it.
func (p Permission) Implies(q Permission) bool {
	switch p {
	case PermissionReadWrite:
		return true
	case PermissionWrite:
		return q == PermissionWrite || q == PermissionRead
	case PermissionRead:
		return q == PermissionRead
	}
	return false
}

// Scope binds a partition prefix to a permission level. A certificate
// carrying a scope authorizes its holder for every partition under the
// prefix, at that permission or weaker.
type Scope struct {
	Prefix     string     `json:"prefix"`
	Permission Permission `json:"permission"`
}

// Validate rejects malformed scopes. Prefixes follow the same segment
// rules as partitions; in particular '..' segments are rejected so a
// requested scope cannot traverse out of a granted prefix.
func (s Scope) Validate() error {
	if s.Prefix == "" {
		return fmt.Errorf("scope prefix cannot be empty")
	}
	if !s.Permission.Valid() {
		return fmt.Errorf("unknown permission %q", s.Permission)
	}
	for _, seg := range strings.Split(s.Prefix, "/") {
		switch seg {
		case "":
			return fmt.Errorf("scope prefix %q contains empty segment", s.Prefix)
		case ".", "..":
			return fmt.Errorf("scope prefix %q contains relative segment", s.Prefix)
		}
	}
	return nil
}

// Contains reports whether other is a subset of this scope: its prefix
// lies under this prefix (whole segments, not string prefixes) and its
// permission is implied by this one.
func (s Scope) Contains(other Scope) bool {
	if !s.Permission.Implies(other.Permission) {
		return false
	}
	return prefixContains(s.Prefix, other.Prefix)
}

// CoversPartition reports whether a partition path falls under the scope
// prefix.
func (s Scope) CoversPartition(partition string) bool {
	return prefixContains(s.Prefix, partition)
}

func (s Scope) String() string {
	return fmt.Sprintf("%s[%s]", s.Prefix, s.Permission)
}

// prefixContains checks segment-wise path containment, so "reports" does
// not contain "reports2/x".
func prefixContains(prefix, path string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}
