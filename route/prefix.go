package route

import (
	"fmt"
	"strings"
)

// Prefix is a validated routing prefix. It is either empty or of the form
// "/region/cluster/": leading and trailing slash, exactly two non-empty
// components. Construct non-trivial values with ParsePrefix; the zero
// value is the empty prefix.
type Prefix string

// BroadcastComponent in either position of a prefix makes the root fan
// the request out to every configured prefix tree.
const BroadcastComponent = "*"

// ParsePrefix validates s as a routing prefix. The empty string is the
// valid empty prefix.
func ParsePrefix(s string) (Prefix, error) {
	if s == "" {
		return "", nil
	}
	if s[0] != '/' {
		return "", fmt.Errorf("routing prefix %q must start with '/'", s)
	}
	if s[len(s)-1] != '/' {
		return "", fmt.Errorf("routing prefix %q must end with '/'", s)
	}
	parts := strings.Split(s[1:len(s)-1], "/")
	if len(parts) != 2 {
		return "", fmt.Errorf("routing prefix %q must have exactly two components", s)
	}
	if parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("routing prefix %q has an empty component", s)
	}
	return Prefix(s), nil
}

func (p Prefix) String() string { return string(p) }

// Region returns the first component, empty for the empty prefix.
func (p Prefix) Region() string {
	r, _ := p.split()
	return r
}

// Cluster returns the second component, empty for the empty prefix.
func (p Prefix) Cluster() string {
	_, c := p.split()
	return c
}

// Broadcast reports whether either component is the broadcast marker.
func (p Prefix) Broadcast() bool {
	r, c := p.split()
	return r == BroadcastComponent || c == BroadcastComponent
}

func (p Prefix) split() (string, string) {
	if len(p) < 2 {
		return "", ""
	}
	s := string(p[1 : len(p)-1])
	i := strings.IndexByte(s, '/')
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i+1:]
}

// splitKey parses a full key into routing prefix and body. Only keys of
// the form "/x/y/rest" with non-empty x and y carry a prefix; anything
// else is all body.
func splitKey(key string) (Prefix, string) {
	if len(key) == 0 || key[0] != '/' {
		return "", key
	}
	second := strings.IndexByte(key[1:], '/')
	if second <= 0 {
		return "", key
	}
	second++
	third := strings.IndexByte(key[second+1:], '/')
	if third <= 0 {
		return "", key
	}
	third += second + 1
	return Prefix(key[:third+1]), key[third+1:]
}
