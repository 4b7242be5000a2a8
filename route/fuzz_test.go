package route

import (
	"strings"
	"testing"
)

// Fuzz the key splitter. Splitting must never panic, prefix and body must
// reassemble into the original key, and every extracted prefix must be a
// valid routing prefix.
func FuzzSplitKey(f *testing.F) {
	f.Add("")
	f.Add("plain")
	f.Add("/west/main/user:1")
	f.Add("/*/*/user:1")
	f.Add("//x/y")
	f.Add("/a//b")
	f.Add("/a/b/")
	f.Add("/a/b")
	f.Add(strings.Repeat("/", 64))

	f.Fuzz(func(t *testing.T, key string) {
		prefix, body := splitKey(key)
		if string(prefix)+body != key {
			t.Fatalf("splitKey(%q) = %q + %q, does not reassemble", key, prefix, body)
		}
		if prefix == "" {
			return
		}
		if _, err := ParsePrefix(string(prefix)); err != nil {
			t.Fatalf("splitKey(%q) produced invalid prefix %q: %v", key, prefix, err)
		}

		// The request constructor must agree with the splitter.
		req := NewRequest(key)
		if req.RoutingPrefix() != prefix || req.KeyBody() != body {
			t.Fatalf("NewRequest(%q) split into %q + %q, want %q + %q",
				key, req.RoutingPrefix(), req.KeyBody(), prefix, body)
		}
	})
}
