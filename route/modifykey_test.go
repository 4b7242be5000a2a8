package route

import (
	"context"
	"strings"
	"testing"

	"github.com/IvanBrykalov/memproxy/mc"
)

func strptr(s string) *string { return &s }

func TestNewModifyKeyNode_Validation(t *testing.T) {
	t.Parallel()

	leaf := newCaptureNode("leaf", mc.NewReply(mc.ResultFound))

	cases := []struct {
		name   string
		target Node
		cfg    ModifyKeyConfig
		ok     bool
	}{
		{"no target", nil, ModifyKeyConfig{}, false},
		{"empty config", leaf, ModifyKeyConfig{}, true},
		{"valid prefix", leaf, ModifyKeyConfig{SetRoutingPrefix: strptr("/a/b/")}, true},
		{"explicit empty prefix", leaf, ModifyKeyConfig{SetRoutingPrefix: strptr("")}, true},
		{"bad prefix", leaf, ModifyKeyConfig{SetRoutingPrefix: strptr("/a/b")}, false},
		{"bad prefix components", leaf, ModifyKeyConfig{SetRoutingPrefix: strptr("/a/b/c/")}, false},
		{"valid key prefix", leaf, ModifyKeyConfig{EnsureKeyPrefix: "mp:"}, true},
		{"key prefix with space", leaf, ModifyKeyConfig{EnsureKeyPrefix: "bad prefix"}, false},
		{"key prefix with control char", leaf, ModifyKeyConfig{EnsureKeyPrefix: "bad\x01"}, false},
	}
	for _, tc := range cases {
		_, err := NewModifyKeyNode(tc.target, tc.cfg)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: want error", tc.name)
		}
	}
}

// Replacement prefix rewriting must hit exactly the configured prefix and
// be idempotent: applying the node to its own output forwards unmodified.
func TestModifyKey_SetRoutingPrefix(t *testing.T) {
	t.Parallel()

	cases := []struct {
		prefix string
		in     string
		out    string
	}{
		{"/a/b/", "foo", "/a/b/foo"},
		{"/a/b/", "/a/b/foo", "/a/b/foo"}, // already there: no rewrite
		{"/a/b/", "/c/d/foo", "/a/b/foo"},
		{"", "/c/d/foo", "foo"}, // explicit empty prefix strips
		{"", "foo", "foo"},
	}
	for _, tc := range cases {
		leaf := newCaptureNode("leaf", mc.NewReply(mc.ResultFound))
		n, err := NewModifyKeyNode(leaf, ModifyKeyConfig{SetRoutingPrefix: strptr(tc.prefix)})
		if err != nil {
			t.Fatal(err)
		}

		n.Route(context.Background(), NewRequest(tc.in), mc.OpGet)
		got := leaf.routedKeys()
		if len(got) != 1 || got[0] != tc.out {
			t.Fatalf("prefix %q key %q: routed %v, want [%s]", tc.prefix, tc.in, got, tc.out)
		}

		// Idempotence: re-applying to the rewritten key changes nothing.
		n.Route(context.Background(), NewRequest(tc.out), mc.OpGet)
		got = leaf.routedKeys()
		if got[1] != tc.out {
			t.Fatalf("prefix %q: second application %q, want %q", tc.prefix, got[1], tc.out)
		}
	}
}

func TestModifyKey_EnsureKeyPrefix(t *testing.T) {
	t.Parallel()

	leaf := newCaptureNode("leaf", mc.NewReply(mc.ResultFound))
	n, err := NewModifyKeyNode(leaf, ModifyKeyConfig{
		SetRoutingPrefix: strptr("/a/b/"),
		EnsureKeyPrefix:  "foo",
	})
	if err != nil {
		t.Fatal(err)
	}

	// Mirrors the node's documented examples.
	cases := []struct{ in, out string }{
		{"/a/b/a", "/a/b/fooa"},
		{"foo", "/a/b/foo"},
		{"/b/c/o", "/a/b/fooo"},
	}
	for _, tc := range cases {
		leaf.mu.Lock()
		leaf.keys = nil
		leaf.mu.Unlock()

		n.Route(context.Background(), NewRequest(tc.in), mc.OpGet)
		got := leaf.routedKeys()
		if len(got) != 1 || got[0] != tc.out {
			t.Fatalf("key %q: routed %v, want [%s]", tc.in, got, tc.out)
		}
	}
}

// When neither rule fires, the original request is forwarded: same
// pointer, no copy.
func TestModifyKey_NoCloneWhenUnchanged(t *testing.T) {
	t.Parallel()

	leaf := newCaptureNode("leaf", mc.NewReply(mc.ResultFound))
	n, err := NewModifyKeyNode(leaf, ModifyKeyConfig{
		SetRoutingPrefix: strptr("/a/b/"),
		EnsureKeyPrefix:  "foo",
	})
	if err != nil {
		t.Fatal(err)
	}

	req := NewRequest("/a/b/foox")
	n.Route(context.Background(), req, mc.OpGet)
	if leaf.lastReq() != req {
		t.Fatal("unchanged request must be forwarded without cloning")
	}

	// And the rewriting path must forward a different request, leaving
	// the original untouched.
	req2 := NewRequest("/c/d/foox")
	n.Route(context.Background(), req2, mc.OpGet)
	if leaf.lastReq() == req2 {
		t.Fatal("rewritten request must be a copy")
	}
	if req2.Key() != "/c/d/foox" {
		t.Fatalf("original mutated to %q", req2.Key())
	}
}

// A rewrite that produces an invalid key answers an invalid-request reply
// and never reaches the target.
func TestModifyKey_InvalidRewrite(t *testing.T) {
	t.Parallel()

	leaf := newCaptureNode("leaf", mc.NewReply(mc.ResultFound))
	long := strings.Repeat("x", mc.MaxKeyLen) // valid alone, too long once prefixed
	n, err := NewModifyKeyNode(leaf, ModifyKeyConfig{EnsureKeyPrefix: long})
	if err != nil {
		t.Fatal(err)
	}

	rep := n.Route(context.Background(), NewRequest("key"), mc.OpGet)
	if rep.Result != mc.ResultClientError {
		t.Fatalf("result = %v, want client_error", rep.Result)
	}
	if !strings.Contains(string(rep.Value), "invalid key") {
		t.Fatalf("diagnostic = %q", rep.Value)
	}
	if keys := leaf.routedKeys(); len(keys) != 0 {
		t.Fatalf("target must not see invalid rewrites, got %v", keys)
	}
}

// An invalid rewrite inside a recording traversal registers nothing; the
// empty result is a valid outcome.
func TestModifyKey_InvalidRewriteRecordsNothing(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{key: "a:1", reply: mc.NewReply(mc.ResultFound)}
	long := strings.Repeat("x", mc.MaxKeyLen)
	n, err := NewModifyKeyNode(NewDestinationNode(sender), ModifyKeyConfig{EnsureKeyPrefix: long})
	if err != nil {
		t.Fatal(err)
	}

	rec := NewRecorder()
	req := NewRequest("key")
	req.SetRecorder(rec)
	n.Route(context.Background(), req, mc.OpGet)

	if dests := rec.Wait(); len(dests) != 0 {
		t.Fatalf("recorded %v, want nothing", dests)
	}
}

func TestModifyKey_CouldRouteTo(t *testing.T) {
	t.Parallel()

	leaf := newCaptureNode("leaf", mc.NewReply(mc.ResultFound))
	n, err := NewModifyKeyNode(leaf, ModifyKeyConfig{SetRoutingPrefix: strptr("/a/b/")})
	if err != nil {
		t.Fatal(err)
	}

	// The child set is the target regardless of what the rewrite would do.
	for _, key := range []string{"foo", "/a/b/foo", "/c/d/foo"} {
		kids := n.CouldRouteTo(NewRequest(key), mc.OpGet)
		if len(kids) != 1 || kids[0] != Node(leaf) {
			t.Fatalf("key %q: CouldRouteTo = %v", key, kids)
		}
	}
}
