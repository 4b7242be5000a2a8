package route

import (
	"context"
	"fmt"
	"strconv"
	"testing"

	"github.com/IvanBrykalov/memproxy/internal/util"
	"github.com/IvanBrykalov/memproxy/mc"
)

func capturePool(t *testing.T, name string, size int) (*HashPoolNode, []*captureNode) {
	t.Helper()
	counts := make([]*captureNode, size)
	members := make([]Node, size)
	for i := range members {
		counts[i] = newCaptureNode(fmt.Sprintf("m%d", i), mc.NewReply(mc.ResultFound))
		members[i] = counts[i]
	}
	h, err := NewHashPoolNode(name, members)
	if err != nil {
		t.Fatalf("NewHashPoolNode: %v", err)
	}
	return h, counts
}

func TestNewHashPoolNode_RejectsEmptyPool(t *testing.T) {
	t.Parallel()

	if _, err := NewHashPoolNode("main", nil); err == nil {
		t.Fatal("NewHashPoolNode with no members: want error")
	}
}

func TestHashPoolNode_PickIsDeterministic(t *testing.T) {
	t.Parallel()

	h, counts := capturePool(t, "main", 3)
	for i := 0; i < 10; i++ {
		h.Route(context.Background(), NewRequest("user:42"), mc.OpGet)
	}

	want := util.ShardIndex(util.Fnv64a("user:42"), len(counts))
	for i, m := range counts {
		got := len(m.routedKeys())
		if i == want && got != 10 {
			t.Fatalf("member %d routed %d times, want all 10", i, got)
		}
		if i != want && got != 0 {
			t.Fatalf("member %d routed %d times, want 0", i, got)
		}
	}
}

// The same key body lands on the same member no matter which routing
// prefix carried it.
func TestHashPoolNode_PrefixExcludedFromHash(t *testing.T) {
	t.Parallel()

	h, counts := capturePool(t, "main", 4)
	for _, key := range []string{
		"user:42",
		"/west/main/user:42",
		"/east/backup/user:42",
	} {
		h.Route(context.Background(), NewRequest(key), mc.OpGet)
	}

	want := util.ShardIndex(util.Fnv64a("user:42"), len(counts))
	for i, m := range counts {
		got := len(m.routedKeys())
		if i == want && got != 3 {
			t.Fatalf("member %d routed %d times, want all 3", i, got)
		}
		if i != want && got != 0 {
			t.Fatalf("member %d routed %d times, want 0", i, got)
		}
	}
}

func TestHashPoolNode_KeysSpread(t *testing.T) {
	t.Parallel()

	h, counts := capturePool(t, "main", 8)
	const keys = 1000
	for i := 0; i < keys; i++ {
		h.Route(context.Background(), NewRequest("k:"+strconv.Itoa(i)), mc.OpGet)
	}

	total := 0
	for i, m := range counts {
		n := len(m.routedKeys())
		if n == 0 {
			t.Errorf("member %d received no keys out of %d", i, keys)
		}
		total += n
	}
	if total != keys {
		t.Fatalf("members routed %d keys in total, want %d", total, keys)
	}
}

func TestHashPoolNode_CouldRouteTo(t *testing.T) {
	t.Parallel()

	h, counts := capturePool(t, "main", 3)
	req := NewRequest("user:42")
	got := h.CouldRouteTo(req, mc.OpGet)
	if len(got) != 1 {
		t.Fatalf("CouldRouteTo returned %d nodes, want exactly the picked member", len(got))
	}
	want := util.ShardIndex(util.Fnv64a("user:42"), len(counts))
	if got[0] != Node(counts[want]) {
		t.Fatalf("CouldRouteTo = %s, want member %d", got[0].Name(), want)
	}
}

func TestHashPoolNode_Name(t *testing.T) {
	t.Parallel()

	h, _ := capturePool(t, "main", 1)
	if h.Name() != "pool|main" {
		t.Fatalf("Name() = %q, want %q", h.Name(), "pool|main")
	}
}
