package route

import (
	"context"
	"reflect"
	"testing"

	"github.com/IvanBrykalov/memproxy/mc"
)

func TestProxyNode_FlushDisabled(t *testing.T) {
	t.Parallel()

	root := newCaptureNode("root", mc.NewReply(mc.ResultFound))
	target := newCaptureNode("dest", mc.NewReply(mc.ResultOk))
	p := NewProxyNode(root, []Node{target}, false)

	rep := p.Route(context.Background(), NewRequest("k"), mc.OpFlushAll)
	if rep.Result != mc.ResultLocalError {
		t.Fatalf("Result = %v, want %v", rep.Result, mc.ResultLocalError)
	}
	if string(rep.Value) != "Command disabled" {
		t.Fatalf("Value = %q, want %q", rep.Value, "Command disabled")
	}
	if len(target.routedKeys()) != 0 || len(root.routedKeys()) != 0 {
		t.Fatal("disabled flush touched the tree")
	}
}

func TestProxyNode_FlushFansOutToAllDestinations(t *testing.T) {
	t.Parallel()

	root := newCaptureNode("root", mc.NewReply(mc.ResultFound))
	targets := []*captureNode{
		newCaptureNode("d1", mc.NewReply(mc.ResultOk)),
		newCaptureNode("d2", mc.NewReply(mc.ResultOk)),
		newCaptureNode("d3", mc.NewReply(mc.ResultOk)),
	}
	p := NewProxyNode(root, []Node{targets[0], targets[1], targets[2]}, true)

	rep := p.Route(context.Background(), NewRequest("k"), mc.OpFlushAll)
	if rep.Result != mc.ResultOk {
		t.Fatalf("Result = %v, want %v", rep.Result, mc.ResultOk)
	}
	for _, d := range targets {
		if got := len(d.routedKeys()); got != 1 {
			t.Fatalf("destination %s flushed %d times, want 1", d.Name(), got)
		}
	}
	if len(root.routedKeys()) != 0 {
		t.Fatal("flush went through the routing tree")
	}
}

// One failing destination makes the whole flush report the failure.
func TestProxyNode_FlushReportsWorstReply(t *testing.T) {
	t.Parallel()

	root := newCaptureNode("root", mc.NewReply(mc.ResultFound))
	ok := newCaptureNode("ok", mc.NewReply(mc.ResultOk))
	bad := newCaptureNode("bad", mc.ErrorReply("flush failed"))
	p := NewProxyNode(root, []Node{ok, bad}, true)

	rep := p.Route(context.Background(), NewRequest("k"), mc.OpFlushAll)
	if rep.Result != mc.ResultLocalError {
		t.Fatalf("Result = %v, want %v", rep.Result, mc.ResultLocalError)
	}
}

func TestProxyNode_DelegatesOtherOps(t *testing.T) {
	t.Parallel()

	root := newCaptureNode("root", mc.NewReply(mc.ResultFound))
	target := newCaptureNode("dest", mc.NewReply(mc.ResultOk))
	p := NewProxyNode(root, []Node{target}, true)

	for _, op := range []mc.Op{mc.OpGet, mc.OpSet, mc.OpDelete, mc.OpIncr} {
		rep := p.Route(context.Background(), NewRequest("k"), op)
		if rep.Result != mc.ResultFound {
			t.Fatalf("%v Result = %v, want the root's reply", op, rep.Result)
		}
	}
	if got := len(root.routedKeys()); got != 4 {
		t.Fatalf("root routed %d times, want 4", got)
	}
	if len(target.routedKeys()) != 0 {
		t.Fatal("non-flush operation reached a flush target")
	}
}

// The flush fan-out is not part of the configured tree shape: dumps and
// route resolution always descend through the root selector.
func TestProxyNode_CouldRouteTo(t *testing.T) {
	t.Parallel()

	root := newCaptureNode("root", mc.NewReply(mc.ResultFound))
	target := newCaptureNode("dest", mc.NewReply(mc.ResultOk))
	p := NewProxyNode(root, []Node{target}, true)

	for _, op := range []mc.Op{mc.OpGet, mc.OpFlushAll} {
		if got := p.CouldRouteTo(NewRequest("k"), op); !reflect.DeepEqual(got, []Node{Node(root)}) {
			t.Fatalf("CouldRouteTo(%v) = %v, want the root selector only", op, got)
		}
	}
}

func TestProxyNode_Name(t *testing.T) {
	t.Parallel()

	p := NewProxyNode(newCaptureNode("root", mc.NewReply(mc.ResultFound)), nil, false)
	if p.Name() != "proxy" {
		t.Fatalf("Name() = %q, want %q", p.Name(), "proxy")
	}
}
