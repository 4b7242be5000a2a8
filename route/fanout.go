package route

import (
	"context"
	"sync"

	"github.com/IvanBrykalov/memproxy/mc"
)

// TaskRunner starts detached units of work. The proxy passes its
// scheduler; tests pass a synchronous stub.
type TaskRunner interface {
	Spawn(fn func())
}

// AllSyncNode routes to every child, waits for all of them and answers
// the worst reply, so a failure anywhere in the fan-out is visible to the
// caller. Flush fan-outs use it.
type AllSyncNode struct {
	name     string
	children []Node
}

// NewAllSyncNode builds a synchronous fan-out. Zero children is allowed;
// such a node degenerates into a NullNode.
func NewAllSyncNode(name string, children []Node) *AllSyncNode {
	return &AllSyncNode{name: name, children: children}
}

func (a *AllSyncNode) Name() string { return "all-sync|" + a.name }

func (a *AllSyncNode) Route(ctx context.Context, req *Request, op mc.Op) mc.Reply {
	switch {
	case len(a.children) == 0:
		return mc.DefaultReply(op)
	case len(a.children) == 1 || req.Recording():
		// Recording traversals stay sequential so destinations register
		// in child order.
		reply := a.children[0].Route(ctx, req, op)
		for _, c := range a.children[1:] {
			reply = mc.WorstOf(reply, c.Route(ctx, req, op))
		}
		return reply
	}

	// Live traffic fans out concurrently; replies fold in child order so
	// ties resolve deterministically.
	replies := make([]mc.Reply, len(a.children))
	var wg sync.WaitGroup
	wg.Add(len(a.children))
	for i, c := range a.children {
		go func(i int, c Node) {
			defer wg.Done()
			replies[i] = c.Route(ctx, req, op)
		}(i, c)
	}
	wg.Wait()

	reply := replies[0]
	for _, r := range replies[1:] {
		reply = mc.WorstOf(reply, r)
	}
	return reply
}

func (a *AllSyncNode) CouldRouteTo(*Request, mc.Op) []Node { return a.children }

// AllAsyncNode hands the request to every child as a detached task and
// immediately answers the neutral reply; children's replies are discarded.
// In recording mode each child is bracketed with Pend/Done on the
// request's Recorder so the admin barrier observes every registration.
type AllAsyncNode struct {
	name     string
	children []Node
	runner   TaskRunner
}

// NewAllAsyncNode builds a detached fan-out running children on runner.
func NewAllAsyncNode(name string, children []Node, runner TaskRunner) *AllAsyncNode {
	return &AllAsyncNode{name: name, children: children, runner: runner}
}

func (a *AllAsyncNode) Name() string { return "all-async|" + a.name }

func (a *AllAsyncNode) Route(ctx context.Context, req *Request, op mc.Op) mc.Reply {
	if rec := req.Recorder(); rec != nil {
		for _, c := range a.children {
			// Pend strictly before the task starts: the barrier must see
			// the unit while the driver still holds its own.
			rec.Pend()
			c := c
			a.runner.Spawn(func() {
				defer rec.Done()
				c.Route(ctx, req, op)
			})
		}
		return mc.DefaultReply(op)
	}

	// Detached children outlive the caller's frame: clone once and cut
	// the cancellation tie to the originating request.
	creq := req.Clone()
	dctx := context.WithoutCancel(ctx)
	for _, c := range a.children {
		c := c
		a.runner.Spawn(func() {
			c.Route(dctx, creq, op)
		})
	}
	return mc.DefaultReply(op)
}

func (a *AllAsyncNode) CouldRouteTo(*Request, mc.Op) []Node { return a.children }

var (
	_ Node = (*AllSyncNode)(nil)
	_ Node = (*AllAsyncNode)(nil)
)
