package route

import (
	"context"

	"github.com/IvanBrykalov/memproxy/mc"
)

// ProxyNode is the top of every built tree. It delegates to the root
// selector, except for flush_all: that either fans out to every configured
// destination or, when the flush command is disabled, is refused without
// touching any backend.
type ProxyNode struct {
	root        Node
	flush       Node
	enableFlush bool
}

// NewProxyNode wraps root. flushTargets are the destination leaves of the
// whole configuration; flush_all bypasses the tree and hits all of them.
func NewProxyNode(root Node, flushTargets []Node, enableFlush bool) *ProxyNode {
	return &ProxyNode{
		root:        root,
		flush:       NewAllSyncNode("flush", flushTargets),
		enableFlush: enableFlush,
	}
}

func (p *ProxyNode) Name() string { return "proxy" }

func (p *ProxyNode) Route(ctx context.Context, req *Request, op mc.Op) mc.Reply {
	if op == mc.OpFlushAll {
		if !p.enableFlush {
			return mc.ErrorReply("Command disabled")
		}
		return p.flush.Route(ctx, req, op)
	}
	return p.root.Route(ctx, req, op)
}

// CouldRouteTo reports the root selector for every operation, flush
// included: the flush fan-out is an implementation detail, not part of
// the configured tree shape.
func (p *ProxyNode) CouldRouteTo(*Request, mc.Op) []Node {
	return []Node{p.root}
}

var _ Node = (*ProxyNode)(nil)
