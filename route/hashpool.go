package route

import (
	"context"
	"fmt"

	"github.com/IvanBrykalov/memproxy/internal/util"
	"github.com/IvanBrykalov/memproxy/mc"
)

// HashPoolNode selects exactly one child per request by FNV-1a hash of the
// key body modulo the pool size. The routing prefix is excluded from the
// hash so the same logical key lands on the same pool member regardless of
// which cluster prefix carried it.
type HashPoolNode struct {
	pool     string
	children []Node
}

// NewHashPoolNode builds a hash pool over children, which must be
// non-empty. The pool name appears in tree dumps.
func NewHashPoolNode(pool string, children []Node) (*HashPoolNode, error) {
	if len(children) == 0 {
		return nil, fmt.Errorf("pool %q: no members", pool)
	}
	return &HashPoolNode{pool: pool, children: children}, nil
}

func (h *HashPoolNode) Name() string { return "pool|" + h.pool }

func (h *HashPoolNode) Route(ctx context.Context, req *Request, op mc.Op) mc.Reply {
	return h.pick(req).Route(ctx, req, op)
}

// CouldRouteTo reports only the member the hash selects: the request could
// never reach the others.
func (h *HashPoolNode) CouldRouteTo(req *Request, _ mc.Op) []Node {
	return []Node{h.pick(req)}
}

func (h *HashPoolNode) pick(req *Request) Node {
	idx := util.ShardIndex(util.Fnv64a(req.KeyBody()), len(h.children))
	return h.children[idx]
}

var _ Node = (*HashPoolNode)(nil)
