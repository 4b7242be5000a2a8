package route

import (
	"context"
	"fmt"
	"sort"

	"github.com/IvanBrykalov/memproxy/mc"
)

// RootNode selects the child tree by the request's routing prefix.
// Unmatched and empty prefixes fall back to the default tree; a broadcast
// prefix (either component "*") fans the request out to every prefix tree
// in sorted prefix order.
type RootNode struct {
	fallback      Node
	trees         map[Prefix]Node
	sorted        []Node // prefix trees in sorted prefix order, for broadcast
	defaultPrefix Prefix
}

// NewRootNode builds the prefix selector. fallback handles requests whose
// prefix matches no tree and must not be nil. defaultPrefix, when
// non-empty, stands in for requests that carry no prefix at all.
func NewRootNode(fallback Node, trees map[Prefix]Node, defaultPrefix Prefix) (*RootNode, error) {
	if fallback == nil {
		return nil, fmt.Errorf("root: no default route")
	}
	r := &RootNode{fallback: fallback, trees: trees, defaultPrefix: defaultPrefix}

	prefixes := make([]Prefix, 0, len(trees))
	for p := range trees {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool { return prefixes[i] < prefixes[j] })
	for _, p := range prefixes {
		r.sorted = append(r.sorted, trees[p])
	}
	return r, nil
}

func (r *RootNode) Name() string { return "root" }

func (r *RootNode) Route(ctx context.Context, req *Request, op mc.Op) mc.Reply {
	if p := r.effectivePrefix(req); p.Broadcast() {
		if len(r.sorted) == 0 {
			return mc.DefaultReply(op)
		}
		reply := r.sorted[0].Route(ctx, req, op)
		for _, n := range r.sorted[1:] {
			reply = mc.WorstOf(reply, n.Route(ctx, req, op))
		}
		return reply
	} else if n, ok := r.trees[p]; ok {
		return n.Route(ctx, req, op)
	}
	return r.fallback.Route(ctx, req, op)
}

func (r *RootNode) CouldRouteTo(req *Request, _ mc.Op) []Node {
	if p := r.effectivePrefix(req); p.Broadcast() {
		return r.sorted
	} else if n, ok := r.trees[p]; ok {
		return []Node{n}
	}
	return []Node{r.fallback}
}

func (r *RootNode) effectivePrefix(req *Request) Prefix {
	p := req.RoutingPrefix()
	if p == "" {
		return r.defaultPrefix
	}
	return p
}

var _ Node = (*RootNode)(nil)
