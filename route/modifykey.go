package route

import (
	"context"
	"fmt"
	"strings"

	"github.com/IvanBrykalov/memproxy/mc"
)

// ModifyKeyConfig configures a ModifyKeyNode.
type ModifyKeyConfig struct {
	// SetRoutingPrefix replaces the request's routing prefix. Nil leaves
	// the prefix alone; a pointer to the empty string strips it.
	SetRoutingPrefix *string

	// EnsureKeyPrefix is prepended to the key body whenever the body does
	// not already start with it. Empty disables the check.
	EnsureKeyPrefix string
}

// ModifyKeyNode rewrites the key of the current request before handing it
// to its single target.
//
// With SetRoutingPrefix "/a/b/" and EnsureKeyPrefix "foo":
//
//	"/a/b/a" -> "/a/b/fooa"
//	"foo"    -> "/a/b/foo"
//	"/b/c/o" -> "/a/b/fooo"
type ModifyKeyNode struct {
	target        Node
	routingPrefix *Prefix
	keyPrefix     string
}

// NewModifyKeyNode validates cfg and builds the node. A non-empty
// replacement prefix must parse as a routing prefix; a non-empty key
// prefix must itself be a valid backend key.
func NewModifyKeyNode(target Node, cfg ModifyKeyConfig) (*ModifyKeyNode, error) {
	if target == nil {
		return nil, fmt.Errorf("modify-key: no target")
	}
	n := &ModifyKeyNode{target: target, keyPrefix: cfg.EnsureKeyPrefix}
	if cfg.SetRoutingPrefix != nil {
		p, err := ParsePrefix(*cfg.SetRoutingPrefix)
		if err != nil {
			return nil, fmt.Errorf("modify-key: set_routing_prefix: %w", err)
		}
		n.routingPrefix = &p
	}
	if cfg.EnsureKeyPrefix != "" {
		if err := mc.CheckKey(cfg.EnsureKeyPrefix); err != nil {
			return nil, fmt.Errorf("modify-key: invalid key prefix %q: %w",
				cfg.EnsureKeyPrefix, err)
		}
	}
	return n, nil
}

func (m *ModifyKeyNode) Name() string { return "modify-key" }

// Route rewrites the key if needed and forwards. Priority order: ensure
// the key-body prefix first, then apply a differing replacement routing
// prefix, otherwise forward the original request untouched.
func (m *ModifyKeyNode) Route(ctx context.Context, req *Request, op mc.Op) mc.Reply {
	rp := req.RoutingPrefix()
	if m.routingPrefix != nil {
		rp = *m.routingPrefix
	}

	if !strings.HasPrefix(req.KeyBody(), m.keyPrefix) {
		return m.routeWithKey(ctx, req, string(rp)+m.keyPrefix+req.KeyBody(), op)
	}
	if m.routingPrefix != nil && rp != req.RoutingPrefix() {
		return m.routeWithKey(ctx, req, string(rp)+req.KeyBody(), op)
	}
	return m.target.Route(ctx, req, op)
}

// CouldRouteTo always reports the single target: the rewrite changes the
// key sent, never the node it goes to.
func (m *ModifyKeyNode) CouldRouteTo(*Request, mc.Op) []Node {
	return []Node{m.target}
}

// routeWithKey revalidates the rewritten key and forwards a copy of the
// request carrying it. Invalid rewrites answer on the spot; the target
// never sees them.
func (m *ModifyKeyNode) routeWithKey(ctx context.Context, req *Request, key string, op mc.Op) mc.Reply {
	if err := mc.CheckKey(key); err != nil {
		return mc.ClientErrorReply("modify-key: invalid key: " + err.Error())
	}
	return m.target.Route(ctx, req.WithKey(key), op)
}

var _ Node = (*ModifyKeyNode)(nil)
