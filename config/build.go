package config

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/IvanBrykalov/memproxy/backend"
	"github.com/IvanBrykalov/memproxy/route"
)

// SenderMap resolves destinations to shared senders. backend.Map is the
// production implementation; tests substitute fakes.
type SenderMap interface {
	For(ctx context.Context, d backend.Destination) (route.Sender, error)
}

// BuildEnv carries everything node construction needs beyond the
// document itself.
type BuildEnv struct {
	// Senders resolves every destination leaf. Required.
	Senders SenderMap

	// Runner executes detached fan-out tasks. Nil spawns plain
	// goroutines.
	Runner route.TaskRunner

	// EnableFlush lets flush_all through to backends.
	EnableFlush bool

	// DefaultRoute is the routing prefix assumed for keys that carry
	// none. Empty disables the assumption.
	DefaultRoute string

	// ServerTimeout applies to destinations that declare no timeout.
	ServerTimeout time.Duration
}

type goRunner struct{}

func (goRunner) Spawn(fn func()) { go fn() }

// builder resolves one document into a tree. Named handles build once and
// are shared by reference; a handle that (transitively) references itself
// fails the build instead of recursing forever.
type builder struct {
	ctx context.Context
	env BuildEnv
	doc *Document

	pools       map[string]route.Node
	handleSpecs map[string]NodeSpec
	handles     map[string]route.Node
	building    map[string]bool

	flushSeen    map[string]bool
	flushTargets []route.Node
}

// build resolves doc into a routing tree. The second return is the number
// of distinct destinations the tree reaches.
func build(ctx context.Context, doc *Document, env BuildEnv) (route.Node, int, error) {
	if env.Senders == nil {
		return nil, 0, fmt.Errorf("config: build: no sender map")
	}
	if env.Runner == nil {
		env.Runner = goRunner{}
	}
	if doc.Route == nil && len(doc.Routes) == 0 {
		return nil, 0, fmt.Errorf("config: document defines neither route nor routes")
	}

	b := &builder{
		ctx:         ctx,
		env:         env,
		doc:         doc,
		pools:       make(map[string]route.Node),
		handleSpecs: make(map[string]NodeSpec, len(doc.NamedHandles)),
		handles:     make(map[string]route.Node),
		building:    make(map[string]bool),
		flushSeen:   make(map[string]bool),
	}
	for _, spec := range doc.NamedHandles {
		if spec.Name == "" {
			return nil, 0, fmt.Errorf("config: named handle without a name")
		}
		if _, dup := b.handleSpecs[spec.Name]; dup {
			return nil, 0, fmt.Errorf("config: duplicate named handle %q", spec.Name)
		}
		b.handleSpecs[spec.Name] = spec
	}

	// Sorted order keeps rebuilds byte-for-byte reproducible.
	prefixes := make([]string, 0, len(doc.Routes))
	for prefixStr := range doc.Routes {
		prefixes = append(prefixes, prefixStr)
	}
	sort.Strings(prefixes)

	trees := make(map[route.Prefix]route.Node, len(doc.Routes))
	for _, prefixStr := range prefixes {
		p, err := route.ParsePrefix(prefixStr)
		if err != nil {
			return nil, 0, fmt.Errorf("config: routes: %w", err)
		}
		if p == "" {
			return nil, 0, fmt.Errorf("config: routes: empty prefix")
		}
		n, err := b.node(doc.Routes[prefixStr])
		if err != nil {
			return nil, 0, fmt.Errorf("config: route %s: %w", p, err)
		}
		trees[p] = n
	}

	var fallback route.Node = route.NullNode{}
	if doc.Route != nil {
		n, err := b.node(*doc.Route)
		if err != nil {
			return nil, 0, fmt.Errorf("config: route: %w", err)
		}
		fallback = n
	}

	defaultPrefix, err := route.ParsePrefix(env.DefaultRoute)
	if err != nil {
		return nil, 0, fmt.Errorf("config: default route: %w", err)
	}

	root, err := route.NewRootNode(fallback, trees, defaultPrefix)
	if err != nil {
		return nil, 0, fmt.Errorf("config: %w", err)
	}
	return route.NewProxyNode(root, b.flushTargets, env.EnableFlush), len(b.flushTargets), nil
}

func (b *builder) node(spec NodeSpec) (route.Node, error) {
	switch spec.Type {
	case "":
		return nil, fmt.Errorf("node without a type")

	case "null":
		return route.NullNode{}, nil

	case "named":
		return b.named(spec.Name)

	case "pool":
		return b.pool(spec.Pool)

	case "destination":
		return b.destination(spec.Server, spec.Protocol, spec.Timeout)

	case "modify-key":
		if spec.Target == nil {
			return nil, fmt.Errorf("modify-key: no target")
		}
		target, err := b.node(*spec.Target)
		if err != nil {
			return nil, err
		}
		return route.NewModifyKeyNode(target, route.ModifyKeyConfig{
			SetRoutingPrefix: spec.SetRoutingPrefix,
			EnsureKeyPrefix:  spec.EnsureKeyPrefix,
		})

	case "all-sync", "all-async":
		children := make([]route.Node, 0, len(spec.Children))
		for i, cs := range spec.Children {
			c, err := b.node(cs)
			if err != nil {
				return nil, fmt.Errorf("%s child %d: %w", spec.Type, i, err)
			}
			children = append(children, c)
		}
		name := spec.Name
		if name == "" {
			name = "group"
		}
		if spec.Type == "all-sync" {
			return route.NewAllSyncNode(name, children), nil
		}
		return route.NewAllAsyncNode(name, children, b.env.Runner), nil

	default:
		return nil, fmt.Errorf("unknown node type %q", spec.Type)
	}
}

func (b *builder) named(name string) (route.Node, error) {
	if name == "" {
		return nil, fmt.Errorf("named: no handle name")
	}
	if n, ok := b.handles[name]; ok {
		return n, nil
	}
	if b.building[name] {
		return nil, fmt.Errorf("named handle %q: reference cycle", name)
	}
	spec, ok := b.handleSpecs[name]
	if !ok {
		return nil, fmt.Errorf("named handle %q: not declared", name)
	}

	b.building[name] = true
	// The declaration's own Name must not turn it into a self-reference.
	spec.Name = ""
	n, err := b.node(spec)
	delete(b.building, name)
	if err != nil {
		return nil, fmt.Errorf("named handle %q: %w", name, err)
	}
	b.handles[name] = n
	return n, nil
}

func (b *builder) pool(name string) (route.Node, error) {
	if name == "" {
		return nil, fmt.Errorf("pool: no pool name")
	}
	if n, ok := b.pools[name]; ok {
		return n, nil
	}
	spec, ok := b.doc.Pools[name]
	if !ok {
		return nil, fmt.Errorf("pool %q: not declared", name)
	}

	members := make([]route.Node, 0, len(spec.Servers))
	for _, server := range spec.Servers {
		leaf, err := b.destination(server, spec.Protocol, spec.Timeout)
		if err != nil {
			return nil, fmt.Errorf("pool %q: %w", name, err)
		}
		members = append(members, leaf)
	}
	n, err := route.NewHashPoolNode(name, members)
	if err != nil {
		return nil, err
	}
	b.pools[name] = n
	return n, nil
}

func (b *builder) destination(server, protocol, timeout string) (route.Node, error) {
	d := backend.Destination{
		Addr:     server,
		Protocol: backend.Protocol(protocol),
		Timeout:  b.env.ServerTimeout,
	}
	if timeout != "" {
		to, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("destination %q: timeout: %w", server, err)
		}
		d.Timeout = to
	}
	sender, err := b.env.Senders.For(b.ctx, d)
	if err != nil {
		return nil, fmt.Errorf("destination %q: %w", server, err)
	}

	leaf := route.NewDestinationNode(sender)
	if !b.flushSeen[sender.Key()] {
		b.flushSeen[sender.Key()] = true
		b.flushTargets = append(b.flushTargets, leaf)
	}
	return leaf, nil
}
