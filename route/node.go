package route

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/IvanBrykalov/memproxy/mc"
)

// MaxTreeDepth bounds tree-dump recursion. A well-formed config never gets
// close; hitting the bound almost certainly means a cycle slipped past the
// builder.
const MaxTreeDepth = 64

// ErrTreeTooDeep is returned by DumpTree when recursion exceeds
// MaxTreeDepth.
var ErrTreeTooDeep = errors.New("tree too deep")

// Node is one vertex of the routing tree. Implementations are immutable
// after construction and carry no per-call mutable state, so a single
// shared instance serves any number of concurrent traversals.
type Node interface {
	// Name returns a stable diagnostic identifier for tree dumps and logs.
	Name() string

	// Route executes this node's policy for req under op, possibly
	// recursing into children and possibly performing real I/O. When req
	// is in recording mode no I/O happens anywhere below this node.
	Route(ctx context.Context, req *Request, op mc.Op) mc.Reply

	// CouldRouteTo returns the exact children Route would consider for
	// req under op, in consideration order, with no observable side
	// effects. Leaves return nil.
	CouldRouteTo(req *Request, op mc.Op) []Node
}

// DumpTree renders the tree below root for one hypothetical request:
// depth-first preorder, one node per line, indented one space per level.
// The dump uses CouldRouteTo only, so it is free of side effects.
func DumpTree(root Node, req *Request, op mc.Op) (string, error) {
	var b strings.Builder
	if err := dumpNode(&b, 0, root, req, op); err != nil {
		return "", err
	}
	return b.String(), nil
}

func dumpNode(b *strings.Builder, level int, n Node, req *Request, op mc.Op) error {
	if level >= MaxTreeDepth {
		return fmt.Errorf("%w: depth %d at %q", ErrTreeTooDeep, level, n.Name())
	}
	for i := 0; i < level; i++ {
		b.WriteByte(' ')
	}
	b.WriteString(n.Name())
	b.WriteByte('\n')
	for _, child := range n.CouldRouteTo(req, op) {
		if err := dumpNode(b, level+1, child, req, op); err != nil {
			return err
		}
	}
	return nil
}

// NullNode absorbs every request and answers the neutral reply for the
// operation. It is the usual sink for traffic that should go nowhere.
type NullNode struct{}

func (NullNode) Name() string { return "null" }

func (NullNode) Route(_ context.Context, _ *Request, op mc.Op) mc.Reply {
	return mc.DefaultReply(op)
}

func (NullNode) CouldRouteTo(*Request, mc.Op) []Node { return nil }

var _ Node = NullNode{}
