package route

import (
	"context"

	"github.com/IvanBrykalov/memproxy/mc"
)

// Sender delivers one request to a concrete backend endpoint. The backend
// package implements it; tests substitute fakes.
type Sender interface {
	// Key identifies the endpoint, conventionally host:port. It is the
	// string a recording traversal registers.
	Key() string

	// Send performs the real I/O for req under op.
	Send(ctx context.Context, req *Request, op mc.Op) mc.Reply
}

// DestinationNode is a leaf bound to one backend endpoint. In live mode it
// sends the request; in recording mode it registers the endpoint's key on
// the request's Recorder instead and answers the neutral reply.
type DestinationNode struct {
	dest Sender
}

// NewDestinationNode binds a leaf to dest.
func NewDestinationNode(dest Sender) *DestinationNode {
	return &DestinationNode{dest: dest}
}

func (d *DestinationNode) Name() string { return "destination|" + d.dest.Key() }

func (d *DestinationNode) Route(ctx context.Context, req *Request, op mc.Op) mc.Reply {
	if rec := req.Recorder(); rec != nil {
		rec.Record(d.dest.Key())
		return mc.DefaultReply(op)
	}
	return d.dest.Send(ctx, req, op)
}

func (d *DestinationNode) CouldRouteTo(*Request, mc.Op) []Node { return nil }

var _ Node = (*DestinationNode)(nil)
