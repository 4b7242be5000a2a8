package route

import "github.com/IvanBrykalov/memproxy/mc"

// ReplySink receives the final reply for one request. The sink belongs to
// the context that created the request; nodes never touch it.
type ReplySink interface {
	SendReply(mc.Reply)
}

// SinkFunc adapts a function to the ReplySink interface.
type SinkFunc func(mc.Reply)

func (f SinkFunc) SendReply(r mc.Reply) { f(r) }

// Request is one cache request traveling through the node tree. The key
// is parsed once into routing prefix and body, and the two stay in sync:
// rewrites go through WithKey, which returns a copy.
//
// Payload fields are meaningful only for ops that use them. A Request is
// not mutated during traversal; concurrent traversals each carry their
// own.
type Request struct {
	key    string
	prefix Prefix
	body   string

	Value   []byte
	Flags   uint32
	Exptime int32
	Delta   uint64
	CasID   uint64

	sink ReplySink
	rec  *Recorder
}

// NewRequest parses key into routing prefix and body. Keys that do not
// carry a full "/region/cluster/" prefix are all body.
func NewRequest(key string) *Request {
	p, body := splitKey(key)
	return &Request{key: key, prefix: p, body: body}
}

// Key returns the full key, routing prefix included.
func (r *Request) Key() string { return r.key }

// RoutingPrefix returns the parsed routing prefix, empty if none.
func (r *Request) RoutingPrefix() Prefix { return r.prefix }

// KeyBody returns the key with the routing prefix removed.
func (r *Request) KeyBody() string { return r.body }

// WithKey returns a copy of r carrying key, reparsed into prefix and
// body. Payload, sink and recorder carry over; the original is untouched.
func (r *Request) WithKey(key string) *Request {
	c := *r
	c.key = key
	c.prefix, c.body = splitKey(key)
	return &c
}

// Clone returns a deep copy safe for detached asynchronous use. The value
// buffer is copied; the sink reference carries over so a continuation can
// still reply to the original caller.
func (r *Request) Clone() *Request {
	c := *r
	if r.Value != nil {
		c.Value = append([]byte(nil), r.Value...)
	}
	return &c
}

// SetSink attaches the reply sink owned by the originating context.
func (r *Request) SetSink(s ReplySink) { r.sink = s }

// SendReply delivers the final reply to the request's sink. Requests
// without a sink discard replies; synthetic recording requests work that
// way.
func (r *Request) SendReply(rep mc.Reply) {
	if r.sink != nil {
		r.sink.SendReply(rep)
	}
}

// SetRecorder switches the request into recording mode.
func (r *Request) SetRecorder(rec *Recorder) { r.rec = rec }

// Recorder returns the attached recorder, nil outside recording mode.
func (r *Request) Recorder() *Recorder { return r.rec }

// Recording reports whether the request is in recording mode.
func (r *Request) Recording() bool { return r.rec != nil }
