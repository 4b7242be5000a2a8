package mc

// Result codes carried by replies. The set covers successful outcomes,
// misses and the error classes the router distinguishes when picking the
// worst reply of a fan-out.
type Result uint8

const (
	ResultUnknown Result = iota
	ResultFound
	ResultNotFound
	ResultStored
	ResultNotStored
	ResultExists // CAS conflict
	ResultDeleted
	ResultTouched
	ResultOk
	ResultBusy
	ResultTimeout
	ResultConnectError
	ResultClientError
	ResultLocalError
	ResultRemoteError

	// NumResults bounds the result set. Keep it last.
	NumResults
)

var resultNames = [NumResults]string{
	ResultUnknown:      "unknown",
	ResultFound:        "found",
	ResultNotFound:     "notfound",
	ResultStored:       "stored",
	ResultNotStored:    "notstored",
	ResultExists:       "exists",
	ResultDeleted:      "deleted",
	ResultTouched:      "touched",
	ResultOk:           "ok",
	ResultBusy:         "busy",
	ResultTimeout:      "timeout",
	ResultConnectError: "connect_error",
	ResultClientError:  "client_error",
	ResultLocalError:   "local_error",
	ResultRemoteError:  "remote_error",
}

func (r Result) String() string {
	if r < NumResults {
		return resultNames[r]
	}
	return "unknown"
}

// severity orders results for worst-reply selection: success < miss <
// transient error < hard error.
func (r Result) severity() int {
	switch r {
	case ResultFound, ResultStored, ResultExists, ResultDeleted, ResultTouched, ResultOk:
		return 0
	case ResultNotFound, ResultNotStored:
		return 1
	case ResultBusy, ResultTimeout, ResultConnectError:
		return 2
	default:
		return 3
	}
}

// IsError reports whether r is an error result rather than a hit or miss.
func (r Result) IsError() bool { return r.severity() >= 2 }

// Reply is the outcome of routing one request. Value carries retrieved
// data for gets, numeric text for arithmetic, or a diagnostic message for
// error results. Cas is set only for gets-class retrievals. A Reply is
// passed by value and must not alias mutable buffers owned by the
// producer.
type Reply struct {
	Result Result
	Value  []byte
	Flags  uint32
	Cas    uint64
}

// NewReply returns a reply with the given result and no payload.
func NewReply(res Result) Reply { return Reply{Result: res} }

// TextReply returns a found reply whose payload is the given text. The
// admin surface answers everything this way, error text included.
func TextReply(text string) Reply {
	return Reply{Result: ResultFound, Value: []byte(text)}
}

// ErrorReply returns a local error reply carrying msg as its payload.
func ErrorReply(msg string) Reply {
	return Reply{Result: ResultLocalError, Value: []byte(msg)}
}

// ClientErrorReply returns a client error reply carrying msg. Used when the
// request itself is at fault, such as a rewrite producing an invalid key.
func ClientErrorReply(msg string) Reply {
	return Reply{Result: ResultClientError, Value: []byte(msg)}
}

// DefaultReply is the neutral reply for op: what a node answers when it
// absorbs the request without contacting any backend. Misses for data
// operations, ok for service operations.
func DefaultReply(op Op) Reply {
	switch op.Kind() {
	case KindStore:
		return NewReply(ResultNotStored)
	case KindMisc:
		return NewReply(ResultOk)
	default:
		return NewReply(ResultNotFound)
	}
}

// WorstOf returns the more severe of a and b, preferring a on ties. Fan-out
// nodes fold their children's replies with it.
func WorstOf(a, b Reply) Reply {
	if b.Result.severity() > a.Result.severity() {
		return b
	}
	return a
}
