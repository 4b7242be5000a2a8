// Package mc defines the closed catalog of cache operations and the reply
// vocabulary shared by routing nodes, backend transports and the admin
// surface. The catalog is compile-fixed: per-operation data lives in arrays
// sized by NumOps, and an init-time totality check turns a forgotten table
// entry into a startup panic instead of a silent zero value.
package mc

import (
	"errors"
	"fmt"
)

// Op identifies one cache operation. The zero value is OpGet.
type Op uint8

// The operation catalog. Declared order is part of the contract: Ops and
// admin listings enumerate in this order.
const (
	OpGet Op = iota
	OpGets
	OpMetaget
	OpLeaseGet
	OpLeaseSet
	OpSet
	OpAdd
	OpReplace
	OpAppend
	OpPrepend
	OpCas
	OpDelete
	OpIncr
	OpDecr
	OpTouch
	OpFlushAll
	OpVersion
	OpStats

	// NumOps bounds the catalog. Keep it last.
	NumOps
)

// ErrUnknownOp is wrapped by FromName for names outside the catalog.
var ErrUnknownOp = errors.New("unknown operation")

// opNames maps each Op to its canonical wire verb.
var opNames = [NumOps]string{
	OpGet:      "get",
	OpGets:     "gets",
	OpMetaget:  "metaget",
	OpLeaseGet: "lease-get",
	OpLeaseSet: "lease-set",
	OpSet:      "set",
	OpAdd:      "add",
	OpReplace:  "replace",
	OpAppend:   "append",
	OpPrepend:  "prepend",
	OpCas:      "cas",
	OpDelete:   "delete",
	OpIncr:     "incr",
	OpDecr:     "decr",
	OpTouch:    "touch",
	OpFlushAll: "flush_all",
	OpVersion:  "version",
	OpStats:    "stats",
}

// Kind groups operations by their routing and reply behavior.
type Kind uint8

const (
	KindGet    Kind = iota // retrieval: reply may carry a value
	KindStore              // mutation with a value payload
	KindArith              // numeric increment/decrement
	KindDelete             // removal
	KindTouch              // expiration update
	KindMisc               // service operations (version, stats, flush)
)

var opKinds = [NumOps]Kind{
	OpGet:      KindGet,
	OpGets:     KindGet,
	OpMetaget:  KindGet,
	OpLeaseGet: KindGet,
	OpLeaseSet: KindStore,
	OpSet:      KindStore,
	OpAdd:      KindStore,
	OpReplace:  KindStore,
	OpAppend:   KindStore,
	OpPrepend:  KindStore,
	OpCas:      KindStore,
	OpDelete:   KindDelete,
	OpIncr:     KindArith,
	OpDecr:     KindArith,
	OpTouch:    KindTouch,
	OpFlushAll: KindMisc,
	OpVersion:  KindMisc,
	OpStats:    KindMisc,
}

var byName map[string]Op

func init() {
	byName = make(map[string]Op, NumOps)
	for op := Op(0); op < NumOps; op++ {
		name := opNames[op]
		if name == "" {
			panic(fmt.Sprintf("mc: op %d has no name; opNames is not total", op))
		}
		if prev, dup := byName[name]; dup {
			panic(fmt.Sprintf("mc: ops %d and %d share the name %q", prev, op, name))
		}
		byName[name] = op
	}
}

// String returns the canonical wire verb for op, or a decimal fallback for
// values outside the catalog.
func (o Op) String() string {
	if o < NumOps {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Kind returns the behavior group of op. Values outside the catalog report
// KindMisc.
func (o Op) Kind() Kind {
	if o < NumOps {
		return opKinds[o]
	}
	return KindMisc
}

// FromName resolves a canonical verb to its Op. Unknown names fail with an
// error wrapping ErrUnknownOp.
func FromName(name string) (Op, error) {
	if op, ok := byName[name]; ok {
		return op, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownOp, name)
}

// Ops returns the full catalog in declared order. The slice is freshly
// allocated; callers may keep it.
func Ops() []Op {
	all := make([]Op, NumOps)
	for i := range all {
		all[i] = Op(i)
	}
	return all
}
