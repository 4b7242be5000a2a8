// Package route implements the routing tree of the proxy: a graph of
// immutable nodes that decide, per request, which backend destinations
// receive it.
//
// Design
//
//   - Nodes: every vertex implements Node. A node carries no per-call
//     mutable state, so one shared tree serves live traffic and
//     diagnostic traversals concurrently without locks. Children may be
//     shared between parents (the graph is a DAG); the config builder
//     rejects cycles.
//
//   - Requests: a Request owns its key, split once into routing prefix
//     and body. Key rewrites produce copies (WithKey), never mutate a
//     request another traversal might be reading.
//
//   - Recording mode: attaching a Recorder to a request turns a traversal
//     side-effect free. Destination leaves register their identifier
//     instead of performing I/O, and nodes that spawn asynchronous
//     sub-resolutions bracket them with Pend/Done so the driver's Wait
//     reliably observes every registration.
//
//   - Introspection: CouldRouteTo reports the exact children Route would
//     consider, and DumpTree renders the whole tree for one hypothetical
//     request, one node per line, indented one space per level.
//
// The node set covers the proxy's needs: prefix selection (RootNode),
// key rewriting (ModifyKeyNode), hashed pools (HashPoolNode), synchronous
// and detached fan-out (AllSyncNode, AllAsyncNode), traffic absorption
// (NullNode) and backend leaves (DestinationNode), all wrapped by a
// ProxyNode guarding the flush command.
package route
