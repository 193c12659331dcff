// Package coord provides the coordination-service adapter that the ring and
// election protocols are written against.
//
// # Overview
//
// The protocols never talk to a coordination service directly. They consume
// the Client interface, which exposes exactly the primitives they need:
//
//   - EnsurePath: idempotent creation of an empty namespace node
//   - Create: persistent or ephemeral, optionally sequential, node creation
//   - Children: sorted child listing, optionally with values
//   - Get / Delete: single-node access
//   - WatchChildren: asynchronous notification on child-set changes
//
// # Backends
//
// ZooKeeper: the production backend, built on github.com/go-zookeeper/zk.
// Ephemeral nodes are tied to the ZooKeeper session and disappear once the
// ensemble expires it, so a crashed worker leaves the ring and the election
// without any cleanup code running.
//
// MemoryStore: an in-process namespace with sessions, used by tests, the
// in-process churn mode and single-host demos:
//
//	store := coord.NewMemoryStore()
//	a := store.Session()
//	b := store.Session()
//	a.EnsurePath(ctx, "/membership_ring")
//	a.Create(ctx, "/membership_ring/120", []byte("worker-a"), coord.ModeEphemeral)
//	a.Expire() // "/membership_ring/120" is gone, b's watches fire
//
// # Watch Semantics
//
// A watch callback receives the full child list, read after the change that
// triggered it. Bursts of changes may be coalesced into one callback, which
// is harmless because consumers always recompute from the full list rather
// than applying deltas.
//
// # Errors
//
// ErrNodeExists, ErrNoNode and ErrNotEmpty describe namespace outcomes.
// ErrConnectivity wraps anything that means "the service could not be
// reached"; it is returned to the caller as-is and never retried here.
package coord
