// Package ring implements a self-healing consistent-hashing membership ring
// on top of a coordination service.
//
// # Overview
//
// The ring is the fixed integer space [0, Size). Every worker hashes its
// identifier onto one slot and claims that slot by creating an ephemeral
// node named after it under the ring namespace:
//
//	/membership_ring
//	├── 120   -> "worker-a"
//	├── 4560  -> "worker-b"
//	└── 9999  -> "worker-c"
//
// Because the nodes are ephemeral, a worker that crashes or disconnects
// drops out of the ring on its own once the coordination service ends its
// session. Nothing has to clean up after it, and the surviving members
// simply recompute.
//
// # Ownership
//
// Given the live slots s0 < s1 < ... < sk-1, the member at si owns
// (si-1, si], and the member at s0 owns the wraparound arc
// (sk-1, Size) ∪ [0, s0]. The ranges partition the ring exactly for every
// non-empty snapshot. For the three members above:
//
//	worker-a  (9999,120]   wraps through 0
//	worker-b  (120,4560]
//	worker-c  (4560,9999]
//
// Assign and ComputeOwnership are pure functions of a Snapshot; the Manager
// only decides when to call them.
//
// # Membership Changes
//
// Manager.Watch re-reads the complete member list on every change
// notification and swaps in a freshly computed View. It never patches the
// previous view, so a late or duplicated notification cannot leave the
// worker with an inconsistent picture. Reads that finish after a newer read
// was already applied are discarded with coord.ErrStaleSnapshot.
//
// Views are advisory. A worker must not treat its range as a durable fact:
// the ring may already have changed by the time it acts.
//
// # Collisions
//
// Two identifiers that hash to the same slot cannot both join. The second
// Register fails with ErrSlotCollision and the first member is unaffected.
// Whether to retry under a different identifier is left to the caller.
package ring
