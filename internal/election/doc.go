// Package election implements leader election among a dynamic set of
// workers using ephemeral sequential nodes.
//
// Each worker joins by creating proc_<id>_ under the election namespace in
// ephemeral-sequential mode; the coordination service appends a strictly
// increasing ten-digit sequence and the node value holds the identifier:
//
//	/lead_election
//	├── proc_A_0000000001 -> "A"   leader
//	├── proc_B_0000000002 -> "B"
//	└── proc_C_0000000003 -> "C"
//
// The leader is the live candidate with the smallest sequence. Since
// sequences come from a single authority and are never reused, a new
// candidate can never undercut the current leader; leadership moves only
// when the leader's record disappears, at which point the next-smallest
// sequence takes over.
//
// Workers learn about changes through Manager.OnMembershipChange. Every
// notification re-reads the whole candidate set and recomputes the leader,
// so duplicated or reordered notifications converge on the same answer.
// The cached leader is shared between the notification goroutine and the
// worker's own loop and is only ever accessed under the manager's lock.
package election
