package ring

import (
	"cmp"
	"fmt"
	"hash/fnv"
	"strconv"

	"github.com/dreamware/ringleader/internal/coord"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/exp/slices"
)

const (
	// DefaultSize is the number of slots on the ring.
	DefaultSize = 10000

	// DefaultPath is the namespace under which ring members register.
	DefaultPath = "/membership_ring"
)

// Slot maps an identifier onto the ring. It uses 64-bit FNV-1a over the
// identifier's bytes so every process computes the same slot.
func Slot(id string, size int) int {
	h := fnv.New64a()
	h.Write([]byte(id))
	return int(h.Sum64() % uint64(size))
}

// Node is a live ring member: the slot it holds and the identifier it holds
// it for.
type Node struct {
	Owner string `json:"owner"`
	Slot  int    `json:"slot"`
}

// Snapshot is the set of ring members observed at one instant.
type Snapshot []Node

// Sorted returns a copy of s ordered by slot.
func (s Snapshot) Sorted() Snapshot {
	out := append(Snapshot(nil), s...)
	slices.SortFunc(out, func(a, b Node) int { return cmp.Compare(a.Slot, b.Slot) })
	return out
}

// Range is the half-open arc (From, To] of the ring. When From >= To the arc
// wraps through zero: (From, size) ∪ [0, To]. A single member's range has
// From == To and covers the whole ring.
type Range struct {
	From int `json:"from"` // exclusive
	To   int `json:"to"`   // inclusive
}

// Wraps reports whether the range passes through slot zero.
func (r Range) Wraps() bool {
	return r.From >= r.To
}

// Contains reports whether slot falls inside the range.
func (r Range) Contains(slot int) bool {
	if r.Wraps() {
		return slot > r.From || slot <= r.To
	}
	return slot > r.From && slot <= r.To
}

// Len returns the number of slots covered on a ring of the given size.
func (r Range) Len(size int) int {
	if r.Wraps() {
		return size - r.From + r.To
	}
	return r.To - r.From
}

func (r Range) String() string {
	return "(" + strconv.Itoa(r.From) + "," + strconv.Itoa(r.To) + "]"
}

// Assignment pairs a member with the range it is responsible for.
type Assignment struct {
	Range Range `json:"range"`
	Node
}

// Assign derives every member's range from a snapshot. The result is ordered
// by slot; each member owns the arc from its predecessor's slot (exclusive)
// to its own (inclusive), and the lowest slot's predecessor is the highest.
// An empty snapshot yields no assignments.
func Assign(s Snapshot) []Assignment {
	sorted := s.Sorted()
	k := len(sorted)
	out := make([]Assignment, 0, k)
	for i, n := range sorted {
		prev := sorted[(i+k-1)%k]
		out = append(out, Assignment{
			Node:  n,
			Range: Range{From: prev.Slot, To: n.Slot},
		})
	}
	return out
}

// ComputeOwnership maps each member's identifier to its range. It is a pure
// function of the snapshot.
func ComputeOwnership(s Snapshot) map[string]Range {
	out := make(map[string]Range, len(s))
	for _, a := range Assign(s) {
		out[a.Owner] = a.Range
	}
	return out
}

// Lookup returns the member responsible for key: the first member at or
// after the key's slot, wrapping to the lowest slot.
func Lookup(s Snapshot, key string, size int) (Node, bool) {
	if len(s) == 0 {
		return Node{}, false
	}
	sorted := s.Sorted()
	idx, _ := slices.BinarySearchFunc(sorted, Slot(key, size), func(n Node, target int) int {
		return cmp.Compare(n.Slot, target)
	})
	if idx == len(sorted) {
		idx = 0
	}
	return sorted[idx], true
}

// ParseSnapshot converts a children listing (names are slots, values are
// owner identifiers) into a Snapshot. Slot names must be canonical decimal
// numbers, so "007" or "+7" never alias slot 7. Malformed entries and
// repeats of a slot already seen are skipped; the returned error lists them
// and is nil when every entry parsed.
func ParseSnapshot(children []coord.Child, size int) (Snapshot, error) {
	var errs *multierror.Error
	out := make(Snapshot, 0, len(children))
	seen := make(map[int]string, len(children))
	for _, c := range children {
		slot, err := strconv.Atoi(c.Name)
		if err != nil || strconv.Itoa(slot) != c.Name {
			errs = multierror.Append(errs, fmt.Errorf("entry %q: not a slot", c.Name))
			continue
		}
		if slot < 0 || slot >= size {
			errs = multierror.Append(errs, fmt.Errorf("entry %q: slot outside [0, %d)", c.Name, size))
			continue
		}
		if prev, dup := seen[slot]; dup {
			errs = multierror.Append(errs, fmt.Errorf("entry %q: slot already held by %q", c.Name, prev))
			continue
		}
		seen[slot] = string(c.Value)
		out = append(out, Node{Slot: slot, Owner: string(c.Value)})
	}
	return out, errs.ErrorOrNil()
}
