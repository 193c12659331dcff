package election

import (
	"cmp"
	"fmt"
	"strings"

	"github.com/dreamware/ringleader/internal/coord"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/exp/slices"
)

const (
	// DefaultPath is the namespace under which candidates register.
	DefaultPath = "/lead_election"

	// candidatePrefix starts every candidate node name: proc_<id>_<sequence>.
	candidatePrefix = "proc_"
)

// Candidate is one live participant in the election.
type Candidate struct {
	Name     string `json:"name"`     // node name, including the sequence suffix
	ID       string `json:"id"`       // node identifier of the worker
	Sequence uint64 `json:"sequence"` // assigned by the coordination service
}

// namePrefix is the name handed to the service when creating a candidate;
// the service appends the sequence.
func namePrefix(id string) string {
	return candidatePrefix + id + "_"
}

// ParseCandidate decodes a child of the election namespace. The identifier
// comes from the node value when present and from the name otherwise.
func ParseCandidate(c coord.Child) (Candidate, error) {
	if !strings.HasPrefix(c.Name, candidatePrefix) {
		return Candidate{}, fmt.Errorf("candidate %q: missing %q prefix", c.Name, candidatePrefix)
	}
	seq, err := coord.ParseSequence(c.Name)
	if err != nil {
		return Candidate{}, fmt.Errorf("candidate %q: %w", c.Name, err)
	}

	sep := len(c.Name) - coord.SequenceWidth - 1
	if sep < len(candidatePrefix) || c.Name[sep] != '_' {
		return Candidate{}, fmt.Errorf("candidate %q: malformed name", c.Name)
	}

	id := string(c.Value)
	if id == "" {
		id = c.Name[len(candidatePrefix):sep]
	}
	if id == "" {
		return Candidate{}, fmt.Errorf("candidate %q: empty identifier", c.Name)
	}
	return Candidate{Name: c.Name, ID: id, Sequence: seq}, nil
}

// Snapshot is the set of live candidates observed at one instant.
type Snapshot []Candidate

// ParseSnapshot decodes a children listing, skipping entries that are not
// candidates. The returned error lists the skipped entries.
func ParseSnapshot(children []coord.Child) (Snapshot, error) {
	var errs *multierror.Error
	out := make(Snapshot, 0, len(children))
	for _, c := range children {
		cand, err := ParseCandidate(c)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		out = append(out, cand)
	}
	return out, errs.ErrorOrNil()
}

// Sorted returns a copy of s ordered by sequence.
func (s Snapshot) Sorted() Snapshot {
	out := append(Snapshot(nil), s...)
	slices.SortFunc(out, func(a, b Candidate) int { return cmp.Compare(a.Sequence, b.Sequence) })
	return out
}

// Leader returns the candidate with the smallest sequence.
func (s Snapshot) Leader() (Candidate, bool) {
	if len(s) == 0 {
		return Candidate{}, false
	}
	leader := s[0]
	for _, c := range s[1:] {
		if c.Sequence < leader.Sequence {
			leader = c
		}
	}
	return leader, true
}

// Find returns the candidate with the given node name.
func (s Snapshot) Find(name string) (Candidate, bool) {
	idx := slices.IndexFunc(s, func(c Candidate) bool { return c.Name == name })
	if idx < 0 {
		return Candidate{}, false
	}
	return s[idx], true
}

// Predecessor returns the candidate immediately ahead of name in sequence
// order: the one whose disappearance could make name the leader next. It is
// false for the leader itself and for names not in the snapshot.
func (s Snapshot) Predecessor(name string) (Candidate, bool) {
	sorted := s.Sorted()
	idx := slices.IndexFunc(sorted, func(c Candidate) bool { return c.Name == name })
	if idx <= 0 {
		return Candidate{}, false
	}
	return sorted[idx-1], true
}

// CurrentLeader returns the identifier of the candidate with the smallest
// sequence, or false when the snapshot is empty. No leader is a transient
// state, not an error.
func CurrentLeader(s Snapshot) (string, bool) {
	leader, ok := s.Leader()
	if !ok {
		return "", false
	}
	return leader.ID, true
}
