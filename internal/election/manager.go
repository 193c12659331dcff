package election

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/dreamware/ringleader/internal/coord"
)

// ErrDuplicateCandidate means the worker could not become a candidate
// because it already holds a record, either through this manager or through
// a colliding node path.
var ErrDuplicateCandidate = errors.New("duplicate election candidate")

// State is a worker's position in the election as seen from its own view.
type State string

const (
	// StateJoining is the state before a successful Join.
	StateJoining State = "joining"
	// StateCandidate means the record exists but no view including it has
	// been computed yet.
	StateCandidate State = "candidate"
	// StateLeader means the worker holds the smallest sequence.
	StateLeader State = "leader"
	// StateFollower means another candidate holds the smallest sequence.
	StateFollower State = "follower"
	// StateGone means the worker's record is gone. It is terminal.
	StateGone State = "gone"
)

// Config configures a Manager.
type Config struct {
	// Logger defaults to a logger prefixed with "[election] ".
	Logger *log.Logger

	// Path is the election namespace. Defaults to DefaultPath.
	Path string
}

// View is a worker's cached, advisory picture of the election.
type View struct {
	Leader     string   `json:"leader,omitempty"`
	State      State    `json:"state"`
	Candidates Snapshot `json:"candidates"`
	HasLeader  bool     `json:"has_leader"`
	Generation uint64   `json:"generation"`

	// Predecessor is the candidate just ahead of this worker when it is a
	// follower: the one whose departure moves it up the line.
	Predecessor string `json:"predecessor,omitempty"`
}

func (v View) clone() View {
	v.Candidates = append(Snapshot(nil), v.Candidates...)
	return v
}

// Manager joins one worker into an election group and tracks the leader.
//
// State machine:
//
//	Joining --Join--> Candidate --view--> Leader | Follower
//	Leader | Follower --view--> Leader | Follower
//	any joined state --record gone--> Gone
//
// Thread Safety:
// The cached view is written by Refresh, usually on the watch goroutine, and
// read by the worker's own loop through Leader/State/View. Both sides go
// through mu and readers get copies.
type Manager struct {
	client coord.Client
	logger *log.Logger
	self   *Candidate
	path   string
	view   View

	// fetches numbers every snapshot read. applied is the newest read
	// installed into view; joinedAt is the last read issued before our own
	// record existed, so older reads cannot declare us gone.
	fetches  atomic.Uint64
	applied  uint64
	joinedAt uint64

	mu     sync.RWMutex // guards self, view, applied, joinedAt
	joinMu sync.Mutex   // serializes Join and Leave
}

// NewManager creates an election manager over client.
func NewManager(client coord.Client, cfg Config) *Manager {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[election] ", log.LstdFlags)
	}
	return &Manager{
		client: client,
		logger: cfg.Logger,
		path:   cfg.Path,
		view:   View{State: StateJoining},
	}
}

// Path returns the election namespace.
func (m *Manager) Path() string {
	return m.path
}

// Join registers id as a candidate by creating an ephemeral sequential node
// whose value is id. The sequence is assigned by the coordination service.
func (m *Manager) Join(ctx context.Context, id string) (Candidate, error) {
	if err := coord.ValidateName(id); err != nil {
		return Candidate{}, fmt.Errorf("join: %w", err)
	}

	m.joinMu.Lock()
	defer m.joinMu.Unlock()
	if self, ok := m.Self(); ok {
		return Candidate{}, fmt.Errorf("join %s: %w: already joined as %s", id, ErrDuplicateCandidate, self.Name)
	}
	if m.State() == StateGone {
		return Candidate{}, fmt.Errorf("join %s: %w: manager already left the election", id, ErrDuplicateCandidate)
	}

	if err := m.client.EnsurePath(ctx, m.path); err != nil {
		return Candidate{}, fmt.Errorf("join %s: %w", id, err)
	}
	created, err := m.client.Create(ctx, coord.JoinPath(m.path, namePrefix(id)), []byte(id), coord.ModeEphemeralSequential)
	if errors.Is(err, coord.ErrNodeExists) {
		return Candidate{}, fmt.Errorf("join %s: %w: %v", id, ErrDuplicateCandidate, err)
	}
	if err != nil {
		return Candidate{}, fmt.Errorf("join %s: %w", id, err)
	}

	name := created[len(m.path)+1:]
	if m.path == "/" {
		name = created[1:]
	}
	cand, err := ParseCandidate(coord.Child{Name: name, Value: []byte(id)})
	if err != nil {
		return Candidate{}, fmt.Errorf("join %s: %w", id, err)
	}

	m.mu.Lock()
	m.self = &cand
	m.joinedAt = m.fetches.Load()
	m.view.State = StateCandidate
	m.mu.Unlock()

	m.logger.Printf("%s joined the election as %s (sequence %d)", id, cand.Name, cand.Sequence)
	return cand, nil
}

// Leave deletes this worker's candidate record; the state becomes Gone.
func (m *Manager) Leave(ctx context.Context) error {
	m.joinMu.Lock()
	defer m.joinMu.Unlock()
	self, ok := m.Self()
	if !ok {
		return nil
	}
	err := m.client.Delete(ctx, coord.JoinPath(m.path, self.Name))
	if err != nil && !errors.Is(err, coord.ErrNoNode) {
		return fmt.Errorf("leave: %w", err)
	}

	m.mu.Lock()
	m.view.State = StateGone
	m.view.HasLeader = false
	m.view.Leader = ""
	m.mu.Unlock()
	m.logger.Printf("%s left the election", self.ID)
	return nil
}

// Self returns this worker's candidate record, if joined.
func (m *Manager) Self() (Candidate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.self == nil {
		return Candidate{}, false
	}
	return *m.self, true
}

// Snapshot reads the current candidates without touching the cached view.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	children, err := m.client.Children(ctx, m.path, true)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	snap, perr := ParseSnapshot(children)
	if perr != nil {
		m.logger.Printf("ignoring foreign election entries: %v", perr)
	}
	return snap, nil
}

// Refresh reads a fresh snapshot, recomputes the leader and this worker's
// state, and installs the result as the cached view. A read overtaken by a
// newer installed read is dropped with coord.ErrStaleSnapshot.
func (m *Manager) Refresh(ctx context.Context) (View, error) {
	seq := m.fetches.Add(1)
	snap, err := m.Snapshot(ctx)
	if err != nil {
		return m.View(), err
	}

	m.mu.Lock()
	if seq < m.applied {
		v := m.view.clone()
		applied := m.applied
		m.mu.Unlock()
		return v, fmt.Errorf("election read #%d: %w by #%d", seq, coord.ErrStaleSnapshot, applied)
	}
	m.applied = seq

	prev := m.view
	next := View{
		Candidates: snap.Sorted(),
		Generation: prev.Generation + 1,
		State:      m.nextState(prev.State, snap, seq),
	}
	next.Leader, next.HasLeader = CurrentLeader(snap)
	if next.State == StateGone {
		next.Leader, next.HasLeader = "", false
	}
	if next.State == StateFollower {
		if pred, ok := snap.Predecessor(m.self.Name); ok {
			next.Predecessor = pred.ID
		}
	}
	m.view = next
	out := next.clone()
	self := m.self
	m.mu.Unlock()

	if self != nil && (prev.State != next.State || prev.Leader != next.Leader || prev.Predecessor != next.Predecessor) {
		m.logger.Printf("%s: %s -> %s (leader %q, %d candidate(s))", self.ID, prev.State, next.State, next.Leader, len(snap))
		if next.Predecessor != "" {
			m.logger.Printf("%s: following %s", self.ID, next.Predecessor)
		}
	}
	return out, nil
}

// nextState applies one view to the state machine. Caller holds mu.
func (m *Manager) nextState(current State, snap Snapshot, seq uint64) State {
	if current == StateGone || m.self == nil {
		return current
	}
	if _, ok := snap.Find(m.self.Name); !ok {
		if seq <= m.joinedAt {
			// read was issued before our record existed
			return current
		}
		return StateGone
	}
	leader, _ := snap.Leader()
	if leader.Name == m.self.Name {
		return StateLeader
	}
	return StateFollower
}

// OnMembershipChange registers fn to run after every change to the
// candidate set. Each notification triggers a full Refresh first; fn then
// receives the new view on the notification goroutine. fn may be nil when
// only the cached view matters.
func (m *Manager) OnMembershipChange(ctx context.Context, fn func(View)) error {
	if err := m.client.EnsurePath(ctx, m.path); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	return m.client.WatchChildren(ctx, m.path, func([]string) {
		view, err := m.Refresh(ctx)
		if errors.Is(err, coord.ErrStaleSnapshot) {
			m.logger.Printf("skipped stale election view: %v", err)
			return
		}
		if err != nil {
			m.logger.Printf("election refresh failed: %v", err)
			return
		}
		if fn != nil {
			fn(view)
		}
	})
}

// View returns a copy of the cached view.
func (m *Manager) View() View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view.clone()
}

// Leader returns the cached leader identifier.
func (m *Manager) Leader() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view.Leader, m.view.HasLeader
}

// State returns the cached state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view.State
}

// IsLeader reports whether the cached view makes this worker the leader.
func (m *Manager) IsLeader() bool {
	return m.State() == StateLeader
}
