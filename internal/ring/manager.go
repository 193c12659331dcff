package ring

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/dreamware/ringleader/internal/coord"
	"golang.org/x/exp/slices"
)

var (
	// ErrSlotCollision means the identifier's slot is already held by a live
	// member. The joining worker is not part of the ring; nobody else is
	// affected.
	ErrSlotCollision = errors.New("ring slot already taken")

	// ErrAlreadyRegistered is returned when a manager that already holds a
	// slot is asked to register a different identifier. Registering the same
	// identifier again fails with ErrSlotCollision.
	ErrAlreadyRegistered = errors.New("manager already registered")
)

// Config configures a Manager.
type Config struct {
	// Logger defaults to a logger prefixed with "[ring] ".
	Logger *log.Logger

	// Path is the ring namespace. Defaults to DefaultPath.
	Path string

	// Size is the number of ring slots. Defaults to DefaultSize.
	Size int
}

// View is a worker's cached, advisory picture of the ring.
type View struct {
	Snapshot    Snapshot     `json:"snapshot"`
	Assignments []Assignment `json:"assignments"`
	Generation  uint64       `json:"generation"`
}

// Ownership maps each member to its range.
func (v View) Ownership() map[string]Range {
	return ComputeOwnership(v.Snapshot)
}

// RangeOf returns the range owned by id in this view.
func (v View) RangeOf(id string) (Range, bool) {
	for _, a := range v.Assignments {
		if a.Owner == id {
			return a.Range, true
		}
	}
	return Range{}, false
}

func (v View) clone() View {
	return View{
		Snapshot:    append(Snapshot(nil), v.Snapshot...),
		Assignments: append([]Assignment(nil), v.Assignments...),
		Generation:  v.Generation,
	}
}

// Manager registers one worker into the ring and keeps its view of the
// ring current.
//
// Thread Safety:
// The cached view is written only by Refresh (directly, or from the watch
// goroutine) and read through View/Owned, all under mu. Readers always get
// a copy. No lock is held across a round trip to the coordination service.
type Manager struct {
	client coord.Client
	logger *log.Logger
	self   *Node
	path   string
	view   View

	// fetches numbers every snapshot read; applied is the number of the
	// newest read that made it into view. Reads numbered up to registeredAt
	// may predate our slot node and cannot mark it lost.
	fetches      atomic.Uint64
	applied      uint64
	registeredAt uint64
	lost         bool

	size   int
	mu     sync.RWMutex // guards self, view, applied, registeredAt, lost
	joinMu sync.Mutex   // serializes Register and Leave
}

// NewManager creates a ring manager over client.
func NewManager(client coord.Client, cfg Config) *Manager {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[ring] ", log.LstdFlags)
	}
	return &Manager{
		client: client,
		logger: cfg.Logger,
		path:   cfg.Path,
		size:   cfg.Size,
	}
}

// Size returns the number of ring slots.
func (m *Manager) Size() int {
	return m.size
}

// Path returns the ring namespace.
func (m *Manager) Path() string {
	return m.path
}

// Register places id on the ring by creating an ephemeral node named after
// its slot. A taken slot fails with ErrSlotCollision; nothing is retried.
// The node lives until the client's session ends or Leave is called.
func (m *Manager) Register(ctx context.Context, id string) (Node, error) {
	if err := coord.ValidateName(id); err != nil {
		return Node{}, fmt.Errorf("register: %w", err)
	}

	m.joinMu.Lock()
	defer m.joinMu.Unlock()
	if self, ok := m.Self(); ok {
		if self.Owner == id {
			return Node{}, fmt.Errorf("register %s: %w: slot %d held by %q", id, ErrSlotCollision, self.Slot, self.Owner)
		}
		return Node{}, fmt.Errorf("register %s: %w as %s at slot %d", id, ErrAlreadyRegistered, self.Owner, self.Slot)
	}

	if err := m.client.EnsurePath(ctx, m.path); err != nil {
		return Node{}, fmt.Errorf("register %s: %w", id, err)
	}

	node := Node{Owner: id, Slot: Slot(id, m.size)}
	_, err := m.client.Create(ctx, m.slotPath(node.Slot), []byte(id), coord.ModeEphemeral)
	if errors.Is(err, coord.ErrNodeExists) {
		holder, getErr := m.client.Get(ctx, m.slotPath(node.Slot))
		if getErr != nil {
			return Node{}, fmt.Errorf("register %s: %w: slot %d", id, ErrSlotCollision, node.Slot)
		}
		return Node{}, fmt.Errorf("register %s: %w: slot %d held by %q", id, ErrSlotCollision, node.Slot, holder)
	}
	if err != nil {
		return Node{}, fmt.Errorf("register %s: %w", id, err)
	}

	m.mu.Lock()
	m.self = &node
	m.registeredAt = m.fetches.Load()
	m.lost = false
	m.mu.Unlock()
	m.logger.Printf("%s joined the ring at slot %d", id, node.Slot)
	return node, nil
}

// Leave removes this worker's slot. It is a no-op when not registered.
func (m *Manager) Leave(ctx context.Context) error {
	m.joinMu.Lock()
	defer m.joinMu.Unlock()
	self, ok := m.Self()
	if !ok {
		return nil
	}
	err := m.client.Delete(ctx, m.slotPath(self.Slot))
	if err != nil && !errors.Is(err, coord.ErrNoNode) {
		return fmt.Errorf("leave: %w", err)
	}
	m.mu.Lock()
	m.self = nil
	m.mu.Unlock()
	m.logger.Printf("%s left the ring (slot %d)", self.Owner, self.Slot)
	return nil
}

// Self returns this worker's ring node, if registered.
func (m *Manager) Self() (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.self == nil {
		return Node{}, false
	}
	return *m.self, true
}

// Lost reports whether this worker's slot node vanished while it was
// registered, for instance because its session expired.
func (m *Manager) Lost() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lost
}

// Snapshot reads the current ring membership without touching the cached
// view. Observers that hold no watch poll with it.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	children, err := m.client.Children(ctx, m.path, true)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	snap, perr := ParseSnapshot(children, m.size)
	if perr != nil {
		m.logger.Printf("ignoring malformed ring entries: %v", perr)
	}
	return snap, nil
}

// Refresh reads a fresh snapshot and installs it as the cached view. If a
// newer read was installed while this one was in flight, the result is
// dropped and ErrStaleSnapshot is returned along with the current view.
// A fresh read that no longer holds our own slot node clears Self and marks
// the manager Lost.
func (m *Manager) Refresh(ctx context.Context) (View, error) {
	seq := m.fetches.Add(1)
	snap, err := m.Snapshot(ctx)
	if err != nil {
		return m.View(), err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if seq < m.applied {
		return m.view.clone(), fmt.Errorf("ring read #%d: %w by #%d", seq, coord.ErrStaleSnapshot, m.applied)
	}
	m.applied = seq
	if m.self != nil && seq > m.registeredAt && !slices.Contains(snap, *m.self) {
		// the slot node went away with an expired session or was deleted
		m.logger.Printf("%s lost its ring slot %d", m.self.Owner, m.self.Slot)
		m.self = nil
		m.lost = true
	}
	m.view = View{
		Snapshot:    snap.Sorted(),
		Assignments: Assign(snap),
		Generation:  m.view.Generation + 1,
	}
	return m.view.clone(), nil
}

// Watch keeps the cached view current: every change to the ring's member
// set triggers a full Refresh, after which fn (if not nil) is called with
// the new view on the notification goroutine.
func (m *Manager) Watch(ctx context.Context, fn func(View)) error {
	if err := m.client.EnsurePath(ctx, m.path); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	return m.client.WatchChildren(ctx, m.path, func([]string) {
		view, err := m.Refresh(ctx)
		if errors.Is(err, coord.ErrStaleSnapshot) {
			m.logger.Printf("skipped stale ring view: %v", err)
			return
		}
		if err != nil {
			m.logger.Printf("ring refresh failed: %v", err)
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

// Owned returns the range this worker is responsible for in the cached
// view. It is false when the worker is not registered or the view does not
// include it yet.
func (m *Manager) Owned() (Range, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.self == nil {
		return Range{}, false
	}
	for _, a := range m.view.Assignments {
		if a.Node == *m.self {
			return a.Range, true
		}
	}
	return Range{}, false
}

// Lookup returns the member responsible for key in the cached view.
func (m *Manager) Lookup(key string) (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Lookup(m.view.Snapshot, key, m.size)
}

func (m *Manager) slotPath(slot int) string {
	return coord.JoinPath(m.path, strconv.Itoa(slot))
}
