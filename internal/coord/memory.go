package coord

import (
	"context"
	"fmt"
	"log"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

// znode is one entry in the in-memory namespace.
type znode struct {
	children map[string]struct{} // child names
	data     []byte              // stored value
	owner    string              // owning session ID for ephemerals, "" otherwise
	nextSeq  uint64              // next sequence suffix handed to a child
}

// watcher is a registered children watch. notify has capacity one so that
// bursts of changes coalesce into a single re-read.
type watcher struct {
	notify chan struct{}
}

// MemoryStore is an in-process coordination namespace shared by any number
// of sessions. It honours the same contract as the ZooKeeper backend:
// ephemeral nodes belong to a session and disappear with it, sequence
// suffixes are strictly increasing per parent, and children watches fire
// after every change with a freshly read child list.
//
// Thread Safety:
// All methods are safe for concurrent use. Watch callbacks run on their own
// goroutines and never while the store lock is held.
type MemoryStore struct {
	nodes    map[string]*znode                // path -> node
	watchers map[string]map[*watcher]struct{} // watched path -> watchers
	sessions map[string]*MemorySession        // live sessions by ID
	logger   *log.Logger
	mu       sync.RWMutex
}

// NewMemoryStore creates an empty namespace containing only the root.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: map[string]*znode{
			"/": {children: make(map[string]struct{})},
		},
		watchers: make(map[string]map[*watcher]struct{}),
		sessions: make(map[string]*MemorySession),
		logger:   log.New(log.Writer(), "[coord] ", log.LstdFlags),
	}
}

// SetLogger replaces the store's logger.
func (m *MemoryStore) SetLogger(l *log.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = l
}

func (m *MemoryStore) logf(format string, args ...any) {
	m.mu.RLock()
	logger := m.logger
	m.mu.RUnlock()
	logger.Printf(format, args...)
}

// Session opens a new session against the store.
func (m *MemoryStore) Session() *MemorySession {
	s := &MemorySession{
		store: m,
		id:    uuid.NewString(),
		done:  make(chan struct{}),
	}
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	return s
}

// SessionCount returns the number of live sessions.
func (m *MemoryStore) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Exists reports whether p is present in the namespace.
func (m *MemoryStore) Exists(p string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.nodes[p]
	return ok
}

func (m *MemoryStore) ensurePath(p string) error {
	if err := ValidatePath(p); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := "/"
	for _, part := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		if part == "" {
			continue
		}
		next := path.Join(current, part)
		if _, ok := m.nodes[next]; !ok {
			parent := m.nodes[current]
			if parent.owner != "" {
				return fmt.Errorf("ensure %s: ephemeral node %s cannot have children", p, current)
			}
			m.nodes[next] = &znode{children: make(map[string]struct{})}
			parent.children[part] = struct{}{}
			parent.nextSeq++
			m.notifyLocked(current)
		}
		current = next
	}
	return nil
}

func (m *MemoryStore) create(owner, p string, value []byte, mode CreateMode) (string, error) {
	if err := ValidatePath(p); err != nil {
		return "", err
	}
	if p == "/" {
		return "", fmt.Errorf("create %s: %w", p, ErrNodeExists)
	}

	parentPath, base := path.Split(p)
	parentPath = path.Clean(parentPath)

	m.mu.Lock()
	defer m.mu.Unlock()

	parent, ok := m.nodes[parentPath]
	if !ok {
		return "", fmt.Errorf("create %s: parent %s: %w", p, parentPath, ErrNoNode)
	}
	if parent.owner != "" {
		return "", fmt.Errorf("create %s: ephemeral node %s cannot have children", p, parentPath)
	}

	name := base
	if mode.Sequential() {
		name = base + FormatSequence(parent.nextSeq)
	}
	full := path.Join(parentPath, name)
	if _, exists := m.nodes[full]; exists {
		return "", fmt.Errorf("create %s: %w", full, ErrNodeExists)
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	n := &znode{children: make(map[string]struct{}), data: stored}
	if mode.Ephemeral() {
		n.owner = owner
	}
	m.nodes[full] = n
	parent.children[name] = struct{}{}
	parent.nextSeq++
	m.notifyLocked(parentPath)

	return full, nil
}

func (m *MemoryStore) children(p string, withValues bool) ([]Child, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[p]
	if !ok {
		return nil, fmt.Errorf("children %s: %w", p, ErrNoNode)
	}

	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]Child, 0, len(names))
	for _, name := range names {
		c := Child{Name: name}
		if withValues {
			data := m.nodes[path.Join(p, name)].data
			c.Value = make([]byte, len(data))
			copy(c.Value, data)
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *MemoryStore) get(p string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[p]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", p, ErrNoNode)
	}
	out := make([]byte, len(n.data))
	copy(out, n.data)
	return out, nil
}

func (m *MemoryStore) delete(p string) error {
	if p == "/" {
		return fmt.Errorf("delete %s: root cannot be deleted", p)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(p)
}

func (m *MemoryStore) deleteLocked(p string) error {
	n, ok := m.nodes[p]
	if !ok {
		return fmt.Errorf("delete %s: %w", p, ErrNoNode)
	}
	if len(n.children) > 0 {
		return fmt.Errorf("delete %s: %w", p, ErrNotEmpty)
	}

	parentPath, name := path.Split(p)
	parentPath = path.Clean(parentPath)
	delete(m.nodes, p)
	delete(m.nodes[parentPath].children, name)
	m.notifyLocked(parentPath)
	return nil
}

// endSession drops every ephemeral node owned by id and forgets the session.
func (m *MemoryStore) endSession(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var owned []string
	for p, n := range m.nodes {
		if n.owner == id {
			owned = append(owned, p)
		}
	}
	for _, p := range owned {
		// ephemerals never have children, so this cannot fail
		_ = m.deleteLocked(p)
	}
	delete(m.sessions, id)
	return len(owned)
}

func (m *MemoryStore) addWatcher(p string) (*watcher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[p]; !ok {
		return nil, fmt.Errorf("watch %s: %w", p, ErrNoNode)
	}
	w := &watcher{notify: make(chan struct{}, 1)}
	if m.watchers[p] == nil {
		m.watchers[p] = make(map[*watcher]struct{})
	}
	m.watchers[p][w] = struct{}{}
	w.notify <- struct{}{}
	return w, nil
}

func (m *MemoryStore) removeWatcher(p string, w *watcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watchers[p], w)
	if len(m.watchers[p]) == 0 {
		delete(m.watchers, p)
	}
}

// notifyLocked marks every watcher of p dirty. Caller holds m.mu.
func (m *MemoryStore) notifyLocked(p string) {
	for w := range m.watchers[p] {
		select {
		case w.notify <- struct{}{}:
		default:
			// already pending; the pending re-read will see this change
		}
	}
}

// MemorySession is a Client bound to one session of a MemoryStore.
type MemorySession struct {
	store  *MemoryStore
	done   chan struct{}
	id     string
	mu     sync.Mutex
	closed bool
}

var _ Client = (*MemorySession)(nil)

// ID returns the session identifier.
func (s *MemorySession) ID() string {
	return s.id
}

// Done is closed when the session ends.
func (s *MemorySession) Done() <-chan struct{} {
	return s.done
}

func (s *MemorySession) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrConnectivity, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%s: %w: session %s closed", op, ErrConnectivity, s.id)
	}
	return nil
}

// EnsurePath implements Client.
func (s *MemorySession) EnsurePath(ctx context.Context, p string) error {
	if err := s.check(ctx, "ensure "+p); err != nil {
		return err
	}
	return s.store.ensurePath(p)
}

// Create implements Client.
func (s *MemorySession) Create(ctx context.Context, p string, value []byte, mode CreateMode) (string, error) {
	if err := s.check(ctx, "create "+p); err != nil {
		return "", err
	}
	return s.store.create(s.id, p, value, mode)
}

// Children implements Client.
func (s *MemorySession) Children(ctx context.Context, p string, withValues bool) ([]Child, error) {
	if err := s.check(ctx, "children "+p); err != nil {
		return nil, err
	}
	return s.store.children(p, withValues)
}

// Get implements Client.
func (s *MemorySession) Get(ctx context.Context, p string) ([]byte, error) {
	if err := s.check(ctx, "get "+p); err != nil {
		return nil, err
	}
	return s.store.get(p)
}

// Delete implements Client.
func (s *MemorySession) Delete(ctx context.Context, p string) error {
	if err := s.check(ctx, "delete "+p); err != nil {
		return err
	}
	return s.store.delete(p)
}

// WatchChildren implements Client.
func (s *MemorySession) WatchChildren(ctx context.Context, p string, fn func(children []string)) error {
	if err := s.check(ctx, "watch "+p); err != nil {
		return err
	}
	w, err := s.store.addWatcher(p)
	if err != nil {
		return err
	}

	go func() {
		defer s.store.removeWatcher(p, w)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-w.notify:
			}

			children, err := s.store.children(p, false)
			if err != nil {
				s.store.logf("watch %s stopped: %v", p, err)
				return
			}
			names := make([]string, len(children))
			for i, c := range children {
				names[i] = c.Name
			}
			fn(names)
		}
	}()
	return nil
}

// Close ends the session gracefully.
func (s *MemorySession) Close() error {
	s.end("closed")
	return nil
}

// Expire ends the session the way the service would after the owner stopped
// heartbeating: its ephemeral nodes vanish and its watches stop.
func (s *MemorySession) Expire() {
	s.end("expired")
}

func (s *MemorySession) end(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	removed := s.store.endSession(s.id)
	s.store.logf("session %s %s, removed %d ephemeral node(s)", s.id, reason, removed)
}
