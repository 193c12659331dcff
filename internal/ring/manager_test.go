package ring

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/dreamware/ringleader/internal/coord"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = log.New(io.Discard, "", 0)

func newStore() *coord.MemoryStore {
	store := coord.NewMemoryStore()
	store.SetLogger(quiet)
	return store
}

func newManager(s coord.Client, size int) *Manager {
	return NewManager(s, Config{Size: size, Logger: quiet})
}

// collidingIDs finds two distinct identifiers sharing a slot.
func collidingIDs(t *testing.T, size int) (string, string) {
	t.Helper()
	seen := make(map[int]string)
	for i := 0; i < 10*size; i++ {
		id := fmt.Sprintf("worker-%d", i)
		slot := Slot(id, size)
		if other, ok := seen[slot]; ok {
			return other, id
		}
		seen[slot] = id
	}
	t.Fatal("no colliding identifiers found")
	return "", ""
}

func TestNewManagerDefaults(t *testing.T) {
	m := NewManager(newStore().Session(), Config{})
	assert.Equal(t, DefaultPath, m.Path())
	assert.Equal(t, DefaultSize, m.Size())
	assert.NotNil(t, m.logger)
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	s := store.Session()
	defer s.Close()
	m := newManager(s, DefaultSize)

	node, err := m.Register(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, "worker-a", node.Owner)
	assert.Equal(t, Slot("worker-a", DefaultSize), node.Slot)
	assert.True(t, store.Exists(fmt.Sprintf("%s/%d", DefaultPath, node.Slot)))

	self, ok := m.Self()
	require.True(t, ok)
	assert.Equal(t, node, self)

	_, err = m.Register(ctx, "worker-b")
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.NotErrorIs(t, err, ErrSlotCollision)

	// the same identifier twice is a collision with ourselves
	_, err = m.Register(ctx, "worker-a")
	assert.ErrorIs(t, err, ErrSlotCollision)
	assert.Contains(t, err.Error(), `held by "worker-a"`)
	self, ok = m.Self()
	require.True(t, ok)
	assert.Equal(t, node, self)

	_, err = newManager(store.Session(), DefaultSize).Register(ctx, "bad/id")
	assert.Error(t, err)
}

// A colliding identifier is refused and the existing member keeps its range.
func TestRegisterSlotCollision(t *testing.T) {
	ctx := context.Background()
	const size = 50
	first, second := collidingIDs(t, size)

	store := newStore()
	a := store.Session()
	b := store.Session()
	defer a.Close()
	defer b.Close()

	ma := newManager(a, size)
	mb := newManager(b, size)

	_, err := ma.Register(ctx, first)
	require.NoError(t, err)
	before, err := ma.Refresh(ctx)
	require.NoError(t, err)

	_, err = mb.Register(ctx, second)
	require.ErrorIs(t, err, ErrSlotCollision)
	assert.Contains(t, err.Error(), first, "error names the current holder")
	_, ok := mb.Self()
	assert.False(t, ok, "failed worker must not think it joined")

	after, err := ma.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Snapshot, after.Snapshot)
	assert.Equal(t, before.Ownership(), after.Ownership())
	r, ok := after.RangeOf(first)
	require.True(t, ok)
	assert.Equal(t, size, r.Len(size))
}

func TestRegisterSameIdentifierTwice(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	a := store.Session()
	b := store.Session()
	defer a.Close()
	defer b.Close()

	_, err := newManager(a, DefaultSize).Register(ctx, "dup")
	require.NoError(t, err)
	_, err = newManager(b, DefaultSize).Register(ctx, "dup")
	assert.ErrorIs(t, err, ErrSlotCollision)
}

func TestRegisterConnectivityError(t *testing.T) {
	store := newStore()
	s := store.Session()
	s.Close()

	_, err := newManager(s, DefaultSize).Register(context.Background(), "worker-a")
	assert.ErrorIs(t, err, coord.ErrConnectivity)
	assert.NotErrorIs(t, err, ErrSlotCollision)
}

func TestLeave(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	s := store.Session()
	defer s.Close()
	m := newManager(s, DefaultSize)

	require.NoError(t, m.Leave(ctx), "leave before register is a no-op")

	node, err := m.Register(ctx, "worker-a")
	require.NoError(t, err)
	require.NoError(t, m.Leave(ctx))
	assert.False(t, store.Exists(fmt.Sprintf("%s/%d", DefaultPath, node.Slot)))
	_, ok := m.Self()
	assert.False(t, ok)

	// the slot is free again
	_, err = m.Register(ctx, "worker-a")
	assert.NoError(t, err)
}

func TestRefreshNoticesLostSlot(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	s := store.Session()
	defer s.Close()
	m := newManager(s, DefaultSize)

	node, err := m.Register(ctx, "worker-a")
	require.NoError(t, err)
	_, err = m.Refresh(ctx)
	require.NoError(t, err)
	_, ok := m.Owned()
	require.True(t, ok)
	assert.False(t, m.Lost())

	// someone else removes our node, as an expired session would
	other := store.Session()
	defer other.Close()
	require.NoError(t, other.Delete(ctx, fmt.Sprintf("%s/%d", DefaultPath, node.Slot)))

	_, err = m.Refresh(ctx)
	require.NoError(t, err)
	_, ok = m.Self()
	assert.False(t, ok)
	assert.True(t, m.Lost())
	_, ok = m.Owned()
	assert.False(t, ok)

	// registering again clears the mark
	_, err = m.Register(ctx, "worker-a")
	require.NoError(t, err)
	assert.False(t, m.Lost())
}

func TestRefreshDiscardsStaleReads(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	s := store.Session()
	defer s.Close()
	m := newManager(s, DefaultSize)
	require.NoError(t, s.EnsurePath(ctx, DefaultPath))

	v1, err := m.Refresh(ctx)
	require.NoError(t, err)

	// pretend a newer read landed while this one was in flight
	m.mu.Lock()
	m.applied = m.fetches.Load() + 5
	m.mu.Unlock()

	v2, err := m.Refresh(ctx)
	assert.ErrorIs(t, err, coord.ErrStaleSnapshot)
	assert.Equal(t, v1.Generation, v2.Generation)
}

func TestWatchTracksChurn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newStore()
	self := store.Session()
	defer self.Close()
	m := newManager(self, DefaultSize)

	var mu sync.Mutex
	var seen []View
	require.NoError(t, m.Watch(ctx, func(v View) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	}))

	_, err := m.Register(ctx, "worker-a")
	require.NoError(t, err)

	others := make([]*coord.MemorySession, 0, 3)
	for _, id := range []string{"worker-b", "worker-c", "worker-d"} {
		s := store.Session()
		others = append(others, s)
		_, err := newManager(s, DefaultSize).Register(ctx, id)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(m.View().Snapshot) == 4 }, time.Second, 5*time.Millisecond)
	owned, ok := m.Owned()
	require.True(t, ok)
	assert.Equal(t, m.View().Ownership()["worker-a"], owned)

	// crash one member; the survivors absorb its range
	others[0].Expire()
	require.Eventually(t, func() bool { return len(m.View().Snapshot) == 3 }, time.Second, 5*time.Millisecond)

	view := m.View()
	total := 0
	for _, a := range view.Assignments {
		total += a.Range.Len(DefaultSize)
		assert.NotEqual(t, "worker-b", a.Owner)
	}
	assert.Equal(t, DefaultSize, total)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i].Generation, seen[i-1].Generation)
	}

	n, ok := m.Lookup("some-key")
	require.True(t, ok)
	assert.NotEqual(t, "worker-b", n.Owner)
}

func TestSnapshotDoesNotTouchView(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	s := store.Session()
	defer s.Close()
	m := newManager(s, DefaultSize)

	_, err := m.Register(ctx, "worker-a")
	require.NoError(t, err)

	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap, 1)
	assert.Empty(t, m.View().Snapshot)
	_, ok := m.Owned()
	assert.False(t, ok)
}
