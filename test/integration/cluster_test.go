package integration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dreamware/ringleader/internal/churn"
	"github.com/dreamware/ringleader/internal/cluster"
	"github.com/dreamware/ringleader/internal/coord"
	"github.com/dreamware/ringleader/internal/election"
	"github.com/dreamware/ringleader/internal/ring"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sessionTimeout = 2 * time.Second

// TestSystem is a set of worker processes sharing one ZooKeeper ensemble
// under a private namespace.
type TestSystem struct {
	t        *testing.T
	servers  []string
	launcher *churn.ProcessLauncher
	observer *coord.ZooKeeper
	ring     *ring.Manager
	election *election.Manager
	handles  map[string]churn.Handle
	root     string
}

// NewTestSystem builds the worker binary and connects an observer. It skips
// the test unless ZK_SERVERS names a reachable ensemble.
func NewTestSystem(t *testing.T) *TestSystem {
	t.Helper()
	env := os.Getenv("ZK_SERVERS")
	if env == "" {
		t.Skip("ZK_SERVERS not set; skipping ZooKeeper integration test")
	}
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	servers := strings.Split(env, ",")

	bin := filepath.Join(t.TempDir(), "worker")
	build := exec.Command("go", "build", "-o", bin, "./cmd/worker")
	build.Dir = filepath.Join("..", "..")
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	require.NoError(t, build.Run(), "build worker")

	root := "/ringleader-it-" + uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	observer, err := coord.Dial(ctx, coord.ZooKeeperConfig{Servers: servers, SessionTimeout: sessionTimeout})
	require.NoError(t, err)

	ts := &TestSystem{
		t:       t,
		servers: servers,
		launcher: &churn.ProcessLauncher{
			Binary:   bin,
			BasePort: 19100,
			Env: []string{
				"ZK_SERVERS=" + env,
				"ZK_SESSION_TIMEOUT=" + sessionTimeout.String(),
				"RING_PATH=" + root + "/ring",
				"ELECTION_PATH=" + root + "/election",
				"HEARTBEAT_INTERVAL=500ms",
			},
			Output: os.Stdout,
		},
		observer: observer,
		ring:     ring.NewManager(observer, ring.Config{Path: root + "/ring"}),
		election: election.NewManager(observer, election.Config{Path: root + "/election"}),
		handles:  make(map[string]churn.Handle),
		root:     root,
	}
	t.Cleanup(ts.Stop)
	return ts
}

// Start launches a worker and waits until its HTTP surface reports it in
// both protocols.
func (ts *TestSystem) Start(id string) {
	ts.t.Helper()
	h, err := ts.launcher.Launch(context.Background(), id)
	require.NoError(ts.t, err)
	ts.handles[id] = h

	require.Eventually(ts.t, func() bool {
		st, err := ts.Status(id)
		return err == nil && st.Ring.Participating && st.Election.Participating
	}, 15*time.Second, 100*time.Millisecond, "worker %s never joined", id)
}

// Status fetches a worker's status document.
func (ts *TestSystem) Status(id string) (cluster.WorkerStatus, error) {
	addr := ts.handles[id].(interface{ Addr() string }).Addr()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var st cluster.WorkerStatus
	err := cluster.GetJSON(ctx, "http://"+addr+"/status", &st)
	return st, err
}

// Kill crashes or gracefully stops a worker.
func (ts *TestSystem) Kill(id string, graceful bool) {
	ts.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(ts.t, ts.handles[id].Stop(ctx, graceful))
	delete(ts.handles, id)
}

// Stop ends every worker and removes the namespace.
func (ts *TestSystem) Stop() {
	for id := range ts.handles {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := ts.handles[id].Stop(ctx, false); err != nil {
			ts.t.Logf("stop worker %s: %v", id, err)
		}
		cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, p := range []string{ts.root + "/ring", ts.root + "/election", ts.root} {
		// ephemerals of killed workers vanish on session expiry
		deadline := time.Now().Add(2 * sessionTimeout)
		for time.Now().Before(deadline) {
			if err := ts.observer.Delete(ctx, p); !errors.Is(err, coord.ErrNotEmpty) {
				break
			}
			time.Sleep(200 * time.Millisecond)
		}
	}
	ts.observer.Close()
}

func TestLeaderFailoverAcrossProcesses(t *testing.T) {
	ts := NewTestSystem(t)
	for _, id := range []string{"1", "2", "3"} {
		ts.Start(id)
	}

	require.Eventually(t, func() bool {
		for _, id := range []string{"1", "2", "3"} {
			st, err := ts.Status(id)
			if err != nil || st.Election.Leader != "1" {
				return false
			}
		}
		return true
	}, 10*time.Second, 100*time.Millisecond, "workers never agreed on leader 1")

	ts.Kill("1", false)

	require.Eventually(t, func() bool {
		for _, id := range []string{"2", "3"} {
			st, err := ts.Status(id)
			if err != nil || st.Election.Leader != "2" {
				return false
			}
		}
		return true
	}, 4*sessionTimeout+5*time.Second, 200*time.Millisecond, "leadership never moved to 2")

	st, err := ts.Status("2")
	require.NoError(t, err)
	assert.Equal(t, "leader", st.Election.State)
}

func TestRingPartitionAcrossProcesses(t *testing.T) {
	ts := NewTestSystem(t)
	ids := []string{"4", "8", "15", "16"}
	for _, id := range ids {
		ts.Start(id)
	}
	ctx := context.Background()

	snap, err := ts.ring.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, len(ids))

	total := 0
	for _, a := range ring.Assign(snap) {
		total += a.Range.Len(ring.DefaultSize)
	}
	assert.Equal(t, ring.DefaultSize, total)

	// a graceful stop removes the slot without waiting for a timeout
	ts.Kill("15", true)
	snap, err = ts.ring.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap, len(ids)-1)
	for _, n := range snap {
		assert.NotEqual(t, "15", n.Owner)
	}

	var owner cluster.OwnerResponse
	addr := ts.handles["4"].(interface{ Addr() string }).Addr()
	require.Eventually(t, func() bool {
		err := cluster.GetJSON(ctx, fmt.Sprintf("http://%s/owner?key=%s", addr, "user:1"), &owner)
		return err == nil && owner.Owner != "15"
	}, 5*time.Second, 100*time.Millisecond)

	cands, err := ts.election.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, cands, len(ids)-1)
}
