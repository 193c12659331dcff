package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupMap(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10000, cfg.Ring.Size)
	assert.Equal(t, "/membership_ring", cfg.Ring.Path)
	assert.Equal(t, "/lead_election", cfg.Election.Path)
	assert.Equal(t, []string{"127.0.0.1:2181"}, cfg.ZooKeeper.Servers)
	assert.Equal(t, 2, cfg.Churn.MinWorkers)
	assert.Equal(t, 10, cfg.Churn.MaxWorkers)
	assert.Equal(t, 100, cfg.Churn.IDSpace)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(lookupMap(map[string]string{
		"ZK_SERVERS":                  "zk1:2181, zk2:2181,,",
		"ZK_SESSION_TIMEOUT":          "3s",
		"RING_PATH":                   "/ring",
		"RING_SIZE":                   "360",
		"ELECTION_PATH":               "/leader",
		"WORKER_ID":                   "w-1",
		"WORKER_LISTEN":               ":9001",
		"HEARTBEAT_INTERVAL":          "250ms",
		"WORKER_EXIT_ON_JOIN_FAILURE": "true",
		"CHURN_BACKEND":               "zookeeper",
		"CHURN_MIN_WORKERS":           "3",
		"CHURN_MAX_WORKERS":           "6",
		"CHURN_KILL_PROB":             "0.5",
		"CHURN_ADD_PROB":              "0.25",
		"CHURN_SEED":                  "42",
		"CHURN_STEPS":                 "7",
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{"zk1:2181", "zk2:2181"}, cfg.ZooKeeper.Servers)
	assert.Equal(t, 3*time.Second, cfg.ZooKeeper.SessionTimeout)
	assert.Equal(t, "/ring", cfg.Ring.Path)
	assert.Equal(t, 360, cfg.Ring.Size)
	assert.Equal(t, "/leader", cfg.Election.Path)
	assert.Equal(t, "w-1", cfg.Worker.ID)
	assert.Equal(t, ":9001", cfg.Worker.Listen)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.Heartbeat)
	assert.True(t, cfg.Worker.ExitOnJoinFailure)
	assert.Equal(t, BackendZooKeeper, cfg.Churn.Backend)
	assert.Equal(t, 3, cfg.Churn.MinWorkers)
	assert.Equal(t, 6, cfg.Churn.MaxWorkers)
	assert.Equal(t, 0.5, cfg.Churn.KillProb)
	assert.Equal(t, 0.25, cfg.Churn.AddProb)
	assert.Equal(t, int64(42), cfg.Churn.Seed)
	assert.Equal(t, 7, cfg.Churn.Steps)
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnvReportsEveryBadValue(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(lookupMap(map[string]string{
		"RING_SIZE":          "lots",
		"HEARTBEAT_INTERVAL": "soon",
		"CHURN_SEED":         "x",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RING_SIZE")
	assert.Contains(t, err.Error(), "HEARTBEAT_INTERVAL")
	assert.Contains(t, err.Error(), "CHURN_SEED")
	assert.Equal(t, Default().Ring.Size, cfg.Ring.Size, "bad values leave the old setting")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ringleader.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
zookeeper:
  servers: [a:2181, b:2181]
  session_timeout: 10s
ring:
  size: 720
worker:
  heartbeat: 2s
churn:
  interval: 500ms
  seed: 7
`), 0o600))

	cfg := Default()
	require.NoError(t, cfg.LoadFile(path))
	assert.Equal(t, []string{"a:2181", "b:2181"}, cfg.ZooKeeper.Servers)
	assert.Equal(t, 10*time.Second, cfg.ZooKeeper.SessionTimeout)
	assert.Equal(t, 720, cfg.Ring.Size)
	assert.Equal(t, "/membership_ring", cfg.Ring.Path, "unset keys keep defaults")
	assert.Equal(t, 2*time.Second, cfg.Worker.Heartbeat)
	assert.Equal(t, 500*time.Millisecond, cfg.Churn.Interval)
	assert.Equal(t, int64(7), cfg.Churn.Seed)

	assert.Error(t, cfg.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("ring: [unclosed"), 0o600))
	assert.Error(t, cfg.LoadFile(bad))
}

func TestLoadLayersFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ringleader.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ring:\n  size: 500\n  path: /from-file\n"), 0o600))

	t.Setenv(FileEnv, path)
	t.Setenv("RING_PATH", "/from-env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Ring.Size)
	assert.Equal(t, "/from-env", cfg.Ring.Path, "environment wins over the file")
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv(FileEnv, "")
	t.Setenv("RING_SIZE", "0")
	_, err := Load()
	assert.ErrorContains(t, err, "ring.size")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no servers", func(c *Config) { c.ZooKeeper.Servers = nil }, "zookeeper.servers"},
		{"zero ring size", func(c *Config) { c.Ring.Size = 0 }, "ring.size"},
		{"relative ring path", func(c *Config) { c.Ring.Path = "ring" }, "ring.path"},
		{"relative election path", func(c *Config) { c.Election.Path = "lead" }, "election.path"},
		{"shared namespace", func(c *Config) { c.Election.Path = c.Ring.Path }, "must differ"},
		{"zero heartbeat", func(c *Config) { c.Worker.Heartbeat = 0 }, "worker.heartbeat"},
		{"unknown backend", func(c *Config) { c.Churn.Backend = "etcd" }, "churn.backend"},
		{"min above max", func(c *Config) { c.Churn.MinWorkers = 11 }, "churn.min_workers"},
		{"id space too small", func(c *Config) { c.Churn.IDSpace = 5 }, "churn.id_space"},
		{"probability out of range", func(c *Config) { c.Churn.KillProb = 1.5 }, "churn.kill_prob"},
		{"probabilities sum above one", func(c *Config) { c.Churn.KillProb, c.Churn.AddProb = 0.6, 0.6 }, "must not exceed 1"},
		{"zero interval", func(c *Config) { c.Churn.Interval = 0 }, "churn.interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
