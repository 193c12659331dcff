// Package config loads settings shared by the worker and churn binaries.
//
// Values are layered: built-in defaults, then an optional YAML file named by
// RINGLEADER_CONFIG, then environment variables. A .env file in the working
// directory is loaded into the environment first when present.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dreamware/ringleader/internal/election"
	"github.com/dreamware/ringleader/internal/ring"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FileEnv names the environment variable holding the YAML config path.
const FileEnv = "RINGLEADER_CONFIG"

// Backend values for Churn.Backend.
const (
	BackendMemory    = "memory"
	BackendZooKeeper = "zookeeper"
)

// Config is the complete runtime configuration.
type Config struct {
	ZooKeeper ZooKeeper `yaml:"zookeeper"`
	Ring      Ring      `yaml:"ring"`
	Election  Election  `yaml:"election"`
	Worker    Worker    `yaml:"worker"`
	Churn     Churn     `yaml:"churn"`
}

// ZooKeeper locates the coordination ensemble.
type ZooKeeper struct {
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// Ring configures the membership ring.
type Ring struct {
	Path string `yaml:"path"`
	Size int    `yaml:"size"`
}

// Election configures leader election.
type Election struct {
	Path string `yaml:"path"`
}

// Worker configures a single worker process.
type Worker struct {
	ID                string        `yaml:"id"`     // empty means generate one
	Listen            string        `yaml:"listen"` // empty disables the HTTP surface
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ExitOnJoinFailure bool          `yaml:"exit_on_join_failure"`
}

// Churn configures the churn driver.
type Churn struct {
	Backend      string        `yaml:"backend"`
	WorkerBinary string        `yaml:"worker_binary"`
	BasePort     int           `yaml:"base_port"`
	Interval     time.Duration `yaml:"interval"`
	MinWorkers   int           `yaml:"min_workers"`
	MaxWorkers   int           `yaml:"max_workers"`
	IDSpace      int           `yaml:"id_space"`
	KillProb     float64       `yaml:"kill_prob"`
	AddProb      float64       `yaml:"add_prob"`
	Seed         int64         `yaml:"seed"`
	Steps        int           `yaml:"steps"` // 0 runs until interrupted
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ZooKeeper: ZooKeeper{
			Servers:        []string{"127.0.0.1:2181"},
			SessionTimeout: 5 * time.Second,
		},
		Ring:     Ring{Path: ring.DefaultPath, Size: ring.DefaultSize},
		Election: Election{Path: election.DefaultPath},
		Worker: Worker{
			Heartbeat: 5 * time.Second,
		},
		Churn: Churn{
			Backend:      BackendMemory,
			WorkerBinary: "worker",
			BasePort:     9100,
			Interval:     time.Second,
			MinWorkers:   2,
			MaxWorkers:   10,
			IDSpace:      100,
			KillProb:     0.33,
			AddProb:      0.33,
		},
	}
}

// Load builds the configuration from .env, the YAML file named by
// RINGLEADER_CONFIG and the process environment, then validates it.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if file := os.Getenv(FileEnv); file != "" {
		if err := cfg.LoadFile(file); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML document at path onto c. Keys missing from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto c using lookup. Every
// malformed value is reported, not just the first.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs *multierror.Error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	if v, ok := lookup("ZK_SERVERS"); ok && v != "" {
		c.ZooKeeper.Servers = splitList(v)
	}
	duration("ZK_SESSION_TIMEOUT", &c.ZooKeeper.SessionTimeout)
	str("RING_PATH", &c.Ring.Path)
	integer("RING_SIZE", &c.Ring.Size)
	str("ELECTION_PATH", &c.Election.Path)

	str("WORKER_ID", &c.Worker.ID)
	str("WORKER_LISTEN", &c.Worker.Listen)
	duration("HEARTBEAT_INTERVAL", &c.Worker.Heartbeat)
	boolean("WORKER_EXIT_ON_JOIN_FAILURE", &c.Worker.ExitOnJoinFailure)

	str("CHURN_BACKEND", &c.Churn.Backend)
	str("CHURN_WORKER_BINARY", &c.Churn.WorkerBinary)
	integer("CHURN_BASE_PORT", &c.Churn.BasePort)
	duration("CHURN_INTERVAL", &c.Churn.Interval)
	integer("CHURN_MIN_WORKERS", &c.Churn.MinWorkers)
	integer("CHURN_MAX_WORKERS", &c.Churn.MaxWorkers)
	integer("CHURN_ID_SPACE", &c.Churn.IDSpace)
	float("CHURN_KILL_PROB", &c.Churn.KillProb)
	float("CHURN_ADD_PROB", &c.Churn.AddProb)
	integer("CHURN_STEPS", &c.Churn.Steps)
	if v, ok := lookup("CHURN_SEED"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("CHURN_SEED: %w", err))
		} else {
			c.Churn.Seed = n
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}

// Validate checks the configuration for values no component can work with.
func (c Config) Validate() error {
	var errs *multierror.Error
	fail := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	if len(c.ZooKeeper.Servers) == 0 {
		fail("zookeeper.servers must not be empty")
	}
	if c.ZooKeeper.SessionTimeout <= 0 {
		fail("zookeeper.session_timeout must be positive")
	}
	if c.Ring.Size <= 0 {
		fail("ring.size must be positive, got %d", c.Ring.Size)
	}
	if !strings.HasPrefix(c.Ring.Path, "/") {
		fail("ring.path %q must be absolute", c.Ring.Path)
	}
	if !strings.HasPrefix(c.Election.Path, "/") {
		fail("election.path %q must be absolute", c.Election.Path)
	}
	if c.Ring.Path == c.Election.Path {
		fail("ring.path and election.path must differ")
	}
	if c.Worker.Heartbeat <= 0 {
		fail("worker.heartbeat must be positive")
	}

	switch c.Churn.Backend {
	case BackendMemory, BackendZooKeeper:
	default:
		fail("churn.backend %q must be %q or %q", c.Churn.Backend, BackendMemory, BackendZooKeeper)
	}
	if c.Churn.MinWorkers < 0 || c.Churn.MinWorkers > c.Churn.MaxWorkers {
		fail("churn.min_workers (%d) must be between 0 and churn.max_workers (%d)", c.Churn.MinWorkers, c.Churn.MaxWorkers)
	}
	if c.Churn.IDSpace < c.Churn.MaxWorkers {
		fail("churn.id_space (%d) must be at least churn.max_workers (%d)", c.Churn.IDSpace, c.Churn.MaxWorkers)
	}
	for name, p := range map[string]float64{"kill_prob": c.Churn.KillProb, "add_prob": c.Churn.AddProb} {
		if p < 0 || p > 1 {
			fail("churn.%s must be within [0,1], got %g", name, p)
		}
	}
	if c.Churn.KillProb+c.Churn.AddProb > 1 {
		fail("churn.kill_prob + churn.add_prob must not exceed 1")
	}
	if c.Churn.Interval <= 0 {
		fail("churn.interval must be positive")
	}

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Log writes the effective configuration to logger.
func (c Config) Log(logger *log.Logger) {
	logger.Printf("zookeeper=%s session_timeout=%s", strings.Join(c.ZooKeeper.Servers, ","), c.ZooKeeper.SessionTimeout)
	logger.Printf("ring=%s size=%d election=%s", c.Ring.Path, c.Ring.Size, c.Election.Path)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
