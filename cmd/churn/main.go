// Package main implements the churn driver, which keeps adding and killing
// workers and prints the ring and the leader after every step.
//
// Two backends are available:
//   - memory: workers run as goroutines on an in-process coordination store.
//     Nothing external is needed.
//   - zookeeper: workers run as separate processes of the worker binary
//     against a ZooKeeper ensemble. Killed workers disappear from the ring
//     and the election once their session times out.
//
// Configuration (environment, a .env file, or the YAML file named by
// RINGLEADER_CONFIG):
//   - CHURN_BACKEND: "memory" or "zookeeper" (default: "memory")
//   - CHURN_WORKER_BINARY: Worker executable (default: "worker")
//   - CHURN_BASE_PORT: Worker N listens on BASE_PORT+N (default: 9100)
//   - CHURN_INTERVAL: Time between steps (default: "1s")
//   - CHURN_MIN_WORKERS, CHURN_MAX_WORKERS: Population bounds (2, 10)
//   - CHURN_ID_SPACE: Identifiers are drawn from 1..ID_SPACE (100)
//   - CHURN_KILL_PROB, CHURN_ADD_PROB: Step probabilities (0.33 each)
//   - CHURN_SEED: Random seed (default: clock)
//   - CHURN_STEPS: Stop after this many steps (default: run until signalled)
//   - ZK_SERVERS, ZK_SESSION_TIMEOUT, RING_PATH, RING_SIZE, ELECTION_PATH
//
// Example usage:
//
//	CHURN_SEED=7 CHURN_STEPS=20 ./churn
//	CHURN_BACKEND=zookeeper CHURN_WORKER_BINARY=./bin/worker ./churn
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dreamware/ringleader/internal/churn"
	"github.com/dreamware/ringleader/internal/config"
	"github.com/dreamware/ringleader/internal/coord"
	"github.com/dreamware/ringleader/internal/election"
	"github.com/dreamware/ringleader/internal/ring"
)

// logFatal is a variable so tests can intercept fatal errors.
var logFatal = log.Fatalf

func main() {
	cfg, err := config.Load()
	if err != nil {
		logFatal("config: %v", err)
		return
	}
	cfg.Log(log.Default())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logFatal("churn: %v", err)
	}
	log.Println("churn stopped")
}

// run builds the launcher and observer for the configured backend and
// drives the churn loop until ctx ends or the configured steps are done.
func run(ctx context.Context, cfg config.Config) error {
	launcher, observer, err := backend(ctx, cfg)
	if err != nil {
		return err
	}
	defer observer.Close()

	d := churn.NewDriver(launcher, observer, driverConfig(cfg))
	return d.Run(ctx)
}

func driverConfig(cfg config.Config) churn.Config {
	return churn.Config{
		MinWorkers: cfg.Churn.MinWorkers,
		MaxWorkers: cfg.Churn.MaxWorkers,
		IDSpace:    cfg.Churn.IDSpace,
		KillProb:   cfg.Churn.KillProb,
		AddProb:    cfg.Churn.AddProb,
		Interval:   cfg.Churn.Interval,
		Steps:      cfg.Churn.Steps,
		Seed:       cfg.Churn.Seed,
		Ring:       ring.Config{Path: cfg.Ring.Path, Size: cfg.Ring.Size},
		Election:   election.Config{Path: cfg.Election.Path},
	}
}

// backend returns the launcher and the observer session for cfg.
func backend(ctx context.Context, cfg config.Config) (churn.Launcher, coord.Client, error) {
	switch cfg.Churn.Backend {
	case config.BackendMemory:
		store := coord.NewMemoryStore()
		launcher := &churn.LocalLauncher{
			Store:     store,
			Ring:      ring.Config{Path: cfg.Ring.Path, Size: cfg.Ring.Size},
			Election:  election.Config{Path: cfg.Election.Path},
			Heartbeat: cfg.Worker.Heartbeat,
		}
		return launcher, store.Session(), nil

	case config.BackendZooKeeper:
		dialCtx, cancel := context.WithTimeout(ctx, cfg.ZooKeeper.SessionTimeout+5*time.Second)
		defer cancel()
		observer, err := coord.Dial(dialCtx, coord.ZooKeeperConfig{
			Servers:        cfg.ZooKeeper.Servers,
			SessionTimeout: cfg.ZooKeeper.SessionTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect observer: %w", err)
		}
		launcher := &churn.ProcessLauncher{
			Binary:   cfg.Churn.WorkerBinary,
			BasePort: cfg.Churn.BasePort,
			Env:      workerEnv(cfg),
		}
		return launcher, observer, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Churn.Backend)
	}
}

// workerEnv passes the shared settings on to worker processes.
func workerEnv(cfg config.Config) []string {
	return []string{
		"ZK_SERVERS=" + strings.Join(cfg.ZooKeeper.Servers, ","),
		"ZK_SESSION_TIMEOUT=" + cfg.ZooKeeper.SessionTimeout.String(),
		"RING_PATH=" + cfg.Ring.Path,
		fmt.Sprintf("RING_SIZE=%d", cfg.Ring.Size),
		"ELECTION_PATH=" + cfg.Election.Path,
		"HEARTBEAT_INTERVAL=" + cfg.Worker.Heartbeat.String(),
	}
}
