// Package main implements the ringleader worker, one participant in the
// membership ring and the leader election.
//
// The worker:
//   - Claims the ring slot derived from its identifier
//   - Enters the leader election with an ephemeral sequential record
//   - Watches both namespaces and logs a heartbeat with its leader and range
//   - Serves a small HTTP surface for status, key lookup and shutdown
//
// Configuration (environment, a .env file, or the YAML file named by
// RINGLEADER_CONFIG):
//   - ZK_SERVERS: Comma separated ensemble (default: "127.0.0.1:2181")
//   - ZK_SESSION_TIMEOUT: Session timeout (default: "5s")
//   - WORKER_ID: Identifier (default: a random UUID)
//   - WORKER_LISTEN: HTTP listen address (default: none, no HTTP surface)
//   - HEARTBEAT_INTERVAL: Heartbeat period (default: "5s")
//   - WORKER_EXIT_ON_JOIN_FAILURE: Exit when a protocol rejects the worker
//   - RING_PATH, RING_SIZE, ELECTION_PATH: Namespaces and ring size
//
// Example usage:
//
//	WORKER_ID=17 WORKER_LISTEN=127.0.0.1:9117 ./worker
//	curl localhost:9117/status
//	curl -X POST localhost:9117/shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/ringleader/internal/config"
	"github.com/dreamware/ringleader/internal/coord"
	"github.com/dreamware/ringleader/internal/election"
	"github.com/dreamware/ringleader/internal/ring"
	"github.com/dreamware/ringleader/internal/worker"
	"github.com/hashicorp/go-multierror"
)

// logFatal is a variable so tests can intercept fatal errors.
var logFatal = log.Fatalf

// shutdownTimeout bounds leaving the protocols and draining HTTP.
const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logFatal("config: %v", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := dial(ctx, cfg)
	if err != nil {
		logFatal("connect: %v", err)
		return
	}
	if err := run(ctx, cfg, client, nil); err != nil {
		logFatal("worker: %v", err)
	}
	log.Println("worker stopped")
}

// dial opens a ZooKeeper session using the configured ensemble.
func dial(ctx context.Context, cfg config.Config) (*coord.ZooKeeper, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ZooKeeper.SessionTimeout+5*time.Second)
	defer cancel()
	return coord.Dial(dialCtx, coord.ZooKeeperConfig{
		Servers:        cfg.ZooKeeper.Servers,
		SessionTimeout: cfg.ZooKeeper.SessionTimeout,
	})
}

// run drives one worker over client until ctx ends or a shutdown is
// requested over HTTP, then leaves both protocols. When the HTTP surface is
// enabled its bound address is sent on ready, if ready is not nil.
func run(ctx context.Context, cfg config.Config, client coord.Client, ready chan<- string) error {
	w := worker.New(client, worker.Config{
		ID:                cfg.Worker.ID,
		Addr:              cfg.Worker.Listen,
		Heartbeat:         cfg.Worker.Heartbeat,
		ExitOnJoinFailure: cfg.Worker.ExitOnJoinFailure,
		Ring:              ring.Config{Path: cfg.Ring.Path, Size: cfg.Ring.Size},
		Election:          election.Config{Path: cfg.Election.Path},
	})
	log.Printf("worker[%s] starting (ring %s size %d, election %s)", w.ID(), cfg.Ring.Path, cfg.Ring.Size, cfg.Election.Path)

	var srv *http.Server
	serveErr := make(chan error, 1)
	if cfg.Worker.Listen != "" {
		ln, err := net.Listen("tcp", cfg.Worker.Listen)
		if err != nil {
			client.Close()
			return fmt.Errorf("listen %s: %w", cfg.Worker.Listen, err)
		}
		srv = &http.Server{
			Handler:           w.Routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
		log.Printf("worker[%s] listening on %s", w.ID(), ln.Addr())
		if ready != nil {
			ready <- ln.Addr().String()
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case err := <-serveErr:
			log.Printf("worker[%s] http server failed: %v", w.ID(), err)
			cancel()
		case <-runCtx.Done():
		}
	}()

	var errs *multierror.Error
	if err := w.Run(runCtx); err != nil {
		errs = multierror.Append(errs, err)
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if err := w.Close(shutdownCtx); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}
