package churn

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/dreamware/ringleader/internal/cluster"
)

// ProcessLauncher runs every worker as a separate process of the worker
// binary, configured through environment variables. A forced stop kills
// the process; its ephemeral records disappear once the coordination
// service expires its session.
type ProcessLauncher struct {
	// Binary is the path of the worker executable.
	Binary string

	// BasePort is added to numeric identifiers to pick each worker's HTTP
	// port. Non-numeric identifiers get ports above BasePort+100000 in
	// launch order.
	BasePort int

	// Env is appended to the driver's own environment, e.g. ZK_SERVERS.
	Env []string

	// Output receives the workers' stdout and stderr. Defaults to
	// os.Stderr.
	Output io.Writer

	Logger *log.Logger

	next atomic.Int64
}

// Launch starts the worker binary for id.
func (l *ProcessLauncher) Launch(_ context.Context, id string) (Handle, error) {
	addr := "127.0.0.1:" + strconv.Itoa(l.port(id))

	cmd := exec.Command(l.Binary)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Env = append(cmd.Env,
		"WORKER_ID="+id,
		"WORKER_LISTEN="+addr,
		"WORKER_EXIT_ON_JOIN_FAILURE=true",
	)
	out := l.Output
	if out == nil {
		out = os.Stderr
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch worker %s: %w", id, err)
	}
	h := &processHandle{
		id:     id,
		addr:   addr,
		cmd:    cmd,
		logger: l.logger(),
		done:   make(chan struct{}),
	}
	go h.wait()
	return h, nil
}

func (l *ProcessLauncher) port(id string) int {
	if n, err := strconv.Atoi(id); err == nil && n >= 0 && n < 100000 {
		return l.BasePort + n
	}
	return l.BasePort + 100000 + int(l.next.Add(1))
}

func (l *ProcessLauncher) logger() *log.Logger {
	if l.Logger == nil {
		return log.New(log.Writer(), "[churn] ", log.LstdFlags)
	}
	return l.Logger
}

type processHandle struct {
	cmd    *exec.Cmd
	logger *log.Logger
	done   chan struct{}
	id     string
	addr   string
	err    error
	mu     sync.Mutex
}

func (h *processHandle) wait() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

func (h *processHandle) ID() string {
	return h.id
}

// Addr returns the worker's HTTP address.
func (h *processHandle) Addr() string {
	return h.addr
}

func (h *processHandle) Stop(ctx context.Context, graceful bool) error {
	if graceful {
		url := "http://" + h.addr + "/shutdown"
		if err := cluster.PostJSON(ctx, url, cluster.ShutdownRequest{Reason: "stopped by churn driver"}, nil); err != nil {
			h.logger.Printf("graceful stop of worker %s failed, killing: %v", h.id, err)
			graceful = false
		}
	}
	if !graceful {
		if err := h.cmd.Process.Kill(); err != nil {
			select {
			case <-h.done:
				return nil
			default:
				return fmt.Errorf("kill worker %s: %w", h.id, err)
			}
		}
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *processHandle) Done() <-chan struct{} {
	return h.done
}

func (h *processHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}
