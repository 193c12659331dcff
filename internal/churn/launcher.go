package churn

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/ringleader/internal/coord"
	"github.com/dreamware/ringleader/internal/election"
	"github.com/dreamware/ringleader/internal/ring"
	"github.com/dreamware/ringleader/internal/worker"
)

// Handle controls one launched worker.
type Handle interface {
	// ID returns the worker's identifier.
	ID() string

	// Stop ends the worker. A graceful stop lets it leave the ring and
	// the election; a forced stop kills it so its records vanish only when
	// its session ends. Stop returns once the worker has exited or ctx ends.
	Stop(ctx context.Context, graceful bool) error

	// Done is closed when the worker has exited for any reason.
	Done() <-chan struct{}

	// Err reports why the worker exited. It is meaningful after Done.
	Err() error
}

// Launcher starts workers.
type Launcher interface {
	Launch(ctx context.Context, id string) (Handle, error)
}

// LocalLauncher runs workers in-process, each on its own session of a shared
// memory store. A forced stop expires the session, which is what the
// coordination service does to a crashed process.
type LocalLauncher struct {
	Store     *coord.MemoryStore
	Ring      ring.Config
	Election  election.Config
	Heartbeat time.Duration
	Logger    *log.Logger
}

// Launch starts a worker named id. The worker exits on its own if it
// cannot join the ring or the election.
func (l *LocalLauncher) Launch(_ context.Context, id string) (Handle, error) {
	session := l.Store.Session()
	w := worker.New(session, worker.Config{
		ID:                id,
		Heartbeat:         l.Heartbeat,
		ExitOnJoinFailure: true,
		Ring:              l.Ring,
		Election:          l.Election,
		Logger:            l.Logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h := &localHandle{
		id:      id,
		worker:  w,
		session: session,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go h.run(ctx)
	return h, nil
}

type localHandle struct {
	worker  *worker.Worker
	session *coord.MemorySession
	cancel  context.CancelFunc
	done    chan struct{}
	id      string
	err     error
	killed  atomic.Bool
	mu      sync.Mutex
}

func (h *localHandle) run(ctx context.Context) {
	defer close(h.done)
	defer h.cancel()

	err := h.worker.Run(ctx)
	if !h.killed.Load() {
		if cerr := h.worker.Close(context.Background()); err == nil {
			err = cerr
		}
	}
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

func (h *localHandle) ID() string {
	return h.id
}

func (h *localHandle) Stop(ctx context.Context, graceful bool) error {
	if graceful {
		h.worker.RequestShutdown("stopped by churn driver")
	} else {
		h.killed.Store(true)
		h.session.Expire()
		h.cancel()
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *localHandle) Done() <-chan struct{} {
	return h.done
}

func (h *localHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Worker exposes the in-process worker, for status queries.
func (h *localHandle) Worker() *worker.Worker {
	return h.worker
}
