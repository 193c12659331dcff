package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dreamware/ringleader/internal/cluster"
	"github.com/dreamware/ringleader/internal/coord"
	"github.com/dreamware/ringleader/internal/election"
	"github.com/dreamware/ringleader/internal/ring"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// ErrJoinFailed wraps the reasons a worker could not enter a protocol when
// it was configured to treat that as fatal.
var ErrJoinFailed = errors.New("worker failed to join")

// DefaultHeartbeat is the stay-alive log interval.
const DefaultHeartbeat = 5 * time.Second

// Config configures a Worker.
type Config struct {
	// ID names the worker on the ring and in the election. Empty means a
	// random UUID.
	ID string

	// Addr is the public address of the HTTP surface, reported in status.
	Addr string

	Heartbeat time.Duration

	// ExitOnJoinFailure makes Start fail when either protocol rejects the
	// worker. Otherwise the worker keeps running without that protocol.
	ExitOnJoinFailure bool

	Ring     ring.Config
	Election election.Config
	Logger   *log.Logger
}

// Worker is one participant process: a ring member and an election
// candidate sharing one coordination session.
//
// The ring and the election are joined independently. A worker whose slot
// collides still competes for leadership, and the reverse. A protocol the
// worker could not join is reported as not participating in Status and in
// the heartbeat line.
type Worker struct {
	client   coord.Client
	ring     *ring.Manager
	election *election.Manager
	logger   *log.Logger
	cfg      Config
	started  time.Time

	ringErr     error
	electionErr error
	owned       string

	shutdown     chan struct{}
	shutdownOnce sync.Once
	closeOnce    sync.Once
	closeErr     error

	mu sync.RWMutex // guards ringErr, electionErr, owned
}

// New creates a worker on client. The worker owns client from here on and
// closes it in Close.
func New(client coord.Client, cfg Config) *Worker {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[worker] ", log.LstdFlags)
	}
	if cfg.Ring.Logger == nil {
		cfg.Ring.Logger = cfg.Logger
	}
	if cfg.Election.Logger == nil {
		cfg.Election.Logger = cfg.Logger
	}
	return &Worker{
		client:   client,
		ring:     ring.NewManager(client, cfg.Ring),
		election: election.NewManager(client, cfg.Election),
		logger:   cfg.Logger,
		cfg:      cfg,
		started:  time.Now(),
		shutdown: make(chan struct{}),
	}
}

// ID returns the worker's identifier.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// Ring returns the worker's ring manager.
func (w *Worker) Ring() *ring.Manager {
	return w.ring
}

// Election returns the worker's election manager.
func (w *Worker) Election() *election.Manager {
	return w.election
}

// Start joins the ring and the election, then installs the watches that keep
// both cached views current until ctx ends. Join failures are logged with
// their kind; they are returned only when ExitOnJoinFailure is set.
func (w *Worker) Start(ctx context.Context) error {
	var errs *multierror.Error

	if _, err := w.ring.Register(ctx, w.cfg.ID); err != nil {
		w.logger.Printf("worker %s not participating in the ring (%s): %v", w.cfg.ID, failureKind(err), err)
		errs = multierror.Append(errs, err)
		w.mu.Lock()
		w.ringErr = err
		w.mu.Unlock()
	}
	if _, err := w.election.Join(ctx, w.cfg.ID); err != nil {
		w.logger.Printf("worker %s not participating in the election (%s): %v", w.cfg.ID, failureKind(err), err)
		errs = multierror.Append(errs, err)
		w.mu.Lock()
		w.electionErr = err
		w.mu.Unlock()
	}

	if err := errs.ErrorOrNil(); err != nil && w.cfg.ExitOnJoinFailure {
		return fmt.Errorf("%w %s: %w", ErrJoinFailed, w.cfg.ID, err)
	}

	// Watches run even for a protocol the worker is not part of, so status
	// and lookups keep reflecting the cluster.
	if err := w.ring.Watch(ctx, w.onRingChange); err != nil {
		w.logger.Printf("ring watch for %s failed: %v", w.cfg.ID, err)
	}
	if err := w.election.OnMembershipChange(ctx, nil); err != nil {
		w.logger.Printf("election watch for %s failed: %v", w.cfg.ID, err)
	}
	return nil
}

func (w *Worker) onRingChange(ring.View) {
	owned := "none"
	if r, ok := w.ring.Owned(); ok {
		owned = r.String()
	}
	w.mu.Lock()
	changed := owned != w.owned
	w.owned = owned
	w.mu.Unlock()
	if changed {
		w.logger.Printf("worker %s now responsible for %s", w.cfg.ID, owned)
	}
}

// Run starts the worker and logs a heartbeat every interval until ctx ends
// or a shutdown is requested. Each heartbeat also re-reads both protocols,
// which repairs the cached views if a watch notification was lost. Run does
// not leave the protocols; call Close for that.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := w.Start(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(w.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.shutdown:
			return nil
		case <-ticker.C:
			w.poll(ctx)
			w.logger.Print(w.Heartbeat())
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	switch _, err := w.ring.Refresh(ctx); {
	case err == nil:
		w.onRingChange(ring.View{})
	case !errors.Is(err, coord.ErrStaleSnapshot):
		w.logger.Printf("ring poll for %s failed: %v", w.cfg.ID, err)
	}
	if _, err := w.election.Refresh(ctx); err != nil && !errors.Is(err, coord.ErrStaleSnapshot) {
		w.logger.Printf("election poll for %s failed: %v", w.cfg.ID, err)
	}
}

// Heartbeat renders the stay-alive line from the cached views.
func (w *Worker) Heartbeat() string {
	leader, ok := w.election.Leader()
	if !ok {
		leader = "none"
	}
	owns := "none"
	if r, ok := w.ring.Owned(); ok {
		owns = r.String()
	}
	return fmt.Sprintf("worker %s alive; leader=%s state=%s owns=%s", w.cfg.ID, leader, w.election.State(), owns)
}

// RequestShutdown asks Run to return. It is safe to call more than once.
func (w *Worker) RequestShutdown(reason string) {
	w.shutdownOnce.Do(func() {
		w.logger.Printf("worker %s shutting down: %s", w.cfg.ID, reason)
		close(w.shutdown)
	})
}

// ShutdownRequested is closed once RequestShutdown has been called.
func (w *Worker) ShutdownRequested() <-chan struct{} {
	return w.shutdown
}

// Close leaves the ring and the election and closes the coordination
// client. Every failure is reported. Later calls return the first result.
func (w *Worker) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		var errs *multierror.Error
		if err := w.ring.Leave(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := w.election.Leave(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := w.client.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close client: %w", err))
		}
		w.closeErr = errs.ErrorOrNil()
	})
	return w.closeErr
}

// Owner returns the ring member responsible for key in the cached view.
func (w *Worker) Owner(key string) (cluster.OwnerResponse, bool) {
	node, ok := w.ring.Lookup(key)
	if !ok {
		return cluster.OwnerResponse{}, false
	}
	resp := cluster.OwnerResponse{
		Key:   key,
		Slot:  ring.Slot(key, w.ring.Size()),
		Owner: node.Owner,
	}
	if r, ok := w.ring.View().RangeOf(node.Owner); ok {
		resp.Range = r.String()
	}
	return resp, true
}

// Status reports the worker's cached views.
func (w *Worker) Status() cluster.WorkerStatus {
	w.mu.RLock()
	ringErr, electionErr := w.ringErr, w.electionErr
	w.mu.RUnlock()

	rv := w.ring.View()
	st := cluster.WorkerStatus{
		Worker: cluster.WorkerInfo{ID: w.cfg.ID, Addr: w.cfg.Addr},
		Ring: cluster.RingStatus{
			Members:    len(rv.Snapshot),
			Generation: rv.Generation,
		},
		Uptime: time.Since(w.started).Round(time.Second).String(),
	}
	if self, ok := w.ring.Self(); ok {
		st.Ring.Participating = true
		st.Ring.Slot = self.Slot
		if r, ok := w.ring.Owned(); ok {
			st.Ring.Range = r.String()
		}
	}
	if ringErr != nil {
		st.Ring.Error = ringErr.Error()
	} else if w.ring.Lost() {
		st.Ring.Error = "ring slot lost"
	}

	ev := w.election.View()
	st.Election = cluster.ElectionStatus{
		State:      string(ev.State),
		Leader:     ev.Leader,
		Candidates: len(ev.Candidates),
	}
	if self, ok := w.election.Self(); ok && ev.State != election.StateGone {
		st.Election.Participating = true
		st.Election.Sequence = self.Sequence
	}
	if electionErr != nil {
		st.Election.Error = electionErr.Error()
	}
	return st
}

// failureKind classifies a join error for logs.
func failureKind(err error) string {
	switch {
	case errors.Is(err, ring.ErrSlotCollision):
		return "slot collision"
	case errors.Is(err, election.ErrDuplicateCandidate):
		return "duplicate candidate"
	case errors.Is(err, coord.ErrConnectivity):
		return "connectivity"
	default:
		return "error"
	}
}
