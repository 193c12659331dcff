package churn

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/dreamware/ringleader/internal/coord"
	"github.com/dreamware/ringleader/internal/election"
	"github.com/dreamware/ringleader/internal/ring"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/exp/slices"
)

// Action is what one churn step decided to do.
type Action string

const (
	ActionKill    Action = "kill"
	ActionAdd     Action = "add"
	ActionNothing Action = "nothing"
)

// Config configures a Driver. Zero values take the defaults noted.
type Config struct {
	MinWorkers int // 2; kills never go below it
	MaxWorkers int // 10; adds never go above it
	IDSpace    int // 100; new identifiers are drawn from [1, IDSpace]

	// KillProb and AddProb split each step: a kill with probability
	// KillProb, an add with probability AddProb, nothing otherwise. Both
	// zero means 0.33 each.
	KillProb float64
	AddProb  float64

	Interval time.Duration // 5s between steps
	Steps    int           // 0 runs until the context ends
	Seed     int64         // 0 seeds from the clock

	// Graceful makes kills leave the protocols instead of crashing.
	Graceful    bool
	StopTimeout time.Duration // 5s

	Ring     ring.Config
	Election election.Config
	Logger   *log.Logger
}

// Report is the cluster as the driver's observer session sees it.
type Report struct {
	Ring       []ring.Assignment `json:"ring"`
	Leader     string            `json:"leader,omitempty"`
	HasLeader  bool              `json:"has_leader"`
	Candidates election.Snapshot `json:"candidates"`
	Workers    []string          `json:"workers"`
}

// Lines renders the report the way the driver logs it.
func (r Report) Lines() []string {
	out := make([]string, 0, len(r.Ring)+2)
	out = append(out, fmt.Sprintf("%d worker(s) running, %d on the ring", len(r.Workers), len(r.Ring)))
	for _, a := range r.Ring {
		out = append(out, fmt.Sprintf("-- worker %s is responsible for range %s", a.Owner, a.Range))
	}
	if r.HasLeader {
		out = append(out, fmt.Sprintf("-- leader is %s (%d candidate(s))", r.Leader, len(r.Candidates)))
	} else {
		out = append(out, "-- no leader")
	}
	return out
}

// Driver randomly adds and kills workers and reports the resulting ring and
// leader. It is meant to be driven from a single goroutine; Workers may be
// called from others.
type Driver struct {
	launcher Launcher
	ring     *ring.Manager
	election *election.Manager
	rng      *rand.Rand
	workers  map[string]Handle
	logger   *log.Logger
	cfg      Config
	mu       sync.Mutex // guards workers
}

// NewDriver creates a driver launching workers through launcher and
// observing the cluster through observer, which never joins anything.
func NewDriver(launcher Launcher, observer coord.Client, cfg Config) *Driver {
	if cfg.MinWorkers == 0 {
		cfg.MinWorkers = 2
	}
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.IDSpace == 0 {
		cfg.IDSpace = 100
	}
	if cfg.KillProb == 0 && cfg.AddProb == 0 {
		cfg.KillProb, cfg.AddProb = 0.33, 0.33
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[churn] ", log.LstdFlags)
	}
	if cfg.Ring.Logger == nil {
		cfg.Ring.Logger = cfg.Logger
	}
	if cfg.Election.Logger == nil {
		cfg.Election.Logger = cfg.Logger
	}
	return &Driver{
		launcher: launcher,
		ring:     ring.NewManager(observer, cfg.Ring),
		election: election.NewManager(observer, cfg.Election),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		workers:  make(map[string]Handle),
		logger:   cfg.Logger,
		cfg:      cfg,
	}
}

// Workers returns the identifiers of the launched workers still running,
// in numeric order where identifiers are numeric.
func (d *Driver) Workers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idsLocked()
}

func (d *Driver) idsLocked() []string {
	ids := make([]string, 0, len(d.workers))
	for id := range d.workers {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, compareIDs)
	return ids
}

func compareIDs(a, b string) int {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	switch {
	case errA == nil && errB == nil:
		return cmp.Compare(na, nb)
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	}
	return cmp.Compare(a, b)
}

// Populate launches the initial workers, identifiers 0 through
// MinWorkers-1, skipping any already running.
func (d *Driver) Populate(ctx context.Context) error {
	var errs *multierror.Error
	for i := 0; i < d.cfg.MinWorkers; i++ {
		id := strconv.Itoa(i)
		d.mu.Lock()
		_, running := d.workers[id]
		d.mu.Unlock()
		if running {
			continue
		}
		if err := d.launch(ctx, id); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (d *Driver) launch(ctx context.Context, id string) error {
	h, err := d.launcher.Launch(ctx, id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.workers[id] = h
	d.mu.Unlock()
	d.logger.Printf("launched worker %s", id)
	return nil
}

// Step reaps exited workers, then kills one, adds one or does nothing.
func (d *Driver) Step(ctx context.Context) (Action, error) {
	d.Reap()

	r := d.rng.Float64()
	switch {
	case r < d.cfg.KillProb:
		return d.kill(ctx)
	case r < d.cfg.KillProb+d.cfg.AddProb:
		return d.add(ctx)
	default:
		d.logger.Printf("decided to do nothing")
		return ActionNothing, nil
	}
}

func (d *Driver) kill(ctx context.Context) (Action, error) {
	d.mu.Lock()
	ids := d.idsLocked()
	if len(ids) <= d.cfg.MinWorkers {
		d.mu.Unlock()
		d.logger.Printf("not killing: %d worker(s) running, minimum is %d", len(ids), d.cfg.MinWorkers)
		return ActionNothing, nil
	}
	id := ids[d.rng.Intn(len(ids))]
	h := d.workers[id]
	delete(d.workers, id)
	d.mu.Unlock()

	d.logger.Printf("decided to kill worker %s", id)
	stopCtx, cancel := context.WithTimeout(ctx, d.cfg.StopTimeout)
	defer cancel()
	if err := h.Stop(stopCtx, d.cfg.Graceful); err != nil {
		return ActionKill, fmt.Errorf("stop worker %s: %w", id, err)
	}
	d.logger.Printf("killed worker %s", id)
	return ActionKill, nil
}

func (d *Driver) add(ctx context.Context) (Action, error) {
	d.mu.Lock()
	if len(d.workers) >= d.cfg.MaxWorkers {
		n := len(d.workers)
		d.mu.Unlock()
		d.logger.Printf("not adding: %d worker(s) running, maximum is %d", n, d.cfg.MaxWorkers)
		return ActionNothing, nil
	}
	free := make([]string, 0, d.cfg.IDSpace)
	for i := 1; i <= d.cfg.IDSpace; i++ {
		id := strconv.Itoa(i)
		if _, ok := d.workers[id]; !ok {
			free = append(free, id)
		}
	}
	d.mu.Unlock()
	if len(free) == 0 {
		d.logger.Printf("not adding: identifier space exhausted")
		return ActionNothing, nil
	}

	id := free[d.rng.Intn(len(free))]
	d.logger.Printf("decided to add worker %s", id)
	if err := d.launch(ctx, id); err != nil {
		return ActionAdd, err
	}
	return ActionAdd, nil
}

// Reap forgets workers that exited on their own, such as a worker whose
// slot collided with a running one. It returns their identifiers.
func (d *Driver) Reap() []string {
	d.mu.Lock()
	var exited []Handle
	for id, h := range d.workers {
		select {
		case <-h.Done():
			exited = append(exited, h)
			delete(d.workers, id)
		default:
		}
	}
	d.mu.Unlock()

	ids := make([]string, 0, len(exited))
	for _, h := range exited {
		d.logger.Printf("worker %s exited: %v", h.ID(), h.Err())
		ids = append(ids, h.ID())
	}
	slices.SortFunc(ids, compareIDs)
	return ids
}

// Report reads the ring and the election through the observer session.
func (d *Driver) Report(ctx context.Context) (Report, error) {
	var errs *multierror.Error
	rep := Report{Workers: d.Workers()}

	// a namespace nobody has created yet is an empty cluster
	if snap, err := d.ring.Snapshot(ctx); err != nil && !errors.Is(err, coord.ErrNoNode) {
		errs = multierror.Append(errs, err)
	} else {
		rep.Ring = ring.Assign(snap)
	}
	if snap, err := d.election.Snapshot(ctx); err != nil && !errors.Is(err, coord.ErrNoNode) {
		errs = multierror.Append(errs, err)
	} else {
		rep.Candidates = snap.Sorted()
		rep.Leader, rep.HasLeader = election.CurrentLeader(snap)
	}
	return rep, errs.ErrorOrNil()
}

func (d *Driver) logReport(ctx context.Context) {
	rep, err := d.Report(ctx)
	if err != nil {
		d.logger.Printf("status unavailable: %v", err)
	}
	for _, line := range rep.Lines() {
		d.logger.Print(line)
	}
}

// Run populates the cluster, then steps every interval until ctx ends or
// the configured number of steps has run, logging a report after each
// step. All remaining workers are stopped before Run returns.
func (d *Driver) Run(ctx context.Context) error {
	d.logger.Printf("starting churn (seed %d)", d.cfg.Seed)
	if err := d.Populate(ctx); err != nil {
		d.logger.Printf("initial population incomplete: %v", err)
	}

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for step := 1; d.cfg.Steps == 0 || step <= d.cfg.Steps; step++ {
		select {
		case <-ctx.Done():
			return d.Shutdown(context.Background())
		case <-ticker.C:
		}
		if _, err := d.Step(ctx); err != nil {
			d.logger.Printf("step %d: %v", step, err)
		}
		d.logReport(ctx)
	}
	return d.Shutdown(context.Background())
}

// Shutdown stops every running worker gracefully.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	handles := make([]Handle, 0, len(d.workers))
	for _, h := range d.workers {
		handles = append(handles, h)
	}
	d.workers = make(map[string]Handle)
	d.mu.Unlock()

	var (
		errs *multierror.Error
		mu   sync.Mutex
		wg   sync.WaitGroup
	)
	for _, h := range handles {
		wg.Add(1)
		go func(h Handle) {
			defer wg.Done()
			stopCtx, cancel := context.WithTimeout(ctx, d.cfg.StopTimeout)
			defer cancel()
			if err := h.Stop(stopCtx, true); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("stop worker %s: %w", h.ID(), err))
				mu.Unlock()
			}
		}(h)
	}
	wg.Wait()
	d.logger.Printf("stopped %d worker(s)", len(handles))
	return errs.ErrorOrNil()
}
