package coord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"golang.org/x/exp/slices"
)

// ZooKeeperConfig configures a ZooKeeper-backed Client.
type ZooKeeperConfig struct {
	// Logger receives adapter and library log lines. Nil means a default
	// logger prefixed with "[zk] ".
	Logger *log.Logger

	// Servers are host:port pairs of the ensemble.
	Servers []string

	// SessionTimeout bounds how long the ensemble keeps this session's
	// ephemeral nodes after the process stops heartbeating.
	SessionTimeout time.Duration

	// RewatchDelay is the pause between attempts to re-arm a children watch
	// after a transient failure. Defaults to one second.
	RewatchDelay time.Duration
}

// ZooKeeper is a Client backed by a ZooKeeper ensemble.
type ZooKeeper struct {
	conn         *zk.Conn
	logger       *log.Logger
	done         chan struct{}
	acl          []zk.ACL
	rewatchDelay time.Duration
	closeOnce    sync.Once
}

var _ Client = (*ZooKeeper)(nil)

// Dial connects to the ensemble and waits until a session is established or
// ctx is done.
func Dial(ctx context.Context, cfg ZooKeeperConfig) (*ZooKeeper, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("at least one ZooKeeper server is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[zk] ", log.LstdFlags)
	}
	rewatch := cfg.RewatchDelay
	if rewatch <= 0 {
		rewatch = time.Second
	}

	conn, events, err := zk.Connect(cfg.Servers, cfg.SessionTimeout, zk.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w: %v", strings.Join(cfg.Servers, ","), ErrConnectivity, err)
	}

	z := &ZooKeeper{
		conn:         conn,
		logger:       logger,
		done:         make(chan struct{}),
		acl:          zk.WorldACL(zk.PermAll),
		rewatchDelay: rewatch,
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, fmt.Errorf("connect: %w: event stream closed", ErrConnectivity)
			}
			if ev.State == zk.StateHasSession {
				logger.Printf("session established with %s (id %#x)", ev.Server, conn.SessionID())
				// the library panics if its event channel fills up
				go z.drain(events)
				return z, nil
			}
		case <-ctx.Done():
			conn.Close()
			return nil, fmt.Errorf("connect: %w: %v", ErrConnectivity, ctx.Err())
		}
	}
}

func (z *ZooKeeper) drain(events <-chan zk.Event) {
	for ev := range events {
		switch ev.State {
		case zk.StateExpired:
			z.logger.Printf("session expired; ephemeral nodes are gone")
		case zk.StateDisconnected:
			z.logger.Printf("disconnected from %s", ev.Server)
		}
	}
}

// translate maps library errors onto the package taxonomy.
func translate(op, p string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNodeExists):
		return fmt.Errorf("%s %s: %w", op, p, ErrNodeExists)
	case errors.Is(err, zk.ErrNoNode):
		return fmt.Errorf("%s %s: %w", op, p, ErrNoNode)
	case errors.Is(err, zk.ErrNotEmpty):
		return fmt.Errorf("%s %s: %w", op, p, ErrNotEmpty)
	case errors.Is(err, zk.ErrConnectionClosed),
		errors.Is(err, zk.ErrNoServer),
		errors.Is(err, zk.ErrSessionExpired),
		errors.Is(err, zk.ErrSessionMoved),
		errors.Is(err, zk.ErrClosing):
		return fmt.Errorf("%s %s: %w: %v", op, p, ErrConnectivity, err)
	default:
		return fmt.Errorf("%s %s: %w", op, p, err)
	}
}

func ctxErr(ctx context.Context, op, p string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s %s: %w: %v", op, p, ErrConnectivity, err)
	}
	return nil
}

// EnsurePath implements Client.
func (z *ZooKeeper) EnsurePath(ctx context.Context, p string) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	current := ""
	for _, part := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		if part == "" {
			continue
		}
		if err := ctxErr(ctx, "ensure", p); err != nil {
			return err
		}
		current += "/" + part
		exists, _, err := z.conn.Exists(current)
		if err != nil {
			return translate("ensure", current, err)
		}
		if exists {
			continue
		}
		_, err = z.conn.Create(current, nil, 0, z.acl)
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return translate("ensure", current, err)
		}
	}
	return nil
}

// Create implements Client.
func (z *ZooKeeper) Create(ctx context.Context, p string, value []byte, mode CreateMode) (string, error) {
	if err := ctxErr(ctx, "create", p); err != nil {
		return "", err
	}
	var flags int32
	if mode.Ephemeral() {
		flags |= zk.FlagEphemeral
	}
	if mode.Sequential() {
		flags |= zk.FlagSequence
	}
	created, err := z.conn.Create(p, value, flags, z.acl)
	if err != nil {
		return "", translate("create", p, err)
	}
	return created, nil
}

// Children implements Client.
func (z *ZooKeeper) Children(ctx context.Context, p string, withValues bool) ([]Child, error) {
	if err := ctxErr(ctx, "children", p); err != nil {
		return nil, err
	}
	names, _, err := z.conn.Children(p)
	if err != nil {
		return nil, translate("children", p, err)
	}
	slices.Sort(names)

	out := make([]Child, 0, len(names))
	for _, name := range names {
		c := Child{Name: name}
		if withValues {
			data, _, err := z.conn.Get(JoinPath(p, name))
			if errors.Is(err, zk.ErrNoNode) {
				// removed between the listing and the read
				continue
			}
			if err != nil {
				return nil, translate("get", JoinPath(p, name), err)
			}
			c.Value = data
		}
		out = append(out, c)
	}
	return out, nil
}

// Get implements Client.
func (z *ZooKeeper) Get(ctx context.Context, p string) ([]byte, error) {
	if err := ctxErr(ctx, "get", p); err != nil {
		return nil, err
	}
	data, _, err := z.conn.Get(p)
	if err != nil {
		return nil, translate("get", p, err)
	}
	return data, nil
}

// Delete implements Client.
func (z *ZooKeeper) Delete(ctx context.Context, p string) error {
	if err := ctxErr(ctx, "delete", p); err != nil {
		return err
	}
	return translate("delete", p, z.conn.Delete(p, -1))
}

// WatchChildren implements Client. ZooKeeper watches are one-shot, so the
// watch is re-armed, and the child list re-read, after every event.
func (z *ZooKeeper) WatchChildren(ctx context.Context, p string, fn func(children []string)) error {
	if err := ctxErr(ctx, "watch", p); err != nil {
		return err
	}
	children, _, events, err := z.conn.ChildrenW(p)
	if err != nil {
		return translate("watch", p, err)
	}

	go func() {
		for {
			slices.Sort(children)
			fn(children)

			select {
			case <-ctx.Done():
				return
			case <-z.done:
				return
			case ev := <-events:
				if ev.Err != nil {
					z.logger.Printf("watch %s: event error: %v", p, ev.Err)
				}
			}

			for {
				children, _, events, err = z.conn.ChildrenW(p)
				if err == nil {
					break
				}
				if errors.Is(err, zk.ErrNoNode) || errors.Is(err, zk.ErrClosing) || errors.Is(err, zk.ErrConnectionClosed) {
					z.logger.Printf("watch %s stopped: %v", p, err)
					return
				}
				z.logger.Printf("watch %s: re-arm failed, retrying in %v: %v", p, z.rewatchDelay, err)
				select {
				case <-ctx.Done():
					return
				case <-z.done:
					return
				case <-time.After(z.rewatchDelay):
				}
			}
		}
	}()
	return nil
}

// Close implements Client.
func (z *ZooKeeper) Close() error {
	z.closeOnce.Do(func() {
		close(z.done)
		z.conn.Close()
	})
	return nil
}
