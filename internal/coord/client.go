package coord

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
)

var (
	// ErrNodeExists is returned by Create when a non-sequential path is taken.
	ErrNodeExists = errors.New("node already exists")

	// ErrNoNode is returned when the target path (or the parent of a path
	// being created) does not exist.
	ErrNoNode = errors.New("node does not exist")

	// ErrNotEmpty is returned by Delete when the node still has children.
	ErrNotEmpty = errors.New("node has children")

	// ErrConnectivity wraps every failure to reach the coordination service,
	// including use of a closed or expired session. Callers should not
	// expect the adapter to recover from it.
	ErrConnectivity = errors.New("coordination service unreachable")

	// ErrStaleSnapshot marks a derived view computed from a snapshot that was
	// already superseded when it was about to be applied.
	ErrStaleSnapshot = errors.New("snapshot superseded")
)

// CreateMode selects the lifecycle and naming of a created node.
type CreateMode int

const (
	// ModePersistent nodes live until explicitly deleted.
	ModePersistent CreateMode = iota
	// ModeEphemeral nodes are removed when the creating session ends.
	ModeEphemeral
	// ModePersistentSequential nodes get a service-assigned sequence suffix.
	ModePersistentSequential
	// ModeEphemeralSequential combines ModeEphemeral and a sequence suffix.
	ModeEphemeralSequential
)

// Ephemeral reports whether nodes created with m die with their session.
func (m CreateMode) Ephemeral() bool {
	return m == ModeEphemeral || m == ModeEphemeralSequential
}

// Sequential reports whether the service appends a sequence suffix.
func (m CreateMode) Sequential() bool {
	return m == ModePersistentSequential || m == ModeEphemeralSequential
}

func (m CreateMode) String() string {
	switch m {
	case ModePersistent:
		return "persistent"
	case ModeEphemeral:
		return "ephemeral"
	case ModePersistentSequential:
		return "persistent-sequential"
	case ModeEphemeralSequential:
		return "ephemeral-sequential"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// Child is one entry of a children listing. Value is nil unless the listing
// was requested with values.
type Child struct {
	Name  string
	Value []byte
}

// Client is the contract both membership protocols consume.
//
// Implementations must be safe for concurrent use. Every method that talks
// to the service fails with an error wrapping ErrConnectivity when the
// service cannot be reached; no method retries on its own.
type Client interface {
	// EnsurePath creates p and any missing parents as empty persistent
	// nodes. It is idempotent.
	EnsurePath(ctx context.Context, p string) error

	// Create creates p with the given value and mode and returns the path
	// actually created, which differs from p for sequential modes.
	// A non-sequential collision fails with ErrNodeExists.
	Create(ctx context.Context, p string, value []byte, mode CreateMode) (string, error)

	// Children lists the children of p ordered by name, optionally with
	// each child's value.
	Children(ctx context.Context, p string, withValues bool) ([]Child, error)

	// Get returns the value stored at p.
	Get(ctx context.Context, p string) ([]byte, error)

	// Delete removes p. Ephemeral nodes never need explicit deletion.
	Delete(ctx context.Context, p string) error

	// WatchChildren invokes fn with the current child names of p once
	// immediately and then at least once after every change to the child
	// set, until ctx is cancelled or the client is closed. fn runs on a
	// goroutine owned by the client, never on the caller's.
	WatchChildren(ctx context.Context, p string, fn func(children []string)) error

	// Close ends the session. Ephemeral nodes created through it go away.
	Close() error
}

// JoinPath joins a parent path and a child name.
func JoinPath(parent, name string) string {
	return path.Join(parent, name)
}

// ValidatePath checks that p is an absolute, clean namespace path.
func ValidatePath(p string) error {
	if p == "" || p[0] != '/' {
		return fmt.Errorf("path %q must be absolute", p)
	}
	if p != "/" && (strings.HasSuffix(p, "/") || path.Clean(p) != p) {
		return fmt.Errorf("path %q is not clean", p)
	}
	return nil
}

// ValidateName checks that name can be used as a single path component.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("name cannot be empty")
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("name %q cannot contain '/'", name)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("name %q is reserved", name)
	}
	return nil
}

// SequenceWidth is the number of digits of a sequence suffix.
const SequenceWidth = 10

// FormatSequence renders a sequence number the way the service appends it.
func FormatSequence(seq uint64) string {
	return fmt.Sprintf("%0*d", SequenceWidth, seq)
}

// ParseSequence extracts the trailing sequence suffix from a node name
// created in a sequential mode.
func ParseSequence(name string) (uint64, error) {
	if len(name) < SequenceWidth {
		return 0, fmt.Errorf("name %q has no sequence suffix", name)
	}
	suffix := name[len(name)-SequenceWidth:]
	seq, err := strconv.ParseUint(suffix, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("name %q has no sequence suffix: %w", name, err)
	}
	return seq, nil
}
