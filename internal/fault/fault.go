// Package fault defines the error kinds shared by the sync and backup cycles.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how a cycle should react to it
type Kind int

const (
	// Unexpected is any failure that does not fit a known category.
	Unexpected Kind = iota
	// TransientNetwork covers unreachable remotes and failed fetch/push; retried next cycle.
	TransientNetwork
	// WorkingTreeConflict covers merge and stash-pop conflicts.
	WorkingTreeConflict
	// ConfigurationMissing covers a missing repository, remote or upstream branch.
	ConfigurationMissing
	// ResourceUnavailable covers disk full and permission errors on local paths.
	ResourceUnavailable
	// SupervisorUnreachable covers restart, health and stats failures of the supervised service.
	SupervisorUnreachable
)

var kindNames = map[Kind]string{
	Unexpected:            "unexpected",
	TransientNetwork:      "transient_network",
	WorkingTreeConflict:   "working_tree_conflict",
	ConfigurationMissing:  "configuration_missing",
	ResourceUnavailable:   "resource_unavailable",
	SupervisorUnreachable: "supervisor_unreachable",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText renders the kind by name in JSON reports.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name.
func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown fault kind %q", string(text))
}

// Error attaches a Kind and the failing operation to an underlying error
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so errors.Is(err, fault.New(kind, "", nil)) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// KindOf returns the kind of the first *Error in err's chain, or Unexpected.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unexpected
}

// Recoverable reports whether a cycle may continue after err.
// Only Unexpected failures are treated as fatal to the current stage's dependents.
func Recoverable(err error) bool {
	return err != nil && KindOf(err) != Unexpected
}
