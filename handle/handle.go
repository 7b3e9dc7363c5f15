// Package handle persists capability handles: opaque references to storage
// locations a user has granted access to. A handle is saved under a logical
// id so that after a restart the location can be reached again without asking
// the user for a path.
//
// Whether a handle may currently be used is a separate question, answered by
// the handle itself at request time. The Store reports permission state but
// never enforces it.
package handle

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/vellum/store"
)

// Kind tells whether a handle refers to a single file or a directory.
type Kind string

const (
	File      Kind = "file"
	Directory Kind = "directory"
)

// ParseKind validates a kind read from the outside world.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case File, Directory:
		return Kind(s), nil
	case "":
		return Directory, nil
	}
	return "", fmt.Errorf("unknown handle kind %q", s)
}

// Handle is an opaque, revocable reference to a storage location.
type Handle interface {
	Kind() Kind
	// Name is the display name of the location, e.g. the last path element.
	Name() string
	// Token is the serialized form which a Resolver turns back into an
	// equivalent Handle.
	Token() string
	// Store gives access to the content at the location. For a File handle
	// the store holds a single key, Name().
	Store() (store.Store, error)
	// QueryPermission reports whether the location may be used right now,
	// without prompting anyone.
	QueryPermission(ctx context.Context) (bool, error)
	// RequestPermission asks the user to grant access if needed.
	RequestPermission(ctx context.Context) (bool, error)
}

// Prompter shows the user a grant prompt for a handle.
type Prompter interface {
	Prompt(ctx context.Context, h Handle) (bool, error)
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context, h Handle) (bool, error)

func (f PrompterFunc) Prompt(ctx context.Context, h Handle) (bool, error) { return f(ctx, h) }

// Deny is a Prompter for processes without a user to ask.
var Deny = PrompterFunc(func(context.Context, Handle) (bool, error) { return false, nil })

// Record is the persisted form of a handle.
type Record struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	DisplayName string    `json:"displayName"`
	SavedAt     time.Time `json:"savedAt"`
	Token       string    `json:"handle,omitempty"`
}

// ErrNotFound is returned when no record exists for an id.
var ErrNotFound = errors.New("handle not found")

// PersistenceError means the durable record store failed.
type PersistenceError struct {
	Op  string
	ID  string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("handle store %s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("handle store %s %s: %s", e.Op, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Backend is the durable key-value store holding Records.
type Backend interface {
	// Put inserts or replaces the record with rec.ID.
	Put(ctx context.Context, rec Record) error
	// Get returns ErrNotFound if there is no record for id.
	Get(ctx context.Context, id string) (Record, error)
	All(ctx context.Context) ([]Record, error)
	// Delete does not fail if there is no record for id.
	Delete(ctx context.Context, id string) error
	Close() error
}
