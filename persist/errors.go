package persist

import (
	"fmt"
)

// ReadError means the underlying read of a resource failed. The cache is
// left as it was.
type ReadError struct {
	ID  ResourceID
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("reading %s: %s", e.ID, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }
