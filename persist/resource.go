package persist

import (
	"path"
	"strings"

	"github.com/pkg/errors"
)

// ErrBadResource is wrapped by the errors for malformed resource ids.
var ErrBadResource = errors.New("bad resource id")

// ResourceID names a document: a stored handle and a path inside it. The path
// is empty when the handle is a single file.
type ResourceID struct {
	Root string `json:"root"`
	Path string `json:"path"`
}

// Key is the string form of the id, used for the cache, the write queue and
// the backups. Roots may not contain a colon, so keys are unique.
func (id ResourceID) Key() string {
	return id.Root + ":" + id.Path
}

func (id ResourceID) String() string { return id.Key() }

// ParseKey is the inverse of Key.
func ParseKey(key string) (ResourceID, error) {
	i := strings.Index(key, ":")
	if i < 0 {
		return ResourceID{}, errors.Wrapf(ErrBadResource, "key %q", key)
	}
	id := ResourceID{Root: key[:i], Path: key[i+1:]}
	return id, id.Validate()
}

// Validate checks the id. Paths are relative, slash separated and may not
// leave their root.
func (id ResourceID) Validate() error {
	var reason string
	switch {
	case id.Root == "":
		reason = "empty root"
	case strings.Contains(id.Root, ":"):
		reason = "root contains a colon"
	case id.Path == "":
		return nil
	case strings.HasPrefix(id.Path, "/"), path.Clean(id.Path) != id.Path:
		reason = "path is not clean and relative"
	case id.Path == ".." || strings.HasPrefix(id.Path, "../"):
		reason = "path leaves its root"
	default:
		return nil
	}
	return errors.Wrapf(ErrBadResource, "%q: %s", id.Key(), reason)
}
