// Package store provides a simple, goroutine safe key-value interface. Instead
// of values being an opaque array of bytes, though, they are a stream. Every
// storage location a user grants access to is reached through a Store: a
// directory on the local disk, a bucket prefix in S3, or memory for tests.
//
// Keys are slash separated relative paths, e.g. "notes/today.md".
package store

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// ReadAtCloser combines the io.ReaderAt and io.Closer interfaces.
type ReadAtCloser interface {
	io.ReaderAt
	io.Closer
}

// Store defines the basic stream based key-value store.
// Items are immutable once stored, but they may be deleted and then replaced
// with a new value. Use Replace to get truncating write semantics.
type Store interface {
	ROStore
	Create(key string) (io.WriteCloser, error)
	Delete(key string) error
}

// ROStore is the read-only pieces of a Store. It allows one to list contents,
// and to retrieve data.
type ROStore interface {
	List() <-chan string
	ListPrefix(prefix string) ([]string, error)
	Open(key string) (ReadAtCloser, int64, error)
}

var (
	// ErrNotExist is returned (possibly wrapped) when a key is not in a
	// store. It is the same value as os.ErrNotExist, so errors coming
	// straight from the os package satisfy errors.Is(err, ErrNotExist).
	ErrNotExist = os.ErrNotExist

	// ErrKeyExists indicates an attempt to create a key which already exists
	ErrKeyExists = errors.New("Key already exists")
)

// IsNotExist reports whether err means the key was missing.
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist) || os.IsNotExist(errors.Cause(err))
}

// ReadAll returns the entire content stored under key.
func ReadAll(s ROStore, key string) ([]byte, error) {
	rac, size, err := s.Open(key)
	if err != nil {
		return nil, err
	}
	defer rac.Close()
	buf := make([]byte, 0, size)
	w := &appendWriter{b: buf}
	_, err = io.Copy(w, NewReader(rac))
	return w.b, err
}

// An Overwriter can replace the content of a key in one step. The old
// content stays readable until the returned writer is closed.
type Overwriter interface {
	Overwrite(key string) (io.WriteCloser, error)
}

// Overwrite returns a writer whose content replaces that of key once it is
// closed. Stores which are not an Overwriter have the key deleted first, and
// it is missing until the writer is closed.
func Overwrite(s Store, key string) (io.WriteCloser, error) {
	if o, ok := s.(Overwriter); ok {
		return o.Overwrite(key)
	}
	if err := s.Delete(key); err != nil {
		return nil, err
	}
	w, err := s.Create(key)
	// the delete could race with another writer. try once more.
	if err == ErrKeyExists {
		s.Delete(key)
		w, err = s.Create(key)
	}
	return w, err
}

// Replace saves data under key, replacing whatever was there before.
func Replace(s Store, key string, data []byte) error {
	w, err := Overwrite(s, key)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	if err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

type appendWriter struct {
	b []byte
}

func (w *appendWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

// NewReader converts a ReaderAt into a io.Reader. It is here as a utility to
// help work with the ReadAtCloser returned by Open.
func NewReader(r io.ReaderAt) io.Reader {
	return &reader{r: r}
}

type reader struct {
	r   io.ReaderAt
	off int64
}

func (r *reader) Read(p []byte) (n int, err error) {
	n, err = r.r.ReadAt(p, r.off)
	r.off += int64(n)
	if err == io.EOF && n > 0 {
		// reading less than a full buffer is not an error for
		// an io.Reader
		err = nil
	}
	return
}
