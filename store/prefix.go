package store

import (
	"io"
	"strings"
)

// NewWithPrefix returns a view of s holding only the keys which begin with
// prefix, with the prefix removed. vellumd uses it to keep the backup
// snapshots in a namespace of their own, e.g. "backups/", when the backup
// location is shared with other data.
func NewWithPrefix(s Store, prefix string) Store {
	return prefixstore{s: s, p: prefix}
}

type prefixstore struct {
	s Store
	p string
}

func (ps prefixstore) List() <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		keys, _ := ps.ListPrefix("")
		for _, key := range keys {
			out <- key
		}
	}()
	return out
}

// ListPrefix lists the keys inside the namespace. Stores may return keys
// outside of what was asked for, so each one is checked again.
func (ps prefixstore) ListPrefix(prefix string) ([]string, error) {
	keys, err := ps.s.ListPrefix(ps.p + prefix)
	var result []string
	for _, key := range keys {
		if inner, ok := strings.CutPrefix(key, ps.p); ok {
			result = append(result, inner)
		}
	}
	return result, err
}

func (ps prefixstore) Open(key string) (ReadAtCloser, int64, error) {
	return ps.s.Open(ps.p + key)
}

func (ps prefixstore) Create(key string) (io.WriteCloser, error) {
	return ps.s.Create(ps.p + key)
}

func (ps prefixstore) Overwrite(key string) (io.WriteCloser, error) {
	return Overwrite(ps.s, ps.p+key)
}

func (ps prefixstore) Delete(key string) error {
	return ps.s.Delete(ps.p + key)
}
