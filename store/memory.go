package store

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Memory implements a simple in-memory version of a store. It backs the
// "mem:" handles and is used throughout the tests.
type Memory struct {
	m     sync.RWMutex
	store map[string]*buf
}

var (
	// ensure Memory satisfies the Store interface
	_ Store = &Memory{}
)

// NewMemory returns a new, empty memory store.
func NewMemory() *Memory {
	return &Memory{store: make(map[string]*buf)}
}

// List returns a channel giving the id for every item in the store.
// The keys are snapshotted when List is called.
func (ms *Memory) List() <-chan string {
	ms.m.RLock()
	keys := make([]string, 0, len(ms.store))
	for k := range ms.store {
		keys = append(keys, k)
	}
	ms.m.RUnlock()
	c := make(chan string)
	go func() {
		for _, k := range keys {
			c <- k
		}
		close(c)
	}()
	return c
}

// ListPrefix returns all the key entries which begin with the given prefix.
func (ms *Memory) ListPrefix(prefix string) ([]string, error) {
	var result []string
	ms.m.RLock()
	for k, v := range ms.store {
		if strings.HasPrefix(k, prefix) && v.isClosed() {
			result = append(result, k)
		}
	}
	ms.m.RUnlock()
	return result, nil
}

// Open returns a ReadAtCloser and the size of the given blob. Items which
// are still being written are not visible.
func (ms *Memory) Open(key string) (ReadAtCloser, int64, error) {
	ms.m.RLock()
	v, ok := ms.store[key]
	ms.m.RUnlock()
	if !ok || !v.isClosed() {
		return nil, 0, errors.Wrapf(ErrNotExist, "no item %s", key)
	}
	v.m.RLock()
	b := v.b
	v.m.RUnlock()
	return reader2{strings.NewReader(string(b))}, int64(len(b)), nil
}

type reader2 struct {
	*strings.Reader
}

func (reader2) Close() error { return nil }

type buf struct {
	m      sync.RWMutex
	closed bool
	b      []byte
}

func (r *buf) isClosed() bool {
	r.m.RLock()
	defer r.m.RUnlock()
	return r.closed
}

func (r *buf) Close() error {
	r.m.Lock()
	r.closed = true
	r.m.Unlock()
	return nil
}

func (r *buf) Write(p []byte) (int, error) {
	r.m.Lock()
	r.b = append(r.b, p...)
	r.m.Unlock()
	return len(p), nil
}

// Create makes a new entry in the store, and returns a writer to save data
// into it. ErrKeyExists is returned if the key is already present.
func (ms *Memory) Create(key string) (io.WriteCloser, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	if _, ok := ms.store[key]; ok {
		return nil, ErrKeyExists
	}
	r := &buf{}
	ms.store[key] = r
	return r, nil
}

// Overwrite returns a writer whose content takes the place of key when it
// is closed.
func (ms *Memory) Overwrite(key string) (io.WriteCloser, error) {
	return &swapWriter{buf: &buf{}, parent: ms, key: key}, nil
}

type swapWriter struct {
	*buf
	parent *Memory
	key    string
}

func (w *swapWriter) Close() error {
	w.buf.Close()
	w.parent.m.Lock()
	w.parent.store[w.key] = w.buf
	w.parent.m.Unlock()
	return nil
}

// Delete the given key from the store. It is not an error if the item does
// not exist in the store.
func (ms *Memory) Delete(key string) error {
	ms.m.Lock()
	delete(ms.store, key)
	ms.m.Unlock()
	return nil
}

// Dump writes a listing of the contents of the store to the given writer.
// This is intended for testing and debugging.
func (ms *Memory) Dump(w io.Writer) {
	ms.m.RLock()
	for k, v := range ms.store {
		s := v.b
		if len(s) > 300 {
			s = s[:50]
		}
		fmt.Fprintf(w, "%s: %s\n", k, string(s))
	}
	ms.m.RUnlock()
}
