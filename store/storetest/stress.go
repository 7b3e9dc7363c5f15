// Package storetest provides functions for facilitating the testing of
// anything implementing the Store interface, and a fault injecting wrapper
// for testing code layered above a Store.
package storetest

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/ndlib/vellum/store"
)

// Exercise runs the common contract every Store must satisfy: missing keys
// report ErrNotExist, Create refuses to overwrite, Replace truncates, Delete
// is idempotent and ListPrefix finds what was written.
func Exercise(t *testing.T, s store.Store) {
	t.Helper()
	if _, _, err := s.Open("missing"); !store.IsNotExist(err) {
		t.Errorf("Open(missing) = %v, expected a not-exist error", err)
	}
	if err := store.Replace(s, "docs/a.md", []byte("first")); err != nil {
		t.Fatalf("Replace: %s", err)
	}
	if _, err := s.Create("docs/a.md"); err != store.ErrKeyExists {
		t.Errorf("Create on existing key = %v, expected ErrKeyExists", err)
	}
	if err := store.Replace(s, "docs/a.md", []byte("2nd")); err != nil {
		t.Fatalf("Replace: %s", err)
	}
	got, err := store.ReadAll(s, "docs/a.md")
	if err != nil || string(got) != "2nd" {
		t.Errorf("ReadAll = (%q, %v), expected \"2nd\"", got, err)
	}
	if err := store.Replace(s, "docs/b.md", nil); err != nil {
		t.Fatalf("Replace: %s", err)
	}
	keys, err := s.ListPrefix("docs/")
	sort.Strings(keys)
	if err != nil || fmt.Sprint(keys) != "[docs/a.md docs/b.md]" {
		t.Errorf("ListPrefix = (%v, %v)", keys, err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Delete("docs/a.md"); err != nil {
			t.Errorf("Delete #%d: %s", i, err)
		}
	}
	if _, _, err := s.Open("docs/a.md"); !store.IsNotExist(err) {
		t.Errorf("Open after Delete = %v", err)
	}
}

// Stress will spawn a given number of goroutines which each repeatedly
// replace and read back their own key. It is a good test to run with the
// -race flag to try to find race conditions.
func Stress(t *testing.T, s store.Store, workers, rounds int) {
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("stress/%d", i)
			for j := 0; j < rounds; j++ {
				want := fmt.Sprintf("%d-%d-%d", i, j, rand.Int())
				if err := store.Replace(s, key, []byte(want)); err != nil {
					t.Errorf("replace %s: %s", key, err)
					return
				}
				got, err := store.ReadAll(s, key)
				if err != nil || string(got) != want {
					t.Errorf("read %s = (%q, %v), expected %q", key, got, err, want)
					return
				}
			}
			s.Delete(key)
		}(i)
	}
	wg.Wait()
}
