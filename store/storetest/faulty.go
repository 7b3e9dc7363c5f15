package storetest

import (
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/ndlib/vellum/store"
)

// ErrInjected is the default error returned by a Faulty store.
var ErrInjected = errors.New("injected fault error")

// Fault defines the failure behavior for keys matching a rule.
type Fault struct {
	FailOpens   int // fail this many Open calls, -1 for always
	FailCreates int // fail this many Create calls, -1 for always
	FailCloses  int // fail this many writer Close calls, -1 for always
	Err         error
	// if set, Open waits for it to be closed
	Block <-chan struct{}
}

// Faulty wraps a Store and injects errors for keys containing a pattern.
type Faulty struct {
	store.Store
	mu      sync.Mutex
	rules   map[string]*Fault
	creates int // number of Create calls seen
	opens   int // number of Open calls seen
}

var _ store.Store = &Faulty{}

// NewFaulty returns a Faulty store wrapping s. It injects nothing until a
// rule is added.
func NewFaulty(s store.Store) *Faulty {
	return &Faulty{Store: s, rules: make(map[string]*Fault)}
}

// AddRule adds a fault injection rule for every key containing pattern.
func (f *Faulty) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fault.Err == nil {
		fault.Err = ErrInjected
	}
	f.rules[pattern] = &fault
}

// Creates returns the number of Create calls made so far.
func (f *Faulty) Creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

// Opens returns the number of Open calls made so far.
func (f *Faulty) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// trip decrements the counter picked by which for the rule matching key and
// returns the error to inject, if any.
func (f *Faulty) trip(key string, which func(*Fault) *int) error {
	for pattern, rule := range f.rules {
		if !strings.Contains(key, pattern) {
			continue
		}
		n := which(rule)
		switch {
		case *n < 0:
			return rule.Err
		case *n > 0:
			*n--
			return rule.Err
		}
	}
	return nil
}

// block returns the channel to wait on before opening key.
func (f *Faulty) block(key string) <-chan struct{} {
	for pattern, rule := range f.rules {
		if rule.Block != nil && strings.Contains(key, pattern) {
			return rule.Block
		}
	}
	return nil
}

func (f *Faulty) Open(key string) (store.ReadAtCloser, int64, error) {
	f.mu.Lock()
	f.opens++
	err := f.trip(key, func(r *Fault) *int { return &r.FailOpens })
	block := f.block(key)
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, 0, err
	}
	return f.Store.Open(key)
}

func (f *Faulty) Create(key string) (io.WriteCloser, error) {
	f.mu.Lock()
	f.creates++
	err := f.trip(key, func(r *Fault) *int { return &r.FailCreates })
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	w, err := f.Store.Create(key)
	if err != nil {
		return nil, err
	}
	return &faultyWriter{WriteCloser: w, parent: f, key: key}, nil
}

type faultyWriter struct {
	io.WriteCloser
	parent *Faulty
	key    string
}

func (w *faultyWriter) Close() error {
	err := w.WriteCloser.Close()
	if err != nil {
		return err
	}
	w.parent.mu.Lock()
	err = w.parent.trip(w.key, func(r *Fault) *int { return &r.FailCloses })
	w.parent.mu.Unlock()
	if err != nil {
		// the content was saved by the wrapped store; make it vanish so the
		// failure looks real to the caller.
		w.parent.Store.Delete(w.key)
	}
	return err
}
