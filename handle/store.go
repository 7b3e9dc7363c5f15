package handle

import (
	"context"
	"fmt"
	"sync"

	"github.com/facebookgo/clock"
	raven "github.com/getsentry/raven-go"
	log "github.com/sirupsen/logrus"
)

// Store saves handles under logical ids. Handles saved or resolved by this
// process are remembered, so Get returns the very value given to Save.
type Store struct {
	backend  Backend
	resolver Resolver
	clock    clock.Clock

	m    sync.Mutex
	live map[string]Handle
}

// NewStore returns a Store keeping its records in backend and turning them
// back into handles with resolver.
func NewStore(backend Backend, resolver Resolver, c clock.Clock) *Store {
	if c == nil {
		c = clock.New()
	}
	return &Store{
		backend:  backend,
		resolver: resolver,
		clock:    c,
		live:     make(map[string]Handle),
	}
}

// Save stores h under id, replacing any previous record.
func (s *Store) Save(ctx context.Context, id string, h Handle, kind Kind) error {
	if id == "" {
		return &PersistenceError{Op: "save", Err: fmt.Errorf("empty id")}
	}
	rec := Record{
		ID:          id,
		Kind:        kind,
		DisplayName: h.Name(),
		SavedAt:     s.clock.Now(),
		Token:       h.Token(),
	}
	if err := s.backend.Put(ctx, rec); err != nil {
		return &PersistenceError{Op: "save", ID: id, Err: err}
	}
	s.m.Lock()
	s.live[id] = h
	s.m.Unlock()
	return nil
}

// Get returns the handle saved under id, or ErrNotFound. The permission of
// the handle is not checked.
func (s *Store) Get(ctx context.Context, id string) (Handle, error) {
	s.m.Lock()
	h, ok := s.live[id]
	s.m.Unlock()
	if ok {
		return h, nil
	}
	rec, err := s.backend.Get(ctx, id)
	if err == ErrNotFound {
		return nil, err
	} else if err != nil {
		return nil, &PersistenceError{Op: "get", ID: id, Err: err}
	}
	h, err = s.resolver.Resolve(rec.Token, rec.Kind)
	if err != nil {
		return nil, fmt.Errorf("resolving handle %s: %w", id, err)
	}
	return s.remember(id, h), nil
}

// remember keeps h as the live handle for id unless another goroutine got
// there first, and returns the one kept.
func (s *Store) remember(id string, h Handle) Handle {
	s.m.Lock()
	defer s.m.Unlock()
	if prev, ok := s.live[id]; ok {
		return prev
	}
	s.live[id] = h
	return h
}

// List returns the metadata of every record. Tokens are not included.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	recs, err := s.backend.All(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}
	for i := range recs {
		recs[i].Token = ""
	}
	return recs, nil
}

// Remove deletes the record for id. Removing a missing id is not an error.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.m.Lock()
	delete(s.live, id)
	s.m.Unlock()
	if err := s.backend.Delete(ctx, id); err != nil {
		return &PersistenceError{Op: "remove", ID: id, Err: err}
	}
	return nil
}

// CheckPermission reports whether h may be used now. Any failure, including
// a panic inside the handle, is reported as false.
func (s *Store) CheckPermission(ctx context.Context, h Handle) bool {
	return safely("query permission", h, func() (bool, error) {
		return h.QueryPermission(ctx)
	})
}

// RequestPermission asks for access to h. Any failure is reported as false.
func (s *Store) RequestPermission(ctx context.Context, h Handle) bool {
	return safely("request permission", h, func() (bool, error) {
		return h.RequestPermission(ctx)
	})
}

func safely(op string, h Handle, f func() (bool, error)) (ok bool) {
	if h == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			// h may be a nil pointer, so its name is not asked for
			log.WithFields(log.Fields{"op": op, "handle": fmt.Sprintf("%T", h), "panic": r}).Error("handle panicked")
			ok = false
		}
	}()
	ok, err := f()
	if err != nil {
		log.WithFields(log.Fields{"op": op, "handle": h.Name(), "err": err}).Warn("handle permission")
		return false
	}
	return ok
}

// RestoreAll resolves every stored record. Records which cannot be resolved,
// or whose handle cannot be opened, are logged and skipped. Handles are
// returned whatever their permission state.
func (s *Store) RestoreAll(ctx context.Context) (map[string]Handle, error) {
	recs, err := s.backend.All(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "restore", Err: err}
	}
	result := make(map[string]Handle, len(recs))
	for _, rec := range recs {
		h, err := s.restore(rec)
		if err != nil {
			log.WithFields(log.Fields{"id": rec.ID, "name": rec.DisplayName, "err": err}).Warn("skipping stored handle")
			raven.CaptureError(err, map[string]string{"handle": rec.ID})
			continue
		}
		result[rec.ID] = h
	}
	return result, nil
}

func (s *Store) restore(rec Record) (h Handle, err error) {
	defer func() {
		if r := recover(); r != nil {
			h, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	s.m.Lock()
	h, ok := s.live[rec.ID]
	s.m.Unlock()
	if !ok {
		h, err = s.resolver.Resolve(rec.Token, rec.Kind)
		if err != nil {
			return nil, err
		}
	}
	// make sure the location can at least be reached
	if _, err = h.Store(); err != nil {
		return nil, err
	}
	return s.remember(rec.ID, h), nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
