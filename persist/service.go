// Package persist puts the read cache, the write queue, the backup rotation
// and the handle store together into the one Service the rest of the program
// talks to.
//
// Reads go through the cache, and on a miss to the store of the resource's
// handle. Writes go through the queue (or skip it, when immediate); every
// attempt first saves a backup of the current content, then replaces the
// content and updates the cache.
package persist

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/facebookgo/clock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ndlib/vellum/backup"
	"github.com/ndlib/vellum/cache"
	"github.com/ndlib/vellum/handle"
	"github.com/ndlib/vellum/store"
	"github.com/ndlib/vellum/writeq"
)

// Options configure a Service. Zero values take the defaults of each part.
type Options struct {
	Cache     cache.Options
	Queue     writeq.Options
	Retention int
	// Clock is given to the cache and the queue unless they have their own.
	Clock clock.Clock
	// Notifier defaults to LogNotifier.
	Notifier Notifier
	// Resolver turns location strings into handles for SaveLocation.
	Resolver handle.Resolver
}

// WriteOptions control a single write.
type WriteOptions struct {
	Priority writeq.Priority
	// Immediate writes skip the queue and are applied before WriteResource
	// returns.
	Immediate bool
}

// Service is safe for use by multiple goroutines.
type Service struct {
	handles  *handle.Store
	resolver handle.Resolver
	cache    *cache.Cache
	queue    *writeq.Queue
	backups  *backup.Rotation
	notify   Notifier
	clock    clock.Clock
}

// New returns a Service using the handles in hs and keeping backups in
// backups, which should not be the store of any handle.
func New(hs *handle.Store, backups store.Store, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Cache.Clock == nil {
		opts.Cache.Clock = opts.Clock
	}
	if opts.Queue.Clock == nil {
		opts.Queue.Clock = opts.Clock
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{}
	}
	s := &Service{
		handles:  hs,
		resolver: opts.Resolver,
		cache:    cache.New(opts.Cache),
		backups:  backup.New(backups, opts.Retention, opts.Clock),
		notify:   opts.Notifier,
		clock:    opts.Clock,
	}
	observe := opts.Queue.Observe
	opts.Queue.Observe = func(op writeq.Operation) {
		s.finished(op)
		if observe != nil {
			observe(op)
		}
	}
	s.queue = writeq.New(s.apply, opts.Queue)
	return s
}

// ReadResource returns the content of id, from the cache if possible. With
// force the cache is bypassed and refreshed.
func (s *Service) ReadResource(ctx context.Context, id ResourceID, force bool) (string, error) {
	if err := id.Validate(); err != nil {
		return "", err
	}
	key := id.Key()
	if !force {
		if content, ok := s.cache.Get(key); ok {
			cacheReadsTotal.WithLabelValues("hit").Inc()
			return content, nil
		}
	}
	// a miss, even when it joins a fill already running
	content, err := s.cache.Read(key, true, func(string) (string, error) {
		st, key, err := s.locate(ctx, id)
		if err != nil {
			return "", err
		}
		b, err := store.ReadAll(st, key)
		return string(b), err
	})
	if err != nil {
		cacheReadsTotal.WithLabelValues("error").Inc()
		return "", &ReadError{ID: id, Err: err}
	}
	cacheReadsTotal.WithLabelValues("miss").Inc()
	return content, nil
}

// WriteResource submits content to be written to id. A queued write returns
// at once with the operation in its Pending state; use Wait for the outcome.
// An immediate write returns the finished operation and its error.
func (s *Service) WriteResource(ctx context.Context, id ResourceID, content string, opts WriteOptions) (writeq.Operation, error) {
	if err := id.Validate(); err != nil {
		return writeq.Operation{}, err
	}
	if opts.Immediate {
		return s.queue.Immediate(ctx, id.Key(), content)
	}
	opid, err := s.queue.Enqueue(id.Key(), content, opts.Priority)
	if err != nil {
		return writeq.Operation{}, err
	}
	queueLength.Set(float64(s.queue.Len()))
	op, _ := s.queue.Status(opid)
	return op, nil
}

// Wait blocks until the write opid has finished. The error is an
// *writeq.ExhaustedError if every attempt failed.
func (s *Service) Wait(ctx context.Context, opid string) (writeq.Operation, error) {
	return s.queue.Wait(ctx, opid)
}

// apply is a single attempt of a write.
func (s *Service) apply(ctx context.Context, op writeq.Operation) error {
	start := s.clock.Now()
	defer func() {
		writeDuration.Observe(s.clock.Now().Sub(start).Seconds())
	}()
	queueLength.Set(float64(s.queue.Len()))

	id, err := ParseKey(op.Target)
	if err != nil {
		writeAttemptsTotal.WithLabelValues("error").Inc()
		return writeq.Permanent(err)
	}
	st, key, err := s.locate(ctx, id)
	if err != nil {
		writeAttemptsTotal.WithLabelValues("error").Inc()
		if errors.Is(err, ErrBadResource) || errors.Is(err, handle.ErrNotFound) {
			return writeq.Permanent(err)
		}
		return err
	}

	// a missing backup does not stop the write
	captured, err := s.backups.CaptureBefore(op.Target, func() (string, error) {
		b, err := store.ReadAll(st, key)
		return string(b), err
	})
	switch {
	case err != nil:
		backupsTotal.WithLabelValues("error").Inc()
		log.WithFields(log.Fields{"op": op.ID, "target": op.Target, "err": err}).Warn("backup before write failed")
	case captured:
		backupsTotal.WithLabelValues("captured").Inc()
	default:
		backupsTotal.WithLabelValues("skipped").Inc()
	}

	if err := store.Replace(st, key, []byte(op.Payload)); err != nil {
		writeAttemptsTotal.WithLabelValues("error").Inc()
		return errors.Wrapf(err, "writing %s", op.Target)
	}
	s.cache.Put(op.Target, op.Payload)
	writeAttemptsTotal.WithLabelValues("ok").Inc()
	return nil
}

// finished is called by the queue for every terminal operation.
func (s *Service) finished(op writeq.Operation) {
	writesTotal.WithLabelValues(op.Status.String()).Inc()
	queueLength.Set(float64(s.queue.Len()))
	if op.Status == writeq.Failed && !op.Immediate {
		// nobody may be waiting for a queued write
		s.notify.Warn("could not save document", map[string]interface{}{
			"op":       op.ID,
			"target":   op.Target,
			"attempts": op.Attempt,
			"err":      errors.New(op.LastError),
		})
	}
}

// locate finds the store and key holding id.
func (s *Service) locate(ctx context.Context, id ResourceID) (store.Store, string, error) {
	h, err := s.handles.Get(ctx, id.Root)
	if err != nil {
		return nil, "", err
	}
	st, err := h.Store()
	if err != nil {
		return nil, "", errors.Wrapf(err, "opening %s", id.Root)
	}
	key := id.Path
	if h.Kind() == handle.File {
		if key != "" && key != h.Name() {
			return nil, "", errors.Wrapf(ErrBadResource, "%s is a single file, not %s", id.Root, key)
		}
		key = h.Name()
	} else if key == "" {
		return nil, "", errors.Wrapf(ErrBadResource, "%s is a directory, a path is needed", id.Root)
	}
	return st, key, nil
}

// Invalidate drops the cached content of id.
func (s *Service) Invalidate(id ResourceID) {
	s.cache.Invalidate(id.Key())
}

// ClearCache drops all cached content.
func (s *Service) ClearCache() {
	s.cache.Clear()
}

// SaveHandle stores h under id.
func (s *Service) SaveHandle(ctx context.Context, id string, h handle.Handle, kind handle.Kind) error {
	if strings.Contains(id, ":") {
		return errors.Wrapf(ErrBadResource, "handle id %q contains a colon", id)
	}
	return s.handles.Save(ctx, id, h, kind)
}

// SaveLocation resolves location into a handle and stores it under id.
func (s *Service) SaveLocation(ctx context.Context, id, location string, kind handle.Kind) (handle.Handle, error) {
	if s.resolver == nil {
		return nil, fmt.Errorf("no resolver for location %q", location)
	}
	h, err := s.resolver.Resolve(location, kind)
	if err != nil {
		return nil, errors.Wrapf(ErrBadResource, "location %q: %s", location, err)
	}
	return h, s.SaveHandle(ctx, id, h, kind)
}

// GetHandle returns the handle stored under id, without checking permission.
func (s *Service) GetHandle(ctx context.Context, id string) (handle.Handle, error) {
	return s.handles.Get(ctx, id)
}

// ListHandles returns the stored handles' metadata.
func (s *Service) ListHandles(ctx context.Context) ([]handle.Record, error) {
	return s.handles.List(ctx)
}

// RemoveHandle forgets the handle stored under id.
func (s *Service) RemoveHandle(ctx context.Context, id string) error {
	return s.handles.Remove(ctx, id)
}

// RestoreAllHandles returns every stored handle which can still be resolved.
// The user is warned about the ones which need their permission granted
// again; they are returned all the same.
func (s *Service) RestoreAllHandles(ctx context.Context) (map[string]handle.Handle, error) {
	hs, err := s.handles.RestoreAll(ctx)
	if err != nil {
		return nil, err
	}
	for id, h := range hs {
		if !s.handles.CheckPermission(ctx, h) {
			s.notify.Warn("access to a saved location needs to be granted again", map[string]interface{}{
				"id":   id,
				"name": h.Name(),
			})
		}
	}
	return hs, nil
}

// CheckPermission reports whether h may be used now.
func (s *Service) CheckPermission(ctx context.Context, h handle.Handle) bool {
	return s.handles.CheckPermission(ctx, h)
}

// RequestPermission asks the user for access to h.
func (s *Service) RequestPermission(ctx context.Context, h handle.Handle) bool {
	return s.handles.RequestPermission(ctx, h)
}

// CacheStats returns the read cache counters.
func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// QueueLength returns the number of writes waiting to start.
func (s *Service) QueueLength() int {
	return s.queue.Len()
}

// OperationLog returns up to limit finished writes, newest first.
func (s *Service) OperationLog(limit int) []writeq.Operation {
	return s.queue.Log(limit)
}

// Operation returns the current state of the write opid.
func (s *Service) Operation(opid string) (writeq.Operation, bool) {
	return s.queue.Status(opid)
}

// Backups lists the snapshots of id, newest first.
func (s *Service) Backups(id ResourceID) ([]backup.Info, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return s.backups.List(id.Key())
}

// Backup returns the snapshot called name.
func (s *Service) Backup(name string) (backup.Snapshot, error) {
	return s.backups.Load(name)
}

// Close waits for the queued writes, giving up when ctx is done, and then
// closes the handle store.
func (s *Service) Close(ctx context.Context) error {
	start := time.Now()
	err := s.queue.Close(ctx)
	if err != nil {
		log.WithFields(log.Fields{"err": err, "waited": time.Since(start)}).Warn("write queue did not drain")
	}
	if cerr := s.handles.Close(); err == nil {
		err = cerr
	}
	return err
}
