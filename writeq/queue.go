// Package writeq serializes document writes. Writes are queued in priority
// order and applied one at a time by a single background goroutine, so two
// writes issued by this process never interleave. A failing write is retried
// with a linearly growing delay and is given up after a fixed number of
// attempts. A failing write never stops the writes queued behind it.
package writeq

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Priority orders queued writes. High priority writes go ahead of every
// normal one, but behind the high priority writes already waiting.
type Priority int

const (
	Normal Priority = iota
	High
)

func (p Priority) String() string {
	if p == High {
		return "high"
	}
	return "normal"
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// ParsePriority understands "normal", "high" and the empty string.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "", "normal":
		return Normal, nil
	case "high":
		return High, nil
	}
	return Normal, fmt.Errorf("unknown priority %q", s)
}

// Status is the state of an Operation. The only transitions are
//
//	Pending -> Retrying -> ... -> Retrying -> Success | Failed
//	Pending -> Success | Failed
type Status int

const (
	Pending Status = iota
	Retrying
	Success
	Failed
)

var statusNames = []string{"pending", "retrying", "success", "failed"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal is true for Success and Failed.
func (s Status) Terminal() bool { return s == Success || s == Failed }

// Operation is a single write of Payload to Target.
type Operation struct {
	ID       string   `json:"id"`
	Target   string   `json:"target"`
	Payload  string   `json:"-"`
	Priority Priority `json:"priority"`
	// Attempt is the number of failed attempts so far. It never exceeds
	// MaxRetries.
	Attempt   int       `json:"attempt"`
	Status    Status    `json:"status"`
	LastError string    `json:"lastError,omitempty"`
	Immediate bool      `json:"immediate,omitempty"`
	Created   time.Time `json:"created"`
	Finished  time.Time `json:"finished,omitempty"`
}

// An Executor applies one attempt of an operation. It is never called
// concurrently by a Queue's background goroutine.
type Executor func(ctx context.Context, op Operation) error

// ExhaustedError is returned for an operation whose every attempt failed.
type ExhaustedError struct {
	Op       Operation
	Attempts int
	Err      error // the error of the last attempt
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("write %s failed after %d attempts: %s", e.Op.Target, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Permanent marks err as one no retry can fix. The operation fails at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

var (
	// ErrClosed is returned for writes given to, or abandoned by, a closed
	// queue.
	ErrClosed = errors.New("write queue closed")

	// ErrUnknownOp means the operation id was never issued or has dropped
	// out of the operation log.
	ErrUnknownOp = errors.New("unknown operation")
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
	DefaultLogSize    = 100
)

// Options configure a Queue. Zero values take the defaults.
type Options struct {
	MaxRetries int
	// The wait before retry n (counting from 1) is n * RetryDelay.
	RetryDelay time.Duration
	// The number of finished operations remembered.
	LogSize int
	Clock   clock.Clock
	// Observe, if set, is called with every operation once it finishes.
	Observe func(op Operation)
}

// Queue is safe for use by multiple goroutines.
type Queue struct {
	exec   Executor
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // the drain goroutine

	m       sync.Mutex // protects everything below
	pending []*entry
	running bool // is the drain goroutine active
	closed  bool
	nextID  uint64
	byID    map[string]*entry // live operations and those still in the log
	log     []*entry          // finished operations, oldest first
}

type entry struct {
	op   Operation
	err  error
	done chan struct{} // closed when op is terminal
}

// New returns an empty Queue applying writes with exec.
func New(exec Executor, opts Options) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.LogSize <= 0 {
		opts.LogSize = DefaultLogSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		exec:   exec,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		byID:   make(map[string]*entry),
	}
}

// newEntry assumes q.m is held.
func (q *Queue) newEntry(target, payload string, p Priority, immediate bool) *entry {
	q.nextID++
	e := &entry{
		op: Operation{
			ID:        fmt.Sprintf("op-%d", q.nextID),
			Target:    target,
			Payload:   payload,
			Priority:  p,
			Status:    Pending,
			Immediate: immediate,
			Created:   q.opts.Clock.Now(),
		},
		done: make(chan struct{}),
	}
	q.byID[e.op.ID] = e
	return e
}

// Enqueue adds a write to the queue and returns its operation id. It never
// waits for the write to happen.
func (q *Queue) Enqueue(target, payload string, p Priority) (string, error) {
	q.m.Lock()
	defer q.m.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	e := q.newEntry(target, payload, p, false)
	i := len(q.pending)
	if p == High {
		// behind the other high priority writes
		i = 0
		for i < len(q.pending) && q.pending[i].op.Priority == High {
			i++
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = e

	if !q.running {
		q.running = true
		q.wg.Add(1)
		go q.drain()
	}
	return e.op.ID, nil
}

// drain runs queued operations until there are none left.
func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		q.m.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.m.Unlock()
			return
		}
		e := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.m.Unlock()

		q.run(q.ctx, e)
	}
}

// Immediate applies a write on the calling goroutine, skipping the queue.
// It still retries, and returns once the write is terminal.
func (q *Queue) Immediate(ctx context.Context, target, payload string) (Operation, error) {
	q.m.Lock()
	if q.closed {
		q.m.Unlock()
		return Operation{}, ErrClosed
	}
	e := q.newEntry(target, payload, High, true)
	q.m.Unlock()

	q.run(ctx, e)
	return q.result(e)
}

// run is the attempt loop for one operation.
func (q *Queue) run(ctx context.Context, e *entry) {
	for {
		if ctx.Err() != nil {
			q.finish(e, Failed, q.abandoned(ctx))
			return
		}
		q.m.Lock()
		op := e.op
		q.m.Unlock()

		err := q.attempt(ctx, op)
		if err == nil {
			q.finish(e, Success, nil)
			return
		}

		q.m.Lock()
		e.op.Attempt++
		e.op.LastError = err.Error()
		op = e.op
		q.m.Unlock()
		logger := log.WithFields(log.Fields{
			"op":      op.ID,
			"target":  op.Target,
			"attempt": op.Attempt,
			"err":     err,
		})

		var perm *permanentError
		if op.Attempt >= q.opts.MaxRetries || errors.As(err, &perm) {
			logger.Error("write failed, giving up")
			raven.CaptureError(err, map[string]string{"target": op.Target})
			q.finish(e, Failed, &ExhaustedError{Op: op, Attempts: op.Attempt, Err: err})
			return
		}

		delay := q.opts.RetryDelay * time.Duration(op.Attempt)
		logger.WithField("delay", delay).Warn("write failed, will retry")
		q.setStatus(e, Retrying)
		select {
		case <-q.opts.Clock.After(delay):
		case <-ctx.Done():
			q.finish(e, Failed, q.abandoned(ctx))
			return
		}
	}
}

// abandoned is the error for an operation whose context is done.
func (q *Queue) abandoned(ctx context.Context) error {
	if q.ctx.Err() != nil {
		return ErrClosed
	}
	return ctx.Err()
}

// attempt calls the executor, turning a panic into an error.
func (q *Queue) attempt(ctx context.Context, op Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return q.exec(ctx, op)
}

func (q *Queue) setStatus(e *entry, s Status) {
	q.m.Lock()
	e.op.Status = s
	q.m.Unlock()
}

// finish makes e terminal and moves it into the operation log.
func (q *Queue) finish(e *entry, s Status, err error) {
	q.m.Lock()
	e.op.Status = s
	e.op.Finished = q.opts.Clock.Now()
	if err != nil && e.op.LastError == "" {
		e.op.LastError = err.Error()
	}
	e.err = err
	q.log = append(q.log, e)
	if len(q.log) > q.opts.LogSize {
		old := q.log[0]
		q.log[0] = nil
		q.log = q.log[1:]
		delete(q.byID, old.op.ID)
	}
	op := e.op
	q.m.Unlock()

	// observers see the operation before any waiter does
	if q.opts.Observe != nil {
		q.opts.Observe(op)
	}
	close(e.done)
}

func (q *Queue) result(e *entry) (Operation, error) {
	q.m.Lock()
	defer q.m.Unlock()
	return e.op, e.err
}

// Wait blocks until the operation id is terminal and returns it with its
// error, which is an *ExhaustedError if every attempt failed.
func (q *Queue) Wait(ctx context.Context, id string) (Operation, error) {
	q.m.Lock()
	e, ok := q.byID[id]
	q.m.Unlock()
	if !ok {
		return Operation{}, ErrUnknownOp
	}
	select {
	case <-e.done:
		return q.result(e)
	case <-ctx.Done():
		op, _ := q.Status(id)
		return op, ctx.Err()
	}
}

// Status returns the current state of the operation id.
func (q *Queue) Status(id string) (Operation, bool) {
	q.m.Lock()
	defer q.m.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return Operation{}, false
	}
	return e.op, true
}

// Len returns the number of operations waiting to be started.
func (q *Queue) Len() int {
	q.m.Lock()
	defer q.m.Unlock()
	return len(q.pending)
}

// Log returns up to limit finished operations, newest first. A limit <= 0
// returns all of them.
func (q *Queue) Log(limit int) []Operation {
	q.m.Lock()
	defer q.m.Unlock()
	n := len(q.log)
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]Operation, 0, n)
	for i := len(q.log) - 1; i >= 0 && len(result) < n; i-- {
		result = append(result, q.log[i].op)
	}
	return result
}

// Close stops accepting writes and waits for the queued ones to finish.
// If ctx is done first, retry waits are cut short and the writes not yet
// started fail with ErrClosed.
func (q *Queue) Close(ctx context.Context) error {
	q.m.Lock()
	q.closed = true
	q.m.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
