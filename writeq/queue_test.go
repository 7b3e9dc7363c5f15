package writeq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instantClock records the retry delays asked for and lets them pass at once.
type instantClock struct {
	*clock.Mock
	mu     sync.Mutex
	delays []time.Duration
}

func newInstantClock() *instantClock {
	return &instantClock{Mock: clock.NewMock()}
}

func (c *instantClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	c.Mock.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.Mock.Now()
	return ch
}

func (c *instantClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

// recorder is an Executor keeping the applied writes. Writes to "block"
// wait until release is closed.
type recorder struct {
	mu      sync.Mutex
	applied []string
	content map[string]string

	started chan struct{}
	release chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		content: make(map[string]string),
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (r *recorder) exec(ctx context.Context, op Operation) error {
	if op.Target == "block" {
		r.started <- struct{}{}
		<-r.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, op.Payload)
	r.content[op.Target] = op.Payload
	return nil
}

func (r *recorder) Applied() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.applied...)
}

// blocked returns a queue whose worker is busy with a write to "block".
func blocked(t *testing.T, r *recorder) *Queue {
	q := New(r.exec, Options{Clock: newInstantClock()})
	_, err := q.Enqueue("block", "block", Normal)
	require.NoError(t, err)
	<-r.started
	return q
}

func TestPriorityOrder(t *testing.T) {
	r := newRecorder()
	q := blocked(t, r)
	q.Enqueue("doc", "A", Normal)
	q.Enqueue("doc", "B", High)
	last, _ := q.Enqueue("doc", "C", Normal)
	assert.Equal(t, 3, q.Len())

	close(r.release)
	_, err := q.Wait(context.Background(), last)
	require.NoError(t, err)
	assert.Equal(t, []string{"block", "B", "A", "C"}, r.Applied())
	assert.Equal(t, 0, q.Len())
}

func TestHighPriorityIsFirstInFirstOut(t *testing.T) {
	r := newRecorder()
	q := blocked(t, r)
	q.Enqueue("doc", "h1", High)
	q.Enqueue("doc", "n1", Normal)
	q.Enqueue("doc", "h2", High)
	last, _ := q.Enqueue("doc", "n2", Normal)

	close(r.release)
	q.Wait(context.Background(), last)
	assert.Equal(t, []string{"block", "h1", "h2", "n1", "n2"}, r.Applied())
}

func TestLateHighPriorityWriteWins(t *testing.T) {
	// v1 is queued first but v2 is urgent, so v1 is applied last
	r := newRecorder()
	q := blocked(t, r)
	id1, _ := q.Enqueue("note1", "v1", Normal)
	id2, _ := q.Enqueue("note1", "v2", High)

	close(r.release)
	ctx := context.Background()
	op1, err := q.Wait(ctx, id1)
	require.NoError(t, err)
	op2, err := q.Wait(ctx, id2)
	require.NoError(t, err)

	assert.Equal(t, []string{"block", "v2", "v1"}, r.Applied())
	assert.Equal(t, "v1", r.content["note1"])
	assert.Equal(t, Success, op1.Status)
	assert.Equal(t, Success, op2.Status)
}

func TestRetryExhaustion(t *testing.T) {
	c := newInstantClock()
	boom := errors.New("disk on fire")
	var calls int32
	q := New(func(ctx context.Context, op Operation) error {
		atomic.AddInt32(&calls, 1)
		return boom
	}, Options{MaxRetries: 3, RetryDelay: time.Second, Clock: c})

	id, err := q.Enqueue("doc", "x", Normal)
	require.NoError(t, err)
	op, err := q.Wait(context.Background(), id)

	var ex *ExhaustedError
	require.True(t, errors.As(err, &ex), "got %v", err)
	assert.Equal(t, 3, ex.Attempts)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, Failed, op.Status)
	assert.Equal(t, 3, op.Attempt)
	assert.Equal(t, boom.Error(), op.LastError)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	// linear backoff, no wait after the last attempt
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, c.Delays())
}

func TestSucceedOnLastAttempt(t *testing.T) {
	c := newInstantClock()
	var calls int32
	q := New(func(ctx context.Context, op Operation) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("busy")
		}
		return nil
	}, Options{MaxRetries: 3, RetryDelay: 10 * time.Millisecond, Clock: c})

	id, _ := q.Enqueue("doc", "x", Normal)
	op, err := q.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, Success, op.Status)
	assert.Equal(t, 2, op.Attempt)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, c.Delays())
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	bad := errors.New("no such root")
	var calls int32
	q := New(func(ctx context.Context, op Operation) error {
		atomic.AddInt32(&calls, 1)
		return Permanent(bad)
	}, Options{Clock: newInstantClock()})
	op, err := q.Immediate(context.Background(), "doc", "x")

	var ex *ExhaustedError
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, 1, ex.Attempts)
	assert.True(t, errors.Is(err, bad))
	assert.Equal(t, Failed, op.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Nil(t, Permanent(nil))
}

func TestFailureDoesNotStopQueue(t *testing.T) {
	q := New(func(ctx context.Context, op Operation) error {
		switch op.Target {
		case "bad":
			return errors.New("no")
		case "panics":
			panic("oops")
		}
		return nil
	}, Options{Clock: newInstantClock()})

	ctx := context.Background()
	bad, _ := q.Enqueue("bad", "x", Normal)
	panics, _ := q.Enqueue("panics", "x", Normal)
	good, _ := q.Enqueue("good", "x", Normal)

	_, err := q.Wait(ctx, bad)
	assert.Error(t, err)
	_, err = q.Wait(ctx, panics)
	assert.Error(t, err)
	op, err := q.Wait(ctx, good)
	assert.NoError(t, err)
	assert.Equal(t, Success, op.Status)
}

func TestSingleWorker(t *testing.T) {
	var inflight, most int32
	q := New(func(ctx context.Context, op Operation) error {
		n := atomic.AddInt32(&inflight, 1)
		defer atomic.AddInt32(&inflight, -1)
		for {
			m := atomic.LoadInt32(&most)
			if n <= m || atomic.CompareAndSwapInt32(&most, m, n) {
				break
			}
		}
		time.Sleep(100 * time.Microsecond)
		return nil
	}, Options{Clock: newInstantClock()})

	var wg sync.WaitGroup
	ids := make(chan string, 100)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				p := Normal
				if j%3 == 0 {
					p = High
				}
				id, err := q.Enqueue(fmt.Sprintf("doc%d", i), "x", p)
				assert.NoError(t, err)
				ids <- id
			}
		}(i)
	}
	wg.Wait()
	close(ids)
	for id := range ids {
		_, err := q.Wait(context.Background(), id)
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&most))
	assert.Len(t, q.Log(0), 100)
}

func TestImmediateSkipsQueue(t *testing.T) {
	r := newRecorder()
	q := blocked(t, r)
	queued, _ := q.Enqueue("doc", "queued", Normal)

	// the worker is still stuck on "block"
	op, err := q.Immediate(context.Background(), "doc", "now")
	require.NoError(t, err)
	assert.Equal(t, Success, op.Status)
	assert.True(t, op.Immediate)
	assert.Equal(t, []string{"now"}, r.Applied())

	close(r.release)
	q.Wait(context.Background(), queued)
	assert.Equal(t, []string{"now", "block", "queued"}, r.Applied())
}

func TestImmediateRetries(t *testing.T) {
	c := newInstantClock()
	q := New(func(ctx context.Context, op Operation) error {
		return errors.New("read only")
	}, Options{MaxRetries: 2, Clock: c})
	op, err := q.Immediate(context.Background(), "doc", "x")
	var ex *ExhaustedError
	assert.True(t, errors.As(err, &ex))
	assert.Equal(t, 2, op.Attempt)
	assert.Equal(t, Failed, op.Status)
	assert.Len(t, c.Delays(), 1)
}

func TestLogIsBounded(t *testing.T) {
	var observed []Operation
	var mu sync.Mutex
	q := New(func(ctx context.Context, op Operation) error { return nil }, Options{
		LogSize: 2,
		Clock:   newInstantClock(),
		Observe: func(op Operation) {
			mu.Lock()
			observed = append(observed, op)
			mu.Unlock()
		},
	})
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		op, err := q.Immediate(ctx, "doc", fmt.Sprint(i))
		require.NoError(t, err)
		ids = append(ids, op.ID)
	}
	log := q.Log(0)
	require.Len(t, log, 2)
	assert.Equal(t, ids[2], log[0].ID)
	assert.Equal(t, ids[1], log[1].ID)
	assert.Len(t, q.Log(1), 1)

	_, err := q.Wait(ctx, ids[0])
	assert.Equal(t, ErrUnknownOp, err)
	_, ok := q.Status(ids[0])
	assert.False(t, ok)
	op, ok := q.Status(ids[2])
	assert.True(t, ok)
	assert.Equal(t, Success, op.Status)

	mu.Lock()
	assert.Len(t, observed, 3)
	mu.Unlock()
}

func TestCloseCutsRetriesShort(t *testing.T) {
	failed := make(chan struct{}, 1)
	q := New(func(ctx context.Context, op Operation) error {
		select {
		case failed <- struct{}{}:
		default:
		}
		return errors.New("offline")
	}, Options{RetryDelay: time.Hour})

	id, _ := q.Enqueue("doc", "x", Normal)
	<-failed
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, context.DeadlineExceeded, q.Close(ctx))

	op, err := q.Wait(context.Background(), id)
	assert.Equal(t, ErrClosed, err)
	assert.Equal(t, Failed, op.Status)
	assert.Equal(t, 1, op.Attempt)

	_, err = q.Enqueue("doc", "y", Normal)
	assert.Equal(t, ErrClosed, err)
	_, err = q.Immediate(context.Background(), "doc", "y")
	assert.Equal(t, ErrClosed, err)
}

func TestCloseWaitsForQueue(t *testing.T) {
	r := newRecorder()
	q := blocked(t, r)
	id, _ := q.Enqueue("doc", "last", Normal)
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(r.release)
	}()
	require.NoError(t, q.Close(context.Background()))
	op, _ := q.Status(id)
	assert.Equal(t, Success, op.Status)
}

func TestWaitContext(t *testing.T) {
	r := newRecorder()
	q := blocked(t, r)
	defer close(r.release)
	id, _ := q.Enqueue("doc", "x", Normal)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	op, err := q.Wait(ctx, id)
	assert.Equal(t, context.Canceled, err)
	assert.Equal(t, Pending, op.Status)
}

func TestParsePriority(t *testing.T) {
	var table = []struct {
		input    string
		expected Priority
		ok       bool
	}{
		{"", Normal, true},
		{"normal", Normal, true},
		{"HIGH", High, true},
		{"urgent", Normal, false},
	}
	for _, tab := range table {
		p, err := ParsePriority(tab.input)
		if p != tab.expected || (err == nil) != tab.ok {
			t.Errorf("ParsePriority(%q) = %v, %v, expected %v", tab.input, p, err, tab.expected)
		}
	}
}
