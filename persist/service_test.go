package persist

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndlib/vellum/handle"
	"github.com/ndlib/vellum/store"
	"github.com/ndlib/vellum/store/storetest"
	"github.com/ndlib/vellum/writeq"
)

// storeHandle is a handle onto a store made by the test.
type storeHandle struct {
	name   string
	kind   handle.Kind
	s      store.Store
	denied bool
}

func (h *storeHandle) Kind() handle.Kind           { return h.kind }
func (h *storeHandle) Name() string                { return h.name }
func (h *storeHandle) Token() string               { return "test:" + h.name }
func (h *storeHandle) Store() (store.Store, error) { return h.s, nil }
func (h *storeHandle) QueryPermission(context.Context) (bool, error) {
	return !h.denied, nil
}
func (h *storeHandle) RequestPermission(ctx context.Context) (bool, error) {
	return h.QueryPermission(ctx)
}

// recNotifier keeps the warnings it is given.
type recNotifier struct {
	mu     sync.Mutex
	msgs   []string
	fields []map[string]interface{}
}

func (n *recNotifier) Warn(msg string, fields map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	n.fields = append(n.fields, fields)
}

func (n *recNotifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

type fixture struct {
	svc     *Service
	docs    *storetest.Faulty // behind the "notes" handle
	backups *storetest.Faulty
	notes   *recNotifier
}

func newFixture(t *testing.T) *fixture {
	backend, err := handle.NewQlBackend("memory")
	require.NoError(t, err)
	f := &fixture{
		docs:    storetest.NewFaulty(store.NewMemory()),
		backups: storetest.NewFaulty(store.NewMemory()),
		notes:   &recNotifier{},
	}
	f.svc = New(handle.NewStore(backend, &handle.Locations{}, nil), f.backups, Options{
		Queue:    writeq.Options{RetryDelay: time.Millisecond},
		Notifier: f.notes,
		Resolver: &handle.Locations{},
	})
	t.Cleanup(func() { f.svc.Close(context.Background()) })
	f.save(t, "notes", &storeHandle{name: "notes", kind: handle.Directory, s: f.docs})
	return f
}

func (f *fixture) save(t *testing.T, id string, h *storeHandle) {
	require.NoError(t, f.svc.SaveHandle(context.Background(), id, h, h.kind))
}

func (f *fixture) content(t *testing.T, key string) string {
	b, err := store.ReadAll(f.docs, key)
	require.NoError(t, err)
	return string(b)
}

func (f *fixture) write(t *testing.T, id ResourceID, content string) writeq.Operation {
	ctx := context.Background()
	op, err := f.svc.WriteResource(ctx, id, content, WriteOptions{})
	require.NoError(t, err)
	op, err = f.svc.Wait(ctx, op.ID)
	require.NoError(t, err)
	return op
}

var note1 = ResourceID{Root: "notes", Path: "note1.md"}

func TestReadThroughCache(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, store.Replace(f.docs, "note1.md", []byte("hello")))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := f.svc.ReadResource(ctx, note1, false)
		require.NoError(t, err)
		assert.Equal(t, "hello", got)
	}
	assert.Equal(t, 1, f.docs.Opens())

	// an outside edit is only seen after a refresh
	require.NoError(t, store.Replace(f.docs, "note1.md", []byte("edited")))
	got, _ := f.svc.ReadResource(ctx, note1, false)
	assert.Equal(t, "hello", got)
	got, _ = f.svc.ReadResource(ctx, note1, true)
	assert.Equal(t, "edited", got)

	f.svc.Invalidate(note1)
	assert.Equal(t, 0, f.svc.CacheStats().Entries)
	f.svc.ReadResource(ctx, note1, false)
	assert.Equal(t, 1, f.svc.CacheStats().Entries)
	f.svc.ClearCache()
	assert.Equal(t, 0, f.svc.CacheStats().Entries)
}

func cacheReads(t *testing.T, result string) float64 {
	var m dto.Metric
	require.NoError(t, cacheReadsTotal.WithLabelValues(result).Write(&m))
	return m.GetCounter().GetValue()
}

func TestJoinedReadIsAMiss(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, store.Replace(f.docs, "note1.md", []byte("hello")))
	release := make(chan struct{})
	f.docs.AddRule("note1", storetest.Fault{Block: release})
	hits, misses := cacheReads(t, "hit"), cacheReads(t, "miss")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.svc.ReadResource(context.Background(), note1, false)
			assert.NoError(t, err)
			assert.Equal(t, "hello", got)
		}()
	}
	// let the second read reach the fill of the first
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, hits, cacheReads(t, "hit"))
	assert.Equal(t, misses+2, cacheReads(t, "miss"))

	got, err := f.svc.ReadResource(context.Background(), note1, false)
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
	assert.Equal(t, hits+1, cacheReads(t, "hit"))
}

func TestReadErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var re *ReadError
	_, err := f.svc.ReadResource(ctx, note1, false)
	require.True(t, errors.As(err, &re), "got %v", err)
	assert.Equal(t, note1, re.ID)
	assert.True(t, store.IsNotExist(err))

	_, err = f.svc.ReadResource(ctx, ResourceID{Root: "nosuch", Path: "a.md"}, false)
	assert.True(t, errors.As(err, &re))
	assert.True(t, errors.Is(err, handle.ErrNotFound))

	f.docs.AddRule("broken.md", storetest.Fault{FailOpens: -1})
	_, err = f.svc.ReadResource(ctx, ResourceID{Root: "notes", Path: "broken.md"}, false)
	assert.True(t, errors.Is(err, storetest.ErrInjected))

	_, err = f.svc.ReadResource(ctx, ResourceID{Root: "notes", Path: "../x"}, false)
	assert.True(t, errors.Is(err, ErrBadResource))
	_, err = f.svc.ReadResource(ctx, ResourceID{Root: "notes"}, false)
	assert.True(t, errors.Is(err, ErrBadResource))

	assert.Equal(t, 0, f.svc.CacheStats().Entries)
}

func TestQueuedWrite(t *testing.T) {
	f := newFixture(t)
	op := f.write(t, note1, "first")
	assert.Equal(t, writeq.Success, op.Status)
	assert.Equal(t, 0, op.Attempt)
	assert.Equal(t, "first", f.content(t, "note1.md"))

	// the cache has the new content, no read is needed
	opens := f.docs.Opens()
	got, err := f.svc.ReadResource(context.Background(), note1, false)
	require.NoError(t, err)
	assert.Equal(t, "first", got)
	assert.Equal(t, opens, f.docs.Opens())

	log := f.svc.OperationLog(10)
	require.Len(t, log, 1)
	assert.Equal(t, op.ID, log[0].ID)
	assert.Equal(t, 0, f.svc.QueueLength())
}

func TestBackupsRotate(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, store.Replace(f.docs, "note1.md", []byte("v0")))
	for _, v := range []string{"v1", "v2", "v3", "v4"} {
		f.write(t, note1, v)
	}
	infos, err := f.svc.Backups(note1)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	var got []string
	for _, info := range infos {
		snap, err := f.svc.Backup(info.Name)
		require.NoError(t, err)
		assert.Equal(t, note1.Key(), snap.ResourceName)
		got = append(got, snap.Content)
	}
	assert.Equal(t, []string{"v3", "v2", "v1"}, got)
	assert.Equal(t, "v4", f.content(t, "note1.md"))
}

func TestFirstWriteHasNoBackup(t *testing.T) {
	f := newFixture(t)
	f.write(t, note1, "new")
	infos, err := f.svc.Backups(note1)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestBackupFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, store.Replace(f.docs, "note1.md", []byte("old")))
	f.backups.AddRule("", storetest.Fault{FailCreates: -1})
	op := f.write(t, note1, "new")
	assert.Equal(t, writeq.Success, op.Status)
	assert.Equal(t, "new", f.content(t, "note1.md"))
}

func TestWriteRetries(t *testing.T) {
	f := newFixture(t)
	f.docs.AddRule("note1.md", storetest.Fault{FailCreates: 2})
	op := f.write(t, note1, "persistent")
	assert.Equal(t, writeq.Success, op.Status)
	assert.Equal(t, 2, op.Attempt)
	assert.Equal(t, "persistent", f.content(t, "note1.md"))
}

func TestWriteExhausted(t *testing.T) {
	f := newFixture(t)
	f.docs.AddRule("note1.md", storetest.Fault{FailCreates: -1})
	ctx := context.Background()
	op, err := f.svc.WriteResource(ctx, note1, "lost", WriteOptions{})
	require.NoError(t, err)
	op, err = f.svc.Wait(ctx, op.ID)

	var ex *writeq.ExhaustedError
	require.True(t, errors.As(err, &ex), "got %v", err)
	assert.Equal(t, writeq.DefaultMaxRetries, ex.Attempts)
	assert.True(t, errors.Is(err, storetest.ErrInjected))
	assert.Equal(t, writeq.Failed, op.Status)
	assert.Equal(t, 0, f.svc.CacheStats().Entries)
	assert.Equal(t, 1, f.notes.Len())

	// the queue carries on
	f.write(t, ResourceID{Root: "notes", Path: "other.md"}, "fine")
	assert.Equal(t, "fine", f.content(t, "other.md"))
}

// gate blocks the creation of one key until released.
type gate struct {
	store.Store
	key     string
	started chan struct{}
	release chan struct{}
}

func (g *gate) Create(key string) (io.WriteCloser, error) {
	if key == g.key {
		g.started <- struct{}{}
		<-g.release
	}
	return g.Store.Create(key)
}

func TestLateHighPriorityWrite(t *testing.T) {
	f := newFixture(t)
	g := &gate{
		Store:   store.NewMemory(),
		key:     "block.md",
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	f.save(t, "slow", &storeHandle{name: "slow", kind: handle.Directory, s: g})
	ctx := context.Background()

	_, err := f.svc.WriteResource(ctx, ResourceID{Root: "slow", Path: "block.md"}, "x", WriteOptions{})
	require.NoError(t, err)
	<-g.started

	op1, err := f.svc.WriteResource(ctx, note1, "v1", WriteOptions{})
	require.NoError(t, err)
	op2, err := f.svc.WriteResource(ctx, note1, "v2", WriteOptions{Priority: writeq.High})
	require.NoError(t, err)
	assert.Equal(t, 2, f.svc.QueueLength())

	close(g.release)
	_, err = f.svc.Wait(ctx, op1.ID)
	require.NoError(t, err)

	assert.Equal(t, "v1", f.content(t, "note1.md"))
	log := f.svc.OperationLog(0)
	require.Len(t, log, 3)
	assert.Equal(t, op1.ID, log[0].ID)
	assert.Equal(t, op2.ID, log[1].ID)
}

func TestWriteToUnknownRootFailsAtOnce(t *testing.T) {
	f := newFixture(t)
	op, err := f.svc.WriteResource(context.Background(), ResourceID{Root: "nosuch", Path: "a.md"}, "x", WriteOptions{Immediate: true})
	assert.True(t, errors.Is(err, handle.ErrNotFound))
	assert.Equal(t, writeq.Failed, op.Status)
	assert.Equal(t, 1, op.Attempt)

	_, err = f.svc.WriteResource(context.Background(), ResourceID{Root: "notes"}, "x", WriteOptions{Immediate: true})
	assert.True(t, errors.Is(err, ErrBadResource))
}

func TestImmediateWrite(t *testing.T) {
	f := newFixture(t)
	op, err := f.svc.WriteResource(context.Background(), note1, "now", WriteOptions{Immediate: true})
	require.NoError(t, err)
	assert.Equal(t, writeq.Success, op.Status)
	assert.True(t, op.Immediate)
	assert.Equal(t, "now", f.content(t, "note1.md"))
}

func TestFileHandle(t *testing.T) {
	f := newFixture(t)
	docs := store.NewMemory()
	f.save(t, "todo", &storeHandle{name: "todo.md", kind: handle.File, s: docs})
	ctx := context.Background()

	id := ResourceID{Root: "todo"}
	f.write(t, id, "buy milk")
	b, err := store.ReadAll(docs, "todo.md")
	require.NoError(t, err)
	assert.Equal(t, "buy milk", string(b))

	got, err := f.svc.ReadResource(ctx, ResourceID{Root: "todo", Path: "todo.md"}, true)
	require.NoError(t, err)
	assert.Equal(t, "buy milk", got)

	_, err = f.svc.ReadResource(ctx, ResourceID{Root: "todo", Path: "other.md"}, false)
	assert.True(t, errors.Is(err, ErrBadResource))
}

func TestRestoreWarnsAboutPermission(t *testing.T) {
	f := newFixture(t)
	f.save(t, "locked", &storeHandle{name: "locked", kind: handle.Directory, s: store.NewMemory(), denied: true})
	ctx := context.Background()

	hs, err := f.svc.RestoreAllHandles(ctx)
	require.NoError(t, err)
	assert.Len(t, hs, 2)
	require.Equal(t, 1, f.notes.Len())
	assert.Equal(t, "locked", f.notes.fields[0]["id"])

	assert.False(t, f.svc.CheckPermission(ctx, hs["locked"]))
	assert.True(t, f.svc.RequestPermission(ctx, hs["notes"]))
}

func TestHandleManagement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	h := &storeHandle{name: "x", kind: handle.Directory, s: store.NewMemory()}
	err := f.svc.SaveHandle(ctx, "a:b", h, handle.Directory)
	assert.True(t, errors.Is(err, ErrBadResource))

	mh, err := f.svc.SaveLocation(ctx, "scratch", "mem:persist-test", handle.Directory)
	require.NoError(t, err)
	got, err := f.svc.GetHandle(ctx, "scratch")
	require.NoError(t, err)
	assert.Same(t, mh, got)

	_, err = f.svc.SaveLocation(ctx, "bad", "ftp://x/y", handle.Directory)
	assert.True(t, errors.Is(err, ErrBadResource))

	recs, err := f.svc.ListHandles(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	require.NoError(t, f.svc.RemoveHandle(ctx, "scratch"))
	_, err = f.svc.GetHandle(ctx, "scratch")
	assert.Equal(t, handle.ErrNotFound, err)
}

func TestCloseDrainsQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []string
	for _, v := range []string{"a", "b", "c"} {
		op, err := f.svc.WriteResource(ctx, note1, v, WriteOptions{})
		require.NoError(t, err)
		ids = append(ids, op.ID)
	}
	require.NoError(t, f.svc.Close(ctx))
	assert.Equal(t, "c", f.content(t, "note1.md"))
	_, err := f.svc.WriteResource(ctx, note1, "late", WriteOptions{})
	assert.Equal(t, writeq.ErrClosed, err)
}
