package backup

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndlib/vellum/store"
)

func content(s string) func() (string, error) {
	return func() (string, error) { return s, nil }
}

func TestRotationKeepsNewest(t *testing.T) {
	mock := clock.NewMock()
	r := New(store.NewMemory(), 3, mock)

	// four overwrites of an existing document: v0 is backed up first
	for i := 0; i < 4; i++ {
		mock.Add(time.Second)
		ok, err := r.CaptureBefore("notes:today.md", content(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
		require.True(t, ok)
	}
	infos, err := r.List("notes:today.md")
	require.NoError(t, err)
	require.Len(t, infos, 3)

	var got []string
	for _, info := range infos {
		snap, err := r.Load(info.Name)
		require.NoError(t, err)
		assert.Equal(t, "notes:today.md", snap.ResourceName)
		assert.True(t, snap.CapturedAt.Equal(info.CapturedAt))
		got = append(got, snap.Content)
	}
	assert.Equal(t, []string{"v3", "v2", "v1"}, got)
}

func TestRotationSameInstant(t *testing.T) {
	// with a stopped clock the sequence number orders the snapshots
	r := New(store.NewMemory(), 2, clock.NewMock())
	for _, v := range []string{"a", "b", "c"} {
		_, err := r.CaptureBefore("k", content(v))
		require.NoError(t, err)
	}
	infos, err := r.List("k")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	snap, _ := r.Load(infos[0].Name)
	assert.Equal(t, "c", snap.Content)
}

func TestCaptureMissingResource(t *testing.T) {
	r := New(store.NewMemory(), 0, nil)
	assert.Equal(t, DefaultRetention, r.Retention())

	ok, err := r.CaptureBefore("new.md", func() (string, error) {
		return "", store.ErrNotExist
	})
	assert.NoError(t, err)
	assert.False(t, ok)
	infos, _ := r.List("new.md")
	assert.Empty(t, infos)
}

func TestCaptureReadError(t *testing.T) {
	r := New(store.NewMemory(), 3, clock.NewMock())
	boom := errors.New("boom")
	ok, err := r.CaptureBefore("x", func() (string, error) { return "", boom })
	assert.False(t, ok)
	assert.True(t, errors.Is(err, boom))
}

func TestKeysDoNotCollide(t *testing.T) {
	r := New(store.NewFileSystem(t.TempDir()), 3, clock.NewMock())
	keys := []string{"a", "a/b", "a@1", "root:dir/a b.md"}
	for _, k := range keys {
		_, err := r.CaptureBefore(k, content(k))
		require.NoError(t, err)
	}
	for _, k := range keys {
		infos, err := r.List(k)
		require.NoError(t, err)
		require.Len(t, infos, 1, "key %q", k)
		snap, err := r.Load(infos[0].Name)
		require.NoError(t, err)
		assert.Equal(t, k, snap.Content)
	}
}

func TestParseName(t *testing.T) {
	var table = []struct {
		name string
		ok   bool
		nano int64
	}{
		{"k@00000000000000000042-000001", true, 42},
		{"a%40b@00000000000000000007-000003", true, 7},
		{"k@garbage", false, 0},
		{"no-at-sign", false, 0},
	}
	for _, tab := range table {
		info, ok := parseName(tab.name)
		if ok != tab.ok {
			t.Errorf("parseName(%q) ok = %v, expected %v", tab.name, ok, tab.ok)
			continue
		}
		if ok && info.CapturedAt.UnixNano() != tab.nano {
			t.Errorf("parseName(%q) = %v, expected %d", tab.name, info.CapturedAt, tab.nano)
		}
	}
}
