// Package backup keeps a small ring of prior versions of every document. A
// snapshot of the current content is taken right before each overwrite, and
// only the newest few snapshots per document are retained. Nothing here
// restores content; the snapshots are left for manual recovery.
//
// Snapshots are kept in their own store, apart from the handle database, as
// JSON documents named
//
//	<escaped resource key>@<capture time in unix nanoseconds>-<sequence>
//
// where both numbers are zero padded so names sort in capture order.
package backup

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ndlib/vellum/store"
)

// DefaultRetention is the number of snapshots kept per resource.
const DefaultRetention = 3

// Snapshot is a copy of a resource's content taken before an overwrite.
type Snapshot struct {
	ResourceName string    `json:"resourceName"`
	Content      string    `json:"content"`
	CapturedAt   time.Time `json:"capturedAt"`
}

// Info describes a stored snapshot without its content.
type Info struct {
	Name       string    `json:"name"`
	CapturedAt time.Time `json:"capturedAt"`
	seq        int64
}

// Rotation captures and prunes snapshots. It is safe for concurrent use.
type Rotation struct {
	s         store.Store
	retention int
	clock     clock.Clock

	m   sync.Mutex // serializes capture and prune
	seq int64
}

// New returns a Rotation saving snapshots into s and keeping retention of
// them per resource. A retention <= 0 uses DefaultRetention.
func New(s store.Store, retention int, c clock.Clock) *Rotation {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if c == nil {
		c = clock.New()
	}
	return &Rotation{s: s, retention: retention, clock: c}
}

// Retention returns the number of snapshots kept per resource.
func (r *Rotation) Retention() int { return r.retention }

// CaptureBefore saves the content returned by current as a new snapshot of
// key and prunes the old ones. If current reports the resource does not exist
// nothing is saved and false is returned without an error.
func (r *Rotation) CaptureBefore(key string, current func() (string, error)) (bool, error) {
	content, err := current()
	if store.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, errors.Wrapf(err, "backup %s", key)
	}

	r.m.Lock()
	defer r.m.Unlock()
	r.seq++
	now := r.clock.Now()
	name := fmt.Sprintf("%s@%020d-%06d", escape(key), now.UnixNano(), r.seq%1000000)
	body, err := json.Marshal(Snapshot{
		ResourceName: key,
		Content:      content,
		CapturedAt:   now,
	})
	if err != nil {
		return false, err
	}
	if err := store.Replace(r.s, name, body); err != nil {
		return false, errors.Wrapf(err, "backup %s", key)
	}
	r.prune(key)
	return true, nil
}

// prune deletes the oldest snapshots of key beyond the retention count.
// It assumes r.m is held.
func (r *Rotation) prune(key string) {
	infos, err := r.list(key)
	if err != nil {
		log.WithFields(log.Fields{"key": key, "err": err}).Warn("backup: listing snapshots to prune")
		return
	}
	// infos are newest first
	for _, info := range infos[min(len(infos), r.retention):] {
		if err := r.s.Delete(info.Name); err != nil {
			log.WithFields(log.Fields{"name": info.Name, "err": err}).Warn("backup: pruning snapshot")
		}
	}
}

// List returns the snapshots of key, newest first.
func (r *Rotation) List(key string) ([]Info, error) {
	r.m.Lock()
	defer r.m.Unlock()
	return r.list(key)
}

func (r *Rotation) list(key string) ([]Info, error) {
	names, err := r.s.ListPrefix(escape(key) + "@")
	if err != nil {
		return nil, err
	}
	var result []Info
	for _, name := range names {
		info, ok := parseName(name)
		if !ok {
			continue
		}
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.CapturedAt.Equal(b.CapturedAt) {
			return a.CapturedAt.After(b.CapturedAt)
		}
		return a.seq > b.seq
	})
	return result, nil
}

// Load reads back the snapshot stored under name.
func (r *Rotation) Load(name string) (Snapshot, error) {
	var snap Snapshot
	body, err := store.ReadAll(r.s, name)
	if err != nil {
		return snap, err
	}
	err = json.Unmarshal(body, &snap)
	return snap, errors.Wrapf(err, "decoding snapshot %s", name)
}

func escape(key string) string {
	return url.QueryEscape(key)
}

// parseName splits a snapshot name into its capture time and sequence.
func parseName(name string) (Info, bool) {
	i := strings.LastIndex(name, "@")
	if i < 0 {
		return Info{}, false
	}
	parts := strings.SplitN(name[i+1:], "-", 2)
	if len(parts) != 2 {
		return Info{}, false
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Info{}, false
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Info{}, false
	}
	return Info{Name: name, CapturedAt: time.Unix(0, nanos).UTC(), seq: seq}, true
}
