// Package store is the pebble-backed storage layer shared by hub and PDS
// nodes. Keys are namespaced strings with zero-padded timestamps so
// prefix iteration yields creation order; primary keys are content
// derived, which makes every write idempotent under sync replay.
package store

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"socialmesh/pkg/logger"
)

// Store wraps one pebble database. Each node owns exactly one Store;
// tests open several side by side to model multi-node topologies.
type Store struct {
	db   *pebble.DB
	path string
	// seq disambiguates record keys created in the same nanosecond.
	seq uint64
	// handleMu serializes handle claims (check-then-set).
	handleMu sync.Mutex
	// onTombstone fires whenever a live message turns into a tombstone,
	// whichever write path carried it in.
	onTombstone func(hash string)
}

// OnTombstone registers the tombstone callback. Register before serving;
// the field is not synchronized.
func (s *Store) OnTombstone(fn func(hash string)) {
	s.onTombstone = fn
}

// Open opens (or creates) a pebble database at path.
func Open(path string) (*Store, error) {
	logger.Info("opening_pebble_db", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	logger.Info("pebble_closed", "path", s.path)
	return err
}

// Ready reports whether the store is opened.
func (s *Store) Ready() bool {
	return s != nil && s.db != nil
}

func (s *Store) set(key string, val []byte) error {
	if s.db == nil {
		return fmt.Errorf("store not opened")
	}
	return s.db.Set([]byte(key), val, pebble.Sync)
}

func (s *Store) get(key string) ([]byte, bool, error) {
	if s.db == nil {
		return nil, false, fmt.Errorf("store not opened")
	}
	v, closer, err := s.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := append([]byte(nil), v...)
	_ = closer.Close()
	return out, true, nil
}

// nextKey allocates a creation-ordered opaque key: nanosecond timestamp
// plus a per-store sequence so concurrent writers never collide.
func (s *Store) nextKey() string {
	ts := time.Now().UTC().UnixNano()
	n := atomic.AddUint64(&s.seq, 1)
	return fmt.Sprintf("%020d-%06d", ts, n)
}

// GetWatermark returns the persisted reconciliation watermark for the
// named engine, zero when unset.
func (s *Store) GetWatermark(name string) (int64, error) {
	v, ok, err := s.get("watermark:" + name)
	if err != nil || !ok {
		return 0, err
	}
	ts, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt watermark %s: %w", name, err)
	}
	return ts, nil
}

// SetWatermark persists the watermark; it never moves backwards.
func (s *Store) SetWatermark(name string, ts int64) error {
	cur, err := s.GetWatermark(name)
	if err != nil {
		return err
	}
	if ts <= cur {
		return nil
	}
	return s.set("watermark:"+name, []byte(strconv.FormatInt(ts, 10)))
}

// keyUpperBound returns the smallest key greater than every key with the
// given prefix.
func keyUpperBound(prefix string) []byte {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return b[:i+1]
		}
	}
	return nil
}

func (s *Store) prefixIter(prefix string) (*pebble.Iterator, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not opened")
	}
	return s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: keyUpperBound(prefix),
	})
}
