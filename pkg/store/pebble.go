package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"chronik/pkg/logger"
)

var (
	db     *pebble.DB
	dbPath string

	// roomLocks serializes writers per room; concurrent writers to the
	// same room must never interleave partial chunk states.
	roomMu    sync.Mutex
	roomLocks map[string]*sync.Mutex
)

// Open opens (or creates) the Pebble database at the given path and keeps
// a package-level handle.
func Open(path string) error {
	var err error
	logger.Info("opening_pebble_db", "path", path)
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return err
	}
	dbPath = path
	roomLocks = make(map[string]*sync.Mutex)
	logger.Info("pebble_opened", "path", path)
	return nil
}

// Close closes the opened pebble DB if present.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and ready.
func Ready() bool { return db != nil }

func lockRoom(roomID string) *sync.Mutex {
	roomMu.Lock()
	defer roomMu.Unlock()
	mu, ok := roomLocks[roomID]
	if !ok {
		mu = &sync.Mutex{}
		roomLocks[roomID] = mu
	}
	return mu
}

// Reader is the read surface shared by write transactions and snapshots.
type Reader interface {
	Get(key string) ([]byte, bool, error)
	GetJSON(key string, v any) (bool, error)
	Prefix(prefix string, fn func(key string, val []byte) error) error
}

// Txn is a read-your-writes transaction over an indexed pebble batch. It
// commits fully or not at all.
type Txn struct {
	b *pebble.Batch
}

// Snap is a read-only consistent snapshot of the store.
type Snap struct {
	s *pebble.Snapshot
}

// Update runs fn inside a write transaction scoped to one room. Writers to
// the same room are serialized; the batch commits atomically with fsync.
func Update(roomID string, fn func(tx *Txn) error) error {
	if db == nil {
		return ErrNotOpen
	}
	mu := lockRoom(roomID)
	mu.Lock()
	defer mu.Unlock()

	b := db.NewIndexedBatch()
	tx := &Txn{b: b}
	if err := fn(tx); err != nil {
		_ = b.Close()
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("txn_commit_failed", "room", roomID, "error", err)
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// View runs fn against a consistent snapshot. Readers are never blocked by
// in-flight writes and never observe a chunk relink mid-read.
func View(fn func(s *Snap) error) error {
	if db == nil {
		return ErrNotOpen
	}
	snap := db.NewSnapshot()
	defer snap.Close()
	return fn(&Snap{s: snap})
}

func (t *Txn) Get(key string) ([]byte, bool, error) {
	v, closer, err := t.b.Get([]byte(key))
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

func (t *Txn) Set(key string, val []byte) error {
	return t.b.Set([]byte(key), val, nil)
}

func (t *Txn) Delete(key string) error {
	return t.b.Delete([]byte(key), nil)
}

func (t *Txn) GetJSON(key string, v any) (bool, error) {
	raw, ok, err := t.Get(key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("corrupt record at %s: %w", key, err)
	}
	return true, nil
}

func (t *Txn) SetJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record for %s: %w", key, err)
	}
	return t.Set(key, raw)
}

func (t *Txn) Prefix(prefix string, fn func(key string, val []byte) error) error {
	iter, err := t.b.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()
	return scanPrefix(iter, prefix, fn)
}

func (s *Snap) Get(key string) ([]byte, bool, error) {
	v, closer, err := s.s.Get([]byte(key))
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

func (s *Snap) GetJSON(key string, v any) (bool, error) {
	raw, ok, err := s.Get(key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("corrupt record at %s: %w", key, err)
	}
	return true, nil
}

func (s *Snap) Prefix(prefix string, fn func(key string, val []byte) error) error {
	iter, err := s.s.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()
	return scanPrefix(iter, prefix, fn)
}

func scanPrefix(iter *pebble.Iterator, prefix string, fn func(key string, val []byte) error) error {
	pfx := []byte(prefix)
	for iter.SeekGE(pfx); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), pfx) {
			break
		}
		k := string(iter.Key())
		v := append([]byte(nil), iter.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return iter.Error()
}
