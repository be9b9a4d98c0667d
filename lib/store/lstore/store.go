package lstore

import (
	"sort"

	"github.com/ValentinKolb/dCtx/lib/reconcile"
	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/puzpuzpuz/xsync/v3"
)

type storeImpl struct {
	entries *xsync.MapOf[string, store.Entry]
}

// NewLocalStore creates a new local store instance.
// The store only holds the entries of the node it runs on, the engine decides
// which keys end up here.
func NewLocalStore() store.IStore {
	return &storeImpl{
		entries: xsync.NewMapOf[string, store.Entry](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Get(key string) (store.Entry, bool) {
	e, ok := s.entries.Load(key)
	if !ok {
		return store.Entry{Key: key}, false
	}
	if e.Deleted {
		return store.Entry{Key: key, Version: e.Version, Deleted: true}, false
	}
	return copyEntry(e), true
}

func (s *storeImpl) Put(key string, value []byte) uint64 {
	e, _ := s.entries.Compute(key, func(old store.Entry, loaded bool) (store.Entry, bool) {
		return store.Entry{Key: key, Value: copyBytes(value), Version: old.Version + 1}, false
	})
	return e.Version
}

func (s *storeImpl) PutIfVersion(key string, value []byte, expected uint64) (uint64, error) {
	var err error
	e, _ := s.entries.Compute(key, func(old store.Entry, loaded bool) (store.Entry, bool) {
		if old.Version != expected {
			err = store.Errorf(store.RetCConflict, "key %q is at version %d, expected %d", key, old.Version, expected)
			return old, !loaded
		}
		return store.Entry{Key: key, Value: copyBytes(value), Version: old.Version + 1}, false
	})
	if err != nil {
		return e.Version, err
	}
	return e.Version, nil
}

func (s *storeImpl) Remove(key string) (bool, uint64) {
	removed := false
	e, ok := s.entries.Compute(key, func(old store.Entry, loaded bool) (store.Entry, bool) {
		if !loaded || old.Deleted {
			return old, !loaded
		}
		removed = true
		return tombstone(key, old.Version+1), false
	})
	if !ok {
		return false, 0
	}
	return removed, e.Version
}

func (s *storeImpl) RemoveIfVersion(key string, expected uint64) (bool, error) {
	var err error
	removed := false
	s.entries.Compute(key, func(old store.Entry, loaded bool) (store.Entry, bool) {
		if old.Version != expected {
			err = store.Errorf(store.RetCConflict, "key %q is at version %d, expected %d", key, old.Version, expected)
			return old, !loaded
		}
		if !loaded || old.Deleted {
			return old, !loaded
		}
		removed = true
		return tombstone(key, old.Version+1), false
	})
	return removed, err
}

func (s *storeImpl) Update(key string, r reconcile.Reconciler, diff []byte, ifExists bool) (reconcile.Result, uint64, error) {
	var (
		result = reconcile.Partial
		err    error
	)
	e, _ := s.entries.Compute(key, func(old store.Entry, loaded bool) (store.Entry, bool) {
		exists := loaded && !old.Deleted
		if !exists && ifExists {
			return old, !loaded
		}

		next, res, changed, applyErr := r.Apply(old.Value, old.Version, exists, diff)
		result = res
		if applyErr != nil {
			err = store.Errorf(store.RetCInvalidOperation, "apply %s diff to %q: %v", r.Name(), key, applyErr)
			return old, !loaded
		}
		if res == reconcile.Conflict {
			err = store.Errorf(store.RetCConflict, "diff for %q conflicts with version %d", key, old.Version)
			return old, !loaded
		}
		if !changed {
			return old, !loaded
		}
		return store.Entry{Key: key, Value: next, Version: old.Version + 1}, false
	})
	return result, e.Version, err
}

func (s *storeImpl) Keys() []string {
	keys := make([]string, 0, s.entries.Size())
	s.entries.Range(func(key string, e store.Entry) bool {
		if !e.Deleted {
			keys = append(keys, key)
		}
		return true
	})
	sort.Strings(keys)
	return keys
}

func (s *storeImpl) Size() int {
	n := 0
	s.entries.Range(func(_ string, e store.Entry) bool {
		if !e.Deleted {
			n++
		}
		return true
	})
	return n
}

func (s *storeImpl) Clear() int {
	n := 0
	for _, key := range s.Keys() {
		if removed, _ := s.Remove(key); removed {
			n++
		}
	}
	return n
}

func (s *storeImpl) Range(fn func(e store.Entry) bool) {
	s.entries.Range(func(_ string, e store.Entry) bool {
		return fn(copyEntry(e))
	})
}

func (s *storeImpl) Extract(filter func(key string) bool) []store.Entry {
	var out []store.Entry
	var keys []string
	s.entries.Range(func(key string, _ store.Entry) bool {
		if filter(key) {
			keys = append(keys, key)
		}
		return true
	})
	for _, key := range keys {
		if e, ok := s.entries.LoadAndDelete(key); ok {
			out = append(out, e)
		}
	}
	return out
}

func (s *storeImpl) Ingest(entries []store.Entry) int {
	n := 0
	for _, in := range entries {
		in := in
		in.Lock = nil
		s.entries.Compute(in.Key, func(old store.Entry, loaded bool) (store.Entry, bool) {
			if loaded && old.Version >= in.Version {
				return old, false
			}
			n++
			in.Value = copyBytes(in.Value)
			return in, false
		})
	}
	return n
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func tombstone(key string, version uint64) store.Entry {
	return store.Entry{Key: key, Version: version, Deleted: true}
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

func copyEntry(e store.Entry) store.Entry {
	e.Value = copyBytes(e.Value)
	return e
}
