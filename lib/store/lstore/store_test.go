package lstore

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ValentinKolb/dCtx/lib/reconcile"
	"github.com/ValentinKolb/dCtx/lib/store"
)

func TestPutGetRemove(t *testing.T) {
	s := NewLocalStore()

	if v := s.Put("a", []byte("1")); v != 1 {
		t.Errorf("Expected version 1, got %d", v)
	}
	if v := s.Put("a", []byte("2")); v != 2 {
		t.Errorf("Expected version 2, got %d", v)
	}

	e, ok := s.Get("a")
	if !ok || !bytes.Equal(e.Value, []byte("2")) {
		t.Errorf("Expected value 2, got %q (found=%t)", e.Value, ok)
	}

	removed, v := s.Remove("a")
	if !removed || v != 3 {
		t.Errorf("Expected removal at version 3, got removed=%t version=%d", removed, v)
	}

	e, ok = s.Get("a")
	if ok {
		t.Errorf("Expected key to be gone")
	}
	if e.Version != 3 {
		t.Errorf("Expected tombstone version 3, got %d", e.Version)
	}

	// writing again continues the version sequence
	if v := s.Put("a", []byte("3")); v != 4 {
		t.Errorf("Expected version 4, got %d", v)
	}

	if removed, _ := s.Remove("missing"); removed {
		t.Errorf("Expected no removal for missing key")
	}
}

func TestConditionalWrites(t *testing.T) {
	s := NewLocalStore()

	tests := []struct {
		name     string
		expected uint64
		wantErr  bool
		wantVer  uint64
	}{
		{"create with version 0", 0, false, 1},
		{"stale version", 0, true, 1},
		{"current version", 1, false, 2},
		{"future version", 5, true, 2},
	}

	for _, tt := range tests {
		v, err := s.PutIfVersion("k", []byte(tt.name), tt.expected)
		if tt.wantErr {
			if !errors.Is(err, store.ErrConflict) {
				t.Errorf("%s: Expected conflict, got %v", tt.name, err)
			}
		} else if err != nil {
			t.Errorf("%s: Expected no error, got %v", tt.name, err)
		}
		if v != tt.wantVer {
			t.Errorf("%s: Expected version %d, got %d", tt.name, tt.wantVer, v)
		}
	}

	if _, err := s.RemoveIfVersion("k", 1); !errors.Is(err, store.ErrConflict) {
		t.Errorf("Expected conflict on stale remove, got %v", err)
	}
	if removed, err := s.RemoveIfVersion("k", 2); err != nil || !removed {
		t.Errorf("Expected remove at version 2, got removed=%t err=%v", removed, err)
	}
	if _, err := s.PutIfVersion("never", nil, 3); !errors.Is(err, store.ErrConflict) {
		t.Errorf("Expected conflict for absent key, got %v", err)
	}
	if _, ok := s.Get("never"); ok {
		t.Errorf("Expected failed conditional put to leave no entry")
	}
}

func TestUpdate(t *testing.T) {
	s := NewLocalStore()
	fm := reconcile.FieldMapStrategy()
	diff, err := fm.EncodeDiff(reconcile.FieldDiff{Set: map[string]string{"a": "1"}})
	if err != nil {
		t.Fatal(err)
	}

	// ifExists on an absent key is a no-op
	res, v, err := s.Update("k", fm, diff, true)
	if err != nil || res != reconcile.Partial || v != 0 {
		t.Errorf("Expected no-op, got res=%s version=%d err=%v", res, v, err)
	}
	if _, ok := s.Get("k"); ok {
		t.Errorf("Expected key to stay absent")
	}

	res, v, err = s.Update("k", fm, diff, false)
	if err != nil || res != reconcile.Full || v != 1 {
		t.Errorf("Expected full update at version 1, got res=%s version=%d err=%v", res, v, err)
	}

	res, v, err = s.Update("k", fm, diff, false)
	if err != nil || res != reconcile.Partial || v != 1 {
		t.Errorf("Expected partial update without version change, got res=%s version=%d err=%v", res, v, err)
	}

	stale, _ := fm.EncodeDiff(reconcile.FieldDiff{Base: 0, Set: map[string]string{"a": "2"}})
	before, _ := s.Get("k")
	res, _, err = s.Update("k", fm, stale, false)
	if res != reconcile.Conflict || !errors.Is(err, store.ErrConflict) {
		t.Errorf("Expected conflict, got res=%s err=%v", res, err)
	}
	after, _ := s.Get("k")
	if after.Version != before.Version || !bytes.Equal(after.Value, before.Value) {
		t.Errorf("Expected conflicting diff to leave the entry unchanged")
	}
}

func TestKeysSizeClear(t *testing.T) {
	s := NewLocalStore()
	for _, k := range []string{"c", "a", "b"} {
		s.Put(k, []byte(k))
	}
	s.Remove("b")

	keys := s.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "c" {
		t.Errorf("Expected [a c], got %v", keys)
	}
	if s.Size() != 2 {
		t.Errorf("Expected size 2, got %d", s.Size())
	}
	if n := s.Clear(); n != 2 {
		t.Errorf("Expected 2 cleared keys, got %d", n)
	}
	if s.Size() != 0 {
		t.Errorf("Expected empty store, got %d", s.Size())
	}
}

func TestExtractIngest(t *testing.T) {
	src := NewLocalStore()
	dst := NewLocalStore()

	src.Put("a", []byte("1"))
	src.Put("a", []byte("2"))
	src.Put("b", []byte("x"))
	dst.Put("b", []byte("newer"))
	dst.Put("b", []byte("newer"))
	dst.Put("b", []byte("newer"))

	moved := src.Extract(func(key string) bool { return true })
	if len(moved) != 2 {
		t.Fatalf("Expected 2 extracted entries, got %d", len(moved))
	}
	if src.Size() != 0 {
		t.Errorf("Expected source to be empty after extract")
	}

	if n := dst.Ingest(moved); n != 1 {
		t.Errorf("Expected 1 ingested entry, got %d", n)
	}
	// ingesting twice changes nothing
	if n := dst.Ingest(moved); n != 0 {
		t.Errorf("Expected repeated ingest to be a no-op, got %d", n)
	}

	a, _ := dst.Get("a")
	if a.Version != 2 || string(a.Value) != "2" {
		t.Errorf("Expected a@2=2, got a@%d=%s", a.Version, a.Value)
	}
	b, _ := dst.Get("b")
	if string(b.Value) != "newer" {
		t.Errorf("Expected local newer version to win, got %s", b.Value)
	}
}
