package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dCtx/lib/store"
	"go.etcd.io/bbolt"
)

var entriesBucket = []byte("entries")

// Bolt persists entries in a bbolt database, one key per entry.
// It supports whole-map and key-scoped saves.
type Bolt struct {
	db *bbolt.DB
}

// OpenBolt opens (or creates) the database file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt persister %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init bolt persister %s: %w", path, err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) SaveAll(ctx context.Context, entries []store.Entry) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(entriesBucket); err != nil {
			return err
		}
		bucket, err := tx.CreateBucket(entriesBucket)
		if err != nil {
			return err
		}
		for i, e := range entries {
			if i%1024 == 0 && ctx.Err() != nil {
				return ctx.Err()
			}
			if !e.Live() {
				continue
			}
			v, err := encodeRecord(e)
			if err != nil {
				return fmt.Errorf("encode %q: %w", e.Key, err)
			}
			if err := bucket.Put([]byte(e.Key), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Bolt) LoadAll(ctx context.Context) ([]store.Entry, error) {
	var out []store.Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(k, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e, err := decodeRecord(string(k), v)
			if err != nil {
				return fmt.Errorf("decode %q: %w", k, err)
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

func (b *Bolt) SaveKey(_ context.Context, e store.Entry) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(entriesBucket)
		if !e.Live() {
			return bucket.Delete([]byte(e.Key))
		}
		v, err := encodeRecord(e)
		if err != nil {
			return fmt.Errorf("encode %q: %w", e.Key, err)
		}
		return bucket.Put([]byte(e.Key), v)
	})
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
