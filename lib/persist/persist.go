package persist

import (
	"context"

	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/fxamacker/cbor/v2"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("persist")

// IPersister saves and loads the entries of a node.
// Lock records are never persisted, and tombstones are only persisted by SaveKey
// (as a delete of the key).
type IPersister interface {
	// SaveAll replaces the persisted state with the given entries.
	SaveAll(ctx context.Context, entries []store.Entry) error
	// LoadAll returns every persisted entry.
	LoadAll(ctx context.Context) ([]store.Entry, error)
	// SaveKey persists a single entry; a tombstone deletes the key.
	// Backends that can only save the whole map return store.ErrUnsupportedOperation.
	SaveKey(ctx context.Context, e store.Entry) error
	// Close releases the backend.
	Close() error
}

// record is the persisted form of an entry.
type record struct {
	Value   []byte `cbor:"1,keyasint,omitempty"`
	Version uint64 `cbor:"2,keyasint"`
}

func encodeRecord(e store.Entry) ([]byte, error) {
	return cbor.Marshal(record{Value: e.Value, Version: e.Version})
}

func decodeRecord(key string, b []byte) (store.Entry, error) {
	var r record
	if err := cbor.Unmarshal(b, &r); err != nil {
		return store.Entry{}, err
	}
	return store.Entry{Key: key, Value: r.Value, Version: r.Version}, nil
}
