package persist

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ValentinKolb/dCtx/lib/cluster"
	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
)

var journalBucket = []byte("rehash")

// Phase is the progress of a rehash epoch.
type Phase string

const (
	PhasePreparing Phase = "preparing"
	PhaseCommitted Phase = "committed"
	PhaseAborted   Phase = "aborted"
)

// JournalRecord is the journal entry of one rehash epoch.
type JournalRecord struct {
	Epoch     uint64                 `cbor:"1,keyasint" json:"epoch"`
	Phase     Phase                  `cbor:"2,keyasint" json:"phase"`
	Previous  cluster.PartitionTable `cbor:"3,keyasint" json:"previous"`
	Next      cluster.PartitionTable `cbor:"4,keyasint" json:"next"`
	UpdatedAt time.Time              `cbor:"5,keyasint" json:"updated_at"`
	Error     string                 `cbor:"6,keyasint,omitempty" json:"error,omitempty"`
}

// Journal is the durable log of rehash epochs kept by the coordinator. A record
// left in PhasePreparing after a crash tells the next coordinator that the epoch
// has to be rehashed again.
type Journal struct {
	db *bbolt.DB
}

// OpenJournal opens (or creates) the journal at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open rehash journal %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(journalBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init rehash journal %s: %w", path, err)
	}
	return &Journal{db: db}, nil
}

// Record writes (or overwrites) the record of an epoch.
func (j *Journal) Record(rec JournalRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	v, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}
	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(journalBucket).Put(epochKey(rec.Epoch), v)
	})
}

// Last returns the record with the highest epoch.
func (j *Journal) Last() (JournalRecord, bool, error) {
	var rec JournalRecord
	found := false
	err := j.db.View(func(tx *bbolt.Tx) error {
		_, v := tx.Bucket(journalBucket).Cursor().Last()
		if v == nil {
			return nil
		}
		found = true
		return cbor.Unmarshal(v, &rec)
	})
	return rec, found, err
}

// Pending returns the last record if its epoch never finished.
func (j *Journal) Pending() (JournalRecord, bool, error) {
	rec, ok, err := j.Last()
	if err != nil || !ok || rec.Phase != PhasePreparing {
		return JournalRecord{}, false, err
	}
	return rec, true, nil
}

// Close closes the journal.
func (j *Journal) Close() error {
	return j.db.Close()
}

func epochKey(epoch uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, epoch)
	return k
}
