package persist

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ValentinKolb/dCtx/lib/store"
)

const (
	snapshotMagic   = "DCTXSNAP"
	snapshotVersion = 1
)

// Snapshot persists the whole map into a single binary file. The file is
// replaced atomically on every save. Key-scoped saves are not supported.
type Snapshot struct {
	path string
}

// NewSnapshot creates a snapshot persister writing to path.
func NewSnapshot(path string) *Snapshot {
	return &Snapshot{path: path}
}

func (s *Snapshot) SaveAll(ctx context.Context, entries []store.Entry) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeSnapshot(ctx, tmp, entries); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *Snapshot) LoadAll(ctx context.Context) ([]store.Entry, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	return readSnapshot(ctx, f)
}

func (s *Snapshot) SaveKey(context.Context, store.Entry) error {
	return store.NewError(store.RetCUnsupportedOperation, "snapshot persister only supports saving the whole map")
}

func (s *Snapshot) Close() error {
	return nil
}

// --------------------------------------------------------------------------
// File format
//
// magic (8 bytes) | version (uint8) | count (uint64)
// count times: keyLen (uint32) | key | version (uint64) | valueLen (uint32) | value
// All integers are little endian.
// --------------------------------------------------------------------------

func writeSnapshot(ctx context.Context, w io.Writer, entries []store.Entry) error {
	bw := bufio.NewWriterSize(w, 1024*1024)

	live := make([]store.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Live() {
			live = append(live, e)
		}
	}

	if _, err := bw.WriteString(snapshotMagic); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint8(snapshotVersion)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(live))); err != nil {
		return err
	}

	for i, e := range live {
		if i%1024 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(e.Key))); err != nil {
			return err
		}
		if _, err := bw.WriteString(e.Key); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, e.Version); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(e.Value))); err != nil {
			return err
		}
		if _, err := bw.Write(e.Value); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func readSnapshot(ctx context.Context, r io.Reader) ([]store.Entry, error) {
	br := bufio.NewReaderSize(r, 1024*1024)

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, err
	}
	if string(magic) != snapshotMagic {
		return nil, fmt.Errorf("invalid snapshot: magic number mismatch")
	}

	var version uint8
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return nil, err
	}
	if version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version: %d (expected %d)", version, snapshotVersion)
	}

	var count uint64
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return nil, err
	}

	out := make([]store.Entry, 0, min(count, 1<<16))
	for i := uint64(0); i < count; i++ {
		if i%1024 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var keyLen uint32
		if err := binary.Read(br, binary.LittleEndian, &keyLen); err != nil {
			return nil, err
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(br, key); err != nil {
			return nil, err
		}

		e := store.Entry{Key: string(key)}
		if err := binary.Read(br, binary.LittleEndian, &e.Version); err != nil {
			return nil, err
		}

		var valueLen uint32
		if err := binary.Read(br, binary.LittleEndian, &valueLen); err != nil {
			return nil, err
		}
		e.Value = make([]byte, valueLen)
		if _, err := io.ReadFull(br, e.Value); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
