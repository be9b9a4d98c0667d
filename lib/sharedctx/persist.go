package sharedctx

import (
	"context"

	"github.com/ValentinKolb/dCtx/lib/lockmgr"
	"github.com/ValentinKolb/dCtx/lib/persist"
	"github.com/ValentinKolb/dCtx/lib/store"
)

// --------------------------------------------------------------------------
// Persistence
// --------------------------------------------------------------------------

// Save writes the live entries of this node to p, replacing what p held before.
func (n *Node) Save(ctx context.Context, p persist.IPersister) error {
	var entries []store.Entry
	n.local.Range(func(e store.Entry) bool {
		if e.Live() {
			entries = append(entries, e)
		}
		return true
	})
	if err := p.SaveAll(ctx, entries); err != nil {
		return err
	}
	Logger.Infof("[%s] saved %d entries", n.self.ID, len(entries))
	return nil
}

// SaveKey writes the entry of key held by this node to p. A removed key is
// deleted from p. Backends that only save whole maps reject the call with
// store.ErrUnsupportedOperation.
func (n *Node) SaveKey(ctx context.Context, p persist.IPersister, key string) error {
	e, ok := n.local.Get(key)
	if !ok && e.Version == 0 {
		return store.Errorf(store.RetCInvalidOperation, "key %q is not held by %s", key, n.self.ID)
	}
	return p.SaveKey(ctx, e)
}

// Load reads the entries of p and takes over those this node owns. Entries only
// replace local ones with a lower version. Each key is locked while it is loaded,
// so the load does not interleave with lock holders of the key. It returns the
// number of entries taken over.
func (n *Node) Load(ctx context.Context, p persist.IPersister) (int, error) {
	entries, err := p.LoadAll(ctx)
	if err != nil {
		return 0, err
	}

	loader := lockmgr.NewOwnerID()
	taken := 0
	skipped := 0
	for _, e := range entries {
		owner, err := n.pmap.OwnerOf(e.Key)
		if err != nil {
			return taken, err
		}
		if owner != n.self.ID {
			skipped++
			continue
		}
		if err := n.locks.Lock(ctx, e.Key, loader, n.timeout); err != nil {
			return taken, err
		}
		taken += n.local.Ingest([]store.Entry{e})
		n.locks.Unlock(e.Key, loader, false)
	}
	Logger.Infof("[%s] loaded %d entries (%d owned by other nodes)", n.self.ID, taken, skipped)
	return taken, nil
}
