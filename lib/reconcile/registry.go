package reconcile

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry resolves reconcilers by name. Every node that owns partitions needs
// the same strategies registered.
type Registry struct {
	reconcilers *xsync.MapOf[string, Reconciler]
}

// NewRegistry creates a registry with the given reconcilers.
func NewRegistry(rs ...Reconciler) *Registry {
	r := &Registry{reconcilers: xsync.NewMapOf[string, Reconciler]()}
	for _, rec := range rs {
		r.Register(rec)
	}
	return r
}

// Register adds or replaces a reconciler.
func (r *Registry) Register(rec Reconciler) {
	r.reconcilers.Store(rec.Name(), rec)
}

// Get returns the reconciler registered under name.
func (r *Registry) Get(name string) (Reconciler, bool) {
	return r.reconcilers.Load(name)
}

// Names returns the sorted names of all registered reconcilers.
func (r *Registry) Names() []string {
	names := make([]string, 0, r.reconcilers.Size())
	r.reconcilers.Range(func(name string, _ Reconciler) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}
