package reconcile

import (
	"bytes"
	"context"
	"fmt"
)

// --------------------------------------------------------------------------
// Result
// --------------------------------------------------------------------------

// Result is the outcome of applying a diff to a value.
type Result int8

const (
	Conflict Result = -1 // The diff is based on a stale version and was rejected.
	Partial  Result = 0  // Some touched fields were already at their target state.
	Full     Result = 1  // Every touched field was applied.
)

func (r Result) String() string {
	switch r {
	case Conflict:
		return "CONFLICT"
	case Partial:
		return "PARTIAL"
	case Full:
		return "FULL"
	default:
		return fmt.Sprintf("Result(%d)", int8(r))
	}
}

// --------------------------------------------------------------------------
// Contracts
// --------------------------------------------------------------------------

// Value is implemented by value types that accept partial updates of type D.
// T is the concrete value type itself, so Clone can return it without a type assertion.
type Value[T any, D any] interface {
	// Version returns the version the value was last written at.
	Version() uint64
	// SetVersion is called by the store before a diff is applied.
	SetVersion(v uint64)
	// Update applies the diff in place. A Conflict result must leave the value unchanged.
	Update(diff D) Result
	// Clone returns a deep copy.
	Clone() T
}

// Reconciler is the encoded form of a strategy. Owner nodes only see bytes on the
// wire, so they look up a Reconciler by name and let it decode, apply and re-encode.
type Reconciler interface {
	// Name identifies the strategy across the cluster.
	Name() string
	// Apply decodes current (or materializes the template if exists is false), applies
	// the diff and returns the encoded result. changed reports whether the encoded
	// value differs from current. On Conflict, next is nil.
	Apply(current []byte, version uint64, exists bool, diff []byte) (next []byte, result Result, changed bool, err error)
}

// Rebaser is implemented by reconcilers whose diffs carry the version they were
// computed against. A transaction uses it to apply a diff on top of its own
// buffered write, whose fields are stamped one version past the committed one.
type Rebaser interface {
	// Rebase returns diff with its base moved from `from` to `to`. Diffs with a base
	// older than from are returned unchanged, they still conflict.
	Rebase(diff []byte, from, to uint64) ([]byte, error)
}

// --------------------------------------------------------------------------
// Strategy
// --------------------------------------------------------------------------

// Strategy binds a value type and its diff type to a name and a template.
type Strategy[T Value[T, D], D any] struct {
	name     string
	template func() T
}

// NewStrategy creates a strategy. The template returns the value used for
// first-write diffs on absent keys.
func NewStrategy[T Value[T, D], D any](name string, template func() T) *Strategy[T, D] {
	return &Strategy[T, D]{name: name, template: template}
}

func (s *Strategy[T, D]) Name() string {
	return s.name
}

// Template returns a fresh "no value yet" instance.
func (s *Strategy[T, D]) Template() T {
	return s.template()
}

// EncodeValue encodes a value for storage.
func (s *Strategy[T, D]) EncodeValue(v T) ([]byte, error) {
	return marshal(v)
}

// DecodeValue decodes a stored value and stamps it with version.
func (s *Strategy[T, D]) DecodeValue(b []byte, version uint64) (T, error) {
	v := s.template()
	if err := unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("decode %s value: %w", s.name, err)
	}
	v.SetVersion(version)
	return v, nil
}

// EncodeDiff encodes a diff for transport.
func (s *Strategy[T, D]) EncodeDiff(d D) ([]byte, error) {
	return marshal(d)
}

// DecodeDiff decodes a diff received over the wire.
func (s *Strategy[T, D]) DecodeDiff(b []byte) (D, error) {
	var d D
	if err := unmarshal(b, &d); err != nil {
		return d, fmt.Errorf("decode %s diff: %w", s.name, err)
	}
	return d, nil
}

func (s *Strategy[T, D]) Apply(current []byte, version uint64, exists bool, diff []byte) ([]byte, Result, bool, error) {
	d, err := s.DecodeDiff(diff)
	if err != nil {
		return nil, Conflict, false, err
	}

	var value T
	if exists {
		if value, err = s.DecodeValue(current, version); err != nil {
			return nil, Conflict, false, err
		}
	} else {
		value = s.template()
		value.SetVersion(version)
	}

	result := value.Update(d)
	if result == Conflict {
		return nil, Conflict, false, nil
	}

	next, err := s.EncodeValue(value)
	if err != nil {
		return nil, Conflict, false, err
	}
	return next, result, !exists || !bytes.Equal(next, current), nil
}

func (s *Strategy[T, D]) Rebase(diff []byte, from, to uint64) ([]byte, error) {
	d, err := s.DecodeDiff(diff)
	if err != nil {
		return nil, err
	}
	rb, ok := any(d).(interface{ Rebased(from, to uint64) any })
	if !ok {
		return diff, nil
	}
	next, ok := rb.Rebased(from, to).(D)
	if !ok {
		return diff, nil
	}
	return s.EncodeDiff(next)
}

// --------------------------------------------------------------------------
// Typed helpers
// --------------------------------------------------------------------------

// Updater is implemented by stores that apply encoded diffs by strategy name.
type Updater interface {
	UpdateRaw(ctx context.Context, key, strategy string, diff []byte, ifExists bool) (Result, error)
}

// Update encodes diff with s and applies it to key. Absent keys start from the template.
func Update[T Value[T, D], D any](ctx context.Context, u Updater, key string, s *Strategy[T, D], diff D) (Result, error) {
	b, err := s.EncodeDiff(diff)
	if err != nil {
		return Conflict, err
	}
	return u.UpdateRaw(ctx, key, s.Name(), b, false)
}

// UpdateIfExists is like Update but does nothing if key holds no value.
func UpdateIfExists[T Value[T, D], D any](ctx context.Context, u Updater, key string, s *Strategy[T, D], diff D) (Result, error) {
	b, err := s.EncodeDiff(diff)
	if err != nil {
		return Conflict, err
	}
	return u.UpdateRaw(ctx, key, s.Name(), b, true)
}
