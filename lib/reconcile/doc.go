// Package reconcile implements version-based partial updates ("diffs") of stored values.
//
// A value type opts in by implementing Value[T, D] for its diff type D. The contract is
// checked at compile time: a Strategy[T, D] can only be built for types that implement
// it. Owner nodes receive diffs as bytes, so each strategy is also a Reconciler (the
// encoded form) and is registered by name in a Registry on every node.
//
// Applying a diff yields one of three results:
//
//   - Full: every field the diff touched was applied.
//   - Partial: some touched fields already had their target state. Applying the same
//     diff twice yields Partial the second time.
//   - Conflict: the diff was computed against a stale version and touches a field that
//     changed since. The value is left unchanged.
//
// FieldMap is the bundled value type: a string map with per-field stamps, so that diffs
// from independent writers merge as long as they touch different fields.
//
// Usage Example:
//
//	fm := reconcile.FieldMapStrategy()
//	res, err := reconcile.Update(ctx, sharedCtx, "user:42", fm, reconcile.FieldDiff{
//		Base: 0,
//		Set:  map[string]string{"name": "Ada"},
//	})
package reconcile
