// Package query contains the expression evaluator used by query federation.
//
// A federated query is evaluated twice: first on every main node with "context"
// bound to the local view of that node, then once on the querying node with
// "results" bound to the list of per node results (ordered by node ordinal).
// Per node results travel as cbor.
//
// The default evaluator is expr-lang/expr. A query summing the sizes of all
// nodes looks like this:
//
//	query:       context.Size()
//	merge query: sum(results)
package query
