package query

import (
	"fmt"
	"reflect"

	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/fxamacker/cbor/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// Names of the variables the engine binds.
const (
	ContextVar = "context" // the local view of the evaluating node
	ResultsVar = "results" // the per node results, bound in the merge query
	MissingVar = "missing" // ids of nodes without a result (partial merges only)
)

// IEvaluator evaluates query text against bound variables.
type IEvaluator interface {
	// Evaluate runs query with env bound and returns its result.
	// Compile and runtime failures are reported as store.ErrEvaluate.
	Evaluate(query string, env map[string]any) (any, error)
}

// ExprEvaluator evaluates queries written in the expr language
// (https://expr-lang.org). Compiled programs are cached by query text.
type ExprEvaluator struct {
	programs *xsync.MapOf[string, *vm.Program]
}

// NewExprEvaluator creates an evaluator with an empty program cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{programs: xsync.NewMapOf[string, *vm.Program]()}
}

func (e *ExprEvaluator) Evaluate(query string, env map[string]any) (any, error) {
	prog, err := e.compile(query)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return nil, store.Errorf(store.RetCEvaluate, "run %q: %v", query, err)
	}
	return out, nil
}

func (e *ExprEvaluator) compile(query string) (*vm.Program, error) {
	if prog, ok := e.programs.Load(query); ok {
		return prog, nil
	}
	prog, err := expr.Compile(query)
	if err != nil {
		return nil, store.Errorf(store.RetCEvaluate, "compile %q: %v", query, err)
	}
	e.programs.Store(query, prog)
	return prog, nil
}

// --------------------------------------------------------------------------
// Result codec
// --------------------------------------------------------------------------

var decMode, _ = cbor.DecOptions{
	IntDec:         cbor.IntDecConvertSigned,
	DefaultMapType: reflect.TypeOf(map[string]any(nil)),
}.DecMode()

// EncodeResult encodes a per node result for the trip back to the querying node.
func EncodeResult(v any) ([]byte, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, store.Errorf(store.RetCEvaluate, "encode result: %v", err)
	}
	return b, nil
}

// DecodeResult decodes a per node result. Integers decode as int64 and maps
// as map[string]any.
func DecodeResult(b []byte) (any, error) {
	var v any
	if err := decMode.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return v, nil
}
