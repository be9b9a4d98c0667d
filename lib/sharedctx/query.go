package sharedctx

import (
	"context"
	"sync"

	"github.com/ValentinKolb/dCtx/lib/cluster"
	"github.com/ValentinKolb/dCtx/lib/query"
	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/ValentinKolb/dCtx/rpc/common"
	"golang.org/x/sync/errgroup"
)

// --------------------------------------------------------------------------
// Query options
// --------------------------------------------------------------------------

type queryOptions struct {
	partial bool
}

// QueryOption changes how a federated query treats failing nodes.
type QueryOption func(*queryOptions)

// WithPartialResults merges the results of the nodes that answered instead of
// failing the query. The ids of the other nodes are bound as `missing`.
func WithPartialResults() QueryOption {
	return func(o *queryOptions) {
		o.partial = true
	}
}

// --------------------------------------------------------------------------
// Federated query
// --------------------------------------------------------------------------

// ExecuteInterpretQuery evaluates q on every main node with `context` bound to
// the node's local entries and vars bound by name. The results are bound as
// `results` (in server order) and merged with the merge query. An empty merge
// query returns the results as they are.
func (n *Node) ExecuteInterpretQuery(ctx context.Context, q, merge string, vars map[string]any, opts ...QueryOption) (any, error) {
	var o queryOptions
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := n.opContext(ctx)
	defer cancel()

	encVars, err := query.EncodeResult(vars)
	if err != nil {
		return nil, err
	}
	req, err := common.NewMetaRequest(common.MsgTQuery, queryRequest{Query: q, Vars: encVars})
	if err != nil {
		return nil, err
	}

	targets, missing := n.queryTargets()
	if len(missing) > 0 && !o.partial {
		return nil, store.Errorf(store.RetCSendError, "main nodes %v are not live members", missing)
	}

	results := make([]any, len(targets))
	failed := make([]bool, len(targets))
	if o.partial {
		var mu sync.Mutex
		var g errgroup.Group
		for i, node := range targets {
			g.Go(func() error {
				res, err := n.queryNode(ctx, node, req)
				if err != nil {
					Logger.Warningf("[%s] query on %s failed: %v", n.self.ID, node.ID, err)
					mu.Lock()
					failed[i] = true
					mu.Unlock()
					return nil
				}
				results[i] = res
				return nil
			})
		}
		_ = g.Wait()
	} else {
		g, gctx := errgroup.WithContext(ctx)
		for i, node := range targets {
			g.Go(func() error {
				res, err := n.queryNode(gctx, node, req)
				if err != nil {
					return err
				}
				results[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	merged := make([]any, 0, len(results))
	for i, res := range results {
		if failed[i] {
			missing = append(missing, string(targets[i].ID))
			continue
		}
		merged = append(merged, res)
	}
	if merge == "" {
		return merged, nil
	}

	env := make(map[string]any, len(vars)+2)
	for k, v := range vars {
		env[k] = v
	}
	env[query.ResultsVar] = merged
	if o.partial {
		if missing == nil {
			missing = []string{}
		}
		env[query.MissingVar] = missing
	}
	return n.evaluator.Evaluate(merge, env)
}

// queryTargets returns the live main nodes in view order and the ids of main
// nodes that are not live.
func (n *Node) queryTargets() ([]cluster.Node, []string) {
	view := n.View()
	table := n.pmap.Table()

	var targets []cluster.Node
	for _, s := range view.Servers() {
		if table.IsMainNode(s.ID) {
			targets = append(targets, s)
		}
	}
	var missing []string
	for _, id := range table.MainNodes() {
		if !view.Contains(id) {
			missing = append(missing, string(id))
		}
	}
	return targets, missing
}

func (n *Node) queryNode(ctx context.Context, node cluster.Node, req *common.Message) (any, error) {
	resp, err := n.call(ctx, node, req)
	if err != nil {
		return nil, err
	}
	return query.DecodeResult(resp.Value)
}

// evaluateLocal runs a query against the local entries and returns the encoded result
func (n *Node) evaluateLocal(qr queryRequest) ([]byte, error) {
	env, err := decodeVars(qr.Vars)
	if err != nil {
		return nil, err
	}
	env[query.ContextVar] = &LocalView{local: n.local}

	res, err := n.evaluator.Evaluate(qr.Query, env)
	if err != nil {
		return nil, err
	}
	return query.EncodeResult(res)
}

// decodeVars decodes query variables, it never returns a nil map
func decodeVars(b []byte) (map[string]any, error) {
	vars := map[string]any{}
	if len(b) == 0 {
		return vars, nil
	}
	v, err := query.DecodeResult(b)
	if err != nil {
		return nil, err
	}
	if m, ok := v.(map[string]any); ok {
		vars = m
	}
	return vars, nil
}

// --------------------------------------------------------------------------
// Local view
// --------------------------------------------------------------------------

// LocalView is bound as `context` while a node evaluates a query. It exposes the
// live entries of the node's partitions; values are returned as strings.
type LocalView struct {
	local store.IStore
}

// Size returns the number of live keys on the node.
func (v *LocalView) Size() int {
	return v.local.Size()
}

// Keys returns the live keys on the node.
func (v *LocalView) Keys() []string {
	return v.local.Keys()
}

// Get returns the value of key as a string, or nil if the node has no value.
func (v *LocalView) Get(key string) any {
	e, ok := v.local.Get(key)
	if !ok {
		return nil
	}
	return string(e.Value)
}

// Contains reports whether the node holds a value for key.
func (v *LocalView) Contains(key string) bool {
	_, ok := v.local.Get(key)
	return ok
}
