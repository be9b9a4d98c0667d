package sharedctx

import (
	"context"

	"github.com/ValentinKolb/dCtx/lib/query"
	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/ValentinKolb/dCtx/rpc/common"
)

// Handle implements server.IRPCServerAdapter. Requests from clients are routed
// through the cluster; requests marked as forwarded come from another node and
// run on this node only.
func (n *Node) Handle(ctx context.Context, req *common.Message) *common.Message {
	switch req.MsgType {

	// key scoped operations
	case common.MsgTGet, common.MsgTPut, common.MsgTPutIfVersion, common.MsgTRemove, common.MsgTRemoveIfVersion,
		common.MsgTUpdate, common.MsgTUpdateIfExists, common.MsgTLock, common.MsgTUnlock:
		if req.Forwarded {
			return n.execute(ctx, req)
		}
		if req.MsgType != common.MsgTLock {
			var cancel context.CancelFunc
			ctx, cancel = n.opContext(ctx)
			defer cancel()
		} else {
			var cancel context.CancelFunc
			ctx, cancel = n.lockContext(ctx, req.TimeoutDuration())
			defer cancel()
		}
		resp, err := n.do(ctx, req)
		if resp == nil {
			return common.NewResponse(req.MsgType, err)
		}
		n.cache.Remove(req.Key)
		return resp

	// context wide operations
	case common.MsgTKeys:
		keys := n.local.Keys()
		if !req.Forwarded {
			var err error
			if keys, err = n.Keys(ctx); err != nil {
				return common.NewResponse(req.MsgType, err)
			}
		}
		return n.metaResponse(req.MsgType, keys)

	case common.MsgTSize:
		size := n.local.Size()
		if !req.Forwarded {
			var err error
			if size, err = n.Size(ctx); err != nil {
				return common.NewResponse(req.MsgType, err)
			}
		}
		return &common.Message{MsgType: req.MsgType, Ok: true, Count: uint64(size)}

	case common.MsgTClear:
		if !req.Forwarded {
			cleared, err := n.Clear(ctx)
			resp := common.NewResponse(req.MsgType, err)
			resp.Count = uint64(cleared)
			return resp
		}
		return &common.Message{MsgType: req.MsgType, Ok: true, Count: uint64(n.local.Clear())}

	case common.MsgTLockInfo:
		keys := n.locks.HeldKeys()
		if !req.Forwarded {
			var err error
			if keys, err = n.LockedKeys(ctx); err != nil {
				return common.NewResponse(req.MsgType, err)
			}
		}
		resp := n.metaResponse(req.MsgType, keys)
		resp.Count = uint64(len(keys))
		return resp

	// introspection
	case common.MsgTPing:
		return &common.Message{MsgType: req.MsgType, Ok: true}

	case common.MsgTInfo:
		info, err := n.Info(req.Key)
		if err != nil {
			return common.NewResponse(req.MsgType, err)
		}
		return n.metaResponse(req.MsgType, info)

	case common.MsgTStats:
		if req.Forwarded {
			return n.metaResponse(req.MsgType, n.Stats())
		}
		stats, err := n.Distribution(ctx)
		if err != nil {
			return common.NewResponse(req.MsgType, err)
		}
		return n.metaResponse(req.MsgType, stats)

	case common.MsgTHealth:
		if req.Forwarded {
			return &common.Message{MsgType: req.MsgType, Ok: true}
		}
		results, err := n.HealthCheck(ctx, req.Force)
		report := make(map[string]string, len(results))
		for id, e := range results {
			report[string(id)] = "ok"
			if e != nil {
				report[string(id)] = e.Error()
			}
		}
		resp := n.metaResponse(req.MsgType, report)
		resp.Ok = err == nil
		return resp

	// cluster maintenance
	case common.MsgTSync:
		if !req.Forwarded {
			if req.Redirected && !n.View().IsCoordinator() {
				return common.NewResponse(req.MsgType, store.NewError(store.RetCInvalidOperation, "not the coordinator"))
			}
			return common.NewResponse(req.MsgType, n.Synchronize(ctx))
		}
		var p tablePayload
		if err := common.DecodeMeta(req.Meta, &p); err != nil {
			return common.NewResponse(req.MsgType, err)
		}
		return common.NewResponse(req.MsgType, n.applySync(ctx, p.Table))

	case common.MsgTRehash:
		if req.Forwarded && !n.View().IsCoordinator() {
			return common.NewResponse(req.MsgType, store.NewError(store.RetCInvalidOperation, "not the coordinator"))
		}
		return common.NewResponse(req.MsgType, n.Rehash(ctx))

	case common.MsgTRehashPrepare:
		var plan rehashPlan
		if err := common.DecodeMeta(req.Meta, &plan); err != nil {
			return common.NewResponse(req.MsgType, err)
		}
		return common.NewResponse(req.MsgType, n.prepare(ctx, plan))

	case common.MsgTRehashCommit:
		var p tablePayload
		if err := common.DecodeMeta(req.Meta, &p); err != nil {
			return common.NewResponse(req.MsgType, err)
		}
		return common.NewResponse(req.MsgType, n.commitTable(p.Table))

	case common.MsgTRehashAbort:
		ctx, cancel := n.opContext(ctx)
		defer cancel()
		return common.NewResponse(req.MsgType, n.abort(ctx, req.Version))

	case common.MsgTMigrate:
		var b migrateBatch
		if err := common.DecodeMeta(req.Meta, &b); err != nil {
			return common.NewResponse(req.MsgType, err)
		}
		taken, err := n.ingest(b)
		resp := common.NewResponse(req.MsgType, err)
		resp.Count = uint64(taken)
		return resp

	// queries
	case common.MsgTQuery:
		var qr queryRequest
		if err := common.DecodeMeta(req.Meta, &qr); err != nil {
			return common.NewResponse(req.MsgType, err)
		}
		if req.Forwarded {
			res, err := n.evaluateLocal(qr)
			resp := common.NewResponse(req.MsgType, err)
			resp.Value = res
			return resp
		}
		vars, err := decodeVars(qr.Vars)
		if err != nil {
			return common.NewResponse(req.MsgType, err)
		}
		var opts []QueryOption
		if qr.Partial {
			opts = append(opts, WithPartialResults())
		}
		res, err := n.ExecuteInterpretQuery(ctx, qr.Query, qr.Merge, vars, opts...)
		if err != nil {
			return common.NewResponse(req.MsgType, err)
		}
		return n.valueResponse(req.MsgType, res)

	default:
		return common.NewErrorResponse(store.Errorf(store.RetCInvalidOperation, "unsupported message type %s", req.MsgType))
	}
}

func (n *Node) metaResponse(t common.MessageType, payload any) *common.Message {
	b, err := common.EncodeMeta(payload)
	if err != nil {
		return common.NewResponse(t, err)
	}
	return &common.Message{MsgType: t, Ok: true, Meta: b}
}

func (n *Node) valueResponse(t common.MessageType, v any) *common.Message {
	b, err := query.EncodeResult(v)
	if err != nil {
		return common.NewResponse(t, err)
	}
	return &common.Message{MsgType: t, Ok: true, Value: b}
}
