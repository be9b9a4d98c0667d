package sharedctx

import (
	"context"
	"time"

	"github.com/ValentinKolb/dCtx/lib/query"
	"github.com/ValentinKolb/dCtx/lib/reconcile"
	"github.com/ValentinKolb/dCtx/rpc/client"
	"github.com/ValentinKolb/dCtx/rpc/common"
	"github.com/ValentinKolb/dCtx/rpc/serializer"
	"github.com/ValentinKolb/dCtx/rpc/server"
	"github.com/ValentinKolb/dCtx/rpc/transport"
)

// RemoteContext talks to a shared context through any of its nodes. The node
// routes every request, so the caller needs no knowledge of the partition table.
// It is used by the command line client.
type RemoteContext struct {
	name       string
	channel    uint64
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
}

// NewRemoteContext connects t with config and returns a client for the context name.
func NewRemoteContext(
	name string,
	config common.ClientConfig,
	t transport.IRPCClientTransport,
	s serializer.IRPCSerializer,
) (*RemoteContext, error) {
	if err := t.Connect(config); err != nil {
		return nil, err
	}
	return &RemoteContext{
		name:       name,
		channel:    server.ChannelOf(name),
		transport:  t,
		serializer: s,
	}, nil
}

// Close closes the transport.
func (r *RemoteContext) Close() error {
	return r.transport.Close()
}

func (r *RemoteContext) invoke(ctx context.Context, req *common.Message) (*common.Message, error) {
	return client.Invoke(ctx, r.channel, req, r.transport, r.serializer)
}

// --------------------------------------------------------------------------
// Map operations
// --------------------------------------------------------------------------

func (r *RemoteContext) Get(ctx context.Context, key string) ([]byte, uint64, bool, error) {
	resp, err := r.invoke(ctx, common.NewGetRequest(key))
	if err != nil {
		return nil, 0, false, err
	}
	return resp.Value, resp.Version, resp.Ok, nil
}

func (r *RemoteContext) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	resp, err := r.invoke(ctx, common.NewPutRequest(key, value))
	if err != nil {
		return 0, err
	}
	return resp.Version, nil
}

func (r *RemoteContext) PutIfVersion(ctx context.Context, key string, value []byte, expected uint64) (uint64, error) {
	resp, err := r.invoke(ctx, common.NewPutIfVersionRequest(key, value, expected))
	if err != nil {
		return 0, err
	}
	return resp.Version, nil
}

func (r *RemoteContext) Remove(ctx context.Context, key string) (bool, error) {
	resp, err := r.invoke(ctx, common.NewRemoveRequest(key))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (r *RemoteContext) RemoveIfVersion(ctx context.Context, key string, expected uint64) (bool, error) {
	resp, err := r.invoke(ctx, common.NewRemoveIfVersionRequest(key, expected))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// UpdateRaw implements reconcile.Updater.
func (r *RemoteContext) UpdateRaw(ctx context.Context, key, strategy string, diff []byte, ifExists bool) (reconcile.Result, error) {
	resp, err := r.invoke(ctx, common.NewUpdateRequest(key, strategy, diff, ifExists))
	if err != nil {
		return reconcile.Conflict, err
	}
	return resultOf(resp.Count), nil
}

func (r *RemoteContext) Keys(ctx context.Context) ([]string, error) {
	resp, err := r.invoke(ctx, &common.Message{MsgType: common.MsgTKeys})
	if err != nil {
		return nil, err
	}
	var keys []string
	err = common.DecodeMeta(resp.Meta, &keys)
	return keys, err
}

func (r *RemoteContext) Size(ctx context.Context) (int, error) {
	resp, err := r.invoke(ctx, &common.Message{MsgType: common.MsgTSize})
	if err != nil {
		return 0, err
	}
	return int(resp.Count), nil
}

func (r *RemoteContext) Clear(ctx context.Context) (int, error) {
	resp, err := r.invoke(ctx, &common.Message{MsgType: common.MsgTClear})
	if err != nil {
		return 0, err
	}
	return int(resp.Count), nil
}

// --------------------------------------------------------------------------
// Locks
// --------------------------------------------------------------------------

func (r *RemoteContext) Lock(ctx context.Context, key, owner string, timeout time.Duration) error {
	_, err := r.invoke(ctx, common.NewLockRequest(key, owner, timeout))
	return err
}

func (r *RemoteContext) Unlock(ctx context.Context, key, owner string, force bool) (bool, error) {
	resp, err := r.invoke(ctx, common.NewUnlockRequest(key, owner, force))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (r *RemoteContext) LockedKeys(ctx context.Context) ([]string, error) {
	resp, err := r.invoke(ctx, &common.Message{MsgType: common.MsgTLockInfo})
	if err != nil {
		return nil, err
	}
	var keys []string
	err = common.DecodeMeta(resp.Meta, &keys)
	return keys, err
}

// --------------------------------------------------------------------------
// Cluster operations
// --------------------------------------------------------------------------

// Ping checks that the node answers.
func (r *RemoteContext) Ping(ctx context.Context) error {
	_, err := r.invoke(ctx, common.NewPingRequest())
	return err
}

// Info returns the cluster as seen by the node. If key is set, its owner and
// partition are filled in.
func (r *RemoteContext) Info(ctx context.Context, key string) (ClusterInfo, error) {
	var info ClusterInfo
	resp, err := r.invoke(ctx, &common.Message{MsgType: common.MsgTInfo, Key: key})
	if err != nil {
		return info, err
	}
	err = common.DecodeMeta(resp.Meta, &info)
	return info, err
}

// Stats returns the statistics of every member.
func (r *RemoteContext) Stats(ctx context.Context) (ClusterStats, error) {
	var stats ClusterStats
	resp, err := r.invoke(ctx, &common.Message{MsgType: common.MsgTStats})
	if err != nil {
		return stats, err
	}
	err = common.DecodeMeta(resp.Meta, &stats)
	return stats, err
}

// Health returns "ok" or the error for every checked node. The boolean is false
// if any node failed.
func (r *RemoteContext) Health(ctx context.Context, includeClients bool) (map[string]string, bool, error) {
	resp, err := r.invoke(ctx, &common.Message{MsgType: common.MsgTHealth, Force: includeClients})
	if err != nil {
		return nil, false, err
	}
	report := map[string]string{}
	err = common.DecodeMeta(resp.Meta, &report)
	return report, resp.Ok, err
}

func (r *RemoteContext) Synchronize(ctx context.Context) error {
	_, err := r.invoke(ctx, &common.Message{MsgType: common.MsgTSync})
	return err
}

func (r *RemoteContext) Rehash(ctx context.Context) error {
	_, err := r.invoke(ctx, &common.Message{MsgType: common.MsgTRehash})
	return err
}

// Query runs a federated query on the cluster. With partial set, failing nodes
// are bound as `missing` instead of failing the query.
func (r *RemoteContext) Query(ctx context.Context, q, merge string, vars map[string]any, partial bool) (any, error) {
	encVars, err := query.EncodeResult(vars)
	if err != nil {
		return nil, err
	}
	req, err := common.NewMetaRequest(common.MsgTQuery, queryRequest{Query: q, Merge: merge, Vars: encVars, Partial: partial})
	if err != nil {
		return nil, err
	}
	resp, err := r.invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	return query.DecodeResult(resp.Value)
}
