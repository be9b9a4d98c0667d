package sharedctx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dCtx/lib/cache"
	"github.com/ValentinKolb/dCtx/lib/cluster"
	"github.com/ValentinKolb/dCtx/lib/lockmgr"
	"github.com/ValentinKolb/dCtx/lib/persist"
	"github.com/ValentinKolb/dCtx/lib/query"
	"github.com/ValentinKolb/dCtx/lib/reconcile"
	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/ValentinKolb/dCtx/lib/store/lstore"
	"github.com/ValentinKolb/dCtx/lib/txn"
	"github.com/ValentinKolb/dCtx/rpc/client"
	"github.com/ValentinKolb/dCtx/rpc/common"
	"github.com/ValentinKolb/dCtx/rpc/serializer"
	"github.com/ValentinKolb/dCtx/rpc/server"
	vm "github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("sharedctx")

const (
	// DefaultTimeout bounds blocking operations if neither the config nor the caller sets a deadline.
	DefaultTimeout = 5 * time.Second
	// DefaultConnectTimeout bounds the wait for peers in Start.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultMigrationBatchSize is the number of keys shipped per migration batch.
	DefaultMigrationBatchSize = 128

	maxRedirects = 8
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Option customizes a node.
type Option func(*options)

type options struct {
	transport   client.TransportFactory
	serializer  serializer.IRPCSerializer
	distributor cluster.IKeyDistributor
	evaluator   query.IEvaluator
	strategies  []reconcile.Reconciler
}

// WithTransport sets the client transport used to reach peers.
// By default the transport named in the config is used.
func WithTransport(f client.TransportFactory) Option {
	return func(o *options) { o.transport = f }
}

// WithSerializer sets the serializer used to reach peers.
func WithSerializer(s serializer.IRPCSerializer) Option {
	return func(o *options) { o.serializer = s }
}

// WithDistributor replaces the default hash distributor. All nodes of a cluster
// must use the same distributor.
func WithDistributor(d cluster.IKeyDistributor) Option {
	return func(o *options) { o.distributor = d }
}

// WithEvaluator replaces the default expr evaluator of queries.
func WithEvaluator(e query.IEvaluator) Option {
	return func(o *options) { o.evaluator = e }
}

// WithStrategies registers diff strategies in addition to the FieldMap strategy.
func WithStrategies(rs ...reconcile.Reconciler) Option {
	return func(o *options) { o.strategies = append(o.strategies, rs...) }
}

// --------------------------------------------------------------------------
// Node
// --------------------------------------------------------------------------

// Node is a member of a shared context cluster. It serves the partitions it is
// main for and routes every other operation to the owning node.
type Node struct {
	name           string
	config         common.NodeConfig
	self           cluster.Node
	timeout        time.Duration
	connectTimeout time.Duration

	membership *cluster.Membership
	pmap       *cluster.PartitionMap
	local      store.IStore
	locks      lockmgr.ILockManager
	txns       *txn.Manager
	registry   *reconcile.Registry
	evaluator  query.IEvaluator
	cache      *cache.Cache
	peers      *client.PeerPool
	journal    *persist.Journal

	gate          keyGate
	mig           atomic.Pointer[migration]
	rehashMu      sync.Mutex
	rehashEnabled atomic.Bool
	epochFloor    atomic.Uint64
	ready         atomic.Bool
	known         *xsync.MapOf[cluster.NodeID, string]

	metrics nodeMetrics
}

type nodeMetrics struct {
	forwarded     *vm.Counter
	redirects     *vm.Counter
	migratedKeys  *vm.Counter
	rehashCommits *vm.Counter
	rehashAborts  *vm.Counter
}

// NewNode creates a node from its configuration. The node does not listen on its
// own: register it with an rpc server (it implements server.IRPCServerAdapter)
// and call Start once the server runs.
func NewNode(cfg common.NodeConfig, opts ...Option) (*Node, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid node config: %w", err)
	}

	role, err := cluster.ParseRole(cfg.Role)
	if err != nil {
		return nil, err
	}
	self := cluster.Node{
		ID:       cluster.NodeID(cfg.NodeID),
		Role:     role,
		Endpoint: cfg.Transport.Endpoint,
		Ordinal:  cfg.Ordinal,
	}

	members := make([]cluster.Node, 0, len(cfg.Members))
	for _, m := range cfg.Members {
		r, err := cluster.ParseRole(m.Role)
		if err != nil {
			return nil, fmt.Errorf("member %s: %w", m.ID, err)
		}
		members = append(members, cluster.Node{ID: cluster.NodeID(m.ID), Role: r, Endpoint: m.Endpoint, Ordinal: m.Ordinal})
	}

	if o.transport == nil {
		if o.transport, err = client.TransportByName(cfg.TransportType); err != nil {
			return nil, err
		}
	}
	if o.serializer == nil {
		if o.serializer, err = serializer.ByName(cfg.SerializerType); err != nil {
			return nil, err
		}
	}
	if o.distributor == nil {
		o.distributor = cluster.NewHashDistributor(cfg.Seed)
	}
	if o.evaluator == nil {
		o.evaluator = query.NewExprEvaluator()
	}

	// only client nodes cache, servers read their own partitions
	cacheSize := 0
	if role == cluster.RoleClient {
		cacheSize = cfg.CacheSize
	}
	c, err := cache.New(cacheSize, cfg.NodeID)
	if err != nil {
		return nil, err
	}

	n := &Node{
		name:           cfg.ContextName,
		config:         cfg,
		self:           self,
		timeout:        cfg.Timeout(),
		connectTimeout: cfg.ConnectTimeout(),
		membership:     cluster.NewMembership(self, members...),
		pmap:           cluster.NewPartitionMap(o.distributor),
		local:          lstore.NewLocalStore(),
		locks:          lockmgr.NewLockManager(cfg.NodeID),
		txns:           txn.NewManager(cfg.Timeout() * 6),
		registry:       reconcile.NewRegistry(append([]reconcile.Reconciler{reconcile.FieldMapStrategy()}, o.strategies...)...),
		evaluator:      o.evaluator,
		cache:          c,
		known:          xsync.NewMapOf[cluster.NodeID, string](),
		metrics:        newNodeMetrics(cfg.ContextName, cfg.NodeID),
	}
	n.rehashEnabled.Store(cfg.RehashEnabled)

	peerCfg := common.ClientConfig{
		TimeoutSecond: int(cfg.TimeoutSecond),
		Transport: common.ClientTransportConfig{
			RetryCount:             2,
			ConnectionsPerEndpoint: 1,
		},
	}
	n.peers = client.NewPeerPool(server.ChannelOf(cfg.ContextName), peerCfg, o.transport, o.serializer)

	if cfg.DataDir != "" {
		if err := n.openJournal(cfg.DataDir); err != nil {
			return nil, err
		}
	}

	view := n.membership.View()
	for _, m := range view.Members {
		n.known.Store(m.ID, m.Endpoint)
	}
	if table, err := cluster.NewPartitionTable(view, cfg.PartitionCount); err == nil {
		table.Epoch = 1
		n.pmap.SetTable(table, view)
	} else {
		Logger.Warningf("[%s] no initial partition table: %v", n.self.ID, err)
		n.pmap.SetTable(cluster.PartitionTable{}, view)
	}
	n.membership.OnChange(n.onViewChange)

	Logger.Infof("[%s] created node for context %q (%s, %d members)", self.ID, n.name, role, len(view.Members))
	return n, nil
}

func applyDefaults(cfg *common.NodeConfig) {
	if cfg.Role == "" {
		cfg.Role = cluster.RoleServer.String()
	}
	if cfg.TimeoutSecond <= 0 {
		cfg.TimeoutSecond = int64(DefaultTimeout / time.Second)
	}
	if cfg.ConnectTimeoutSecond <= 0 {
		cfg.ConnectTimeoutSecond = int64(DefaultConnectTimeout / time.Second)
	}
	if cfg.MigrationBatchSize <= 0 {
		cfg.MigrationBatchSize = DefaultMigrationBatchSize
	}
	if cfg.TransportType == "" {
		cfg.TransportType = "tcp"
	}
	if cfg.SerializerType == "" {
		cfg.SerializerType = "binary"
	}
}

func newNodeMetrics(contextName, nodeID string) nodeMetrics {
	counter := func(name string) *vm.Counter {
		return vm.GetOrCreateCounter(fmt.Sprintf(`%s{context=%q,node=%q}`, name, contextName, nodeID))
	}
	return nodeMetrics{
		forwarded:     counter("dctx_forwarded_requests_total"),
		redirects:     counter("dctx_redirects_total"),
		migratedKeys:  counter("dctx_migrated_keys_total"),
		rehashCommits: counter("dctx_rehash_committed_total"),
		rehashAborts:  counter("dctx_rehash_aborted_total"),
	}
}

func (n *Node) openJournal(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir %s: %w", dir, err)
	}
	j, err := persist.OpenJournal(filepath.Join(dir, n.name+".journal"))
	if err != nil {
		return err
	}
	n.journal = j

	if last, ok, err := j.Last(); err != nil {
		Logger.Warningf("[%s] could not read rehash journal: %v", n.self.ID, err)
	} else if ok {
		n.epochFloor.Store(last.Epoch)
	}
	return nil
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Start waits (bounded by the connect timeout) until the coordinator, or every
// expected member if wait-for-all is configured, answers a ping. Nodes other than
// the coordinator then adopt the partition table of the coordinator. The
// coordinator resumes a rehash epoch the journal reports as interrupted.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, n.connectTimeout)
	defer cancel()

	if err := n.awaitPeers(ctx); err != nil {
		return err
	}

	if n.View().IsCoordinator() {
		n.recoverJournal(ctx)
	} else if err := n.fetchTable(ctx); err != nil {
		return fmt.Errorf("fetch partition table: %w", err)
	}

	n.ready.Store(true)
	Logger.Infof("[%s] ready (epoch %d, %d partitions)", n.self.ID, n.pmap.Table().Epoch, n.pmap.PartitionCount())
	return nil
}

// Ready reports whether Start completed.
func (n *Node) Ready() bool {
	return n.ready.Load()
}

// Close releases the peer connections and the journal. The rpc server the node
// is registered with must be closed by its owner.
func (n *Node) Close() error {
	n.ready.Store(false)
	n.peers.Close()
	if n.journal != nil {
		return n.journal.Close()
	}
	return nil
}

// awaitPeers pings the peers a starting node depends on until all of them answered
func (n *Node) awaitPeers(ctx context.Context) error {
	view := n.View()
	var pending []cluster.Node
	if n.config.WaitForAll {
		for _, m := range view.Members {
			if m.ID != n.self.ID {
				pending = append(pending, m)
			}
		}
	} else if c, ok := view.Coordinator(); ok && c.ID != n.self.ID {
		pending = append(pending, c)
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		var still []cluster.Node
		for _, p := range pending {
			if err := n.ping(ctx, p); err != nil {
				still = append(still, p)
			}
		}
		if len(still) == 0 {
			return nil
		}
		pending = still

		select {
		case <-ticker.C:
		case <-ctx.Done():
			ids := make([]cluster.NodeID, len(pending))
			for i, p := range pending {
				ids[i] = p.ID
			}
			return store.Errorf(store.RetCTimeout, "peers %v did not answer within %s", ids, n.connectTimeout)
		}
	}
}

// fetchTable adopts the partition table of the coordinator if it is not older than the own one
func (n *Node) fetchTable(ctx context.Context) error {
	coord, ok := n.View().Coordinator()
	if !ok || coord.ID == n.self.ID {
		return nil
	}
	resp, err := n.call(ctx, coord, &common.Message{MsgType: common.MsgTInfo})
	if err != nil {
		return err
	}
	var info ClusterInfo
	if err := common.DecodeMeta(resp.Meta, &info); err != nil {
		return err
	}
	n.adoptTable(info.Table)
	return nil
}

// recoverJournal reports an interrupted rehash and runs it again
func (n *Node) recoverJournal(ctx context.Context) {
	if n.journal == nil {
		return
	}
	rec, ok, err := n.journal.Pending()
	if err != nil {
		Logger.Warningf("[%s] could not read rehash journal: %v", n.self.ID, err)
		return
	}
	if !ok {
		return
	}
	Logger.Warningf("[%s] rehash epoch %d was interrupted (%s since %s)", n.self.ID, rec.Epoch, rec.Phase, rec.UpdatedAt.Format(time.RFC3339))
	if !n.rehashEnabled.Load() {
		return
	}
	if err := n.Rehash(ctx); err != nil {
		Logger.Errorf("[%s] resuming rehash failed: %v", n.self.ID, err)
	}
}

// --------------------------------------------------------------------------
// Membership
// --------------------------------------------------------------------------

// Membership returns the membership of the node. Membership sources (gossip, tests)
// push member changes into it.
func (n *Node) Membership() *cluster.Membership {
	return n.membership
}

// View returns the current membership view.
func (n *Node) View() cluster.View {
	return n.membership.View()
}

// Self returns the local node.
func (n *Node) Self() cluster.Node {
	return n.self
}

// Name returns the name of the context.
func (n *Node) Name() string {
	return n.name
}

// SetRehashEnabled turns rehashing on or off. With rehash disabled every
// membership change directly installs the recomputed partition table, without
// moving entries.
func (n *Node) SetRehashEnabled(enabled bool) {
	n.rehashEnabled.Store(enabled)
	Logger.Infof("[%s] rehash enabled: %t", n.self.ID, enabled)
}

// RehashEnabled reports whether rehashing is enabled.
func (n *Node) RehashEnabled() bool {
	return n.rehashEnabled.Load()
}

// onViewChange is called by the membership for every new view
func (n *Node) onViewChange(v cluster.View) {
	n.forgetDeparted(v)

	if !n.rehashEnabled.Load() {
		table, err := cluster.NewPartitionTable(v, n.config.PartitionCount)
		if err != nil {
			Logger.Warningf("[%s] view %d: %v", n.self.ID, v.Epoch, err)
			return
		}
		table.Epoch = n.nextEpoch(n.pmap.Table())
		n.pmap.SetTable(table, v)
		Logger.Infof("[%s] installed partition table %d for view %d", n.self.ID, table.Epoch, v.Epoch)
		return
	}

	// the table stays until the next rehash, only the view is refreshed
	n.pmap.SetTable(n.pmap.Table(), v)

	if n.config.AutoRehash && v.IsCoordinator() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), n.rehashTimeout())
			defer cancel()
			if err := n.Rehash(ctx); err != nil {
				Logger.Warningf("[%s] automatic rehash for view %d failed: %v", n.self.ID, v.Epoch, err)
			}
		}()
	}
}

// forgetDeparted closes the transports of members that left
func (n *Node) forgetDeparted(v cluster.View) {
	n.known.Range(func(id cluster.NodeID, endpoint string) bool {
		if !v.Contains(id) {
			n.known.Delete(id)
			n.peers.Forget(endpoint)
		}
		return true
	})
	for _, m := range v.Members {
		n.known.Store(m.ID, m.Endpoint)
	}
}

// adoptTable installs t if it is valid and not older than the current table
func (n *Node) adoptTable(t cluster.PartitionTable) bool {
	cur := n.pmap.Table()
	if !t.Valid() || t.Epoch < cur.Epoch {
		return false
	}
	if t.Epoch == cur.Epoch && t.SameAssignment(cur) {
		return false
	}
	n.pmap.SetTable(t, n.View())
	if t.Epoch > n.epochFloor.Load() {
		n.epochFloor.Store(t.Epoch)
	}
	Logger.Infof("[%s] adopted partition table %d", n.self.ID, t.Epoch)
	return true
}

// nextEpoch returns an epoch higher than every epoch this node has seen
func (n *Node) nextEpoch(cur cluster.PartitionTable) uint64 {
	return max(cur.Epoch, n.epochFloor.Load()) + 1
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// opContext bounds ctx with the default timeout if it has no deadline
func (n *Node) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, n.timeout)
}

func (n *Node) rehashTimeout() time.Duration {
	return 6 * n.timeout
}

func (n *Node) ping(ctx context.Context, node cluster.Node) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	_, err := n.call(ctx, node, common.NewPingRequest())
	return err
}
