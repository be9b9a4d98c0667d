package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dCtx/cmd/util"
	"github.com/ValentinKolb/dCtx/lib/cluster/gossip"
	"github.com/ValentinKolb/dCtx/lib/persist"
	"github.com/ValentinKolb/dCtx/lib/sharedctx"
	"github.com/ValentinKolb/dCtx/rpc/client"
	"github.com/ValentinKolb/dCtx/rpc/common"
	"github.com/ValentinKolb/dCtx/rpc/serializer"
	"github.com/ValentinKolb/dCtx/rpc/server"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Logger = logger.GetLogger("serve")

var (
	serveCmdConfig = &common.NodeConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a dCtx node",
		Long:    `Start a dCtx node with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DCTX_<flag> (e.g. DCTX_TIMEOUT=15)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// add flags
	key := "node-id"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Unique id of this node (e.g. 'node-1')"))

	key = "role"
	ServeCmd.PersistentFlags().String(key, "server", cmdUtil.WrapString("Role of this node: server nodes own partitions, client nodes only route requests and cache reads"))

	key = "ordinal"
	ServeCmd.PersistentFlags().Uint64(key, 0, cmdUtil.WrapString("Ordinal of this node. Servers are ordered by (ordinal, id), the first server is the coordinator"))

	key = "context"
	ServeCmd.PersistentFlags().String(key, "default", cmdUtil.WrapString("Name of the shared context served by this node"))

	key = "member"
	ServeCmd.PersistentFlags().StringArray(key, nil, cmdUtil.WrapString("A member of the static member list in the form id=endpoint[,role[,ordinal]]. Can be given multiple times. The node itself is added if it is not listed"))

	key = "partitions"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Number of partitions. 0 uses one partition per server and follows the number of servers"))

	key = "seed"
	ServeCmd.PersistentFlags().Uint64(key, 0, cmdUtil.WrapString("Seed of the key hash, must be the same on all nodes"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("Default timeout in seconds of blocking operations"))

	key = "connect-timeout"
	ServeCmd.PersistentFlags().Int64(key, 30, cmdUtil.WrapString("How long in seconds a starting node waits for its peers"))

	key = "wait-for-all"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Wait for every member of the static member list instead of the coordinator only"))

	key = "rehash"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Migrate keys when the partition table changes. If disabled, a new table is installed directly and keys of moved partitions are lost"))

	key = "auto-rehash"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Start a rehash on the coordinator whenever the members change (requires --rehash)"))

	key = "migration-batch"
	ServeCmd.PersistentFlags().Int(key, sharedctx.DefaultMigrationBatchSize, cmdUtil.WrapString("Number of keys moved per migration batch"))

	key = "migration-rate"
	ServeCmd.PersistentFlags().Float64(key, 0, cmdUtil.WrapString("Maximum migration batches per second, 0 means unlimited"))

	key = "cache-size"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Number of entries in the read cache of client nodes, 0 disables the cache"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Directory of the rehash journal and the persisted entries. Empty keeps everything in memory"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the node will listen (e.g. localhost:8080, /tmp/dctx.sock, ...)"))

	key = "advertise"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("The endpoint other nodes use to reach this node. Defaults to --endpoint"))

	key = "workers-per-conn"
	ServeCmd.PersistentFlags().Int(key, 100, cmdUtil.WrapString("Maximum number of requests processed concurrently per connection"))

	key = "buffer-size"
	ServeCmd.PersistentFlags().Int(key, 512, cmdUtil.WrapString("The size of the read and write buffers of each connection (in KB, ignored for http)"))

	key = "gossip-bind"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address of the gossip listener. If set, members are discovered via gossip in addition to the static member list"))

	key = "gossip-port"
	ServeCmd.PersistentFlags().Int(key, 7946, cmdUtil.WrapString("Port of the gossip listener"))

	key = "gossip-advertise"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address announced to other gossip members (host or host:port)"))

	key = "gossip-seeds"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated gossip addresses of existing members to join"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address of the prometheus metrics endpoint (e.g. :9090). Empty disables it"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	key = "log-format"
	ServeCmd.PersistentFlags().String(key, "console", cmdUtil.WrapString("Format of the log output (console, json)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the node configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serveCmdConfig.NodeID = viper.GetString("node-id")
	if serveCmdConfig.NodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("node-id is required: %v", err)
		}
		serveCmdConfig.NodeID = host
	}
	serveCmdConfig.Role = viper.GetString("role")
	serveCmdConfig.Ordinal = viper.GetUint64("ordinal")
	serveCmdConfig.ContextName = viper.GetString("context")
	serveCmdConfig.PartitionCount = viper.GetInt("partitions")
	serveCmdConfig.Seed = viper.GetUint64("seed")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.ConnectTimeoutSecond = viper.GetInt64("connect-timeout")
	serveCmdConfig.WaitForAll = viper.GetBool("wait-for-all")
	serveCmdConfig.RehashEnabled = viper.GetBool("rehash")
	serveCmdConfig.AutoRehash = viper.GetBool("auto-rehash")
	serveCmdConfig.MigrationBatchSize = viper.GetInt("migration-batch")
	serveCmdConfig.MigrationRate = viper.GetFloat64("migration-rate")
	serveCmdConfig.CacheSize = viper.GetInt("cache-size")
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.TransportType = viper.GetString("transport")
	serveCmdConfig.SerializerType = viper.GetString("serializer")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	serveCmdConfig.LogFormat = viper.GetString("log-format")

	bufferSize := viper.GetInt("buffer-size") * 1024
	serveCmdConfig.Transport = common.ServerTransportConfig{
		Endpoint:       viper.GetString("endpoint"),
		WorkersPerConn: viper.GetInt("workers-per-conn"),
		BufferSize:     bufferSize,
		SocketConf: common.SocketConf{
			WriteBufferSize: bufferSize,
			ReadBufferSize:  bufferSize,
		},
		TCPConf: common.TCPConf{TCPNoDelay: true},
	}

	// parse the gossip configuration
	if bind := viper.GetString("gossip-bind"); bind != "" {
		serveCmdConfig.Gossip = common.GossipConfig{
			BindAddr:  bind,
			BindPort:  viper.GetInt("gossip-port"),
			Advertise: viper.GetString("gossip-advertise"),
		}
		if seeds := viper.GetString("gossip-seeds"); seeds != "" {
			serveCmdConfig.Gossip.Seeds = strings.Split(seeds, ",")
		}
	}

	// parse the static member list, the node itself is always a member
	advertise := viper.GetString("advertise")
	if advertise == "" {
		advertise = serveCmdConfig.Transport.Endpoint
	}
	serveCmdConfig.Members = nil
	self := false
	for _, raw := range viper.GetStringSlice("member") {
		m, err := common.ParseMember(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		if m.ID == serveCmdConfig.NodeID {
			self = true
			if m.Endpoint != advertise {
				Logger.Warningf("member entry of %s names endpoint %s, advertising %s", m.ID, m.Endpoint, advertise)
			}
			m = common.MemberConfig{ID: m.ID, Role: serveCmdConfig.Role, Endpoint: advertise, Ordinal: serveCmdConfig.Ordinal}
		}
		serveCmdConfig.Members = append(serveCmdConfig.Members, m)
	}
	if !self {
		serveCmdConfig.Members = append(serveCmdConfig.Members, common.MemberConfig{
			ID:       serveCmdConfig.NodeID,
			Role:     serveCmdConfig.Role,
			Endpoint: advertise,
			Ordinal:  serveCmdConfig.Ordinal,
		})
	}

	return serveCmdConfig.Validate()
}

// run starts the node and blocks until it receives SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	cfg := *serveCmdConfig
	if err := common.InitLoggers(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}
	fmt.Print(cfg.String())

	s, err := serializer.ByName(cfg.SerializerType)
	if err != nil {
		return err
	}
	factory, err := client.TransportByName(cfg.TransportType)
	if err != nil {
		return err
	}
	t, err := client.ServerTransportByName(cfg.TransportType)
	if err != nil {
		return err
	}

	node, err := sharedctx.NewNode(cfg, sharedctx.WithTransport(factory), sharedctx.WithSerializer(s))
	if err != nil {
		return err
	}
	defer node.Close()

	srv := server.NewRPCServer(cfg.Transport, t, s)
	if err := srv.Register(cfg.ContextName, node); err != nil {
		return err
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve()
	}()
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// gossip only adds to the static member list
	if cfg.Gossip.Enabled() {
		src, err := gossip.Start(node.Membership(), gossipConfig(cfg.Gossip))
		if err != nil {
			return err
		}
		defer func() {
			if err := src.Close(cfg.Timeout()); err != nil {
				Logger.Warningf("leaving gossip failed: %v", err)
			}
		}()
		Logger.Infof("gossip listening on %s", src.Addr())
	}

	if cfg.MetricsEndpoint != "" {
		ms := startMetrics(cfg.MetricsEndpoint)
		defer ms.Close()
	}

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	// entries persisted by the previous run are loaded once the table is known
	var entries *persist.Bolt
	if cfg.DataDir != "" && cfg.Role == "server" {
		if entries, err = persist.OpenBolt(filepath.Join(cfg.DataDir, cfg.ContextName+".db")); err != nil {
			return err
		}
		defer entries.Close()
		if _, err := node.Load(ctx, entries); err != nil {
			Logger.Errorf("loading persisted entries failed: %v", err)
		}
	}

	Logger.Infof("node %s serves context %q on %s", cfg.NodeID, cfg.ContextName, cfg.Transport.Endpoint)

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	Logger.Infof("shutting down")

	if entries != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout())
		defer cancel()
		if err := node.Save(saveCtx, entries); err != nil {
			Logger.Errorf("saving entries failed: %v", err)
		}
	}
	return nil
}

func gossipConfig(g common.GossipConfig) gossip.Config {
	cfg := gossip.Config{
		BindAddr: g.BindAddr,
		BindPort: g.BindPort,
		Seeds:    g.Seeds,
	}
	if g.Advertise != "" {
		host, port, err := net.SplitHostPort(g.Advertise)
		if err != nil {
			cfg.AdvertiseAddr = g.Advertise
			return cfg
		}
		cfg.AdvertiseAddr = host
		cfg.AdvertisePort, _ = strconv.Atoi(port)
	}
	return cfg
}

// startMetrics serves the prometheus metrics of the process on addr
func startMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	ms := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("metrics endpoint on %s failed: %v", addr, err)
		}
	}()
	Logger.Infof("metrics available on %s/metrics", addr)
	return ms
}
