package gossip

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dCtx/lib/cluster"
	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/memberlist"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("gossip")

// Config configures the gossip listener of a node.
type Config struct {
	// BindAddr and BindPort is the address the gossip protocol listens on.
	// A port of 0 picks a free port.
	BindAddr string
	BindPort int
	// AdvertiseAddr is announced to other members if set (e.g. behind NAT).
	AdvertiseAddr string
	AdvertisePort int
	// Seeds are gossip addresses of existing members to join.
	Seeds []string
}

// Source feeds memberlist membership into a cluster.Membership.
// The local node is announced through the memberlist node metadata, so every
// member learns the role, RPC endpoint and ordinal of every other member.
type Source struct {
	ml         *memberlist.Memberlist
	membership *cluster.Membership
	events     chan memberlist.NodeEvent
	done       chan struct{}
	wg         sync.WaitGroup

	mu    sync.Mutex
	known map[string]cluster.Node
}

// Start creates the memberlist, joins the seeds (if any) and starts forwarding
// join/leave/update events to the membership.
func Start(membership *cluster.Membership, cfg Config) (*Source, error) {
	self := membership.Self()
	meta, err := cbor.Marshal(self)
	if err != nil {
		return nil, fmt.Errorf("encode node meta: %w", err)
	}

	s := &Source{
		membership: membership,
		events:     make(chan memberlist.NodeEvent, 64),
		done:       make(chan struct{}),
		known:      make(map[string]cluster.Node),
	}

	conf := memberlist.DefaultLANConfig()
	conf.Name = string(self.ID)
	if cfg.BindAddr != "" {
		conf.BindAddr = cfg.BindAddr
	}
	conf.BindPort = cfg.BindPort
	conf.AdvertisePort = cfg.BindPort
	if cfg.AdvertiseAddr != "" {
		conf.AdvertiseAddr = cfg.AdvertiseAddr
	}
	if cfg.AdvertisePort != 0 {
		conf.AdvertisePort = cfg.AdvertisePort
	}
	conf.Delegate = &metaDelegate{meta: meta}
	conf.Events = &memberlist.ChannelEventDelegate{Ch: s.events}
	conf.LogOutput = logWriter{}

	ml, err := memberlist.Create(conf)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}
	s.ml = ml

	s.wg.Add(1)
	go s.loop()

	if len(cfg.Seeds) > 0 {
		n, err := ml.Join(cfg.Seeds)
		if err != nil {
			_ = s.Close(0)
			return nil, fmt.Errorf("join %v: %w", cfg.Seeds, err)
		}
		Logger.Infof("joined gossip cluster via %d of %d seeds", n, len(cfg.Seeds))
	}
	return s, nil
}

// Addr returns the gossip address of the local node.
func (s *Source) Addr() string {
	n := s.ml.LocalNode()
	return fmt.Sprintf("%s:%d", n.Addr, n.Port)
}

// Close leaves the gossip cluster (waiting at most timeout for the leave to propagate)
// and stops forwarding events.
func (s *Source) Close(timeout time.Duration) error {
	var err error
	if timeout > 0 {
		err = s.ml.Leave(timeout)
	}
	if shutdownErr := s.ml.Shutdown(); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	close(s.done)
	s.wg.Wait()
	return err
}

// loop applies memberlist events to the membership. Events are handled outside the
// memberlist callbacks, which run while memberlist holds its internal locks.
func (s *Source) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *Source) handle(ev memberlist.NodeEvent) {
	s.mu.Lock()
	switch ev.Event {
	case memberlist.NodeJoin, memberlist.NodeUpdate:
		var n cluster.Node
		if err := cbor.Unmarshal(ev.Node.Meta, &n); err != nil {
			s.mu.Unlock()
			Logger.Warningf("ignoring member %s with invalid meta: %v", ev.Node.Name, err)
			return
		}
		s.known[ev.Node.Name] = n
	case memberlist.NodeLeave:
		delete(s.known, ev.Node.Name)
	}
	members := make([]cluster.Node, 0, len(s.known))
	for _, n := range s.known {
		members = append(members, n)
	}
	s.mu.Unlock()

	s.membership.SetMembers(members)
}

// --------------------------------------------------------------------------
// memberlist plumbing
// --------------------------------------------------------------------------

// metaDelegate only announces the node metadata; user messages and state
// exchange are not used.
type metaDelegate struct {
	meta []byte
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		Logger.Errorf("node meta exceeds memberlist limit (%d > %d)", len(d.meta), limit)
		return nil
	}
	return d.meta
}

func (d *metaDelegate) NotifyMsg([]byte)                           {}
func (d *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *metaDelegate) LocalState(join bool) []byte                { return nil }
func (d *metaDelegate) MergeRemoteState(buf []byte, join bool)     {}

// logWriter routes the memberlist log output into the package logger.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	switch {
	case bytes.Contains(p, []byte("[ERR]")):
		Logger.Errorf("%s", line)
	case bytes.Contains(p, []byte("[WARN]")):
		Logger.Warningf("%s", line)
	default:
		Logger.Debugf("%s", line)
	}
	return len(p), nil
}
