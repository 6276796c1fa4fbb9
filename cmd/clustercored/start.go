package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cuemby/clustercore/pkg/admin"
	"github.com/cuemby/clustercore/pkg/barrier"
	"github.com/cuemby/clustercore/pkg/config"
	"github.com/cuemby/clustercore/pkg/endpoint"
	"github.com/cuemby/clustercore/pkg/events"
	"github.com/cuemby/clustercore/pkg/log"
	"github.com/cuemby/clustercore/pkg/membership"
	"github.com/cuemby/clustercore/pkg/nodetable"
	"github.com/cuemby/clustercore/pkg/portmux"
	"github.com/cuemby/clustercore/pkg/sg"
	"github.com/cuemby/clustercore/pkg/store"
	"github.com/cuemby/clustercore/pkg/tempid"
	"github.com/cuemby/clustercore/pkg/transport"
	"github.com/cuemby/clustercore/pkg/types"
	"github.com/cuemby/clustercore/pkg/wire"
)

// Protocol ports this daemon binds on the shared portmux demux table.
// Port 0 is reserved for control traffic (wire.ControlPort).
const (
	membershipPort uint8 = 1
	sgPort         uint8 = 2
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start this node's clustercore daemon",
	RunE:  runStart,
}

func init() {
	f := startCmd.Flags()
	f.String("config", "", "path to a YAML config file (defaults applied for anything left unset)")
	f.String("node-name", "", "this node's cluster-visible name (required)")
	f.String("cluster-name", "default", "cluster name, matched exactly during JOINREQ handling")
	f.String("bind", "0.0.0.0:5405", "local UDP address used to derive the advertised address (the cluster socket itself listens on --mcast-group's port)")
	f.String("mcast-group", "239.192.52.1:5405", "multicast group used for discovery, HELLO, and other broadcasts")
	f.String("advertise", "", "unicast host:port other nodes should use to reach this node (defaults to the outbound interface address on --bind's port)")
	f.String("admin-addr", "127.0.0.1:5480", "admin HTTP surface bind address")
	f.String("data-dir", "./clustercore-data", "local data directory for the snapshot store")
	f.Bool("two-node", false, "force quorum to 1 (requires external fencing)")
	f.Uint32("votes", 1, "this node's vote count")
	f.Uint32("expected-votes", 1, "cluster-wide expected vote count")
	_ = startCmd.MarkFlagRequired("node-name")
}

func runStart(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	configPath, _ := flags.GetString("config")
	nodeName, _ := flags.GetString("node-name")
	clusterName, _ := flags.GetString("cluster-name")
	bindAddr, _ := flags.GetString("bind")
	mcastAddr, _ := flags.GetString("mcast-group")
	advertise, _ := flags.GetString("advertise")
	adminAddr, _ := flags.GetString("admin-addr")
	dataDir, _ := flags.GetString("data-dir")
	twoNode, _ := flags.GetBool("two-node")
	votes, _ := flags.GetUint32("votes")
	expectedVotes, _ := flags.GetUint32("expected-votes")

	cfg := config.Defaults()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	cfg.NodeName = nodeName
	cfg.ClusterName = clusterName
	cfg.TwoNode = twoNode
	cfg.Votes = votes
	cfg.ExpectedVotes = expectedVotes
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := log.WithComponent("daemon")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	snap, err := store.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer snap.Close()
	if persisted, err := snap.LoadClusterConfig(); err == nil && persisted != nil {
		logger.Info().Uint32("config_version", persisted.ConfigVer).Msg("found persisted cluster config from a previous run")
	}

	mGroup, err := net.ResolveUDPAddr("udp4", mcastAddr)
	if err != nil {
		return fmt.Errorf("resolve mcast-group: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, mGroup)
	if err != nil {
		return fmt.Errorf("listen multicast on %s: %w", mcastAddr, err)
	}
	_ = conn.SetReadBuffer(1 << 20)

	localAddr, err := resolveAdvertiseAddr(bindAddr, advertise, mGroup)
	if err != nil {
		conn.Close()
		return fmt.Errorf("resolve advertise address: %w", err)
	}
	localWire, err := encodeAddr(localAddr)
	if err != nil {
		conn.Close()
		return err
	}

	eps := endpoint.New()
	eps.AddEndpoint(localWire, conn, mGroup)

	peers := newPeerAddrs()
	resolve := func(nodeID int32) (*endpoint.Endpoint, error) {
		addr, ok := peers.get(nodeID)
		if !ok {
			return nil, fmt.Errorf("main: no known address for node %d", nodeID)
		}
		cur, err := eps.Current()
		if err != nil {
			return nil, err
		}
		return &endpoint.Endpoint{Addr: cur.Addr, Conn: cur.Conn, Dest: addr}, nil
	}

	ports := portmux.New()
	tbl := nodetable.New(twoNode)
	tids := tempid.New()
	bar := barrier.NewRegistry()
	ev := events.NewBroker()
	ev.Start()
	defer ev.Stop()

	clusterID := types.FoldClusterName(clusterName)
	tx := transport.New(transport.Config{ClusterID: clusterID}, eps, ports, resolve)

	bar.Broadcast = func(name, memberID string, complete bool, status uint8) {
		var payload []byte
		if complete {
			payload = (&wire.BarrierComplete{Name: name, Status: status}).Encode()
		} else {
			payload = (&wire.BarrierWait{Name: name}).Encode()
		}
		if err := tx.Broadcast(wire.ControlPort, payload, wire.FlagNoAck); err != nil {
			logger.Warn().Err(err).Str("barrier", name).Msg("failed to broadcast barrier message")
		}
	}

	tx.SetSeqObserver(func(peerID int32, lastSent, lastAcked, lastRecv uint16) {
		n, ok := tbl.FindByID(peerID)
		if !ok {
			return
		}
		n.LastSeqSent = lastSent
		n.LastSeqAcked = lastAcked
		n.LastSeqRecv = lastRecv
	})

	mem := membership.New(membership.Config{
		ClusterID:     clusterID,
		ClusterName:   clusterName,
		NodeName:      nodeName,
		Addresses:     []types.Address{localWire},
		Votes:         votes,
		ExpectedVotes: expectedVotes,
		AddressLength: wireAddressLength,
		TwoNode:       twoNode,
		Port:          membershipPort,
		Timers: membership.Timers{
			JoinWaitTimeout:    cfg.JoinWaitTimeout,
			JoinConfTimeout:    cfg.JoinConfTimeout,
			JoinTimeout:        cfg.JoinTimeout,
			HelloTimer:         cfg.HelloTimer,
			DeadNodeTimeout:    cfg.DeadNodeTimeout,
			TransitionTimeout:  cfg.TransitionTimeout,
			TransitionRestarts: cfg.TransitionRestarts,
			NewClusterTimeout:  cfg.NewClusterTimeout,
			MaxNodes:           cfg.MaxNodes,
		},
	}, tx, tbl, tids, bar, ev)

	tx.SetGate(func() (bool, bool) {
		return mem.Quorate(), mem.InTransition()
	})
	tx.SetControlHandler(mem)

	if err := mem.Bind(ports); err != nil {
		conn.Close()
		return fmt.Errorf("bind membership port: %w", err)
	}

	if cfg.QuorumDeviceVotes > 0 {
		mem.RegisterQuorumDevice(cfg.QuorumDeviceVotes)
		logger.Info().Uint32("votes", cfg.QuorumDeviceVotes).Msg("quorum device registered")
	}

	sgEng := sg.NewEngine(sg.EngineConfig{
		Port:      sgPort,
		LocalNode: mem.LocalID,
	}, tx, tbl, bar)
	if err := sgEng.Bind(ports); err != nil {
		conn.Close()
		return fmt.Errorf("bind sg port: %w", err)
	}

	// A node declared dead by membership's heartbeat scan also needs its
	// service groups recovered; rather than importing sg from membership
	// (which would invert the two packages' layering), membership only
	// publishes the event and this wiring bridges it to the SG engine.
	deathSub := ev.Subscribe()
	go func() {
		for e := range deathSub {
			if e.Type != events.TypeMemberDown {
				continue
			}
			idStr, ok := e.Metadata["node_id"]
			if !ok {
				continue
			}
			id, err := strconv.Atoi(idStr)
			if err != nil {
				continue
			}
			sgEng.NodeFailed(int32(id))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tx.Start(ctx)
	sgEng.Start()
	mem.Start(ctx, ipToUint32(localAddr.IP))

	go readLoop(conn, tx, peers, logger)

	adminSrv := admin.New(mem, sgEng, bar)
	adminErrCh := make(chan error, 1)
	go func() {
		if err := adminSrv.Start(adminAddr); err != nil && err != http.ErrServerClosed {
			adminErrCh <- err
		}
	}()

	logger.Info().
		Str("node_name", nodeName).
		Str("cluster_name", clusterName).
		Str("bind", bindAddr).
		Str("advertise", localAddr.String()).
		Str("mcast_group", mcastAddr).
		Str("admin_addr", adminAddr).
		Msg("clustercored started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-adminErrCh:
		logger.Error().Err(err).Msg("admin server failed")
	}

	cancel()
	_ = adminSrv.Stop()
	sgEng.Stop()
	mem.Stop()
	tx.Stop()
	ev.Unsubscribe(deathSub)

	_ = snap.SaveClusterConfig(&store.ClusterConfig{
		ClusterID:   clusterID,
		ClusterName: clusterName,
		ConfigVer:   mem.Generation(),
	})
	for _, n := range mem.NodeTable().All() {
		_ = snap.SaveNode(n)
	}

	_ = eps.Close()
	logger.Info().Msg("clustercored stopped")
	return nil
}

// readLoop reads datagrams off the bound socket, records the sender's
// address against its claimed node id for resolve's benefit, and hands
// the raw datagram to the transport layer. It returns once conn is closed
// by the shutdown path.
func readLoop(conn *net.UDPConn, tx *transport.Transport, peers *peerAddrs, logger zerolog.Logger) {
	buf := make([]byte, 65536)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])

		if h, _, decErr := wire.DecodeHeader(raw); decErr == nil && h.SrcID != 0 {
			peers.observe(h.SrcID, from)
		}
		if err := tx.Deliver(raw, from.String()); err != nil {
			logger.Debug().Err(err).Str("from", from.String()).Msg("dropped malformed datagram")
		}
	}
}
