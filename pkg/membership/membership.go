// Package membership implements the master-driven node membership state
// machine: startup discovery, the join protocol, the
// transition protocol that admits or removes nodes under a single
// coordinating master, heartbeats and dead-node detection, and leave/kill/
// reconfiguration handling.
package membership

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/clustercore/pkg/barrier"
	"github.com/cuemby/clustercore/pkg/events"
	"github.com/cuemby/clustercore/pkg/log"
	"github.com/cuemby/clustercore/pkg/metrics"
	"github.com/cuemby/clustercore/pkg/nodetable"
	"github.com/cuemby/clustercore/pkg/portmux"
	"github.com/cuemby/clustercore/pkg/tempid"
	"github.com/cuemby/clustercore/pkg/types"
	"github.com/cuemby/clustercore/pkg/wire"
)

// State is a membership lifecycle state.
type State int

const (
	StateStarting State = iota
	StateNewCluster
	StateJoining
	StateJoinWait
	StateJoinAck
	StateTransition
	StateTransitionComplete
	StateMember
	StateMaster // side-state: MEMBER driving a transition
	StateRejected
	StateLeftCluster
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateNewCluster:
		return "NEWCLUSTER"
	case StateJoining:
		return "JOINING"
	case StateJoinWait:
		return "JOINWAIT"
	case StateJoinAck:
		return "JOINACK"
	case StateTransition:
		return "TRANSITION"
	case StateTransitionComplete:
		return "TRANSITION_COMPLETE"
	case StateMember:
		return "MEMBER"
	case StateMaster:
		return "MASTER"
	case StateRejected:
		return "REJECTED"
	case StateLeftCluster:
		return "LEFT_CLUSTER"
	default:
		return "UNKNOWN"
	}
}

// MasterPhase subdivides StateMaster while a transition is in flight.
type MasterPhase int

const (
	MasterStart MasterPhase = iota
	MasterCollect
	MasterConfirm
	MasterComplete
)

// Sender is the subset of *transport.Transport membership depends on,
// narrowed so tests can supply a fake.
type Sender interface {
	Send(tgtID int32, port uint8, payload []byte, flags wire.Flags) error
	Broadcast(port uint8, payload []byte, flags wire.Flags) error
	Ack(peerID int32, seq uint16)
	ForgetPeer(id int32)
	SetLocalID(id int32)
}

// Timers groups the configurable durations driving the state machine.
type Timers struct {
	JoinWaitTimeout    time.Duration
	JoinConfTimeout    time.Duration
	JoinTimeout        time.Duration
	HelloTimer         time.Duration
	DeadNodeTimeout    time.Duration
	TransitionTimeout  time.Duration
	TransitionRestarts int
	NewClusterTimeout  time.Duration
	MaxNodes           int
}

// Config configures a Machine.
type Config struct {
	ClusterID     uint16
	ClusterName   string
	NodeName      string
	Addresses     []types.Address
	Votes         uint32
	ExpectedVotes uint32
	AddressLength int
	TwoNode       bool
	Timers        Timers
	Port          uint8 // membership protocol's bound port
}

// Machine is the membership state machine for one node.
type Machine struct {
	cfg  Config
	tx   Sender
	tbl  *nodetable.Table
	tids *tempid.Allocator
	bar  *barrier.Registry
	ev   *events.Broker
	log  zerolog.Logger

	mu            sync.Mutex
	state         State
	generation    uint32
	localID       int32
	masterID      int32
	masterPhase   MasterPhase
	configVer     uint32
	joinMaster    int32
	joinSentAt    time.Time
	transition    *transitionCtx   // non-nil only while StateMaster
	slaveTrans    *slaveTransCtx   // non-nil only while StateTransition
	joinConfNodes []*wire.NodeDesc // accumulates JOINCONF fragments until First..Last is complete
	lowIP         uint32

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Machine. tbl, tids, bar are owned by the caller and
// shared with the rest of the node's components.
func New(cfg Config, tx Sender, tbl *nodetable.Table, tids *tempid.Allocator, bar *barrier.Registry, ev *events.Broker) *Machine {
	return &Machine{
		cfg:      cfg,
		tx:       tx,
		tbl:      tbl,
		tids:     tids,
		bar:      bar,
		ev:       ev,
		log:      log.WithComponent("membership"),
		state:    StateStarting,
		masterID: 0,
		stopCh:   make(chan struct{}),
	}
}

// State returns the machine's current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LocalID returns this node's assigned id, or 0 before one has been
// assigned.
func (m *Machine) LocalID() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localID
}

// Generation returns the current membership generation.
func (m *Machine) Generation() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// NodeTable returns the shared node table backing this machine, for
// callers (such as the admin HTTP surface) that need read-only access to
// the current membership view.
func (m *Machine) NodeTable() *nodetable.Table {
	return m.tbl
}

// RegisterQuorumDevice installs a pseudo member that contributes votes to
// quorum for as long as QuorumDeviceHeartbeat keeps arriving.
func (m *Machine) RegisterQuorumDevice(votes uint32) {
	m.tbl.RegisterQuorumDevice(votes)
	m.mu.Lock()
	m.recalcQuorum(true)
	m.mu.Unlock()
}

// QuorumDeviceHeartbeat records a good heartbeat from the registered
// quorum device.
func (m *Machine) QuorumDeviceHeartbeat() {
	m.tbl.QuorumDeviceHeartbeat()
}

func (m *Machine) setState(s State) {
	m.log.Info().Str("from", m.state.String()).Str("to", s.String()).Msg("membership state transition")
	m.state = s
}

// Start begins the startup/join discovery sequence and background
// heartbeat/dead-node-scan loops.
func (m *Machine) Start(ctx context.Context, lowIP uint32) {
	m.mu.Lock()
	m.lowIP = lowIP
	m.mu.Unlock()

	m.wg.Add(1)
	go m.discoveryLoop(ctx)
}

// Stop halts all background loops.
func (m *Machine) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Bind registers this machine's message handler on the membership port.
func (m *Machine) Bind(ports *portmux.Table) error {
	return ports.Bind(m.cfg.Port, portmux.HandlerFunc(m.deliver))
}

func (m *Machine) deliver(d *portmux.Delivery) {
	cmd, err := wire.PeekMembershipCmd(d.Payload)
	if err != nil {
		m.log.Warn().Err(err).Msg("short membership payload")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch cmd {
	case wire.CmdJoinReq:
		m.handleJoinReq(d)
	case wire.CmdJoinAck:
		m.handleJoinAck(d)
	case wire.CmdJoinRej:
		m.handleJoinRej(d)
	case wire.CmdHello:
		m.handleHello(d)
	case wire.CmdLeave:
		m.handleLeave(d)
	case wire.CmdKill:
		m.handleKill(d)
	case wire.CmdStartTrans:
		m.handleStartTrans(d)
	case wire.CmdStartAck:
		m.handleStartAck(d)
	case wire.CmdMasterView:
		m.handleMasterView(d)
	case wire.CmdViewAck:
		m.handleViewAck(d)
	case wire.CmdJoinConf:
		m.handleJoinConf(d)
	case wire.CmdConfAck:
		m.handleConfAck(d)
	case wire.CmdEndTrans:
		m.handleEndTrans(d)
	case wire.CmdReconfig:
		m.handleReconfig(d)
	case wire.CmdNewCluster:
		m.handleNewCluster(d)
	case wire.CmdNominate:
		m.handleNominate(d)
	default:
		m.log.Warn().Uint8("cmd", uint8(cmd)).Msg("unrecognized membership command")
	}
}

func (m *Machine) quorate() bool {
	return m.tbl.Quorate()
}

// Quorate reports whether the cluster currently holds quorum.
func (m *Machine) Quorate() bool {
	return m.tbl.Quorate()
}

// InTransition reports whether this node is currently driving or
// undergoing a membership transition (StateMaster or StateTransition).
func (m *Machine) InTransition() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateMaster || m.state == StateTransition
}

// Leave voluntarily removes this node from the cluster: it announces a
// LEAVE to the rest of the membership and stops its own background
// loops. Unlike handleKill (which reacts to a KILL received from a
// peer), this is the local node choosing to depart.
func (m *Machine) Leave() error {
	m.mu.Lock()
	if m.state != StateMember && m.state != StateMaster {
		m.mu.Unlock()
		return unexpectedState("leave", m.state)
	}
	leave := &wire.Leave{Reason: byte(types.LeaveReasonAdmin)}
	m.tx.Broadcast(m.cfg.Port, leave.Encode(), wire.FlagNoAck)
	m.setState(StateLeftCluster)
	m.mu.Unlock()
	go m.Stop()
	return nil
}

// KillNode evicts a peer from the cluster by sending it a KILL, the same
// message handleKill reacts to on the receiving end. The caller is
// responsible for confirming the node actually leaves (it is expected to
// stop its own loops and fall silent; a master will notice it go quiet
// and reap it via the usual dead-node path if it doesn't).
func (m *Machine) KillNode(nodeID int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateMember && m.state != StateMaster {
		return unexpectedState("kill", m.state)
	}
	if _, ok := m.tbl.FindByID(nodeID); !ok {
		return fmt.Errorf("membership: kill: unknown node id %d", nodeID)
	}
	kill := &wire.Kill{Reason: byte(types.LeaveReasonKilled)}
	return m.tx.Send(nodeID, m.cfg.Port, kill.Encode(), 0)
}

// HandleBarrierWait and HandleBarrierComplete satisfy transport.ControlHandler,
// letting the transport layer hand BARRIER control-port traffic straight to
// the barrier registry this machine already owns, without barrier needing
// any wire/transport dependency of its own.

// HandleBarrierWait records a peer's arrival at a barrier, as reported by
// a BARRIER_WAIT control message. The wire message carries only the
// barrier name; srcID (from the datagram header) identifies the arriving
// node, resolved here to the name it registers barrier waits under
// locally so remote and local arrivals share one identity space.
func (m *Machine) HandleBarrierWait(name string, srcID int32) {
	if m.bar == nil {
		return
	}
	memberID := strconv.Itoa(int(srcID))
	if n, ok := m.tbl.FindByID(srcID); ok && n.Name != "" {
		memberID = n.Name
	}
	m.bar.Observe(name, memberID)
}

// HandleBarrierComplete releases this node's local waiters on a barrier,
// as reported by a BARRIER_COMPLETE control message from whichever node
// observed the last arrival.
func (m *Machine) HandleBarrierComplete(name string, status uint8) {
	if m.bar == nil {
		return
	}
	m.bar.Complete(name, status)
}

func (m *Machine) publish(t events.Type, msg string, kv map[string]string) {
	if m.ev == nil {
		return
	}
	m.ev.Publish(&events.Event{Type: t, Timestamp: time.Now(), Message: msg, Metadata: kv})
}

// recalcQuorum recomputes and republishes the cluster's quorum value.
// allowDecrease must be true only for an explicit reconfiguration (a
// changed expected-votes or node-votes value, a newly registered quorum
// device);
// everywhere else quorum is floored to its previous value, matching the
// monotonic-non-decrease expectation a routine membership change (a node
// leaving, a transition completing) must not violate on its own.
func (m *Machine) recalcQuorum(allowDecrease bool) {
	q := m.tbl.RecalculateQuorum(allowDecrease)
	metrics.Quorum.Set(float64(q))
	quorate := m.tbl.Quorate()
	if quorate {
		metrics.Quorate.Set(1)
	} else {
		metrics.Quorate.Set(0)
	}
	metrics.ClusterMembers.Set(float64(len(m.tbl.Members())))
}

func unexpectedState(op string, s State) error {
	return fmt.Errorf("membership: %s: unexpected in state %s", op, s)
}
