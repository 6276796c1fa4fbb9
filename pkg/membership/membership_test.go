package membership

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/clustercore/pkg/barrier"
	"github.com/cuemby/clustercore/pkg/events"
	"github.com/cuemby/clustercore/pkg/nodetable"
	"github.com/cuemby/clustercore/pkg/portmux"
	"github.com/cuemby/clustercore/pkg/tempid"
	"github.com/cuemby/clustercore/pkg/types"
	"github.com/cuemby/clustercore/pkg/wire"
)

// fakeSender records every outbound call instead of touching the network.
type fakeSender struct {
	mu         sync.Mutex
	sent       []sentCall
	localID    int32
	forgotten  []int32
}

type sentCall struct {
	tgt       int32
	broadcast bool
	payload   []byte
}

func (f *fakeSender) Send(tgtID int32, port uint8, payload []byte, flags wire.Flags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentCall{tgt: tgtID, payload: payload})
	return nil
}

func (f *fakeSender) Broadcast(port uint8, payload []byte, flags wire.Flags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentCall{broadcast: true, payload: payload})
	return nil
}

func (f *fakeSender) Ack(peerID int32, seq uint16) {}

func (f *fakeSender) ForgetPeer(id int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, id)
}

func (f *fakeSender) SetLocalID(id int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localID = id
}

func (f *fakeSender) lastPayload() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1].payload
}

func testTimers() Timers {
	return Timers{
		JoinWaitTimeout:    time.Second,
		JoinConfTimeout:    time.Second,
		JoinTimeout:        time.Second,
		HelloTimer:         time.Hour, // quiet during tests unless exercised directly
		DeadNodeTimeout:    time.Hour,
		TransitionTimeout:  time.Second,
		TransitionRestarts: 3,
		NewClusterTimeout:  time.Hour,
		MaxNodes:           16,
	}
}

func newTestMachine() (*Machine, *fakeSender) {
	tx := &fakeSender{}
	tbl := nodetable.New(false)
	tids := tempid.New()
	bar := barrier.NewRegistry()
	ev := events.NewBroker()
	m := New(Config{
		ClusterID:     1,
		ClusterName:   "testcluster",
		NodeName:      "node-a",
		Addresses:     []types.Address{},
		Votes:         1,
		ExpectedVotes: 1,
		AddressLength: 8,
		Port:          1,
		Timers:        testTimers(),
	}, tx, tbl, tids, bar, ev)
	return m, tx
}

func TestNewMachineStartsInStarting(t *testing.T) {
	m, _ := newTestMachine()
	assert.Equal(t, StateStarting, m.State())
}

func TestFormNewClusterAssignsLocalIDOneAndBecomesMember(t *testing.T) {
	m, tx := newTestMachine()
	m.mu.Lock()
	m.formNewCluster()
	m.mu.Unlock()
	defer m.Stop()

	assert.Equal(t, StateMember, m.State())
	assert.Equal(t, int32(1), m.LocalID())
	assert.Equal(t, uint32(1), m.Generation())

	tx.mu.Lock()
	defer tx.mu.Unlock()
	assert.Equal(t, int32(1), tx.localID, "SetLocalID must propagate to the transport")
	require.Len(t, tx.sent, 1, "forming a cluster announces itself with one HELLO")
	assert.True(t, tx.sent[0].broadcast)
}

func TestFormNewClusterIsQuorateAloneWithOneVote(t *testing.T) {
	m, _ := newTestMachine()
	m.mu.Lock()
	m.formNewCluster()
	m.mu.Unlock()
	defer m.Stop()

	assert.True(t, m.quorate())
}

func TestDiscoveryLoopFormsNewClusterOnTimeout(t *testing.T) {
	m, _ := newTestMachine()
	m.cfg.Timers.NewClusterTimeout = 10 * time.Millisecond

	m.Start(context.Background(), 0)
	defer m.Stop()

	require.Eventually(t, func() bool {
		return m.State() == StateMember
	}, time.Second, 5*time.Millisecond)
}

func TestHandleHelloInStartingStateSendsJoinReq(t *testing.T) {
	m, tx := newTestMachine()
	m.mu.Lock()
	m.setState(StateStarting)
	hello := &wire.Hello{FlagMaster: true, Members: 1, Generation: 1}
	m.handleHello(&portmux.Delivery{Header: &wire.Header{SrcID: 5}, Payload: hello.Encode()})
	m.mu.Unlock()

	assert.Equal(t, StateJoinWait, m.State())
	assert.Equal(t, int32(5), m.joinMaster)
	tx.mu.Lock()
	defer tx.mu.Unlock()
	require.Len(t, tx.sent, 1)
	assert.Equal(t, int32(5), tx.sent[0].tgt)
}

func TestHandleJoinAckOKAdvancesToJoinAck(t *testing.T) {
	m, _ := newTestMachine()
	m.mu.Lock()
	m.setState(StateJoinWait)
	ack := &wire.JoinAck{Status: wire.JoinAckOK}
	m.handleJoinAck(&portmux.Delivery{Header: &wire.Header{SrcID: 1}, Payload: ack.Encode()})
	m.mu.Unlock()
	assert.Equal(t, StateJoinAck, m.State())
}

func TestHandleJoinAckNAKSetsRejected(t *testing.T) {
	m, _ := newTestMachine()
	m.mu.Lock()
	m.setState(StateJoinWait)
	ack := &wire.JoinAck{Status: wire.JoinAckNAK}
	m.handleJoinAck(&portmux.Delivery{Header: &wire.Header{SrcID: 1}, Payload: ack.Encode()})
	m.mu.Unlock()
	assert.Equal(t, StateRejected, m.State())
}

func TestHandleJoinAckIgnoredOutsideJoinWait(t *testing.T) {
	m, _ := newTestMachine()
	m.mu.Lock()
	m.setState(StateMember)
	ack := &wire.JoinAck{Status: wire.JoinAckNAK}
	m.handleJoinAck(&portmux.Delivery{Header: &wire.Header{SrcID: 1}, Payload: ack.Encode()})
	m.mu.Unlock()
	assert.Equal(t, StateMember, m.State(), "a stray JOINACK must not move a settled member")
}

func TestHandleJoinReqRejectsOnClusterNameMismatch(t *testing.T) {
	m, tx := newTestMachine()
	m.mu.Lock()
	m.formNewCluster()
	m.mu.Unlock()
	defer m.Stop()

	req := &wire.JoinReq{ClusterName: "other", ConfigVersion: m.configVer, AddressLength: 8}
	m.mu.Lock()
	m.handleJoinReq(&portmux.Delivery{Header: &wire.Header{SrcID: -1}, Payload: req.Encode()})
	m.mu.Unlock()

	rej, err := wire.DecodeJoinRej(tx.lastPayload())
	require.NoError(t, err)
	assert.Equal(t, "cluster name mismatch", rej.Reason)
}

func TestHandleJoinReqFromNonMasterIsIgnored(t *testing.T) {
	m, tx := newTestMachine()
	m.mu.Lock()
	m.setState(StateJoining)
	req := &wire.JoinReq{ClusterName: "testcluster", AddressLength: 8}
	m.handleJoinReq(&portmux.Delivery{Header: &wire.Header{SrcID: -1}, Payload: req.Encode()})
	m.mu.Unlock()

	tx.mu.Lock()
	defer tx.mu.Unlock()
	assert.Empty(t, tx.sent, "a node that is not itself MEMBER/MASTER must not respond to JOINREQ")
}

func TestObserveHelloUpdatesLastHello(t *testing.T) {
	m, _ := newTestMachine()
	m.mu.Lock()
	m.formNewCluster()
	m.mu.Unlock()
	defer m.Stop()

	n, ok := m.tbl.FindByID(1)
	require.True(t, ok)
	before := n.LastHello

	time.Sleep(2 * time.Millisecond)
	m.mu.Lock()
	m.observeHello(1, &wire.Hello{Generation: m.generation, Members: 1})
	m.mu.Unlock()

	n, ok = m.tbl.FindByID(1)
	require.True(t, ok)
	assert.True(t, n.LastHello.After(before))
}

func TestObserveHelloGenerationMismatchSendsKill(t *testing.T) {
	m, tx := newTestMachine()
	m.mu.Lock()
	m.formNewCluster()
	m.observeHello(1, &wire.Hello{Generation: m.generation + 1, Members: 1})
	m.mu.Unlock()
	defer m.Stop()

	_, err := wire.DecodeKill(tx.lastPayload())
	assert.NoError(t, err, "a generation mismatch must provoke a KILL")
}

func TestScanDeadDeclaresDeadAndForgetsPeer(t *testing.T) {
	m, tx := newTestMachine()
	m.mu.Lock()
	m.formNewCluster()
	m.mu.Unlock()
	defer m.Stop()

	m.tbl.Put(&types.Node{NodeID: 2, Name: "node-b", State: types.NodeMember})
	if n, ok := m.tbl.FindByID(2); ok {
		n.LastHello = time.Now().Add(-time.Hour)
	}
	m.cfg.Timers.DeadNodeTimeout = time.Minute

	m.mu.Lock()
	m.scanDead()
	m.mu.Unlock()

	n, ok := m.tbl.FindByID(2)
	require.True(t, ok)
	assert.Equal(t, types.NodeDead, n.State)

	tx.mu.Lock()
	defer tx.mu.Unlock()
	assert.Contains(t, tx.forgotten, int32(2))
}

func TestHandleKillTransitionsToLeftCluster(t *testing.T) {
	m, _ := newTestMachine()
	m.mu.Lock()
	m.formNewCluster()
	kill := &wire.Kill{Reason: 1}
	m.handleKill(&portmux.Delivery{Header: &wire.Header{SrcID: 1}, Payload: kill.Encode()})
	m.mu.Unlock()

	require.Eventually(t, func() bool {
		return m.State() == StateLeftCluster
	}, time.Second, 5*time.Millisecond)
}

func TestRegisterQuorumDeviceContributesVotes(t *testing.T) {
	m, _ := newTestMachine()
	// A higher expected-votes count than the lone member's own vote makes
	// it genuinely inquorate until the device's vote is added.
	m.cfg.ExpectedVotes = 3
	m.mu.Lock()
	m.formNewCluster()
	m.mu.Unlock()
	defer m.Stop()

	assert.False(t, m.tbl.Quorate(), "a lone voter below quorum is inquorate")

	m.RegisterQuorumDevice(1)
	assert.True(t, m.tbl.Quorate(), "the quorum device's vote should restore quorum")
}

func TestScanDeadDeclaresQuorumDeviceDeadAfterTimeout(t *testing.T) {
	m, _ := newTestMachine()
	m.cfg.ExpectedVotes = 3
	m.mu.Lock()
	m.formNewCluster()
	m.mu.Unlock()
	defer m.Stop()

	m.RegisterQuorumDevice(1)
	require.True(t, m.tbl.Quorate())

	// A zero timeout makes any elapsed time count as stale, so scanDead
	// declares the device dead on its very first pass without sleeping.
	m.cfg.Timers.DeadNodeTimeout = 0

	m.mu.Lock()
	m.scanDead()
	m.mu.Unlock()

	assert.True(t, m.tbl.HasQuorumDevice(), "device stays registered, just no longer alive")
	assert.False(t, m.tbl.Quorate(), "a dead quorum device must stop contributing votes")
}

func TestQuorateReflectsNodeTable(t *testing.T) {
	m, _ := newTestMachine()
	m.mu.Lock()
	m.formNewCluster()
	m.mu.Unlock()
	defer m.Stop()

	assert.True(t, m.Quorate())
}

func TestInTransitionTrueOnlyInMasterOrTransitionState(t *testing.T) {
	m, _ := newTestMachine()
	defer m.Stop()

	assert.False(t, m.InTransition(), "StateStarting is not a transition")

	m.mu.Lock()
	m.setState(StateMaster)
	m.mu.Unlock()
	assert.True(t, m.InTransition())

	m.mu.Lock()
	m.setState(StateTransition)
	m.mu.Unlock()
	assert.True(t, m.InTransition())

	m.mu.Lock()
	m.setState(StateMember)
	m.mu.Unlock()
	assert.False(t, m.InTransition())
}

func TestMaybeElectSelfSkipsWhenNotLowestID(t *testing.T) {
	m, tx := newTestMachine()
	m.mu.Lock()
	m.formNewCluster()
	m.mu.Unlock()
	defer m.Stop()

	m.tbl.Put(&types.Node{NodeID: 0, Name: "node-lower", State: types.NodeMember}) // NodeID 0 < localID 1

	before := len(tx.sent)
	m.mu.Lock()
	m.maybeElectSelf(wire.TransRemNode, 99)
	m.mu.Unlock()

	tx.mu.Lock()
	defer tx.mu.Unlock()
	assert.Len(t, tx.sent, before, "a higher-id survivor must not try to become master")
}

func TestLeaveBroadcastsAndStops(t *testing.T) {
	m, tx := newTestMachine()
	m.mu.Lock()
	m.formNewCluster()
	m.mu.Unlock()

	before := len(tx.sent)
	require.NoError(t, m.Leave())

	tx.mu.Lock()
	require.Len(t, tx.sent, before+1, "Leave should broadcast exactly one LEAVE on top of whatever formNewCluster already sent")
	assert.True(t, tx.sent[len(tx.sent)-1].broadcast)
	tx.mu.Unlock()

	leave, err := wire.DecodeLeave(tx.lastPayload())
	require.NoError(t, err)
	assert.Equal(t, byte(types.LeaveReasonAdmin), leave.Reason)
	assert.Equal(t, StateLeftCluster, m.State())
}

func TestLeaveRejectedBeforeClusterFormed(t *testing.T) {
	m, _ := newTestMachine()
	defer m.Stop()
	err := m.Leave()
	require.Error(t, err)
}

func TestKillNodeSendsKillToTarget(t *testing.T) {
	m, tx := newTestMachine()
	m.mu.Lock()
	m.formNewCluster()
	m.mu.Unlock()
	defer m.Stop()

	m.tbl.Put(&types.Node{NodeID: 9, Name: "node-b", State: types.NodeMember})

	require.NoError(t, m.KillNode(9))

	tx.mu.Lock()
	defer tx.mu.Unlock()
	last := tx.sent[len(tx.sent)-1]
	assert.Equal(t, int32(9), last.tgt)
	kill, err := wire.DecodeKill(last.payload)
	require.NoError(t, err)
	assert.Equal(t, byte(types.LeaveReasonKilled), kill.Reason)
}

func TestKillNodeUnknownIDFails(t *testing.T) {
	m, _ := newTestMachine()
	m.mu.Lock()
	m.formNewCluster()
	m.mu.Unlock()
	defer m.Stop()

	err := m.KillNode(999)
	require.Error(t, err)
}

func TestChunkNodeDescsSplitsAtSize(t *testing.T) {
	nodes := make([]*wire.NodeDesc, 45)
	for i := range nodes {
		nodes[i] = &wire.NodeDesc{NodeID: uint32(i)}
	}
	chunks := chunkNodeDescs(nodes, 20)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 20)
	assert.Len(t, chunks[1], 20)
	assert.Len(t, chunks[2], 5)
}

func TestChunkNodeDescsEmptyYieldsOneChunk(t *testing.T) {
	chunks := chunkNodeDescs(nil, 20)
	require.Len(t, chunks, 1)
	assert.Nil(t, chunks[0])
}

func TestHandleMasterViewWaitsForLastFragmentBeforeApplying(t *testing.T) {
	m, tx := newTestMachine()
	defer m.Stop()
	m.mu.Lock()
	m.state = StateTransition
	m.slaveTrans = &slaveTransCtx{masterID: 7}
	m.mu.Unlock()

	first := &wire.MasterView{First: true, Last: false, Nodes: []*wire.NodeDesc{{Name: "a", NodeID: 1}}}
	buf, err := first.Encode(m.cfg.AddressLength)
	require.NoError(t, err)
	m.mu.Lock()
	m.handleMasterView(&portmux.Delivery{Header: &wire.Header{SrcID: 7}, Payload: buf})
	m.mu.Unlock()

	_, ok := m.tbl.FindByID(1)
	assert.False(t, ok, "a non-last fragment must not be applied yet")
	assert.Empty(t, tx.sent, "no VIEWACK should be sent before the view is fully assembled")

	last := &wire.MasterView{First: false, Last: true, Nodes: []*wire.NodeDesc{{Name: "b", NodeID: 2}}}
	buf2, err := last.Encode(m.cfg.AddressLength)
	require.NoError(t, err)
	m.mu.Lock()
	m.handleMasterView(&portmux.Delivery{Header: &wire.Header{SrcID: 7}, Payload: buf2})
	m.mu.Unlock()

	_, ok = m.tbl.FindByID(1)
	assert.True(t, ok, "the first fragment's node should be applied once the view completes")
	_, ok = m.tbl.FindByID(2)
	assert.True(t, ok, "the last fragment's node should be applied once the view completes")
	assert.Len(t, tx.sent, 1, "a VIEWACK should be sent once the full view is assembled")
}

func TestHandleJoinConfWaitsForLastFragmentBeforeApplying(t *testing.T) {
	m, tx := newTestMachine()
	defer m.Stop()
	m.mu.Lock()
	m.state = StateJoinAck
	m.joinMaster = 7
	m.mu.Unlock()

	first := &wire.JoinConf{First: true, Last: false, Nodes: []*wire.NodeDesc{{Name: "other", NodeID: 1}}}
	buf, err := first.Encode(m.cfg.AddressLength)
	require.NoError(t, err)
	m.mu.Lock()
	m.handleJoinConf(&portmux.Delivery{Header: &wire.Header{SrcID: 7}, Payload: buf})
	m.mu.Unlock()

	_, ok := m.tbl.FindByID(1)
	assert.False(t, ok, "a non-last fragment must not be applied yet")
	assert.Empty(t, tx.sent, "no CONFACK should be sent before the view is fully assembled")

	last := &wire.JoinConf{First: false, Last: true, Nodes: []*wire.NodeDesc{{Name: "node-a", NodeID: 2}}}
	buf2, err := last.Encode(m.cfg.AddressLength)
	require.NoError(t, err)
	m.mu.Lock()
	m.handleJoinConf(&portmux.Delivery{Header: &wire.Header{SrcID: 7}, Payload: buf2})
	m.mu.Unlock()

	_, ok = m.tbl.FindByID(1)
	assert.True(t, ok, "the first fragment's node should be applied once the view completes")
	got, ok := m.tbl.FindByID(2)
	require.True(t, ok)
	assert.True(t, got.Us, "the node matching our own configured name should be marked as us")
	assert.Equal(t, int32(2), m.localID, "our local id should be assigned from the completed JOINCONF")
	assert.Len(t, tx.sent, 1, "a CONFACK should be sent once the full view is assembled")
}

func TestAdvanceToCollectChunksLargeMembership(t *testing.T) {
	m, tx := newTestMachine()
	defer m.Stop()

	for i := 0; i < 45; i++ {
		m.tbl.Put(&types.Node{NodeID: int32(i + 10), Name: strconv.Itoa(i), State: types.NodeMember})
	}

	tc := &transitionCtx{}
	m.mu.Lock()
	m.advanceToCollect(tc)
	m.mu.Unlock()

	tx.mu.Lock()
	defer tx.mu.Unlock()
	require.Len(t, tx.sent, 3, "45 members at 20 per chunk should split into 3 MASTERVIEW broadcasts")
	for i, call := range tx.sent {
		assert.True(t, call.broadcast)
		view, err := wire.DecodeMasterView(call.payload, m.cfg.AddressLength)
		require.NoError(t, err)
		assert.Equal(t, i == 0, view.First)
		assert.Equal(t, i == len(tx.sent)-1, view.Last)
	}
}
