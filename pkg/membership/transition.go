package membership

import (
	"context"
	"strconv"
	"time"

	"github.com/cuemby/clustercore/pkg/barrier"
	"github.com/cuemby/clustercore/pkg/events"
	"github.com/cuemby/clustercore/pkg/metrics"
	"github.com/cuemby/clustercore/pkg/portmux"
	"github.com/cuemby/clustercore/pkg/types"
	"github.com/cuemby/clustercore/pkg/wire"
)

// maxNodesPerViewChunk bounds how many node descriptors a single
// MASTERVIEW or JOINCONF datagram carries. Larger clusters spread their
// view across multiple chunks that the receiver reassembles before
// acting on it.
const maxNodesPerViewChunk = 20

// chunkNodeDescs splits nodes into groups of at most size, preserving
// order. An empty input still yields one (empty) chunk so a zero-member
// view is sent as a single First+Last fragment rather than nothing.
func chunkNodeDescs(nodes []*wire.NodeDesc, size int) [][]*wire.NodeDesc {
	if len(nodes) == 0 {
		return [][]*wire.NodeDesc{nil}
	}
	chunks := make([][]*wire.NodeDesc, 0, (len(nodes)+size-1)/size)
	for len(nodes) > 0 {
		n := size
		if n > len(nodes) {
			n = len(nodes)
		}
		chunks = append(chunks, nodes[:n])
		nodes = nodes[n:]
	}
	return chunks
}

// pendingAdmit carries the joiner-specific payload of a NEWNODE
// transition from the moment a JOINREQ is accepted through to the
// JOINCONF/CONFACK handshake.
type pendingAdmit struct {
	tempID int32
	req    *wire.JoinReq
	addrs  []types.Address
}

// transitionCtx is the master's bookkeeping for one in-flight transition.
type transitionCtx struct {
	reason        wire.TransReason
	generation    uint32
	removeID      int32
	admit         *pendingAdmit
	expected      map[int32]bool
	startAcks     map[int32]*wire.StartAck
	viewAcks      map[int32]bool
	viewAgree     int
	viewDisagree  int
	highestNodeID uint32
	newNodeID     uint32
	timer         *time.Timer
	restarts      int
}

// slaveTransCtx is a non-master node's record of the transition currently
// being driven by masterID.
type slaveTransCtx struct {
	masterID   int32
	generation uint32
	timer      *time.Timer
	viewNodes  []*wire.NodeDesc // accumulates MASTERVIEW fragments until First..Last is complete
}

// becomeMaster starts a new transition driven by this node. Caller must
// hold m.mu.
func (m *Machine) becomeMaster(reason wire.TransReason, admit *pendingAdmit, removeID int32) {
	m.generation++
	m.masterID = m.localID
	m.masterPhase = MasterStart
	m.setState(StateMaster)
	metrics.TransitionsTotal.WithLabelValues(reason.String()).Inc()

	expected := make(map[int32]bool)
	for _, n := range m.tbl.Members() {
		if n.NodeID != m.localID {
			expected[n.NodeID] = true
		}
	}

	tc := &transitionCtx{
		reason:     reason,
		generation: m.generation,
		removeID:   removeID,
		admit:      admit,
		expected:   expected,
		startAcks:  make(map[int32]*wire.StartAck),
		viewAcks:   make(map[int32]bool),
	}
	m.transition = tc

	st := &wire.StartTrans{
		Reason:        reason,
		Votes:         m.cfg.Votes,
		ExpectedVotes: m.cfg.ExpectedVotes,
		Generation:    tc.generation,
		NodeID:        uint32(removeID),
	}
	if admit != nil {
		for _, a := range admit.addrs {
			st.Addresses = append(st.Addresses, a)
		}
		st.Name = admit.req.Name
	}
	if err := m.tx.Broadcast(m.cfg.Port, st.Encode(m.cfg.AddressLength), wire.FlagReplyExp); err != nil {
		m.log.Warn().Err(err).Msg("failed to broadcast STARTTRANS")
	}

	tc.timer = time.AfterFunc(m.cfg.Timers.TransitionTimeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.onMasterTransitionTimeout(tc)
	})

	if len(expected) == 0 {
		m.advanceToCollect(tc)
	}
}

func (m *Machine) onMasterTransitionTimeout(tc *transitionCtx) {
	if m.transition != tc {
		return
	}
	tc.restarts++
	if tc.restarts > m.cfg.Timers.TransitionRestarts {
		m.log.Error().Msg("transition exceeded max restarts, aborting")
		m.abortMasterTransition()
		return
	}
	m.log.Warn().Int("restarts", tc.restarts).Msg("transition timed out, restarting")
	reason, admit, removeID := tc.reason, tc.admit, tc.removeID
	m.transition = nil
	m.setState(StateMember)
	m.becomeMaster(reason, admit, removeID)
}

func (m *Machine) abortMasterTransition() {
	if m.transition != nil && m.transition.timer != nil {
		m.transition.timer.Stop()
	}
	if m.transition != nil && m.transition.admit != nil {
		m.tids.Release(m.transition.admit.tempID)
		m.tbl.Remove(m.transition.admit.tempID)
	}
	m.transition = nil
	m.setState(StateMember)
}

func (m *Machine) handleStartTrans(d *portmux.Delivery) {
	st, err := wire.DecodeStartTrans(d.Payload, m.cfg.AddressLength)
	if err != nil {
		m.log.Warn().Err(err).Msg("malformed STARTTRANS")
		return
	}
	sender := d.Header.SrcID

	switch m.state {
	case StateMaster:
		// Concurrent master resolution: lowest node id wins.
		if sender < m.localID {
			m.log.Info().Int32("winner", sender).Msg("backing down to lower-id master")
			if m.transition != nil && m.transition.admit != nil {
				wait := &wire.JoinAck{Status: wire.JoinAckWait}
				m.tx.Send(m.transition.admit.tempID, m.cfg.Port, wait.Encode(), 0)
			}
			m.abortMasterTransition()
			m.acceptTransition(sender, st)
		} else {
			// We are the winner; tell the contender about us.
			nom := &wire.Nominate{NodeID: uint32(m.localID)}
			m.tx.Send(sender, m.cfg.Port, nom.Encode(), 0)
		}
	case StateTransition:
		if m.slaveTrans != nil && sender != m.slaveTrans.masterID {
			if sender < m.slaveTrans.masterID {
				m.acceptTransition(sender, st)
			} else {
				nom := &wire.Nominate{NodeID: uint32(m.slaveTrans.masterID)}
				m.tx.Send(sender, m.cfg.Port, nom.Encode(), 0)
			}
			return
		}
		m.acceptTransition(sender, st)
	case StateMember:
		m.acceptTransition(sender, st)
	default:
		// Not yet a member; cannot meaningfully participate.
	}
}

// acceptTransition enters StateTransition as a follower of masterID.
// Caller holds m.mu.
func (m *Machine) acceptTransition(masterID int32, st *wire.StartTrans) {
	m.masterID = masterID
	m.generation = st.Generation
	m.setState(StateTransition)

	switch st.Reason {
	case wire.TransNewNode:
		addrs := make([]types.Address, len(st.Addresses))
		for i, a := range st.Addresses {
			addrs[i] = types.Address(a)
		}
		tempID := m.tids.Alloc()
		m.tbl.Put(&types.Node{
			NodeID:        tempID,
			Name:          st.Name,
			Addresses:     addrs,
			State:         types.NodeJoining,
			Votes:         st.Votes,
			ExpectedVotes: st.ExpectedVotes,
		})
	case wire.TransRemNode, wire.TransAnotherRemNode:
		if n, ok := m.tbl.FindByID(int32(st.NodeID)); ok {
			n.State = types.NodeDead
			n.LeaveReason = byte(types.LeaveReasonRemoved)
		}
	}

	var highest uint32
	for _, n := range m.tbl.All() {
		if n.NodeID > 0 && uint32(n.NodeID) > highest {
			highest = uint32(n.NodeID)
		}
	}

	m.slaveTrans = &slaveTransCtx{masterID: masterID, generation: st.Generation}
	m.slaveTrans.timer = time.AfterFunc(m.cfg.Timers.TransitionTimeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.onSlaveTransitionTimeout(masterID)
	})

	ack := &wire.StartAck{Generation: st.Generation, HighestObserved: highest}
	m.tx.Send(masterID, m.cfg.Port, ack.Encode(), 0)
}

func (m *Machine) onSlaveTransitionTimeout(masterID int32) {
	if m.slaveTrans == nil || m.slaveTrans.masterID != masterID {
		return
	}
	m.log.Warn().Int32("master", masterID).Msg("master unresponsive during transition, declaring dead")
	m.declareDead(masterID)
	m.maybeElectSelf(wire.TransDeadMaster, masterID)
}

func (m *Machine) handleStartAck(d *portmux.Delivery) {
	if m.state != StateMaster || m.transition == nil {
		return
	}
	ack, err := wire.DecodeStartAck(d.Payload)
	if err != nil {
		return
	}
	tc := m.transition
	if !tc.expected[d.Header.SrcID] {
		return
	}
	tc.startAcks[d.Header.SrcID] = ack
	if ack.HighestObserved > tc.highestNodeID {
		tc.highestNodeID = ack.HighestObserved
	}
	if len(tc.startAcks) >= len(tc.expected) {
		m.advanceToCollect(tc)
	}
}

// advanceToCollect builds and broadcasts the master's view of
// post-transition membership. Caller holds m.mu.
func (m *Machine) advanceToCollect(tc *transitionCtx) {
	if tc.admit != nil && tc.newNodeID == 0 {
		tc.newNodeID = tc.highestNodeID + 1
		if n, ok := m.tbl.FindByID(tc.admit.tempID); ok {
			n.NodeID = int32(tc.newNodeID)
			m.tbl.Remove(tc.admit.tempID)
			m.tbl.Put(n)
		}
	}
	m.masterPhase = MasterCollect

	var allNodes []*wire.NodeDesc
	for _, n := range m.tbl.All() {
		allNodes = append(allNodes, &wire.NodeDesc{
			Name:          n.Name,
			State:         uint8(n.State),
			Addresses:     addrBytes(n.Addresses),
			Votes:         uint8(n.Votes),
			ExpectedVotes: n.ExpectedVotes,
			NodeID:        uint32(n.NodeID),
		})
	}
	chunks := chunkNodeDescs(allNodes, maxNodesPerViewChunk)
	for i, chunk := range chunks {
		view := &wire.MasterView{First: i == 0, Last: i == len(chunks)-1, Nodes: chunk}
		buf, err := view.Encode(m.cfg.AddressLength)
		if err != nil {
			m.log.Error().Err(err).Msg("failed to encode MASTERVIEW")
			return
		}
		if err := m.tx.Broadcast(m.cfg.Port, buf, wire.FlagReplyExp); err != nil {
			m.log.Warn().Err(err).Msg("failed to broadcast MASTERVIEW")
		}
	}
}

func addrBytes(addrs []types.Address) [][]byte {
	out := make([][]byte, len(addrs))
	for i, a := range addrs {
		out[i] = a
	}
	return out
}

func (m *Machine) handleMasterView(d *portmux.Delivery) {
	if m.state != StateTransition || m.slaveTrans == nil {
		return
	}
	view, err := wire.DecodeMasterView(d.Payload, m.cfg.AddressLength)
	if err != nil {
		m.log.Warn().Err(err).Msg("malformed MASTERVIEW")
		return
	}
	if view.First {
		m.slaveTrans.viewNodes = nil
	}
	m.slaveTrans.viewNodes = append(m.slaveTrans.viewNodes, view.Nodes...)
	if !view.Last {
		return
	}
	for _, nd := range m.slaveTrans.viewNodes {
		addrs := make([]types.Address, len(nd.Addresses))
		for i, a := range nd.Addresses {
			addrs[i] = types.Address(a)
		}
		if existing, ok := m.tbl.FindByID(int32(nd.NodeID)); ok {
			existing.State = types.NodeState(nd.State)
			existing.Votes = uint32(nd.Votes)
			existing.ExpectedVotes = nd.ExpectedVotes
		} else {
			m.tbl.Put(&types.Node{
				NodeID:        int32(nd.NodeID),
				Name:          nd.Name,
				Addresses:     addrs,
				State:         types.NodeState(nd.State),
				Votes:         uint32(nd.Votes),
				ExpectedVotes: nd.ExpectedVotes,
			})
		}
	}
	m.slaveTrans.viewNodes = nil
	ack := &wire.ViewAck{Agree: true}
	m.tx.Send(m.slaveTrans.masterID, m.cfg.Port, ack.Encode(), 0)
}

func (m *Machine) handleViewAck(d *portmux.Delivery) {
	if m.state != StateMaster || m.transition == nil {
		return
	}
	tc := m.transition
	if !tc.expected[d.Header.SrcID] || tc.viewAcks[d.Header.SrcID] {
		return
	}
	ack, err := wire.DecodeViewAck(d.Payload)
	if err != nil {
		return
	}
	tc.viewAcks[d.Header.SrcID] = true
	if ack.Agree {
		tc.viewAgree++
	} else {
		tc.viewDisagree++
		kill := &wire.Kill{Reason: byte(types.LeaveReasonInconsistent)}
		m.tx.Send(d.Header.SrcID, m.cfg.Port, kill.Encode(), 0)
	}
	if len(tc.viewAcks) < len(tc.expected) {
		return
	}
	if tc.viewDisagree > tc.viewAgree {
		leave := &wire.Leave{Reason: byte(types.LeaveReasonInconsistent)}
		m.tx.Broadcast(m.cfg.Port, leave.Encode(), wire.FlagNoAck)
		m.abortMasterTransition()
		return
	}
	m.masterPhase = MasterConfirm
	if tc.admit != nil {
		m.sendJoinConf(tc)
		return
	}
	m.finishMasterTransition(tc)
}

func (m *Machine) sendJoinConf(tc *transitionCtx) {
	var allNodes []*wire.NodeDesc
	for _, n := range m.tbl.All() {
		allNodes = append(allNodes, &wire.NodeDesc{
			Name:          n.Name,
			State:         uint8(n.State),
			Addresses:     addrBytes(n.Addresses),
			Votes:         uint8(n.Votes),
			ExpectedVotes: n.ExpectedVotes,
			NodeID:        uint32(n.NodeID),
		})
	}
	chunks := chunkNodeDescs(allNodes, maxNodesPerViewChunk)
	for i, chunk := range chunks {
		conf := &wire.JoinConf{First: i == 0, Last: i == len(chunks)-1, Nodes: chunk}
		buf, err := conf.Encode(m.cfg.AddressLength)
		if err != nil {
			m.log.Error().Err(err).Msg("failed to encode JOINCONF")
			return
		}
		if err := m.tx.Send(int32(tc.newNodeID), m.cfg.Port, buf, wire.FlagReplyExp); err != nil {
			m.log.Warn().Err(err).Msg("failed to send JOINCONF")
		}
	}
}

func (m *Machine) handleJoinConf(d *portmux.Delivery) {
	if m.state != StateJoinAck {
		return
	}
	conf, err := wire.DecodeJoinConf(d.Payload, m.cfg.AddressLength)
	if err != nil {
		m.log.Warn().Err(err).Msg("malformed JOINCONF")
		return
	}
	if conf.First {
		m.joinConfNodes = nil
	}
	m.joinConfNodes = append(m.joinConfNodes, conf.Nodes...)
	if !conf.Last {
		return
	}
	for _, nd := range m.joinConfNodes {
		addrs := make([]types.Address, len(nd.Addresses))
		for i, a := range nd.Addresses {
			addrs[i] = types.Address(a)
		}
		node := &types.Node{
			NodeID:        int32(nd.NodeID),
			Name:          nd.Name,
			Addresses:     addrs,
			State:         types.NodeState(nd.State),
			Votes:         uint32(nd.Votes),
			ExpectedVotes: nd.ExpectedVotes,
		}
		if node.Name == m.cfg.NodeName {
			node.Us = true
			m.localID = node.NodeID
			m.tx.SetLocalID(m.localID)
		}
		m.tbl.Put(node)
	}
	m.joinConfNodes = nil
	ack := &wire.ConfAck{}
	m.tx.Send(m.joinMaster, m.cfg.Port, ack.Encode(), 0)
}

func (m *Machine) handleConfAck(d *portmux.Delivery) {
	if m.state != StateMaster || m.transition == nil || m.masterPhase != MasterConfirm {
		return
	}
	m.finishMasterTransition(m.transition)
}

func (m *Machine) finishMasterTransition(tc *transitionCtx) {
	m.masterPhase = MasterComplete
	var totalVotes uint32
	for _, n := range m.tbl.Members() {
		totalVotes += n.Votes
	}
	m.recalcQuorum(false)
	end := &wire.EndTrans{
		Quorum:     m.tbl.Quorum(),
		Generation: tc.generation,
		TotalVotes: totalVotes,
		NewNodeID:  tc.newNodeID,
	}
	m.tx.Broadcast(m.cfg.Port, end.Encode(), wire.FlagNoAck)
	m.completeTransition(tc.generation)
}

func (m *Machine) handleEndTrans(d *portmux.Delivery) {
	end, err := wire.DecodeEndTrans(d.Payload)
	if err != nil {
		return
	}
	if m.state != StateTransition && m.state != StateJoinAck {
		return
	}
	if n, ok := m.tbl.FindByID(int32(end.NewNodeID)); ok {
		n.State = types.NodeMember
	}
	m.recalcQuorum(false)
	m.completeTransition(end.Generation)
}

// completeTransition moves this node back to MEMBER and joins the
// transition-completion barrier. Caller holds m.mu.
func (m *Machine) completeTransition(generation uint32) {
	for _, n := range m.tbl.All() {
		if n.State == types.NodeJoining {
			n.State = types.NodeMember
		}
	}
	if tempIDPtr := m.transition; tempIDPtr != nil && tempIDPtr.admit != nil {
		m.tids.Release(tempIDPtr.admit.tempID)
	}
	m.transition = nil
	if m.slaveTrans != nil {
		if m.slaveTrans.timer != nil {
			m.slaveTrans.timer.Stop()
		}
		m.slaveTrans = nil
	}
	m.generation = generation
	m.setState(StateMember)
	m.publish(events.TypeTransition, "transition complete", map[string]string{})

	barrierName := "TRANSITION." + strconv.Itoa(int(generation))
	members := m.tbl.Members()
	bar := m.bar
	nodeName := m.cfg.NodeName
	if bar != nil {
		if err := bar.Register(barrierName, uint32(len(members)), true); err != nil {
			m.log.Debug().Err(err).Str("barrier", barrierName).Msg("transition barrier already registered")
		}
		timeout := m.cfg.Timers.TransitionTimeout
		go func() {
			err := bar.Wait(context.Background(), barrierName, nodeName, timeout, func(name string, status barrier.Status) {
				if status != barrier.StatusComplete {
					m.log.Warn().Str("barrier", name).Str("status", status.String()).Msg("transition completion barrier did not complete cleanly")
				}
			})
			if err != nil {
				m.log.Debug().Err(err).Msg("transition barrier wait error")
			}
		}()
	}
}
