package membership

import (
	"strconv"
	"time"

	"github.com/cuemby/clustercore/pkg/events"
	"github.com/cuemby/clustercore/pkg/metrics"
	"github.com/cuemby/clustercore/pkg/portmux"
	"github.com/cuemby/clustercore/pkg/types"
	"github.com/cuemby/clustercore/pkg/wire"
)

// heartbeatLoop multicasts HELLO every hello_timer while this node is a
// cluster member.
func (m *Machine) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Timers.HelloTimer)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sendHello()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Machine) sendHello() {
	m.mu.Lock()
	if m.state != StateMember && m.state != StateMaster {
		m.mu.Unlock()
		return
	}
	hello := &wire.Hello{
		FlagMaster:  m.masterID == m.localID,
		FlagQuorate: m.quorate(),
		Members:     uint32(len(m.tbl.Members())),
		Generation:  m.generation,
	}
	m.mu.Unlock()
	if err := m.tx.Broadcast(m.cfg.Port, hello.Encode(), wire.FlagNoAck); err != nil {
		m.log.Warn().Err(err).Msg("failed to send HELLO")
	}
}

// deadNodeScanLoop periodically scans for members whose last HELLO
// predates deadnode_timeout and declares them dead.
func (m *Machine) deadNodeScanLoop() {
	defer m.wg.Done()
	interval := m.cfg.Timers.DeadNodeTimeout / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.scanDead()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Machine) scanDead() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateMember && m.state != StateMaster {
		return
	}
	if m.tbl.CheckQuorumDevice(m.cfg.Timers.DeadNodeTimeout) {
		m.recalcQuorum(false)
		m.publish(events.TypeMemberDown, "quorum device declared dead", nil)
	}
	cutoff := time.Now().Add(-m.cfg.Timers.DeadNodeTimeout)
	var deadID int32
	for _, n := range m.tbl.Members() {
		if n.Us || n.NodeID == m.localID {
			continue
		}
		if n.LastHello.IsZero() {
			continue
		}
		if n.LastHello.Before(cutoff) {
			deadID = n.NodeID
			break
		}
	}
	if deadID == 0 {
		return
	}
	m.declareDead(deadID)
	m.maybeElectSelf(wire.TransRemNode, deadID)
}

func (m *Machine) declareDead(nodeID int32) {
	if n, ok := m.tbl.FindByID(nodeID); ok {
		n.State = types.NodeDead
	}
	m.tx.ForgetPeer(nodeID)
	metrics.DeadPeersTotal.Inc()
	m.recalcQuorum(false)
	m.publish(events.TypeMemberDown, "node declared dead", map[string]string{
		"node_id": strconv.Itoa(int(nodeID)),
	})
}

// maybeElectSelf starts a removal transition for deadID if this node is
// the lowest-id surviving member, i.e. the rightful new master. Caller
// holds m.mu.
func (m *Machine) maybeElectSelf(reason wire.TransReason, deadID int32) {
	if m.state == StateMaster || m.state == StateTransition {
		return
	}
	lowest := m.localID
	for _, n := range m.tbl.Members() {
		if n.NodeID != deadID && n.NodeID < lowest {
			lowest = n.NodeID
		}
	}
	if lowest != m.localID {
		return
	}
	m.becomeMaster(reason, nil, deadID)
}

// observeHello updates liveness bookkeeping for a peer's HELLO and reacts
// to generation/membership-count mismatches.
func (m *Machine) observeHello(srcID int32, hello *wire.Hello) {
	if n, ok := m.tbl.FindByID(srcID); ok {
		n.LastHello = time.Now()
	}
	if hello.Generation != m.generation {
		kill := &wire.Kill{Reason: byte(types.LeaveReasonInconsistent)}
		m.tx.Send(srcID, m.cfg.Port, kill.Encode(), 0)
		return
	}
	if int(hello.Members) != len(m.tbl.Members()) && m.state == StateMember {
		m.maybeElectSelf(wire.TransCheck, 0)
	}
}

func (m *Machine) handleLeave(d *portmux.Delivery) {
	leave, err := wire.DecodeLeave(d.Payload)
	if err != nil {
		return
	}
	if m.state != StateMember {
		return
	}
	if n, ok := m.tbl.FindByID(d.Header.SrcID); ok {
		n.LeaveReason = leave.Reason
	}
	m.becomeMaster(wire.TransRemNode, nil, d.Header.SrcID)
}

func (m *Machine) handleKill(d *portmux.Delivery) {
	if _, err := wire.DecodeKill(d.Payload); err != nil {
		return
	}
	if m.state != StateMember && m.state != StateMaster {
		return
	}
	m.setState(StateLeftCluster)
	go m.Stop()
}

func (m *Machine) handleReconfig(d *portmux.Delivery) {
	rc, err := wire.DecodeReconfig(d.Payload)
	if err != nil {
		return
	}
	switch rc.Param {
	case wire.ReconfigExpectedVotes:
		m.cfg.ExpectedVotes = rc.Value
		m.tbl.SetHighestExpected(rc.Value)
	case wire.ReconfigNodeVotes:
		if n, ok := m.tbl.FindByID(d.Header.SrcID); ok {
			n.Votes = rc.Value
		}
	case wire.ReconfigConfigVersion:
		m.configVer = rc.Value
	}
	m.recalcQuorum(rc.Param != wire.ReconfigConfigVersion)
}

func (m *Machine) handleNominate(d *portmux.Delivery) {
	nom, err := wire.DecodeNominate(d.Payload)
	if err != nil {
		return
	}
	if m.state != StateMaster {
		return
	}
	if int32(nom.NodeID) == m.localID {
		return
	}
	m.log.Info().Int32("nominee", int32(nom.NodeID)).Msg("backing down per NOMINATE")
	if m.transition != nil && m.transition.admit != nil {
		wait := &wire.JoinAck{Status: wire.JoinAckWait}
		m.tx.Send(m.transition.admit.tempID, m.cfg.Port, wait.Encode(), 0)
	}
	m.abortMasterTransition()
	m.masterID = int32(nom.NodeID)
}
