package membership

import (
	"context"
	"time"

	"github.com/cuemby/clustercore/pkg/events"
	"github.com/cuemby/clustercore/pkg/portmux"
	"github.com/cuemby/clustercore/pkg/types"
	"github.com/cuemby/clustercore/pkg/wire"
)

// discoveryLoop runs the STARTING-state listen/form/join sequence. It
// owns the newcluster timer; HELLO and NEWCLUSTER arrivals are processed
// by deliver() on the same mutex and drive state out of StateStarting
// before the timer fires.
func (m *Machine) discoveryLoop(ctx context.Context) {
	defer m.wg.Done()

	timer := time.NewTimer(m.cfg.Timers.NewClusterTimeout)
	defer timer.Stop()

	m.mu.Lock()
	m.setState(StateStarting)
	m.mu.Unlock()

	for {
		select {
		case <-timer.C:
			m.mu.Lock()
			if m.state == StateStarting {
				m.formNewCluster()
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
			return
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// formNewCluster makes this node the sole founding member. Caller must
// hold m.mu.
func (m *Machine) formNewCluster() {
	m.localID = 1
	m.generation = 1
	m.configVer = 1
	m.masterID = m.localID
	m.tx.SetLocalID(m.localID)
	self := &types.Node{
		NodeID:        m.localID,
		Name:          m.cfg.NodeName,
		Addresses:     m.cfg.Addresses,
		State:         types.NodeMember,
		Votes:         m.cfg.Votes,
		ExpectedVotes: m.cfg.ExpectedVotes,
		LastHello:     time.Now(),
		Us:            true,
	}
	m.tbl.Put(self)
	m.recalcQuorum(false)
	m.setState(StateMember)
	m.log.Info().Str("name", m.cfg.NodeName).Msg("formed new cluster")
	m.publish(events.TypeMemberUp, "formed new cluster", map[string]string{"name": m.cfg.NodeName})

	hello := &wire.Hello{FlagMaster: true, FlagQuorate: m.quorate(), Members: 1, Generation: m.generation}
	if err := m.tx.Broadcast(m.cfg.Port, hello.Encode(), wire.FlagNoAck); err != nil {
		m.log.Warn().Err(err).Msg("failed to announce new cluster")
	}

	m.wg.Add(1)
	go m.heartbeatLoop()
	m.wg.Add(1)
	go m.deadNodeScanLoop()
}

// sendJoinReq transmits this node's application to join via masterID.
// Caller must hold m.mu.
func (m *Machine) sendJoinReq(masterID int32) {
	addrs := make([][]byte, len(m.cfg.Addresses))
	for i, a := range m.cfg.Addresses {
		addrs[i] = a
	}
	req := &wire.JoinReq{
		Votes:         m.cfg.Votes,
		ExpectedVotes: m.cfg.ExpectedVotes,
		VersionMajor:  1,
		VersionMinor:  0,
		VersionPatch:  0,
		ConfigVersion: m.configVer,
		AddressLength: uint8(m.cfg.AddressLength),
		ClusterName:   m.cfg.ClusterName,
		Addresses:     addrs,
		Name:          m.cfg.NodeName,
	}
	m.joinMaster = masterID
	m.joinSentAt = time.Now()
	m.setState(StateJoining)
	if err := m.tx.Send(masterID, m.cfg.Port, req.Encode(), wire.FlagReplyExp); err != nil {
		m.log.Warn().Err(err).Msg("failed to send JOINREQ")
	}
	m.setState(StateJoinWait)

	m.wg.Add(1)
	go m.joinTimeoutLoop(masterID)
}

// joinTimeoutLoop resends JOINREQ if no JOINCONF has admitted this node
// before join_timeout, i.e. we remain in JOINWAIT (no JOINACK{OK} yet) or
// JOINACK (OK received, JOINCONF still pending) with the same target
// master.
func (m *Machine) joinTimeoutLoop(masterID int32) {
	defer m.wg.Done()
	timer := time.NewTimer(m.cfg.Timers.JoinTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-m.stopCh:
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if (m.state == StateJoinWait || m.state == StateJoinAck) && m.joinMaster == masterID {
		m.log.Warn().Int32("master", masterID).Msg("JOINCONF not received in time, retrying join")
		m.setState(StateJoinWait)
		m.sendJoinReq(masterID)
	}
}

func (m *Machine) handleHello(d *portmux.Delivery) {
	hello, err := wire.DecodeHello(d.Payload)
	if err != nil {
		m.log.Warn().Err(err).Msg("malformed HELLO")
		return
	}
	switch m.state {
	case StateStarting:
		m.sendJoinReq(d.Header.SrcID)
	case StateMember, StateMaster, StateTransition:
		m.observeHello(d.Header.SrcID, hello)
	}
}

func (m *Machine) handleNewCluster(d *portmux.Delivery) {
	nc, err := wire.DecodeNewCluster(d.Payload)
	if err != nil {
		m.log.Warn().Err(err).Msg("malformed NEWCLUSTER")
		return
	}
	if m.state != StateStarting {
		return
	}
	if nc.LowIP > m.lowIP {
		// They are higher and will defer to us; nothing to do but keep
		// waiting for our own timer, or their eventual HELLO/back-off.
		return
	}
	// They are lower IP and will form. This only logs: the discovery
	// timer is not reset, so unless their HELLO arrives first this node
	// still forms its own cluster when the timer fires.
	m.log.Debug().Msg("deferring cluster formation to lower-IP peer")
}

// handleJoinReq is the master/member side of the join protocol.
func (m *Machine) handleJoinReq(d *portmux.Delivery) {
	req, err := wire.DecodeJoinReq(d.Payload)
	if err != nil {
		m.log.Warn().Err(err).Msg("malformed JOINREQ")
		return
	}

	if m.state == StateMaster || m.state == StateTransition {
		ack := &wire.JoinAck{Status: wire.JoinAckWait}
		m.tx.Send(d.Header.SrcID, m.cfg.Port, ack.Encode(), 0)
		return
	}
	if m.state != StateMember {
		return
	}

	if rej := m.validateJoinReq(req); rej != "" {
		rejMsg := &wire.JoinRej{Reason: rej}
		m.tx.Send(d.Header.SrcID, m.cfg.Port, rejMsg.Encode(), 0)
		return
	}

	ack := &wire.JoinAck{Status: wire.JoinAckOK}
	if err := m.tx.Send(d.Header.SrcID, m.cfg.Port, ack.Encode(), 0); err != nil {
		m.log.Warn().Err(err).Msg("failed to send JOINACK")
		return
	}

	tempID := m.tids.Alloc()
	addrs := make([]types.Address, len(req.Addresses))
	for i, a := range req.Addresses {
		addrs[i] = types.Address(a)
	}
	m.tbl.Put(&types.Node{
		NodeID:        tempID,
		Name:          req.Name,
		Addresses:     addrs,
		State:         types.NodeJoining,
		Votes:         req.Votes,
		ExpectedVotes: req.ExpectedVotes,
	})

	m.becomeMaster(wire.TransNewNode, &pendingAdmit{tempID: tempID, req: req, addrs: addrs}, 0)
}

func (m *Machine) validateJoinReq(req *wire.JoinReq) string {
	if req.ClusterName != m.cfg.ClusterName {
		return "cluster name mismatch"
	}
	if req.ConfigVersion != m.configVer {
		return "config version mismatch"
	}
	if int(req.AddressLength) != m.cfg.AddressLength {
		return "address length mismatch"
	}
	if m.cfg.Timers.MaxNodes > 0 && m.tbl.Len() >= m.cfg.Timers.MaxNodes {
		return "node count limit exceeded"
	}
	if m.cfg.TwoNode && m.tbl.Len() >= 2 {
		return "two_node limit exceeded"
	}
	if _, ok := m.tbl.FindByName(req.Name); ok {
		return "duplicate name"
	}
	for _, a := range req.Addresses {
		if _, ok := m.tbl.FindByAddr(types.Address(a)); ok {
			return "duplicate address"
		}
	}
	return ""
}

func (m *Machine) handleJoinAck(d *portmux.Delivery) {
	if m.state != StateJoinWait {
		return
	}
	ack, err := wire.DecodeJoinAck(d.Payload)
	if err != nil {
		m.log.Warn().Err(err).Msg("malformed JOINACK")
		return
	}
	switch ack.Status {
	case wire.JoinAckOK:
		m.setState(StateJoinAck)
	case wire.JoinAckWait:
		// stay in JOINWAIT; joinTimeoutLoop will retry on expiry
	case wire.JoinAckNAK:
		m.setState(StateRejected)
	}
}

func (m *Machine) handleJoinRej(d *portmux.Delivery) {
	rej, err := wire.DecodeJoinRej(d.Payload)
	if err != nil {
		return
	}
	m.log.Warn().Str("reason", rej.Reason).Msg("join rejected")
	m.setState(StateRejected)
}

