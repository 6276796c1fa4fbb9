package wire

import "fmt"

// MembershipCmd is the 1-byte sub-command leading every membership-port
// message.
type MembershipCmd uint8

const (
	CmdJoinConf MembershipCmd = iota + 1
	CmdJoinReq
	CmdLeave
	CmdHello
	CmdKill
	CmdJoinAck
	CmdEndTrans
	CmdReconfig
	CmdMasterView
	CmdStartTrans
	CmdJoinRej
	CmdViewAck
	CmdStartAck
	CmdTransition
	CmdNewCluster
	CmdConfAck
	CmdNominate
)

// TransReason enumerates why a master started a transition.
type TransReason uint8

const (
	TransNewNode TransReason = iota + 1
	TransRemNode
	TransAnotherRemNode
	TransNewMaster
	TransCheck
	TransRestart
	TransDeadMaster
)

func (r TransReason) String() string {
	switch r {
	case TransNewNode:
		return "new_node"
	case TransRemNode:
		return "rem_node"
	case TransAnotherRemNode:
		return "another_rem_node"
	case TransNewMaster:
		return "new_master"
	case TransCheck:
		return "check"
	case TransRestart:
		return "restart"
	case TransDeadMaster:
		return "dead_master"
	default:
		return "unknown"
	}
}

// JoinAckStatus is the outcome carried in a JOINACK.
type JoinAckStatus uint8

const (
	JoinAckOK JoinAckStatus = iota + 1
	JoinAckNAK
	JoinAckWait
)

// JoinReq is the applicant's request to join the cluster.
type JoinReq struct {
	Votes         uint32
	ExpectedVotes uint32
	VersionMajor  uint8
	VersionMinor  uint8
	VersionPatch  uint8
	ConfigVersion uint32
	AddressLength uint8
	ClusterName   string
	Addresses     [][]byte
	Name          string
}

func (m *JoinReq) Encode() []byte {
	w := &byteWriter{}
	w.u8(uint8(CmdJoinReq))
	w.u32(m.Votes)
	w.u32(m.ExpectedVotes)
	w.u8(m.VersionMajor)
	w.u8(m.VersionMinor)
	w.u8(m.VersionPatch)
	w.u32(m.ConfigVersion)
	w.u8(m.AddressLength)
	w.cstring(m.ClusterName, 64)
	w.u16(uint16(len(m.Addresses)))
	for _, a := range m.Addresses {
		w.bytes(a)
	}
	w.cstring(m.Name, MaxNameLen)
	return w.buf.Bytes()
}

func DecodeJoinReq(buf []byte) (*JoinReq, error) {
	r := newByteReader(buf)
	if cmd, err := r.u8(); err != nil || MembershipCmd(cmd) != CmdJoinReq {
		return nil, fmt.Errorf("wire: not a JOINREQ")
	}
	m := &JoinReq{}
	var err error
	if m.Votes, err = r.u32(); err != nil {
		return nil, err
	}
	if m.ExpectedVotes, err = r.u32(); err != nil {
		return nil, err
	}
	if m.VersionMajor, err = r.u8(); err != nil {
		return nil, err
	}
	if m.VersionMinor, err = r.u8(); err != nil {
		return nil, err
	}
	if m.VersionPatch, err = r.u8(); err != nil {
		return nil, err
	}
	if m.ConfigVersion, err = r.u32(); err != nil {
		return nil, err
	}
	if m.AddressLength, err = r.u8(); err != nil {
		return nil, err
	}
	if m.ClusterName, err = r.cstring(64); err != nil {
		return nil, err
	}
	numAddrs, err := r.u16()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(numAddrs); i++ {
		addr, err := r.bytes(int(m.AddressLength))
		if err != nil {
			return nil, err
		}
		cp := make([]byte, len(addr))
		copy(cp, addr)
		m.Addresses = append(m.Addresses, cp)
	}
	if m.Name, err = r.cstring(MaxNameLen); err != nil {
		return nil, err
	}
	return m, nil
}

// JoinAck answers a JoinReq.
type JoinAck struct {
	Status JoinAckStatus
}

func (m *JoinAck) Encode() []byte {
	w := &byteWriter{}
	w.u8(uint8(CmdJoinAck))
	w.u8(uint8(m.Status))
	return w.buf.Bytes()
}

func DecodeJoinAck(buf []byte) (*JoinAck, error) {
	r := newByteReader(buf)
	if _, err := r.u8(); err != nil {
		return nil, err
	}
	st, err := r.u8()
	if err != nil {
		return nil, err
	}
	return &JoinAck{Status: JoinAckStatus(st)}, nil
}

// JoinRej carries why a join was rejected.
type JoinRej struct {
	Reason string
}

func (m *JoinRej) Encode() []byte {
	w := &byteWriter{}
	w.u8(uint8(CmdJoinRej))
	w.cstring(m.Reason, 128)
	return w.buf.Bytes()
}

func DecodeJoinRej(buf []byte) (*JoinRej, error) {
	r := newByteReader(buf)
	if _, err := r.u8(); err != nil {
		return nil, err
	}
	reason, err := r.cstring(128)
	if err != nil {
		return nil, err
	}
	return &JoinRej{Reason: reason}, nil
}

// Hello is the periodic heartbeat multicast by every member.
type Hello struct {
	FlagMaster  bool
	FlagQuorate bool
	Members     uint32
	Generation  uint32
}

func (m *Hello) Encode() []byte {
	w := &byteWriter{}
	w.u8(uint8(CmdHello))
	var flags uint8
	if m.FlagMaster {
		flags |= 1
	}
	if m.FlagQuorate {
		flags |= 2
	}
	w.u8(flags)
	w.u32(m.Members)
	w.u32(m.Generation)
	return w.buf.Bytes()
}

func DecodeHello(buf []byte) (*Hello, error) {
	r := newByteReader(buf)
	if _, err := r.u8(); err != nil {
		return nil, err
	}
	flags, err := r.u8()
	if err != nil {
		return nil, err
	}
	members, err := r.u32()
	if err != nil {
		return nil, err
	}
	gen, err := r.u32()
	if err != nil {
		return nil, err
	}
	return &Hello{
		FlagMaster:  flags&1 != 0,
		FlagQuorate: flags&2 != 0,
		Members:     members,
		Generation:  gen,
	}, nil
}

// Leave is unicast to a member, asking it to initiate a REMNODE transition.
type Leave struct {
	Reason uint8
}

func (m *Leave) Encode() []byte {
	w := &byteWriter{}
	w.u8(uint8(CmdLeave))
	w.u8(m.Reason)
	return w.buf.Bytes()
}

func DecodeLeave(buf []byte) (*Leave, error) {
	r := newByteReader(buf)
	if _, err := r.u8(); err != nil {
		return nil, err
	}
	reason, err := r.u8()
	if err != nil {
		return nil, err
	}
	return &Leave{Reason: reason}, nil
}

// Kill is unicast to a target node telling it to leave immediately.
type Kill struct {
	Reason uint8
}

func (m *Kill) Encode() []byte {
	w := &byteWriter{}
	w.u8(uint8(CmdKill))
	w.u8(m.Reason)
	return w.buf.Bytes()
}

func DecodeKill(buf []byte) (*Kill, error) {
	r := newByteReader(buf)
	if _, err := r.u8(); err != nil {
		return nil, err
	}
	reason, err := r.u8()
	if err != nil {
		return nil, err
	}
	return &Kill{Reason: reason}, nil
}

// StartTrans is broadcast by a newly elected master to begin a transition.
type StartTrans struct {
	Reason        TransReason
	Votes         uint32
	ExpectedVotes uint32
	Generation    uint32
	NodeID        uint32 // target of a removal, or 0
	Addresses     [][]byte
	Name          string // populated for TransNewNode
}

func (m *StartTrans) Encode(addressLength int) []byte {
	w := &byteWriter{}
	w.u8(uint8(CmdStartTrans))
	w.u8(uint8(m.Reason))
	w.u32(m.Votes)
	w.u32(m.ExpectedVotes)
	w.u32(m.Generation)
	w.u32(m.NodeID)
	w.u16(uint16(len(m.Addresses)))
	for _, a := range m.Addresses {
		w.bytes(a)
	}
	if m.Reason == TransNewNode {
		w.cstring(m.Name, MaxNameLen)
	}
	return w.buf.Bytes()
}

func DecodeStartTrans(buf []byte, addressLength int) (*StartTrans, error) {
	r := newByteReader(buf)
	if _, err := r.u8(); err != nil {
		return nil, err
	}
	reasonByte, err := r.u8()
	if err != nil {
		return nil, err
	}
	m := &StartTrans{Reason: TransReason(reasonByte)}
	if m.Votes, err = r.u32(); err != nil {
		return nil, err
	}
	if m.ExpectedVotes, err = r.u32(); err != nil {
		return nil, err
	}
	if m.Generation, err = r.u32(); err != nil {
		return nil, err
	}
	if m.NodeID, err = r.u32(); err != nil {
		return nil, err
	}
	numAddrs, err := r.u16()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(numAddrs); i++ {
		addr, err := r.bytes(addressLength)
		if err != nil {
			return nil, err
		}
		cp := make([]byte, len(addr))
		copy(cp, addr)
		m.Addresses = append(m.Addresses, cp)
	}
	if m.Reason == TransNewNode {
		if m.Name, err = r.cstring(MaxNameLen); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// StartAck answers a StartTrans.
type StartAck struct {
	Generation      uint32
	ProposedNodeID  uint32
	HighestObserved uint32
}

func (m *StartAck) Encode() []byte {
	w := &byteWriter{}
	w.u8(uint8(CmdStartAck))
	w.u32(m.Generation)
	w.u32(m.ProposedNodeID)
	w.u32(m.HighestObserved)
	return w.buf.Bytes()
}

func DecodeStartAck(buf []byte) (*StartAck, error) {
	r := newByteReader(buf)
	if _, err := r.u8(); err != nil {
		return nil, err
	}
	m := &StartAck{}
	var err error
	if m.Generation, err = r.u32(); err != nil {
		return nil, err
	}
	if m.ProposedNodeID, err = r.u32(); err != nil {
		return nil, err
	}
	if m.HighestObserved, err = r.u32(); err != nil {
		return nil, err
	}
	return m, nil
}

// MasterView (and JoinConf, which shares the same chunked-descriptor-list
// wire shape) describes the master's view of post-transition membership.
// Large views are split across datagrams, each carrying a First/Last pair
// packed into one flags byte so the receiver knows when it has the whole
// view assembled.
type MasterView struct {
	First bool
	Last  bool
	Nodes []*NodeDesc
}

const (
	viewFlagFirst = 1 << 0
	viewFlagLast  = 1 << 1
)

func (m *MasterView) Encode(addressLength int) ([]byte, error) {
	w := &byteWriter{}
	w.u8(uint8(CmdMasterView))
	w.u8(chunkFlags(m.First, m.Last))
	w.u8(uint8(len(m.Nodes)))
	for _, n := range m.Nodes {
		if err := n.Encode(w, addressLength); err != nil {
			return nil, err
		}
	}
	return w.buf.Bytes(), nil
}

func DecodeMasterView(buf []byte, addressLength int) (*MasterView, error) {
	r := newByteReader(buf)
	if _, err := r.u8(); err != nil {
		return nil, err
	}
	fl, err := r.u8()
	if err != nil {
		return nil, err
	}
	count, err := r.u8()
	if err != nil {
		return nil, err
	}
	m := &MasterView{First: fl&viewFlagFirst != 0, Last: fl&viewFlagLast != 0}
	for i := 0; i < int(count); i++ {
		nd, err := DecodeNodeDesc(r, addressLength)
		if err != nil {
			return nil, err
		}
		m.Nodes = append(m.Nodes, nd)
	}
	return m, nil
}

// chunkFlags packs first/last fragment markers into one byte.
func chunkFlags(first, last bool) uint8 {
	var fl uint8
	if first {
		fl |= viewFlagFirst
	}
	if last {
		fl |= viewFlagLast
	}
	return fl
}

// ViewAck answers a MasterView with agreement or disagreement.
type ViewAck struct {
	Agree bool
}

func (m *ViewAck) Encode() []byte {
	w := &byteWriter{}
	w.u8(uint8(CmdViewAck))
	if m.Agree {
		w.u8(1)
	} else {
		w.u8(0)
	}
	return w.buf.Bytes()
}

func DecodeViewAck(buf []byte) (*ViewAck, error) {
	r := newByteReader(buf)
	if _, err := r.u8(); err != nil {
		return nil, err
	}
	v, err := r.u8()
	if err != nil {
		return nil, err
	}
	return &ViewAck{Agree: v != 0}, nil
}

// JoinConf carries a chunked cluster-view descriptor list to the joiner.
type JoinConf struct {
	First bool
	Last  bool
	Nodes []*NodeDesc
}

func (m *JoinConf) Encode(addressLength int) ([]byte, error) {
	w := &byteWriter{}
	w.u8(uint8(CmdJoinConf))
	w.u8(chunkFlags(m.First, m.Last))
	w.u8(uint8(len(m.Nodes)))
	for _, n := range m.Nodes {
		if err := n.Encode(w, addressLength); err != nil {
			return nil, err
		}
	}
	return w.buf.Bytes(), nil
}

func DecodeJoinConf(buf []byte, addressLength int) (*JoinConf, error) {
	r := newByteReader(buf)
	if _, err := r.u8(); err != nil {
		return nil, err
	}
	fl, err := r.u8()
	if err != nil {
		return nil, err
	}
	count, err := r.u8()
	if err != nil {
		return nil, err
	}
	m := &JoinConf{First: fl&viewFlagFirst != 0, Last: fl&viewFlagLast != 0}
	for i := 0; i < int(count); i++ {
		nd, err := DecodeNodeDesc(r, addressLength)
		if err != nil {
			return nil, err
		}
		m.Nodes = append(m.Nodes, nd)
	}
	return m, nil
}

// ConfAck acknowledges a fully assembled JoinConf.
type ConfAck struct{}

func (m *ConfAck) Encode() []byte {
	w := &byteWriter{}
	w.u8(uint8(CmdConfAck))
	return w.buf.Bytes()
}

func DecodeConfAck(buf []byte) (*ConfAck, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("wire: truncated CONFACK")
	}
	return &ConfAck{}, nil
}

// EndTrans closes out a transition, committing the new generation.
type EndTrans struct {
	Quorum     uint32
	Generation uint32
	TotalVotes uint32
	NewNodeID  uint32
}

func (m *EndTrans) Encode() []byte {
	w := &byteWriter{}
	w.u8(uint8(CmdEndTrans))
	w.u32(m.Quorum)
	w.u32(m.Generation)
	w.u32(m.TotalVotes)
	w.u32(m.NewNodeID)
	return w.buf.Bytes()
}

func DecodeEndTrans(buf []byte) (*EndTrans, error) {
	r := newByteReader(buf)
	if _, err := r.u8(); err != nil {
		return nil, err
	}
	m := &EndTrans{}
	var err error
	if m.Quorum, err = r.u32(); err != nil {
		return nil, err
	}
	if m.Generation, err = r.u32(); err != nil {
		return nil, err
	}
	if m.TotalVotes, err = r.u32(); err != nil {
		return nil, err
	}
	if m.NewNodeID, err = r.u32(); err != nil {
		return nil, err
	}
	return m, nil
}

// ReconfigParam identifies which scalar a RECONFIG message changes.
type ReconfigParam uint8

const (
	ReconfigExpectedVotes ReconfigParam = iota + 1
	ReconfigNodeVotes
	ReconfigConfigVersion
)

// Reconfig is multicast NOACK to change a cluster-wide scalar.
type Reconfig struct {
	Param ReconfigParam
	Value uint32
}

func (m *Reconfig) Encode() []byte {
	w := &byteWriter{}
	w.u8(uint8(CmdReconfig))
	w.u8(uint8(m.Param))
	w.u32(m.Value)
	return w.buf.Bytes()
}

func DecodeReconfig(buf []byte) (*Reconfig, error) {
	r := newByteReader(buf)
	if _, err := r.u8(); err != nil {
		return nil, err
	}
	param, err := r.u8()
	if err != nil {
		return nil, err
	}
	value, err := r.u32()
	if err != nil {
		return nil, err
	}
	return &Reconfig{Param: ReconfigParam(param), Value: value}, nil
}

// NewCluster is multicast by a node about to form a cluster of its own, to
// let simultaneous formers resolve the tie.
type NewCluster struct {
	LowIP uint32 // low 32 bits of the sender's first bound address
}

func (m *NewCluster) Encode() []byte {
	w := &byteWriter{}
	w.u8(uint8(CmdNewCluster))
	w.u32(m.LowIP)
	return w.buf.Bytes()
}

func DecodeNewCluster(buf []byte) (*NewCluster, error) {
	r := newByteReader(buf)
	if _, err := r.u8(); err != nil {
		return nil, err
	}
	ip, err := r.u32()
	if err != nil {
		return nil, err
	}
	return &NewCluster{LowIP: ip}, nil
}

// Nominate forwards a concurrent-master back-down to the node believed to
// be the rightful winner.
type Nominate struct {
	NodeID uint32
}

func (m *Nominate) Encode() []byte {
	w := &byteWriter{}
	w.u8(uint8(CmdNominate))
	w.u32(m.NodeID)
	return w.buf.Bytes()
}

func DecodeNominate(buf []byte) (*Nominate, error) {
	r := newByteReader(buf)
	if _, err := r.u8(); err != nil {
		return nil, err
	}
	id, err := r.u32()
	if err != nil {
		return nil, err
	}
	return &Nominate{NodeID: id}, nil
}

// PeekMembershipCmd reads the sub-command byte without consuming it.
func PeekMembershipCmd(buf []byte) (MembershipCmd, error) {
	if len(buf) < 1 {
		return 0, fmt.Errorf("wire: empty membership payload")
	}
	return MembershipCmd(buf[0]), nil
}
