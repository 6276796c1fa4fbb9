package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinReqRoundTrip(t *testing.T) {
	m := &JoinReq{
		Votes:         1,
		ExpectedVotes: 3,
		VersionMajor:  1,
		ConfigVersion: 7,
		AddressLength: 8,
		ClusterName:   "prod-cluster",
		Addresses:     [][]byte{make([]byte, 8), make([]byte, 8)},
		Name:          "node-a",
	}
	m.Addresses[1][0] = 0xFF

	got, err := DecodeJoinReq(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m.Votes, got.Votes)
	assert.Equal(t, m.ExpectedVotes, got.ExpectedVotes)
	assert.Equal(t, m.ConfigVersion, got.ConfigVersion)
	assert.Equal(t, m.AddressLength, got.AddressLength)
	assert.Equal(t, m.ClusterName, got.ClusterName)
	assert.Equal(t, m.Addresses, got.Addresses)
	assert.Equal(t, m.Name, got.Name)
}

func TestJoinReqRejectsNonJoinReqPayload(t *testing.T) {
	other := (&Hello{}).Encode()
	_, err := DecodeJoinReq(other)
	assert.Error(t, err)
}

func TestJoinAckRoundTrip(t *testing.T) {
	for _, status := range []JoinAckStatus{JoinAckOK, JoinAckNAK, JoinAckWait} {
		m := &JoinAck{Status: status}
		got, err := DecodeJoinAck(m.Encode())
		require.NoError(t, err)
		assert.Equal(t, status, got.Status)
	}
}

func TestJoinRejRoundTrip(t *testing.T) {
	m := &JoinRej{Reason: "cluster name mismatch"}
	got, err := DecodeJoinRej(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m.Reason, got.Reason)
}

func TestHelloRoundTrip(t *testing.T) {
	m := &Hello{FlagMaster: true, FlagQuorate: false, Members: 4, Generation: 12}
	got, err := DecodeHello(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m.FlagMaster, got.FlagMaster)
	assert.Equal(t, m.FlagQuorate, got.FlagQuorate)
	assert.Equal(t, m.Members, got.Members)
	assert.Equal(t, m.Generation, got.Generation)
}

func TestStartTransRoundTripWithName(t *testing.T) {
	m := &StartTrans{
		Reason:        TransNewNode,
		Votes:         1,
		ExpectedVotes: 3,
		Generation:    5,
		NodeID:        9,
		Addresses:     [][]byte{make([]byte, 8)},
		Name:          "joiner",
	}
	got, err := DecodeStartTrans(m.Encode(8), 8)
	require.NoError(t, err)
	assert.Equal(t, m.Reason, got.Reason)
	assert.Equal(t, m.Name, got.Name)
	assert.Equal(t, m.Addresses, got.Addresses)
}

func TestStartTransRoundTripWithoutNameForRemoval(t *testing.T) {
	m := &StartTrans{Reason: TransRemNode, NodeID: 3, Generation: 2}
	got, err := DecodeStartTrans(m.Encode(8), 8)
	require.NoError(t, err)
	assert.Equal(t, TransRemNode, got.Reason)
	assert.Empty(t, got.Name)
	assert.Equal(t, uint32(3), got.NodeID)
}

func TestMasterViewRoundTrip(t *testing.T) {
	m := &MasterView{
		First: true,
		Last:  true,
		Nodes: []*NodeDesc{
			{Name: "a", State: 1, Addresses: [][]byte{make([]byte, 8)}, Votes: 1, ExpectedVotes: 3, NodeID: 1},
			{Name: "b", State: 2, Addresses: [][]byte{make([]byte, 8)}, Votes: 1, ExpectedVotes: 3, NodeID: 2},
		},
	}
	buf, err := m.Encode(8)
	require.NoError(t, err)

	got, err := DecodeMasterView(buf, 8)
	require.NoError(t, err)
	require.Len(t, got.Nodes, 2)
	assert.True(t, got.First)
	assert.True(t, got.Last)
	assert.Equal(t, "a", got.Nodes[0].Name)
	assert.Equal(t, uint32(2), got.Nodes[1].NodeID)
}

func TestMasterViewRoundTripMiddleFragment(t *testing.T) {
	m := &MasterView{
		First: false,
		Last:  false,
		Nodes: []*NodeDesc{{Name: "c", NodeID: 3}},
	}
	buf, err := m.Encode(8)
	require.NoError(t, err)

	got, err := DecodeMasterView(buf, 8)
	require.NoError(t, err)
	assert.False(t, got.First)
	assert.False(t, got.Last)
	require.Len(t, got.Nodes, 1)
}

func TestJoinConfRoundTrip(t *testing.T) {
	m := &JoinConf{First: true, Last: true, Nodes: []*NodeDesc{{Name: "only", Addresses: nil, NodeID: 1}}}
	buf, err := m.Encode(8)
	require.NoError(t, err)

	got, err := DecodeJoinConf(buf, 8)
	require.NoError(t, err)
	require.Len(t, got.Nodes, 1)
	assert.True(t, got.First)
	assert.True(t, got.Last)
	assert.Equal(t, "only", got.Nodes[0].Name)
}

func TestJoinConfRoundTripNonLastFragment(t *testing.T) {
	m := &JoinConf{First: true, Last: false, Nodes: []*NodeDesc{{Name: "only", NodeID: 1}}}
	buf, err := m.Encode(8)
	require.NoError(t, err)

	got, err := DecodeJoinConf(buf, 8)
	require.NoError(t, err)
	assert.True(t, got.First)
	assert.False(t, got.Last)
}

func TestEndTransRoundTrip(t *testing.T) {
	m := &EndTrans{Quorum: 2, Generation: 9, TotalVotes: 3, NewNodeID: 4}
	got, err := DecodeEndTrans(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, *m, *got)
}

func TestNewClusterRoundTrip(t *testing.T) {
	m := &NewCluster{LowIP: 0x0A000001}
	got, err := DecodeNewCluster(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m.LowIP, got.LowIP)
}

func TestReconfigRoundTrip(t *testing.T) {
	m := &Reconfig{Param: ReconfigExpectedVotes, Value: 5}
	got, err := DecodeReconfig(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m.Param, got.Param)
	assert.Equal(t, m.Value, got.Value)
}

func TestPeekMembershipCmd(t *testing.T) {
	cmd, err := PeekMembershipCmd((&Hello{}).Encode())
	require.NoError(t, err)
	assert.Equal(t, CmdHello, cmd)

	_, err = PeekMembershipCmd(nil)
	assert.Error(t, err)
}
