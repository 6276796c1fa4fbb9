package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAckRoundTrip(t *testing.T) {
	m := &Ack{Seq: 1234}
	got, err := DecodeAck(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m.Seq, got.Seq)
}

func TestListenReqRespRoundTrip(t *testing.T) {
	req := &ListenReq{Port: 3}
	gotReq, err := DecodeListenReq(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, req.Port, gotReq.Port)

	resp := &ListenResp{Port: 3, Listening: true}
	gotResp, err := DecodeListenResp(resp.Encode())
	require.NoError(t, err)
	assert.Equal(t, resp.Port, gotResp.Port)
	assert.True(t, gotResp.Listening)
}

func TestPortClosedRoundTrip(t *testing.T) {
	m := &PortClosed{Port: 2}
	got, err := DecodePortClosed(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m.Port, got.Port)
}

func TestPeekControlCommand(t *testing.T) {
	cmd, err := PeekControlCommand((&Ack{Seq: 1}).Encode())
	require.NoError(t, err)
	assert.Equal(t, CmdAck, cmd)

	_, err = PeekControlCommand(nil)
	assert.Error(t, err)
}
