package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSGMessageRoundTrip(t *testing.T) {
	m := &SGMessage{
		Cmd:          CmdSGJStopReq,
		Status:       SGStatusWait,
		GlobalSGID:   (1 << 24) | 7,
		GlobalLastID: (1 << 24) | 6,
		SGLevel:      1,
		Payload:      []byte("hello"),
	}
	m.EventID[0] = 0xAB

	got, err := DecodeSGMessage(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m.Cmd, got.Cmd)
	assert.Equal(t, m.Status, got.Status)
	assert.Equal(t, m.EventID, got.EventID)
	assert.Equal(t, m.GlobalSGID, got.GlobalSGID)
	assert.Equal(t, m.GlobalLastID, got.GlobalLastID)
	assert.Equal(t, m.SGLevel, got.SGLevel)
	assert.Equal(t, m.Payload, got.Payload)
}

func TestSGMessageEmptyPayloadRoundTrip(t *testing.T) {
	m := &SGMessage{Cmd: CmdSGRecover, Status: SGStatusPos}
	got, err := DecodeSGMessage(m.Encode())
	require.NoError(t, err)
	assert.Empty(t, got.Payload)
}

func TestPeekSGCmd(t *testing.T) {
	cmd, err := PeekSGCmd((&SGMessage{Cmd: CmdSGJoinReq}).Encode())
	require.NoError(t, err)
	assert.Equal(t, CmdSGJoinReq, cmd)

	_, err = PeekSGCmd(nil)
	assert.Error(t, err)
}
