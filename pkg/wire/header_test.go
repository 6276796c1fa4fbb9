package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := &Header{
		Port:    7,
		Flags:   FlagReplyExp | FlagMulticast,
		Cluster: 0xBEEF,
		Seq:     42,
		Ack:     41,
		SrcID:   3,
		TgtID:   -1,
	}
	buf := h.Encode()
	require.Len(t, buf, HeaderSize)

	got, rest, err := DecodeHeader(append(buf, []byte("payload")...))
	require.NoError(t, err)
	assert.Empty(t, cmpHeader(h, got))
	assert.Equal(t, []byte("payload"), rest)
}

func TestHeaderEncodeNegativeTargetSurvivesRoundTrip(t *testing.T) {
	// TgtID 0 means multicast; any other value, including negative temp
	// ids, must round-trip exactly through the uint32 wire encoding.
	h := &Header{SrcID: -5, TgtID: -9}
	got, _, err := DecodeHeader(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, int32(-5), got.SrcID)
	assert.Equal(t, int32(-9), got.TgtID)
}

func TestDecodeHeaderShortDatagram(t *testing.T) {
	_, _, err := DecodeHeader(make([]byte, HeaderSize-1))
	assert.Error(t, err)
}

func TestFlagsHas(t *testing.T) {
	f := FlagNoAck | FlagAllInt
	assert.True(t, f.Has(FlagNoAck))
	assert.True(t, f.Has(FlagAllInt))
	assert.False(t, f.Has(FlagMulticast))
}

func TestSeqBeforeWraparound(t *testing.T) {
	assert.True(t, SeqBefore(1, 2))
	assert.False(t, SeqBefore(2, 1))
	assert.False(t, SeqBefore(5, 5))
	// wraps past 65535 back to 0
	assert.True(t, SeqBefore(65535, 0))
	assert.False(t, SeqBefore(0, 65535))
}

func cmpHeader(a, b *Header) []string {
	var diffs []string
	if a.Port != b.Port {
		diffs = append(diffs, "Port")
	}
	if a.Flags != b.Flags {
		diffs = append(diffs, "Flags")
	}
	if a.Cluster != b.Cluster {
		diffs = append(diffs, "Cluster")
	}
	if a.Seq != b.Seq {
		diffs = append(diffs, "Seq")
	}
	if a.Ack != b.Ack {
		diffs = append(diffs, "Ack")
	}
	if a.SrcID != b.SrcID {
		diffs = append(diffs, "SrcID")
	}
	if a.TgtID != b.TgtID {
		diffs = append(diffs, "TgtID")
	}
	return diffs
}
