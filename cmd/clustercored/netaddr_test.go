package main

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeAddrRoundTrip(t *testing.T) {
	in := &net.UDPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 5405}
	enc, err := encodeAddr(in)
	require.NoError(t, err)
	require.Len(t, enc, wireAddressLength)

	out, err := decodeAddr(enc)
	require.NoError(t, err)
	assert.True(t, out.IP.Equal(in.IP))
	assert.Equal(t, in.Port, out.Port)
}

func TestEncodeAddrRejectsIPv6(t *testing.T) {
	_, err := encodeAddr(&net.UDPAddr{IP: net.ParseIP("::1"), Port: 1})
	assert.Error(t, err)
}

func TestDecodeAddrRejectsWrongLength(t *testing.T) {
	_, err := decodeAddr([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestPeerAddrsObserveIgnoresZeroID(t *testing.T) {
	p := newPeerAddrs()
	p.observe(0, &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 1})
	_, ok := p.get(0)
	assert.False(t, ok)
}

func TestPeerAddrsObserveAndGet(t *testing.T) {
	p := newPeerAddrs()
	addr := &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 9}
	p.observe(5, addr)

	got, ok := p.get(5)
	require.True(t, ok)
	assert.Equal(t, addr, got)
}

func TestPeerAddrsGetUnknownIDReturnsFalse(t *testing.T) {
	p := newPeerAddrs()
	_, ok := p.get(42)
	assert.False(t, ok)
}

func TestIpToUint32FoldsIPv4BigEndian(t *testing.T) {
	v := ipToUint32(net.IPv4(10, 0, 0, 1))
	assert.Equal(t, uint32(10)<<24|1, v)
}

func TestIpToUint32ReturnsZeroForNonIPv4(t *testing.T) {
	assert.Equal(t, uint32(0), ipToUint32(net.ParseIP("::1")))
}

func TestResolveAdvertiseAddrPrefersExplicitFlag(t *testing.T) {
	mcast := &net.UDPAddr{IP: net.IPv4(239, 192, 52, 1), Port: 5405}
	addr, err := resolveAdvertiseAddr("0.0.0.0:5405", "10.5.5.5:6000", mcast)
	require.NoError(t, err)
	assert.True(t, addr.IP.Equal(net.IPv4(10, 5, 5, 5)))
	assert.Equal(t, 6000, addr.Port)
}

func TestResolveAdvertiseAddrUsesConcreteBindAddress(t *testing.T) {
	mcast := &net.UDPAddr{IP: net.IPv4(239, 192, 52, 1), Port: 5405}
	addr, err := resolveAdvertiseAddr("10.9.9.9:5405", "", mcast)
	require.NoError(t, err)
	assert.True(t, addr.IP.Equal(net.IPv4(10, 9, 9, 9)))
	assert.Equal(t, 5405, addr.Port)
}

func TestResolveAdvertiseAddrRejectsMalformedBind(t *testing.T) {
	mcast := &net.UDPAddr{IP: net.IPv4(239, 192, 52, 1), Port: 5405}
	_, err := resolveAdvertiseAddr("not-an-address", "", mcast)
	assert.Error(t, err)
}
