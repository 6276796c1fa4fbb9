package main

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/cuemby/clustercore/pkg/types"
)

// wireAddressLength is the size of the on-wire Address this daemon builds:
// 2 reserved "family" bytes (skipped by types.Address.Equal, kept for wire
// shape symmetry with the original sockaddr-derived address), 4 bytes of
// IPv4, 2 bytes of port.
const wireAddressLength = 8

// encodeAddr turns a UDP address into the fixed-length types.Address this
// daemon carries in JOINREQ/MASTERVIEW/JOINCONF node descriptors.
func encodeAddr(a *net.UDPAddr) (types.Address, error) {
	ip4 := a.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("netaddr: %s is not an IPv4 address", a.IP)
	}
	b := make([]byte, wireAddressLength)
	copy(b[2:6], ip4)
	binary.BigEndian.PutUint16(b[6:8], uint16(a.Port))
	return types.Address(b), nil
}

// decodeAddr is encodeAddr's inverse.
func decodeAddr(a types.Address) (*net.UDPAddr, error) {
	if len(a) != wireAddressLength {
		return nil, fmt.Errorf("netaddr: address must be %d bytes, got %d", wireAddressLength, len(a))
	}
	ip := net.IPv4(a[2], a[3], a[4], a[5])
	port := int(binary.BigEndian.Uint16(a[6:8]))
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

// peerAddrs remembers the unicast address a node id's traffic was last seen
// arriving from, so transport.Transport's resolve callback can find a
// destination for a node that has no nodetable entry yet — a joining node
// has nowhere else to learn the master's address before sending its very
// first JOINREQ.
type peerAddrs struct {
	mu   sync.RWMutex
	byID map[int32]*net.UDPAddr
}

func newPeerAddrs() *peerAddrs {
	return &peerAddrs{byID: make(map[int32]*net.UDPAddr)}
}

func (p *peerAddrs) observe(id int32, addr *net.UDPAddr) {
	if id == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[id] = addr
}

func (p *peerAddrs) get(id int32) (*net.UDPAddr, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.byID[id]
	return a, ok
}

// resolveAdvertiseAddr picks the unicast address this node tells the rest
// of the cluster to reach it on. An explicit --advertise wins; otherwise,
// if --bind names a concrete interface, that address is reused as-is;
// otherwise the OS is asked which local address it would use to route to
// the multicast group, and that address's IP is paired with the bound port.
func resolveAdvertiseAddr(bindAddr, advertise string, mcastGroup *net.UDPAddr) (*net.UDPAddr, error) {
	if advertise != "" {
		return net.ResolveUDPAddr("udp4", advertise)
	}
	bound, err := net.ResolveUDPAddr("udp4", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("netaddr: parse bind address %q: %w", bindAddr, err)
	}
	if !bound.IP.IsUnspecified() {
		return bound, nil
	}
	probe, err := net.DialUDP("udp4", nil, mcastGroup)
	if err != nil {
		return nil, fmt.Errorf("netaddr: determine outbound interface: %w", err)
	}
	defer probe.Close()
	outbound := probe.LocalAddr().(*net.UDPAddr)
	return &net.UDPAddr{IP: outbound.IP, Port: bound.Port}, nil
}

// ipToUint32 folds an IPv4 address into the big-endian integer the
// formation tie-break compares (higher value defers to lower).
func ipToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(ip4)
}
