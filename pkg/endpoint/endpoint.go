// Package endpoint manages the set of network interfaces a node sends and
// receives cluster datagrams on, implementing failover across interfaces
// when the currently preferred one stops carrying traffic.
package endpoint

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/clustercore/pkg/log"
	"github.com/cuemby/clustercore/pkg/types"
)

// Endpoint wraps one bound net.PacketConn together with the address the
// cluster protocol uses to identify it.
type Endpoint struct {
	Addr types.Address
	Conn net.PacketConn
	Dest net.Addr // multicast/broadcast destination for this interface
}

// Set is an ordered collection of endpoints a node can send and receive
// on, with one marked "current" for outbound traffic. A send failure or
// missed-hello chain of events on the current interface rotates to the
// next.
type Set struct {
	mu        sync.RWMutex
	endpoints []*Endpoint
	current   int
	log       zerolog.Logger
}

// New returns an empty endpoint set.
func New() *Set {
	return &Set{log: log.WithComponent("endpoint")}
}

// AddEndpoint binds conn as a new member of the set. The first endpoint
// added becomes current.
func (s *Set) AddEndpoint(addr types.Address, conn net.PacketConn, dest net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints = append(s.endpoints, &Endpoint{Addr: addr, Conn: conn, Dest: dest})
	s.log.Debug().Int("count", len(s.endpoints)).Msg("endpoint added")
}

// LocalAddresses returns the bound address of every endpoint in the set,
// in the order they were added. This is the address list a node presents
// in JOINREQ and carries in its NodeDesc.
func (s *Set) LocalAddresses() []types.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Address, len(s.endpoints))
	for i, e := range s.endpoints {
		out[i] = e.Addr
	}
	return out
}

// Current returns the endpoint currently preferred for outbound traffic.
func (s *Set) Current() (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.endpoints) == 0 {
		return nil, fmt.Errorf("endpoint: no endpoints configured")
	}
	return s.endpoints[s.current], nil
}

// GetNextInterface rotates the current endpoint forward by one and
// returns it, wrapping around. Called when the current interface appears
// to have stopped delivering traffic.
func (s *Set) GetNextInterface() (*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.endpoints) == 0 {
		return nil, fmt.Errorf("endpoint: no endpoints configured")
	}
	s.current = (s.current + 1) % len(s.endpoints)
	ep := s.endpoints[s.current]
	s.log.Warn().Int("index", s.current).Msg("failed over to next interface")
	return ep, nil
}

// All returns every endpoint in the set, used by FlagAllInt sends that
// must go out every interface rather than just the current one.
func (s *Set) All() []*Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Endpoint, len(s.endpoints))
	copy(out, s.endpoints)
	return out
}

// Close closes every bound connection in the set.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, e := range s.endpoints {
		if err := e.Conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReadLoop reads datagrams from the single endpoint ep and delivers them
// on out until ctx is cancelled or ep's connection errors.
func (s *Set) ReadLoop(ctx context.Context, ep *Endpoint, out chan<- []byte) {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, _, err := ep.Conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.log.Warn().Err(err).Msg("read error on endpoint")
				return
			}
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case out <- cp:
		case <-ctx.Done():
			return
		}
	}
}
