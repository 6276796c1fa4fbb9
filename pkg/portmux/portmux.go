// Package portmux demultiplexes inbound datagrams across the 256 logical
// ports addressable by the header's port byte, and reports which ports
// are currently bound (IsBound), which the transport uses to answer
// LISTENREQ control queries.
package portmux

import (
	"fmt"
	"sync"

	"github.com/cuemby/clustercore/pkg/wire"
)

// Delivery is one demultiplexed datagram, header already parsed, handed
// to whichever handler is bound to its port.
type Delivery struct {
	Header  *wire.Header
	Payload []byte
	From    string // textual form of the sender's endpoint address
}

// Handler receives deliveries for a bound port.
type Handler interface {
	Deliver(d *Delivery)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(d *Delivery)

func (f HandlerFunc) Deliver(d *Delivery) { f(d) }

// Table is the 256-slot port table. Port 0 is reserved for control
// messages (ACK/LISTENREQ/LISTENRESP/PORTCLOSED) and is never exposed
// through Bind/Unbind.
type Table struct {
	mu       sync.RWMutex
	handlers [256]Handler
}

// New returns an empty port table.
func New() *Table {
	return &Table{}
}

// Bind registers handler for port. It is an error to bind port 0 or to
// bind a port that already has a handler.
func (t *Table) Bind(port uint8, handler Handler) error {
	if port == wire.ControlPort {
		return fmt.Errorf("portmux: port 0 is reserved for control traffic")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handlers[port] != nil {
		return fmt.Errorf("portmux: port %d already bound", port)
	}
	t.handlers[port] = handler
	return nil
}

// Unbind removes any handler bound to port, and returns whether one was
// present. Callers typically follow this with a PORTCLOSED broadcast so
// peers with senders blocked waiting for that port can wake up.
func (t *Table) Unbind(port uint8) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handlers[port] == nil {
		return false
	}
	t.handlers[port] = nil
	return true
}

// IsBound reports whether port currently has a handler.
func (t *Table) IsBound(port uint8) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handlers[port] != nil
}

// Dispatch routes an inbound datagram to the handler bound to its
// header's port, if any. Datagrams for unbound ports are silently
// dropped, since that's normal for stale traffic aimed at a port a peer
// has since closed.
func (t *Table) Dispatch(d *Delivery) {
	t.mu.RLock()
	h := t.handlers[d.Header.Port]
	t.mu.RUnlock()
	if h == nil {
		return
	}
	h.Deliver(d)
}
