// Package transport implements the reliable-delivery layer on top of an
// endpoint set: per-peer sequencing, ACK processing, retransmission on
// timeout, dead-peer detection when retransmits are exhausted, and a
// quorum gate that blocks user-port sends until the cluster is quorate
// and not mid-transition.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/clustercore/pkg/endpoint"
	"github.com/cuemby/clustercore/pkg/log"
	"github.com/cuemby/clustercore/pkg/metrics"
	"github.com/cuemby/clustercore/pkg/portmux"
	"github.com/cuemby/clustercore/pkg/wire"
)

// Defaults for the retransmit loop, overridable via Config.
const (
	DefaultRetransmitInterval = 500 * time.Millisecond
	DefaultMaxRetries         = 5
)

// gatePollInterval is how often a blocked user-port send rechecks the
// quorum gate.
const gatePollInterval = 50 * time.Millisecond

// ErrWouldBlock is returned by Send/Broadcast for a user-port datagram
// (port > wire.HighProtectedPort) sent with wire.FlagDontWait while the
// cluster is not quorate or a transition is in progress.
var ErrWouldBlock = errors.New("transport: send would block: not quorate or in transition")

// GateFunc reports whether user-port sends may currently proceed:
// quorate is the cluster's current quorum state, inTransition reports
// whether a membership transition is in flight.
type GateFunc func() (quorate bool, inTransition bool)

// DeadPeerFunc is invoked once a peer's outstanding send has exceeded
// MaxRetries without an ACK.
type DeadPeerFunc func(nodeID int32)

// ControlHandler receives control-port (port 0) traffic that Transport
// does not already resolve itself (ACK, LISTENREQ/LISTENRESP,
// PORTCLOSED): currently just the BARRIER_WAIT/BARRIER_COMPLETE messages
// that drive a cluster-wide barrier.Registry. Membership registers itself
// here via SetControlHandler since it already owns the barrier registry.
// srcID identifies the node that reached the barrier; the handler resolves
// it to a member id/name itself via the node table it already holds.
type ControlHandler interface {
	HandleBarrierWait(name string, srcID int32)
	HandleBarrierComplete(name string, status uint8)
}

// SeqObserver is notified whenever a peer's sequence bookkeeping changes,
// so a node table can expose last_seq_sent/acked/recv the way the
// original per-node record does. peerID 0 is the reserved broadcast
// pseudo-peer.
type SeqObserver func(peerID int32, lastSent, lastAcked, lastRecv uint16)

// Config configures a Transport.
type Config struct {
	ClusterID          uint16
	LocalID            int32
	RetransmitInterval time.Duration
	MaxRetries         int
	OnDeadPeer         DeadPeerFunc
}

type pendingSend struct {
	header   *wire.Header
	payload  []byte
	sentAt   time.Time
	attempts int
}

type peerState struct {
	mu      sync.Mutex
	nextSeq uint16
	lastAck uint16
	pending map[uint16]*pendingSend

	recvMu      sync.Mutex
	lastSeqRecv uint16
	haveRecv    bool
}

// Transport multiplexes outbound sends through an endpoint.Set, tracks
// per-peer sequence/ACK state, and dispatches inbound datagrams to a
// portmux.Table after stripping the header and processing any piggybacked
// ACK.
type Transport struct {
	cfg   Config
	eps   *endpoint.Set
	ports *portmux.Table
	log   zerolog.Logger

	mu    sync.RWMutex
	peers map[int32]*peerState

	gateMu sync.RWMutex
	gate   GateFunc

	controlMu sync.RWMutex
	control   ControlHandler

	seqMu sync.RWMutex
	seqObs SeqObserver

	probesMu sync.Mutex
	probes   map[listenProbeKey]chan bool

	localID atomic.Int32

	resolve func(nodeID int32) (*endpoint.Endpoint, error)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// listenProbeKey identifies one outstanding ISLISTENING probe.
type listenProbeKey struct {
	peer int32
	port uint8
}

// New constructs a Transport. resolve maps a target node id to the
// endpoint used to reach it; membership/nodetable owns that mapping, so
// it is injected rather than duplicated here.
func New(cfg Config, eps *endpoint.Set, ports *portmux.Table, resolve func(nodeID int32) (*endpoint.Endpoint, error)) *Transport {
	if cfg.RetransmitInterval == 0 {
		cfg.RetransmitInterval = DefaultRetransmitInterval
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	t := &Transport{
		cfg:     cfg,
		eps:     eps,
		ports:   ports,
		resolve: resolve,
		peers:   make(map[int32]*peerState),
		probes:  make(map[listenProbeKey]chan bool),
		log:     log.WithComponent("transport"),
		stopCh:  make(chan struct{}),
	}
	t.localID.Store(cfg.LocalID)
	return t
}

// SetLocalID updates the node id stamped as SrcID on future sends. The
// membership layer calls this once a temporary id is replaced by the
// permanent id a completed transition assigns.
func (t *Transport) SetLocalID(id int32) {
	t.localID.Store(id)
}

// SetGate installs the quorum/transition predicate that user-port sends
// block on. Membership is constructed after Transport, so this is wired
// in once both exist, the same way SetLocalID is.
func (t *Transport) SetGate(gate GateFunc) {
	t.gateMu.Lock()
	t.gate = gate
	t.gateMu.Unlock()
}

// SetControlHandler installs the handler for control-port traffic
// Transport does not resolve itself (currently BARRIER). Membership is
// constructed after Transport, so this is wired in once both exist, the
// same way SetGate is.
func (t *Transport) SetControlHandler(h ControlHandler) {
	t.controlMu.Lock()
	t.control = h
	t.controlMu.Unlock()
}

// SetSeqObserver installs a callback notified whenever a peer's
// sent/acked/received sequence bookkeeping changes, for a node table to
// mirror into its records.
func (t *Transport) SetSeqObserver(obs SeqObserver) {
	t.seqMu.Lock()
	t.seqObs = obs
	t.seqMu.Unlock()
}

func (t *Transport) notifySeq(peerID int32, sent, acked, recv uint16) {
	t.seqMu.RLock()
	obs := t.seqObs
	t.seqMu.RUnlock()
	if obs != nil {
		obs(peerID, sent, acked, recv)
	}
}

// waitForGate blocks a user-port send until the cluster is quorate and
// not mid-transition. Ports at or below wire.HighProtectedPort, and sends
// made before a gate is installed, are never blocked.
func (t *Transport) waitForGate(port uint8, flags wire.Flags) error {
	if port <= wire.HighProtectedPort {
		return nil
	}
	t.gateMu.RLock()
	gate := t.gate
	t.gateMu.RUnlock()
	if gate == nil {
		return nil
	}
	for {
		quorate, inTransition := gate()
		if quorate && !inTransition {
			return nil
		}
		if flags.Has(wire.FlagDontWait) {
			return ErrWouldBlock
		}
		select {
		case <-time.After(gatePollInterval):
		case <-t.stopCh:
			return ErrWouldBlock
		}
	}
}

func (t *Transport) peer(id int32) *peerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		p = &peerState{pending: make(map[uint16]*pendingSend)}
		t.peers[id] = p
	}
	return p
}

// recvSnapshot returns the highest sequence received from peerID, and
// whether anything has been received from it at all.
func (p *peerState) recvSnapshot() (uint16, bool) {
	p.recvMu.Lock()
	defer p.recvMu.Unlock()
	return p.lastSeqRecv, p.haveRecv
}

// dedupAndRecord reports whether seq is a duplicate or reordering-stale
// datagram from this peer (at or before the highest sequence already
// seen), recording it as the new high-water mark otherwise.
func (p *peerState) dedupAndRecord(seq uint16) bool {
	p.recvMu.Lock()
	defer p.recvMu.Unlock()
	if p.haveRecv && !wire.SeqBefore(p.lastSeqRecv, seq) {
		return true
	}
	p.lastSeqRecv = seq
	p.haveRecv = true
	return false
}

// Send frames payload behind a header addressed to tgtID on port, and
// transmits it via the current endpoint. Unless flags includes
// wire.FlagNoAck, the send is tracked for retransmission until an ACK
// (explicit or piggybacked) covers its sequence number. The header's Ack
// field piggybacks the highest sequence so far received from tgtID, so a
// reply in the normal course of traffic can double as that peer's ACK
// without needing a separate control datagram.
func (t *Transport) Send(tgtID int32, port uint8, payload []byte, flags wire.Flags) error {
	if err := t.waitForGate(port, flags); err != nil {
		return err
	}
	p := t.peer(tgtID)

	p.mu.Lock()
	seq := p.nextSeq
	p.nextSeq++
	h := &wire.Header{
		Port:    port,
		Flags:   flags,
		Cluster: t.cfg.ClusterID,
		Seq:     seq,
		SrcID:   t.localID.Load(),
		TgtID:   tgtID,
	}
	if ackVal, have := p.recvSnapshot(); have {
		h.Ack = ackVal
	}
	if !flags.Has(wire.FlagNoAck) {
		p.pending[seq] = &pendingSend{header: h, payload: payload, sentAt: time.Now(), attempts: 1}
	}
	lastAck := p.lastAck
	p.mu.Unlock()

	t.notifySeq(tgtID, seq, lastAck, h.Ack)
	return t.transmit(tgtID, h, payload)
}

func (t *Transport) transmit(tgtID int32, h *wire.Header, payload []byte) error {
	ep, err := t.resolve(tgtID)
	if err != nil {
		return fmt.Errorf("transport: resolve %d: %w", tgtID, err)
	}
	buf := append(h.Encode(), payload...)
	if h.Flags.Has(wire.FlagAllInt) {
		for _, e := range t.eps.All() {
			if _, err := e.Conn.WriteTo(buf, ep.Dest); err != nil {
				t.log.Warn().Err(err).Msg("send failed on interface")
			}
		}
		return nil
	}
	_, err = ep.Conn.WriteTo(buf, ep.Dest)
	return err
}

// Broadcast frames payload behind a multicast header (TgtID 0) and sends
// it out the currently preferred endpoint's destination. Broadcasts are
// typically sent with wire.FlagNoAck (HELLO, RECONFIG); when they are not,
// the sequence is tracked under the reserved peer id 0 the same way a
// unicast send to a real peer would be.
func (t *Transport) Broadcast(port uint8, payload []byte, flags wire.Flags) error {
	if err := t.waitForGate(port, flags); err != nil {
		return err
	}
	flags |= wire.FlagMulticast
	p := t.peer(0)

	p.mu.Lock()
	seq := p.nextSeq
	p.nextSeq++
	h := &wire.Header{
		Port:    port,
		Flags:   flags,
		Cluster: t.cfg.ClusterID,
		Seq:     seq,
		SrcID:   t.localID.Load(),
		TgtID:   0,
	}
	if !flags.Has(wire.FlagNoAck) {
		p.pending[seq] = &pendingSend{header: h, payload: payload, sentAt: time.Now(), attempts: 1}
	}
	lastAck := p.lastAck
	p.mu.Unlock()

	t.notifySeq(0, seq, lastAck, 0)

	ep, err := t.eps.Current()
	if err != nil {
		return fmt.Errorf("transport: broadcast: %w", err)
	}
	buf := append(h.Encode(), payload...)
	_, err = ep.Conn.WriteTo(buf, ep.Dest)
	return err
}

// Deliver processes one inbound datagram: strips the header, applies any
// piggybacked ACK against the sender's pending sends, deduplicates it
// against that peer's last_seq_recv, ACKs it back (unless it was sent
// with FlagNoAck), and routes the payload through the port table. Port-0
// (control) traffic never reaches the port table — it is resolved here or
// handed to the registered ControlHandler instead, since portmux reserves
// port 0 and would otherwise just drop it.
func (t *Transport) Deliver(raw []byte, from string) error {
	h, payload, err := wire.DecodeHeader(raw)
	if err != nil {
		return err
	}
	if h.Cluster != t.cfg.ClusterID {
		return nil // foreign cluster, silently drop
	}

	if h.Port == wire.ControlPort {
		t.deliverControl(h, payload)
		return nil
	}

	if h.Ack != 0 || h.Flags.Has(wire.FlagReplyExp) {
		t.ackUpTo(h.SrcID, h.Ack)
	}

	if !h.Flags.Has(wire.FlagNoAck) {
		p := t.peer(h.SrcID)
		if p.dedupAndRecord(h.Seq) {
			metrics.DuplicatesDroppedTotal.Inc()
			t.sendAck(h.SrcID, h.Seq) // peer likely missed our first ACK; resend it
			return nil
		}
		nextSeq, lastAck := p.snapshotSendState()
		var lastSent uint16
		if nextSeq > 0 {
			lastSent = nextSeq - 1
		}
		t.notifySeq(h.SrcID, lastSent, lastAck, h.Seq)
		t.sendAck(h.SrcID, h.Seq)
	}

	t.ports.Dispatch(&portmux.Delivery{Header: h, Payload: payload, From: from})
	return nil
}

// sendAck replies to peerID with an explicit control ACK for seq. Sent
// with FlagNoAck so acking an ACK can't recurse.
func (t *Transport) sendAck(peerID int32, seq uint16) {
	ack := &wire.Ack{Seq: seq}
	if err := t.Send(peerID, wire.ControlPort, ack.Encode(), wire.FlagNoAck); err != nil {
		t.log.Warn().Err(err).Int32("peer", peerID).Msg("failed to send ack")
	}
}

// deliverControl handles port-0 traffic: explicit ACKs, the ISLISTENING
// probe request/response pair, PORTCLOSED notifications, and BARRIER
// wait/complete messages forwarded to the registered ControlHandler.
// BarrierCmd shares the control port's single leading command byte with
// ControlCommand (their value ranges are kept disjoint), so an unmatched
// ControlCommand is tried as a BarrierCmd before giving up.
func (t *Transport) deliverControl(h *wire.Header, payload []byte) {
	cmd, err := wire.PeekControlCommand(payload)
	if err != nil {
		t.log.Warn().Err(err).Msg("short control payload")
		return
	}
	switch cmd {
	case wire.CmdAck:
		ack, err := wire.DecodeAck(payload)
		if err != nil {
			t.log.Warn().Err(err).Msg("malformed ACK")
			return
		}
		t.ackUpTo(h.SrcID, ack.Seq)
		return

	case wire.CmdListenReq:
		req, err := wire.DecodeListenReq(payload)
		if err != nil {
			t.log.Warn().Err(err).Msg("malformed LISTENREQ")
			return
		}
		resp := &wire.ListenResp{Port: req.Port, Listening: t.ports.IsBound(req.Port)}
		if err := t.Send(h.SrcID, wire.ControlPort, resp.Encode(), wire.FlagNoAck); err != nil {
			t.log.Warn().Err(err).Msg("failed to send LISTENRESP")
		}
		return

	case wire.CmdListenResp:
		resp, err := wire.DecodeListenResp(payload)
		if err != nil {
			t.log.Warn().Err(err).Msg("malformed LISTENRESP")
			return
		}
		t.resolveProbe(h.SrcID, resp.Port, resp.Listening)
		return

	case wire.CmdPortClosed:
		pc, err := wire.DecodePortClosed(payload)
		if err != nil {
			t.log.Warn().Err(err).Msg("malformed PORTCLOSED")
			return
		}
		t.resolveProbe(h.SrcID, pc.Port, false)
		return
	}

	switch wire.BarrierCmd(cmd) {
	case wire.CmdBarrierWait:
		bw, err := wire.DecodeBarrierWait(payload)
		if err != nil {
			t.log.Warn().Err(err).Msg("malformed BARRIER_WAIT")
			return
		}
		t.controlMu.RLock()
		ch := t.control
		t.controlMu.RUnlock()
		if ch != nil {
			ch.HandleBarrierWait(bw.Name, h.SrcID)
		}

	case wire.CmdBarrierComplete:
		bc, err := wire.DecodeBarrierComplete(payload)
		if err != nil {
			t.log.Warn().Err(err).Msg("malformed BARRIER_COMPLETE")
			return
		}
		t.controlMu.RLock()
		ch := t.control
		t.controlMu.RUnlock()
		if ch != nil {
			ch.HandleBarrierComplete(bc.Name, bc.Status)
		}

	case wire.CmdBarrierRegister, wire.CmdBarrierChange:
		// Every node derives its own barrier registration (name, required
		// count) from its own membership view when a transition completes,
		// so these never need to cross the wire.

	default:
		t.log.Warn().Uint8("cmd", uint8(cmd)).Msg("unrecognized control command")
	}
}

// ProbeListening asks peerID via the control port's ISLISTENING exchange
// whether it has a handler bound to port, blocking until a LISTENRESP (or
// a PORTCLOSED for that port) arrives or ctx is done.
func (t *Transport) ProbeListening(ctx context.Context, peerID int32, port uint8) (bool, error) {
	key := listenProbeKey{peer: peerID, port: port}
	ch := make(chan bool, 1)
	t.probesMu.Lock()
	t.probes[key] = ch
	t.probesMu.Unlock()
	defer func() {
		t.probesMu.Lock()
		delete(t.probes, key)
		t.probesMu.Unlock()
	}()

	req := &wire.ListenReq{Port: port}
	if err := t.Send(peerID, wire.ControlPort, req.Encode(), wire.FlagNoAck); err != nil {
		return false, fmt.Errorf("transport: probe listening on peer %d port %d: %w", peerID, port, err)
	}
	select {
	case listening := <-ch:
		return listening, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-t.stopCh:
		return false, fmt.Errorf("transport: stopped while probing peer %d port %d", peerID, port)
	}
}

func (t *Transport) resolveProbe(peerID int32, port uint8, listening bool) {
	key := listenProbeKey{peer: peerID, port: port}
	t.probesMu.Lock()
	ch, ok := t.probes[key]
	t.probesMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- listening:
	default:
	}
}

func (t *Transport) ackUpTo(peerID int32, ack uint16) {
	p := t.peer(peerID)
	p.mu.Lock()
	for seq := range p.pending {
		if seq == ack || wire.SeqBefore(seq, ack) {
			delete(p.pending, seq)
		}
	}
	if !wire.SeqBefore(ack, p.lastAck) {
		p.lastAck = ack
	}
	lastAck := p.lastAck
	var lastSent uint16
	if p.nextSeq > 0 {
		lastSent = p.nextSeq - 1
	}
	p.mu.Unlock()

	recvSeq, _ := p.recvSnapshot()
	t.notifySeq(peerID, lastSent, lastAck, recvSeq)
}

// Ack explicitly acknowledges seq from peerID, clearing it (and anything
// older) from the pending-retransmit set. Used when the control-port ACK
// message is received rather than relying solely on piggybacking.
func (t *Transport) Ack(peerID int32, seq uint16) {
	t.ackUpTo(peerID, seq)
}

func (p *peerState) snapshotSendState() (nextSeq, lastAck uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextSeq, p.lastAck
}

// Start launches the retransmit-scanning background loop.
func (t *Transport) Start(ctx context.Context) {
	t.wg.Add(1)
	go t.retransmitLoop(ctx)
}

// Stop halts the retransmit loop and waits for it to exit.
func (t *Transport) Stop() {
	close(t.stopCh)
	t.wg.Wait()
}

func (t *Transport) retransmitLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.RetransmitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.scanRetransmits()
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) scanRetransmits() {
	t.mu.RLock()
	peerIDs := make([]int32, 0, len(t.peers))
	for id := range t.peers {
		peerIDs = append(peerIDs, id)
	}
	t.mu.RUnlock()

	now := time.Now()
	for _, id := range peerIDs {
		p := t.peer(id)
		p.mu.Lock()
		var dead bool
		for seq, ps := range p.pending {
			if now.Sub(ps.sentAt) < t.cfg.RetransmitInterval {
				continue
			}
			if ps.attempts >= t.cfg.MaxRetries {
				dead = true
				continue
			}
			ps.attempts++
			ps.sentAt = now
			metrics.RetransmitsTotal.WithLabelValues("timeout").Inc()
			if ps.attempts > 1 {
				if _, err := t.eps.GetNextInterface(); err != nil {
					t.log.Warn().Err(err).Msg("failed to rotate to next interface on retransmit")
				}
			}
			go func(id int32, h *wire.Header, payload []byte) {
				if err := t.transmit(id, h, payload); err != nil {
					t.log.Warn().Err(err).Int32("peer", id).Msg("retransmit failed")
				}
			}(id, ps.header, ps.payload)
			_ = seq
		}
		if dead {
			p.pending = make(map[uint16]*pendingSend)
		}
		p.mu.Unlock()
		if dead {
			metrics.DeadPeersTotal.Inc()
			t.log.Warn().Int32("peer", id).Msg("peer declared dead: retransmits exhausted")
			if t.cfg.OnDeadPeer != nil {
				t.cfg.OnDeadPeer(id)
			}
		}
	}
}

// ForgetPeer discards all tracked state for a peer, e.g. once it has left
// the cluster or been reaped as dead.
func (t *Transport) ForgetPeer(id int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
}
