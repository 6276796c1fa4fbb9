package sg

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/cuemby/clustercore/pkg/barrier"
	"github.com/cuemby/clustercore/pkg/metrics"
	"github.com/cuemby/clustercore/pkg/wire"
)

// seventCtx is the initiator-side state machine driving a local join or
// leave request to completion.
type seventCtx struct {
	kind       Reason // ReasonJoin or ReasonLeave
	eventID    EventID
	state      string
	expected   map[int32]bool
	replies    map[int32]wire.SGStatus
	positives  []int32
	globalID   uint32
	members    []int32
	doneCh     chan error
	retryDelay bool
}

func encodeJoinReqPayload(name string, level uint32) []byte {
	buf := make([]byte, 1+len(name)+4)
	buf[0] = byte(len(name))
	copy(buf[1:], name)
	binary.LittleEndian.PutUint32(buf[1+len(name):], level)
	return buf
}

func decodeJoinReqPayload(buf []byte) (string, uint32, error) {
	if len(buf) < 1 {
		return "", 0, fmt.Errorf("sg: short JOIN_REQ payload")
	}
	n := int(buf[0])
	if len(buf) < 1+n+4 {
		return "", 0, fmt.Errorf("sg: truncated JOIN_REQ payload")
	}
	name := string(buf[1 : 1+n])
	level := binary.LittleEndian.Uint32(buf[1+n : 1+n+4])
	return name, level, nil
}

func encodeMemberList(members []int32) []byte {
	buf := make([]byte, 4+4*len(members))
	binary.LittleEndian.PutUint32(buf, uint32(len(members)))
	for i, id := range members {
		binary.LittleEndian.PutUint32(buf[4+4*i:], uint32(id))
	}
	return buf
}

func decodeMemberList(buf []byte) ([]int32, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("sg: short member list")
	}
	n := binary.LittleEndian.Uint32(buf)
	if uint32(len(buf)) < 4+4*n {
		return nil, fmt.Errorf("sg: truncated member list")
	}
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(buf[4+4*i:]))
	}
	return out, nil
}

// Join blocks the caller until the group identified by localID has
// completed joining the cluster-wide service group, or the join fails.
func (e *Engine) Join(localID uint32) error {
	g, err := e.group(localID)
	if err != nil {
		return err
	}
	for {
		done, retry := e.runSevent(g, ReasonJoin)
		if !retry {
			return done
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// Leave blocks the caller until the group identified by localID has left
// the cluster-wide service group.
func (e *Engine) Leave(localID uint32) error {
	g, err := e.group(localID)
	if err != nil {
		return err
	}
	for {
		done, retry := e.runSevent(g, ReasonLeave)
		if !retry {
			return done
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// runSevent drives one attempt of the join or leave sevent to completion,
// reporting (err, retryRequested).
func (e *Engine) runSevent(g *Group, kind Reason) (error, bool) {
	g.mu.Lock()
	if g.uevent != nil {
		g.mu.Unlock()
		return fmt.Errorf("sg: %q busy with an incoming stop", g.Name), true
	}
	if g.sevent != nil {
		g.mu.Unlock()
		return fmt.Errorf("sg: %q already has an event in progress", g.Name), false
	}
	ctx := &seventCtx{
		kind:     kind,
		eventID:  newEventID(),
		state:    "BEGIN",
		expected: make(map[int32]bool),
		replies:  make(map[int32]wire.SGStatus),
		doneCh:   make(chan error, 1),
	}
	for _, id := range e.memberIDs() {
		if id != e.localNode() {
			ctx.expected[id] = true
		}
	}
	g.sevent = ctx
	metrics.SGStateTotal.WithLabelValues(ctx.state).Inc()
	g.mu.Unlock()

	if kind == ReasonJoin {
		e.broadcast(wire.CmdSGJoinReq, 0, ctx.eventID, g.globalIDSnapshot(), 0, g.Level,
			encodeJoinReqPayload(g.Name, g.Level))
		ctx.state = "JOIN_ACKWAIT"
	} else {
		e.broadcast(wire.CmdSGLeaveReq, 0, ctx.eventID, g.globalIDSnapshot(), 0, g.Level, nil)
		ctx.state = "LEAVE_ACKWAIT"
	}

	if len(ctx.expected) == 0 {
		e.seventAllRepliesIn(g, ctx)
	}

	err := <-ctx.doneCh

	g.mu.Lock()
	retry := ctx.retryDelay
	g.sevent = nil
	g.mu.Unlock()
	return err, retry
}

func (g *Group) globalIDSnapshot() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.globalID
}

func (e *Engine) findSevent(globalID uint32, eventID EventID) (*Group, *seventCtx) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, g := range e.byLocalID {
		g.mu.Lock()
		if g.sevent != nil && g.sevent.eventID == eventID {
			ctx := g.sevent
			g.mu.Unlock()
			return g, ctx
		}
		g.mu.Unlock()
	}
	_ = globalID
	return nil, nil
}

func (e *Engine) onJoinRep(src int32, msg *wire.SGMessage) {
	g, ctx := e.findSevent(msg.GlobalSGID, msg.EventID)
	if g == nil {
		return
	}
	g.mu.Lock()
	if !ctx.expected[src] {
		g.mu.Unlock()
		return
	}
	ctx.replies[src] = msg.Status
	if msg.Status == wire.SGStatusPos {
		ctx.positives = append(ctx.positives, src)
		if msg.GlobalSGID != 0 {
			ctx.globalID = msg.GlobalSGID
		}
	}
	done := len(ctx.replies) >= len(ctx.expected)
	g.mu.Unlock()
	if done {
		e.seventAllRepliesIn(g, ctx)
	}
}

func (e *Engine) onLeaveRep(src int32, msg *wire.SGMessage) {
	e.onJoinRep(src, msg) // same aggregation shape
}

// seventAllRepliesIn is called once every expected member has answered
// JOIN_REQ/LEAVE_REQ, advancing to the *STOP_REQ phase.
func (e *Engine) seventAllRepliesIn(g *Group, ctx *seventCtx) {
	g.mu.Lock()
	for _, status := range ctx.replies {
		if status == wire.SGStatusWait {
			ctx.retryDelay = true
			doneCh := ctx.doneCh
			g.mu.Unlock()
			doneCh <- fmt.Errorf("sg: peer asked us to wait")
			return
		}
	}
	if ctx.globalID == 0 {
		ctx.globalID = e.allocGlobalID(g.Level)
	}
	members := append([]int32{e.localNode()}, ctx.positives...)
	ctx.members = members
	ctx.state = "STOP_ACKWAIT"
	doneCh := ctx.doneCh
	g.mu.Unlock()
	metrics.SGStateTotal.WithLabelValues(ctx.state).Inc()

	stopCmd := wire.CmdSGJStopReq
	if ctx.kind == ReasonLeave {
		stopCmd = wire.CmdSGLStopReq
	}
	targets := 0
	for _, id := range members {
		if id == e.localNode() {
			continue
		}
		targets++
		e.send(id, stopCmd, 0, ctx.eventID, ctx.globalID, 0, g.Level, encodeMemberList(members))
	}
	if targets == 0 {
		e.seventStopsAcked(g, ctx, doneCh)
	} else {
		g.mu.Lock()
		ctx.expected = make(map[int32]bool)
		for _, id := range members {
			if id != e.localNode() {
				ctx.expected[id] = true
			}
		}
		ctx.replies = make(map[int32]wire.SGStatus)
		g.mu.Unlock()
	}
}

func (e *Engine) onJStopRep(src int32, msg *wire.SGMessage) {
	e.onStopRep(src, msg)
}

func (e *Engine) onLStopRep(src int32, msg *wire.SGMessage) {
	e.onStopRep(src, msg)
}

func (e *Engine) onStopRep(src int32, msg *wire.SGMessage) {
	g, ctx := e.findSevent(msg.GlobalSGID, msg.EventID)
	if g == nil {
		return
	}
	g.mu.Lock()
	if !ctx.expected[src] {
		g.mu.Unlock()
		return
	}
	ctx.replies[src] = msg.Status
	done := len(ctx.replies) >= len(ctx.expected)
	doneCh := ctx.doneCh
	g.mu.Unlock()
	if done {
		e.seventStopsAcked(g, ctx, doneCh)
	}
}

// seventStopsAcked runs once every STOP_REQ target has replied, starting
// the service locally and on every member, then waiting at the barrier.
func (e *Engine) seventStopsAcked(g *Group, ctx *seventCtx, doneCh chan error) {
	g.mu.Lock()
	ctx.state = "SERVICEWAIT"
	members := ctx.members
	globalID := ctx.globalID
	eventID := ctx.eventID
	level := g.Level
	kind := ctx.kind
	g.pendingStartID = eventID
	g.pendingStartCh = make(chan struct{})
	ops := g.ops
	g.mu.Unlock()
	metrics.SGStateTotal.WithLabelValues(ctx.state).Inc()

	if kind == ReasonJoin {
		for _, id := range members {
			if id != e.localNode() {
				e.send(id, wire.CmdSGJStartCmd, 0, eventID, globalID, 0, level, encodeStartPayload(e.localNode(), members))
			}
		}
		ops.Start(members, eventID, ReasonJoin)
		<-g.pendingStartCh
		e.seventBarrierAndFinish(g, ctx, doneCh)
		return
	}

	// Leave: the departing node does not rejoin the restarted service; it
	// sends the post-leave member list to everyone staying behind and
	// waits for each of them to finish restarting before releasing the
	// barrier (handled by onLStartDone).
	g.mu.Lock()
	newMembers := append([]int32(nil), ctx.positives...)
	ctx.expected = make(map[int32]bool)
	for _, id := range newMembers {
		ctx.expected[id] = true
	}
	ctx.replies = make(map[int32]wire.SGStatus)
	g.mu.Unlock()
	if len(newMembers) == 0 {
		e.seventBarrierAndFinish(g, ctx, doneCh)
		return
	}
	for _, id := range newMembers {
		e.send(id, wire.CmdSGLStartCmd, 0, eventID, globalID, 0, level, encodeStartPayload(e.localNode(), newMembers))
	}
}

func (e *Engine) seventBarrierAndFinish(g *Group, ctx *seventCtx, doneCh chan error) {
	g.mu.Lock()
	ctx.state = "BARRIER_WAIT"
	name := barrierName(ctx.globalID, e.localNode(), ctx.eventID, len(ctx.members))
	members := ctx.members
	g.mu.Unlock()
	metrics.SGStateTotal.WithLabelValues(ctx.state).Inc()

	if e.bar == nil || len(members) <= 1 {
		e.finalizeSevent(g, ctx, doneCh)
		return
	}
	if err := e.bar.Register(name, uint32(len(members)), true); err != nil {
		e.log.Warn().Err(err).Str("barrier", name).Msg("sg barrier register failed")
		e.finalizeSevent(g, ctx, doneCh)
		return
	}
	memberID := strconv.Itoa(int(e.localNode()))
	_ = e.bar.Wait(context.Background(), name, memberID, 30*time.Second, func(string, barrier.Status) {
		e.finalizeSevent(g, ctx, doneCh)
	})
}

func (e *Engine) finalizeSevent(g *Group, ctx *seventCtx, doneCh chan error) {
	g.mu.Lock()
	g.globalID = ctx.globalID
	g.members = ctx.members
	g.ops.Finish(ctx.eventID)
	g.mu.Unlock()
	doneCh <- nil
}
