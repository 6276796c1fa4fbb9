package sg

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/cuemby/clustercore/pkg/barrier"
	"github.com/cuemby/clustercore/pkg/wire"
)

// ueventCtx is the responder-side bookkeeping for a peer's in-flight join
// or leave, held on the group while this node is stopped/restarting its
// service on that peer's behalf.
type ueventCtx struct {
	kind      Reason
	eventID   EventID
	initiator int32
	members   []int32
	state     string
}

func encodeStartPayload(initiator int32, members []int32) []byte {
	buf := make([]byte, 4+4+4*len(members))
	binary.LittleEndian.PutUint32(buf, uint32(initiator))
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(members)))
	for i, id := range members {
		binary.LittleEndian.PutUint32(buf[8+4*i:], uint32(id))
	}
	return buf
}

func decodeStartPayload(buf []byte) (int32, []int32, error) {
	if len(buf) < 8 {
		return 0, nil, fmt.Errorf("sg: short start payload")
	}
	initiator := int32(binary.LittleEndian.Uint32(buf))
	n := binary.LittleEndian.Uint32(buf[4:])
	if uint32(len(buf)) < 8+4*n {
		return 0, nil, fmt.Errorf("sg: truncated start payload")
	}
	members := make([]int32, n)
	for i := range members {
		members[i] = int32(binary.LittleEndian.Uint32(buf[8+4*i:]))
	}
	return initiator, members, nil
}

// StartDone notifies the engine that the local ops.Start call for the
// named group's current event has finished; it releases whichever sevent
// or uevent goroutine is waiting on it.
func (e *Engine) StartDone(localID uint32, eventID EventID) error {
	g, err := e.group(localID)
	if err != nil {
		return err
	}
	g.mu.Lock()
	ch := g.pendingStartCh
	expected := g.pendingStartID
	g.pendingStartCh = nil
	g.mu.Unlock()
	if ch == nil || expected != eventID {
		return fmt.Errorf("sg: %q has no pending start for that event", g.Name)
	}
	close(ch)
	return nil
}

func (e *Engine) onJoinReq(src int32, msg *wire.SGMessage) {
	name, level, err := decodeJoinReqPayload(msg.Payload)
	if err != nil {
		e.log.Warn().Err(err).Msg("malformed JOIN_REQ")
		return
	}
	e.mu.Lock()
	g := e.byName[name]
	e.mu.Unlock()
	if g == nil {
		e.send(src, wire.CmdSGJoinRep, wire.SGStatusNeg, msg.EventID, 0, 0, level, nil)
		return
	}
	g.mu.Lock()
	joined := g.joined
	globalID := g.globalID
	g.mu.Unlock()
	status := wire.SGStatusNeg
	if joined {
		status = wire.SGStatusPos
	}
	e.send(src, wire.CmdSGJoinRep, status, msg.EventID, globalID, 0, level, nil)
}

func (e *Engine) onLeaveReq(src int32, msg *wire.SGMessage) {
	g := e.groupByGlobalID(msg.GlobalSGID)
	if g == nil {
		e.send(src, wire.CmdSGLeaveRep, wire.SGStatusNeg, msg.EventID, msg.GlobalSGID, 0, msg.SGLevel, nil)
		return
	}
	g.mu.Lock()
	joined := g.joined
	g.mu.Unlock()
	status := wire.SGStatusNeg
	if joined {
		status = wire.SGStatusPos
	}
	e.send(src, wire.CmdSGLeaveRep, status, msg.EventID, msg.GlobalSGID, 0, msg.SGLevel, nil)
}

func (e *Engine) onJStopReq(src int32, msg *wire.SGMessage) {
	e.onStopReq(src, msg, ReasonJoin, wire.CmdSGJStopRep)
}

func (e *Engine) onLStopReq(src int32, msg *wire.SGMessage) {
	e.onStopReq(src, msg, ReasonLeave, wire.CmdSGLStopRep)
}

func (e *Engine) onStopReq(src int32, msg *wire.SGMessage, kind Reason, replyCmd wire.SGCmd) {
	g := e.groupByGlobalID(msg.GlobalSGID)
	if g == nil {
		e.send(src, replyCmd, wire.SGStatusNeg, msg.EventID, msg.GlobalSGID, 0, msg.SGLevel, nil)
		return
	}
	members, err := decodeMemberList(msg.Payload)
	if err != nil {
		e.log.Warn().Err(err).Msg("malformed *STOP_REQ")
		return
	}
	g.mu.Lock()
	if g.sevent != nil {
		// Mutual exclusion: while a local join/leave is in flight, the
		// incoming stop is answered WAIT, whatever phase the local event
		// has reached; the local event is not cancelled in its favour.
		g.mu.Unlock()
		e.send(src, replyCmd, wire.SGStatusWait, msg.EventID, msg.GlobalSGID, 0, msg.SGLevel, nil)
		return
	}
	g.uevent = &ueventCtx{kind: kind, eventID: msg.EventID, initiator: src, members: members, state: "STOPPED"}
	ops := g.ops
	g.mu.Unlock()

	ops.Stop(msg.EventID)
	e.send(src, replyCmd, wire.SGStatusPos, msg.EventID, msg.GlobalSGID, 0, msg.SGLevel, nil)
}

func (e *Engine) onJStartCmd(src int32, msg *wire.SGMessage) {
	e.onStartCmd(src, msg, ReasonJoin)
}

func (e *Engine) onLStartCmd(src int32, msg *wire.SGMessage) {
	e.onStartCmd(src, msg, ReasonLeave)
}

func (e *Engine) onStartCmd(src int32, msg *wire.SGMessage, kind Reason) {
	initiator, members, err := decodeStartPayload(msg.Payload)
	if err != nil {
		e.log.Warn().Err(err).Msg("malformed *START_CMD")
		return
	}
	g := e.groupByGlobalID(msg.GlobalSGID)
	if g == nil {
		return
	}
	g.mu.Lock()
	g.members = members
	g.pendingStartID = msg.EventID
	g.pendingStartCh = make(chan struct{})
	if g.uevent == nil {
		g.uevent = &ueventCtx{kind: kind, eventID: msg.EventID, initiator: initiator}
	}
	g.uevent.state = "SERVICEWAIT"
	ops := g.ops
	g.mu.Unlock()

	ops.Start(members, msg.EventID, kind)

	total := len(members)
	if kind == ReasonLeave {
		total++ // the departing initiator still counts as a barrier participant
	}

	e.wg.Add(1)
	go e.awaitUeventStart(g, msg.EventID, src, initiator, kind, total)
}

// awaitUeventStart blocks (in its own goroutine) until the local service
// reports ops.Start complete via StartDone, then lets the initiator know
// (leave only; join has nothing left to acknowledge beyond the barrier)
// and rendezvouses at the shared barrier before declaring the event
// finished locally.
func (e *Engine) awaitUeventStart(g *Group, eventID EventID, initiatorNode, barrierInitiator int32, kind Reason, total int) {
	defer e.wg.Done()
	g.mu.Lock()
	ch := g.pendingStartCh
	g.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case <-ch:
	case <-e.stopCh:
		return
	}

	if kind == ReasonLeave {
		e.send(initiatorNode, wire.CmdSGLStartDone, 0, eventID, g.globalIDSnapshot(), 0, g.Level, nil)
	}

	name := barrierName(g.globalIDSnapshot(), barrierInitiator, eventID, total)
	if e.bar == nil {
		e.finishUevent(g, eventID)
		return
	}
	memberID := strconv.Itoa(int(e.localNode()))
	if err := e.bar.Wait(context.Background(), name, memberID, 30*time.Second, func(string, barrier.Status) {
		e.finishUevent(g, eventID)
	}); err != nil {
		e.log.Warn().Err(err).Str("barrier", name).Msg("sg uevent barrier wait failed")
		e.finishUevent(g, eventID)
	}
}

func (e *Engine) finishUevent(g *Group, eventID EventID) {
	g.mu.Lock()
	if g.uevent != nil && g.uevent.eventID == eventID {
		g.ops.Finish(eventID)
		g.joined = true
		g.uevent = nil
	}
	g.mu.Unlock()
}

func (e *Engine) onLStartDone(src int32, msg *wire.SGMessage) {
	g, ctx := e.findSevent(msg.GlobalSGID, msg.EventID)
	if g == nil {
		return
	}
	g.mu.Lock()
	if !ctx.expected[src] {
		g.mu.Unlock()
		return
	}
	ctx.replies[src] = wire.SGStatusPos
	done := len(ctx.replies) >= len(ctx.expected)
	doneCh := ctx.doneCh
	g.mu.Unlock()
	if done {
		g.mu.Lock()
		g.joined = false
		g.mu.Unlock()
		e.seventBarrierAndFinish(g, ctx, doneCh)
	}
}
