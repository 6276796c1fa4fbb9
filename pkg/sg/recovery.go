package sg

import (
	"context"
	"strconv"
	"time"

	"github.com/cuemby/clustercore/pkg/barrier"
	"github.com/cuemby/clustercore/pkg/wire"
)

// NodeFailed is called by membership when it declares a node dead. It
// marks every group the failed node belonged to as needing recovery and
// starts a new level-ordered recovery pass over those groups: level 0 groups
// recover before level 1, and so on, so that a lower-level service (for
// example a lock manager) is always back up before anything layered on
// top of it tries to use it.
func (e *Engine) NodeFailed(deadID int32) {
	e.mu.Lock()
	var affected []*Group
	for _, g := range e.byLocalID {
		g.mu.Lock()
		trimmed := removeMember(g.members, deadID)
		if trimmed != nil {
			g.members = trimmed
			g.needRecovery = true
		}
		g.mu.Unlock()
		if trimmed != nil {
			affected = append(affected, g)
		}
	}
	e.mu.Unlock()
	if len(affected) == 0 {
		return
	}
	e.wg.Add(1)
	go e.runRecovery(affected)
}

func removeMember(members []int32, id int32) []int32 {
	found := false
	for _, m := range members {
		if m == id {
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	out := make([]int32, 0, len(members))
	for _, m := range members {
		if m != id {
			out = append(out, m)
		}
	}
	return out
}

// runRecovery processes the groups that lost a member in ascending level
// order, waiting for each level to fully settle before starting the
// next.
func (e *Engine) runRecovery(groups []*Group) {
	defer e.wg.Done()
	byLevel := make(map[uint32][]*Group)
	maxLevel := uint32(0)
	for _, g := range groups {
		g.mu.Lock()
		lvl := g.Level
		g.mu.Unlock()
		byLevel[lvl] = append(byLevel[lvl], g)
		if lvl > maxLevel {
			maxLevel = lvl
		}
	}
	for lvl := uint32(0); lvl <= maxLevel; lvl++ {
		levelGroups := byLevel[lvl]
		if len(levelGroups) == 0 {
			continue
		}
		var done []chan struct{}
		for _, g := range levelGroups {
			ch := make(chan struct{})
			done = append(done, ch)
			go e.recoverGroup(g, ch)
		}
		for _, ch := range done {
			select {
			case <-ch:
			case <-e.stopCh:
				return
			}
		}
	}
}

// recoverGroup runs one group's STOP -> START -> STARTDONE ->
// BARRIERWAIT -> finish sequence and closes done when it settles. The
// coordinator registers the recovery barrier before STOP, but no node
// waits on it until after STARTDONE. A further failure mid-flight does
// not cancel this pass or its barrier wait: NodeFailed trims the member
// list again and starts a separate pass for the group alongside this one.
func (e *Engine) recoverGroup(g *Group, done chan struct{}) {
	defer close(done)
	g.mu.Lock()
	if !g.needRecovery || g.sevent != nil || g.uevent != nil {
		g.mu.Unlock()
		return
	}
	members := append([]int32(nil), g.members...)
	globalID := g.globalID
	ops := g.ops
	level := g.Level
	g.needRecovery = false
	eventID := newEventID()
	g.pendingStartID = eventID
	g.pendingStartCh = make(chan struct{})
	g.mu.Unlock()

	lowest := e.localNode()
	for _, m := range members {
		if m < lowest {
			lowest = m
		}
	}
	isCoordinator := lowest == e.localNode()

	name := recoveryBarrierName(globalID, len(members))
	if isCoordinator && e.bar != nil {
		_ = e.bar.Register(name, uint32(len(members)), true)
	}

	ops.Stop(eventID)
	if isCoordinator {
		for _, id := range members {
			if id != e.localNode() {
				e.send(id, wire.CmdSGRecover, 0, eventID, globalID, 0, level, encodeMemberList(members))
			}
		}
	}
	ops.Start(members, eventID, ReasonFailed)
	select {
	case <-g.pendingStartCh:
	case <-e.stopCh:
		return
	}

	if e.bar == nil {
		g.mu.Lock()
		g.members = members
		ops.Finish(eventID)
		g.mu.Unlock()
		return
	}

	memberID := strconv.Itoa(int(e.localNode()))
	settled := make(chan struct{})
	err := e.bar.Wait(context.Background(), name, memberID, 30*time.Second, func(string, barrier.Status) {
		g.mu.Lock()
		g.members = members
		ops.Finish(eventID)
		g.mu.Unlock()
		close(settled)
	})
	if err != nil {
		g.mu.Lock()
		g.members = members
		ops.Finish(eventID)
		g.mu.Unlock()
		return
	}
	<-settled
}

// onRecover is received by non-coordinator members of a group undergoing
// recovery; it mirrors the coordinator's own recoverGroup sequence for
// the member list the coordinator already settled on.
func (e *Engine) onRecover(src int32, msg *wire.SGMessage) {
	members, err := decodeMemberList(msg.Payload)
	if err != nil {
		e.log.Warn().Err(err).Msg("malformed RECOVER")
		return
	}
	g := e.groupByGlobalID(msg.GlobalSGID)
	if g == nil {
		return
	}
	g.mu.Lock()
	if g.sevent != nil || g.uevent != nil {
		g.mu.Unlock()
		return
	}
	g.needRecovery = false
	g.pendingStartID = msg.EventID
	g.pendingStartCh = make(chan struct{})
	ops := g.ops
	globalID := g.globalID
	g.mu.Unlock()

	ops.Stop(msg.EventID)
	ops.Start(members, msg.EventID, ReasonFailed)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-g.pendingStartCh:
		case <-e.stopCh:
			return
		}
		name := recoveryBarrierName(globalID, len(members))
		memberID := strconv.Itoa(int(e.localNode()))
		if e.bar == nil {
			g.mu.Lock()
			g.members = members
			ops.Finish(msg.EventID)
			g.mu.Unlock()
			return
		}
		if err := e.bar.Wait(context.Background(), name, memberID, 30*time.Second, func(string, barrier.Status) {
			g.mu.Lock()
			g.members = members
			ops.Finish(msg.EventID)
			g.mu.Unlock()
		}); err != nil {
			g.mu.Lock()
			g.members = members
			ops.Finish(msg.EventID)
			g.mu.Unlock()
		}
	}()
}
