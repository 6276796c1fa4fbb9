// Package sg implements the service-group engine layered on top of
// membership: registration and refcounting, global id
// allocation, the sevent/uevent join/leave state machines, mutual
// exclusion between a local sevent and an incoming uevent, and
// level-ordered recovery after a node failure.
package sg

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/clustercore/pkg/barrier"
	"github.com/cuemby/clustercore/pkg/log"
	"github.com/cuemby/clustercore/pkg/nodetable"
	"github.com/cuemby/clustercore/pkg/portmux"
	"github.com/cuemby/clustercore/pkg/wire"
)

// Reason is why ops.Start/ops.Stop is being invoked on a service group.
type Reason uint8

const (
	ReasonJoin Reason = iota + 1
	ReasonLeave
	ReasonFailed
)

func (r Reason) String() string {
	switch r {
	case ReasonJoin:
		return "join"
	case ReasonLeave:
		return "leave"
	case ReasonFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventID identifies one sevent/uevent/recovery event.
type EventID [16]byte

func newEventID() EventID {
	return EventID(uuid.New())
}

// Ops is implemented by whatever service a group represents (a lock
// manager, a replicated resource, ...). Stop and Finish block until the
// service has reacted. Start is asynchronous: the engine does not
// consider it complete until the caller invokes Engine.StartDone for the
// matching event id, since resuming a service can itself require a
// network round trip the engine has no visibility into.
type Ops interface {
	Start(members []int32, id EventID, reason Reason)
	Stop(id EventID)
	Finish(id EventID)
}

// Sender is the subset of the transport layer the SG engine needs.
type Sender interface {
	Send(tgtID int32, port uint8, payload []byte, flags wire.Flags) error
	Broadcast(port uint8, payload []byte, flags wire.Flags) error
}

// Group is one registered service group.
type Group struct {
	mu          sync.Mutex
	LocalID     uint32
	Name        string
	Level       uint32
	Unique      bool
	refcount    int
	ops         Ops
	serviceData any
	globalID    uint32
	members     []int32
	joining     []int32
	joined      bool

	sevent *seventCtx
	uevent *ueventCtx

	pendingStartID EventID
	pendingStartCh chan struct{}

	needRecovery bool
}

// Members returns a copy of the group's current member list.
func (g *Group) Members() []int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]int32, len(g.members))
	copy(out, g.members)
	return out
}

// Engine owns every locally registered service group and drives their
// sevent/uevent protocols over the wire.
type Engine struct {
	cfg  EngineConfig
	tx   Sender
	tbl  *nodetable.Table
	bar  *barrier.Registry
	log  zerolog.Logger

	mu           sync.Mutex
	byLocalID    map[uint32]*Group
	byName       map[string]*Group
	nextLocalID  uint32
	levelCounter [4]uint32

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Port      uint8
	LocalNode func() int32 // current node id, resolved lazily (assigned post-join)
}

// NewEngine constructs an Engine.
func NewEngine(cfg EngineConfig, tx Sender, tbl *nodetable.Table, bar *barrier.Registry) *Engine {
	return &Engine{
		cfg:       cfg,
		tx:        tx,
		tbl:       tbl,
		bar:       bar,
		log:       log.WithComponent("sg"),
		byLocalID: make(map[uint32]*Group),
		byName:    make(map[string]*Group),
		stopCh:    make(chan struct{}),
	}
}

// Bind registers this engine's message handler on the SG port.
func (e *Engine) Bind(ports *portmux.Table) error {
	return ports.Bind(e.cfg.Port, portmux.HandlerFunc(e.deliver))
}

// Register creates (or, if unique is false and the name already exists,
// refcounts) a service group and returns its local id.
func (e *Engine) Register(name string, level uint32, ops Ops, unique bool, serviceData any) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if level > 3 {
		return 0, fmt.Errorf("sg: level must be 0..3, got %d", level)
	}
	if existing, ok := e.byName[name]; ok {
		if unique || existing.Unique {
			return 0, fmt.Errorf("sg: %q already registered", name)
		}
		existing.mu.Lock()
		existing.refcount++
		existing.mu.Unlock()
		return existing.LocalID, nil
	}
	e.nextLocalID++
	g := &Group{
		LocalID:     e.nextLocalID,
		Name:        name,
		Level:       level,
		Unique:      unique,
		refcount:    1,
		ops:         ops,
		serviceData: serviceData,
	}
	e.byLocalID[g.LocalID] = g
	e.byName[name] = g
	return g.LocalID, nil
}

// Unregister drops a reference; the last reference removes the group.
func (e *Engine) Unregister(localID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.byLocalID[localID]
	if !ok {
		return fmt.Errorf("sg: unknown local id %d", localID)
	}
	g.mu.Lock()
	g.refcount--
	dead := g.refcount <= 0
	g.mu.Unlock()
	if dead {
		delete(e.byLocalID, localID)
		delete(e.byName, g.Name)
	}
	return nil
}

// GetMembers returns the current member list of a registered group.
func (e *Engine) GetMembers(localID uint32) ([]int32, error) {
	e.mu.Lock()
	g, ok := e.byLocalID[localID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("sg: unknown local id %d", localID)
	}
	return g.Members(), nil
}

// Info is a snapshot of one registered group's state, for the admin/CLI
// listing surface.
type Info struct {
	LocalID uint32  `json:"local_id"`
	Name    string  `json:"name"`
	Level   uint32  `json:"level"`
	Unique  bool    `json:"unique"`
	Joined  bool    `json:"joined"`
	Members []int32 `json:"members"`
}

// List returns a snapshot of every group registered on this node.
func (e *Engine) List() []Info {
	e.mu.Lock()
	groups := make([]*Group, 0, len(e.byLocalID))
	for _, g := range e.byLocalID {
		groups = append(groups, g)
	}
	e.mu.Unlock()

	out := make([]Info, 0, len(groups))
	for _, g := range groups {
		g.mu.Lock()
		out = append(out, Info{
			LocalID: g.LocalID,
			Name:    g.Name,
			Level:   g.Level,
			Unique:  g.Unique,
			Joined:  g.joined,
			Members: append([]int32(nil), g.members...),
		})
		g.mu.Unlock()
	}
	return out
}

func (e *Engine) group(localID uint32) (*Group, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.byLocalID[localID]
	if !ok {
		return nil, fmt.Errorf("sg: unknown local id %d", localID)
	}
	return g, nil
}

func (e *Engine) groupByGlobalID(globalID uint32) *Group {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, g := range e.byLocalID {
		g.mu.Lock()
		gid := g.globalID
		g.mu.Unlock()
		if gid == globalID {
			return g
		}
	}
	return nil
}

func (e *Engine) allocGlobalID(level uint32) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.levelCounter[level]++
	return (level << 24) | e.levelCounter[level]
}

func (e *Engine) localNode() int32 {
	if e.cfg.LocalNode == nil {
		return 0
	}
	return e.cfg.LocalNode()
}

func (e *Engine) memberIDs() []int32 {
	var out []int32
	for _, n := range e.tbl.Members() {
		out = append(out, n.NodeID)
	}
	return out
}

func (e *Engine) deliver(d *portmux.Delivery) {
	msg, err := wire.DecodeSGMessage(d.Payload)
	if err != nil {
		e.log.Warn().Err(err).Msg("malformed sg message")
		return
	}
	switch msg.Cmd {
	case wire.CmdSGJoinReq:
		e.onJoinReq(d.Header.SrcID, msg)
	case wire.CmdSGJoinRep:
		e.onJoinRep(d.Header.SrcID, msg)
	case wire.CmdSGJStopReq:
		e.onJStopReq(d.Header.SrcID, msg)
	case wire.CmdSGJStopRep:
		e.onJStopRep(d.Header.SrcID, msg)
	case wire.CmdSGJStartCmd:
		e.onJStartCmd(d.Header.SrcID, msg)
	case wire.CmdSGLeaveReq:
		e.onLeaveReq(d.Header.SrcID, msg)
	case wire.CmdSGLeaveRep:
		e.onLeaveRep(d.Header.SrcID, msg)
	case wire.CmdSGLStopReq:
		e.onLStopReq(d.Header.SrcID, msg)
	case wire.CmdSGLStopRep:
		e.onLStopRep(d.Header.SrcID, msg)
	case wire.CmdSGLStartCmd:
		e.onLStartCmd(d.Header.SrcID, msg)
	case wire.CmdSGLStartDone:
		e.onLStartDone(d.Header.SrcID, msg)
	case wire.CmdSGRecover:
		e.onRecover(d.Header.SrcID, msg)
	default:
		e.log.Warn().Uint8("cmd", uint8(msg.Cmd)).Msg("unrecognized sg command")
	}
}

func (e *Engine) send(tgt int32, cmd wire.SGCmd, status wire.SGStatus, id EventID, globalID, globalLastID, level uint32, payload []byte) {
	m := &wire.SGMessage{
		Cmd: cmd, Status: status, EventID: id,
		GlobalSGID: globalID, GlobalLastID: globalLastID, SGLevel: level, Payload: payload,
	}
	if err := e.tx.Send(tgt, e.cfg.Port, m.Encode(), wire.FlagReplyExp); err != nil {
		e.log.Warn().Err(err).Msg("sg send failed")
	}
}

func (e *Engine) broadcast(cmd wire.SGCmd, status wire.SGStatus, id EventID, globalID, globalLastID, level uint32, payload []byte) {
	m := &wire.SGMessage{
		Cmd: cmd, Status: status, EventID: id,
		GlobalSGID: globalID, GlobalLastID: globalLastID, SGLevel: level, Payload: payload,
	}
	if err := e.tx.Broadcast(e.cfg.Port, m.Encode(), wire.FlagReplyExp); err != nil {
		e.log.Warn().Err(err).Msg("sg broadcast failed")
	}
}

func barrierName(globalID uint32, nodeID int32, eventID EventID, members int) string {
	return fmt.Sprintf("sm.%d.%d.%x.%d", globalID, nodeID, eventID[:4], members)
}

func recoveryBarrierName(globalID uint32, members int) string {
	return fmt.Sprintf("sm.%d.0.RECOV.%d", globalID, members)
}

// Start launches background bookkeeping (currently none beyond what the
// sevent/uevent goroutines themselves spawn); present for symmetry with
// the other engines and to host future periodic work.
func (e *Engine) Start() {}

// Stop signals all in-flight sevents/uevents to abandon their work.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}
