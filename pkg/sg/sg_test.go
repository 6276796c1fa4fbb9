package sg

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/clustercore/pkg/barrier"
	"github.com/cuemby/clustercore/pkg/nodetable"
	"github.com/cuemby/clustercore/pkg/wire"
)

// fakeSender records every Send/Broadcast call instead of touching the
// network, so tests can assert on what the engine tried to say.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentMsg
}

type sentMsg struct {
	tgt       int32
	port      uint8
	broadcast bool
	payload   []byte
}

func (f *fakeSender) Send(tgtID int32, port uint8, payload []byte, flags wire.Flags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{tgt: tgtID, port: port, payload: payload})
	return nil
}

func (f *fakeSender) Broadcast(port uint8, payload []byte, flags wire.Flags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{port: port, broadcast: true, payload: payload})
	return nil
}

// fakeOps records Stop/Start/Finish calls. Start is asynchronous in the
// real protocol (Engine.StartDone releases it); autoDone lets a test opt
// into simulating an immediate completion.
type fakeOps struct {
	mu       sync.Mutex
	stopped  []EventID
	started  []EventID
	finished []EventID
	onStart  func(members []int32, id EventID, reason Reason)
}

func (f *fakeOps) Stop(id EventID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
}

func (f *fakeOps) Start(members []int32, id EventID, reason Reason) {
	f.mu.Lock()
	f.started = append(f.started, id)
	cb := f.onStart
	f.mu.Unlock()
	if cb != nil {
		cb(members, id, reason)
	}
}

func (f *fakeOps) Finish(id EventID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, id)
}

func newTestEngine(localID int32) (*Engine, *fakeSender) {
	tx := &fakeSender{}
	tbl := nodetable.New(false)
	e := NewEngine(EngineConfig{Port: 2, LocalNode: func() int32 { return localID }}, tx, tbl, barrier.NewRegistry())
	return e, tx
}

func TestRegisterAssignsSequentialLocalIDs(t *testing.T) {
	e, _ := newTestEngine(1)
	id1, err := e.Register("lockd", 0, &fakeOps{}, true, nil)
	require.NoError(t, err)
	id2, err := e.Register("fenced", 1, &fakeOps{}, true, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id1)
	assert.Equal(t, uint32(2), id2)
}

func TestRegisterRejectsLevelAboveThree(t *testing.T) {
	e, _ := newTestEngine(1)
	_, err := e.Register("lockd", 4, &fakeOps{}, true, nil)
	assert.Error(t, err)
}

func TestRegisterUniqueNameCollisionRejected(t *testing.T) {
	e, _ := newTestEngine(1)
	_, err := e.Register("lockd", 0, &fakeOps{}, true, nil)
	require.NoError(t, err)
	_, err = e.Register("lockd", 0, &fakeOps{}, true, nil)
	assert.Error(t, err)
}

func TestRegisterNonUniqueNameRefcounts(t *testing.T) {
	e, _ := newTestEngine(1)
	id1, err := e.Register("fenced", 0, &fakeOps{}, false, nil)
	require.NoError(t, err)
	id2, err := e.Register("fenced", 0, &fakeOps{}, false, nil)
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "a non-unique re-registration reuses the same local id")
}

func TestUnregisterDropsGroupOnLastRef(t *testing.T) {
	e, _ := newTestEngine(1)
	id, err := e.Register("fenced", 0, &fakeOps{}, false, nil)
	require.NoError(t, err)
	_, err = e.Register("fenced", 0, &fakeOps{}, false, nil)
	require.NoError(t, err)

	require.NoError(t, e.Unregister(id))
	_, err = e.GetMembers(id)
	assert.NoError(t, err, "one reference remains after a single Unregister")

	require.NoError(t, e.Unregister(id))
	_, err = e.GetMembers(id)
	assert.Error(t, err, "group should be gone once refcount reaches zero")
}

func TestUnregisterUnknownIDErrors(t *testing.T) {
	e, _ := newTestEngine(1)
	assert.Error(t, e.Unregister(999))
}

func TestGetMembersUnknownIDErrors(t *testing.T) {
	e, _ := newTestEngine(1)
	_, err := e.GetMembers(999)
	assert.Error(t, err)
}

func TestAllocGlobalIDMonotonicPerLevel(t *testing.T) {
	e, _ := newTestEngine(1)
	a := e.allocGlobalID(0)
	b := e.allocGlobalID(0)
	assert.Equal(t, uint32(1), a)
	assert.Equal(t, uint32(2), b)
}

func TestAllocGlobalIDDistinctAcrossLevels(t *testing.T) {
	e, _ := newTestEngine(1)
	lvl0 := e.allocGlobalID(0)
	lvl1 := e.allocGlobalID(1)
	assert.NotEqual(t, lvl0, lvl1)
	assert.Equal(t, uint32(0), lvl0>>24)
	assert.Equal(t, uint32(1), lvl1>>24)
}

func TestLocalNodeFallsBackToZeroWithoutConfig(t *testing.T) {
	tx := &fakeSender{}
	tbl := nodetable.New(false)
	e := NewEngine(EngineConfig{Port: 2}, tx, tbl, barrier.NewRegistry())
	assert.Equal(t, int32(0), e.localNode())
}
