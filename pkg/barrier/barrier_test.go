package barrier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDuplicateRejected(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("b1", 1, false))
	assert.Error(t, r.Register("b1", 1, false))
}

func TestWaitOnUnregisteredBarrierErrors(t *testing.T) {
	r := NewRegistry()
	err := r.Wait(context.Background(), "missing", "node-1", time.Second, func(string, Status) {})
	assert.Error(t, err)
}

func TestWaitCompletesImmediatelyWhenCountAlreadyMet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("b1", 1, false))

	var gotStatus Status
	fired := false
	err := r.Wait(context.Background(), "b1", "node-1", time.Second, func(name string, status Status) {
		fired = true
		gotStatus = status
	})
	require.NoError(t, err)
	assert.True(t, fired)
	assert.Equal(t, StatusComplete, gotStatus)
}

func TestWaitReleasesOnLastWaiter(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("b1", 2, false))

	firstFired := false
	require.NoError(t, r.Wait(context.Background(), "b1", "node-1", time.Second, func(string, Status) {
		firstFired = true
	}))
	assert.False(t, firstFired, "barrier must not complete until both waiters arrive")

	secondFired := false
	var secondStatus Status
	require.NoError(t, r.Wait(context.Background(), "b1", "node-2", time.Second, func(name string, status Status) {
		secondFired = true
		secondStatus = status
	}))
	assert.True(t, secondFired)
	assert.Equal(t, StatusComplete, secondStatus)
}

func TestWaitSameMemberTwiceDoesNotDoubleCount(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("b1", 2, false))

	require.NoError(t, r.Wait(context.Background(), "b1", "node-1", time.Second, func(string, Status) {}))
	fired := false
	require.NoError(t, r.Wait(context.Background(), "b1", "node-1", time.Second, func(string, Status) {
		fired = true
	}))
	assert.False(t, fired, "re-waiting the same member must not complete a 2-node barrier alone")
}

func TestWaitTimesOutWhenCountNeverReached(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("b1", 2, false))

	done := make(chan Status, 1)
	require.NoError(t, r.Wait(context.Background(), "b1", "node-1", 20*time.Millisecond, func(name string, status Status) {
		done <- status
	}))

	select {
	case status := <-done:
		assert.Equal(t, StatusTimeout, status)
	case <-time.After(time.Second):
		t.Fatal("barrier did not time out")
	}
}

func TestCompleteFromPeerReleasesLocalWaiters(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("b1", 2, false))

	done := make(chan Status, 1)
	require.NoError(t, r.Wait(context.Background(), "b1", "node-1", time.Second, func(name string, status Status) {
		done <- status
	}))

	r.Complete("b1", 0)
	select {
	case status := <-done:
		assert.Equal(t, StatusComplete, status)
	case <-time.After(time.Second):
		t.Fatal("Complete did not release local waiter")
	}
}

func TestCompleteWithNonzeroPeerStatusCancels(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("b1", 2, false))

	done := make(chan Status, 1)
	require.NoError(t, r.Wait(context.Background(), "b1", "node-1", time.Second, func(name string, status Status) {
		done <- status
	}))

	r.Complete("b1", 1)
	select {
	case status := <-done:
		assert.Equal(t, StatusCancelled, status)
	case <-time.After(time.Second):
		t.Fatal("Complete did not release local waiter")
	}
}

func TestCancelFiresCancelled(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("b1", 2, false))

	done := make(chan Status, 1)
	require.NoError(t, r.Wait(context.Background(), "b1", "node-1", time.Second, func(name string, status Status) {
		done <- status
	}))

	r.Cancel("b1")
	select {
	case status := <-done:
		assert.Equal(t, StatusCancelled, status)
	case <-time.After(time.Second):
		t.Fatal("Cancel did not fire callback")
	}
}

func TestFireIsIdempotent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("b1", 1, false))

	calls := 0
	require.NoError(t, r.Wait(context.Background(), "b1", "node-1", time.Second, func(string, Status) {
		calls++
	}))
	r.Cancel("b1") // already done; must be a no-op
	assert.Equal(t, 1, calls)
}

func TestAutoDelRemovesBarrierOnCompletion(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("b1", 1, true))
	require.NoError(t, r.Wait(context.Background(), "b1", "node-1", time.Second, func(string, Status) {}))

	err := r.Delete("b1")
	assert.Error(t, err, "autoDel barrier should already be gone")
}

func TestDeleteRequiresCompletion(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("b1", 2, false))
	require.NoError(t, r.Wait(context.Background(), "b1", "node-1", time.Second, func(string, Status) {}))

	assert.Error(t, r.Delete("b1"))
}

func TestSetAttrRejectedAfterWaitersArrive(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("b1", 0, false))
	require.NoError(t, r.Wait(context.Background(), "b1", "node-1", time.Second, func(string, Status) {}))

	assert.Error(t, r.SetAttr("b1", 2))
}

func TestSetAttrAllowedBeforeAnyWait(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("b1", 0, false))
	require.NoError(t, r.SetAttr("b1", 1))

	fired := false
	require.NoError(t, r.Wait(context.Background(), "b1", "node-1", time.Second, func(string, Status) {
		fired = true
	}))
	assert.True(t, fired)
}

func TestBroadcastCalledOnLocalCompletion(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("b1", 1, false))

	var calledName string
	var calledComplete bool
	r.Broadcast = func(name, memberID string, complete bool, status uint8) {
		calledName = name
		calledComplete = complete
	}
	require.NoError(t, r.Wait(context.Background(), "b1", "node-1", time.Second, func(string, Status) {}))
	assert.Equal(t, "b1", calledName)
	assert.True(t, calledComplete)
}

func TestObserveCompletesBarrierFromRemoteArrival(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("b1", 2, false))

	var broadcastComplete bool
	r.Broadcast = func(name, memberID string, complete bool, status uint8) {
		if complete {
			broadcastComplete = true
		}
	}

	fired := false
	var gotStatus Status
	require.NoError(t, r.Wait(context.Background(), "b1", "node-1", time.Second, func(name string, status Status) {
		fired = true
		gotStatus = status
	}))
	assert.False(t, fired, "should not complete with only one of two waiters")

	r.Observe("b1", "node-2")
	assert.True(t, fired)
	assert.Equal(t, StatusComplete, gotStatus)
	assert.True(t, broadcastComplete)
}

func TestObserveOnUnregisteredBarrierIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Observe("missing", "node-2") // must not panic
}

func TestObserveOnDoneBarrierIsNoop(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("b1", 1, false))
	require.NoError(t, r.Wait(context.Background(), "b1", "node-1", time.Second, func(string, Status) {}))
	r.Observe("b1", "node-2") // already done; must not re-fire or panic
}
