package collab

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestLockManager(ctx context.Context, renewInterval time.Duration) (*Loop, *testTransport, *LockManager) {
	loop := NewLoop(ctx)
	transport := newTestTransport("schema_1")
	settings := &LockManagerSettings{
		Ttl:           2 * time.Second,
		RenewInterval: renewInterval,
	}
	locks := NewLockManager(ctx, loop, transport, settings)
	var err error
	loop.Run(func() {
		err = locks.Start()
	})
	if err != nil {
		panic(err)
	}
	return loop, transport, locks
}

func grantTo(elementId string, userId string) *LockResponse {
	return &LockResponse{
		Success:      true,
		ElementId:    elementId,
		UserId:       userId,
		LockedByUser: true,
		Message:      "Element locked.",
		ExpiresAt:    time.Now().Add(2 * time.Second),
	}
}

func TestLockStartRequestsSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop, transport, _ := newTestLockManager(ctx, time.Second)
	defer loop.Close()

	assert.Equal(t, len(transport.EmitsOf(KindGetLockedElements)), 1)
	assert.Equal(t, transport.HandlerCount(), 4)
}

func TestLockGrantAndRenew(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop, transport, locks := newTestLockManager(ctx, 30*time.Millisecond)
	defer loop.Close()

	statuses := make(chan LockStatus, 16)
	locks.AddStateCallback(func(elementId string, status LockStatus, info *LockInfo) {
		statuses <- status
	})

	assert.Equal(t, locks.Acquire("table_a"), nil)
	requests := transport.EmitsOf(KindLockElement)
	assert.Equal(t, len(requests), 1)
	assert.Equal(t, requests[0].payload.(*LockElement).ElementId, "table_a")
	assert.Equal(t, requests[0].payload.(*LockElement).TtlSeconds, 2)
	// nothing changes until the relay responds
	assert.Equal(t, locks.Status("table_a"), Unlocked)

	transport.deliver(loop, grantTo("table_a", "user_a"))
	assert.Equal(t, <-statuses, LockedByMe)
	assert.Equal(t, locks.IsLockedByMe("table_a"), true)
	assert.Equal(t, locks.RenewalPending("table_a"), true)
	assert.Equal(t, locks.Info("table_a").UserId, "user_a")

	// the renewal re-requests the lock before the ttl
	deadline := time.Now().Add(time.Second)
	for len(transport.EmitsOf(KindLockElement)) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, len(transport.EmitsOf(KindLockElement)), 2)

	// the renewal grant schedules the next renewal
	transport.deliver(loop, grantTo("table_a", "user_a"))
	assert.Equal(t, locks.RenewalPending("table_a"), true)
}

func TestLockReleaseCancelsRenewal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop, transport, locks := newTestLockManager(ctx, 30*time.Millisecond)
	defer loop.Close()

	locks.Acquire("table_a")
	transport.deliver(loop, grantTo("table_a", "user_a"))
	assert.Equal(t, locks.RenewalPending("table_a"), true)

	loop.Run(func() {
		locks.Release("table_a")
	})
	assert.Equal(t, locks.Status("table_a"), Unlocked)
	assert.Equal(t, locks.RenewalPending("table_a"), false)
	unlocks := transport.EmitsOf(KindUnlockElement)
	assert.Equal(t, len(unlocks), 1)
	assert.Equal(t, unlocks[0].payload.(*UnlockElement).ElementId, "table_a")

	// no renewal after release
	time.Sleep(100 * time.Millisecond)
	loop.Run(func() {})
	assert.Equal(t, len(transport.EmitsOf(KindLockElement)), 1)
}

func TestLockDeniedAndRemote(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop, transport, locks := newTestLockManager(ctx, time.Second)
	defer loop.Close()

	locks.Acquire("table_a")
	transport.deliver(loop, &LockResponse{
		Success:      false,
		ElementId:    "table_a",
		UserId:       "user_b",
		LockedByUser: false,
		Message:      "Element is locked by another user.",
		ExpiresAt:    time.Now().Add(time.Second),
	})
	assert.Equal(t, locks.Status("table_a"), LockedByOther)
	assert.Equal(t, locks.Info("table_a").UserId, "user_b")
	assert.Equal(t, locks.RenewalPending("table_a"), false)

	transport.deliver(loop, &ElementLocked{
		ElementId: "table_b",
		UserId:    "user_c",
		ExpiresAt: time.Now().Add(time.Second),
	})
	assert.Equal(t, locks.IsLockedByOther("table_b"), true)
	assert.Equal(t, locks.LockedElementIds(), []string{"table_a", "table_b"})

	transport.deliver(loop, &ElementUnlocked{
		ElementId: "table_b",
		Reason:    UnlockReasonExpired,
	})
	assert.Equal(t, locks.Status("table_b"), Unlocked)
	assert.Equal(t, locks.Info("table_b") == nil, true)
}

func TestLockSnapshotReplacesState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop, transport, locks := newTestLockManager(ctx, time.Second)
	defer loop.Close()

	transport.deliver(loop, &ElementLocked{ElementId: "table_stale", UserId: "user_b"})
	assert.Equal(t, locks.IsLockedByOther("table_stale"), true)

	changes := map[string]LockStatus{}
	locks.AddStateCallback(func(elementId string, status LockStatus, info *LockInfo) {
		changes[elementId] = status
	})

	transport.deliver(loop, &LockedElements{
		LockedElements: []*LockInfo{
			{ElementId: "table_a", UserId: "user_a", LockedByUser: true, ExpiresAt: time.Now().Add(time.Second)},
			{ElementId: "table_b", UserId: "user_b", LockedByUser: false, ExpiresAt: time.Now().Add(time.Second)},
		},
	})

	assert.Equal(t, locks.LockedElementIds(), []string{"table_a", "table_b"})
	assert.Equal(t, locks.Status("table_a"), LockedByMe)
	assert.Equal(t, locks.Status("table_b"), LockedByOther)
	assert.Equal(t, locks.RenewalPending("table_a"), true)
	assert.Equal(t, changes, map[string]LockStatus{
		"table_stale": Unlocked,
		"table_a":     LockedByMe,
		"table_b":     LockedByOther,
	})
}

func TestLockElementDeleted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop, transport, locks := newTestLockManager(ctx, time.Second)
	defer loop.Close()

	locks.Acquire("table_a")
	transport.deliver(loop, grantTo("table_a", "user_a"))
	transport.deliver(loop, &ElementLocked{ElementId: "table_b", UserId: "user_b"})

	loop.Run(func() {
		locks.ElementDeleted("table_a")
		locks.ElementDeleted("table_b")
	})
	assert.Equal(t, len(locks.LockedElementIds()), 0)
	assert.Equal(t, locks.RenewalPending("table_a"), false)
	// only the held lock is released on the relay
	unlocks := transport.EmitsOf(KindUnlockElement)
	assert.Equal(t, len(unlocks), 1)
	assert.Equal(t, unlocks[0].payload.(*UnlockElement).ElementId, "table_a")
}

func TestLockCloseReleasesHeld(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop, transport, locks := newTestLockManager(ctx, 30*time.Millisecond)
	defer loop.Close()

	for _, elementId := range []string{"table_a", "table_b"} {
		locks.Acquire(elementId)
		transport.deliver(loop, grantTo(elementId, "user_a"))
	}
	transport.deliver(loop, &ElementLocked{ElementId: "table_c", UserId: "user_b"})

	loop.Run(locks.Close)

	unlocks := transport.EmitsOf(KindUnlockElement)
	assert.Equal(t, len(unlocks), 2)
	assert.Equal(t, unlocks[0].payload.(*UnlockElement).ElementId, "table_a")
	assert.Equal(t, unlocks[1].payload.(*UnlockElement).ElementId, "table_b")
	assert.Equal(t, locks.RenewalPending("table_a"), false)
	assert.Equal(t, locks.RenewalPending("table_b"), false)
	assert.Equal(t, transport.HandlerCount(), 0)
	assert.Equal(t, locks.Acquire("table_a"), ErrClosed)

	lockRequests := len(transport.EmitsOf(KindLockElement))
	time.Sleep(100 * time.Millisecond)
	loop.Run(func() {})
	assert.Equal(t, len(transport.EmitsOf(KindLockElement)), lockRequests)
}
