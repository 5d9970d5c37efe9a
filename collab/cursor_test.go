package collab

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCursorThrottle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newTestTransport("schema_1")
	cursors := NewCursorBroadcasterWithDefaults(ctx, transport)

	// 100 moves over 200ms, far enough apart to pass the distance gate
	start := time.Now()
	for i := 0; i < 100; i += 1 {
		cursors.update(float64(5*i), 0, start.Add(time.Duration(2*i)*time.Millisecond))
	}
	n := len(transport.EmitsOf(KindCursorMove))
	assert.Equal(t, 2 <= n, true)
	// at most one per 30ms window
	assert.Equal(t, n <= 7, true)

	move := transport.EmitsOf(KindCursorMove)[0].payload.(*CursorMove)
	assert.Equal(t, move.X, 0.0)
	assert.Equal(t, move.UserId, transport.UserId())
	assert.Equal(t, move.SessionId, transport.SessionId())
	assert.Equal(t, slices.Contains(CursorColors, move.Color), true)
	assert.Equal(t, move.Color, cursors.Color())
}

func TestCursorThrottleSmallSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newTestTransport("schema_1")
	cursors := NewCursorBroadcasterWithDefaults(ctx, transport)

	// 100 moves of 1px each over 200ms
	start := time.Now()
	for i := 0; i < 100; i += 1 {
		cursors.update(float64(i), 0, start.Add(time.Duration(2*i)*time.Millisecond))
	}
	moves := transport.EmitsOf(KindCursorMove)
	assert.Equal(t, 2 <= len(moves), true)
	// ceil(200ms / 30ms)
	assert.Equal(t, len(moves) <= 7, true)
	for i := 1; i < len(moves); i += 1 {
		previous := moves[i-1].payload.(*CursorMove)
		move := moves[i].payload.(*CursorMove)
		assert.Equal(t, 2 <= move.X-previous.X, true)
	}

	// 1px after a long pause is still under the distance gate
	last := moves[len(moves)-1].payload.(*CursorMove)
	assert.Equal(t, cursors.update(last.X+1, 0, start.Add(time.Second)), false)
	assert.Equal(t, len(transport.EmitsOf(KindCursorMove)), len(moves))
}

func TestCursorDistanceGate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newTestTransport("schema_1")
	cursors := NewCursorBroadcasterWithDefaults(ctx, transport)

	start := time.Now()
	// the first position always sends
	assert.Equal(t, cursors.update(10, 10, start), true)
	// under the min distance, even with the interval passed
	assert.Equal(t, cursors.update(11, 10, start.Add(100*time.Millisecond)), false)
	assert.Equal(t, cursors.update(10, 11.5, start.Add(200*time.Millisecond)), false)
	// far enough, with the interval passed
	assert.Equal(t, cursors.update(13, 10, start.Add(300*time.Millisecond)), true)
	// far enough, within the interval
	assert.Equal(t, cursors.update(30, 10, start.Add(305*time.Millisecond)), false)

	assert.Equal(t, len(transport.EmitsOf(KindCursorMove)), 2)
}

func TestCursorRemote(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := NewLoop(ctx)
	defer loop.Close()

	transport := newTestTransport("schema_1")
	cursors := NewCursorBroadcasterWithDefaults(ctx, transport)
	cursors.Start()

	snapshots := []map[string]*CursorPosition{}
	cursors.AddCursorsCallback(func(c map[string]*CursorPosition) {
		snapshots = append(snapshots, c)
	})

	transport.deliver(loop, &CursorPosition{
		UserId:    "user_b",
		UserName:  "B",
		SessionId: "session_b",
		X:         1,
		Y:         2,
		Color:     "#4ECDC4",
		Timestamp: time.Now().UnixMilli(),
	})
	// another session of the same user is a separate cursor
	transport.deliver(loop, &CursorPosition{
		UserId:    "user_b",
		UserName:  "B",
		SessionId: "session_b2",
		X:         3,
		Y:         4,
	})
	// the local session is never shown
	transport.deliver(loop, &CursorPosition{
		UserId:    transport.UserId(),
		SessionId: transport.SessionId(),
		X:         5,
		Y:         6,
	})
	// no session id keys by user id
	transport.deliver(loop, &CursorPosition{
		UserId: "user_c",
		X:      7,
		Y:      8,
	})

	remote := cursors.Cursors()
	assert.Equal(t, len(remote), 3)
	assert.Equal(t, remote["session_b"].X, 1.0)
	assert.Equal(t, remote["session_b2"].Y, 4.0)
	assert.Equal(t, remote["user_c"].X, 7.0)
	assert.Equal(t, len(snapshots), 3)

	transport.deliver(loop, &CursorLeave{UserId: "user_b", SessionId: "session_b"})
	transport.deliver(loop, &CursorLeave{UserId: "user_c"})
	// unknown cursors leave silently
	transport.deliver(loop, &CursorLeave{UserId: "user_d", SessionId: "session_d"})

	remote = cursors.Cursors()
	assert.Equal(t, len(remote), 1)
	_, ok := remote["session_b2"]
	assert.Equal(t, ok, true)
	assert.Equal(t, len(snapshots), 5)

	// snapshots are copies
	remote["session_b2"].X = 100
	assert.Equal(t, cursors.Cursors()["session_b2"].X, 3.0)
}

func TestCursorClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newTestTransport("schema_1")
	cursors := NewCursorBroadcasterWithDefaults(ctx, transport)
	cursors.Start()
	assert.Equal(t, transport.HandlerCount(), 2)

	cursors.Close()
	leaves := transport.EmitsOf(KindCursorLeave)
	assert.Equal(t, len(leaves), 1)
	assert.Equal(t, leaves[0].payload.(*CursorLeave).SessionId, transport.SessionId())
	assert.Equal(t, transport.HandlerCount(), 0)

	// closed broadcasters neither send nor leave twice
	assert.Equal(t, cursors.Move(50, 50), false)
	cursors.Close()
	assert.Equal(t, len(transport.EmitsOf(KindCursorLeave)), 1)
}
