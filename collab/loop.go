package collab

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Single goroutine event loop. Network receives, timer callbacks and local edits are posted
// to the loop and run as discrete turns, so graph mutation and the callbacks it triggers
// never interleave with another turn.
// Work posted from inside a turn runs after the current turn completes.
type Loop struct {
	ctx    context.Context
	cancel context.CancelFunc

	stateLock sync.Mutex
	queue     []func()
	notify    chan struct{}

	done chan struct{}
}

func NewLoop(ctx context.Context) *Loop {
	cancelCtx, cancel := context.WithCancel(ctx)
	loop := &Loop{
		ctx:    cancelCtx,
		cancel: cancel,
		queue:  []func(){},
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go loop.run()
	return loop
}

func (self *Loop) run() {
	defer close(self.done)

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.notify:
		}

		for {
			var fn func()
			func() {
				self.stateLock.Lock()
				defer self.stateLock.Unlock()
				if 0 < len(self.queue) {
					fn = self.queue[0]
					self.queue[0] = nil
					self.queue = self.queue[1:]
				}
			}()
			if fn == nil {
				break
			}
			select {
			case <-self.ctx.Done():
				return
			default:
			}
			HandleError(fn)
		}
	}
}

// returns false if the loop is closed
func (self *Loop) Post(fn func()) bool {
	select {
	case <-self.ctx.Done():
		return false
	default:
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.queue = append(self.queue, fn)
	}()

	select {
	case self.notify <- struct{}{}:
	default:
	}
	return true
}

// posts `fn` and waits for it to complete
// must not be called from a turn on this loop
func (self *Loop) Run(fn func()) bool {
	done := make(chan struct{})
	if !self.Post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-self.ctx.Done():
		return false
	}
}

// `fn` runs as a loop turn after `timeout`
// a stopped timer never runs `fn`, even when the fire was already queued
func (self *Loop) AfterFunc(timeout time.Duration, fn func()) *LoopTimer {
	loopTimer := &LoopTimer{}
	loopTimer.timer = time.AfterFunc(timeout, func() {
		self.Post(func() {
			if loopTimer.stopped.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	return loopTimer
}

func (self *Loop) Done() <-chan struct{} {
	return self.done
}

func (self *Loop) Close() {
	self.cancel()
}

type LoopTimer struct {
	timer   *time.Timer
	stopped atomic.Bool
}

// returns true if the timer was pending
func (self *LoopTimer) Stop() bool {
	pending := self.stopped.CompareAndSwap(false, true)
	self.timer.Stop()
	return pending
}

func (self *LoopTimer) Pending() bool {
	return !self.stopped.Load()
}
