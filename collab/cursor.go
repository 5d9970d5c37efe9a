package collab

import (
	"context"
	"math"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/time/rate"
)

var CursorColors = []string{
	"#FF6B6B",
	"#4ECDC4",
	"#45B7D1",
	"#FFA07A",
	"#98D8C8",
	"#F7DC6F",
	"#BB8FCE",
	"#85C1E2",
}

func RandomCursorColor() string {
	return CursorColors[mathrand.Intn(len(CursorColors))]
}

type CursorBroadcasterSettings struct {
	// both gates must pass for a move to be sent
	MinInterval time.Duration
	MinDistance float64
}

func DefaultCursorBroadcasterSettings() *CursorBroadcasterSettings {
	return &CursorBroadcasterSettings{
		MinInterval: 30 * time.Millisecond,
		MinDistance: 2,
	}
}

// the remote cursors keyed by session id, or user id when the sender has no session id
type CursorsFunction = func(cursors map[string]*CursorPosition)

// Streams the local pointer to collaborators and tracks their pointers.
// Cursors of other sessions of the same user are shown like any other collaborator.
type CursorBroadcaster struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport Transport
	color     string

	settings *CursorBroadcasterSettings

	stateLock    sync.Mutex
	limiter      *rate.Limiter
	emitted      bool
	lastX        float64
	lastY        float64
	cursors      map[string]*CursorPosition
	unsubscribes []func()
	closed       bool

	cursorsCallbacks *CallbackList[CursorsFunction]
}

func NewCursorBroadcasterWithDefaults(ctx context.Context, transport Transport) *CursorBroadcaster {
	return NewCursorBroadcaster(ctx, transport, DefaultCursorBroadcasterSettings())
}

func NewCursorBroadcaster(
	ctx context.Context,
	transport Transport,
	settings *CursorBroadcasterSettings,
) *CursorBroadcaster {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &CursorBroadcaster{
		ctx:              cancelCtx,
		cancel:           cancel,
		transport:        transport,
		color:            RandomCursorColor(),
		settings:         settings,
		limiter:          rate.NewLimiter(rate.Every(settings.MinInterval), 1),
		cursors:          map[string]*CursorPosition{},
		unsubscribes:     []func(){},
		cursorsCallbacks: NewCallbackList[CursorsFunction](),
	}
}

func (self *CursorBroadcaster) Start() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.unsubscribes = append(
		self.unsubscribes,
		self.transport.On(KindCursorUpdate, self.onCursorUpdate),
		self.transport.On(KindCursorLeave, self.onCursorLeave),
	)
}

func (self *CursorBroadcaster) Color() string {
	return self.color
}

func (self *CursorBroadcaster) AddCursorsCallback(callback CursorsFunction) func() {
	callbackId := self.cursorsCallbacks.Add(callback)
	return func() {
		self.cursorsCallbacks.Remove(callbackId)
	}
}

// returns true if the position was sent
func (self *CursorBroadcaster) Move(x float64, y float64) bool {
	return self.update(x, y, time.Now())
}

func (self *CursorBroadcaster) update(x float64, y float64, now time.Time) bool {
	send := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.closed {
			return false
		}
		// the first position always passes the distance gate
		if self.emitted && math.Hypot(x-self.lastX, y-self.lastY) < self.settings.MinDistance {
			return false
		}
		if !self.limiter.AllowN(now, 1) {
			return false
		}
		self.emitted = true
		self.lastX = x
		self.lastY = y
		return true
	}()
	if !send {
		return false
	}

	err := self.transport.Emit(KindCursorMove, &CursorMove{
		UserId:    self.transport.UserId(),
		UserName:  self.transport.UserName(),
		SessionId: self.transport.SessionId(),
		X:         x,
		Y:         y,
		Color:     self.color,
	})
	if err != nil {
		glog.V(2).Infof("[cursor]emit = %s\n", err)
		return false
	}
	return true
}

// a copy of the remote cursors
func (self *CursorBroadcaster) Cursors() map[string]*CursorPosition {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.cursorsSnapshot()
}

// must be called with the state lock
func (self *CursorBroadcaster) cursorsSnapshot() map[string]*CursorPosition {
	cursors := make(map[string]*CursorPosition, len(self.cursors))
	for key, cursor := range self.cursors {
		position := *cursor
		cursors[key] = &position
	}
	return cursors
}

func (self *CursorBroadcaster) onCursorUpdate(frame *Frame) {
	cursor := &CursorPosition{}
	if err := frame.DecodePayload(cursor); err != nil {
		glog.Infof("[cursor]bad cursor update = %s\n", err)
		return
	}
	key := cursor.Key()
	if key == "" || key == self.transport.SessionId() {
		return
	}
	var cursors map[string]*CursorPosition
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.closed {
			return
		}
		self.cursors[key] = cursor
		cursors = self.cursorsSnapshot()
	}()
	if cursors != nil {
		self.notify(cursors)
	}
}

func (self *CursorBroadcaster) onCursorLeave(frame *Frame) {
	leave := &CursorLeave{}
	if err := frame.DecodePayload(leave); err != nil {
		glog.Infof("[cursor]bad cursor leave = %s\n", err)
		return
	}
	var cursors map[string]*CursorPosition
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if _, ok := self.cursors[leave.Key()]; ok {
			delete(self.cursors, leave.Key())
			cursors = self.cursorsSnapshot()
		}
	}()
	if cursors != nil {
		self.notify(cursors)
	}
}

func (self *CursorBroadcaster) notify(cursors map[string]*CursorPosition) {
	for _, callback := range self.cursorsCallbacks.Get() {
		HandleError(func() {
			callback(cursors)
		})
	}
}

// sends the leave message, then detaches
// must be called before the transport disconnects
func (self *CursorBroadcaster) Close() {
	var unsubscribes []func()
	alreadyClosed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		alreadyClosed = self.closed
		self.closed = true
		self.cursors = map[string]*CursorPosition{}
		unsubscribes = self.unsubscribes
		self.unsubscribes = []func(){}
	}()
	if alreadyClosed {
		return
	}

	err := self.transport.Emit(KindCursorLeave, &CursorLeave{
		UserId:    self.transport.UserId(),
		SessionId: self.transport.SessionId(),
	})
	if err != nil {
		glog.Infof("[cursor]leave = %s\n", err)
	}
	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	self.cancel()
}
