package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type LockStatus int

const (
	Unlocked LockStatus = iota
	LockedByOther
	LockedByMe
)

func (self LockStatus) String() string {
	switch self {
	case Unlocked:
		return "unlocked"
	case LockedByOther:
		return "locked_by_other"
	case LockedByMe:
		return "locked_by_me"
	default:
		return "unknown"
	}
}

type LockManagerSettings struct {
	Ttl time.Duration
	// must be shorter than `Ttl`
	RenewInterval time.Duration
}

func DefaultLockManagerSettings() *LockManagerSettings {
	return &LockManagerSettings{
		Ttl:           30 * time.Second,
		RenewInterval: 20 * time.Second,
	}
}

// `info` is nil when the element is unlocked
type LockStateFunction = func(elementId string, status LockStatus, info *LockInfo)

type lockEntry struct {
	info   LockInfo
	status LockStatus
}

// Tracks the advisory lock of every element known to be locked.
// Locks held by this session are renewed on the loop until released, deleted or lost.
// Closing releases every held lock and cancels every renewal.
type LockManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	loop      *Loop
	transport Transport

	settings *LockManagerSettings

	stateLock    sync.Mutex
	locks        map[string]*lockEntry
	renewTimers  map[string]*LoopTimer
	unsubscribes []func()

	stateCallbacks *CallbackList[LockStateFunction]
}

func NewLockManagerWithDefaults(ctx context.Context, loop *Loop, transport Transport) *LockManager {
	return NewLockManager(ctx, loop, transport, DefaultLockManagerSettings())
}

func NewLockManager(
	ctx context.Context,
	loop *Loop,
	transport Transport,
	settings *LockManagerSettings,
) *LockManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &LockManager{
		ctx:            cancelCtx,
		cancel:         cancel,
		loop:           loop,
		transport:      transport,
		settings:       settings,
		locks:          map[string]*lockEntry{},
		renewTimers:    map[string]*LoopTimer{},
		unsubscribes:   []func(){},
		stateCallbacks: NewCallbackList[LockStateFunction](),
	}
}

// attaches the lock handlers and requests the current lock snapshot
func (self *LockManager) Start() error {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.unsubscribes = append(
			self.unsubscribes,
			self.transport.On(KindLockResponse, self.onLockResponse),
			self.transport.On(KindElementLocked, self.onElementLocked),
			self.transport.On(KindElementUnlocked, self.onElementUnlocked),
			self.transport.On(KindLockedElements, self.onLockedElements),
		)
	}()
	glog.V(1).Infof("[lock]start %s\n", self.transport.SchemaId())
	return self.transport.Emit(KindGetLockedElements, &GetLockedElements{})
}

func (self *LockManager) AddStateCallback(callback LockStateFunction) func() {
	callbackId := self.stateCallbacks.Add(callback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

// Requests the lock. The status changes when the relay responds.
// Requesting a lock this session already holds renews it.
func (self *LockManager) Acquire(elementId string) error {
	select {
	case <-self.ctx.Done():
		return ErrClosed
	default:
	}
	return self.transport.Emit(KindLockElement, &LockElement{
		ElementId:  elementId,
		TtlSeconds: int(self.settings.Ttl / time.Second),
	})
}

// Releases the lock and cancels its renewal. The element is unlocked locally right away.
func (self *LockManager) Release(elementId string) error {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.stopRenewal(elementId)
		if _, ok := self.locks[elementId]; ok {
			delete(self.locks, elementId)
			changed = true
		}
	}()
	if changed {
		self.notify(elementId, Unlocked, nil)
	}
	return self.transport.Emit(KindUnlockElement, &UnlockElement{
		ElementId: elementId,
	})
}

// drops all state for a deleted element
// a lock held by this session is released
func (self *LockManager) ElementDeleted(elementId string) {
	held := false
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.stopRenewal(elementId)
		if entry, ok := self.locks[elementId]; ok {
			held = entry.status == LockedByMe
			delete(self.locks, elementId)
			changed = true
		}
	}()
	if changed {
		self.notify(elementId, Unlocked, nil)
	}
	if held {
		if err := self.transport.Emit(KindUnlockElement, &UnlockElement{ElementId: elementId}); err != nil {
			glog.Infof("[lock]release deleted %s = %s\n", elementId, err)
		}
	}
}

func (self *LockManager) Status(elementId string) LockStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if entry, ok := self.locks[elementId]; ok {
		return entry.status
	}
	return Unlocked
}

// nil when unlocked
func (self *LockManager) Info(elementId string) *LockInfo {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if entry, ok := self.locks[elementId]; ok {
		info := entry.info
		return &info
	}
	return nil
}

func (self *LockManager) IsLockedByMe(elementId string) bool {
	return self.Status(elementId) == LockedByMe
}

func (self *LockManager) IsLockedByOther(elementId string) bool {
	return self.Status(elementId) == LockedByOther
}

// element ids with a known lock
func (self *LockManager) LockedElementIds() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return sortedKeys(self.locks)
}

func (self *LockManager) RenewalPending(elementId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	timer, ok := self.renewTimers[elementId]
	return ok && timer.Pending()
}

func (self *LockManager) onLockResponse(frame *Frame) {
	response := &LockResponse{}
	if err := frame.DecodePayload(response); err != nil {
		glog.Infof("[lock]bad lock response = %s\n", err)
		return
	}

	var status LockStatus
	switch {
	case response.Success && response.LockedByUser:
		status = LockedByMe
		glog.V(1).Infof("[lock]granted %s until %s\n", response.ElementId, response.ExpiresAt)
	case !response.Success:
		status = LockedByOther
		glog.V(1).Infof("[lock]denied %s held by %s until %s\n", response.ElementId, response.UserId, response.ExpiresAt)
	default:
		// granted to another session
		return
	}

	info := LockInfo{
		ElementId:    response.ElementId,
		UserId:       response.UserId,
		LockedByUser: status == LockedByMe,
		ExpiresAt:    response.ExpiresAt,
	}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.locks[response.ElementId] = &lockEntry{
			info:   info,
			status: status,
		}
		if status == LockedByMe {
			self.scheduleRenewal(response.ElementId)
		} else {
			self.stopRenewal(response.ElementId)
		}
	}()
	self.notify(response.ElementId, status, &info)
}

func (self *LockManager) onElementLocked(frame *Frame) {
	locked := &ElementLocked{}
	if err := frame.DecodePayload(locked); err != nil {
		glog.Infof("[lock]bad element locked = %s\n", err)
		return
	}
	info := LockInfo{
		ElementId:    locked.ElementId,
		UserId:       locked.UserId,
		LockedByUser: false,
		ExpiresAt:    locked.ExpiresAt,
	}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.stopRenewal(locked.ElementId)
		self.locks[locked.ElementId] = &lockEntry{
			info:   info,
			status: LockedByOther,
		}
	}()
	self.notify(locked.ElementId, LockedByOther, &info)
}

func (self *LockManager) onElementUnlocked(frame *Frame) {
	unlocked := &ElementUnlocked{}
	if err := frame.DecodePayload(unlocked); err != nil {
		glog.Infof("[lock]bad element unlocked = %s\n", err)
		return
	}
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.stopRenewal(unlocked.ElementId)
		if _, ok := self.locks[unlocked.ElementId]; ok {
			delete(self.locks, unlocked.ElementId)
			changed = true
		}
	}()
	if changed {
		glog.V(1).Infof("[lock]unlocked %s (%s)\n", unlocked.ElementId, unlocked.Reason)
		self.notify(unlocked.ElementId, Unlocked, nil)
	}
}

// replaces the lock state with the relay snapshot
func (self *LockManager) onLockedElements(frame *Frame) {
	snapshot := &LockedElements{}
	if err := frame.DecodePayload(snapshot); err != nil {
		glog.Infof("[lock]bad locked elements = %s\n", err)
		return
	}

	type lockChange struct {
		elementId string
		status    LockStatus
		info      *LockInfo
	}
	changes := []lockChange{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		locks := map[string]*lockEntry{}
		for _, info := range snapshot.LockedElements {
			if info == nil {
				continue
			}
			status := LockedByOther
			if info.LockedByUser {
				status = LockedByMe
			}
			locks[info.ElementId] = &lockEntry{
				info:   *info,
				status: status,
			}
		}
		for _, elementId := range sortedKeys(self.locks) {
			if _, ok := locks[elementId]; !ok {
				self.stopRenewal(elementId)
				changes = append(changes, lockChange{elementId, Unlocked, nil})
			}
		}
		for _, elementId := range sortedKeys(locks) {
			entry := locks[elementId]
			if entry.status == LockedByMe {
				self.scheduleRenewal(elementId)
			} else {
				self.stopRenewal(elementId)
			}
			info := entry.info
			changes = append(changes, lockChange{elementId, entry.status, &info})
		}
		self.locks = locks
	}()
	for _, change := range changes {
		self.notify(change.elementId, change.status, change.info)
	}
}

// must be called with the state lock
func (self *LockManager) scheduleRenewal(elementId string) {
	self.stopRenewal(elementId)
	self.renewTimers[elementId] = self.loop.AfterFunc(self.settings.RenewInterval, func() {
		self.renew(elementId)
	})
}

// must be called with the state lock
func (self *LockManager) stopRenewal(elementId string) {
	if timer, ok := self.renewTimers[elementId]; ok {
		timer.Stop()
		delete(self.renewTimers, elementId)
	}
}

func (self *LockManager) renew(elementId string) {
	held := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.renewTimers, elementId)
		if entry, ok := self.locks[elementId]; ok {
			held = entry.status == LockedByMe
		}
	}()
	if !held {
		return
	}
	glog.V(2).Infof("[lock]renew %s\n", elementId)
	if err := self.Acquire(elementId); err != nil {
		// the relay expires the lock if no renewal arrives
		glog.Infof("[lock]renew %s = %s\n", elementId, err)
	}
}

func (self *LockManager) notify(elementId string, status LockStatus, info *LockInfo) {
	for _, callback := range self.stateCallbacks.Get() {
		HandleError(func() {
			callback(elementId, status, info)
		})
	}
}

// releases every lock held by this session, cancels every renewal and detaches the handlers
func (self *LockManager) Close() {
	heldElementIds := []string{}
	var unsubscribes []func()
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		for _, elementId := range sortedKeys(self.locks) {
			if self.locks[elementId].status == LockedByMe {
				heldElementIds = append(heldElementIds, elementId)
			}
		}
		for _, elementId := range sortedKeys(self.renewTimers) {
			self.stopRenewal(elementId)
		}
		self.locks = map[string]*lockEntry{}
		unsubscribes = self.unsubscribes
		self.unsubscribes = []func(){}
	}()

	for _, elementId := range heldElementIds {
		if err := self.transport.Emit(KindUnlockElement, &UnlockElement{ElementId: elementId}); err != nil {
			glog.Infof("[lock]release %s = %s\n", elementId, err)
		}
	}
	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	self.cancel()
	glog.V(1).Infof("[lock]close released %d\n", len(heldElementIds))
}
