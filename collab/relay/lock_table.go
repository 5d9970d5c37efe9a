package relay

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jellydator/ttlcache/v3"

	"github.com/colabd/schemasync/collab"
)

// one granted element lock
type LockGrant struct {
	SchemaId  string
	ElementId string
	SessionId string
	UserId    string
	ExpiresAt time.Time
}

type LockExpiredFunction = func(grant *LockGrant)

func lockKey(schemaId string, elementId string) string {
	return schemaId + "/" + elementId
}

// Element locks of every schema with TTL expiry.
// A lock is held by a session. The holding session renews it by acquiring again.
// Expired locks are evicted by the cache cleaner, which notifies the expired callbacks.
type LockTable struct {
	// serializes check-and-set on the cache
	stateLock sync.Mutex
	cache     *ttlcache.Cache[string, *LockGrant]

	expiredCallbacks *collab.CallbackList[LockExpiredFunction]
}

func NewLockTable() *LockTable {
	cache := ttlcache.New[string, *LockGrant](
		// a read must not extend a lock, only a renewal does
		ttlcache.WithDisableTouchOnHit[string, *LockGrant](),
	)
	lockTable := &LockTable{
		cache:            cache,
		expiredCallbacks: collab.NewCallbackList[LockExpiredFunction](),
	}
	cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *LockGrant]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		grant := *item.Value()
		glog.V(1).Infof("[lock]expired %s held by %s\n", item.Key(), grant.SessionId)
		for _, callback := range lockTable.expiredCallbacks.Get() {
			collab.HandleError(func() {
				callback(&grant)
			})
		}
	})
	return lockTable
}

func (self *LockTable) AddExpiredCallback(callback LockExpiredFunction) func() {
	callbackId := self.expiredCallbacks.Add(callback)
	return func() {
		self.expiredCallbacks.Remove(callbackId)
	}
}

// Grants the lock when it is free, expired or already held by the session.
// Returns the current grant, which on denial is the grant of the holder.
func (self *LockTable) Acquire(
	schemaId string,
	elementId string,
	sessionId string,
	userId string,
	ttl time.Duration,
) (*LockGrant, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	key := lockKey(schemaId, elementId)
	if item := self.cache.Get(key); item != nil && !item.IsExpired() {
		holder := *item.Value()
		if holder.SessionId != sessionId {
			return &holder, false
		}
	}

	grant := &LockGrant{
		SchemaId:  schemaId,
		ElementId: elementId,
		SessionId: sessionId,
		UserId:    userId,
		ExpiresAt: time.Now().Add(ttl),
	}
	self.cache.Set(key, grant, ttl)
	result := *grant
	return &result, true
}

// only the holding session can release
func (self *LockTable) Release(schemaId string, elementId string, sessionId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	key := lockKey(schemaId, elementId)
	item := self.cache.Get(key)
	if item == nil || item.IsExpired() || item.Value().SessionId != sessionId {
		return false
	}
	self.cache.Delete(key)
	return true
}

// drops the lock of an element whatever the holder, e.g. when the element is deleted
func (self *LockTable) Drop(schemaId string, elementId string) *LockGrant {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	key := lockKey(schemaId, elementId)
	item := self.cache.Get(key)
	if item == nil || item.IsExpired() {
		return nil
	}
	self.cache.Delete(key)
	grant := *item.Value()
	return &grant
}

// releases every lock of the session in the schema
// returns the released grants
func (self *LockTable) ReleaseSession(schemaId string, sessionId string) []*LockGrant {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	released := []*LockGrant{}
	for _, grant := range self.locked(schemaId) {
		if grant.SessionId == sessionId {
			self.cache.Delete(lockKey(schemaId, grant.ElementId))
			released = append(released, grant)
		}
	}
	return released
}

// the live locks of a schema ordered by element id
func (self *LockTable) Locked(schemaId string) []*LockGrant {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.locked(schemaId)
}

// must be called with the state lock
func (self *LockTable) locked(schemaId string) []*LockGrant {
	items := self.cache.Items()
	grantsByElementId := map[string]*LockGrant{}
	for _, item := range items {
		if item.IsExpired() {
			continue
		}
		grant := *item.Value()
		if grant.SchemaId == schemaId {
			grantsByElementId[grant.ElementId] = &grant
		}
	}
	grants := make([]*LockGrant, 0, len(grantsByElementId))
	for _, elementId := range sortedKeys(grantsByElementId) {
		grants = append(grants, grantsByElementId[elementId])
	}
	return grants
}

// evicts expired locks now, notifying the expired callbacks
func (self *LockTable) DeleteExpired() {
	self.cache.DeleteExpired()
}

// runs the cache cleaner until the context is done
func (self *LockTable) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		self.cache.Stop()
	}()
	self.cache.Start()
	return nil
}
