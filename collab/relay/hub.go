package relay

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"

	"github.com/colabd/schemasync/collab"
)

type HubSettings struct {
	// used when a lock request has no ttl
	DefaultLockTtl time.Duration
	MaxLockTtl     time.Duration
	PeerBufferSize int
}

func DefaultHubSettings() *HubSettings {
	return &HubSettings{
		DefaultLockTtl: 30 * time.Second,
		MaxLockTtl:     5 * time.Minute,
		PeerBufferSize: 256,
	}
}

// one joined connection
type Peer struct {
	ctx    context.Context
	cancel context.CancelFunc

	SchemaId  string
	SessionId string
	UserId    string
	UserName  string

	send chan []byte
}

func newPeer(ctx context.Context, schemaId string, sessionId string, userId string, userName string, bufferSize int) *Peer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Peer{
		ctx:       cancelCtx,
		cancel:    cancel,
		SchemaId:  schemaId,
		SessionId: sessionId,
		UserId:    userId,
		UserName:  userName,
		send:      make(chan []byte, bufferSize),
	}
}

func (self *Peer) Done() <-chan struct{} {
	return self.ctx.Done()
}

// Rooms of peers per schema. Element messages fan out to every other peer in the room
// and apply to the schema store. Locks and cursors are relayed with the relay as the authority.
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *HubSettings

	locks   *LockTable
	schemas *SchemaStore

	stateLock sync.Mutex
	// schema id -> session id -> peer
	rooms map[string]map[string]*Peer
	// schema id -> lock held across the apply and the fan out of one element message
	mutationLocks map[string]*sync.Mutex
}

func NewHubWithDefaults(ctx context.Context) *Hub {
	return NewHub(ctx, NewLockTable(), NewSchemaStore(), DefaultHubSettings())
}

func NewHub(ctx context.Context, locks *LockTable, schemas *SchemaStore, settings *HubSettings) *Hub {
	cancelCtx, cancel := context.WithCancel(ctx)
	hub := &Hub{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		locks:    locks,
		schemas:  schemas,
		rooms:    map[string]map[string]*Peer{},

		mutationLocks: map[string]*sync.Mutex{},
	}
	locks.AddExpiredCallback(hub.onLockExpired)
	return hub
}

func (self *Hub) Locks() *LockTable {
	return self.locks
}

func (self *Hub) Schemas() *SchemaStore {
	return self.schemas
}

// Adds a peer to the room of the schema.
// A peer already joined with the same session id is replaced.
func (self *Hub) Join(schemaId string, sessionId string, userId string, userName string) *Peer {
	peer := newPeer(self.ctx, schemaId, sessionId, userId, userName, self.settings.PeerBufferSize)
	var replaced *Peer
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		room, ok := self.rooms[schemaId]
		if !ok {
			room = map[string]*Peer{}
			self.rooms[schemaId] = room
		}
		replaced = room[sessionId]
		room[sessionId] = peer
	}()
	if replaced != nil {
		glog.Infof("[relay]replace %s %s\n", schemaId, sessionId)
		replaced.cancel()
	}
	self.schemas.Ensure(schemaId)
	self.schemas.AddCollaborator(schemaId, userId, userName)
	glog.V(1).Infof("[relay]join %s %s (%s)\n", schemaId, sessionId, userId)
	return peer
}

// Removes the peer, releases its locks and tells the room its cursor left.
func (self *Hub) Leave(peer *Peer) {
	peer.cancel()
	removed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		room, ok := self.rooms[peer.SchemaId]
		if !ok || room[peer.SessionId] != peer {
			return
		}
		delete(room, peer.SessionId)
		if len(room) == 0 {
			delete(self.rooms, peer.SchemaId)
		}
		removed = true
	}()
	if !removed {
		return
	}

	for _, grant := range self.locks.ReleaseSession(peer.SchemaId, peer.SessionId) {
		self.broadcast(peer.SchemaId, "", &collab.ElementUnlocked{
			ElementId: grant.ElementId,
			Reason:    collab.UnlockReasonDisconnect,
		})
	}
	self.broadcast(peer.SchemaId, peer.SessionId, &collab.CursorLeave{
		UserId:    peer.UserId,
		SessionId: peer.SessionId,
	})
	glog.V(1).Infof("[relay]leave %s %s\n", peer.SchemaId, peer.SessionId)
}

// handles one frame received from the peer
func (self *Hub) Handle(peer *Peer, frame *collab.Frame) {
	if frame.SchemaId != peer.SchemaId {
		glog.Infof("[relay]drop %s for %s from %s\n", frame.Kind, frame.SchemaId, peer.SchemaId)
		return
	}
	glog.V(2).Infof("[relay]%s %s<-%s\n", frame.Kind, peer.SchemaId, peer.SessionId)

	switch frame.Kind {
	case collab.KindCreateElement, collab.KindUpdateElement, collab.KindMoveElement, collab.KindDeleteElement:
		self.handleMutation(peer, frame)
	case collab.KindLockElement:
		self.handleLock(peer, frame)
	case collab.KindUnlockElement:
		self.handleUnlock(peer, frame)
	case collab.KindGetLockedElements:
		self.send(peer, self.lockedElements(peer))
	case collab.KindCursorMove:
		self.handleCursorMove(peer, frame)
	case collab.KindCursorLeave:
		self.broadcast(peer.SchemaId, peer.SessionId, &collab.CursorLeave{
			UserId:    peer.UserId,
			SessionId: peer.SessionId,
		})
	default:
		glog.Infof("[relay]unsupported %s from %s\n", frame.Kind, peer.SessionId)
		self.send(peer, &collab.ErrorMessage{
			Message: "Unsupported message: " + frame.Kind,
		})
	}
}

func (self *Hub) handleMutation(peer *Peer, frame *collab.Frame) {
	intent, err := collab.DecodeMutationIntent(frame)
	if err != nil {
		glog.Infof("[relay]bad %s from %s = %s\n", frame.Kind, peer.SessionId, err)
		self.send(peer, &collab.ErrorMessage{
			Message: err.Error(),
		})
		return
	}
	// every peer receives the element messages of a schema in the order the store applied them
	mutationLock := self.mutationLock(peer.SchemaId)
	mutationLock.Lock()
	defer mutationLock.Unlock()

	removedIds := self.schemas.Apply(peer.SchemaId, intent)
	self.broadcastFrame(peer.SchemaId, peer.SessionId, frame)

	// deleted elements cannot stay locked
	for _, removedId := range removedIds {
		if grant := self.locks.Drop(peer.SchemaId, removedId); grant != nil {
			self.broadcast(peer.SchemaId, "", &collab.ElementUnlocked{
				ElementId: removedId,
				Reason:    collab.UnlockReasonDeleted,
			})
		}
	}
}

func (self *Hub) mutationLock(schemaId string) *sync.Mutex {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	mutationLock, ok := self.mutationLocks[schemaId]
	if !ok {
		mutationLock = &sync.Mutex{}
		self.mutationLocks[schemaId] = mutationLock
	}
	return mutationLock
}

func (self *Hub) lockTtl(ttlSeconds int) time.Duration {
	if ttlSeconds <= 0 {
		return self.settings.DefaultLockTtl
	}
	return min(time.Duration(ttlSeconds)*time.Second, self.settings.MaxLockTtl)
}

func (self *Hub) handleLock(peer *Peer, frame *collab.Frame) {
	request := &collab.LockElement{}
	if err := frame.DecodePayload(request); err != nil || request.ElementId == "" {
		self.send(peer, &collab.LockResponse{
			Success:   false,
			ElementId: request.ElementId,
			Message:   "Bad lock request.",
		})
		return
	}

	grant, granted := self.locks.Acquire(
		peer.SchemaId,
		request.ElementId,
		peer.SessionId,
		peer.UserId,
		self.lockTtl(request.TtlSeconds),
	)
	response := &collab.LockResponse{
		Success:      granted,
		ElementId:    request.ElementId,
		UserId:       grant.UserId,
		LockedByUser: grant.SessionId == peer.SessionId,
		ExpiresAt:    grant.ExpiresAt,
	}
	if granted {
		response.Message = "Element locked."
	} else {
		response.Message = "Element is locked by another user."
	}
	self.send(peer, response)

	if granted {
		glog.V(1).Infof("[relay]lock %s %s by %s until %s\n", peer.SchemaId, request.ElementId, peer.SessionId, grant.ExpiresAt)
		self.broadcast(peer.SchemaId, peer.SessionId, &collab.ElementLocked{
			ElementId: request.ElementId,
			UserId:    grant.UserId,
			ExpiresAt: grant.ExpiresAt,
		})
	}
}

func (self *Hub) handleUnlock(peer *Peer, frame *collab.Frame) {
	request := &collab.UnlockElement{}
	if err := frame.DecodePayload(request); err != nil {
		glog.Infof("[relay]bad unlock from %s = %s\n", peer.SessionId, err)
		return
	}
	if !self.locks.Release(peer.SchemaId, request.ElementId, peer.SessionId) {
		glog.V(2).Infof("[relay]unlock %s not held by %s\n", request.ElementId, peer.SessionId)
		return
	}
	glog.V(1).Infof("[relay]unlock %s %s by %s\n", peer.SchemaId, request.ElementId, peer.SessionId)
	self.broadcast(peer.SchemaId, peer.SessionId, &collab.ElementUnlocked{
		ElementId: request.ElementId,
		Reason:    collab.UnlockReasonReleased,
	})
}

// `locked_by_user` is relative to the peer
func (self *Hub) lockedElements(peer *Peer) *collab.LockedElements {
	lockedElements := &collab.LockedElements{
		LockedElements: []*collab.LockInfo{},
	}
	for _, grant := range self.locks.Locked(peer.SchemaId) {
		lockedElements.LockedElements = append(lockedElements.LockedElements, &collab.LockInfo{
			ElementId:    grant.ElementId,
			UserId:       grant.UserId,
			LockedByUser: grant.SessionId == peer.SessionId,
			ExpiresAt:    grant.ExpiresAt,
		})
	}
	return lockedElements
}

// the relay stamps the peer identity and the time
func (self *Hub) handleCursorMove(peer *Peer, frame *collab.Frame) {
	move := &collab.CursorMove{}
	if err := frame.DecodePayload(move); err != nil {
		glog.Infof("[relay]bad cursor move from %s = %s\n", peer.SessionId, err)
		return
	}
	userName := move.UserName
	if userName == "" {
		userName = peer.UserName
	}
	self.broadcast(peer.SchemaId, peer.SessionId, &collab.CursorPosition{
		UserId:    peer.UserId,
		UserName:  userName,
		SessionId: peer.SessionId,
		X:         move.X,
		Y:         move.Y,
		Color:     move.Color,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (self *Hub) onLockExpired(grant *LockGrant) {
	self.broadcast(grant.SchemaId, "", &collab.ElementUnlocked{
		ElementId: grant.ElementId,
		Reason:    collab.UnlockReasonExpired,
	})
}

func (self *Hub) peers(schemaId string, excludeSessionId string) []*Peer {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	room := self.rooms[schemaId]
	peers := make([]*Peer, 0, len(room))
	for _, sessionId := range sortedKeys(room) {
		if sessionId != excludeSessionId {
			peers = append(peers, room[sessionId])
		}
	}
	return peers
}

// sends to every peer in the room except `excludeSessionId`
func (self *Hub) broadcast(schemaId string, excludeSessionId string, message any) {
	frame, err := collab.ToFrame(schemaId, message)
	if err != nil {
		glog.Infof("[relay]broadcast = %s\n", err)
		return
	}
	self.broadcastFrame(schemaId, excludeSessionId, frame)
}

func (self *Hub) broadcastFrame(schemaId string, excludeSessionId string, frame *collab.Frame) {
	message, err := collab.EncodeFrame(frame)
	if err != nil {
		glog.Infof("[relay]encode %s = %s\n", frame.Kind, err)
		return
	}
	for _, peer := range self.peers(schemaId, excludeSessionId) {
		self.sendBytes(peer, frame.Kind, message)
	}
}

func (self *Hub) send(peer *Peer, message any) {
	messageBytes, err := collab.EncodeMessage(peer.SchemaId, message)
	if err != nil {
		glog.Infof("[relay]encode = %s\n", err)
		return
	}
	kind, _ := collab.MessageKindOf(message)
	self.sendBytes(peer, kind, messageBytes)
}

// a peer that cannot keep up is dropped
func (self *Hub) sendBytes(peer *Peer, kind collab.MessageKind, message []byte) {
	select {
	case <-peer.ctx.Done():
		return
	default:
	}
	select {
	case peer.send <- message:
	default:
		glog.Infof("[relay]%s->%s buffer full, drop peer\n", kind, peer.SessionId)
		peer.cancel()
	}
}

// user id -> online, for the peers in the room
func (self *Hub) OnlineUsers(schemaId string) map[string]bool {
	online := map[string]bool{}
	for _, peer := range self.peers(schemaId, "") {
		online[peer.UserId] = true
	}
	return online
}

type HubStatus struct {
	Rooms int `json:"rooms"`
	Peers int `json:"peers"`
}

func (self *Hub) Status() *HubStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	status := &HubStatus{
		Rooms: len(self.rooms),
	}
	for _, room := range self.rooms {
		status.Peers += len(room)
	}
	return status
}

func (self *Hub) Close() {
	self.cancel()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}
