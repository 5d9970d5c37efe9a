package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// the connection lifecycle the session owns
type SessionTransport interface {
	Transport
	Connect(schemaId string, authToken string) error
	Disconnect()
}

type SessionSettings struct {
	GuardSettings  *MutationGuardSettings
	LockSettings   *LockManagerSettings
	CursorSettings *CursorBroadcasterSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		GuardSettings:  DefaultMutationGuardSettings(),
		LockSettings:   DefaultLockManagerSettings(),
		CursorSettings: DefaultCursorBroadcasterSettings(),
	}
}

// the schema loaded, but some cells could not be parsed
// everything that parsed is in the store
type LoadError struct {
	SchemaId string
	Err      error
}

func (self *LoadError) Error() string {
	return fmt.Sprintf("Failed to load diagram %s: %s", self.SchemaId, self.Err)
}

func (self *LoadError) Unwrap() error {
	return self.Err
}

// Coordinates one editing session at a time: connect, load, presence, and teardown.
// Opening another schema closes the current one first.
// `Open` and `Close` must not be called from a turn on the session loop.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	loop      *Loop
	transport SessionTransport
	api       SchemaApi
	authToken string

	settings *SessionSettings

	store *GraphStore

	stateLock sync.Mutex
	schemaId  string
	guard     *MutationGuard
	locks     *LockManager
	cursors   *CursorBroadcaster
	closeOpen context.CancelFunc
	detach    []func()
}

func NewSessionWithDefaults(
	ctx context.Context,
	loop *Loop,
	transport SessionTransport,
	api SchemaApi,
	authToken string,
) *Session {
	return NewSession(ctx, loop, transport, api, authToken, DefaultSessionSettings())
}

func NewSession(
	ctx context.Context,
	loop *Loop,
	transport SessionTransport,
	api SchemaApi,
	authToken string,
	settings *SessionSettings,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Session{
		ctx:       cancelCtx,
		cancel:    cancel,
		loop:      loop,
		transport: transport,
		api:       api,
		authToken: authToken,
		settings:  settings,
		store:     NewGraphStore(),
		detach:    []func(){},
	}
}

// Connects to the schema, loads it and starts presence.
// A `*LoadError` means the session is open with a partially loaded diagram.
// Any other error leaves the session closed.
func (self *Session) Open(schemaId string) error {
	select {
	case <-self.ctx.Done():
		return ErrClosed
	default:
	}

	self.Close()
	self.store.Reset()

	if err := self.transport.Connect(schemaId, self.authToken); err != nil {
		return err
	}

	openCtx, closeOpen := context.WithCancel(self.ctx)
	guard := NewMutationGuard(openCtx, self.loop, self.store, self.transport, self.settings.GuardSettings)
	locks := NewLockManager(openCtx, self.loop, self.transport, self.settings.LockSettings)
	cursors := NewCursorBroadcaster(openCtx, self.transport, self.settings.CursorSettings)

	var detach []func()
	abort := func() {
		teardown := func() {
			for _, d := range detach {
				d()
			}
			cursors.Close()
			locks.Close()
			guard.Close()
		}
		if !self.loop.Run(teardown) {
			teardown()
		}
		self.transport.Disconnect()
		closeOpen()
	}

	// attach before the fetch so that no frame is lost in between
	// element messages are held by the guard until the load is in the store
	var lockErr error
	attached := self.loop.Run(func() {
		guard.Start()
		guard.HoldRemote()
		lockErr = locks.Start()
		cursors.Start()
		detach = []func(){
			guard.AddElementDeletedCallback(locks.ElementDeleted),
		}
	})
	if !attached {
		abort()
		return ErrClosed
	}
	if lockErr != nil {
		glog.Infof("[session]lock snapshot request %s = %s\n", schemaId, lockErr)
	}

	result, err := self.api.LoadSchemaSync(schemaId)
	if err != nil {
		abort()
		return err
	}
	wireGraph, decodeErr := result.WireGraph()

	var loadErr error
	if !self.loop.Run(func() {
		loadErr = guard.Load(wireGraph)
	}) {
		abort()
		return ErrClosed
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.schemaId = schemaId
		self.guard = guard
		self.locks = locks
		self.cursors = cursors
		self.closeOpen = closeOpen
		self.detach = detach
	}()
	glog.Infof("[session]open %s (%d elements)\n", schemaId, self.store.ElementCount())

	if err := errors.Join(decodeErr, loadErr); err != nil {
		return &LoadError{
			SchemaId: schemaId,
			Err:      err,
		}
	}
	return nil
}

// Tears down in order: cursor leave, lock release, guard, connection.
// The store keeps the last state of the diagram.
func (self *Session) Close() {
	var schemaId string
	var guard *MutationGuard
	var locks *LockManager
	var cursors *CursorBroadcaster
	var closeOpen context.CancelFunc
	var detach []func()
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		schemaId = self.schemaId
		guard = self.guard
		locks = self.locks
		cursors = self.cursors
		closeOpen = self.closeOpen
		detach = self.detach
		self.schemaId = ""
		self.guard = nil
		self.locks = nil
		self.cursors = nil
		self.closeOpen = nil
		self.detach = []func(){}
	}()
	if guard == nil {
		return
	}

	teardown := func() {
		for _, d := range detach {
			d()
		}
		cursors.Close()
		locks.Close()
		guard.Close()
	}
	if !self.loop.Run(teardown) {
		// the loop is gone, tear down inline
		teardown()
	}
	self.transport.Disconnect()
	closeOpen()
	glog.Infof("[session]close %s\n", schemaId)
}

// closes the session for good
func (self *Session) Shutdown() {
	self.Close()
	self.cancel()
}

// runs a local edit as a loop turn and waits for it
func (self *Session) Edit(edit func(store *GraphStore)) bool {
	return self.loop.Run(func() {
		edit(self.store)
	})
}

// saves the full diagram through the schema api
func (self *Session) Save() (*SaveSchemaResult, error) {
	schemaId := self.SchemaId()
	if schemaId == "" {
		return nil, ErrNotConnected
	}
	return self.api.SaveSchemaSync(schemaId, SerializeGraph(self.store.Graph()))
}

func (self *Session) Collaborators() (*GetCollaboratorsResult, error) {
	schemaId := self.SchemaId()
	if schemaId == "" {
		return nil, ErrNotConnected
	}
	return self.api.GetCollaboratorsSync(schemaId)
}

// saves the full diagram as a new current version
func (self *Session) SaveVersion(comment string) (*SchemaVersion, error) {
	schemaId := self.SchemaId()
	if schemaId == "" {
		return nil, ErrNotConnected
	}
	return self.api.SaveVersionSync(schemaId, comment, SerializeGraph(self.store.Graph()))
}

func (self *Session) Versions() (*ListVersionsResult, error) {
	schemaId := self.SchemaId()
	if schemaId == "" {
		return nil, ErrNotConnected
	}
	return self.api.ListVersionsSync(schemaId)
}

// Replaces the diagram with the version. The replacement is a local edit,
// so every changed element is sent to the other sessions.
// A `*LoadError` means some cells of the version could not be parsed and were left out.
func (self *Session) RestoreVersion(versionId Id) error {
	schemaId := self.SchemaId()
	if schemaId == "" {
		return ErrNotConnected
	}
	version, err := self.api.RestoreVersionSync(schemaId, versionId)
	if err != nil {
		return err
	}
	wireGraph, decodeErr := version.WireGraph()
	graph, parseErr := Parse(wireGraph)
	if !self.loop.Run(func() {
		self.store.ReplaceGraph(graph)
	}) {
		return ErrClosed
	}
	glog.Infof("[session]restore %s %s (%d elements)\n", schemaId, versionId, self.store.ElementCount())

	if err := errors.Join(decodeErr, parseErr); err != nil {
		return &LoadError{
			SchemaId: schemaId,
			Err:      err,
		}
	}
	return nil
}

// the current version cannot be deleted
func (self *Session) DeleteVersion(versionId Id) error {
	schemaId := self.SchemaId()
	if schemaId == "" {
		return ErrNotConnected
	}
	_, err := self.api.DeleteVersionSync(schemaId, versionId)
	return err
}

func (self *Session) SchemaId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.schemaId
}

func (self *Session) Store() *GraphStore {
	return self.store
}

func (self *Session) Loop() *Loop {
	return self.loop
}

// nil when no schema is open
func (self *Session) Guard() *MutationGuard {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.guard
}

// nil when no schema is open
func (self *Session) Locks() *LockManager {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.locks
}

// nil when no schema is open
func (self *Session) Cursors() *CursorBroadcaster {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.cursors
}
