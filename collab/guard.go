package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type GuardState int

const (
	Idle GuardState = iota
	ApplyingRemote
)

func (self GuardState) String() string {
	switch self {
	case Idle:
		return "idle"
	case ApplyingRemote:
		return "applying_remote"
	default:
		return "unknown"
	}
}

type MutationGuardSettings struct {
	// the unsaved flag clears this long after the last successful emission
	UnsavedClearDelay time.Duration
}

func DefaultMutationGuardSettings() *MutationGuardSettings {
	return &MutationGuardSettings{
		UnsavedClearDelay: 3 * time.Second,
	}
}

type UnsavedFunction = func(unsaved bool)
type ElementDeletedFunction = func(elementId string)

// Decides for every store change whether it propagates to the network.
//
// Changes observed while applying remote mutations, and every change of an initial load,
// are suppressed. Every other change is local and is emitted as a single element message
// tagged with the session origin. Inbound element messages with the local session origin are ignored.
// Between `HoldRemote` and the end of the next load, inbound element messages are queued and
// replayed in order once the load is in the store.
type MutationGuard struct {
	ctx    context.Context
	cancel context.CancelFunc

	loop      *Loop
	store     *GraphStore
	transport Transport

	settings *MutationGuardSettings

	stateLock    sync.Mutex
	state        GuardState
	loadBudget   int
	loading      bool
	holding      bool
	heldIntents  []*MutationIntent
	unsaved      bool
	unsavedTimer *LoopTimer
	started      bool
	unsubscribes []func()
	// identifies the pending clear
	unsavedGeneration int

	unsavedCallbacks        *CallbackList[UnsavedFunction]
	elementDeletedCallbacks *CallbackList[ElementDeletedFunction]
}

func NewMutationGuardWithDefaults(
	ctx context.Context,
	loop *Loop,
	store *GraphStore,
	transport Transport,
) *MutationGuard {
	return NewMutationGuard(ctx, loop, store, transport, DefaultMutationGuardSettings())
}

func NewMutationGuard(
	ctx context.Context,
	loop *Loop,
	store *GraphStore,
	transport Transport,
	settings *MutationGuardSettings,
) *MutationGuard {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &MutationGuard{
		ctx:                     cancelCtx,
		cancel:                  cancel,
		loop:                    loop,
		store:                   store,
		transport:               transport,
		settings:                settings,
		state:                   Idle,
		unsubscribes:            []func(){},
		unsavedCallbacks:        NewCallbackList[UnsavedFunction](),
		elementDeletedCallbacks: NewCallbackList[ElementDeletedFunction](),
	}
}

// attaches to the store and to the element messages of the transport
func (self *MutationGuard) Start() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.started {
		return
	}
	self.started = true

	self.unsubscribes = append(self.unsubscribes, self.store.AddChangeCallback(self.onChange))
	for _, kind := range []MessageKind{
		KindCreateElement,
		KindUpdateElement,
		KindMoveElement,
		KindDeleteElement,
	} {
		self.unsubscribes = append(self.unsubscribes, self.transport.On(kind, self.onFrame))
	}
	glog.V(1).Infof("[guard]start %s %s\n", self.transport.SchemaId(), self.transport.SessionId())
}

// Queues inbound element messages until the next `Load` or `LoadGraph` finishes.
// Used when the transport is attached before the schema is fetched.
func (self *MutationGuard) HoldRemote() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.holding = true
}

func (self *MutationGuard) AddUnsavedCallback(callback UnsavedFunction) func() {
	callbackId := self.unsavedCallbacks.Add(callback)
	return func() {
		self.unsavedCallbacks.Remove(callbackId)
	}
}

// called for a deleted element, local or remote, including cascaded relationships
func (self *MutationGuard) AddElementDeletedCallback(callback ElementDeletedFunction) func() {
	callbackId := self.elementDeletedCallbacks.Add(callback)
	return func() {
		self.elementDeletedCallbacks.Remove(callbackId)
	}
}

func (self *MutationGuard) State() GuardState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *MutationGuard) LoadBudget() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.loadBudget
}

func (self *MutationGuard) Unsaved() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.unsaved
}

// Runs `apply` in the `ApplyingRemote` state. Every store change observed while `apply` runs
// is suppressed. The state is restored when `apply` returns, with no suspension in between.
func (self *MutationGuard) ApplyRemote(apply func()) {
	var previousState GuardState
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		previousState = self.state
		self.state = ApplyingRemote
	}()
	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.state = previousState
	}()
	apply()
}

// Bulk loads a schema into the store without propagating it.
// No change observed during the load is emitted, including the updates of a graph with duplicate ids.
// The load budget is the number of parsed elements and each create consumes one unit.
// Budget left over from rejected elements is cleared when the load ends.
// Intents held since `HoldRemote` are applied after the load.
// Returns the joined cell errors of the parse. Every element that parsed is loaded.
func (self *MutationGuard) Load(wireGraph *WireGraph) error {
	graph, err := Parse(wireGraph)
	self.LoadGraph(graph)
	return err
}

func (self *MutationGuard) LoadGraph(graph *Graph) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.loading = true
		self.loadBudget = graph.ElementCount()
	}()
	func() {
		defer func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			if 0 < self.loadBudget {
				glog.V(1).Infof("[guard]load budget %d unused\n", self.loadBudget)
			}
			self.loadBudget = 0
			self.loading = false
		}()

		for _, table := range graph.Tables {
			self.store.AddTable(table)
		}
		for _, relationship := range graph.Relationships {
			if _, ok := self.store.AddRelationship(relationship); !ok {
				glog.Infof("[guard]load skip relationship %s: missing endpoint\n", relationship.Id)
			}
		}
		glog.V(1).Infof("[guard]loaded %d tables %d relationships\n", len(graph.Tables), len(graph.Relationships))
	}()

	self.releaseHeld()
}

func (self *MutationGuard) releaseHeld() {
	var heldIntents []*MutationIntent
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		heldIntents = self.heldIntents
		self.heldIntents = nil
		self.holding = false
	}()
	if len(heldIntents) == 0 {
		return
	}
	glog.V(1).Infof("[guard]replay %d held\n", len(heldIntents))
	self.ApplyRemote(func() {
		for _, intent := range heldIntents {
			self.ApplyIntent(intent)
		}
	})
}

func (self *MutationGuard) onChange(change *GraphChange) {
	if change.Op == GraphOpDelete {
		self.notifyDeleted(change)
	}

	suppress := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.state == ApplyingRemote {
			suppress = true
		} else if self.loading {
			if change.Op == GraphOpCreate && 0 < self.loadBudget {
				self.loadBudget -= 1
			}
			suppress = true
		}
	}()
	if suppress {
		glog.V(2).Infof("[guard]suppress %s %s\n", change.Op, change.ElementId())
		return
	}

	kind, message := self.localMessage(change)
	err := self.transport.Emit(kind, message)
	if err != nil {
		glog.Infof("[guard]emit %s %s = %s\n", kind, change.ElementId(), err)
	} else {
		glog.V(2).Infof("[guard]emit %s %s\n", kind, change.ElementId())
	}
	self.markUnsaved(err == nil)
}

// the single element message for a local change
func (self *MutationGuard) localMessage(change *GraphChange) (MessageKind, any) {
	origin := NewOrigin(self.transport.SessionId())
	switch change.Op {
	case GraphOpCreate:
		var cell *Cell
		if change.Table != nil {
			cell = TableCell(change.Table)
		} else {
			cell = RelationshipCell(change.Relationship)
		}
		return KindCreateElement, &CreateElement{
			Cell:   *cell,
			Origin: origin,
		}
	case GraphOpUpdate:
		if change.Table != nil {
			cell := TableCell(change.Table)
			comment := change.Table.Comment
			return KindUpdateElement, &UpdateElement{
				Id:       cell.Id,
				Type:     cell.Type,
				Attrs:    cell.Attrs,
				Position: cell.Position,
				Indices:  cell.Indices,
				Comment:  &comment,
				Origin:   origin,
			}
		}
		cell := RelationshipCell(change.Relationship)
		return KindUpdateElement, &UpdateElement{
			Id:       cell.Id,
			Type:     cell.Type,
			Source:   cell.Source,
			Target:   cell.Target,
			Vertices: cell.Vertices,
			Labels:   cell.Labels,
			Origin:   origin,
		}
	case GraphOpMove:
		return KindMoveElement, &MoveElement{
			Id:       change.ElementId(),
			Position: *change.Table.Position,
			Origin:   origin,
		}
	default:
		return KindDeleteElement, &DeleteElement{
			Id:     change.ElementId(),
			Origin: origin,
		}
	}
}

// a failed emission leaves the flag set with no pending clear
func (self *MutationGuard) markUnsaved(emitted bool) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.unsavedTimer != nil {
			self.unsavedTimer.Stop()
			self.unsavedTimer = nil
		}
		if !self.unsaved {
			self.unsaved = true
			changed = true
		}
		self.unsavedGeneration += 1
		if emitted {
			generation := self.unsavedGeneration
			self.unsavedTimer = self.loop.AfterFunc(self.settings.UnsavedClearDelay, func() {
				self.clearUnsaved(generation)
			})
		}
	}()
	if changed {
		self.notifyUnsaved(true)
	}
}

func (self *MutationGuard) clearUnsaved(generation int) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.unsavedGeneration != generation {
			return
		}
		self.unsavedTimer = nil
		if self.unsaved {
			self.unsaved = false
			changed = true
		}
	}()
	if changed {
		self.notifyUnsaved(false)
	}
}

func (self *MutationGuard) notifyUnsaved(unsaved bool) {
	for _, callback := range self.unsavedCallbacks.Get() {
		HandleError(func() {
			callback(unsaved)
		})
	}
}

func (self *MutationGuard) notifyDeleted(change *GraphChange) {
	elementIds := []string{change.ElementId()}
	elementIds = append(elementIds, change.CascadedRelationshipIds...)
	for _, callback := range self.elementDeletedCallbacks.Get() {
		for _, elementId := range elementIds {
			HandleError(func() {
				callback(elementId)
			})
		}
	}
}

// runs on the loop
func (self *MutationGuard) onFrame(frame *Frame) {
	intent, err := DecodeMutationIntent(frame)
	if err != nil {
		glog.Infof("[guard]bad %s = %s\n", frame.Kind, err)
		return
	}
	if intent.Origin != nil && intent.Origin.SessionId == self.transport.SessionId() {
		// own echo
		glog.V(2).Infof("[guard]ignore own %s %s\n", intent.Op, intent.ElementId)
		return
	}
	held := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.holding {
			self.heldIntents = append(self.heldIntents, intent)
			held = true
		}
	}()
	if held {
		glog.V(2).Infof("[guard]hold %s %s\n", intent.Op, intent.ElementId)
		return
	}
	self.ApplyRemote(func() {
		self.ApplyIntent(intent)
	})
}

// applies a remote intent to the store, last writer wins
// callers wrap this in `ApplyRemote`
func (self *MutationGuard) ApplyIntent(intent *MutationIntent) bool {
	glog.V(2).Infof("[guard]apply %s %s\n", intent.Op, intent.ElementId)
	switch intent.Op {
	case GraphOpCreate:
		table, relationship, err := ParseCell(intent.Cell)
		if err != nil {
			glog.Infof("[guard]bad create %s = %s\n", intent.ElementId, err)
			return false
		}
		if table != nil {
			self.store.AddTable(table)
			return true
		}
		_, ok := self.store.AddRelationship(relationship)
		return ok
	case GraphOpUpdate:
		return self.applyUpdate(intent.Update)
	case GraphOpMove:
		return self.store.UpdateTablePosition(intent.ElementId, intent.Position)
	case GraphOpDelete:
		if self.store.RemoveTable(intent.ElementId) {
			return true
		}
		return self.store.RemoveRelationship(intent.ElementId)
	default:
		return false
	}
}

func (self *MutationGuard) applyUpdate(update *UpdateElement) bool {
	if table, ok := self.store.Table(update.Id); ok {
		cell := MergeUpdate(TableCell(table), update)
		merged, _, err := ParseCell(cell)
		if err != nil || merged == nil {
			glog.Infof("[guard]bad update %s = %v\n", update.Id, err)
			return false
		}
		return self.store.UpdateTable(merged)
	}
	if relationship, ok := self.store.Relationship(update.Id); ok {
		cell := MergeUpdate(RelationshipCell(relationship), update)
		_, merged, err := ParseCell(cell)
		if err != nil || merged == nil {
			glog.Infof("[guard]bad update %s = %v\n", update.Id, err)
			return false
		}
		return self.store.UpdateRelationship(merged)
	}
	glog.V(1).Infof("[guard]update unknown element %s\n", update.Id)
	return false
}

// Detaches from the store and the transport and cancels the unsaved timer.
// The unsaved flag keeps its last value.
func (self *MutationGuard) Close() {
	var unsubscribes []func()
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		unsubscribes = self.unsubscribes
		self.unsubscribes = []func(){}
		self.holding = false
		self.heldIntents = nil
		if self.unsavedTimer != nil {
			self.unsavedTimer.Stop()
			self.unsavedTimer = nil
		}
	}()
	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	self.cancel()
}
