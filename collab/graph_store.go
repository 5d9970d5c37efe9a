package collab

import (
	"slices"
	"sync"

	"github.com/golang/glog"
)

const defaultTablePositionOffset = 100.0
const defaultTablePositionStep = 50.0

type GraphOp int

const (
	GraphOpCreate GraphOp = iota
	GraphOpUpdate
	GraphOpMove
	GraphOpDelete
)

func (self GraphOp) String() string {
	switch self {
	case GraphOpCreate:
		return "create"
	case GraphOpUpdate:
		return "update"
	case GraphOpMove:
		return "move"
	case GraphOpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// one store mutation
// exactly one of `Table` and `Relationship` is set. For deletes it is the last state of the element.
type GraphChange struct {
	Op           GraphOp
	Table        *Table
	Relationship *Relationship
	// relationships removed together with a deleted table
	CascadedRelationshipIds []string
}

func (self *GraphChange) ElementId() string {
	if self.Table != nil {
		return self.Table.Id
	}
	if self.Relationship != nil {
		return self.Relationship.Id
	}
	return ""
}

type TablesFunction = func(tables []*Table)
type RelationshipsFunction = func(relationships []*Relationship)
type GraphChangeFunction = func(change *GraphChange)

// The authoritative in-memory graph. Mutated only through its own methods.
// Every mutation publishes the full collections (deep copies) to subscribers,
// followed by one `GraphChange`. Callbacks run synchronously on the mutating goroutine,
// after the state lock is released.
// Mutating an unknown id is a no-op that returns false.
type GraphStore struct {
	stateLock sync.Mutex

	// insertion order
	tableIds        []string
	tables          map[string]*Table
	relationshipIds []string
	relationships   map[string]*Relationship

	tablesCallbacks        *CallbackList[TablesFunction]
	relationshipsCallbacks *CallbackList[RelationshipsFunction]
	changeCallbacks        *CallbackList[GraphChangeFunction]
}

func NewGraphStore() *GraphStore {
	return &GraphStore{
		tableIds:               []string{},
		tables:                 map[string]*Table{},
		relationshipIds:        []string{},
		relationships:          map[string]*Relationship{},
		tablesCallbacks:        NewCallbackList[TablesFunction](),
		relationshipsCallbacks: NewCallbackList[RelationshipsFunction](),
		changeCallbacks:        NewCallbackList[GraphChangeFunction](),
	}
}

func (self *GraphStore) AddTablesCallback(callback TablesFunction) func() {
	callbackId := self.tablesCallbacks.Add(callback)
	return func() {
		self.tablesCallbacks.Remove(callbackId)
	}
}

func (self *GraphStore) AddRelationshipsCallback(callback RelationshipsFunction) func() {
	callbackId := self.relationshipsCallbacks.Add(callback)
	return func() {
		self.relationshipsCallbacks.Remove(callbackId)
	}
}

func (self *GraphStore) AddChangeCallback(callback GraphChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(callback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

// returns the id of the stored table
// a table with an existing id replaces the stored table
func (self *GraphStore) AddTable(table *Table) string {
	var change *GraphChange
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		table = table.Clone()
		if table.Id == "" {
			table.Id = NewElementId("table_")
		}
		if table.Position == nil {
			n := float64(len(self.tableIds))
			table.Position = &Point{
				X: defaultTablePositionOffset + defaultTablePositionStep*n,
				Y: defaultTablePositionOffset + defaultTablePositionStep*n,
			}
		}
		for _, index := range table.Indices {
			if index.Id == "" {
				index.Id = NewElementId("idx_")
			}
		}
		table.Normalize()

		op := GraphOpCreate
		if _, ok := self.tables[table.Id]; ok {
			op = GraphOpUpdate
		} else {
			self.tableIds = append(self.tableIds, table.Id)
		}
		self.tables[table.Id] = table
		change = &GraphChange{
			Op:    op,
			Table: table.Clone(),
		}
	}()
	self.publish(true, false, change)
	return change.Table.Id
}

// replaces the stored table with the same id
func (self *GraphStore) UpdateTable(table *Table) bool {
	var change *GraphChange
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		current, ok := self.tables[table.Id]
		if !ok {
			return
		}
		table = table.Clone()
		if table.Position == nil {
			table.Position = current.Position
		}
		table.Normalize()
		self.tables[table.Id] = table
		change = &GraphChange{
			Op:    GraphOpUpdate,
			Table: table.Clone(),
		}
	}()
	if change == nil {
		glog.V(2).Infof("[store]update unknown table %s\n", table.Id)
		return false
	}
	self.publish(true, false, change)
	return true
}

func (self *GraphStore) UpdateTablePosition(tableId string, position Point) bool {
	var change *GraphChange
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		current, ok := self.tables[tableId]
		if !ok {
			return
		}
		table := current.Clone()
		table.Position = &position
		self.tables[tableId] = table
		change = &GraphChange{
			Op:    GraphOpMove,
			Table: table.Clone(),
		}
	}()
	if change == nil {
		return false
	}
	self.publish(true, false, change)
	return true
}

// removes the table and every relationship that references it as one operation
func (self *GraphStore) RemoveTable(tableId string) bool {
	var change *GraphChange
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		table, ok := self.tables[tableId]
		if !ok {
			return
		}
		delete(self.tables, tableId)
		self.tableIds = slices.DeleteFunc(self.tableIds, func(id string) bool {
			return id == tableId
		})

		cascadedRelationshipIds := []string{}
		self.relationshipIds = slices.DeleteFunc(self.relationshipIds, func(relationshipId string) bool {
			if self.relationships[relationshipId].References(tableId) {
				delete(self.relationships, relationshipId)
				cascadedRelationshipIds = append(cascadedRelationshipIds, relationshipId)
				return true
			}
			return false
		})

		change = &GraphChange{
			Op:                      GraphOpDelete,
			Table:                   table.Clone(),
			CascadedRelationshipIds: cascadedRelationshipIds,
		}
	}()
	if change == nil {
		return false
	}
	self.publish(true, 0 < len(change.CascadedRelationshipIds), change)
	return true
}

// returns the id of the stored relationship and false when an endpoint table does not exist
func (self *GraphStore) AddRelationship(relationship *Relationship) (string, bool) {
	var change *GraphChange
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if !self.hasEndpoints(relationship) {
			return
		}
		relationship = relationship.Clone()
		if relationship.Id == "" {
			relationship.Id = NewElementId("rel_")
		}
		if relationship.Type == "" {
			relationship.Type = OneToMany
		}

		op := GraphOpCreate
		if _, ok := self.relationships[relationship.Id]; ok {
			op = GraphOpUpdate
		} else {
			self.relationshipIds = append(self.relationshipIds, relationship.Id)
		}
		self.relationships[relationship.Id] = relationship
		change = &GraphChange{
			Op:           op,
			Relationship: relationship.Clone(),
		}
	}()
	if change == nil {
		glog.V(2).Infof("[store]relationship %s missing endpoint %s->%s\n", relationship.Id, relationship.SourceTableId, relationship.TargetTableId)
		return "", false
	}
	self.publish(false, true, change)
	return change.Relationship.Id, true
}

func (self *GraphStore) UpdateRelationship(relationship *Relationship) bool {
	var change *GraphChange
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if _, ok := self.relationships[relationship.Id]; !ok {
			return
		}
		if !self.hasEndpoints(relationship) {
			return
		}
		relationship = relationship.Clone()
		if relationship.Type == "" {
			relationship.Type = OneToMany
		}
		self.relationships[relationship.Id] = relationship
		change = &GraphChange{
			Op:           GraphOpUpdate,
			Relationship: relationship.Clone(),
		}
	}()
	if change == nil {
		return false
	}
	self.publish(false, true, change)
	return true
}

func (self *GraphStore) UpdateRelationshipVertices(relationshipId string, vertices []Point) bool {
	var change *GraphChange
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		current, ok := self.relationships[relationshipId]
		if !ok {
			return
		}
		relationship := current.Clone()
		relationship.Vertices = slices.Clone(vertices)
		self.relationships[relationshipId] = relationship
		change = &GraphChange{
			Op:           GraphOpUpdate,
			Relationship: relationship.Clone(),
		}
	}()
	if change == nil {
		return false
	}
	self.publish(false, true, change)
	return true
}

func (self *GraphStore) RemoveRelationship(relationshipId string) bool {
	var change *GraphChange
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		relationship, ok := self.relationships[relationshipId]
		if !ok {
			return
		}
		delete(self.relationships, relationshipId)
		self.relationshipIds = slices.DeleteFunc(self.relationshipIds, func(id string) bool {
			return id == relationshipId
		})
		change = &GraphChange{
			Op:           GraphOpDelete,
			Relationship: relationship.Clone(),
		}
	}()
	if change == nil {
		return false
	}
	self.publish(false, true, change)
	return true
}

// returns the id of the index
func (self *GraphStore) AddIndex(tableId string, index *TableIndex) (string, bool) {
	index = index.Clone()
	if index.Id == "" {
		index.Id = NewElementId("idx_")
	}
	if index.Type == "" {
		index.Type = IndexTypeBtree
	}
	ok := self.updateTableWith(tableId, func(table *Table) bool {
		i := slices.IndexFunc(table.Indices, func(current *TableIndex) bool {
			return current.Id == index.Id
		})
		if 0 <= i {
			table.Indices[i] = index
		} else {
			table.Indices = append(table.Indices, index)
		}
		return true
	})
	if !ok {
		return "", false
	}
	return index.Id, true
}

func (self *GraphStore) UpdateIndex(tableId string, index *TableIndex) bool {
	index = index.Clone()
	return self.updateTableWith(tableId, func(table *Table) bool {
		i := slices.IndexFunc(table.Indices, func(current *TableIndex) bool {
			return current.Id == index.Id
		})
		if i < 0 {
			return false
		}
		table.Indices[i] = index
		return true
	})
}

func (self *GraphStore) RemoveIndex(tableId string, indexId string) bool {
	return self.updateTableWith(tableId, func(table *Table) bool {
		n := len(table.Indices)
		table.Indices = slices.DeleteFunc(table.Indices, func(current *TableIndex) bool {
			return current.Id == indexId
		})
		return len(table.Indices) < n
	})
}

// `update` edits a copy of the table and returns false to discard it
func (self *GraphStore) updateTableWith(tableId string, update func(table *Table) bool) bool {
	var change *GraphChange
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		current, ok := self.tables[tableId]
		if !ok {
			return
		}
		table := current.Clone()
		if !update(table) {
			return
		}
		table.Normalize()
		self.tables[tableId] = table
		change = &GraphChange{
			Op:    GraphOpUpdate,
			Table: table.Clone(),
		}
	}()
	if change == nil {
		return false
	}
	self.publish(true, false, change)
	return true
}

// clears the store without element changes, e.g. when switching schemas
// Replaces the content with `graph` one element operation at a time, so every difference
// reaches the change callbacks. Elements in both are rewritten as updates.
// Relationships with a missing endpoint are skipped.
func (self *GraphStore) ReplaceGraph(graph *Graph) {
	tableIds := map[string]bool{}
	for _, table := range graph.Tables {
		tableIds[table.Id] = true
	}
	relationshipIds := map[string]bool{}
	for _, relationship := range graph.Relationships {
		relationshipIds[relationship.Id] = true
	}

	// relationships first so that no table delete cascades to a relationship that is kept
	for _, relationship := range self.Relationships() {
		if !relationshipIds[relationship.Id] {
			self.RemoveRelationship(relationship.Id)
		}
	}
	for _, table := range self.Tables() {
		if !tableIds[table.Id] {
			self.RemoveTable(table.Id)
		}
	}
	for _, table := range graph.Tables {
		self.AddTable(table)
	}
	for _, relationship := range graph.Relationships {
		self.AddRelationship(relationship)
	}
}

func (self *GraphStore) Reset() {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.tableIds = []string{}
		self.tables = map[string]*Table{}
		self.relationshipIds = []string{}
		self.relationships = map[string]*Relationship{}
	}()
	self.publish(true, true, nil)
}

func (self *GraphStore) Tables() []*Table {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.tablesSnapshot()
}

func (self *GraphStore) Relationships() []*Relationship {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.relationshipsSnapshot()
}

func (self *GraphStore) Table(tableId string) (*Table, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	table, ok := self.tables[tableId]
	if !ok {
		return nil, false
	}
	return table.Clone(), true
}

func (self *GraphStore) Relationship(relationshipId string) (*Relationship, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	relationship, ok := self.relationships[relationshipId]
	if !ok {
		return nil, false
	}
	return relationship.Clone(), true
}

func (self *GraphStore) ElementCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.tables) + len(self.relationships)
}

func (self *GraphStore) Graph() *Graph {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return &Graph{
		Tables:        self.tablesSnapshot(),
		Relationships: self.relationshipsSnapshot(),
	}
}

// must be called with the state lock
func (self *GraphStore) hasEndpoints(relationship *Relationship) bool {
	if _, ok := self.tables[relationship.SourceTableId]; !ok {
		return false
	}
	if _, ok := self.tables[relationship.TargetTableId]; !ok {
		return false
	}
	return true
}

// must be called with the state lock
func (self *GraphStore) tablesSnapshot() []*Table {
	tables := make([]*Table, 0, len(self.tableIds))
	for _, tableId := range self.tableIds {
		tables = append(tables, self.tables[tableId].Clone())
	}
	return tables
}

// must be called with the state lock
func (self *GraphStore) relationshipsSnapshot() []*Relationship {
	relationships := make([]*Relationship, 0, len(self.relationshipIds))
	for _, relationshipId := range self.relationshipIds {
		relationships = append(relationships, self.relationships[relationshipId].Clone())
	}
	return relationships
}

func (self *GraphStore) publish(tablesChanged bool, relationshipsChanged bool, change *GraphChange) {
	if tablesChanged {
		tables := self.Tables()
		for _, callback := range self.tablesCallbacks.Get() {
			HandleError(func() {
				callback(tables)
			})
		}
	}
	if relationshipsChanged {
		relationships := self.Relationships()
		for _, callback := range self.relationshipsCallbacks.Get() {
			HandleError(func() {
				callback(relationships)
			})
		}
	}
	if change != nil {
		for _, callback := range self.changeCallbacks.Get() {
			HandleError(func() {
				callback(change)
			})
		}
	}
}
