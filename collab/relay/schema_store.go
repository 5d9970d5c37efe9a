package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/colabd/schemasync/collab"
)

const defaultSchemaPermission = "editor"

var ErrSchemaNotFound = errors.New("Schema not found.")
var ErrVersionNotFound = errors.New("Version not found.")
var ErrVersionCurrent = errors.New("The current version cannot be deleted.")

type storedVersion struct {
	version *collab.SchemaVersion
	cells   []*collab.Cell
}

type schemaEntry struct {
	details *collab.SchemaDetails
	// cell order is insertion order
	cellIds []string
	cells   map[string]*collab.Cell
	// user id -> collaborator, every user that has joined
	collaborators map[string]*collab.Collaborator
	// newest first, at most `collab.MaxSchemaVersions`
	versions []*storedVersion
}

func newSchemaEntry(schemaId string) *schemaEntry {
	now := time.Now().UTC().Format(time.RFC3339)
	return &schemaEntry{
		details: &collab.SchemaDetails{
			Id:         schemaId,
			Title:      schemaId,
			InsertedAt: now,
			UpdatedAt:  now,
		},
		cellIds:       []string{},
		cells:         map[string]*collab.Cell{},
		collaborators: map[string]*collab.Collaborator{},
		versions:      []*storedVersion{},
	}
}

func (self *schemaEntry) touch() {
	self.details.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

func (self *schemaEntry) setCell(cell *collab.Cell) {
	if _, ok := self.cells[cell.Id]; !ok {
		self.cellIds = append(self.cellIds, cell.Id)
	}
	self.cells[cell.Id] = cell
}

func (self *schemaEntry) removeCell(cellId string) bool {
	if _, ok := self.cells[cellId]; !ok {
		return false
	}
	delete(self.cells, cellId)
	for i, id := range self.cellIds {
		if id == cellId {
			self.cellIds = append(self.cellIds[:i], self.cellIds[i+1:]...)
			break
		}
	}
	return true
}

func (self *schemaEntry) cellList() []*collab.Cell {
	cells := make([]*collab.Cell, 0, len(self.cellIds))
	for _, cellId := range self.cellIds {
		cells = append(cells, self.cells[cellId].Clone())
	}
	return cells
}

// In-memory diagram cells per schema.
// Element messages apply whole element last writer wins, in relay arrival order.
type SchemaStore struct {
	stateLock sync.Mutex
	schemas   map[string]*schemaEntry
}

func NewSchemaStore() *SchemaStore {
	return &SchemaStore{
		schemas: map[string]*schemaEntry{},
	}
}

// must be called with the state lock
func (self *SchemaStore) entry(schemaId string) *schemaEntry {
	entry, ok := self.schemas[schemaId]
	if !ok {
		entry = newSchemaEntry(schemaId)
		self.schemas[schemaId] = entry
	}
	return entry
}

// creates the schema if it does not exist
func (self *SchemaStore) Ensure(schemaId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.entry(schemaId)
}

func (self *SchemaStore) Exists(schemaId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.schemas[schemaId]
	return ok
}

func (self *SchemaStore) Load(schemaId string) (*collab.SchemaDetails, []*collab.Cell, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	entry, ok := self.schemas[schemaId]
	if !ok {
		return nil, nil, false
	}
	details := *entry.details
	return &details, entry.cellList(), true
}

// replaces all cells of the schema
func (self *SchemaStore) Save(schemaId string, cells []*collab.Cell) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	entry := self.entry(schemaId)
	entry.cellIds = []string{}
	entry.cells = map[string]*collab.Cell{}
	for _, cell := range cells {
		if cell == nil || cell.Id == "" {
			continue
		}
		entry.setCell(cell.Clone())
	}
	entry.touch()
	glog.V(1).Infof("[schema]save %s (%d cells)\n", schemaId, len(entry.cellIds))
}

// Applies one element intent. Returns the ids of cells removed by a delete,
// which include the links that referenced a deleted table.
func (self *SchemaStore) Apply(schemaId string, intent *collab.MutationIntent) []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry := self.entry(schemaId)
	removedIds := []string{}
	switch intent.Op {
	case collab.GraphOpCreate:
		cell := intent.Cell.Clone()
		cell.Id = intent.ElementId
		entry.setCell(cell)
	case collab.GraphOpUpdate:
		cell, ok := entry.cells[intent.ElementId]
		if !ok {
			glog.V(2).Infof("[schema]update unknown %s\n", intent.ElementId)
			return removedIds
		}
		entry.cells[intent.ElementId] = collab.MergeUpdate(cell, intent.Update)
	case collab.GraphOpMove:
		cell, ok := entry.cells[intent.ElementId]
		if !ok {
			glog.V(2).Infof("[schema]move unknown %s\n", intent.ElementId)
			return removedIds
		}
		position := intent.Position
		cell.Position = &position
	case collab.GraphOpDelete:
		if !entry.removeCell(intent.ElementId) {
			return removedIds
		}
		removedIds = append(removedIds, intent.ElementId)
		for _, cellId := range append([]string{}, entry.cellIds...) {
			cell := entry.cells[cellId]
			if !cell.IsLink() {
				continue
			}
			if (cell.Source != nil && cell.Source.Id == intent.ElementId) ||
				(cell.Target != nil && cell.Target.Id == intent.ElementId) {
				entry.removeCell(cellId)
				removedIds = append(removedIds, cellId)
			}
		}
	}
	entry.touch()
	return removedIds
}

// records a user that joined the schema
func (self *SchemaStore) AddCollaborator(schemaId string, userId string, userName string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	entry := self.entry(schemaId)
	if collaborator, ok := entry.collaborators[userId]; ok {
		if userName != "" {
			collaborator.Name = userName
		}
		return
	}
	entry.collaborators[userId] = &collab.Collaborator{
		UserId:     userId,
		Name:       userName,
		Permission: defaultSchemaPermission,
	}
}

// the users that have joined the schema ordered by user id
// `online` is keyed by user id
func (self *SchemaStore) Collaborators(schemaId string, online map[string]bool) []*collab.Collaborator {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	entry, ok := self.schemas[schemaId]
	if !ok {
		return []*collab.Collaborator{}
	}
	collaborators := make([]*collab.Collaborator, 0, len(entry.collaborators))
	for _, userId := range sortedKeys(entry.collaborators) {
		collaborator := *entry.collaborators[userId]
		collaborator.Online = online[userId]
		collaborators = append(collaborators, &collaborator)
	}
	return collaborators
}

func cloneCells(cells []*collab.Cell) []*collab.Cell {
	clones := make([]*collab.Cell, 0, len(cells))
	for _, cell := range cells {
		if cell == nil || cell.Id == "" {
			continue
		}
		clones = append(clones, cell.Clone())
	}
	return clones
}

// Saves a snapshot of `cells` as the new current version.
// Nil cells snapshot the relay copy of the schema. The oldest versions past the limit are dropped.
func (self *SchemaStore) SaveVersion(schemaId string, author string, comment string, cells []*collab.Cell) (*collab.SchemaVersion, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.schemas[schemaId]
	if !ok {
		return nil, ErrSchemaNotFound
	}
	if cells == nil {
		cells = entry.cellList()
	} else {
		cells = cloneCells(cells)
	}
	for _, stored := range entry.versions {
		stored.version.IsCurrent = false
	}
	stored := &storedVersion{
		version: &collab.SchemaVersion{
			Id:        collab.NewId(),
			SchemaId:  schemaId,
			Author:    author,
			Comment:   comment,
			CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
			IsCurrent: true,
		},
		cells: cells,
	}
	entry.versions = append([]*storedVersion{stored}, entry.versions...)
	if collab.MaxSchemaVersions < len(entry.versions) {
		entry.versions = entry.versions[:collab.MaxSchemaVersions]
	}
	glog.V(1).Infof("[schema]version %s %s (%d cells)\n", schemaId, stored.version.Id, len(cells))
	return stored.withCells()
}

// newest first, without cells
func (self *SchemaStore) Versions(schemaId string) ([]*collab.SchemaVersion, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.schemas[schemaId]
	if !ok {
		return nil, ErrSchemaNotFound
	}
	versions := make([]*collab.SchemaVersion, 0, len(entry.versions))
	for _, stored := range entry.versions {
		version := *stored.version
		versions = append(versions, &version)
	}
	return versions, nil
}

// Marks the version current and returns it with its cells.
// The schema cells are not changed here. The restoring session replays the difference as element messages.
func (self *SchemaStore) RestoreVersion(schemaId string, versionId collab.Id) (*collab.SchemaVersion, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.schemas[schemaId]
	if !ok {
		return nil, ErrSchemaNotFound
	}
	var restored *storedVersion
	for _, stored := range entry.versions {
		if stored.version.Id == versionId {
			restored = stored
		}
	}
	if restored == nil {
		return nil, ErrVersionNotFound
	}
	for _, stored := range entry.versions {
		stored.version.IsCurrent = (stored == restored)
	}
	return restored.withCells()
}

func (self *SchemaStore) DeleteVersion(schemaId string, versionId collab.Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.schemas[schemaId]
	if !ok {
		return ErrSchemaNotFound
	}
	for i, stored := range entry.versions {
		if stored.version.Id != versionId {
			continue
		}
		if stored.version.IsCurrent {
			return ErrVersionCurrent
		}
		entry.versions = append(entry.versions[:i], entry.versions[i+1:]...)
		return nil
	}
	return ErrVersionNotFound
}

// must be called with the state lock
func (self *storedVersion) withCells() (*collab.SchemaVersion, error) {
	version := *self.version
	cellsBytes, err := json.Marshal(self.cells)
	if err != nil {
		return nil, err
	}
	version.Cells = cellsBytes
	return &version, nil
}
