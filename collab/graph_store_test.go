package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func testTable(name string, columnNames ...string) *Table {
	columns := []Column{}
	for i, columnName := range columnNames {
		columns = append(columns, Column{
			Name:         columnName,
			Type:         ColumnTypeInt,
			IsPrimaryKey: i == 0,
		})
	}
	return &Table{
		Name:    name,
		Columns: columns,
	}
}

func TestStoreAddTableDefaults(t *testing.T) {
	store := NewGraphStore()

	aId := store.AddTable(testTable("a", "id"))
	bId := store.AddTable(testTable("b", "id"))
	assert.NotEqual(t, aId, "")
	assert.NotEqual(t, aId, bId)
	assert.Equal(t, aId[:len("table_")], "table_")

	a, ok := store.Table(aId)
	assert.Equal(t, ok, true)
	assert.Equal(t, *a.Position, Point{X: 100, Y: 100})
	b, _ := store.Table(bId)
	assert.Equal(t, *b.Position, Point{X: 150, Y: 150})

	// an explicit position is kept
	cId := store.AddTable(&Table{Name: "c", Position: &Point{X: 7, Y: 9}})
	c, _ := store.Table(cId)
	assert.Equal(t, *c.Position, Point{X: 7, Y: 9})

	assert.Equal(t, len(store.Tables()), 3)
	assert.Equal(t, store.ElementCount(), 3)
}

func TestStorePrimaryKeyImpliesNotNullUnique(t *testing.T) {
	store := NewGraphStore()

	tableId := store.AddTable(&Table{
		Name: "users",
		Columns: []Column{
			{Name: "id", Type: ColumnTypeInt, IsPrimaryKey: true},
			{Name: "email", Type: ColumnTypeVarchar, Length: 100000},
			{Name: "code", Type: ColumnTypeChar, Length: -4},
			{Name: "age", Type: ColumnTypeInt, Length: 12},
		},
	})
	table, _ := store.Table(tableId)
	assert.Equal(t, table.Columns[0].IsNotNull, true)
	assert.Equal(t, table.Columns[0].IsUnique, true)
	assert.Equal(t, table.Columns[1].Length, MaxColumnLength)
	assert.Equal(t, table.Columns[2].Length, MinColumnLength)
	// only length types carry a length
	assert.Equal(t, table.Columns[3].Length, 0)

	// updates are normalized too
	table.Columns[1].IsPrimaryKey = true
	table.Columns[1].Length = 0
	assert.Equal(t, store.UpdateTable(table), true)
	updated, _ := store.Table(tableId)
	assert.Equal(t, updated.Columns[1].IsNotNull, true)
	assert.Equal(t, updated.Columns[1].IsUnique, true)
	assert.Equal(t, updated.Columns[1].Length, MinColumnLength)
}

func TestStorePrimaryKeyToggle(t *testing.T) {
	store := NewGraphStore()

	tableId := store.AddTable(&Table{
		Name: "users",
		Columns: []Column{
			{Name: "id", Type: ColumnTypeInt},
		},
	})

	setPrimaryKey := func(isPrimaryKey bool, isNotNull bool, isUnique bool) Column {
		table, _ := store.Table(tableId)
		table.Columns[0].IsPrimaryKey = isPrimaryKey
		table.Columns[0].IsNotNull = isNotNull
		table.Columns[0].IsUnique = isUnique
		assert.Equal(t, store.UpdateTable(table), true)
		updated, _ := store.Table(tableId)
		return updated.Columns[0]
	}

	column := setPrimaryKey(true, false, false)
	assert.Equal(t, column.IsNotNull, true)
	assert.Equal(t, column.IsUnique, true)

	// off, with the constraints cleared by the editor
	column = setPrimaryKey(false, false, false)
	assert.Equal(t, column.IsPrimaryKey, false)
	assert.Equal(t, column.IsNotNull, false)
	assert.Equal(t, column.IsUnique, false)

	// back on restores both
	column = setPrimaryKey(true, false, false)
	assert.Equal(t, column.IsPrimaryKey, true)
	assert.Equal(t, column.IsNotNull, true)
	assert.Equal(t, column.IsUnique, true)

	// a primary key cannot drop either constraint
	column = setPrimaryKey(true, false, true)
	assert.Equal(t, column.IsNotNull, true)
}

func TestStoreColumnLengthClamp(t *testing.T) {
	store := NewGraphStore()

	tableId := store.AddTable(&Table{
		Name: "users",
		Columns: []Column{
			{Name: "email", Type: ColumnTypeVarchar, Length: 10},
		},
	})

	setLength := func(length int) int {
		table, _ := store.Table(tableId)
		table.Columns[0].Length = length
		assert.Equal(t, store.UpdateTable(table), true)
		updated, _ := store.Table(tableId)
		return updated.Columns[0].Length
	}

	assert.Equal(t, setLength(100000), MaxColumnLength)
	assert.Equal(t, setLength(0), MinColumnLength)
	assert.Equal(t, setLength(-1), MinColumnLength)
	assert.Equal(t, setLength(64), 64)

	// a length type added without a length is clamped too
	tableId = store.AddTable(&Table{
		Name: "codes",
		Columns: []Column{
			{Name: "code", Type: ColumnTypeChar},
		},
	})
	table, _ := store.Table(tableId)
	assert.Equal(t, table.Columns[0].Length, MinColumnLength)
}

func TestStoreCascadeDelete(t *testing.T) {
	store := NewGraphStore()

	aId := store.AddTable(testTable("a", "id"))
	bId := store.AddTable(testTable("b", "id", "a_id"))
	cId := store.AddTable(testTable("c", "id"))

	abId, ok := store.AddRelationship(&Relationship{SourceTableId: aId, TargetTableId: bId})
	assert.Equal(t, ok, true)
	bcId, ok := store.AddRelationship(&Relationship{SourceTableId: bId, TargetTableId: cId})
	assert.Equal(t, ok, true)
	caId, ok := store.AddRelationship(&Relationship{SourceTableId: cId, TargetTableId: aId})
	assert.Equal(t, ok, true)

	ab, _ := store.Relationship(abId)
	assert.Equal(t, ab.Type, OneToMany)

	tablesCount := 0
	relationshipsCount := 0
	changes := []*GraphChange{}
	store.AddTablesCallback(func(tables []*Table) {
		tablesCount += 1
	})
	store.AddRelationshipsCallback(func(relationships []*Relationship) {
		relationshipsCount += 1
	})
	store.AddChangeCallback(func(change *GraphChange) {
		changes = append(changes, change)
	})

	assert.Equal(t, store.RemoveTable(bId), true)

	// one operation, one notification per collection
	assert.Equal(t, tablesCount, 1)
	assert.Equal(t, relationshipsCount, 1)
	assert.Equal(t, len(changes), 1)
	assert.Equal(t, changes[0].Op, GraphOpDelete)
	assert.Equal(t, changes[0].Table.Id, bId)
	assert.Equal(t, changes[0].CascadedRelationshipIds, []string{abId, bcId})

	// no relationship references a missing table
	relationships := store.Relationships()
	assert.Equal(t, len(relationships), 1)
	assert.Equal(t, relationships[0].Id, caId)
	for _, relationship := range relationships {
		_, sourceOk := store.Table(relationship.SourceTableId)
		_, targetOk := store.Table(relationship.TargetTableId)
		assert.Equal(t, sourceOk, true)
		assert.Equal(t, targetOk, true)
	}
}

func TestStoreRelationshipEndpoints(t *testing.T) {
	store := NewGraphStore()

	aId := store.AddTable(testTable("a", "id"))
	_, ok := store.AddRelationship(&Relationship{SourceTableId: aId, TargetTableId: "table_missing"})
	assert.Equal(t, ok, false)
	assert.Equal(t, len(store.Relationships()), 0)

	bId := store.AddTable(testTable("b", "id"))
	relationshipId, ok := store.AddRelationship(&Relationship{
		SourceTableId: aId,
		TargetTableId: bId,
		Type:          ManyToMany,
	})
	assert.Equal(t, ok, true)

	relationship, _ := store.Relationship(relationshipId)
	relationship.TargetTableId = "table_missing"
	assert.Equal(t, store.UpdateRelationship(relationship), false)

	assert.Equal(t, store.UpdateRelationshipVertices(relationshipId, []Point{{X: 1, Y: 2}}), true)
	relationship, _ = store.Relationship(relationshipId)
	assert.Equal(t, relationship.Vertices, []Point{{X: 1, Y: 2}})
	assert.Equal(t, relationship.Type, ManyToMany)
}

func TestStoreUnknownIdNoop(t *testing.T) {
	store := NewGraphStore()
	store.AddTable(testTable("a", "id"))

	changes := 0
	store.AddChangeCallback(func(change *GraphChange) {
		changes += 1
	})

	assert.Equal(t, store.UpdateTable(&Table{Id: "table_missing", Name: "x"}), false)
	assert.Equal(t, store.UpdateTablePosition("table_missing", Point{X: 1, Y: 1}), false)
	assert.Equal(t, store.RemoveTable("table_missing"), false)
	assert.Equal(t, store.RemoveRelationship("rel_missing"), false)
	assert.Equal(t, store.UpdateRelationshipVertices("rel_missing", nil), false)
	_, ok := store.AddIndex("table_missing", &TableIndex{Name: "i"})
	assert.Equal(t, ok, false)
	assert.Equal(t, store.RemoveIndex("table_missing", "idx_missing"), false)

	assert.Equal(t, changes, 0)
	assert.Equal(t, store.ElementCount(), 1)
}

func TestStoreChangeOps(t *testing.T) {
	store := NewGraphStore()

	ops := []GraphOp{}
	unsubscribe := store.AddChangeCallback(func(change *GraphChange) {
		ops = append(ops, change.Op)
	})

	tableId := store.AddTable(testTable("a", "id"))
	table, _ := store.Table(tableId)
	table.Name = "renamed"
	store.UpdateTable(table)
	// add with an existing id replaces
	store.AddTable(table)
	store.UpdateTablePosition(tableId, Point{X: 5, Y: 5})
	store.RemoveTable(tableId)

	assert.Equal(t, ops, []GraphOp{GraphOpCreate, GraphOpUpdate, GraphOpUpdate, GraphOpMove, GraphOpDelete})

	unsubscribe()
	store.AddTable(testTable("b", "id"))
	assert.Equal(t, len(ops), 5)
}

func TestStoreIndices(t *testing.T) {
	store := NewGraphStore()
	tableId := store.AddTable(testTable("a", "id", "email"))

	indexId, ok := store.AddIndex(tableId, &TableIndex{
		Name:    "email_idx",
		Columns: []string{"email"},
	})
	assert.Equal(t, ok, true)
	assert.Equal(t, indexId[:len("idx_")], "idx_")

	table, _ := store.Table(tableId)
	assert.Equal(t, len(table.Indices), 1)
	assert.Equal(t, table.Indices[0].Type, IndexTypeBtree)

	assert.Equal(t, store.UpdateIndex(tableId, &TableIndex{
		Id:       indexId,
		Name:     "email_idx",
		Columns:  []string{"email"},
		Type:     IndexTypeHash,
		IsUnique: true,
	}), true)
	table, _ = store.Table(tableId)
	assert.Equal(t, table.Indices[0].Type, IndexTypeHash)
	assert.Equal(t, table.Indices[0].IsUnique, true)

	assert.Equal(t, store.RemoveIndex(tableId, indexId), true)
	table, _ = store.Table(tableId)
	assert.Equal(t, len(table.Indices), 0)
}

func TestStoreReset(t *testing.T) {
	store := NewGraphStore()
	aId := store.AddTable(testTable("a", "id"))
	bId := store.AddTable(testTable("b", "id"))
	store.AddRelationship(&Relationship{SourceTableId: aId, TargetTableId: bId})

	var tables []*Table
	var relationships []*Relationship
	changed := false
	store.AddTablesCallback(func(t []*Table) {
		tables = t
	})
	store.AddRelationshipsCallback(func(r []*Relationship) {
		relationships = r
	})
	store.AddChangeCallback(func(change *GraphChange) {
		changed = true
	})

	store.Reset()
	assert.Equal(t, len(tables), 0)
	assert.Equal(t, len(relationships), 0)
	// a reset is not an element change
	assert.Equal(t, changed, false)
	assert.Equal(t, store.ElementCount(), 0)
}

func TestStoreReadersCopy(t *testing.T) {
	store := NewGraphStore()
	tableId := store.AddTable(testTable("a", "id"))

	table, _ := store.Table(tableId)
	table.Name = "changed outside"
	table.Columns[0].Name = "changed outside"

	stored, _ := store.Table(tableId)
	assert.Equal(t, stored.Name, "a")
	assert.Equal(t, stored.Columns[0].Name, "id")
}
