package collab

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCodecRoundTrip(t *testing.T) {
	users := &Table{
		Id:   "table_users",
		Name: "users",
		Columns: []Column{
			{Name: "id", Type: ColumnTypeInt, IsPrimaryKey: true, IsAutoIncrement: true},
			{Name: "email", Type: ColumnTypeVarchar, Length: 255, IsNotNull: true, IsUnique: true},
			{Name: "bio", Type: ColumnTypeText},
		},
		Position: &Point{X: 40, Y: 60},
		Indices: []*TableIndex{
			{Id: "idx_email", Name: "email_idx", Columns: []string{"email"}, Type: IndexTypeBtree, IsUnique: true},
		},
		Comment: "accounts",
	}
	posts := &Table{
		Id:   "table_posts",
		Name: "posts",
		Columns: []Column{
			{Name: "id", Type: ColumnTypeInt, IsPrimaryKey: true},
			{Name: "user_id", Type: ColumnTypeInt, IsForeignKey: true, IsNotNull: true},
		},
		Position: &Point{X: 400, Y: 60},
	}
	relationship := &Relationship{
		Id:             "rel_posts_users",
		SourceTableId:  "table_users",
		TargetTableId:  "table_posts",
		SourceColumnId: "id",
		TargetColumnId: "user_id",
		Type:           OneToMany,
		Vertices:       []Point{{X: 300, Y: 80}},
	}
	for _, table := range []*Table{users, posts} {
		table.Normalize()
	}

	wireGraph := Serialize([]*Table{users, posts}, []*Relationship{relationship})
	assert.Equal(t, len(wireGraph.Cells), 3)
	assert.Equal(t, wireGraph.Cells[0].Type, CellTypeRectangle)
	assert.Equal(t, wireGraph.Cells[2].Type, CellTypeLink)
	assert.Equal(t, wireGraph.Cells[0].Size.Height, 44.0+26.0*3)

	graph, err := Parse(wireGraph)
	assert.Equal(t, err, nil)
	assert.Equal(t, graph.Tables, []*Table{users, posts})
	assert.Equal(t, graph.Relationships, []*Relationship{relationship})
}

func TestCodecNotNullMarker(t *testing.T) {
	cell := &Cell{
		Type: CellTypeRectangle,
		Id:   "element_orders",
		Attrs: map[string]Attr{
			"row@0-name": {"text": "id"},
			"row@0-type": {"text": "INT"},
			"row@0-meta": {"pk": true, "fk": false},
			"row@1-name": {"text": "note *"},
			"row@1-type": {"text": "varchar(100000)"},
			"row@2-name": {"text": "code"},
			"row@2-type": {"text": "CHAR(0)"},
		},
	}
	table, relationship, err := ParseCell(cell)
	assert.Equal(t, err, nil)
	assert.Equal(t, relationship == nil, true)

	// the id without its prefix names an unlabeled table
	assert.Equal(t, table.Name, "orders")
	assert.Equal(t, len(table.Columns), 3)
	assert.Equal(t, table.Columns[0].IsPrimaryKey, true)
	assert.Equal(t, table.Columns[0].IsNotNull, true)
	assert.Equal(t, table.Columns[1].Name, "note")
	assert.Equal(t, table.Columns[1].IsNotNull, true)
	assert.Equal(t, table.Columns[1].Type, "varchar")
	assert.Equal(t, table.Columns[1].Length, MaxColumnLength)
	assert.Equal(t, table.Columns[2].Length, MinColumnLength)

	// not null round trips through the marker
	attrs := TableAttrs(table)
	assert.Equal(t, attrs["row@1-name"]["text"], "note *")
	assert.Equal(t, attrs["row@1-type"]["text"], "varchar(65535)")
}

func TestCodecDefaultColumn(t *testing.T) {
	cell := &Cell{
		Type: CellTypeTable,
		Id:   "table_empty",
		Attrs: map[string]Attr{
			"label": {"text": "empty"},
		},
	}
	table, _, err := ParseCell(cell)
	assert.Equal(t, err, nil)
	assert.Equal(t, table.Name, "empty")
	assert.Equal(t, table.Columns, []Column{
		{
			Name:            "id",
			Type:            ColumnTypeInt,
			IsPrimaryKey:    true,
			IsNotNull:       true,
			IsUnique:        true,
			IsAutoIncrement: true,
		},
	})

	// a row with no name or type gets the column defaults
	cell.Attrs["row@0-meta"] = Attr{"pk": false}
	table, _, err = ParseCell(cell)
	assert.Equal(t, err, nil)
	assert.Equal(t, table.Columns[0].Name, "Unnamed")
	assert.Equal(t, table.Columns[0].Type, ColumnTypeVarchar)
	assert.Equal(t, table.Columns[0].Length, DefaultVarcharLength)
}

func TestCodecColumnTypeText(t *testing.T) {
	cell := &Cell{
		Type: CellTypeTable,
		Id:   "table_orders",
		Attrs: map[string]Attr{
			"label":      {"text": "orders"},
			"row@0-name": {"text": "id"},
			"row@0-type": {"text": "INT(11)"},
			"row@1-name": {"text": ""},
			"row@1-type": {"text": "CHAR"},
			"row@2-name": {"text": "total"},
			"row@2-type": {"text": "DECIMAL(10,2)"},
			"row@3-name": {"text": "note"},
			"row@3-type": {"text": "VARCHAR"},
		},
	}
	table, _, err := ParseCell(cell)
	assert.Equal(t, err, nil)

	// display widths on other types stay in the type text
	assert.Equal(t, table.Columns[0].Type, "INT(11)")
	assert.Equal(t, table.Columns[0].Length, 0)
	assert.Equal(t, table.Columns[2].Type, "DECIMAL(10,2)")
	// an empty name is kept, not replaced by the default
	assert.Equal(t, table.Columns[1].Name, "")
	// length types without a length get the editor defaults
	assert.Equal(t, table.Columns[1].Length, DefaultCharLength)
	assert.Equal(t, table.Columns[3].Length, DefaultVarcharLength)

	// every column survives a round trip
	reparsed, _, err := ParseCell(TableCell(table))
	assert.Equal(t, err, nil)
	assert.Equal(t, reparsed.Columns, table.Columns)
	attrs := TableAttrs(table)
	assert.Equal(t, attrs["row@0-type"]["text"], "INT(11)")
	assert.Equal(t, attrs["row@1-name"]["text"], "")
	assert.Equal(t, attrs["row@1-type"]["text"], "CHAR(50)")
}

func TestCodecTableNameFallbacks(t *testing.T) {
	cell := &Cell{
		Type: CellTypeRectangle,
		Id:   "x1",
		Attrs: map[string]Attr{
			"table-name": {"text": "from table-name"},
		},
	}
	table, _, err := ParseCell(cell)
	assert.Equal(t, err, nil)
	assert.Equal(t, table.Name, "from table-name")

	cell.Attrs = map[string]Attr{
		"header-label": {"text": "from header"},
	}
	table, _, _ = ParseCell(cell)
	assert.Equal(t, table.Name, "from header")

	cell.Attrs = map[string]Attr{}
	table, _, _ = ParseCell(cell)
	assert.Equal(t, table.Name, "x1")
}

func TestCodecMalformedCells(t *testing.T) {
	wireGraph := &WireGraph{
		Cells: []*Cell{
			{Type: CellTypeRectangle, Id: "table_a", Attrs: map[string]Attr{"label": {"text": "a"}}},
			// unknown type
			{Type: "standard.Circle", Id: "circle"},
			// link without target
			{Type: CellTypeLink, Id: "rel_bad", Source: &CellEnd{Id: "table_a"}},
			// bad row index
			{Type: CellTypeRectangle, Id: "table_bad", Attrs: map[string]Attr{"row@x-name": {"text": "id"}}},
			// non text name
			{Type: CellTypeRectangle, Id: "table_bad_name", Attrs: map[string]Attr{"row@0-name": {"text": 7.0}}},
			// missing id
			{Type: CellTypeRectangle},
			nil,
			{Type: CellTypeLinkShort, Id: "rel_ok", Source: &CellEnd{Id: "table_a"}, Target: &CellEnd{Id: "table_a"}},
		},
	}

	graph, err := Parse(wireGraph)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, len(graph.Tables), 1)
	assert.Equal(t, graph.Tables[0].Id, "table_a")
	assert.Equal(t, len(graph.Relationships), 1)
	assert.Equal(t, graph.Relationships[0].Id, "rel_ok")
	assert.Equal(t, errors.Is(err, ErrUnknownCell), true)

	var cellErr *CellError
	assert.Equal(t, errors.As(err, &cellErr), true)
	assert.Equal(t, cellErr.Index, 1)
	assert.Equal(t, cellErr.CellId, "circle")
}

func TestCodecParseJson(t *testing.T) {
	document := []byte(`{"cells": [
		{"type": "standard.Rectangle", "id": "table_a", "position": {"x": 1, "y": 2},
			"attrs": {"label": {"text": "a"}, "row@0-name": {"text": "id"}, "row@0-type": {"text": "INT"}, "row@0-meta": {"pk": true}}},
		{"type": "standard.Rectangle", "id": 12},
		{"type": "standard.Link", "id": "rel_a", "source": {"id": "table_a"}, "target": {"id": "table_a"},
			"labels": [{"attrs": {"text": {"text": "1:1"}}}]}
	]}`)
	graph, err := ParseJson(document)
	// the cell with a numeric id does not decode
	assert.NotEqual(t, err, nil)
	assert.Equal(t, len(graph.Tables), 1)
	assert.Equal(t, *graph.Tables[0].Position, Point{X: 1, Y: 2})
	assert.Equal(t, len(graph.Relationships), 1)
	assert.Equal(t, graph.Relationships[0].Type, OneToOne)

	graph, err = ParseJson([]byte(`[{"type": "erp.Table", "id": "table_b"}]`))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(graph.Tables), 1)
	assert.Equal(t, graph.Tables[0].Name, "b")

	graph, err = ParseJson([]byte(`not json`))
	assert.NotEqual(t, err, nil)
	assert.Equal(t, graph.ElementCount(), 0)
}

func TestCodecRelationshipTypes(t *testing.T) {
	assert.Equal(t, ParseRelationshipType("1:1"), OneToOne)
	assert.Equal(t, ParseRelationshipType("N:1"), ManyToOne)
	assert.Equal(t, ParseRelationshipType("many-to-many"), ManyToMany)
	assert.Equal(t, ParseRelationshipType("sideways"), OneToMany)
	for _, relationshipType := range []RelationshipType{OneToOne, OneToMany, ManyToOne, ManyToMany} {
		assert.Equal(t, ParseRelationshipType(RelationshipTypeLabel(relationshipType)), relationshipType)
	}
}

func TestCodecMergeAttrs(t *testing.T) {
	current := map[string]Attr{
		"label":      {"text": "users", "fill": "#303030"},
		"row@0-name": {"text": "id"},
		"row@1-name": {"text": "email"},
		"extra":      {"x": 1.0},
	}
	patch := map[string]Attr{
		"label":      {"text": "accounts"},
		"row@0-name": {"text": "account_id"},
		"extra":      nil,
	}
	merged := MergeAttrs(current, patch)

	assert.Equal(t, merged["label"], Attr{"text": "accounts", "fill": "#303030"})
	// the row set is replaced as a unit
	assert.Equal(t, merged["row@0-name"], Attr{"text": "account_id"})
	_, ok := merged["row@1-name"]
	assert.Equal(t, ok, false)
	_, ok = merged["extra"]
	assert.Equal(t, ok, false)

	// inputs are not modified
	assert.Equal(t, current["label"]["text"], "users")
	_, ok = current["row@1-name"]
	assert.Equal(t, ok, true)
}

func TestCodecMergeUpdate(t *testing.T) {
	cell := RelationshipCell(&Relationship{
		Id:            "rel_a",
		SourceTableId: "table_a",
		TargetTableId: "table_b",
		Type:          OneToMany,
	})
	comment := "moved"
	merged := MergeUpdate(cell, &UpdateElement{
		Id:       "rel_a",
		Source:   &CellEnd{Id: "table_b"},
		Target:   &CellEnd{Id: "table_c"},
		Vertices: []Point{{X: 5, Y: 5}},
		Comment:  &comment,
	})
	assert.Equal(t, merged.Source.Id, "table_b")
	assert.Equal(t, merged.Target.Id, "table_c")
	assert.Equal(t, merged.Vertices, []Point{{X: 5, Y: 5}})
	assert.Equal(t, merged.Comment, "moved")
	// untouched fields keep their values
	assert.Equal(t, merged.Labels, cell.Labels)
	assert.Equal(t, cell.Source.Id, "table_a")
}
