package collab

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// wire cell types
const (
	CellTypeRectangle = "standard.Rectangle"
	CellTypeTable     = "erp.Table"
	CellTypeLink      = "standard.Link"
	CellTypeLinkShort = "link"
)

const rowKeyPrefix = "row@"
const notNullMarker = " *"

const defaultColumnName = "Unnamed"
const defaultColumnType = ColumnTypeVarchar
const defaultTableName = "Unnamed Table"

const tableCellWidth = 200.0
const tableCellHeaderHeight = 44.0
const tableCellRowHeight = 26.0

// `TYPE(length)`
var columnTypeLengthPattern = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_ ]*?)\s*\(\s*(\d+)\s*\)\s*$`)

// a presentation attribute of a cell, e.g. `{"text": "users", "fontSize": 14}`
type Attr = map[string]any

type CellEnd struct {
	Id   string `json:"id,omitempty"`
	Port string `json:"port,omitempty"`
}

type CellLabel struct {
	Attrs    map[string]Attr `json:"attrs,omitempty"`
	Position any             `json:"position,omitempty"`
}

// one element of the wire graph, a positioned rectangle (table) or a link (relationship)
// columns are encoded in `Attrs` as `row@N-name`, `row@N-type`, `row@N-meta`
type Cell struct {
	Type     string          `json:"type"`
	Id       string          `json:"id"`
	Position *Point          `json:"position,omitempty"`
	Size     *Size           `json:"size,omitempty"`
	Attrs    map[string]Attr `json:"attrs,omitempty"`
	Source   *CellEnd        `json:"source,omitempty"`
	Target   *CellEnd        `json:"target,omitempty"`
	Vertices []Point         `json:"vertices,omitempty"`
	Labels   []*CellLabel    `json:"labels,omitempty"`
	Z        float64         `json:"z,omitempty"`
	Indices  []*TableIndex   `json:"indices,omitempty"`
	Comment  string          `json:"comment,omitempty"`
}

func (self *Cell) IsLink() bool {
	switch self.Type {
	case CellTypeLink, CellTypeLinkShort:
		return true
	case CellTypeRectangle, CellTypeTable:
		return false
	}
	if self.hasTableAttrs() {
		return false
	}
	return self.Source != nil && self.Target != nil
}

func (self *Cell) IsTable() bool {
	switch self.Type {
	case CellTypeRectangle, CellTypeTable:
		return true
	case CellTypeLink, CellTypeLinkShort:
		return false
	}
	return self.hasTableAttrs()
}

func (self *Cell) hasTableAttrs() bool {
	if _, ok := self.Attrs["label"]; ok {
		return true
	}
	if _, ok := self.Attrs["table-name"]; ok {
		return true
	}
	for key := range self.Attrs {
		if strings.HasPrefix(key, rowKeyPrefix) {
			return true
		}
	}
	return false
}

func (self *Cell) Clone() *Cell {
	cell := *self
	if self.Position != nil {
		position := *self.Position
		cell.Position = &position
	}
	if self.Size != nil {
		size := *self.Size
		cell.Size = &size
	}
	cell.Attrs = cloneAttrs(self.Attrs)
	if self.Source != nil {
		source := *self.Source
		cell.Source = &source
	}
	if self.Target != nil {
		target := *self.Target
		cell.Target = &target
	}
	cell.Vertices = slices.Clone(self.Vertices)
	if self.Labels != nil {
		cell.Labels = make([]*CellLabel, len(self.Labels))
		for i, label := range self.Labels {
			cell.Labels[i] = &CellLabel{
				Attrs:    cloneAttrs(label.Attrs),
				Position: cloneAny(label.Position),
			}
		}
	}
	if self.Indices != nil {
		cell.Indices = make([]*TableIndex, len(self.Indices))
		for i, index := range self.Indices {
			cell.Indices[i] = index.Clone()
		}
	}
	return &cell
}

type WireGraph struct {
	Cells []*Cell `json:"cells"`
}

// a wire cell that could not be parsed
// parsing continues with the next cell
type CellError struct {
	Index  int
	CellId string
	Err    error
}

func (self *CellError) Error() string {
	if self.CellId == "" {
		return fmt.Sprintf("cell %d: %s", self.Index, self.Err)
	}
	return fmt.Sprintf("cell %d (%s): %s", self.Index, self.CellId, self.Err)
}

func (self *CellError) Unwrap() error {
	return self.Err
}

var ErrUnknownCell = errors.New("unknown cell type")

// Parses every table and relationship that can be parsed.
// The returned error joins one `*CellError` per skipped cell. The graph is never nil.
func Parse(wireGraph *WireGraph) (*Graph, error) {
	graph := &Graph{
		Tables:        []*Table{},
		Relationships: []*Relationship{},
	}
	if wireGraph == nil {
		return graph, nil
	}

	errs := []error{}
	for i, cell := range wireGraph.Cells {
		if cell == nil {
			errs = append(errs, &CellError{Index: i, Err: errors.New("null cell")})
			continue
		}
		table, relationship, err := ParseCell(cell)
		if err != nil {
			glog.Infof("[codec]skip cell %d (%s) = %s\n", i, cell.Id, err)
			errs = append(errs, &CellError{Index: i, CellId: cell.Id, Err: err})
			continue
		}
		if table != nil {
			graph.Tables = append(graph.Tables, table)
		} else {
			graph.Relationships = append(graph.Relationships, relationship)
		}
	}
	return graph, errors.Join(errs...)
}

// Decodes a wire graph document one cell at a time so that one undecodable cell
// does not fail the rest. The document may be `{"cells": [...]}` or a bare cell array.
func ParseJson(data []byte) (*Graph, error) {
	var rawCells []json.RawMessage
	trimmed := bytes.TrimSpace(data)
	if 0 < len(trimmed) && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &rawCells); err != nil {
			return &Graph{Tables: []*Table{}, Relationships: []*Relationship{}}, err
		}
	} else {
		var document struct {
			Cells []json.RawMessage `json:"cells"`
		}
		if err := json.Unmarshal(trimmed, &document); err != nil {
			return &Graph{Tables: []*Table{}, Relationships: []*Relationship{}}, err
		}
		rawCells = document.Cells
	}

	wireGraph := &WireGraph{
		Cells: []*Cell{},
	}
	errs := []error{}
	for i, rawCell := range rawCells {
		var cell Cell
		if err := json.Unmarshal(rawCell, &cell); err != nil {
			errs = append(errs, &CellError{Index: i, Err: err})
			continue
		}
		wireGraph.Cells = append(wireGraph.Cells, &cell)
	}
	graph, err := Parse(wireGraph)
	if err != nil {
		errs = append(errs, err)
	}
	return graph, errors.Join(errs...)
}

// exactly one of table and relationship is returned when err is nil
func ParseCell(cell *Cell) (*Table, *Relationship, error) {
	if cell.Id == "" {
		return nil, nil, errors.New("missing id")
	}
	if cell.IsLink() {
		relationship, err := parseRelationshipCell(cell)
		return nil, relationship, err
	}
	if cell.IsTable() {
		table, err := parseTableCell(cell)
		return table, nil, err
	}
	return nil, nil, fmt.Errorf("%w: %q", ErrUnknownCell, cell.Type)
}

func parseTableCell(cell *Cell) (*Table, error) {
	columns, err := parseColumns(cell.Attrs)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		columns = []Column{
			{
				Name:            "id",
				Type:            ColumnTypeInt,
				IsPrimaryKey:    true,
				IsAutoIncrement: true,
			},
		}
	}

	table := &Table{
		Id:      cell.Id,
		Name:    parseTableName(cell),
		Columns: columns,
		Comment: cell.Comment,
	}
	if cell.Position != nil {
		position := *cell.Position
		table.Position = &position
	}
	if cell.Indices != nil {
		table.Indices = make([]*TableIndex, 0, len(cell.Indices))
		for _, index := range cell.Indices {
			if index != nil {
				table.Indices = append(table.Indices, index.Clone())
			}
		}
	}
	table.Normalize()
	return table, nil
}

func parseTableName(cell *Cell) string {
	if text, ok := attrText(cell.Attrs["label"]); ok && text != "" {
		return text
	}
	if text, ok := attrText(cell.Attrs["table-name"]); ok && text != "" {
		return text
	}
	for _, key := range sortedKeys(cell.Attrs) {
		if strings.HasPrefix(key, rowKeyPrefix) {
			continue
		}
		if !strings.Contains(key, "name") && !strings.Contains(key, "label") {
			continue
		}
		if text, ok := attrText(cell.Attrs[key]); ok && text != "" {
			return text
		}
	}
	name := strings.TrimPrefix(cell.Id, "element_")
	if name == cell.Id {
		name = strings.TrimPrefix(cell.Id, "table_")
	}
	if name == "" {
		return defaultTableName
	}
	return name
}

type rowAttrs struct {
	index int
	name  Attr
	type_ Attr
	meta  Attr
}

func parseColumns(attrs map[string]Attr) ([]Column, error) {
	rows := map[int]*rowAttrs{}
	for key, attr := range attrs {
		if !strings.HasPrefix(key, rowKeyPrefix) {
			continue
		}
		indexStr, property, ok := strings.Cut(strings.TrimPrefix(key, rowKeyPrefix), "-")
		if !ok {
			return nil, fmt.Errorf("bad row key %q", key)
		}
		index, err := strconv.Atoi(indexStr)
		if err != nil || index < 0 {
			return nil, fmt.Errorf("bad row index %q", key)
		}
		row, ok := rows[index]
		if !ok {
			row = &rowAttrs{index: index}
			rows[index] = row
		}
		switch property {
		case "name":
			row.name = attr
		case "type":
			row.type_ = attr
		case "meta":
			row.meta = attr
		}
	}

	indexes := maps.Keys(rows)
	slices.Sort(indexes)
	columns := make([]Column, 0, len(indexes))
	for _, index := range indexes {
		column, err := parseColumn(rows[index])
		if err != nil {
			return nil, err
		}
		columns = append(columns, column)
	}
	return columns, nil
}

func parseColumn(row *rowAttrs) (Column, error) {
	column := Column{
		Name: defaultColumnName,
		Type: defaultColumnType,
	}

	// only a missing name gets the default. an empty name stays empty
	if row.name != nil {
		text, ok := attrText(row.name)
		if !ok {
			return column, fmt.Errorf("row %d name is not text", row.index)
		}
		if strings.HasSuffix(text, "*") {
			column.IsNotNull = true
			text = strings.TrimSpace(strings.TrimSuffix(text, "*"))
		}
		column.Name = text
	}

	if row.type_ != nil {
		text, ok := attrText(row.type_)
		if !ok {
			return column, fmt.Errorf("row %d type is not text", row.index)
		}
		// a width on any other type, e.g. `INT(11)`, stays part of the type text
		if groups := columnTypeLengthPattern.FindStringSubmatch(text); groups != nil && HasColumnLength(groups[1]) {
			column.Type = groups[1]
			// too many digits for an int still clamps to the max
			length, err := strconv.Atoi(groups[2])
			if err != nil {
				length = MaxColumnLength
			}
			column.Length = ClampColumnLength(length)
		} else if text = strings.TrimSpace(text); text != "" {
			column.Type = text
		}
	}

	if HasColumnLength(column.Type) && column.Length == 0 {
		column.Length = DefaultColumnLength(column.Type)
	}

	if row.meta != nil {
		column.IsPrimaryKey = attrBool(row.meta, "pk")
		column.IsForeignKey = attrBool(row.meta, "fk")
		column.IsUnique = attrBool(row.meta, "uq")
		column.IsAutoIncrement = attrBool(row.meta, "ai")
	}

	column.Normalize()
	return column, nil
}

func parseRelationshipCell(cell *Cell) (*Relationship, error) {
	if cell.Source == nil || cell.Source.Id == "" {
		return nil, errors.New("link missing source")
	}
	if cell.Target == nil || cell.Target.Id == "" {
		return nil, errors.New("link missing target")
	}
	relationship := &Relationship{
		Id:             cell.Id,
		SourceTableId:  cell.Source.Id,
		TargetTableId:  cell.Target.Id,
		SourceColumnId: cell.Source.Port,
		TargetColumnId: cell.Target.Port,
		Type:           OneToMany,
		Vertices:       slices.Clone(cell.Vertices),
	}
	if 0 < len(cell.Labels) && cell.Labels[0] != nil {
		if text, ok := attrText(cell.Labels[0].Attrs["text"]); ok {
			relationship.Type = ParseRelationshipType(text)
		}
	}
	return relationship, nil
}

// unknown text maps to one-to-many
func ParseRelationshipType(text string) RelationshipType {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "1:1", OneToOne:
		return OneToOne
	case "1:n", OneToMany:
		return OneToMany
	case "n:1", ManyToOne:
		return ManyToOne
	case "n:n", ManyToMany:
		return ManyToMany
	default:
		return OneToMany
	}
}

func RelationshipTypeLabel(relationshipType RelationshipType) string {
	switch relationshipType {
	case OneToOne:
		return "1:1"
	case ManyToOne:
		return "n:1"
	case ManyToMany:
		return "n:n"
	default:
		return "1:n"
	}
}

func Serialize(tables []*Table, relationships []*Relationship) *WireGraph {
	cells := make([]*Cell, 0, len(tables)+len(relationships))
	for _, table := range tables {
		cells = append(cells, TableCell(table))
	}
	for _, relationship := range relationships {
		cells = append(cells, RelationshipCell(relationship))
	}
	return &WireGraph{
		Cells: cells,
	}
}

func SerializeGraph(graph *Graph) *WireGraph {
	return Serialize(graph.Tables, graph.Relationships)
}

func TableCell(table *Table) *Cell {
	position := Point{X: defaultTablePositionOffset, Y: defaultTablePositionOffset}
	if table.Position != nil {
		position = *table.Position
	}
	cell := &Cell{
		Type:     CellTypeRectangle,
		Id:       table.Id,
		Position: &position,
		Size: &Size{
			Width:  tableCellWidth,
			Height: tableCellHeaderHeight + tableCellRowHeight*float64(len(table.Columns)),
		},
		Attrs:   TableAttrs(table),
		Comment: table.Comment,
	}
	if table.Indices != nil {
		cell.Indices = make([]*TableIndex, len(table.Indices))
		for i, index := range table.Indices {
			cell.Indices[i] = index.Clone()
		}
	}
	return cell
}

// the label and row attributes of a table
func TableAttrs(table *Table) map[string]Attr {
	attrs := map[string]Attr{
		"label": {
			"text":       table.Name,
			"fontSize":   14.0,
			"fontWeight": "bold",
			"fill":       "#303030",
		},
	}
	for i, column := range table.Columns {
		name := column.Name
		if column.IsNotNull {
			name += notNullMarker
		}
		attrs[rowKey(i, "name")] = Attr{
			"text":     name,
			"fontSize": 12.0,
			"fill":     "#333333",
		}
		attrs[rowKey(i, "type")] = Attr{
			"text":     formatColumnType(column),
			"fontSize": 12.0,
			"fill":     "#777777",
		}
		meta := Attr{
			"pk": column.IsPrimaryKey,
			"fk": column.IsForeignKey,
		}
		if column.IsUnique {
			meta["uq"] = true
		}
		if column.IsAutoIncrement {
			meta["ai"] = true
		}
		attrs[rowKey(i, "meta")] = meta
	}
	return attrs
}

func RelationshipCell(relationship *Relationship) *Cell {
	cell := &Cell{
		Type: CellTypeLink,
		Id:   relationship.Id,
		Source: &CellEnd{
			Id:   relationship.SourceTableId,
			Port: relationship.SourceColumnId,
		},
		Target: &CellEnd{
			Id:   relationship.TargetTableId,
			Port: relationship.TargetColumnId,
		},
		Z: -1,
	}
	if 0 < len(relationship.Vertices) {
		cell.Vertices = slices.Clone(relationship.Vertices)
	}
	cell.Labels = []*CellLabel{
		{
			Attrs: map[string]Attr{
				"text": {
					"text":       RelationshipTypeLabel(relationship.Type),
					"fontSize":   12.0,
					"fontWeight": "bold",
					"fill":       "#007bff",
				},
				"rect": {
					"fill":   "white",
					"stroke": "#007bff",
				},
			},
			Position: 0.5,
		},
	}
	return cell
}

func formatColumnType(column Column) string {
	if HasColumnLength(column.Type) && 0 < column.Length {
		return fmt.Sprintf("%s(%d)", column.Type, column.Length)
	}
	return column.Type
}

func rowKey(index int, property string) string {
	return fmt.Sprintf("%s%d-%s", rowKeyPrefix, index, property)
}

// Merges an attribute patch into `current` and returns the result. Neither input is modified.
// Attributes merge key by key. A null patch attribute removes the key.
// When the patch carries any row attribute the row set is replaced as a unit,
// so that a table with fewer columns does not keep stale rows.
func MergeAttrs(current map[string]Attr, patch map[string]Attr) map[string]Attr {
	merged := cloneAttrs(current)
	if merged == nil {
		merged = map[string]Attr{}
	}

	replaceRows := false
	for key := range patch {
		if strings.HasPrefix(key, rowKeyPrefix) {
			replaceRows = true
			break
		}
	}
	if replaceRows {
		for key := range merged {
			if strings.HasPrefix(key, rowKeyPrefix) {
				delete(merged, key)
			}
		}
	}

	for key, attr := range patch {
		if attr == nil {
			delete(merged, key)
			continue
		}
		if currentAttr, ok := merged[key]; ok {
			for attrKey, value := range attr {
				currentAttr[attrKey] = cloneAny(value)
			}
		} else {
			merged[key] = cloneAttr(attr)
		}
	}
	return merged
}

// Applies an element update to the current cell and returns the merged cell.
// Whole element state is last writer wins. Only the fields present in the update are taken.
func MergeUpdate(cell *Cell, update *UpdateElement) *Cell {
	merged := cell.Clone()
	if update.Attrs != nil {
		merged.Attrs = MergeAttrs(cell.Attrs, update.Attrs)
	}
	if update.Position != nil {
		position := *update.Position
		merged.Position = &position
	}
	if update.Source != nil {
		source := *update.Source
		merged.Source = &source
		if update.Target != nil {
			target := *update.Target
			merged.Target = &target
		}
		merged.Vertices = slices.Clone(update.Vertices)
	}
	if update.Labels != nil {
		merged.Labels = (&Cell{Labels: update.Labels}).Clone().Labels
	}
	if update.Indices != nil {
		merged.Indices = (&Cell{Indices: update.Indices}).Clone().Indices
	}
	if update.Comment != nil {
		merged.Comment = *update.Comment
	}
	return merged
}

func attrText(attr Attr) (string, bool) {
	if attr == nil {
		return "", false
	}
	text, ok := attr["text"].(string)
	return text, ok
}

func attrBool(attr Attr, key string) bool {
	v, _ := attr[key].(bool)
	return v
}

func cloneAttrs(attrs map[string]Attr) map[string]Attr {
	if attrs == nil {
		return nil
	}
	clone := make(map[string]Attr, len(attrs))
	for key, attr := range attrs {
		clone[key] = cloneAttr(attr)
	}
	return clone
}

func cloneAttr(attr Attr) Attr {
	if attr == nil {
		return nil
	}
	clone := make(Attr, len(attr))
	for key, value := range attr {
		clone[key] = cloneAny(value)
	}
	return clone
}

func cloneAny(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return cloneAttr(v)
	case []any:
		clone := make([]any, len(v))
		for i, e := range v {
			clone[i] = cloneAny(e)
		}
		return clone
	default:
		return v
	}
}
