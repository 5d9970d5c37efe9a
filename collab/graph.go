package collab

import (
	"slices"
	"strings"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type ColumnType = string

const (
	ColumnTypeInt       ColumnType = "INT"
	ColumnTypeBigInt    ColumnType = "BIGINT"
	ColumnTypeSmallInt  ColumnType = "SMALLINT"
	ColumnTypeVarchar   ColumnType = "VARCHAR"
	ColumnTypeChar      ColumnType = "CHAR"
	ColumnTypeText      ColumnType = "TEXT"
	ColumnTypeFloat     ColumnType = "FLOAT"
	ColumnTypeDouble    ColumnType = "DOUBLE"
	ColumnTypeDecimal   ColumnType = "DECIMAL"
	ColumnTypeBoolean   ColumnType = "BOOLEAN"
	ColumnTypeDate      ColumnType = "DATE"
	ColumnTypeDatetime  ColumnType = "DATETIME"
	ColumnTypeTimestamp ColumnType = "TIMESTAMP"
	ColumnTypeJson      ColumnType = "JSON"
	ColumnTypeUuid      ColumnType = "UUID"
)

const MinColumnLength = 1
const MaxColumnLength = 65535

const DefaultVarcharLength = 255
const DefaultCharLength = 50

// length is only kept for these types
func HasColumnLength(columnType ColumnType) bool {
	switch strings.ToUpper(columnType) {
	case ColumnTypeVarchar, ColumnTypeChar:
		return true
	default:
		return false
	}
}

// the length a VARCHAR/CHAR column gets when none is given
func DefaultColumnLength(columnType ColumnType) int {
	switch strings.ToUpper(columnType) {
	case ColumnTypeVarchar:
		return DefaultVarcharLength
	case ColumnTypeChar:
		return DefaultCharLength
	default:
		return 0
	}
}

type Column struct {
	Name string
	// types other than VARCHAR/CHAR keep their text verbatim, e.g. `INT(11)`
	Type ColumnType
	// always in [MinColumnLength, MaxColumnLength] for length types, 0 otherwise
	Length          int
	IsPrimaryKey    bool
	IsForeignKey    bool
	IsNotNull       bool
	IsUnique        bool
	IsAutoIncrement bool
}

// applies the column invariants:
// - primary key implies not null and unique
// - length is clamped to [MinColumnLength, MaxColumnLength] for VARCHAR/CHAR, dropped otherwise
func (self *Column) Normalize() {
	if self.IsPrimaryKey {
		self.IsNotNull = true
		self.IsUnique = true
	}
	if HasColumnLength(self.Type) {
		self.Length = ClampColumnLength(self.Length)
	} else {
		self.Length = 0
	}
}

func ClampColumnLength(length int) int {
	return min(max(length, MinColumnLength), MaxColumnLength)
}

type IndexType = string

const (
	IndexTypeBtree    IndexType = "BTREE"
	IndexTypeHash     IndexType = "HASH"
	IndexTypeFulltext IndexType = "FULLTEXT"
	IndexTypeSpatial  IndexType = "SPATIAL"
)

type TableIndex struct {
	Id       string    `json:"id"`
	Name     string    `json:"name"`
	Columns  []string  `json:"columns"`
	Type     IndexType `json:"type"`
	IsUnique bool      `json:"is_unique,omitempty"`
}

func (self *TableIndex) Clone() *TableIndex {
	index := *self
	index.Columns = slices.Clone(self.Columns)
	return &index
}

type Table struct {
	Id       string
	Name     string
	Columns  []Column
	Position *Point
	Indices  []*TableIndex
	Comment  string
}

func (self *Table) Clone() *Table {
	table := *self
	table.Columns = slices.Clone(self.Columns)
	if self.Position != nil {
		position := *self.Position
		table.Position = &position
	}
	if self.Indices != nil {
		table.Indices = make([]*TableIndex, len(self.Indices))
		for i, index := range self.Indices {
			table.Indices[i] = index.Clone()
		}
	}
	return &table
}

func (self *Table) Normalize() {
	for i := range self.Columns {
		self.Columns[i].Normalize()
	}
}

type RelationshipType = string

const (
	OneToOne   RelationshipType = "one-to-one"
	OneToMany  RelationshipType = "one-to-many"
	ManyToOne  RelationshipType = "many-to-one"
	ManyToMany RelationshipType = "many-to-many"
)

type Relationship struct {
	Id             string
	SourceTableId  string
	TargetTableId  string
	SourceColumnId string
	TargetColumnId string
	Type           RelationshipType
	Vertices       []Point
}

func (self *Relationship) Clone() *Relationship {
	relationship := *self
	relationship.Vertices = slices.Clone(self.Vertices)
	return &relationship
}

func (self *Relationship) References(tableId string) bool {
	return self.SourceTableId == tableId || self.TargetTableId == tableId
}

// a parsed or serialized diagram
type Graph struct {
	Tables        []*Table
	Relationships []*Relationship
}

func (self *Graph) ElementCount() int {
	return len(self.Tables) + len(self.Relationships)
}
