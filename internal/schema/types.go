package schema

// ForeignKey identifies the column a foreign key points at.
type ForeignKey struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Column string `json:"column"`
}

// TableSchema is one column row of an introspected table. Raw fields come
// from the database; derived fields are filled by the introspector.
type TableSchema struct {
	SchemaName string      `json:"schemaName"`
	TableName  string      `json:"tableName"`
	ColumnName string      `json:"columnName"`
	ColumnType string      `json:"columnType"`
	Nullable   bool        `json:"nullable"`
	PrimaryKey bool        `json:"primaryKey"`
	Unique     bool        `json:"unique"`
	ForeignKey *ForeignKey `json:"foreignKey,omitempty"`

	EntityColumnName  string `json:"entityColumnName"`
	TableEntityName   string `json:"tableEntityName"`
	TableEntityPascal string `json:"tableEntityPascal"`
	FKEntityName      string `json:"fkEntityName,omitempty"`
	FKEntityPascal    string `json:"fkEntityPascal,omitempty"`
}

// RoutineKind distinguishes stored procedures from functions.
type RoutineKind string

const (
	RoutineProcedure RoutineKind = "procedure"
	RoutineFunction  RoutineKind = "function"
)

// ProcFunctionSchema is one parameter row of an introspected routine. A
// routine without parameters yields a single row with an empty ParamName.
type ProcFunctionSchema struct {
	SchemaName  string      `json:"schemaName"`
	RoutineName string      `json:"routineName"`
	Kind        RoutineKind `json:"kind"`
	ReturnType  string      `json:"returnType"`
	ParamName   string      `json:"paramName,omitempty"`
	ParamType   string      `json:"paramType,omitempty"`
	ParamMode   string      `json:"paramMode,omitempty"`
	Position    int         `json:"position"`

	EntityName   string `json:"entityName"`
	EntityPascal string `json:"entityPascal"`
}

// ConnectionSchema is the full introspection result of one database worker.
// It is replaced on every rebuild and never mutated after derivation.
type ConnectionSchema struct {
	Tables     []TableSchema        `json:"tables"`
	Procedures []ProcFunctionSchema `json:"procedures"`
}

// Table groups the column rows of one table, in introspection order.
type Table struct {
	Schema  string
	Name    string
	Entity  string
	Pascal  string
	Columns []TableSchema
}

// PrimaryKey returns the primary key columns of the table.
func (t Table) PrimaryKey() []TableSchema {
	var out []TableSchema
	for _, c := range t.Columns {
		if c.PrimaryKey {
			out = append(out, c)
		}
	}
	return out
}

// Routine groups the parameter rows of one routine.
type Routine struct {
	Schema     string
	Name       string
	Kind       RoutineKind
	ReturnType string
	Entity     string
	Pascal     string
	Params     []ProcFunctionSchema
}

// Schemas returns the distinct schema names present, in first-seen order.
func (c ConnectionSchema) Schemas() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	for _, t := range c.Tables {
		add(t.SchemaName)
	}
	for _, p := range c.Procedures {
		add(p.SchemaName)
	}
	return out
}

// GroupTables folds column rows into tables keyed by (schema, table).
func (c ConnectionSchema) GroupTables() []Table {
	index := make(map[[2]string]int)
	var out []Table
	for _, row := range c.Tables {
		key := [2]string{row.SchemaName, row.TableName}
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, Table{
				Schema: row.SchemaName,
				Name:   row.TableName,
				Entity: row.TableEntityName,
				Pascal: row.TableEntityPascal,
			})
		}
		out[i].Columns = append(out[i].Columns, row)
	}
	return out
}

// GroupRoutines folds parameter rows into routines keyed by (schema, name).
func (c ConnectionSchema) GroupRoutines() []Routine {
	index := make(map[[2]string]int)
	var out []Routine
	for _, row := range c.Procedures {
		if row.RoutineName == "" {
			continue
		}
		key := [2]string{row.SchemaName, row.RoutineName}
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, Routine{
				Schema:     row.SchemaName,
				Name:       row.RoutineName,
				Kind:       row.Kind,
				ReturnType: row.ReturnType,
				Entity:     row.EntityName,
				Pascal:     row.EntityPascal,
			})
		}
		if row.ParamName != "" {
			out[i].Params = append(out[i].Params, row)
		}
	}
	return out
}
