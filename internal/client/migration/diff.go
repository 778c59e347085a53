package migration

import (
	"fmt"
	"regexp"
	"sort"
)

// OpKind names one column-level schema change.
type OpKind string

const (
	OpAddColumn    OpKind = "add_column"
	OpRemoveColumn OpKind = "remove_column"
	OpChangeType   OpKind = "change_type"
)

// DiffOp is one step of a schema migration, carrying enough
// information to both generate SQL and report to a caller-provided
// migration function.
type DiffOp struct {
	Kind      OpKind
	Column    string
	FieldType FieldKind
	Default   interface{}
}

var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Diff computes the column-level operations that turn from's shape
// into to's shape, deterministically ordered (additions, then
// removals, then type changes, each sorted by column name) so
// generated SQL and test assertions are stable across runs.
func Diff(from, to VersionedSchema) []DiffOp {
	fromFields := from.fieldsByName()
	toFields := to.fieldsByName()

	var adds, removes, changes []DiffOp

	for name, f := range toFields {
		if _, ok := fromFields[name]; !ok {
			adds = append(adds, DiffOp{Kind: OpAddColumn, Column: name, FieldType: f.Kind, Default: f.Default})
		}
	}
	for name := range fromFields {
		if _, ok := toFields[name]; !ok {
			removes = append(removes, DiffOp{Kind: OpRemoveColumn, Column: name})
		}
	}
	for name, f := range toFields {
		if old, ok := fromFields[name]; ok && old.Kind != f.Kind {
			changes = append(changes, DiffOp{Kind: OpChangeType, Column: name, FieldType: f.Kind, Default: f.Default})
		}
	}

	sortByColumn(adds)
	sortByColumn(removes)
	sortByColumn(changes)

	ops := make([]DiffOp, 0, len(adds)+len(removes)+len(changes))
	ops = append(ops, adds...)
	ops = append(ops, removes...)
	ops = append(ops, changes...)
	return ops
}

func sortByColumn(ops []DiffOp) {
	sort.Slice(ops, func(i, j int) bool { return ops[i].Column < ops[j].Column })
}

// GenerateSQL renders ops as parameterized-identifier ALTER
// statements. Column and table names are validated against
// ^[A-Za-z_][A-Za-z0-9_]*$ before being interpolated — there is no
// placeholder syntax for identifiers, so this validation is the only
// guard against injection via a crafted schema.
func GenerateSQL(table string, ops []DiffOp) ([]string, error) {
	if !validIdentifier.MatchString(table) {
		return nil, fmt.Errorf("migration: invalid table name %q", table)
	}

	stmts := make([]string, 0, len(ops))
	for _, op := range ops {
		if !validIdentifier.MatchString(op.Column) {
			return nil, fmt.Errorf("migration: invalid column name %q", op.Column)
		}
		switch op.Kind {
		case OpAddColumn:
			stmt := fmt.Sprintf(`ALTER TABLE %q ADD COLUMN %q %s`, table, op.Column, sqlType(op.FieldType))
			if op.Default != nil {
				stmt += " DEFAULT " + sqlLiteral(op.FieldType, op.Default)
			}
			stmts = append(stmts, stmt)
		case OpRemoveColumn:
			stmts = append(stmts, fmt.Sprintf(`ALTER TABLE %q DROP COLUMN %q`, table, op.Column))
		case OpChangeType:
			stmts = append(stmts, fmt.Sprintf(`ALTER TABLE %q ALTER COLUMN %q TYPE %s`, table, op.Column, sqlType(op.FieldType)))
		}
	}
	return stmts, nil
}

func sqlType(kind FieldKind) string {
	switch kind {
	case KindNumber:
		return "REAL"
	case KindBoolean:
		return "INTEGER"
	default:
		// String, Null, Array, Object, and Prose are all stored as
		// text — Array/Object round-trip through JSON, Prose through
		// its serialized fragment representation.
		return "TEXT"
	}
}

func sqlLiteral(kind FieldKind, v interface{}) string {
	switch kind {
	case KindNumber:
		return fmt.Sprintf("%v", v)
	case KindBoolean:
		if b, ok := v.(bool); ok && b {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprintf("'%s'", escapeSingleQuotes(fmt.Sprintf("%v", v)))
	}
}

func escapeSingleQuotes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
