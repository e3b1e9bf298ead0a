package loader

import (
	"fmt"
	"strings"

	"github.com/gowthamrao/py-load-eudravigilance/internal/model"
)

// AllTables lists every table create_all_tables must provision, in the
// order it is safe to create them (history first needs no FK target,
// master before its children).
func AllTables() []model.Table {
	tables := make([]model.Table, 0, len(model.NormalizedTables)+2)
	tables = append(tables, model.TableFileHistory)
	tables = append(tables, model.NormalizedTables...)
	tables = append(tables, model.TableICSRAudit)
	return tables
}

// ColumnType maps a column name to its per-dialect SQL type. The
// handful of non-TEXT columns are enumerated explicitly; everything
// else is a wide text column, since E2B(R3) fields are free text or
// fixed-length date strings kept as strings end to end.
func ColumnType(dialect, column string) string {
	switch column {
	case "drug_seq", "rows_processed":
		if dialect == "sqlserver" {
			return "INT"
		}
		return "INTEGER"
	case "is_nullified":
		if dialect == "sqlserver" {
			return "BIT"
		}
		return "BOOLEAN"
	case "icsr_payload":
		switch dialect {
		case "postgres":
			return "JSONB"
		case "sqlserver":
			return "NVARCHAR(MAX)"
		default:
			return "TEXT"
		}
	case "load_timestamp", "etl_load_timestamp":
		if dialect == "sqlserver" {
			return "DATETIME2"
		}
		return "TIMESTAMP"
	default:
		if dialect == "sqlserver" {
			return "NVARCHAR(MAX)"
		}
		return "TEXT"
	}
}

// BuildCreateTableSQL renders an idempotent CREATE TABLE statement for
// table under dialect. postgres/redshift/duckdb all accept
// "IF NOT EXISTS"; sqlserver needs the OBJECT_ID guard instead.
func BuildCreateTableSQL(dialect string, table model.Table) string {
	cols := make([]string, 0, len(table.Columns))
	for _, c := range table.Columns {
		cols = append(cols, fmt.Sprintf("%s %s", c, ColumnType(dialect, c)))
	}
	cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(table.PrimaryKey, ", ")))
	body := strings.Join(cols, ",\n  ")

	if dialect == "sqlserver" {
		return fmt.Sprintf(
			"IF OBJECT_ID('dbo.%s', 'U') IS NULL BEGIN CREATE TABLE %s (\n  %s\n) END",
			table.Name, table.Name, body,
		)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", table.Name, body)
}

// VersionGateWhere renders the WHERE clause of the version-gated merge:
// applied only if the incoming row's version key is strictly newer, or
// it carries a nullification. An existing row whose version key is NULL
// is always replaced; an incoming row whose version key is NULL never
// wins on version alone. The "no existing row" case is implicit in
// ON CONFLICT itself and needs no clause.
// excludedAlias/targetAlias let callers supply the dialect's own names
// for "the staging row" / "the existing row" (EXCLUDED and the target
// table's own name for postgres, redshift and duckdb, "source"/"target"
// for a sqlserver MERGE).
func VersionGateWhere(table model.Table, excludedAlias, targetAlias string) string {
	if !table.HasVersionGate() {
		return ""
	}
	var clauses []string
	if table.VersionKey != "" {
		clauses = append(clauses, fmt.Sprintf(
			"(%[2]s.%[3]s IS NULL OR %[1]s.%[3]s > %[2]s.%[3]s)",
			excludedAlias, targetAlias, table.VersionKey,
		))
	}
	if table.NullificationFlag != "" {
		clauses = append(clauses, fmt.Sprintf("%s.%s IS TRUE", excludedAlias, table.NullificationFlag))
	}
	return strings.Join(clauses, " OR ")
}

// UpdateAssignments renders "col = EXCLUDED.col, ..." for every
// non-primary-key column, shared by every ON CONFLICT ... DO UPDATE
// and MERGE ... WHEN MATCHED statement.
func UpdateAssignments(table model.Table, excludedAlias string) []string {
	pk := make(map[string]bool, len(table.PrimaryKey))
	for _, k := range table.PrimaryKey {
		pk[k] = true
	}
	var out []string
	for _, c := range table.Columns {
		if pk[c] {
			continue
		}
		out = append(out, fmt.Sprintf("%s = %s.%s", c, excludedAlias, c))
	}
	return out
}
