// Package sqlserver is the Microsoft SQL Server Loader backend, driven
// by microsoft/go-mssqldb's bulk-copy convenience (mssql.CopyIn), which
// dispatches through the TDS bulk-insert protocol rather than row-by-row
// INSERT statements, and a single T-SQL MERGE for the version-gated
// upsert.
package sqlserver

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/gowthamrao/py-load-eudravigilance/internal/loader"
	"github.com/gowthamrao/py-load-eudravigilance/internal/model"
)

func init() {
	loader.Default.Register("sqlserver", func(ctx context.Context, dsn string) (loader.Loader, error) {
		return New(ctx, dsn)
	})
}

type Loader struct {
	db *sql.DB
}

func New(ctx context.Context, dsn string) (*Loader, error) {
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, model.NewError(model.KindSourceUnavailable, "sqlserver.New", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, model.NewError(model.KindSourceUnavailable, "sqlserver.New", err)
	}
	return &Loader{db: db}, nil
}

func (l *Loader) Close() error { return l.db.Close() }

func (l *Loader) CreateAllTables(ctx context.Context) error {
	for _, table := range loader.AllTables() {
		if _, err := l.db.ExecContext(ctx, loader.BuildCreateTableSQL("sqlserver", table)); err != nil {
			return model.NewError(model.KindDBSchemaMismatch, "sqlserver.CreateAllTables", err)
		}
	}
	return nil
}

func (l *Loader) ValidateSchema(ctx context.Context) (bool, error) {
	for _, table := range loader.AllTables() {
		rows, err := l.db.QueryContext(ctx,
			`SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_NAME = @p1`, table.Name)
		if err != nil {
			return false, model.NewError(model.KindDBSchemaMismatch, "sqlserver.ValidateSchema", err)
		}
		present := make(map[string]bool)
		for rows.Next() {
			var col string
			if err := rows.Scan(&col); err != nil {
				rows.Close()
				return false, model.NewError(model.KindDBSchemaMismatch, "sqlserver.ValidateSchema", err)
			}
			present[strings.ToLower(col)] = true
		}
		rows.Close()
		for _, col := range table.Columns {
			if !present[col] {
				return false, nil
			}
		}
	}
	return true, nil
}

func (l *Loader) GetCompletedFileHashes(ctx context.Context) (map[string]bool, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT file_hash FROM etl_file_history WHERE status = @p1`, string(model.HistoryCompleted))
	if err != nil {
		return nil, model.NewError(model.KindDBTransient, "sqlserver.GetCompletedFileHashes", err)
	}
	defer rows.Close()

	hashes := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, model.NewError(model.KindDBTransient, "sqlserver.GetCompletedFileHashes", err)
		}
		hashes[h] = true
	}
	return hashes, rows.Err()
}

func (l *Loader) LoadNormalizedData(ctx context.Context, in loader.NormalizedInput) (int, error) {
	filename := filepath.Base(in.Path)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, model.NewError(model.KindDBTransient, "sqlserver.LoadNormalizedData", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := writePendingHistory(ctx, tx, filename, in.Hash); err != nil {
		l.markFailed(filename, in.Hash)
		return 0, model.NewError(model.KindDBTransient, "sqlserver.LoadNormalizedData", err)
	}

	total := 0
	for _, table := range model.NormalizedTables {
		count := in.RowCounts[table.Name]
		if count == 0 {
			continue
		}
		staging, err := prepareLoad(ctx, tx, table, in.Mode)
		if err != nil {
			l.markFailed(filename, in.Hash)
			return 0, model.NewError(model.KindDBTransient, "sqlserver.LoadNormalizedData", err)
		}
		if err := bulkLoadNative(ctx, tx, in.Buffers[table.Name], staging, table.Columns); err != nil {
			l.markFailed(filename, in.Hash)
			return 0, model.NewError(model.KindDBConstraintViolated, "sqlserver.LoadNormalizedData", err)
		}
		if in.Mode == loader.Delta {
			if err := handleUpsert(ctx, tx, staging, table); err != nil {
				l.markFailed(filename, in.Hash)
				return 0, model.NewError(model.KindDBConstraintViolated, "sqlserver.LoadNormalizedData", err)
			}
		}
		total += count
	}

	if err := markCompleted(ctx, tx, in.Hash, total); err != nil {
		l.markFailed(filename, in.Hash)
		return 0, model.NewError(model.KindDBTransient, "sqlserver.LoadNormalizedData", err)
	}

	if err := tx.Commit(); err != nil {
		committed = true
		l.markFailed(filename, in.Hash)
		return 0, model.NewError(model.KindDBTransient, "sqlserver.LoadNormalizedData", err)
	}
	committed = true
	return total, nil
}

func (l *Loader) LoadAuditData(ctx context.Context, in loader.AuditInput) (int, error) {
	filename := filepath.Base(in.Path)
	table := model.TableICSRAudit

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, model.NewError(model.KindDBTransient, "sqlserver.LoadAuditData", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := writePendingHistory(ctx, tx, filename, in.Hash); err != nil {
		l.markFailed(filename, in.Hash)
		return 0, model.NewError(model.KindDBTransient, "sqlserver.LoadAuditData", err)
	}

	if in.RowCount > 0 {
		staging, err := prepareLoad(ctx, tx, table, in.Mode)
		if err != nil {
			l.markFailed(filename, in.Hash)
			return 0, model.NewError(model.KindDBTransient, "sqlserver.LoadAuditData", err)
		}
		if err := bulkLoadNative(ctx, tx, in.Buffer, staging, table.Columns); err != nil {
			l.markFailed(filename, in.Hash)
			return 0, model.NewError(model.KindDBConstraintViolated, "sqlserver.LoadAuditData", err)
		}
		if in.Mode == loader.Delta {
			if err := handleUpsert(ctx, tx, staging, table); err != nil {
				l.markFailed(filename, in.Hash)
				return 0, model.NewError(model.KindDBConstraintViolated, "sqlserver.LoadAuditData", err)
			}
		}
	}

	if err := markCompleted(ctx, tx, in.Hash, in.RowCount); err != nil {
		l.markFailed(filename, in.Hash)
		return 0, model.NewError(model.KindDBTransient, "sqlserver.LoadAuditData", err)
	}

	if err := tx.Commit(); err != nil {
		l.markFailed(filename, in.Hash)
		return 0, model.NewError(model.KindDBTransient, "sqlserver.LoadAuditData", err)
	}
	committed = true
	return in.RowCount, nil
}

func (l *Loader) markFailed(filename, hash string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = l.db.ExecContext(ctx, `
		MERGE etl_file_history AS target
		USING (SELECT @p1 AS filename, @p2 AS file_hash) AS src
		ON target.file_hash = src.file_hash
		WHEN MATCHED THEN UPDATE SET status = 'failed', load_timestamp = SYSUTCDATETIME()
		WHEN NOT MATCHED THEN INSERT (filename, file_hash, status, rows_processed, load_timestamp)
			VALUES (src.filename, src.file_hash, 'failed', NULL, SYSUTCDATETIME());
	`, filename, hash)
}

func writePendingHistory(ctx context.Context, tx *sql.Tx, filename, hash string) error {
	_, err := tx.ExecContext(ctx, `
		MERGE etl_file_history AS target
		USING (SELECT @p1 AS filename, @p2 AS file_hash) AS src
		ON target.file_hash = src.file_hash
		WHEN MATCHED THEN UPDATE SET status = 'pending', load_timestamp = SYSUTCDATETIME()
		WHEN NOT MATCHED THEN INSERT (filename, file_hash, status, rows_processed, load_timestamp)
			VALUES (src.filename, src.file_hash, 'pending', NULL, SYSUTCDATETIME());
	`, filename, hash)
	return err
}

func markCompleted(ctx context.Context, tx *sql.Tx, hash string, rows int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE etl_file_history SET status = 'completed', rows_processed = @p1, load_timestamp = SYSUTCDATETIME()
		WHERE file_hash = @p2
	`, rows, hash)
	return err
}

func prepareLoad(ctx context.Context, tx *sql.Tx, table model.Table, mode loader.LoadMode) (string, error) {
	if mode == loader.Full {
		_, err := tx.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s", table.Name))
		return table.Name, err
	}
	staging := "#staging_" + table.Name
	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		"SELECT TOP 0 * INTO %s FROM %s", staging, table.Name))
	return staging, err
}

// bulkLoadNative parses r (a CSV buffer, header included) with
// encoding/csv.Reader and feeds every row through mssql.CopyIn's
// prepared bulk statement -- the driver's own TDS bulk-insert protocol,
// not per-row INSERTs.
func bulkLoadNative(ctx context.Context, tx *sql.Tx, r io.Reader, table string, columns []string) error {
	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(table, mssql.BulkOptions{}, columns...))
	if err != nil {
		return fmt.Errorf("sqlserver: preparing bulk copy into %s: %w", table, err)
	}
	defer stmt.Close()

	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("sqlserver: reading CSV header: %w", err)
	}
	_ = header

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("sqlserver: reading CSV row: %w", err)
		}
		args := make([]interface{}, len(record))
		for i, v := range record {
			args[i] = v
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("sqlserver: bulk copy row into %s: %w", table, err)
		}
	}
	_, err = stmt.ExecContext(ctx) // flush
	return err
}

func handleUpsert(ctx context.Context, tx *sql.Tx, staging string, table model.Table) error {
	onClause := make([]string, 0, len(table.PrimaryKey))
	for _, k := range table.PrimaryKey {
		onClause = append(onClause, fmt.Sprintf("target.%s = source.%s", k, k))
	}

	if !table.HasVersionGate() {
		stmt := fmt.Sprintf(`
			MERGE %s AS target
			USING %s AS source ON %s
			WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);
		`, table.Name, staging, strings.Join(onClause, " AND "),
			strings.Join(table.Columns, ", "), prefixed("source", table.Columns))
		_, err := tx.ExecContext(ctx, stmt)
		return err
	}

	assignments := strings.Join(loader.UpdateAssignments(table, "source"), ", ")
	// T-SQL has no ANSI IS TRUE predicate; BIT columns compare with = 1.
	where := strings.ReplaceAll(loader.VersionGateWhere(table, "source", "target"), "IS TRUE", "= 1")
	stmt := fmt.Sprintf(`
		MERGE %s AS target
		USING %s AS source ON %s
		WHEN MATCHED AND (%s) THEN UPDATE SET %s
		WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);
	`, table.Name, staging, strings.Join(onClause, " AND "), where, assignments,
		strings.Join(table.Columns, ", "), prefixed("source", table.Columns))
	_, err := tx.ExecContext(ctx, stmt)
	return err
}

func prefixed(alias string, columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = alias + "." + c
	}
	return strings.Join(out, ", ")
}
