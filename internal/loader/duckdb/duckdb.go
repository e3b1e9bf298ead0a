// Package duckdb is the DuckDB Loader backend: an embedded,
// process-local analytical database reached through database/sql.
// DuckDB has no COPY FROM STDIN, so bulk_load_native spills the CSV
// buffer to a temp file and issues COPY ... FROM '<path>' against it.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/gowthamrao/py-load-eudravigilance/internal/loader"
	"github.com/gowthamrao/py-load-eudravigilance/internal/model"
)

func init() {
	loader.Default.Register("duckdb", func(ctx context.Context, dsn string) (loader.Loader, error) {
		return New(ctx, dsn)
	})
}

// Loader is the DuckDB backend. dsn is the on-disk database file path
// (or empty for an in-memory database), taken verbatim from the
// stripped DSN -- DuckDB itself needs no host/user/password.
type Loader struct {
	db *sql.DB
}

func New(ctx context.Context, dsn string) (*Loader, error) {
	path := strings.TrimPrefix(dsn, "duckdb://")
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, model.NewError(model.KindSourceUnavailable, "duckdb.New", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, model.NewError(model.KindSourceUnavailable, "duckdb.New", err)
	}
	return &Loader{db: db}, nil
}

func (l *Loader) Close() error { return l.db.Close() }

func (l *Loader) CreateAllTables(ctx context.Context) error {
	for _, table := range loader.AllTables() {
		if _, err := l.db.ExecContext(ctx, loader.BuildCreateTableSQL("duckdb", table)); err != nil {
			return model.NewError(model.KindDBSchemaMismatch, "duckdb.CreateAllTables", err)
		}
	}
	return nil
}

func (l *Loader) ValidateSchema(ctx context.Context) (bool, error) {
	for _, table := range loader.AllTables() {
		rows, err := l.db.QueryContext(ctx,
			`SELECT column_name FROM information_schema.columns WHERE table_name = ?`, table.Name)
		if err != nil {
			return false, model.NewError(model.KindDBSchemaMismatch, "duckdb.ValidateSchema", err)
		}
		present := make(map[string]bool)
		for rows.Next() {
			var col string
			if err := rows.Scan(&col); err != nil {
				rows.Close()
				return false, model.NewError(model.KindDBSchemaMismatch, "duckdb.ValidateSchema", err)
			}
			present[col] = true
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
		`SELECT file_hash FROM etl_file_history WHERE status = ?`, string(model.HistoryCompleted))
	if err != nil {
		return nil, model.NewError(model.KindDBTransient, "duckdb.GetCompletedFileHashes", err)
	}
	defer rows.Close()

	hashes := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, model.NewError(model.KindDBTransient, "duckdb.GetCompletedFileHashes", err)
		}
		hashes[h] = true
	}
	return hashes, rows.Err()
}

func (l *Loader) LoadNormalizedData(ctx context.Context, in loader.NormalizedInput) (int, error) {
	filename := filepath.Base(in.Path)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, model.NewError(model.KindDBTransient, "duckdb.LoadNormalizedData", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := writePendingHistory(ctx, tx, filename, in.Hash); err != nil {
		l.markFailed(filename, in.Hash)
		return 0, model.NewError(model.KindDBTransient, "duckdb.LoadNormalizedData", err)
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
			return 0, model.NewError(model.KindDBTransient, "duckdb.LoadNormalizedData", err)
		}
		if err := bulkLoadNative(ctx, tx, in.Buffers[table.Name], staging); err != nil {
			l.markFailed(filename, in.Hash)
			return 0, model.NewError(model.KindDBConstraintViolated, "duckdb.LoadNormalizedData", err)
		}
		if in.Mode == loader.Delta {
			if err := handleUpsert(ctx, tx, staging, table); err != nil {
				l.markFailed(filename, in.Hash)
				return 0, model.NewError(model.KindDBConstraintViolated, "duckdb.LoadNormalizedData", err)
			}
		}
		total += count
	}

	if err := markCompleted(ctx, tx, in.Hash, total); err != nil {
		l.markFailed(filename, in.Hash)
		return 0, model.NewError(model.KindDBTransient, "duckdb.LoadNormalizedData", err)
	}

	if err := tx.Commit(); err != nil {
		committed = true
		l.markFailed(filename, in.Hash)
		return 0, model.NewError(model.KindDBTransient, "duckdb.LoadNormalizedData", err)
	}
	committed = true
	return total, nil
}

func (l *Loader) LoadAuditData(ctx context.Context, in loader.AuditInput) (int, error) {
	filename := filepath.Base(in.Path)
	table := model.TableICSRAudit

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, model.NewError(model.KindDBTransient, "duckdb.LoadAuditData", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := writePendingHistory(ctx, tx, filename, in.Hash); err != nil {
		l.markFailed(filename, in.Hash)
		return 0, model.NewError(model.KindDBTransient, "duckdb.LoadAuditData", err)
	}

	if in.RowCount > 0 {
		staging, err := prepareLoad(ctx, tx, table, in.Mode)
		if err != nil {
			l.markFailed(filename, in.Hash)
			return 0, model.NewError(model.KindDBTransient, "duckdb.LoadAuditData", err)
		}
		if err := bulkLoadNative(ctx, tx, in.Buffer, staging); err != nil {
			l.markFailed(filename, in.Hash)
			return 0, model.NewError(model.KindDBConstraintViolated, "duckdb.LoadAuditData", err)
		}
		if in.Mode == loader.Delta {
			if err := handleUpsert(ctx, tx, staging, table); err != nil {
				l.markFailed(filename, in.Hash)
				return 0, model.NewError(model.KindDBConstraintViolated, "duckdb.LoadAuditData", err)
			}
		}
	}

	if err := markCompleted(ctx, tx, in.Hash, in.RowCount); err != nil {
		l.markFailed(filename, in.Hash)
		return 0, model.NewError(model.KindDBTransient, "duckdb.LoadAuditData", err)
	}

	if err := tx.Commit(); err != nil {
		l.markFailed(filename, in.Hash)
		return 0, model.NewError(model.KindDBTransient, "duckdb.LoadAuditData", err)
	}
	committed = true
	return in.RowCount, nil
}

func (l *Loader) markFailed(filename, hash string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = l.db.ExecContext(ctx, `
		INSERT INTO etl_file_history (filename, file_hash, status, rows_processed, load_timestamp)
		VALUES (?, ?, 'failed', NULL, current_timestamp)
		ON CONFLICT (file_hash) DO UPDATE SET status = 'failed', load_timestamp = current_timestamp
	`, filename, hash)
}

func writePendingHistory(ctx context.Context, tx *sql.Tx, filename, hash string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO etl_file_history (filename, file_hash, status, rows_processed, load_timestamp)
		VALUES (?, ?, 'pending', NULL, current_timestamp)
		ON CONFLICT (file_hash) DO UPDATE SET status = 'pending', load_timestamp = current_timestamp
	`, filename, hash)
	return err
}

func markCompleted(ctx context.Context, tx *sql.Tx, hash string, rows int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE etl_file_history SET status = 'completed', rows_processed = ?, load_timestamp = current_timestamp
		WHERE file_hash = ?
	`, rows, hash)
	return err
}

func prepareLoad(ctx context.Context, tx *sql.Tx, table model.Table, mode loader.LoadMode) (string, error) {
	if mode == loader.Full {
		_, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table.Name))
		return table.Name, err
	}
	staging := "staging_" + table.Name
	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		"CREATE OR REPLACE TEMP TABLE %s AS SELECT * FROM %s WHERE 1=0", staging, table.Name))
	return staging, err
}

// bulkLoadNative spills r to a process-local temp file -- DuckDB's COPY
// has no FROM STDIN form -- and issues a native COPY FROM against that
// path, removing the file once the copy completes.
func bulkLoadNative(ctx context.Context, tx *sql.Tx, r io.Reader, table string) error {
	f, err := os.CreateTemp("", "py-load-eudravigilance-*.csv")
	if err != nil {
		return fmt.Errorf("duckdb: creating staging file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("duckdb: writing staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("duckdb: closing staging file: %w", err)
	}

	stmt := fmt.Sprintf("COPY %s FROM '%s' (FORMAT CSV, HEADER)", table, path)
	_, err = tx.ExecContext(ctx, stmt)
	return err
}

func handleUpsert(ctx context.Context, tx *sql.Tx, staging string, table model.Table) error {
	cols := strings.Join(table.Columns, ", ")
	pk := strings.Join(table.PrimaryKey, ", ")

	if !table.HasVersionGate() {
		stmt := fmt.Sprintf(
			"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO NOTHING",
			table.Name, cols, cols, staging, pk,
		)
		_, err := tx.ExecContext(ctx, stmt)
		return err
	}

	assignments := strings.Join(loader.UpdateAssignments(table, "EXCLUDED"), ", ")
	where := loader.VersionGateWhere(table, "EXCLUDED", table.Name)
	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s WHERE %s",
		table.Name, cols, cols, staging, pk, assignments, where,
	)
	_, err := tx.ExecContext(ctx, stmt)
	return err
}
