// Package postgres is the reference Loader backend: jackc/pgx/v5 over
// a pooled connection, native COPY for bulk ingest, and a single
// ON CONFLICT ... DO UPDATE statement for the version-gated merge.
package postgres

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gowthamrao/py-load-eudravigilance/internal/loader"
	"github.com/gowthamrao/py-load-eudravigilance/internal/model"
)

func init() {
	loader.Default.Register("postgres", func(ctx context.Context, dsn string) (loader.Loader, error) {
		return New(ctx, dsn)
	})
}

// Loader is the postgres Loader backend.
type Loader struct {
	pool *pgxpool.Pool
}

// New opens a pooled connection for dsn.
func New(ctx context.Context, dsn string) (*Loader, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, model.NewError(model.KindSourceUnavailable, "postgres.New", err)
	}
	return &Loader{pool: pool}, nil
}

func (l *Loader) Close() error {
	l.pool.Close()
	return nil
}

func (l *Loader) CreateAllTables(ctx context.Context) error {
	for _, table := range loader.AllTables() {
		if _, err := l.pool.Exec(ctx, loader.BuildCreateTableSQL("postgres", table)); err != nil {
			return model.NewError(model.KindDBSchemaMismatch, "postgres.CreateAllTables", err)
		}
	}
	return nil
}

func (l *Loader) ValidateSchema(ctx context.Context) (bool, error) {
	for _, table := range loader.AllTables() {
		rows, err := l.pool.Query(ctx,
			`SELECT column_name FROM information_schema.columns WHERE table_name = $1`, table.Name)
		if err != nil {
			return false, model.NewError(model.KindDBSchemaMismatch, "postgres.ValidateSchema", err)
		}
		present := make(map[string]bool)
		for rows.Next() {
			var col string
			if err := rows.Scan(&col); err != nil {
				rows.Close()
				return false, model.NewError(model.KindDBSchemaMismatch, "postgres.ValidateSchema", err)
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
	rows, err := l.pool.Query(ctx,
		`SELECT file_hash FROM etl_file_history WHERE status = $1`, string(model.HistoryCompleted))
	if err != nil {
		return nil, model.NewError(model.KindDBTransient, "postgres.GetCompletedFileHashes", err)
	}
	defer rows.Close()

	hashes := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, model.NewError(model.KindDBTransient, "postgres.GetCompletedFileHashes", err)
		}
		hashes[h] = true
	}
	return hashes, rows.Err()
}

func (l *Loader) LoadNormalizedData(ctx context.Context, in loader.NormalizedInput) (int, error) {
	filename := filepath.Base(in.Path)

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, model.NewError(model.KindDBTransient, "postgres.LoadNormalizedData", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := writePendingHistory(ctx, tx, filename, in.Hash); err != nil {
		l.markFailed(filename, in.Hash)
		return 0, model.NewError(model.KindDBTransient, "postgres.LoadNormalizedData", err)
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
			return 0, model.NewError(model.KindDBTransient, "postgres.LoadNormalizedData", err)
		}
		if err := bulkLoadNative(ctx, tx, in.Buffers[table.Name], staging, table.Columns); err != nil {
			l.markFailed(filename, in.Hash)
			return 0, model.NewError(model.KindDBConstraintViolated, "postgres.LoadNormalizedData", err)
		}
		if in.Mode == loader.Delta {
			if err := handleUpsert(ctx, tx, staging, table); err != nil {
				l.markFailed(filename, in.Hash)
				return 0, model.NewError(model.KindDBConstraintViolated, "postgres.LoadNormalizedData", err)
			}
		}
		total += count
	}

	if err := markCompleted(ctx, tx, in.Hash, total); err != nil {
		l.markFailed(filename, in.Hash)
		return 0, model.NewError(model.KindDBTransient, "postgres.LoadNormalizedData", err)
	}

	if err := tx.Commit(ctx); err != nil {
		committed = true // a failed Commit leaves nothing left to roll back
		l.markFailed(filename, in.Hash)
		return 0, model.NewError(model.KindDBTransient, "postgres.LoadNormalizedData", err)
	}
	committed = true
	return total, nil
}

func (l *Loader) LoadAuditData(ctx context.Context, in loader.AuditInput) (int, error) {
	filename := filepath.Base(in.Path)
	table := model.TableICSRAudit

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, model.NewError(model.KindDBTransient, "postgres.LoadAuditData", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := writePendingHistory(ctx, tx, filename, in.Hash); err != nil {
		l.markFailed(filename, in.Hash)
		return 0, model.NewError(model.KindDBTransient, "postgres.LoadAuditData", err)
	}

	if in.RowCount > 0 {
		staging, err := prepareLoad(ctx, tx, table, in.Mode)
		if err != nil {
			l.markFailed(filename, in.Hash)
			return 0, model.NewError(model.KindDBTransient, "postgres.LoadAuditData", err)
		}
		if err := bulkLoadNative(ctx, tx, in.Buffer, staging, table.Columns); err != nil {
			l.markFailed(filename, in.Hash)
			return 0, model.NewError(model.KindDBConstraintViolated, "postgres.LoadAuditData", err)
		}
		if in.Mode == loader.Delta {
			if err := handleUpsert(ctx, tx, staging, table); err != nil {
				l.markFailed(filename, in.Hash)
				return 0, model.NewError(model.KindDBConstraintViolated, "postgres.LoadAuditData", err)
			}
		}
	}

	if err := markCompleted(ctx, tx, in.Hash, in.RowCount); err != nil {
		l.markFailed(filename, in.Hash)
		return 0, model.NewError(model.KindDBTransient, "postgres.LoadAuditData", err)
	}

	if err := tx.Commit(ctx); err != nil {
		l.markFailed(filename, in.Hash)
		return 0, model.NewError(model.KindDBTransient, "postgres.LoadAuditData", err)
	}
	committed = true
	return in.RowCount, nil
}

// markFailed durably records a failed history row in a brand-new
// connection/transaction, independent of the (already-rolled-back)
// transaction that failed -- a rollback also undoes any history row
// written inside it. Best-effort: a failure here is discarded, not
// escalated, since the original error is already the one being
// returned.
func (l *Loader) markFailed(filename, hash string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = l.pool.Exec(ctx, `
		INSERT INTO etl_file_history (filename, file_hash, status, rows_processed, load_timestamp)
		VALUES ($1, $2, 'failed', NULL, now())
		ON CONFLICT (file_hash) DO UPDATE SET status = 'failed', load_timestamp = now()
	`, filename, hash)
}

func writePendingHistory(ctx context.Context, tx pgx.Tx, filename, hash string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO etl_file_history (filename, file_hash, status, rows_processed, load_timestamp)
		VALUES ($1, $2, 'pending', NULL, now())
		ON CONFLICT (file_hash) DO UPDATE SET status = 'pending', load_timestamp = now()
	`, filename, hash)
	return err
}

func markCompleted(ctx context.Context, tx pgx.Tx, hash string, rows int) error {
	_, err := tx.Exec(ctx, `
		UPDATE etl_file_history SET status = 'completed', rows_processed = $1, load_timestamp = now()
		WHERE file_hash = $2
	`, rows, hash)
	return err
}

// prepareLoad implements prepare_load: full mode truncates the target
// and hands its own name back for a direct bulk load; delta mode opens
// a transaction-scoped staging table with the same columns.
func prepareLoad(ctx context.Context, tx pgx.Tx, table model.Table, mode loader.LoadMode) (string, error) {
	if mode == loader.Full {
		_, err := tx.Exec(ctx, fmt.Sprintf("TRUNCATE %s CASCADE", table.Name))
		return table.Name, err
	}
	staging := "staging_" + table.Name
	_, err := tx.Exec(ctx, fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP", staging, table.Name))
	return staging, err
}

// bulkLoadNative streams r straight into table via COPY FROM STDIN on
// the raw driver connection -- no per-row round trip.
func bulkLoadNative(ctx context.Context, tx pgx.Tx, r io.Reader, table string, columns []string) error {
	sql := fmt.Sprintf("COPY %s (%s) FROM STDIN WITH (FORMAT csv, HEADER)", table, strings.Join(columns, ", "))
	_, err := tx.Conn().PgConn().CopyFrom(ctx, r, sql)
	return err
}

func handleUpsert(ctx context.Context, tx pgx.Tx, staging string, table model.Table) error {
	cols := strings.Join(table.Columns, ", ")
	pk := strings.Join(table.PrimaryKey, ", ")

	if !table.HasVersionGate() {
		sql := fmt.Sprintf(
			"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO NOTHING",
			table.Name, cols, cols, staging, pk,
		)
		_, err := tx.Exec(ctx, sql)
		return err
	}

	assignments := strings.Join(loader.UpdateAssignments(table, "EXCLUDED"), ", ")
	where := loader.VersionGateWhere(table, "EXCLUDED", table.Name)
	sql := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s WHERE %s",
		table.Name, cols, cols, staging, pk, assignments, where,
	)
	_, err := tx.Exec(ctx, sql)
	return err
}
