// Package redshift is the Amazon Redshift Loader backend. Redshift
// speaks the Postgres simple query protocol (driven here by lib/pq) but
// not COPY FROM STDIN, so bulk_load_native stages the buffer in S3
// (reusing internal/source's S3 backend for the write) and issues
// COPY ... FROM 's3://...' IAM_ROLE '...'.
package redshift

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/gowthamrao/py-load-eudravigilance/internal/loader"
	"github.com/gowthamrao/py-load-eudravigilance/internal/model"
	"github.com/gowthamrao/py-load-eudravigilance/internal/source"
)

func init() {
	loader.Default.Register("redshift", func(ctx context.Context, dsn string) (loader.Loader, error) {
		return New(ctx, dsn)
	})
}

// Loader is the Redshift backend. StagingBucket/IAMRole come from the
// DSN's "staging_bucket"/"iam_role" query parameters, stripped before
// the remainder is handed to lib/pq.
type Loader struct {
	db            *sql.DB
	stagingBucket string
	iamRole       string
	region        string
}

func New(ctx context.Context, dsn string) (*Loader, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, model.NewError(model.KindConfigInvalid, "redshift.New", err)
	}
	q := u.Query()
	stagingBucket := q.Get("staging_bucket")
	iamRole := q.Get("iam_role")
	region := q.Get("region")
	q.Del("staging_bucket")
	q.Del("iam_role")
	q.Del("region")
	u.RawQuery = q.Encode()
	u.Scheme = "postgres"

	db, err := sql.Open("postgres", u.String())
	if err != nil {
		return nil, model.NewError(model.KindSourceUnavailable, "redshift.New", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, model.NewError(model.KindSourceUnavailable, "redshift.New", err)
	}

	return &Loader{db: db, stagingBucket: stagingBucket, iamRole: iamRole, region: region}, nil
}

func (l *Loader) Close() error { return l.db.Close() }

func (l *Loader) CreateAllTables(ctx context.Context) error {
	for _, table := range loader.AllTables() {
		if _, err := l.db.ExecContext(ctx, loader.BuildCreateTableSQL("redshift", table)); err != nil {
			return model.NewError(model.KindDBSchemaMismatch, "redshift.CreateAllTables", err)
		}
	}
	return nil
}

func (l *Loader) ValidateSchema(ctx context.Context) (bool, error) {
	for _, table := range loader.AllTables() {
		rows, err := l.db.QueryContext(ctx,
			`SELECT column_name FROM information_schema.columns WHERE table_name = $1`, table.Name)
		if err != nil {
			return false, model.NewError(model.KindDBSchemaMismatch, "redshift.ValidateSchema", err)
		}
		present := make(map[string]bool)
		for rows.Next() {
			var col string
			if err := rows.Scan(&col); err != nil {
				rows.Close()
				return false, model.NewError(model.KindDBSchemaMismatch, "redshift.ValidateSchema", err)
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
		`SELECT file_hash FROM etl_file_history WHERE status = $1`, string(model.HistoryCompleted))
	if err != nil {
		return nil, model.NewError(model.KindDBTransient, "redshift.GetCompletedFileHashes", err)
	}
	defer rows.Close()

	hashes := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, model.NewError(model.KindDBTransient, "redshift.GetCompletedFileHashes", err)
		}
		hashes[h] = true
	}
	return hashes, rows.Err()
}

func (l *Loader) LoadNormalizedData(ctx context.Context, in loader.NormalizedInput) (int, error) {
	filename := filepath.Base(in.Path)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, model.NewError(model.KindDBTransient, "redshift.LoadNormalizedData", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := writePendingHistory(ctx, tx, filename, in.Hash); err != nil {
		l.markFailed(filename, in.Hash)
		return 0, model.NewError(model.KindDBTransient, "redshift.LoadNormalizedData", err)
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
			return 0, model.NewError(model.KindDBTransient, "redshift.LoadNormalizedData", err)
		}
		if err := l.bulkLoadNative(ctx, tx, in.Buffers[table.Name], staging, table.Columns); err != nil {
			l.markFailed(filename, in.Hash)
			return 0, model.NewError(model.KindDBConstraintViolated, "redshift.LoadNormalizedData", err)
		}
		if in.Mode == loader.Delta {
			if err := handleUpsert(ctx, tx, staging, table); err != nil {
				l.markFailed(filename, in.Hash)
				return 0, model.NewError(model.KindDBConstraintViolated, "redshift.LoadNormalizedData", err)
			}
		}
		total += count
	}

	if err := markCompleted(ctx, tx, in.Hash, total); err != nil {
		l.markFailed(filename, in.Hash)
		return 0, model.NewError(model.KindDBTransient, "redshift.LoadNormalizedData", err)
	}

	if err := tx.Commit(); err != nil {
		committed = true
		l.markFailed(filename, in.Hash)
		return 0, model.NewError(model.KindDBTransient, "redshift.LoadNormalizedData", err)
	}
	committed = true
	return total, nil
}

func (l *Loader) LoadAuditData(ctx context.Context, in loader.AuditInput) (int, error) {
	filename := filepath.Base(in.Path)
	table := model.TableICSRAudit

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, model.NewError(model.KindDBTransient, "redshift.LoadAuditData", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := writePendingHistory(ctx, tx, filename, in.Hash); err != nil {
		l.markFailed(filename, in.Hash)
		return 0, model.NewError(model.KindDBTransient, "redshift.LoadAuditData", err)
	}

	if in.RowCount > 0 {
		staging, err := prepareLoad(ctx, tx, table, in.Mode)
		if err != nil {
			l.markFailed(filename, in.Hash)
			return 0, model.NewError(model.KindDBTransient, "redshift.LoadAuditData", err)
		}
		if err := l.bulkLoadNative(ctx, tx, in.Buffer, staging, table.Columns); err != nil {
			l.markFailed(filename, in.Hash)
			return 0, model.NewError(model.KindDBConstraintViolated, "redshift.LoadAuditData", err)
		}
		if in.Mode == loader.Delta {
			if err := handleUpsert(ctx, tx, staging, table); err != nil {
				l.markFailed(filename, in.Hash)
				return 0, model.NewError(model.KindDBConstraintViolated, "redshift.LoadAuditData", err)
			}
		}
	}

	if err := markCompleted(ctx, tx, in.Hash, in.RowCount); err != nil {
		l.markFailed(filename, in.Hash)
		return 0, model.NewError(model.KindDBTransient, "redshift.LoadAuditData", err)
	}

	if err := tx.Commit(); err != nil {
		l.markFailed(filename, in.Hash)
		return 0, model.NewError(model.KindDBTransient, "redshift.LoadAuditData", err)
	}
	committed = true
	return in.RowCount, nil
}

func (l *Loader) markFailed(filename, hash string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = l.db.ExecContext(ctx, `
		INSERT INTO etl_file_history (filename, file_hash, status, rows_processed, load_timestamp)
		VALUES ($1, $2, 'failed', NULL, now())
		ON CONFLICT (file_hash) DO UPDATE SET status = 'failed', load_timestamp = now()
	`, filename, hash)
}

func writePendingHistory(ctx context.Context, tx *sql.Tx, filename, hash string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO etl_file_history (filename, file_hash, status, rows_processed, load_timestamp)
		VALUES ($1, $2, 'pending', NULL, now())
		ON CONFLICT (file_hash) DO UPDATE SET status = 'pending', load_timestamp = now()
	`, filename, hash)
	return err
}

func markCompleted(ctx context.Context, tx *sql.Tx, hash string, rows int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE etl_file_history SET status = 'completed', rows_processed = $1, load_timestamp = now()
		WHERE file_hash = $2
	`, rows, hash)
	return err
}

func prepareLoad(ctx context.Context, tx *sql.Tx, table model.Table, mode loader.LoadMode) (string, error) {
	if mode == loader.Full {
		_, err := tx.ExecContext(ctx, fmt.Sprintf("TRUNCATE %s", table.Name))
		return table.Name, err
	}
	staging := "staging_" + table.Name
	_, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s)", staging, table.Name))
	return staging, err
}

// bulkLoadNative stages r in S3 and issues Redshift's native COPY FROM
// S3, then removes the staging object -- still the database's own bulk
// loader, never a row-by-row INSERT.
func (l *Loader) bulkLoadNative(ctx context.Context, tx *sql.Tx, r io.Reader, table string, columns []string) error {
	key := fmt.Sprintf("%s/%s.csv", table, uuid.NewString())
	uri := fmt.Sprintf("s3://%s/%s", l.stagingBucket, key)

	if err := source.Default.Write(ctx, uri, r); err != nil {
		return fmt.Errorf("redshift: staging upload: %w", err)
	}
	defer func() { _ = source.Default.Remove(ctx, uri) }()

	stmt := fmt.Sprintf(
		"COPY %s (%s) FROM '%s' IAM_ROLE '%s' CSV IGNOREHEADER 1",
		table, strings.Join(columns, ", "), uri, l.iamRole,
	)
	if l.region != "" {
		stmt += fmt.Sprintf(" REGION '%s'", l.region)
	}
	_, err := tx.ExecContext(ctx, stmt)
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
