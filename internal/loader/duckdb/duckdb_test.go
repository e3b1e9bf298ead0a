package duckdb

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gowthamrao/py-load-eudravigilance/internal/loader"
	"github.com/gowthamrao/py-load-eudravigilance/internal/model"
)

func TestGetCompletedFileHashes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"file_hash"}).AddRow("abc123")
	mock.ExpectQuery(`SELECT file_hash FROM etl_file_history WHERE status = \?`).
		WithArgs(string(model.HistoryCompleted)).
		WillReturnRows(rows)

	l := &Loader{db: db}
	hashes, err := l.GetCompletedFileHashes(context.Background())
	require.NoError(t, err)
	assert.True(t, hashes["abc123"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPrepareLoad_FullModeDeletesTarget(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM drugs`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)
	staging, err := prepareLoad(context.Background(), tx, model.TableDrugs, loader.Full)
	require.NoError(t, err)
	assert.Equal(t, "drugs", staging)
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPrepareLoad_DeltaModeCreatesStaging(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE OR REPLACE TEMP TABLE staging_drugs AS SELECT \* FROM drugs WHERE 1=0`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)
	staging, err := prepareLoad(context.Background(), tx, model.TableDrugs, loader.Delta)
	require.NoError(t, err)
	assert.Equal(t, "staging_drugs", staging)
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}
