package sqlserver

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
	mock.ExpectQuery(`SELECT file_hash FROM etl_file_history WHERE status = @p1`).
		WithArgs(string(model.HistoryCompleted)).
		WillReturnRows(rows)

	l := &Loader{db: db}
	hashes, err := l.GetCompletedFileHashes(context.Background())
	require.NoError(t, err)
	assert.True(t, hashes["abc123"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateSchema_AllColumnsPresentPasses(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for _, table := range loader.AllTables() {
		rows := sqlmock.NewRows([]string{"COLUMN_NAME"})
		for _, col := range table.Columns {
			rows.AddRow(col)
		}
		mock.ExpectQuery(`SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_NAME = @p1`).
			WillReturnRows(rows)
	}

	l := &Loader{db: db}
	ok, err := l.ValidateSchema(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleUpsert_NoGateTableUsesInsertNotMatched(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`MERGE drug_substances AS target`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, handleUpsert(context.Background(), tx, "#staging_drug_substances", model.TableDrugSubstances))
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}
