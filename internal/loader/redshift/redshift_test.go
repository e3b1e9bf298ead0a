package redshift

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

	rows := sqlmock.NewRows([]string{"file_hash"}).AddRow("abc123").AddRow("def456")
	mock.ExpectQuery(`SELECT file_hash FROM etl_file_history WHERE status = \$1`).
		WithArgs(string(model.HistoryCompleted)).
		WillReturnRows(rows)

	l := &Loader{db: db}
	hashes, err := l.GetCompletedFileHashes(context.Background())
	require.NoError(t, err)
	assert.True(t, hashes["abc123"])
	assert.True(t, hashes["def456"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateSchema_MissingColumnFailsClosed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for range loader.AllTables() {
		mock.ExpectQuery(`SELECT column_name FROM information_schema.columns`).
			WillReturnRows(sqlmock.NewRows([]string{"column_name"}).AddRow("safetyreportid"))
	}

	l := &Loader{db: db}
	ok, err := l.ValidateSchema(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}
