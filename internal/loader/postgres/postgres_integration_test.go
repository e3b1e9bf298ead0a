//go:build integration

package postgres_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/gowthamrao/py-load-eudravigilance/internal/loader"
	pgloader "github.com/gowthamrao/py-load-eudravigilance/internal/loader/postgres"
)

// TestLoadNormalizedData_FullMode runs a real Postgres container (via
// testcontainers-go/modules/postgres) end to end: create tables, load
// one minimal ICSR in full mode, and check the resulting history row
// and row count.
func TestLoadNormalizedData_FullMode(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("eudravigilance"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	defer func() { _ = container.Terminate(ctx) }()

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	l, err := pgloader.New(ctx, dsn)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.CreateAllTables(ctx))

	master := "safetyreportid,receiptdate,date_of_most_recent_info,is_nullified,senderidentifier,receiveridentifier,reportercountry,qualification\n" +
		"A1,2024-01-01,2024-01-01,false,ACME,AGENCY,US,Physician\n"
	reactions := "safetyreportid,primarysourcereaction,reactionmeddrapt\nA1,Nausea,Nausea\n"

	buffers := map[string]*bytes.Reader{
		"icsr_master":             bytes.NewReader([]byte(master)),
		"patient_characteristics": bytes.NewReader([]byte("safetyreportid,initials,onsetage,sex\n")),
		"reactions":               bytes.NewReader([]byte(reactions)),
		"drugs":                   bytes.NewReader([]byte("safetyreportid,drug_seq,characterization,medicinalproduct,dosagenumber,dosageunit,dosagetext\n")),
		"drug_substances":         bytes.NewReader([]byte("safetyreportid,drug_seq,activesubstancename\n")),
		"tests_procedures":        bytes.NewReader([]byte("safetyreportid,testname,testdate,testresult,resultunit,comments\n")),
		"case_summary_narrative":  bytes.NewReader([]byte("safetyreportid,narrative\n")),
	}
	counts := map[string]int{"icsr_master": 1, "reactions": 1}

	rows, err := l.LoadNormalizedData(ctx, loader.NormalizedInput{
		Buffers:   buffers,
		RowCounts: counts,
		Mode:      loader.Full,
		Path:      "/tmp/case-A1.xml",
		Hash:      "deadbeef",
	})
	require.NoError(t, err)
	require.Equal(t, 2, rows)

	hashes, err := l.GetCompletedFileHashes(ctx)
	require.NoError(t, err)
	require.True(t, hashes["deadbeef"])
}
