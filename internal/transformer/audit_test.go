package transformer_test

import (
	"context"
	"encoding/csv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gowthamrao/py-load-eudravigilance/internal/model"
	"github.com/gowthamrao/py-load-eudravigilance/internal/transformer"
)

func TestAudit_DedupsToNewestReceiptDate(t *testing.T) {
	items := make(chan model.Item, 2)
	items <- model.Item{Audit: &model.AuditRecord{
		SafetyReportID: "A1", ReceiptDate: "2024-01-01",
		Payload: &model.AuditNode{Text: "first"},
	}}
	items <- model.Item{Audit: &model.AuditRecord{
		SafetyReportID: "A1", ReceiptDate: "2024-02-01",
		Payload: &model.AuditNode{Text: "second"},
	}}
	close(items)

	result := transformer.Audit(context.Background(), items, "2024-03-01T00:00:00Z")
	assert.Equal(t, 1, result.RowCount)

	r := csv.NewReader(result.Buffer)
	rows, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2024-02-01", rows[1][1])
	assert.Contains(t, rows[1][2], "second")
}

func TestAudit_KeepsDistinctSafetyReportIDs(t *testing.T) {
	items := make(chan model.Item, 2)
	items <- model.Item{Audit: &model.AuditRecord{SafetyReportID: "A1", ReceiptDate: "2024-01-01", Payload: &model.AuditNode{}}}
	items <- model.Item{Audit: &model.AuditRecord{SafetyReportID: "A2", ReceiptDate: "2024-01-02", Payload: &model.AuditNode{}}}
	close(items)

	result := transformer.Audit(context.Background(), items, "2024-03-01T00:00:00Z")
	assert.Equal(t, 2, result.RowCount)
}
