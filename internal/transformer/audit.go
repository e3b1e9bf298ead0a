package transformer

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"

	"github.com/gowthamrao/py-load-eudravigilance/internal/model"
)

// AuditResult is what load_audit_data needs: one rewound CSV reader
// over the deduplicated icsr_audit rows, its row count, and any
// per-record errors collected along the way.
type AuditResult struct {
	Buffer    *bytes.Reader
	RowCount  int
	Errors    []*model.RecordError
}

// Audit drains items, keeping only the newest-receiptdate record per
// safetyreportid seen within this one file (dates are fixed-length
// ISO-8601 strings, so lexicographic comparison is a valid proxy for
// chronological comparison), then serializes the
// survivors as one CSV buffer with stable key order (encoding/json
// sorts map keys on marshal, so AuditNode's maps serialize
// deterministically with no extra bookkeeping).
func Audit(ctx context.Context, items <-chan model.Item, loadTimestamp string) *AuditResult {
	latest := make(map[string]*model.AuditRecord)
	order := make([]string, 0)

	result := &AuditResult{}

	for item := range items {
		select {
		case <-ctx.Done():
			continue
		default:
		}

		if item.Err != nil {
			result.Errors = append(result.Errors, item.Err)
			continue
		}

		rec := item.Audit
		if existing, ok := latest[rec.SafetyReportID]; !ok {
			latest[rec.SafetyReportID] = rec
			order = append(order, rec.SafetyReportID)
		} else if rec.ReceiptDate > existing.ReceiptDate {
			latest[rec.SafetyReportID] = rec
		}
	}

	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write(model.TableICSRAudit.Columns)

	for _, sid := range order {
		rec := latest[sid]
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			result.Errors = append(result.Errors, &model.RecordError{
				Reason: model.NewError(model.KindInvalidICSR, "transformer.Audit", err),
			})
			continue
		}
		_ = w.Write([]string{sid, rec.ReceiptDate, string(payload), loadTimestamp})
		result.RowCount++
	}

	w.Flush()
	result.Buffer = bytes.NewReader(buf.Bytes())
	return result
}
