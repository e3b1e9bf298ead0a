// Package transformer fans the extractor's item sequence out into
// per-table CSV buffers (normalized mode) or a single deduplicated CSV
// buffer (audit mode), ready for the Loader's bulk-ingest call.
package transformer

import (
	"bytes"
	"context"
	"encoding/csv"
	"strconv"

	"github.com/gowthamrao/py-load-eudravigilance/internal/model"
)

// NormalizedResult is what load_normalized_data needs: one rewound CSV
// reader per table plus its row count, and every per-record error the
// extraction/transformation pass accumulated along the way.
type NormalizedResult struct {
	Buffers   map[string]*bytes.Reader
	RowCounts map[string]int
	Errors    []*model.RecordError
}

type tableWriter struct {
	buf   *bytes.Buffer
	csv   *csv.Writer
	rows  int
}

func newTableWriter(table model.Table) *tableWriter {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	w.UseCRLF = false
	_ = w.Write(table.Columns)
	return &tableWriter{buf: buf, csv: w}
}

func (t *tableWriter) write(row []string) {
	_ = t.csv.Write(row)
	t.rows++
}

// Normalized drains items, one table-shaped CSV buffer per model table,
// and returns once the channel closes. It never returns a non-nil error
// itself: per-record failures travel in NormalizedResult.Errors instead
// of aborting the whole file for one bad record.
func Normalized(ctx context.Context, items <-chan model.Item) *NormalizedResult {
	writers := make(map[string]*tableWriter, len(model.NormalizedTables))
	for _, t := range model.NormalizedTables {
		writers[t.Name] = newTableWriter(t)
	}

	result := &NormalizedResult{}

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
		writeRecord(writers, item.Record)
	}

	result.Buffers = make(map[string]*bytes.Reader, len(writers))
	result.RowCounts = make(map[string]int, len(writers))
	for name, w := range writers {
		w.csv.Flush()
		result.Buffers[name] = bytes.NewReader(w.buf.Bytes())
		result.RowCounts[name] = w.rows
	}
	return result
}

func writeRecord(writers map[string]*tableWriter, rec *model.Record) {
	isNullified := strconv.FormatBool(rec.IsNullified)

	writers[model.TableICSRMaster.Name].write([]string{
		rec.SafetyReportID, rec.ReceiptDate, rec.DateOfMostRecentInfo,
		isNullified, rec.SenderIdentifier, rec.ReceiverIdentifier,
		rec.ReporterCountry, rec.Qualification,
	})

	if pc := rec.PatientCharacteristics; pc != nil {
		writers[model.TablePatientCharacteristics.Name].write([]string{
			rec.SafetyReportID, pc.Initials, pc.OnsetAge, pc.Sex,
		})
	}

	for _, rx := range rec.Reactions {
		writers[model.TableReactions.Name].write([]string{
			rec.SafetyReportID, rx.PrimarySourceReaction, rx.ReactionMedDRAPT,
		})
	}

	for _, d := range rec.Drugs {
		seq := strconv.Itoa(d.DrugSeq)
		writers[model.TableDrugs.Name].write([]string{
			rec.SafetyReportID, seq, d.Characterization,
			d.MedicinalProduct, d.DosageNumber, d.DosageUnit, d.DosageText,
		})
		for _, substance := range d.ActiveSubstances {
			writers[model.TableDrugSubstances.Name].write([]string{
				rec.SafetyReportID, seq, substance,
			})
		}
	}

	for _, tp := range rec.TestsProcedures {
		writers[model.TableTestsProcedures.Name].write([]string{
			rec.SafetyReportID, tp.TestName, tp.TestDate, tp.TestResult,
			tp.ResultUnit, tp.Comments,
		})
	}

	if rec.HasNarrative {
		writers[model.TableCaseSummaryNarrative.Name].write([]string{
			rec.SafetyReportID, rec.Narrative,
		})
	}
}
