package extractor

import (
	"strings"

	"github.com/gowthamrao/py-load-eudravigilance/internal/model"
)

// buildRecord maps the known E2B(R3) paths onto a flat model.Record.
// The path list is non-exhaustive by design: fields with no mapping
// here are simply left at their zero value.
func buildRecord(root *model.AuditNode, safetyReportID string) *model.Record {
	rec := &model.Record{SafetyReportID: safetyReportID}

	rec.ReceiptDate = textOf(root, "receiptdate")
	// dateofmostrecentinfo is absent on a report's first submission; it
	// then defaults to the receipt date, which is also the correct
	// version key for a first-time load.
	if v := textOf(root, "dateofmostrecentinfo"); v != "" {
		rec.DateOfMostRecentInfo = v
	} else {
		rec.DateOfMostRecentInfo = rec.ReceiptDate
	}

	if sender := child(root, "sender"); sender != nil {
		rec.SenderIdentifier = textOf(sender, "senderid")
	}
	if receiver := child(root, "receiver"); receiver != nil {
		rec.ReceiverIdentifier = textOf(receiver, "receiverid")
	}
	if ps := child(root, "primarysource"); ps != nil {
		rec.Qualification = textOf(ps, "qualification")
		rec.ReporterCountry = textOf(ps, "reportercountry")
	}

	rec.IsNullified = isNullification(textOf(root, "reporttype"))

	patient := child(root, "patient")
	if patient == nil {
		return rec
	}

	if hasAnyText(patient, "initials", "onsetage", "sex") {
		rec.PatientCharacteristics = &model.PatientCharacteristics{
			Initials: textOf(patient, "initials"),
			OnsetAge: textOf(patient, "onsetage"),
			Sex:      textOf(patient, "sex"),
		}
	}

	for _, rx := range repeatedChildren(patient, "reaction") {
		rec.Reactions = append(rec.Reactions, model.Reaction{
			PrimarySourceReaction: textOf(rx, "primarysourcereaction"),
			ReactionMedDRAPT:      textOf(rx, "reactionmeddrapt"),
		})
	}

	for i, dx := range repeatedChildren(patient, "drug") {
		d := model.Drug{
			DrugSeq:          i + 1,
			Characterization: textOf(dx, "characterization"),
			MedicinalProduct: textOf(dx, "medicinalproduct"),
			DosageText:       textOf(dx, "dosagetext"),
		}
		if dosage := child(dx, "dosage"); dosage != nil {
			d.DosageNumber = textOf(dosage, "dosagenumb")
			d.DosageUnit = textOf(dosage, "dosageunit")
		}
		for _, as := range repeatedChildren(dx, "activesubstance") {
			if name := textOf(as, "activesubstancename"); name != "" {
				d.ActiveSubstances = append(d.ActiveSubstances, name)
			}
		}
		rec.Drugs = append(rec.Drugs, d)
	}

	for _, tx := range repeatedChildren(patient, "test") {
		rec.TestsProcedures = append(rec.TestsProcedures, model.TestProcedure{
			TestName:   textOf(tx, "testname"),
			TestDate:   textOf(tx, "testdate"),
			TestResult: textOf(tx, "testresult"),
			ResultUnit: textOf(tx, "testresultunit"),
			Comments:   textOf(tx, "comments"),
		})
	}

	if narrative := textOf(patient, "narrativeincludeclinical"); narrative != "" {
		rec.Narrative = narrative
		rec.HasNarrative = true
	}

	return rec
}

// nullificationMarkers holds the E2B(R3) reporttype code "3" and its
// common literal spellings, since senders are inconsistent about which
// form they emit.
var nullificationMarkers = map[string]bool{
	"3":             true,
	"nullification": true,
	"nullify":       true,
	"nullified":     true,
}

func isNullification(reportType string) bool {
	return nullificationMarkers[strings.ToLower(strings.TrimSpace(reportType))]
}

// child returns the single named child of n, or nil if absent or
// repeated (callers that expect repetition use repeatedChildren).
func child(n *model.AuditNode, name string) *model.AuditNode {
	if n == nil {
		return nil
	}
	c, ok := n.Children[name]
	if !ok || c.Repeated != nil {
		return nil
	}
	return c
}

// textOf returns the character data of n's named child, or "" if the
// child is absent. The child may itself be a leaf or, if it has no
// character data of its own, an empty string.
func textOf(n *model.AuditNode, name string) string {
	c := child(n, name)
	if c == nil {
		return ""
	}
	return c.Text
}

func hasAnyText(n *model.AuditNode, names ...string) bool {
	for _, name := range names {
		if textOf(n, name) != "" {
			return true
		}
	}
	return false
}

// repeatedChildren returns every occurrence of name under n in document
// order, whether encoding/xml.Decoder saw one occurrence (a plain
// child) or several (collapsed into a Repeated node).
func repeatedChildren(n *model.AuditNode, name string) []*model.AuditNode {
	if n == nil {
		return nil
	}
	c, ok := n.Children[name]
	if !ok {
		return nil
	}
	if c.Repeated != nil {
		return c.Repeated
	}
	return []*model.AuditNode{c}
}
