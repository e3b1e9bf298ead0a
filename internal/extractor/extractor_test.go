package extractor_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gowthamrao/py-load-eudravigilance/internal/extractor"
	"github.com/gowthamrao/py-load-eudravigilance/internal/model"
)

const oneICSR = `<?xml version="1.0"?>
<ichicsrMessage xmlns="urn:hl7-org:v3">
  <safetyreport>
    <safetyreportid>A1</safetyreportid>
    <receiptdate>2024-01-01</receiptdate>
    <reporttype>1</reporttype>
    <sender><senderid>ACME</senderid></sender>
    <receiver><receiverid>AGENCY</receiverid></receiver>
    <primarysource>
      <qualification>Physician</qualification>
      <reportercountry>US</reportercountry>
    </primarysource>
    <patient>
      <initials>AB</initials>
      <onsetage>45</onsetage>
      <sex>1</sex>
      <reaction>
        <primarysourcereaction>Nausea</primarysourcereaction>
        <reactionmeddrapt>Nausea</reactionmeddrapt>
      </reaction>
      <drug>
        <characterization>1</characterization>
        <medicinalproduct>X</medicinalproduct>
        <dosagetext>10mg daily</dosagetext>
        <activesubstance><activesubstancename>Xylene</activesubstancename></activesubstance>
      </drug>
      <drug>
        <characterization>2</characterization>
        <medicinalproduct>Y</medicinalproduct>
      </drug>
      <test>
        <testname>CBC</testname>
        <testdate>2024-01-02</testdate>
        <testresult>Normal</testresult>
      </test>
      <narrativeincludeclinical>Patient recovered.</narrativeincludeclinical>
    </patient>
  </safetyreport>
</ichicsrMessage>`

func collect(t *testing.T, xmlDoc string, mode extractor.Mode) ([]model.Item, error) {
	t.Helper()
	items, terminal := extractor.Extract(context.Background(), strings.NewReader(xmlDoc), mode)
	var out []model.Item
	for item := range items {
		out = append(out, item)
	}
	return out, terminal()
}

func TestExtract_Normalized_MinimalICSR(t *testing.T) {
	items, err := collect(t, oneICSR, extractor.Normalized)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Nil(t, items[0].Err)

	rec := items[0].Record
	require.NotNil(t, rec)
	assert.Equal(t, "A1", rec.SafetyReportID)
	assert.Equal(t, "2024-01-01", rec.ReceiptDate)
	assert.Equal(t, "2024-01-01", rec.DateOfMostRecentInfo)
	assert.False(t, rec.IsNullified)
	assert.Equal(t, "ACME", rec.SenderIdentifier)
	assert.Equal(t, "AGENCY", rec.ReceiverIdentifier)
	assert.Equal(t, "Physician", rec.Qualification)
	assert.Equal(t, "US", rec.ReporterCountry)

	require.NotNil(t, rec.PatientCharacteristics)
	assert.Equal(t, "AB", rec.PatientCharacteristics.Initials)

	require.Len(t, rec.Reactions, 1)
	assert.Equal(t, "Nausea", rec.Reactions[0].PrimarySourceReaction)

	require.Len(t, rec.Drugs, 2)
	assert.Equal(t, 1, rec.Drugs[0].DrugSeq)
	assert.Equal(t, "X", rec.Drugs[0].MedicinalProduct)
	assert.Equal(t, []string{"Xylene"}, rec.Drugs[0].ActiveSubstances)
	assert.Equal(t, 2, rec.Drugs[1].DrugSeq)
	assert.Equal(t, "Y", rec.Drugs[1].MedicinalProduct)

	require.Len(t, rec.TestsProcedures, 1)
	assert.Equal(t, "CBC", rec.TestsProcedures[0].TestName)

	assert.True(t, rec.HasNarrative)
	assert.Equal(t, "Patient recovered.", rec.Narrative)
}

func TestExtract_Normalized_MissingSafetyReportID_YieldsRecordError(t *testing.T) {
	doc := `<ichicsrMessage xmlns="urn:hl7-org:v3">
  <safetyreport>
    <receiptdate>2024-01-01</receiptdate>
  </safetyreport>
  <safetyreport>
    <safetyreportid>A2</safetyreportid>
    <receiptdate>2024-01-01</receiptdate>
  </safetyreport>
</ichicsrMessage>`

	items, err := collect(t, doc, extractor.Normalized)
	require.NoError(t, err)
	require.Len(t, items, 2)

	require.NotNil(t, items[0].Err)
	assert.Equal(t, 1, items[0].Err.Ordinal)
	assert.Nil(t, items[0].Record)

	require.NotNil(t, items[1].Record)
	assert.Equal(t, "A2", items[1].Record.SafetyReportID)
}

func TestExtract_Normalized_Nullification(t *testing.T) {
	doc := `<ichicsrMessage xmlns="urn:hl7-org:v3">
  <safetyreport>
    <safetyreportid>A3</safetyreportid>
    <receiptdate>2024-02-01</receiptdate>
    <reporttype>nullification</reporttype>
  </safetyreport>
</ichicsrMessage>`

	items, err := collect(t, doc, extractor.Normalized)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].Record)
	assert.True(t, items[0].Record.IsNullified)
}

func TestExtract_Audit_PreservesSubtree(t *testing.T) {
	items, err := collect(t, oneICSR, extractor.Audit)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Nil(t, items[0].Err)

	rec := items[0].Audit
	require.NotNil(t, rec)
	assert.Equal(t, "A1", rec.SafetyReportID)
	assert.Equal(t, "2024-01-01", rec.ReceiptDate)
	require.NotNil(t, rec.Payload)

	patient, ok := rec.Payload.Children["patient"]
	require.True(t, ok)
	drugNode, ok := patient.Children["drug"]
	require.True(t, ok)
	assert.Len(t, drugNode.Repeated, 2)
}

func TestExtract_MidRecordMalformedXML_ResyncsToNextRecord(t *testing.T) {
	doc := `<ichicsrMessage xmlns="urn:hl7-org:v3">
  <safetyreport>
    <safetyreportid>A1</safetyreportid>
  </safetyreport>
  <safetyreport>
    <safetyreportid>A2</safetyreportid>
    <foo></bar>
  </safetyreport>
  <safetyreport>
    <safetyreportid>A3</safetyreportid>
  </safetyreport>
</ichicsrMessage>`

	items, err := collect(t, doc, extractor.Normalized)
	require.NoError(t, err)
	require.Len(t, items, 3)

	require.NotNil(t, items[0].Record)
	assert.Equal(t, "A1", items[0].Record.SafetyReportID)

	require.NotNil(t, items[1].Err)
	assert.Equal(t, 2, items[1].Err.Ordinal)
	assert.Nil(t, items[1].Record)

	require.NotNil(t, items[2].Record)
	assert.Equal(t, "A3", items[2].Record.SafetyReportID)
}

func TestExtract_BatchLevelMalformedXML_IsTerminal(t *testing.T) {
	doc := `<ichicsrMessage xmlns="urn:hl7-org:v3"><unclosed>`
	items, err := collect(t, doc, extractor.Normalized)
	assert.Empty(t, items)
	require.Error(t, err)

	var kindErr *model.Error
	require.ErrorAs(t, err, &kindErr)
	assert.Equal(t, model.KindXMLNotWellFormed, kindErr.Kind)
}
