package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gowthamrao/py-load-eudravigilance/internal/config"
	"github.com/gowthamrao/py-load-eudravigilance/internal/loader"
	"github.com/gowthamrao/py-load-eudravigilance/internal/logging"
)

const minimalICSR = `<?xml version="1.0"?>
<ichicsrMessage xmlns="urn:hl7-org:v3">
  <safetyreport>
    <safetyreportid>A1</safetyreportid>
    <receiptdate>2024-01-01</receiptdate>
    <patient>
      <reaction>
        <primarysourcereaction>Nausea</primarysourcereaction>
        <reactionmeddrapt>Nausea</reactionmeddrapt>
      </reaction>
      <drug>
        <medicinalproduct>X</medicinalproduct>
      </drug>
    </patient>
  </safetyreport>
</ichicsrMessage>`

// fakeLoader is a hand-written test double for loader.Loader -- no
// database round trip, just enough bookkeeping to assert on the
// orchestrator's behavior, in the same spirit as the sqlmock-based
// backend tests but without even a database/sql layer to fake.
type fakeLoader struct {
	completed        map[string]bool
	normalizedCalls  int
	auditCalls       int
	failNormalized   bool
}

func (f *fakeLoader) CreateAllTables(ctx context.Context) error          { return nil }
func (f *fakeLoader) ValidateSchema(ctx context.Context) (bool, error)   { return true, nil }
func (f *fakeLoader) Close() error                                      { return nil }
func (f *fakeLoader) GetCompletedFileHashes(ctx context.Context) (map[string]bool, error) {
	return f.completed, nil
}
func (f *fakeLoader) LoadNormalizedData(ctx context.Context, in loader.NormalizedInput) (int, error) {
	f.normalizedCalls++
	if f.failNormalized {
		return 0, assert.AnError
	}
	total := 0
	for _, c := range in.RowCounts {
		total += c
	}
	return total, nil
}
func (f *fakeLoader) LoadAuditData(ctx context.Context, in loader.AuditInput) (int, error) {
	f.auditCalls++
	return in.RowCount, nil
}

func writeFixture(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRun_FullMode_ProcessesAllFiles(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "case1.xml", minimalICSR)

	fl := &fakeLoader{completed: map[string]bool{}}
	settings := &config.Settings{
		SourceURI:  filepath.Join(dir, "*.xml"),
		SchemaType: config.SchemaNormalized,
	}
	o := New(settings, fl, logging.NewNop())

	summary, err := o.Run(context.Background(), config.ModeFull)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 1, fl.normalizedCalls)
	assert.True(t, summary.TotalRows >= 3) // master + reaction + drug
}

func TestRun_DeltaMode_SkipsCompletedHash(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, "case1.xml", minimalICSR)

	hash, err := computeFixtureHash(path)
	require.NoError(t, err)

	fl := &fakeLoader{completed: map[string]bool{hash: true}}
	settings := &config.Settings{
		SourceURI:  filepath.Join(dir, "*.xml"),
		SchemaType: config.SchemaNormalized,
	}
	o := New(settings, fl, logging.NewNop())

	summary, err := o.Run(context.Background(), config.ModeDelta)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Succeeded)
	assert.Equal(t, 0, fl.normalizedCalls)
}

func TestRun_WorkerFailure_QuarantinesAndCountsFailed(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "case1.xml", minimalICSR)
	quarantineDir := filepath.Join(dir, "quarantine")

	fl := &fakeLoader{completed: map[string]bool{}, failNormalized: true}
	settings := &config.Settings{
		SourceURI:     filepath.Join(dir, "*.xml"),
		SchemaType:    config.SchemaNormalized,
		QuarantineURI: quarantineDir,
	}
	o := New(settings, fl, logging.NewNop())

	summary, err := o.Run(context.Background(), config.ModeFull)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Contains(t, summary.FailedFiles[0], "case1.xml")

	entries, err := os.ReadDir(quarantineDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2) // the file itself plus its .meta.json sidecar
}

func TestRun_AuditMode_LoadsAuditData(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "case1.xml", minimalICSR)

	fl := &fakeLoader{completed: map[string]bool{}}
	settings := &config.Settings{
		SourceURI:  filepath.Join(dir, "*.xml"),
		SchemaType: config.SchemaAudit,
	}
	o := New(settings, fl, logging.NewNop())

	summary, err := o.Run(context.Background(), config.ModeFull)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, fl.auditCalls)
	assert.Equal(t, 1, summary.TotalRows)
}

const threeICSRsSecondMalformed = `<?xml version="1.0"?>
<ichicsrMessage xmlns="urn:hl7-org:v3">
  <safetyreport>
    <safetyreportid>A1</safetyreportid>
    <receiptdate>2024-01-01</receiptdate>
  </safetyreport>
  <safetyreport>
    <safetyreportid>A2</safetyreportid>
    <foo></bar>
  </safetyreport>
  <safetyreport>
    <safetyreportid>A3</safetyreportid>
    <receiptdate>2024-01-01</receiptdate>
  </safetyreport>
</ichicsrMessage>`

func TestRun_SecondRecordMalformed_SkipsOnlyThatRecord(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "batch.xml", threeICSRsSecondMalformed)

	fl := &fakeLoader{completed: map[string]bool{}}
	settings := &config.Settings{
		SourceURI:  filepath.Join(dir, "*.xml"),
		SchemaType: config.SchemaNormalized,
	}
	o := New(settings, fl, logging.NewNop())

	summary, err := o.Run(context.Background(), config.ModeFull)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 1, summary.RecordErrors)
	assert.Equal(t, 2, summary.TotalRows) // A1 and A3 master rows, A2 skipped
}

func computeFixtureHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
