// Package orchestrator drives one end-to-end run: discover files, hash
// them, apply the delta/full filter, and dispatch each file to its own
// worker goroutine that runs the extractor, transformer, and loader in
// an isolated transaction, realized with a goroutine pool and buffered
// channel since a Go worker already gets its own stack and the loader's
// *pgxpool.Pool (or equivalent) already hands out isolated connections
// per goroutine.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gowthamrao/py-load-eudravigilance/internal/config"
	"github.com/gowthamrao/py-load-eudravigilance/internal/extractor"
	"github.com/gowthamrao/py-load-eudravigilance/internal/loader"
	"github.com/gowthamrao/py-load-eudravigilance/internal/logging"
	"github.com/gowthamrao/py-load-eudravigilance/internal/model"
	"github.com/gowthamrao/py-load-eudravigilance/internal/source"
	"github.com/gowthamrao/py-load-eudravigilance/internal/transformer"
)

// HashChecker is the subset of loader.Loader the delta filter needs;
// internal/cache's Redis accelerator implements the same signature so
// it can stand in front of the loader's own query transparently.
type HashChecker interface {
	GetCompletedFileHashes(ctx context.Context) (map[string]bool, error)
}

// Summary is what Run returns once every worker has finished: counts of
// succeeded, failed, and skipped files, the aggregate row count, and the
// aggregate count of individual ICSRs that were skipped within
// otherwise-successful files (RecordErrors).
type Summary struct {
	Succeeded    int
	Failed       int
	Skipped      int
	TotalRows    int
	RecordErrors int
	FailedFiles  []string
}

// Orchestrator runs one pipeline invocation against a resolved Loader
// and File Source registry.
type Orchestrator struct {
	Settings *config.Settings
	Loader   loader.Loader
	Sources  *source.Registry
	Cache    HashChecker // optional; nil falls back to Loader itself
	Log      *zap.Logger
}

// New builds an Orchestrator with the package-default source registry
// and no cache accelerator; callers that want the Redis-backed
// accelerator set Cache after construction.
func New(settings *config.Settings, l loader.Loader, log *zap.Logger) *Orchestrator {
	return &Orchestrator{Settings: settings, Loader: l, Sources: source.Default, Log: log}
}

// Run discovers files, filters them for delta mode, and fans them out
// across a worker pool; it returns once every file has been processed
// or ctx is canceled. Cancellation is observed between files and is
// propagated into every in-flight worker's per-file context.
func (o *Orchestrator) Run(ctx context.Context, mode config.LoadMode) (*Summary, error) {
	openers, err := o.Sources.Open(ctx, o.Settings.SourceURI)
	if err != nil {
		return nil, model.NewError(model.KindSourceUnavailable, "orchestrator.Run", err)
	}
	o.Log.Info("discovered files", zap.Int("count", len(openers)), zap.String("source_uri", o.Settings.SourceURI))

	type hashedFile struct {
		opener source.Opener
		hash   string
	}

	hashed := make([]hashedFile, 0, len(openers))
	for _, op := range openers {
		h, err := source.Hash(ctx, op)
		if err != nil {
			o.Log.Error("failed to hash file, skipping", zap.String("file", op.Name), zap.Error(err))
			continue
		}
		hashed = append(hashed, hashedFile{opener: op, hash: h})
	}

	summary := &Summary{}

	var toProcess []hashedFile
	if mode == config.ModeDelta {
		completed, err := o.completedHashes(ctx)
		if err != nil {
			return nil, model.NewError(model.KindDBTransient, "orchestrator.Run", err)
		}
		for _, f := range hashed {
			if completed[f.hash] {
				summary.Skipped++
				continue
			}
			toProcess = append(toProcess, f)
		}
	} else {
		toProcess = hashed
	}

	workers := o.Settings.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	o.Log.Info("starting worker pool",
		zap.Int("workers", workers), zap.Int("files", len(toProcess)), zap.String("mode", string(mode)))

	jobs := make(chan hashedFile)
	results := make(chan fileResult, len(toProcess))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				results <- o.processFile(ctx, job.opener, job.hash, mode)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, f := range toProcess {
			select {
			case jobs <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		if r.err != nil {
			summary.Failed++
			summary.FailedFiles = append(summary.FailedFiles, r.path)
			o.Log.Error("file processing failed",
				append(logging.FileFields(r.path, r.hash), zap.Error(r.err))...)
			o.quarantine(ctx, r.path, r.hash, r.err)
			continue
		}
		summary.Succeeded++
		summary.TotalRows += r.rows
		summary.RecordErrors += r.recordErrors
		o.Log.Info("file processed",
			append(logging.FileFields(r.path, r.hash), zap.Int("rows", r.rows), zap.Int("record_errors", r.recordErrors))...)
	}

	o.Log.Info("run finished",
		zap.Int("succeeded", summary.Succeeded), zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped), zap.Int("record_errors", summary.RecordErrors))
	return summary, nil
}

func (o *Orchestrator) completedHashes(ctx context.Context) (map[string]bool, error) {
	if o.Cache != nil {
		if hashes, err := o.Cache.GetCompletedFileHashes(ctx); err == nil {
			return hashes, nil
		}
		o.Log.Warn("cache lookup failed, falling back to loader query")
	}
	return o.Loader.GetCompletedFileHashes(ctx)
}

type fileResult struct {
	path         string
	hash         string
	rows         int
	recordErrors int
	err          error
}

// processFile is one isolated worker task: open, extract, transform,
// load, all inside the per-file timeout derived from
// Settings.FileTimeout. No mutable state is shared with any other
// worker beyond the immutable Settings and the Loader/Cache handles,
// which are themselves safe for concurrent use.
func (o *Orchestrator) processFile(ctx context.Context, op source.Opener, hash string, mode config.LoadMode) fileResult {
	fileCtx := ctx
	var cancel context.CancelFunc
	if o.Settings.FileTimeout > 0 {
		fileCtx, cancel = context.WithTimeout(ctx, time.Duration(o.Settings.FileTimeout)*time.Second)
		defer cancel()
	}

	r, err := op.Open(fileCtx)
	if err != nil {
		return fileResult{path: op.Name, hash: hash, err: model.NewError(model.KindFileOpenFailed, "orchestrator.processFile", err)}
	}
	defer r.Close()

	extractMode := extractor.Normalized
	if o.Settings.SchemaType == config.SchemaAudit {
		extractMode = extractor.Audit
	}
	items, terminalErr := extractor.Extract(fileCtx, r, extractMode)

	loadMode := loader.Delta
	if mode == config.ModeFull {
		loadMode = loader.Full
	}

	var rows int
	var recordErrors int
	var loadErr error
	if o.Settings.SchemaType == config.SchemaAudit {
		result := transformer.Audit(fileCtx, items, time.Now().UTC().Format(time.RFC3339))
		for _, recErr := range result.Errors {
			o.Log.Warn("record skipped", zap.String("file", op.Name), zap.Error(recErr.Reason))
		}
		recordErrors = len(result.Errors)
		if err := terminalErr(); err != nil {
			return fileResult{path: op.Name, hash: hash, recordErrors: recordErrors, err: err}
		}
		rows, loadErr = o.Loader.LoadAuditData(fileCtx, loader.AuditInput{
			Buffer: result.Buffer, RowCount: result.RowCount, Mode: loadMode, Path: op.Name, Hash: hash,
		})
	} else {
		result := transformer.Normalized(fileCtx, items)
		for _, recErr := range result.Errors {
			o.Log.Warn("record skipped", zap.String("file", op.Name), zap.Error(recErr.Reason))
		}
		recordErrors = len(result.Errors)
		if err := terminalErr(); err != nil {
			return fileResult{path: op.Name, hash: hash, recordErrors: recordErrors, err: err}
		}
		rows, loadErr = o.Loader.LoadNormalizedData(fileCtx, loader.NormalizedInput{
			Buffers: result.Buffers, RowCounts: result.RowCounts, Mode: loadMode, Path: op.Name, Hash: hash,
		})
	}

	if loadErr != nil {
		return fileResult{path: op.Name, hash: hash, recordErrors: recordErrors, err: loadErr}
	}
	return fileResult{path: op.Name, hash: hash, rows: rows, recordErrors: recordErrors}
}

// quarantine copies the failed file's bytes plus a JSON metadata
// sidecar to quarantine_uri/<basename>(.meta.json). Best-effort: a
// quarantine write failure is logged, not escalated, since the original
// error is already the one being reported in the summary.
func (o *Orchestrator) quarantine(ctx context.Context, path, hash string, cause error) {
	if o.Settings.QuarantineURI == "" {
		return
	}

	base := filepath.Base(path)
	destURI := fmt.Sprintf("%s/%s", o.Settings.QuarantineURI, base)
	metaURI := destURI + ".meta.json"

	openers, err := o.Sources.Open(ctx, path)
	if err != nil || len(openers) == 0 {
		o.Log.Error("quarantine: could not reopen failed file", zap.String("file", path), zap.Error(err))
		return
	}
	r, err := openers[0].Open(ctx)
	if err != nil {
		o.Log.Error("quarantine: could not open failed file", zap.String("file", path), zap.Error(err))
		return
	}
	defer r.Close()

	if err := o.Sources.Write(ctx, destURI, r); err != nil {
		o.Log.Error("quarantine: failed to copy file", zap.String("file", path), zap.Error(err))
		return
	}

	meta := map[string]string{
		"failed_at":     time.Now().UTC().Format(time.RFC3339),
		"source_file":   path,
		"file_hash":     hash,
		"error_message": cause.Error(),
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		o.Log.Error("quarantine: failed to marshal metadata", zap.Error(err))
		return
	}
	if err := o.Sources.Write(ctx, metaURI, bytes.NewReader(payload)); err != nil {
		o.Log.Error("quarantine: failed to write metadata", zap.Error(err))
	}
}
