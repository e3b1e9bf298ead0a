// Package loader defines the database-abstracted Loader capability
// interface and the open backend registry that selects a concrete
// implementation by DSN dialect. Concrete backends
// live in the loader/postgres, loader/redshift, loader/sqlserver, and
// loader/duckdb subpackages and register themselves from an init()
// function, mirroring internal/source's registry pattern.
package loader

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gowthamrao/py-load-eudravigilance/internal/model"
)

// LoadMode selects whether a file's rows replace a table's whole
// contents (full) or merge into it with the version gate (delta).
type LoadMode int

const (
	Delta LoadMode = iota
	Full
)

// NormalizedInput is one file's transformed normalized-mode output,
// exactly what load_normalized_data consumes.
type NormalizedInput struct {
	Buffers   map[string]*bytes.Reader
	RowCounts map[string]int
	Mode      LoadMode
	Path      string
	Hash      string
}

// AuditInput is one file's transformed audit-mode output, exactly what
// load_audit_data consumes.
type AuditInput struct {
	Buffer   *bytes.Reader
	RowCount int
	Mode     LoadMode
	Path     string
	Hash     string
}

// Loader is the capability set every database backend implements. All
// methods are safe for concurrent use by multiple goroutines/workers,
// each with its own file and its own transaction.
type Loader interface {
	// CreateAllTables issues idempotent DDL for the full schema
	// (normalized tables, icsr_audit, etl_file_history).
	CreateAllTables(ctx context.Context) error

	// ValidateSchema compares the existing catalog against the
	// expected table/column shape.
	ValidateSchema(ctx context.Context) (bool, error)

	// GetCompletedFileHashes returns every file_hash whose history row
	// has status=completed.
	GetCompletedFileHashes(ctx context.Context) (map[string]bool, error)

	// LoadNormalizedData runs one file's normalized-mode load end to
	// end in a single transaction: pending history row, per-table
	// prepare/bulk-load/merge, completed history row, commit. On any
	// error it rolls back and then durably records history=failed in
	// a separate transaction.
	LoadNormalizedData(ctx context.Context, in NormalizedInput) (rowsProcessed int, err error)

	// LoadAuditData is LoadNormalizedData's audit-mode counterpart.
	LoadAuditData(ctx context.Context, in AuditInput) (rowsProcessed int, err error)

	// Close releases the backend's connection pool.
	Close() error
}

// Factory constructs a Loader from a DSN. Factories are registered by
// dialect name (the DSN scheme, lowercased) in an init() function.
type Factory func(ctx context.Context, dsn string) (Loader, error)

// Registry is a scheme-keyed, concurrency-safe map of loader factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// Default is the process-wide registry every backend package registers
// into via init().
var Default = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under dialect. It panics on a duplicate
// dialect, the same contract internal/source.Registry uses, since a
// collision can only happen from a programming error at init time.
func (r *Registry) Register(dialect string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[dialect]; exists {
		panic(fmt.Sprintf("loader: dialect %q already registered", dialect))
	}
	r.factories[dialect] = factory
}

// Open resolves dsn's dialect and constructs a Loader for it.
func (r *Registry) Open(ctx context.Context, dsn string) (Loader, error) {
	dialect, err := DialectOf(dsn)
	if err != nil {
		return nil, model.NewError(model.KindConfigInvalid, "loader.Open", err)
	}

	r.mu.RLock()
	factory, ok := r.factories[dialect]
	r.mu.RUnlock()
	if !ok {
		return nil, model.NewError(model.KindConfigInvalid, "loader.Open",
			fmt.Errorf("no loader backend registered for dialect %q", dialect))
	}
	return factory(ctx, dsn)
}

// DialectOf extracts the backend dialect name from a database DSN's
// scheme, e.g. "postgres://..." -> "postgres", "sqlserver://..." ->
// "sqlserver". A "+driver" suffix (e.g. "postgresql+psycopg2") is
// dropped so DSNs copied from other ecosystems' connection strings
// still resolve to the right backend.
func DialectOf(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("loader: parsing DSN: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return "", fmt.Errorf("loader: DSN %q has no scheme", dsn)
	}
	if idx := strings.Index(scheme, "+"); idx >= 0 {
		scheme = scheme[:idx]
	}
	switch scheme {
	case "postgres", "postgresql":
		return "postgres", nil
	case "redshift":
		return "redshift", nil
	case "sqlserver", "mssql":
		return "sqlserver", nil
	case "duckdb":
		return "duckdb", nil
	default:
		return scheme, nil
	}
}
