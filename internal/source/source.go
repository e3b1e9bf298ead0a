// Package source resolves a URI, possibly a glob, into an ordered list
// of byte-stream openers, without ever reading file contents during
// listing. Local filesystem, S3, GCS, and Azure Blob are registered
// backends selected by URI scheme, following a provider-registry
// pattern common to pluggable object-storage clients.
package source

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
)

// Opener names one discovered file and defers opening its byte stream
// until the caller actually needs it, so listing stays cheap.
type Opener struct {
	Name string
	Open func(ctx context.Context) (io.ReadCloser, error)
}

// Source lists and opens files for one URI scheme.
type Source interface {
	// List resolves uri (which may include a glob pattern) into openers,
	// in a stable, deterministic order.
	List(ctx context.Context, uri string) ([]Opener, error)
	// Put writes data to uri, used by backends that stage files for
	// bulk-load (e.g. the redshift loader staging CSV to S3).
	Put(ctx context.Context, uri string, data io.Reader) error
	// Remove deletes the object at uri, used to clean up staged files.
	Remove(ctx context.Context, uri string) error
}

// Factory constructs a Source for a given scheme.
type Factory func() (Source, error)

// Registry maps a URI scheme to the Source implementation that serves
// it. Registration is open: additional backends can register themselves
// from an init() without modifying this package.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// Default is the process-wide registry populated by each backend's init().
var Default = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a scheme -> Factory mapping. It panics on a duplicate
// scheme, the same way net/http's ServeMux rejects duplicate patterns:
// a programming error, not a runtime condition to recover from.
func (r *Registry) Register(scheme string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[scheme]; exists {
		panic(fmt.Sprintf("source: scheme %q already registered", scheme))
	}
	r.factories[scheme] = factory
}

// Open resolves uri's scheme to a registered Source and lists it.
func (r *Registry) Open(ctx context.Context, uri string) ([]Opener, error) {
	scheme := schemeOf(uri)

	r.mu.RLock()
	factory, ok := r.factories[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("source: no backend registered for scheme %q (uri %q)", scheme, uri)
	}

	src, err := factory()
	if err != nil {
		return nil, fmt.Errorf("source: constructing backend for scheme %q: %w", scheme, err)
	}

	return src.List(ctx, uri)
}

// Write resolves uri's scheme and stages data at uri, used for
// loader-side staging (e.g. redshift COPY FROM S3).
func (r *Registry) Write(ctx context.Context, uri string, data io.Reader) error {
	scheme := schemeOf(uri)

	r.mu.RLock()
	factory, ok := r.factories[scheme]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("source: no backend registered for scheme %q (uri %q)", scheme, uri)
	}

	src, err := factory()
	if err != nil {
		return fmt.Errorf("source: constructing backend for scheme %q: %w", scheme, err)
	}

	return src.Put(ctx, uri, data)
}

// Remove resolves uri's scheme and removes the object at uri.
func (r *Registry) Remove(ctx context.Context, uri string) error {
	scheme := schemeOf(uri)

	r.mu.RLock()
	factory, ok := r.factories[scheme]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("source: no backend registered for scheme %q (uri %q)", scheme, uri)
	}

	src, err := factory()
	if err != nil {
		return fmt.Errorf("source: constructing backend for scheme %q: %w", scheme, err)
	}

	return src.Remove(ctx, uri)
}

// schemeOf extracts the URI scheme, defaulting to "file" for bare paths
// and glob patterns with no scheme (e.g. "./data/*.xml").
func schemeOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// len==1 guards against Windows drive letters ("C:\...") being
		// misread as a scheme.
		return "file"
	}
	return u.Scheme
}
