package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

func init() {
	Default.Register("file", func() (Source, error) { return &LocalSource{}, nil })
}

// LocalSource lists and opens files on the local filesystem, including
// glob patterns ("path/glob*.xml"). It is the only backend that needs
// no third-party library: path/filepath.Glob already does exactly what
// is needed here.
type LocalSource struct{}

func (s *LocalSource) List(_ context.Context, uri string) ([]Opener, error) {
	path := strings.TrimPrefix(uri, "file://")

	matches, err := filepath.Glob(path)
	if err != nil {
		return nil, fmt.Errorf("source: invalid glob %q: %w", path, err)
	}
	if matches == nil {
		// Glob returns nil (not an error) for a literal path with no
		// wildcard that doesn't exist; also nil for a pattern that
		// matches nothing. Distinguish by checking a literal path.
		if !containsGlobMeta(path) {
			if _, statErr := os.Stat(path); statErr != nil {
				return nil, fmt.Errorf("source: %w", statErr)
			}
			matches = []string{path}
		}
	}

	sort.Strings(matches)

	openers := make([]Opener, 0, len(matches))
	for _, m := range matches {
		m := m
		openers = append(openers, Opener{
			Name: m,
			Open: func(_ context.Context) (io.ReadCloser, error) {
				return os.Open(m)
			},
		})
	}
	return openers, nil
}

func (s *LocalSource) Put(_ context.Context, uri string, data io.Reader) error {
	path := strings.TrimPrefix(uri, "file://")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("source: mkdir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("source: create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, data); err != nil {
		return fmt.Errorf("source: write %s: %w", path, err)
	}
	return nil
}

func (s *LocalSource) Remove(_ context.Context, uri string) error {
	path := strings.TrimPrefix(uri, "file://")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("source: remove %s: %w", path, err)
	}
	return nil
}

func containsGlobMeta(path string) bool {
	return strings.ContainsAny(path, "*?[")
}
