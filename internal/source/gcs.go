package source

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

func init() {
	Default.Register("gs", func() (Source, error) { return &GCSSource{}, nil })
}

// GCSSource lists and opens objects in Google Cloud Storage, using
// cloud.google.com/go/storage's Objects iterator for listing and
// Object.NewReader for streaming reads.
type GCSSource struct {
	client *storage.Client
}

func (s *GCSSource) ensureClient(ctx context.Context) (*storage.Client, error) {
	if s.client != nil {
		return s.client, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("source: constructing GCS client: %w", err)
	}
	s.client = client
	return s.client, nil
}

func parseGSURI(uri string) (bucket, prefix, pattern string) {
	trimmed := strings.TrimPrefix(uri, "gs://")
	parts := strings.SplitN(trimmed, "/", 2)
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = parts[1]
	}
	if idx := strings.IndexAny(prefix, "*?["); idx >= 0 {
		slash := strings.LastIndex(prefix[:idx], "/")
		pattern = prefix[slash+1:]
		prefix = prefix[:slash+1]
	}
	return bucket, prefix, pattern
}

func (s *GCSSource) List(ctx context.Context, uri string) ([]Opener, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	bucket, prefix, pattern := parseGSURI(uri)
	bkt := client.Bucket(bucket)

	var names []string
	it := bkt.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("source: listing gs://%s/%s: %w", bucket, prefix, err)
		}
		if pattern != "" && !globMatchesBaseName(pattern, attrs.Name) {
			continue
		}
		names = append(names, attrs.Name)
	}
	sort.Strings(names)

	openers := make([]Opener, 0, len(names))
	for _, name := range names {
		name := name
		openers = append(openers, Opener{
			Name: fmt.Sprintf("gs://%s/%s", bucket, name),
			Open: func(ctx context.Context) (io.ReadCloser, error) {
				r, err := bkt.Object(name).NewReader(ctx)
				if err != nil {
					return nil, fmt.Errorf("source: opening gs://%s/%s: %w", bucket, name, err)
				}
				return r, nil
			},
		})
	}
	return openers, nil
}

func (s *GCSSource) Put(ctx context.Context, uri string, data io.Reader) error {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return err
	}
	bucket, name, _ := parseGSURI(uri)
	w := client.Bucket(bucket).Object(name).NewWriter(ctx)
	if _, err := io.Copy(w, data); err != nil {
		_ = w.Close()
		return fmt.Errorf("source: writing gs://%s/%s: %w", bucket, name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("source: closing gs://%s/%s: %w", bucket, name, err)
	}
	return nil
}

func (s *GCSSource) Remove(ctx context.Context, uri string) error {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return err
	}
	bucket, name, _ := parseGSURI(uri)
	if err := client.Bucket(bucket).Object(name).Delete(ctx); err != nil {
		return fmt.Errorf("source: deleting gs://%s/%s: %w", bucket, name, err)
	}
	return nil
}
