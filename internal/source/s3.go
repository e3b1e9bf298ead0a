package source

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func init() {
	Default.Register("s3", func() (Source, error) { return &S3Source{}, nil })
}

// S3Source lists and opens objects in Amazon S3 (or an S3-compatible
// store): ListObjectsV2 for discovery, GetObject for streaming reads,
// PutObject for loader-side staging.
type S3Source struct {
	client *s3.Client
}

func (s *S3Source) ensureClient(ctx context.Context) (*s3.Client, error) {
	if s.client != nil {
		return s.client, nil
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("source: loading AWS config: %w", err)
	}
	s.client = s3.NewFromConfig(cfg)
	return s.client, nil
}

// parseS3URI splits "s3://bucket/prefix" (prefix may contain a glob
// suffix, e.g. "s3://bucket/prefix/*.xml") into bucket, prefix, and an
// optional suffix match pattern.
func parseS3URI(uri string) (bucket, prefix, pattern string) {
	trimmed := strings.TrimPrefix(uri, "s3://")
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

func (s *S3Source) List(ctx context.Context, uri string) ([]Opener, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	bucket, prefix, pattern := parseS3URI(uri)

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("source: listing s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if pattern != "" && !globMatchesBaseName(pattern, key) {
				continue
			}
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	openers := make([]Opener, 0, len(keys))
	for _, key := range keys {
		key := key
		openers = append(openers, Opener{
			Name: fmt.Sprintf("s3://%s/%s", bucket, key),
			Open: func(ctx context.Context) (io.ReadCloser, error) {
				out, err := client.GetObject(ctx, &s3.GetObjectInput{
					Bucket: aws.String(bucket),
					Key:    aws.String(key),
				})
				if err != nil {
					return nil, fmt.Errorf("source: GetObject s3://%s/%s: %w", bucket, key, err)
				}
				return out.Body, nil
			},
		})
	}
	return openers, nil
}

func (s *S3Source) Put(ctx context.Context, uri string, data io.Reader) error {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return err
	}
	bucket, key, _ := parseS3URI(uri)
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   toReadSeeker(data),
	})
	if err != nil {
		return fmt.Errorf("source: PutObject s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *S3Source) Remove(ctx context.Context, uri string) error {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return err
	}
	bucket, key, _ := parseS3URI(uri)
	_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("source: DeleteObject s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}
