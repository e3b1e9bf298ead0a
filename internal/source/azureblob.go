package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

func init() {
	Default.Register("az", func() (Source, error) { return &AzureBlobSource{}, nil })
}

// AzureBlobSource lists and opens blobs in Azure Blob Storage: "az://container/prefix".
// The storage account is resolved from AZURE_STORAGE_ACCOUNT, credentials
// from the default Azure credential chain (azidentity).
type AzureBlobSource struct {
	client *azblob.Client
}

func (s *AzureBlobSource) ensureClient(_ context.Context) (*azblob.Client, error) {
	if s.client != nil {
		return s.client, nil
	}
	account := os.Getenv("AZURE_STORAGE_ACCOUNT")
	if account == "" {
		return nil, fmt.Errorf("source: AZURE_STORAGE_ACCOUNT is not set")
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("source: building Azure credential: %w", err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("source: constructing Azure Blob client: %w", err)
	}
	s.client = client
	return s.client, nil
}

func parseAzURI(uri string) (container, prefix, pattern string) {
	trimmed := strings.TrimPrefix(uri, "az://")
	parts := strings.SplitN(trimmed, "/", 2)
	container = parts[0]
	if len(parts) == 2 {
		prefix = parts[1]
	}
	if idx := strings.IndexAny(prefix, "*?["); idx >= 0 {
		slash := strings.LastIndex(prefix[:idx], "/")
		pattern = prefix[slash+1:]
		prefix = prefix[:slash+1]
	}
	return container, prefix, pattern
}

func (s *AzureBlobSource) List(ctx context.Context, uri string) ([]Opener, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	container, prefix, pattern := parseAzURI(uri)

	var names []string
	pager := client.NewListBlobsFlatPager(container, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("source: listing az://%s/%s: %w", container, prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			name := *item.Name
			if pattern != "" && !globMatchesBaseName(pattern, name) {
				continue
			}
			names = append(names, name)
		}
	}
	sort.Strings(names)

	openers := make([]Opener, 0, len(names))
	for _, name := range names {
		name := name
		openers = append(openers, Opener{
			Name: fmt.Sprintf("az://%s/%s", container, name),
			Open: func(ctx context.Context) (io.ReadCloser, error) {
				resp, err := client.DownloadStream(ctx, container, name, nil)
				if err != nil {
					return nil, fmt.Errorf("source: downloading az://%s/%s: %w", container, name, err)
				}
				return resp.Body, nil
			},
		})
	}
	return openers, nil
}

func (s *AzureBlobSource) Put(ctx context.Context, uri string, data io.Reader) error {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return err
	}
	container, name, _ := parseAzURI(uri)
	if _, err := client.UploadStream(ctx, container, name, data, nil); err != nil {
		return fmt.Errorf("source: uploading az://%s/%s: %w", container, name, err)
	}
	return nil
}

func (s *AzureBlobSource) Remove(ctx context.Context, uri string) error {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return err
	}
	container, name, _ := parseAzURI(uri)
	if _, err := client.DeleteBlob(ctx, container, name, nil); err != nil {
		return fmt.Errorf("source: deleting az://%s/%s: %w", container, name, err)
	}
	return nil
}
