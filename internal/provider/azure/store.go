package azure

import (
	"context"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

type blobProps struct {
	Size     int64
	Modified time.Time
	Metadata map[string]string
}

type blobItem struct {
	Name string
	blobProps
}

// blobStore is the narrow set of container operations the backend needs.
// sdkStore implements it over *azblob.Client.
type blobStore interface {
	Upload(ctx context.Context, ctr, key string, body io.Reader, meta map[string]string) error
	Download(ctx context.Context, ctr, key string, w io.Writer) (blobProps, error)
	Delete(ctx context.Context, ctr, key string) error
	Properties(ctx context.Context, ctr, key string) (blobProps, error)
	// List returns blobs under prefix and, when delimiter is set, the
	// virtual directory prefixes. max <= 0 means no limit.
	List(ctx context.Context, ctr, prefix, delimiter string, max int32) ([]blobItem, []string, error)
}

type sdkStore struct {
	client *azblob.Client
}

func (s *sdkStore) Upload(ctx context.Context, ctr, key string, body io.Reader, meta map[string]string) error {
	md := make(map[string]*string, len(meta))
	for k, v := range meta {
		md[k] = to.Ptr(v)
	}
	_, err := s.client.UploadStream(ctx, ctr, key, body, &azblob.UploadStreamOptions{Metadata: md})
	return err
}

func (s *sdkStore) Download(ctx context.Context, ctr, key string, w io.Writer) (blobProps, error) {
	resp, err := s.client.DownloadStream(ctx, ctr, key, nil)
	if err != nil {
		return blobProps{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return blobProps{}, err
	}
	return blobProps{Size: n, Modified: deref(resp.LastModified), Metadata: flatten(resp.Metadata)}, nil
}

func (s *sdkStore) Delete(ctx context.Context, ctr, key string) error {
	_, err := s.client.DeleteBlob(ctx, ctr, key, nil)
	return err
}

func (s *sdkStore) Properties(ctx context.Context, ctr, key string) (blobProps, error) {
	bc := s.client.ServiceClient().NewContainerClient(ctr).NewBlobClient(key)
	resp, err := bc.GetProperties(ctx, nil)
	if err != nil {
		return blobProps{}, err
	}
	return blobProps{Size: deref(resp.ContentLength), Modified: deref(resp.LastModified), Metadata: flatten(resp.Metadata)}, nil
}

func (s *sdkStore) List(ctx context.Context, ctr, prefix, delimiter string, max int32) ([]blobItem, []string, error) {
	var (
		items    []blobItem
		prefixes []string
	)
	full := func() bool { return max > 0 && int32(len(items)+len(prefixes)) >= max }

	if delimiter == "" {
		opts := &azblob.ListBlobsFlatOptions{Prefix: to.Ptr(prefix), Include: container.ListBlobsInclude{Metadata: true}}
		if max > 0 {
			opts.MaxResults = to.Ptr(max)
		}
		pager := s.client.NewListBlobsFlatPager(ctr, opts)
		for pager.More() && !full() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return nil, nil, err
			}
			for _, it := range page.Segment.BlobItems {
				items = append(items, toItem(it))
			}
		}
		return items, prefixes, nil
	}

	opts := &container.ListBlobsHierarchyOptions{Prefix: to.Ptr(prefix), Include: container.ListBlobsInclude{Metadata: true}}
	if max > 0 {
		opts.MaxResults = to.Ptr(max)
	}
	pager := s.client.ServiceClient().NewContainerClient(ctr).NewListBlobsHierarchyPager(delimiter, opts)
	for pager.More() && !full() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, nil, err
		}
		for _, it := range page.Segment.BlobItems {
			items = append(items, toItem(it))
		}
		for _, p := range page.Segment.BlobPrefixes {
			prefixes = append(prefixes, deref(p.Name))
		}
	}
	return items, prefixes, nil
}

func toItem(it *container.BlobItem) blobItem {
	out := blobItem{Name: deref(it.Name)}
	if it.Properties != nil {
		out.Size = deref(it.Properties.ContentLength)
		out.Modified = deref(it.Properties.LastModified)
	}
	out.Metadata = flatten(it.Metadata)
	return out
}

func flatten(m map[string]*string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = deref(v)
	}
	return out
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
