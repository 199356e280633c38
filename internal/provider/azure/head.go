package azure

import (
	"context"
)

// properties reads a blob's size, mtime and metadata (HEAD).
func (p *AzureBackend) properties(ctx context.Context, ctr, key string) (blobProps, error) {
	var props blobProps
	err := p.call(ctx, "head", ctr, key, func(ctx context.Context) error {
		var err error
		props, err = p.store.Properties(ctx, ctr, key)
		return err
	})
	return props, err
}
