package azure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/cloudstore/internal/metrics"
	"github.com/Chapsvision-dev/cloudstore/internal/provider"
	"github.com/Chapsvision-dev/cloudstore/internal/retry"
)

// ensureContainer checks access using a minimal list (SAS sr=c cannot create
// containers). A container that passed once is not checked again.
func (p *AzureBackend) ensureContainer(ctx context.Context, ctr string) error {
	if _, ok := p.checked.Load(ctr); ok {
		return nil
	}
	start := time.Now()
	attempt := 0
	ensureOnce := func(ctx context.Context) error {
		attempt++
		log.Debug().Str("action", "azure_container_check").Str("container", ctr).
			Int("attempt", attempt).Msg("starting attempt")

		_, _, err := p.store.List(ctx, ctr, "", "", 1)
		if err == nil {
			return nil
		}
		var re *azcore.ResponseError
		if errors.As(err, &re) {
			switch re.ErrorCode {
			case string(bloberror.ContainerNotFound):
				return fmt.Errorf("container %q not found: create it first (container SAS cannot create containers)", ctr)
			case string(bloberror.AuthorizationFailure),
				string(bloberror.AuthorizationPermissionMismatch),
				string(bloberror.AuthenticationFailed):
				return fmt.Errorf("not authorized for container %q; ensure a container SAS with at least rwl", ctr)
			}
		}
		log.Debug().Err(err).Str("action", "azure_container_check").Str("container", ctr).
			Int("attempt", attempt).Msg("attempt failed")
		return err
	}
	attempts, err := retry.Do(ctx, p.ro, p.isAzRetryable, ensureOnce)
	metrics.RecordBackendCall(string(provider.KindAzureBlob), "container_check", attempts, err == nil)
	if err != nil {
		return err
	}
	p.checked.Store(ctr, struct{}{})
	log.Debug().Str("action", "azure_container_check").Str("container", ctr).
		Int("attempts", attempts).Dur("elapsed_ms", time.Since(start)).Msg("container access OK")
	return nil
}

// validateUpload re-reads the blob properties and compares size and sha256.
func (p *AzureBackend) validateUpload(ctx context.Context, ctr, key string, size int64, sum string) (blobProps, error) {
	start := time.Now()
	var props blobProps
	err := p.call(ctx, "validate", ctr, key, func(ctx context.Context) error {
		var err error
		props, err = p.store.Properties(ctx, ctr, key)
		if err != nil {
			return err
		}
		if props.Size != size {
			return fmt.Errorf("size mismatch: local=%d, remote=%d", size, props.Size)
		}
		remote := metaValue(props.Metadata, metaSHA256)
		if remote == "" {
			return fmt.Errorf("missing metadata: sha256")
		}
		if remote != sum {
			return fmt.Errorf("sha256 mismatch: local=%s, remote=%s", sum, remote)
		}
		return nil
	})
	if err != nil {
		return blobProps{}, err
	}
	log.Debug().Str("action", "azure_validate").Str("container", ctr).Str("key", key).
		Dur("elapsed_ms", time.Since(start)).Msg("validation OK (sha256 & size)")
	return props, nil
}

// isAzRetryable: retry rules for Azure (timeout, 5xx, 429, 408, ServerBusy).
func (p *AzureBackend) isAzRetryable(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		if re.StatusCode == http.StatusTooManyRequests || re.StatusCode == http.StatusRequestTimeout {
			return true
		}
		if re.StatusCode >= 500 && re.StatusCode <= 599 {
			return true
		}
		if re.ErrorCode == string(bloberror.ServerBusy) {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	var re *azcore.ResponseError
	return errors.As(err, &re) && re.StatusCode == http.StatusNotFound
}
