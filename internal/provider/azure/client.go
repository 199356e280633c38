package azure

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/Chapsvision-dev/cloudstore/internal/config"
	"github.com/Chapsvision-dev/cloudstore/internal/provider"
)

// Build client from service config.
// Priority: 1) SAS  2) Service Principal  3) DefaultAzureCredential.
func newClientFromConfig(c config.Service) (*azblob.Client, string, error) {
	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", c.Account)
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}

	// 1) SAS
	if sasRaw := strings.TrimSpace(c.SASToken); sasRaw != "" {
		sas := strings.TrimPrefix(sasRaw, "?")
		cl, err := azblob.NewClientWithNoCredential(endpoint+"?"+sas, nil)
		return cl, "sas", err
	}

	// 2) Service Principal
	if c.ClientID != "" && c.ClientSecret != "" && c.TenantID != "" {
		cred, err := azidentity.NewClientSecretCredential(c.TenantID, c.ClientID, c.ClientSecret, nil)
		if err != nil {
			return nil, "", err
		}
		cl, err := azblob.NewClient(endpoint, cred, nil)
		return cl, "service_principal", err
	}

	// 3) Managed Identity / DefaultAzureCredential
	defCred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, "", err
	}
	cl, err := azblob.NewClient(endpoint, defCred, nil)
	return cl, "default_credential", err
}

// Factory builds the azureblob backend from a service spec.
func Factory(_ context.Context, spec provider.Spec) (provider.Backend, error) {
	client, auth, err := newClientFromConfig(spec.Config)
	if err != nil {
		return nil, fmt.Errorf("azure client: %w", err)
	}
	log.Debug().Str("action", "azure_init").Str("service", spec.Service).Str("account", spec.Config.Account).
		Str("container", spec.Config.Container).Str("auth", auth).Msg("client ready")
	return New(&sdkStore{client: client}, spec.Config.Container, afero.NewOsFs(), spec.Retry, spec.Concurrency), nil
}
