// Package backends wires every built-in backend kind into a registry.
package backends

import (
	"github.com/Chapsvision-dev/cloudstore/internal/provider"
	"github.com/Chapsvision-dev/cloudstore/internal/provider/azure"
	"github.com/Chapsvision-dev/cloudstore/internal/provider/local"
	"github.com/Chapsvision-dev/cloudstore/internal/provider/rclone"
	"github.com/Chapsvision-dev/cloudstore/internal/provider/s3"
)

// Registry returns a registry holding local, box, gdrive, azureblob, awss3
// and google.
func Registry() *provider.Registry {
	return provider.NewRegistry().
		Register(provider.KindLocal, local.Factory).
		Register(provider.KindBox, rclone.Factory(provider.KindBox)).
		Register(provider.KindGDrive, rclone.Factory(provider.KindGDrive)).
		Register(provider.KindAzureBlob, azure.Factory).
		Register(provider.KindAWSS3, s3.Factory).
		Register(provider.KindGoogle, rclone.Factory(provider.KindGoogle))
}
