package mirror

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

type AzureConfig struct {
	ConnectionString string `yaml:"connectionString"`
	Container        string `yaml:"container"`
}

type AzureBlobPublisher struct {
	client    *azblob.Client
	container string
}

func NewAzureBlobPublisher(ctx context.Context, config AzureConfig) (*AzureBlobPublisher, error) {
	client, err := azblob.NewClientFromConnectionString(config.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("azure blob client: %w", err)
	}
	_, err = client.CreateContainer(ctx, config.Container, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("creating container %s: %w", config.Container, err)
	}
	return &AzureBlobPublisher{client: client, container: config.Container}, nil
}

// Publish streams the bundle in blocks, the size is not needed up front
func (ap *AzureBlobPublisher) Publish(ctx context.Context, key string, reader io.Reader, _ int64) error {
	contentType := bundleContentType
	_, err := ap.client.UploadStream(ctx, ap.container, key, reader, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return fmt.Errorf("uploading %s to container %s: %w", key, ap.container, err)
	}
	return nil
}
