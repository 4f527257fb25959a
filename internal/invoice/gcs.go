package invoice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
)

// GCSBlobStore implements BlobStore against a Google Cloud Storage bucket
// using V4 signed URLs.
type GCSBlobStore struct {
	client *storage.Client
	bucket string
}

// NewGCSBlobStore creates a GCSBlobStore for the named bucket using
// application default credentials.
func NewGCSBlobStore(ctx context.Context, bucket string) (*GCSBlobStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &GCSBlobStore{client: client, bucket: bucket}, nil
}

// SignedWriteURL issues a V4 signed PUT URL.
func (g *GCSBlobStore) SignedWriteURL(ctx context.Context, path, contentType string) (*WriteLocation, error) {
	if err := validateObjectPath(path); err != nil {
		return nil, err
	}
	expires := time.Now().Add(signedURLTTL)
	opts := &storage.SignedURLOptions{
		Scheme:      storage.SigningSchemeV4,
		Method:      "PUT",
		Expires:     expires,
		ContentType: contentType,
	}
	signedURL, err := g.client.Bucket(g.bucket).SignedURL(path, opts)
	if err != nil {
		return nil, fmt.Errorf("signing write url: %w", err)
	}
	return &WriteLocation{
		URL:         signedURL,
		Method:      "PUT",
		ObjectPath:  path,
		ContentType: contentType,
		ExpiresAt:   expires,
	}, nil
}

// SignedReadURL issues a V4 signed GET URL.
func (g *GCSBlobStore) SignedReadURL(ctx context.Context, path string) (*ReadLocation, error) {
	if err := validateObjectPath(path); err != nil {
		return nil, err
	}
	expires := time.Now().Add(signedURLTTL)
	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: expires,
	}
	signedURL, err := g.client.Bucket(g.bucket).SignedURL(path, opts)
	if err != nil {
		return nil, fmt.Errorf("signing read url: %w", err)
	}
	return &ReadLocation{URL: signedURL, ExpiresAt: expires}, nil
}

// Delete removes the object from the bucket. A missing object is treated
// as already deleted.
func (g *GCSBlobStore) Delete(ctx context.Context, path string) error {
	if err := validateObjectPath(path); err != nil {
		return err
	}
	err := g.client.Bucket(g.bucket).Object(path).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("deleting object: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (g *GCSBlobStore) Close() error {
	return g.client.Close()
}
