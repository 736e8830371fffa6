package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"
)

// Archive stores generated invoice documents in a Cloud Storage bucket.
type Archive struct {
	client *gcs.Client
	bucket string
}

// NewArchive constructs an Archive writing into the given bucket.
func NewArchive(client *gcs.Client, bucket string) (*Archive, error) {
	if client == nil {
		return nil, errors.New("storage archive: client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage archive: bucket is required")
	}
	return &Archive{client: client, bucket: bucket}, nil
}

// Bucket returns the bucket the archive writes into.
func (a *Archive) Bucket() string {
	if a == nil {
		return ""
	}
	return a.bucket
}

// Put uploads the document under the given object path and returns the path.
func (a *Archive) Put(ctx context.Context, objectPath, contentType string, data []byte) (string, error) {
	if a == nil || a.client == nil {
		return "", errors.New("storage archive: not initialised")
	}
	objectPath = strings.TrimSpace(objectPath)
	if objectPath == "" {
		return "", errInvalidObject
	}
	if len(data) == 0 {
		return "", errors.New("storage archive: document is empty")
	}

	w := a.client.Bucket(a.bucket).Object(objectPath).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("storage archive: write %s: %w", objectPath, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("storage archive: finalize %s: %w", objectPath, err)
	}
	return objectPath, nil
}

// Get reads a previously archived document.
func (a *Archive) Get(ctx context.Context, objectPath string) ([]byte, error) {
	if a == nil || a.client == nil {
		return nil, errors.New("storage archive: not initialised")
	}
	objectPath = strings.TrimSpace(objectPath)
	if objectPath == "" {
		return nil, errInvalidObject
	}

	r, err := a.client.Bucket(a.bucket).Object(objectPath).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage archive: open %s: %w", objectPath, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("storage archive: read %s: %w", objectPath, err)
	}
	return data, nil
}
