package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"
)

// ArtifactStore mirrors finished videos to object storage.
type ArtifactStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
	Remove(ctx context.Context, key string) error
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	Name() string
}

// ArtifactKey is the object key a task's video is stored under.
func ArtifactKey(taskID, filename string) string {
	return path.Join("presentations", taskID, filename)
}

// PutFile uploads a local file and returns a URL to reach it: the public
// URL when the bucket has one, otherwise a presigned URL valid for expiry.
func PutFile(ctx context.Context, store ArtifactStore, key, localPath, contentType string, expiry time.Duration) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat artifact: %w", err)
	}

	url, err := store.Put(ctx, key, f, info.Size(), contentType)
	if err != nil {
		return "", err
	}
	if url != "" {
		return url, nil
	}
	return store.SignedURL(ctx, key, expiry)
}

func publicObjectURL(base, key string) string {
	if base == "" {
		return ""
	}
	return base + "/" + key
}
