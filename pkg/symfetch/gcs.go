// Copyright 2025 crashmill project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package symfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// GCS fetches symbols from a Google Cloud Storage bucket, the usual
// backing store of production symbol servers. Uses Application Default
// Credentials.
type GCS struct {
	bucket *storage.BucketHandle
	client *storage.Client
	prefix string
}

// NewGCS opens a fetcher for gs://<bucket>[/prefix].
func NewGCS(ctx context.Context, bucketPath string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	bucket, prefix := splitBucket(bucketPath)
	return &GCS{
		bucket: client.Bucket(bucket),
		client: client,
		prefix: prefix,
	}, nil
}

func (f *GCS) Close() error {
	return f.client.Close()
}

func (f *GCS) Fetch(ctx context.Context, debugFile, buildID string) (io.ReadCloser, error) {
	name := f.prefix + SymbolPath(debugFile, buildID)
	r, err := f.bucket.Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch gs object %v: %w", name, err)
	}
	return r, nil
}

func splitBucket(bucketPath string) (bucket, prefix string) {
	if pos := strings.IndexByte(bucketPath, '/'); pos != -1 {
		return bucketPath[:pos], bucketPath[pos+1:] + "/"
	}
	return bucketPath, ""
}
