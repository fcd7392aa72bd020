// Copyright 2025 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package blob

import (
	"io"
	"strings"

	"github.com/gorse-io/nextpick/config"
	"github.com/gorse-io/nextpick/storage"
	"github.com/juju/errors"
)

// Store reads and writes named blobs under a base location.
type Store interface {
	// Open a blob for reading. A missing blob is a NotFound error.
	Open(name string) (io.ReadCloser, error)
	// Create a blob for writing. The done channel is closed once the data is persisted.
	Create(name string) (io.WriteCloser, chan struct{}, error)
	// List names of blobs.
	List() ([]string, error)
	// Remove a blob.
	Remove(name string) error
}

// Open creates a store for a model directory: s3://bucket/prefix, gs://bucket/prefix,
// azblob://container/prefix or a local path.
func Open(dir string, cfg *config.Config) (Store, error) {
	if cfg == nil {
		cfg = config.GetDefaultConfig()
	}
	switch {
	case strings.HasPrefix(dir, storage.S3Prefix):
		bucket, prefix, err := storage.SplitBucketURL(dir)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return NewS3(cfg.S3, bucket, prefix)
	case strings.HasPrefix(dir, storage.GCSPrefix):
		bucket, prefix, err := storage.SplitBucketURL(dir)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return NewGCS(cfg.GCS, bucket, prefix)
	case strings.HasPrefix(dir, storage.AzureBlobPrefix):
		container, prefix, err := storage.SplitBucketURL(dir)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return NewAzureBlob(cfg.Azure, container, prefix)
	}
	return NewPOSIX(dir), nil
}
