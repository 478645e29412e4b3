// Package storage holds normalized dataset files. Every uploaded CSV or
// spreadsheet is rewritten to Parquet and kept under a tenant and dataset
// scoped key; see DatasetObjectPath.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

const ContentTypeParquet = "application/vnd.apache.parquet"

// Metadata keys attached to dataset objects so an operator browsing the
// bucket can map a version key back to its upload.
const (
	MetaTenant     = "tenant"
	MetaDataset    = "dataset"
	MetaSourceType = "source-format"
	MetaRowCount   = "row-count"
)

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	Metadata     map[string]string
	LastModified time.Time
}

type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	// List returns every object whose key starts with prefix. Keys are
	// relative to the store root, the same form Put accepts.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// NormalizeKey strips leading slashes and rejects keys that would escape
// the store root.
func NormalizeKey(key string) (string, error) {
	key = strings.TrimSpace(strings.TrimLeft(key, "/"))
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid object key: %q", key)
	}
	return cleaned, nil
}

// NormalizePrefix is the List counterpart of NormalizeKey. An empty prefix
// lists everything.
func NormalizePrefix(prefix string) (string, error) {
	prefix = strings.TrimLeft(strings.TrimSpace(prefix), "/")
	for _, part := range strings.Split(prefix, "/") {
		if part == ".." {
			return "", fmt.Errorf("invalid list prefix: %q", prefix)
		}
	}
	return prefix, nil
}

// ContentTypeFor guesses a content type from the key extension when the
// caller did not set one.
func ContentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".parquet":
		return ContentTypeParquet
	case ".csv":
		return "text/csv"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
