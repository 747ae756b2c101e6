// Package blobstore holds raw uploaded documents.
package blobstore

import (
	"context"
	"errors"
	"time"
)

var ErrObjectNotExist = errors.New("blobstore: object does not exist")

type ObjectInfo struct {
	Key       string
	Size      int64
	CreatedAt time.Time
}

// Store is the put/get/list/delete contract the ingestion gate relies on.
// Put returns a locator the object can be fetched with later.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}
