package ingress

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/dunamismax/heicflow/internal/convert"
	"github.com/dunamismax/heicflow/internal/storage"
)

// ObjectStore is the read side of internal/storage used for job sources.
type ObjectStore interface {
	StatObject(ctx context.Context, objectKey string) (storage.ObjectInfo, error)
	ReadObject(ctx context.Context, objectKey string, maxBytes int64) ([]byte, error)
}

type ObjectFetcher struct {
	store    ObjectStore
	maxBytes int64
}

func NewObjectFetcher(store ObjectStore, maxBytes int64) *ObjectFetcher {
	return &ObjectFetcher{store: store, maxBytes: maxBytes}
}

// Fetch reads objectKey from the source bucket. The size recorded in object
// metadata is checked before any bytes are read.
func (f *ObjectFetcher) Fetch(ctx context.Context, objectKey string) (convert.Input, error) {
	objectKey = strings.TrimSpace(objectKey)
	if objectKey == "" {
		return convert.Input{}, convert.ValidationError(fmt.Errorf("%w: empty object key", convert.ErrNoInput))
	}
	if f.store == nil {
		return convert.Input{}, convert.FetchError(0, errors.New("object storage is not configured"))
	}

	info, err := f.store.StatObject(ctx, objectKey)
	if err != nil {
		return convert.Input{}, objectError(err)
	}
	if info.Size > f.maxBytes {
		return convert.Input{}, convert.ValidationError(fmt.Errorf("%w: object is %d bytes, max %d", convert.ErrTooLarge, info.Size, f.maxBytes))
	}

	data, err := f.store.ReadObject(ctx, objectKey, f.maxBytes)
	if err != nil {
		return convert.Input{}, objectError(err)
	}
	if len(data) == 0 {
		return convert.Input{}, convert.ValidationError(fmt.Errorf("%w: object is empty", convert.ErrNoInput))
	}

	return convert.Input{
		Data:      data,
		MediaType: mediaType(info.ContentType),
		Filename:  path.Base(objectKey),
	}, nil
}

func objectError(err error) error {
	switch {
	case errors.Is(err, storage.ErrObjectTooLarge):
		return convert.ValidationError(fmt.Errorf("%w: %v", convert.ErrTooLarge, err))
	case errors.Is(err, storage.ErrObjectNotFound):
		return convert.FetchError(http.StatusNotFound, err)
	default:
		return convert.FetchError(0, err)
	}
}
