// Package archive writes pinboard snapshots to S3 compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"pinboard/api/internal/store"
)

var ErrEmptyPinboard = errors.New("pinboard has no items")

type ItemSource interface {
	ListItemsForArchive(ctx context.Context, pinboardID string) ([]store.Item, error)
}

type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, name string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Document struct {
	PinboardID string       `json:"pinboardId"`
	ArchivedAt time.Time    `json:"archivedAt"`
	Items      []store.Item `json:"items"`
}

type Result struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Items  int    `json:"items"`
	Size   int64  `json:"size"`
}

type Archiver struct {
	items  ItemSource
	client ObjectPutter
	bucket string
	prefix string
	now    func() time.Time
	logger *zap.Logger
}

func NewMinioClient(endpoint, accessKey, secretKey string, useSSL bool) (*minio.Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create archive client: %w", err)
	}
	return client, nil
}

// NewArchiver stores objects under "<stage>/pinboards/" in bucket.
func NewArchiver(items ItemSource, client ObjectPutter, bucket, stage string, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		items:  items,
		client: client,
		bucket: bucket,
		prefix: stage + "/pinboards/",
		now:    time.Now,
		logger: logger,
	}
}

func (a *Archiver) Key(pinboardID string) string {
	return a.prefix + pinboardID + ".json"
}

// ArchivePinboard uploads every item of the pinboard, soft-deleted ones included.
func (a *Archiver) ArchivePinboard(ctx context.Context, pinboardID string) (Result, error) {
	items, err := a.items.ListItemsForArchive(ctx, pinboardID)
	if err != nil {
		return Result{}, fmt.Errorf("load pinboard %s: %w", pinboardID, err)
	}
	if len(items) == 0 {
		return Result{}, ErrEmptyPinboard
	}

	body, err := json.Marshal(Document{PinboardID: pinboardID, ArchivedAt: a.now().UTC(), Items: items})
	if err != nil {
		return Result{}, fmt.Errorf("encode pinboard %s: %w", pinboardID, err)
	}

	key := a.Key(pinboardID)
	info, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return Result{}, fmt.Errorf("upload %s: %w", key, err)
	}
	a.logger.Info("archived pinboard",
		zap.String("pinboard_id", pinboardID),
		zap.String("key", key),
		zap.Int("items", len(items)),
		zap.Int64("size", info.Size))
	return Result{Bucket: a.bucket, Key: key, Items: len(items), Size: info.Size}, nil
}
