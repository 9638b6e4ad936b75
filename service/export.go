package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"live-recorder/constant"
	"live-recorder/entities"
	"live-recorder/repository"
)

var (
	ErrNonRetryable     = errors.New("non-retryable error")
	ErrExportDisabled   = errors.New("clip export is not configured")
	ErrEmptyClipPayload = errors.New("clip has no payload")
)

// ObjectUploader is the part of *minio.Client the exporter needs.
type ObjectUploader interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type ClipExporter interface {
	Export(ctx context.Context, key entities.Key) (string, error)
}

type clipExporter struct {
	store    repository.ChunkStore
	uploader ObjectUploader
	bucket   string
}

// Export uploads one clip to clips/<session>/<download file name> and returns the object name.
func (e *clipExporter) Export(ctx context.Context, key entities.Key) (string, error) {
	if e.uploader == nil || e.bucket == "" {
		return "", errors.Join(ErrNonRetryable, ErrExportDisabled)
	}
	ctx = zerolog.Ctx(ctx).With().Str("session_id", key.SessionID).Int64("seq", key.Seq).Logger().WithContext(ctx)

	clip, err := e.store.GetByKey(ctx, constant.TableChunks, key)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to load clip for export")
		if errors.Is(err, repository.ErrNotFound) {
			return "", errors.Join(ErrNonRetryable, err)
		}
		return "", err
	}
	if len(clip.Payload) == 0 {
		return "", errors.Join(ErrNonRetryable, ErrEmptyClipPayload)
	}

	name := clip.DownloadFileName
	if name == "" {
		name = DownloadFileName(clip.Author, clip.Title, clip.CreatedAt)
	}
	objectName := path.Join("clips", clip.SessionID, name)

	zerolog.Ctx(ctx).Info().Str("object_name", objectName).Int64("size", clip.Size).Msg("uploading clip to MinIO")
	_, err = e.uploader.PutObject(ctx, e.bucket, objectName, bytes.NewReader(clip.Payload), int64(len(clip.Payload)), minio.PutObjectOptions{
		ContentType: "video/mp4",
		UserMetadata: map[string]string{
			"author": clip.Author,
			"title":  clip.Title,
		},
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("object_name", objectName).Msg("failed to upload clip")
		return "", err
	}
	return objectName, nil
}

func NewClipExporter(store repository.ChunkStore, uploader ObjectUploader, bucket string) ClipExporter {
	return &clipExporter{
		store:    store,
		uploader: uploader,
		bucket:   bucket,
	}
}
