// Package backup ships copies of the device database to S3-compatible storage.
// When the bucket is empty the NoopUploader is used and the device keeps only
// local backups.
package backup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/oklog/ulid/v2"

	"github.com/fieldops/fieldsync/internal/config"
)

// ErrNotConfigured is returned when backup storage is not configured.
var ErrNotConfigured = errors.New("backup storage not configured")

// Object describes one uploaded backup.
type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Uploader uploads device backups and lists previous ones.
type Uploader interface {
	// Upload stores the file at filePath as a new backup for deviceID and
	// returns its object key.
	Upload(ctx context.Context, deviceID string, filePath string) (string, error)

	// List returns the device's backups, newest first.
	// Returns ErrNotConfigured when storage is not configured.
	List(ctx context.Context, deviceID string) ([]Object, error)
}

// s3Client defines the minimal minio.Client operations used by S3Uploader.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string) error
	ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error)
}

// minioClientWrapper wraps *minio.Client to satisfy the s3Client interface.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) FPutObject(ctx context.Context, bucket, objectName, filePath string) error {
	_, err := w.client.FPutObject(ctx, bucket, objectName, filePath, minio.PutObjectOptions{
		ContentType: "application/vnd.sqlite3",
	})
	return err
}

func (w *minioClientWrapper) ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error) {
	var out []Object
	for info := range w.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, info.Err
		}
		out = append(out, Object{Key: info.Key, Size: info.Size, LastModified: info.LastModified})
	}
	return out, nil
}

// S3Uploader uploads backups to S3-compatible storage.
type S3Uploader struct {
	client s3Client
	bucket string
	clock  clockwork.Clock
}

// Upload writes the backup under a time-ordered key and refreshes the
// device's current pointer object.
func (u *S3Uploader) Upload(ctx context.Context, deviceID string, filePath string) (string, error) {
	key := objectKey(deviceID, ulid.MustNew(ulid.Timestamp(u.clock.Now()), ulid.DefaultEntropy()).String())
	if err := u.client.FPutObject(ctx, u.bucket, key, filePath); err != nil {
		return "", fmt.Errorf("upload backup to S3: %w", err)
	}
	if err := u.client.FPutObject(ctx, u.bucket, currentKey(deviceID), filePath); err != nil {
		return "", fmt.Errorf("upload current backup to S3: %w", err)
	}
	return key, nil
}

// List returns the device's versioned backups, newest first.
func (u *S3Uploader) List(ctx context.Context, deviceID string) ([]Object, error) {
	objects, err := u.client.ListObjects(ctx, u.bucket, prefix(deviceID))
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	current := currentKey(deviceID)
	out := objects[:0]
	for _, o := range objects {
		if o.Key != current {
			out = append(out, o)
		}
	}
	// ULID keys sort by creation time.
	sort.Slice(out, func(i, j int) bool { return out[i].Key > out[j].Key })
	return out, nil
}

// NoopUploader is used when backup storage is not configured.
type NoopUploader struct{}

// Upload is a no-op when storage is not configured.
func (u *NoopUploader) Upload(ctx context.Context, deviceID string, filePath string) (string, error) {
	return "", nil
}

// List returns ErrNotConfigured.
func (u *NoopUploader) List(ctx context.Context, deviceID string) ([]Object, error) {
	return nil, ErrNotConfigured
}

// NewUploader creates the appropriate Uploader based on configuration.
// Returns NoopUploader when bucket is empty, S3Uploader otherwise.
func NewUploader(cfg config.BackupConfig, clock clockwork.Clock) (Uploader, error) {
	if cfg.Bucket == "" {
		return &NoopUploader{}, nil
	}
	if cfg.DeviceID == "" {
		return nil, errors.New("backup device id is required when a bucket is configured")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{
		client: &minioClientWrapper{client: client},
		bucket: cfg.Bucket,
		clock:  clock,
	}, nil
}

// Convention: {device_id}/backups/{ulid}.db plus {device_id}/backups/current.db
func prefix(deviceID string) string {
	return strings.TrimSuffix(deviceID, "/") + "/backups/"
}

func objectKey(deviceID, id string) string {
	return prefix(deviceID) + id + ".db"
}

func currentKey(deviceID string) string {
	return prefix(deviceID) + "current.db"
}
