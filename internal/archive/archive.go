// Package archive writes a JSON snapshot of every closed workflow request and
// its history to an S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"cmsworkflow/internal/workflow"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Snapshot struct {
	Request    workflow.Request  `json:"request"`
	History    []workflow.Change `json:"history"`
	ArchivedAt time.Time         `json:"archivedAt"`
}

type Archiver struct {
	client objectStore
	bucket string
	logger *zap.Logger
	now    func() time.Time
}

func New(cfg Config, logger *zap.Logger) (*Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create archive client: %w", err)
	}
	return newArchiver(client, cfg.Bucket, logger), nil
}

func newArchiver(client objectStore, bucket string, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		client: client,
		bucket: bucket,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// EnsureBucket creates the archive bucket when it does not exist yet.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check archive bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create archive bucket: %w", err)
	}
	a.logger.Info("archive bucket created", zap.String("bucket", a.bucket))
	return nil
}

func (a *Archiver) ArchiveRequest(ctx context.Context, request workflow.Request, history []workflow.Change) error {
	if history == nil {
		history = []workflow.Change{}
	}
	payload, err := json.MarshalIndent(Snapshot{Request: request, History: history, ArchivedAt: a.now()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal archive snapshot: %w", err)
	}
	key := ObjectKey(request)
	if _, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	}); err != nil {
		return fmt.Errorf("put archive object %s: %w", key, err)
	}
	return nil
}

func ObjectKey(request workflow.Request) string {
	return path.Join("requests", request.PageID, request.ID+".json")
}
