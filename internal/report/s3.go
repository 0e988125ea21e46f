package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ChuLiYu/fairshare/pkg/types"
)

const DefaultBucket = "fairshare-reports"

// S3Config S3 相容儲存設定
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// ObjectPutter *minio.Client 的子集
type ObjectPutter interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

var _ ObjectPutter = (*minio.Client)(nil)

// S3Exporter 上傳報表到 bucket
type S3Exporter struct {
	client ObjectPutter
	bucket string
	prefix string
	log    *slog.Logger
}

// NewS3Exporter 以 access key 連線
func NewS3Exporter(cfg S3Config, log *slog.Logger) (*S3Exporter, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}
	return NewS3ExporterWithClient(client, cfg.Bucket, cfg.Prefix, log), nil
}

func NewS3ExporterWithClient(client ObjectPutter, bucket, prefix string, log *slog.Logger) *S3Exporter {
	if strings.TrimSpace(bucket) == "" {
		bucket = DefaultBucket
	}
	if log == nil {
		log = slog.Default()
	}
	return &S3Exporter{client: client, bucket: bucket, prefix: prefix, log: log}
}

// Export 建立 bucket（若不存在）並上傳，回傳物件名稱
func (e *S3Exporter) Export(ctx context.Context, f Format, recs []types.KPIRecord) (string, error) {
	data, err := Render(f, recs)
	if err != nil {
		return "", err
	}

	exists, err := e.client.BucketExists(ctx, e.bucket)
	if err != nil {
		return "", fmt.Errorf("failed to check bucket %s: %w", e.bucket, err)
	}
	if !exists {
		if err := e.client.MakeBucket(ctx, e.bucket, minio.MakeBucketOptions{}); err != nil {
			return "", fmt.Errorf("failed to create bucket %s: %w", e.bucket, err)
		}
	}

	object := ObjectName(e.prefix, f, recs)
	info, err := e.client.PutObject(ctx, e.bucket, object, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: f.ContentType()})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", object, err)
	}
	e.log.Info("kpi report uploaded", "bucket", e.bucket, "object", object, "size", info.Size)
	return object, nil
}
