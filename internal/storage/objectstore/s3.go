package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// Config описывает бакет для подтверждений оплаты.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string // MinIO/LocalStack; пусто для AWS
	// PublicBaseURL: база для ссылок на объекты; по умолчанию строится из Endpoint или региона.
	PublicBaseURL string
}

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3ProofStorage загружает подтверждения оплаты в S3-совместимое хранилище.
type S3ProofStorage struct {
	client  putObjectAPI
	bucket  string
	baseURL string
}

// NewS3ProofStorage создаёт хранилище, используя стандартную цепочку AWS credentials.
func NewS3ProofStorage(ctx context.Context, cfg Config) (*S3ProofStorage, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("proof bucket is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3ProofStorage(client, cfg), nil
}

func newS3ProofStorage(client putObjectAPI, cfg Config) *S3ProofStorage {
	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	if base == "" {
		switch {
		case cfg.Endpoint != "":
			base = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
		case cfg.Region != "":
			base = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
		default:
			base = fmt.Sprintf("https://%s.s3.amazonaws.com", cfg.Bucket)
		}
	}
	return &S3ProofStorage{client: client, bucket: cfg.Bucket, baseURL: base}
}

// Upload кладёт объект по ключу и возвращает его URL.
func (s *S3ProofStorage) Upload(ctx context.Context, key, contentType string, body io.Reader) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return "", fmt.Errorf("proof object key is required")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}); err != nil {
		return "", domain.StorageFailure("proofs.put_object", err)
	}

	return s.baseURL + "/" + escapeKey(key), nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

var _ domain.ProofStorage = (*S3ProofStorage)(nil)
