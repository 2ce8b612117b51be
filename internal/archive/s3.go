package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"regexp"
	"time"

	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config настройки архива
type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
}

// objectPutter часть s3.Client, нужная архиву
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive реализует service.PayloadArchive
type S3Archive struct {
	client objectPutter
	bucket string
	prefix string
	log    *logger.Logger
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._:\-]`)

// NewS3Archive создает архив. Без ключей используется стандартная цепочка учетных данных AWS.
func NewS3Archive(ctx context.Context, cfg Config, log *logger.Logger) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})
	log.Infow("Webhook payload archive initialized", "bucket", cfg.Bucket, "prefix", cfg.Prefix)
	return newS3Archive(client, cfg.Bucket, cfg.Prefix, log), nil
}

func newS3Archive(client objectPutter, bucket, prefix string, log *logger.Logger) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, prefix: prefix, log: log}
}

// ObjectKey ключ объекта: <prefix>/<yyyy>/<mm>/<dd>/<event_id>.json (дата в UTC)
func ObjectKey(prefix, eventID string, receivedAt time.Time) string {
	day := receivedAt.UTC().Format("2006/01/02")
	return path.Join(prefix, day, unsafeKeyChars.ReplaceAllString(eventID, "_")+".json")
}

// Put сохраняет тело вебхука
func (a *S3Archive) Put(ctx context.Context, eventID string, raw []byte, receivedAt time.Time) error {
	key := ObjectKey(a.prefix, eventID, receivedAt)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive: put s3://%s/%s: %w", a.bucket, key, err)
	}
	a.log.Debugw("Webhook payload archived", "bucket", a.bucket, "key", key)
	return nil
}
